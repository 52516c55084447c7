package device

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LabOption configures a LabDevice.
type LabOption func(*LabDevice)

// WithMeasureLatency makes every measurement take at least d.
func WithMeasureLatency(d time.Duration) LabOption {
	return func(l *LabDevice) { l.latency = d }
}

// WithFaultyProtocols makes Measure fail for the given protocol ids.
func WithFaultyProtocols(ids ...int) LabOption {
	return func(l *LabDevice) {
		for _, id := range ids {
			l.faulty[id] = struct{}{}
		}
	}
}

// WithPowerInterlock makes Measure fail with ErrPoweredOff unless the device is on.
func WithPowerInterlock() LabOption {
	return func(l *LabDevice) { l.interlock = true }
}

// LabDevice is a simulated laboratory instrument.
type LabDevice struct {
	name      string
	logger    zerolog.Logger
	latency   time.Duration
	faulty    map[int]struct{}
	interlock bool
	powered   atomic.Bool
	journal   journal
}

// NewLabDevice creates a lab device named name.
func NewLabDevice(name string, logger zerolog.Logger, opts ...LabOption) *LabDevice {
	l := &LabDevice{
		name:   name,
		logger: logger.With().Str("device", name).Str("type", string(TypeLab)).Logger(),
		faulty: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LabDevice) Name() string { return l.name }

func (l *LabDevice) TurnOn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.powered.Store(true)
	l.journal.record(l.name, OpTurnOn, 0, nil)
	l.logger.Info().Msg("Device on")
	return nil
}

func (l *LabDevice) TurnOff(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.powered.Store(false)
	l.journal.record(l.name, OpTurnOff, 0, nil)
	l.logger.Info().Msg("Device off")
	return nil
}

// Measure runs measurement protocol protocolID. The latency, if any, is
// honoured unless ctx ends first.
func (l *LabDevice) Measure(ctx context.Context, protocolID int) error {
	err := l.measure(ctx, protocolID)
	l.journal.record(l.name, OpMeasure, protocolID, err)
	if err != nil {
		l.logger.Warn().Int("protocol", protocolID).Err(err).Msg("Measurement protocol failed")
		return err
	}
	l.logger.Info().Int("protocol", protocolID).Msg("Executed measurement protocol")
	return nil
}

func (l *LabDevice) measure(ctx context.Context, protocolID int) error {
	if l.interlock && !l.powered.Load() {
		return fmt.Errorf("measure protocol %d on %s: %w", protocolID, l.name, ErrPoweredOff)
	}
	if l.latency > 0 {
		timer := time.NewTimer(l.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if _, bad := l.faulty[protocolID]; bad {
		return fmt.Errorf("protocol %d on %s: %w", protocolID, l.name, ErrProtocolFailed)
	}
	return nil
}

// Powered reports the current power state.
func (l *LabDevice) Powered() bool { return l.powered.Load() }

// Journal returns the operations executed so far, oldest first.
func (l *LabDevice) Journal() []Operation { return l.journal.snapshot() }
