package device

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Display is a simulated external display. It only supports power commands.
type Display struct {
	name    string
	logger  zerolog.Logger
	powered atomic.Bool
	journal journal
}

// NewDisplay creates a display named name.
func NewDisplay(name string, logger zerolog.Logger) *Display {
	return &Display{
		name:   name,
		logger: logger.With().Str("device", name).Str("type", string(TypeDisplay)).Logger(),
	}
}

func (d *Display) Name() string { return d.name }

func (d *Display) TurnOn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.powered.Store(true)
	d.journal.record(d.name, OpTurnOn, 0, nil)
	d.logger.Info().Msg("Device on")
	return nil
}

func (d *Display) TurnOff(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.powered.Store(false)
	d.journal.record(d.name, OpTurnOff, 0, nil)
	d.logger.Info().Msg("Device off")
	return nil
}

// Powered reports the current power state.
func (d *Display) Powered() bool { return d.powered.Load() }

// Journal returns the operations executed so far, oldest first.
func (d *Display) Journal() []Operation { return d.journal.snapshot() }
