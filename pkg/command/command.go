package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harun/devq/pkg/device"
)

// Kind identifies the operation a Command performs.
type Kind int

const (
	KindUnknown Kind = iota
	KindPowerOn
	KindPowerOff
	KindMeasure
)

var kindNames = map[Kind]string{
	KindPowerOn:  "power_on",
	KindPowerOff: "power_off",
	KindMeasure:  "measure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a kind name such as "measure" back to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

var (
	// ErrUnknownKind is returned when executing or parsing an unsupported kind.
	ErrUnknownKind = errors.New("unknown command kind")

	// ErrInvalidCommand is returned by Validate.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is a deferred operation bound to a target device.
type Command struct {
	id         string
	kind       Kind
	target     device.Switchable
	instrument device.Instrument
	protocolID int
	createdAt  time.Time
}

func newCommand(kind Kind, target device.Switchable) Command {
	return Command{
		id:        uuid.NewString(),
		kind:      kind,
		target:    target,
		createdAt: time.Now(),
	}
}

// PowerOn returns a command that turns target on.
func PowerOn(target device.Switchable) Command {
	return newCommand(KindPowerOn, target)
}

// PowerOff returns a command that turns target off.
func PowerOff(target device.Switchable) Command {
	return newCommand(KindPowerOff, target)
}

// Measure returns a command that runs measurement protocol protocolID on target.
func Measure(target device.Instrument, protocolID int) Command {
	c := newCommand(KindMeasure, target)
	c.instrument = target
	c.protocolID = protocolID
	return c
}

func (c Command) ID() string           { return c.id }
func (c Command) Kind() Kind           { return c.kind }
func (c Command) ProtocolID() int      { return c.protocolID }
func (c Command) CreatedAt() time.Time { return c.createdAt }

// Target returns the name of the target device, or "" for a zero Command.
func (c Command) Target() string {
	if c.target == nil {
		return ""
	}
	return c.target.Name()
}

// Validate reports whether c can be executed.
func (c Command) Validate() error {
	if c.id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}
	if c.target == nil {
		return fmt.Errorf("%w: %s has no target", ErrInvalidCommand, c.kind)
	}
	switch c.kind {
	case KindPowerOn, KindPowerOff:
		return nil
	case KindMeasure:
		if c.instrument == nil {
			return fmt.Errorf("%w: measure target %q is not an instrument", ErrInvalidCommand, c.Target())
		}
		if c.protocolID < 0 {
			return fmt.Errorf("%w: negative protocol id %d", ErrInvalidCommand, c.protocolID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %w (%d)", ErrInvalidCommand, ErrUnknownKind, int(c.kind))
	}
}

// Execute invokes the bound operation against the bound target.
func (c Command) Execute(ctx context.Context) error {
	if c.target == nil {
		return fmt.Errorf("%w: %s has no target", ErrInvalidCommand, c.kind)
	}
	switch c.kind {
	case KindPowerOn:
		return c.target.TurnOn(ctx)
	case KindPowerOff:
		return c.target.TurnOff(ctx)
	case KindMeasure:
		if c.instrument == nil {
			return fmt.Errorf("%w: measure target %q is not an instrument", ErrInvalidCommand, c.Target())
		}
		return c.instrument.Measure(ctx, c.protocolID)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(c.kind))
	}
}

// String renders c for logs, e.g. "measure(analyzer, protocol=2)".
func (c Command) String() string {
	if c.kind == KindMeasure {
		return fmt.Sprintf("%s(%s, protocol=%d)", c.kind, c.Target(), c.protocolID)
	}
	return fmt.Sprintf("%s(%s)", c.kind, c.Target())
}
