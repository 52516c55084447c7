package device

import (
	"context"
	"errors"
	"time"
)

// Switchable is a device that can be powered on and off.
type Switchable interface {
	Name() string
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Instrument is a switchable device that can run measurement protocols.
type Instrument interface {
	Switchable
	Measure(ctx context.Context, protocolID int) error
}

// Operation names recorded in a device journal.
const (
	OpTurnOn  = "turn_on"
	OpTurnOff = "turn_off"
	OpMeasure = "measure"
)

// Operation is one call observed by a simulated device.
type Operation struct {
	Device     string
	Op         string
	ProtocolID int
	At         time.Time
	Err        error
}

var (
	// ErrProtocolFailed is returned by a lab device configured to fail a protocol.
	ErrProtocolFailed = errors.New("measurement protocol failed")

	// ErrPoweredOff is returned when measuring on a device that is off.
	ErrPoweredOff = errors.New("device is powered off")

	// ErrDeviceNotFound is returned by Registry lookups.
	ErrDeviceNotFound = errors.New("device not found")
)

// Type identifies a simulated device implementation.
type Type string

const (
	TypeDisplay Type = "display"
	TypeLab     Type = "lab"
)
