package command

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/devq/pkg/device"
)

func TestCommandExecute(t *testing.T) {
	ctx := context.Background()
	lab := device.NewLabDevice("analyzer", zerolog.Nop())

	require.NoError(t, PowerOn(lab).Execute(ctx))
	require.NoError(t, Measure(lab, 3).Execute(ctx))
	require.NoError(t, PowerOff(lab).Execute(ctx))

	ops := lab.Journal()
	require.Len(t, ops, 3)
	assert.Equal(t, device.OpTurnOn, ops[0].Op)
	assert.Equal(t, device.OpMeasure, ops[1].Op)
	assert.Equal(t, 3, ops[1].ProtocolID)
	assert.Equal(t, device.OpTurnOff, ops[2].Op)
	assert.False(t, lab.Powered())
}

func TestCommandExecuteError(t *testing.T) {
	lab := device.NewLabDevice("analyzer", zerolog.Nop(), device.WithFaultyProtocols(1))
	err := Measure(lab, 1).Execute(context.Background())
	assert.ErrorIs(t, err, device.ErrProtocolFailed)
}

func TestCommandIdentity(t *testing.T) {
	tv := device.NewDisplay("tv", zerolog.Nop())
	a := PowerOn(tv)
	b := PowerOn(tv)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID(), "every constructed command gets its own id")
	assert.Equal(t, KindPowerOn, a.Kind())
	assert.Equal(t, "tv", a.Target())
	assert.False(t, a.CreatedAt().IsZero())
	assert.Equal(t, "power_on(tv)", a.String())

	lab := device.NewLabDevice("analyzer", zerolog.Nop())
	assert.Equal(t, "measure(analyzer, protocol=2)", Measure(lab, 2).String())
}

func TestCommandValidate(t *testing.T) {
	lab := device.NewLabDevice("analyzer", zerolog.Nop())

	assert.NoError(t, PowerOn(lab).Validate())
	assert.NoError(t, Measure(lab, 0).Validate())

	var zero Command
	assert.ErrorIs(t, zero.Validate(), ErrInvalidCommand)
	assert.ErrorIs(t, zero.Execute(context.Background()), ErrInvalidCommand)
	assert.ErrorIs(t, Measure(lab, -1).Validate(), ErrInvalidCommand)

	bad := PowerOn(lab)
	bad.kind = Kind(42)
	assert.ErrorIs(t, bad.Validate(), ErrUnknownKind)
	assert.ErrorIs(t, bad.Execute(context.Background()), ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindPowerOn, KindPowerOff, KindMeasure} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("reboot")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, "unknown", KindUnknown.String())
}
