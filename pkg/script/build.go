package script

import (
	"errors"
	"fmt"

	"github.com/harun/devq/pkg/command"
	"github.com/harun/devq/pkg/device"
)

// Build resolves each step against reg and returns the commands in step
// order. All unresolvable steps are reported together.
func (s *Script) Build(reg *device.Registry) ([]command.Command, error) {
	cmds := make([]command.Command, 0, len(s.Steps))
	var errs []error

	for i, step := range s.Steps {
		cmd, err := step.command(reg)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s %s): %w", i+1, step.Op, step.Device, err))
			continue
		}
		cmds = append(cmds, cmd)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cmds, nil
}

func (st Step) command(reg *device.Registry) (command.Command, error) {
	kind, err := command.ParseKind(st.Op)
	if err != nil {
		return command.Command{}, err
	}

	switch kind {
	case command.KindPowerOn, command.KindPowerOff:
		target, err := reg.Get(st.Device)
		if err != nil {
			return command.Command{}, err
		}
		if kind == command.KindPowerOn {
			return command.PowerOn(target), nil
		}
		return command.PowerOff(target), nil
	case command.KindMeasure:
		if st.Protocol == nil {
			return command.Command{}, fmt.Errorf("%w: measure requires a protocol", ErrInvalidScript)
		}
		inst, err := reg.Instrument(st.Device)
		if err != nil {
			return command.Command{}, err
		}
		return command.Measure(inst, *st.Protocol), nil
	default:
		return command.Command{}, fmt.Errorf("%w: %s", command.ErrUnknownKind, st.Op)
	}
}
