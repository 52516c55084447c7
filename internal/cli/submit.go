package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/devq/internal/tracing"
	"github.com/harun/devq/pkg/command"
	"github.com/harun/devq/pkg/commandqueue"
	"github.com/harun/devq/pkg/device"
	"github.com/harun/devq/pkg/script"
)

// submission pairs each submitted command with its handle.
type submission struct {
	script  string
	cmds    []command.Command
	handles []*commandqueue.Handle
}

// submitScript resolves s against reg and submits every step to d in order.
// producer identifies the source in logs and audit events.
func submitScript(ctx context.Context, d *commandqueue.Dispatcher, reg *device.Registry, s *script.Script, producer string) (*submission, error) {
	cmds, err := s.Build(reg)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", s.Name, err)
	}

	ctx = tracing.WithProducer(tracing.NewRequestContext(ctx), producer)

	sub := &submission{script: s.Name, cmds: cmds, handles: make([]*commandqueue.Handle, 0, len(cmds))}
	for _, cmd := range cmds {
		h, err := d.SubmitWithContext(ctx, cmd)
		if err != nil {
			return sub, fmt.Errorf("submit %s: %w", cmd, err)
		}
		sub.handles = append(sub.handles, h)
	}
	return sub, nil
}

// wait blocks until every handle is done or ctx ends.
func (s *submission) wait(ctx context.Context) error {
	for _, h := range s.handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// failed returns the number of commands that did not succeed.
func (s *submission) failed() int {
	n := 0
	for _, h := range s.handles {
		if h.Status() != commandqueue.StatusSucceeded {
			n++
		}
	}
	return n
}

// printSummary writes one line per command followed by a totals line.
func (s *submission) printSummary(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, h := range s.handles {
		errText := ""
		if err := h.Err(); err != nil {
			errText = err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Status(), s.cmds[i], h.Duration().Round(time.Millisecond), errText)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%s: %d commands, %d failed\n", s.script, len(s.handles), s.failed())
}
