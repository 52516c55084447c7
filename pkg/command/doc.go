// Package command defines the deferred device operations executed by the
// dispatcher worker.
//
// A Command is a closed tagged variant: its Kind selects the operation and
// Execute switches over every known kind. Commands are immutable values; all
// state is captured at construction.
//
// Usage:
//
//	cmd := command.Measure(analyzer, 2)
//	if err := cmd.Execute(ctx); err != nil {
//		// handle failure
//	}
package command
