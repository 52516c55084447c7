// Package commandqueue provides an asynchronous, single-worker command dispatcher.
//
// Invariants:
//   - Commands execute in the order they were enqueued, one at a time.
//   - Every accepted command executes exactly once, or is cancelled with
//     ErrDispatcherClosed if the dispatcher is stopped before reaching it.
//   - Submit never blocks; the queue is unbounded.
//   - A failing or panicking command is isolated at the worker: the loop keeps
//     running and the failure is recorded on its handle and in the dead-letter ring.
//
// Usage:
//
//	d := commandqueue.NewDispatcher(commandqueue.Options{})
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	defer d.Stop(context.Background())
//
//	h, err := d.Submit(command.Measure(analyzer, 1))
//	if err != nil {
//		return err
//	}
//	err = h.Wait(ctx)
package commandqueue
