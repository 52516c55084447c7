package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/devq/pkg/script"
)

var (
	runTimeout     time.Duration
	runFailOnError bool
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a command script",
	Long: `Load a JSON or YAML command script, submit its steps to the dispatcher
and wait until every command has executed. A summary line is printed for
each command.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "maximum time to wait for the script to finish (0 waits forever)")
	runCmd.Flags().BoolVar(&runFailOnError, "fail-on-error", false, "exit non-zero when any command fails")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	loader, err := script.NewLoader(a.log.GetZerolog())
	if err != nil {
		return err
	}
	s, err := loader.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := a.start(ctx); err != nil {
		return err
	}

	sub, submitErr := submitScript(ctx, a.dispatcher, a.registry, s, "script:"+s.Name)
	if submitErr != nil && sub == nil {
		_ = a.stop(context.Background())
		return submitErr
	}

	waitCtx := ctx
	if runTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}
	waitErr := a.dispatcher.WaitIdle(waitCtx)

	var stopErr error
	if waitErr != nil {
		// Abandon whatever is still queued.
		expired, cancel := context.WithTimeout(context.Background(), 0)
		stopErr = a.dispatcher.Stop(expired)
		cancel()
		if errors.Is(stopErr, context.DeadlineExceeded) {
			stopErr = nil
		}
		// The worker is still cancelling queued commands; let it finish so
		// the summary shows their final status.
		select {
		case <-a.dispatcher.Done():
		case <-time.After(a.cfg.Dispatcher.StopTimeout):
		}
		hookCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Dispatcher.StopTimeout)
		stopErr = errors.Join(stopErr, a.hooks.Stop(hookCtx))
		cancel()
	} else {
		stopErr = a.stop(context.Background())
	}

	sub.printSummary(cmd.OutOrStdout())

	switch {
	case submitErr != nil:
		return submitErr
	case waitErr != nil:
		return fmt.Errorf("script %s did not finish: %w", s.Name, waitErr)
	case stopErr != nil:
		return stopErr
	case runFailOnError && sub.failed() > 0:
		return fmt.Errorf("script %s: %d of %d commands failed", s.Name, sub.failed(), len(sub.handles))
	}
	return nil
}
