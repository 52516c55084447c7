package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/devq/pkg/script"
)

var validateCmd = &cobra.Command{
	Use:   "validate <script>",
	Short: "Validate a command script",
	Long: `Check a script against the script schema and resolve every step against
the configured devices without executing anything.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	loader, err := script.NewLoader(log.GetZerolog())
	if err != nil {
		return err
	}
	s, err := loader.LoadFile(args[0])
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	cmds, err := s.Build(reg)
	if err != nil {
		return fmt.Errorf("script %s: %w", s.Name, err)
	}

	out := cmd.OutOrStdout()
	for i, c := range cmds {
		fmt.Fprintf(out, "%3d  %s\n", i+1, c)
	}
	fmt.Fprintf(out, "%s: valid, %d steps\n", s.Name, len(cmds))
	return nil
}
