package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List configured devices",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tOPTIONS")
	for _, d := range cfg.Devices {
		var opts []string
		if d.MeasureLatency > 0 {
			opts = append(opts, "latency="+d.MeasureLatency.String())
		}
		if len(d.FaultyProtocols) > 0 {
			ids := make([]string, 0, len(d.FaultyProtocols))
			for _, id := range d.FaultyProtocols {
				ids = append(ids, fmt.Sprint(id))
			}
			opts = append(opts, "faulty="+strings.Join(ids, ","))
		}
		if d.PowerInterlock {
			opts = append(opts, "interlock")
		}
		if len(opts) == 0 {
			opts = append(opts, "-")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Type, strings.Join(opts, " "))
	}
	return tw.Flush()
}
