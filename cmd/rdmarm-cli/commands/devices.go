package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmarm/internal/hardware"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd() *cobra.Command {
	var (
		root   string
		asYAML bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices found in sysfs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			detector := hardware.NewDetector(root)
			devices := detector.Refresh()

			if asYAML {
				return writeYAML(cmd.OutOrStdout(), devices)
			}

			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found")
				return nil
			}

			printDevices(cmd.OutOrStdout(), devices)

			if best, ok := detector.BestDevice(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "\nFastest active device: %s\n", best.Name)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&root, "sysfs", hardware.DefaultSysfsRoot, "sysfs directory of RDMA devices")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the full device list as YAML")

	return cmd
}

func printDevices(out io.Writer, devices []hardware.RDMAInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tTYPE\tFIRMWARE\tNODE GUID\tPORTS")

	for _, dev := range devices {
		ports := make([]string, 0, len(dev.Ports))
		for _, p := range dev.Ports {
			ports = append(ports, fmt.Sprintf("%d:%s/%s/%dG", p.Number, p.State, p.LinkLayer, p.Speed))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			dev.Name, dev.NodeType, dev.FirmwareVer, dev.NodeGUID, strings.Join(ports, " "))
	}

	_ = w.Flush()
}
