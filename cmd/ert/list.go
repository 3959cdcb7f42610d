package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/itohio/goert/pkg/hw"
	"github.com/itohio/goert/pkg/mux"
	"github.com/spf13/cobra"
)

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := hw.Ports()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found.")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintf(out, "  - %s\n", p.Name)
			}
			return nil
		},
	}
}

func newAddressesCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "addresses",
		Short: "Print the electrode to relay address table",
		Long: `Print where each (electrode, role) relay lives: board, I2C
multiplexer address and channel, expander address and pin. Useful to check
the cabling section of the configuration before a survey.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			table, err := mux.Load(cfg)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), table)
		},
	}
}

func printTable(out io.Writer, table *mux.Table) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ELECTRODE\tROLE\tBOARD\tMUX\tCHANNEL\tEXPANDER\tPIN")
	for _, e := range table.Entries() {
		fmt.Fprintf(w, "%d\t%s\t%d\t0x%02x\t%d\t0x%02x\t%d\n",
			e.Electrode, e.Role, e.Board, e.MuxAddress, e.MuxChannel, e.Address, e.Pin)
	}
	return w.Flush()
}
