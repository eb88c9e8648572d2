package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lumehealth/lumesync/internal/events"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:     "list <entity-type>",
	Aliases: []string{"ls"},
	Short:   "List local records of one entity type",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		et, ok := events.NormalizeEntityType(args[0])
		if !ok {
			exitErr(fmt.Errorf("unknown entity type %q", args[0]))
		}

		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		records, err := st.Query(string(et), listLimit)
		if err != nil {
			exitErr(err)
		}
		if len(records) == 0 {
			fmt.Println("No records.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LOCAL ID\tDAY\tQUANTITY\tSYNC\tPROCESSING\tREMOTE ID")
		for _, r := range records {
			remote := r.RemoteID
			if remote == "" {
				remote = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%.3f %s\t%s\t%s\t%s\n",
				r.LocalID, r.Day(), r.Quantity, r.Unit, r.SyncStatus, r.ProcessingStatus, remote)
		}
		w.Flush()
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum records to show")
	rootCmd.AddCommand(listCmd)
}
