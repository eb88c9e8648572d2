package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <local-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record locally and on the backend",
	Long: `Tombstones the record immediately and queues a delete intent. The row is
physically removed once the backend acknowledges, or right away if it was
never delivered.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		eng := buildEngine(st, false)
		if err := eng.Delete(context.Background(), args[0]); err != nil {
			exitErr(err)
		}
		fmt.Printf("Deleted %s (delete queued for delivery)\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
