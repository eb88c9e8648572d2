package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Re-enqueue delivery of a failed record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		eng := buildEngine(st, false)
		if err := eng.Retry(context.Background(), args[0]); err != nil {
			exitErr(err)
		}
		if _, err := eng.SyncOnce(context.Background()); err != nil {
			exitErr(err)
		}
		fmt.Printf("Requeued %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
