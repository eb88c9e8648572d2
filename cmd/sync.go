package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the outbox now",
	Long:  `Runs one synchronous delivery pass over every eligible pending intent.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		eng := buildEngine(st, false)
		n, err := eng.SyncOnce(context.Background())
		if err != nil {
			exitErr(err)
		}
		if n == 0 {
			fmt.Println("Nothing to sync.")
			return
		}
		fmt.Printf("Delivered %d intent(s).\n", n)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
