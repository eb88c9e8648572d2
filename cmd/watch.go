package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine until interrupted",
	Long: `Starts the full engine: the outbox processor, the realtime channel, and the
polling fallback. Runs until SIGINT/SIGTERM; in-flight deliveries finish
before exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		eng := buildEngine(st, true)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		eng.Start(ctx)
		fmt.Println("lumesync running (ctrl-c to stop)")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		fmt.Println("shutting down...")
		eng.Stop()
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
