package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumehealth/lumesync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox depth and failed records",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		eng := buildEngine(st, false)
		status, err := eng.Status()
		if err != nil {
			exitErr(err)
		}

		fmt.Printf("Pending intents:   %d\n", status.PendingIntents)
		fmt.Printf("In-flight intents: %d\n", status.InFlightIntents)
		fmt.Printf("Abandoned intents: %d\n", status.AbandonedIntents)

		if status.AbandonedIntents > 0 {
			abandoned, err := st.ListIntents(models.IntentAbandoned)
			if err != nil {
				exitErr(err)
			}
			fmt.Println("\nFailed deliveries (use 'lumesync retry <local-id>'):")
			for _, in := range abandoned {
				fmt.Printf("  %s  %s %s  attempts=%d  %s\n",
					in.TargetLocalID, in.Operation, in.EntityType, in.AttemptCount, in.LastError)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
