package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lumehealth/lumesync/internal/events"
	"github.com/lumehealth/lumesync/internal/models"
)

var (
	logUnit string
	logAt   string
)

// sampleFlags registers the shared flags for sample-producing commands.
func sampleFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&logUnit, "unit", "u", "", "unit of the quantity (l, kg, kcal, ...)")
	fs.StringVar(&logAt, "at", "", "occurrence time (RFC3339, default now)")
}

var logCmd = &cobra.Command{
	Use:   "log <entity-type> <quantity>",
	Short: "Record a sample locally and queue it for delivery",
	Long: `Records a sample in the local store. Cumulative types (water) aggregate into
the day's existing record; scalar types (weight, mood) replace it in place when
the value changed. Delivery to the backend happens in the background.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		et, ok := events.NormalizeEntityType(args[0])
		if !ok {
			exitErr(fmt.Errorf("unknown entity type %q", args[0]))
		}
		qty, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			exitErr(fmt.Errorf("parse quantity %q: %w", args[1], err))
		}

		occurredAt := time.Now()
		if logAt != "" {
			occurredAt, err = time.Parse(time.RFC3339, logAt)
			if err != nil {
				exitErr(fmt.Errorf("parse --at: %w", err))
			}
		}

		st, err := openStore()
		if err != nil {
			exitErr(err)
		}
		defer st.Close()

		eng := buildEngine(st, false)
		rec, err := eng.Log(context.Background(), models.Sample{
			EntityType: string(et),
			Quantity:   qty,
			Unit:       logUnit,
			OccurredAt: occurredAt,
		})
		if err != nil {
			exitErr(err)
		}

		fmt.Printf("Logged %s %.3g %s (%s, %s)\n", rec.EntityType, rec.Quantity, rec.Unit, rec.LocalID, rec.SyncStatus)
	},
}

func init() {
	sampleFlags(logCmd.Flags())
	rootCmd.AddCommand(logCmd)
}
