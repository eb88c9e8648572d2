package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumehealth/lumesync/internal/engine"
	"github.com/lumehealth/lumesync/internal/gateway"
	"github.com/lumehealth/lumesync/internal/outbox"
	"github.com/lumehealth/lumesync/internal/poller"
	"github.com/lumehealth/lumesync/internal/realtime"
	"github.com/lumehealth/lumesync/internal/store"
	"github.com/lumehealth/lumesync/internal/syncconfig"
)

var (
	version string
	baseDir string
)

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "lumesync",
	Short: "Local-first health data sync engine",
	Long: `lumesync keeps locally logged health data (meals, sleep, mood, weight, water)
in sync with the Lume backend. Writes land locally first and are delivered in
the background through a durable outbox; completion results stream back over a
realtime channel with a polling fallback.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(syncconfig.LoadDotenv)
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "data directory (default $LUMESYNC_DIR or cwd)")
}

// getBaseDir resolves the data directory: --dir flag > LUMESYNC_DIR > cwd.
func getBaseDir() string {
	if baseDir != "" {
		return baseDir
	}
	if v := os.Getenv("LUMESYNC_DIR"); v != "" {
		return v
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return dir
}

// openStore opens the store in the resolved base directory.
func openStore() (*store.Store, error) {
	return store.Open(getBaseDir())
}

// buildEngine assembles an engine over the given store from config. When
// withRealtime is false the engine runs without a push channel (one-shot
// commands have no use for it).
func buildEngine(st *store.Store, withRealtime bool) *engine.Engine {
	creds := gateway.StaticCredentials(syncconfig.GetToken())
	gw := gateway.NewHTTP(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), creds)

	procCfg := outbox.DefaultConfig()
	procCfg.MaxAttempts = syncconfig.GetMaxAttempts()
	procCfg.Workers = syncconfig.GetWorkers()

	pollCfg := poller.DefaultConfig()
	pollCfg.Interval = syncconfig.GetPollInterval()

	opts := engine.Options{
		Store:     st,
		Gateway:   gw,
		Processor: procCfg,
		Poller:    pollCfg,
	}
	if withRealtime {
		if url := syncconfig.GetRealtimeURL(); url != "" {
			rc := realtime.DefaultConfig(url)
			rc.APIKey = syncconfig.GetAPIKey()
			rc.Token = syncconfig.GetToken()
			opts.Realtime = &rc
		}
	}
	return engine.New(opts)
}

// exitErr prints an error to stderr and exits non-zero.
func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
