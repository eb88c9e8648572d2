package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumehealth/lumesync/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local store in the data directory",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := store.Initialize(getBaseDir())
		if err != nil {
			exitErr(err)
		}
		defer st.Close()
		fmt.Printf("Initialized lumesync store in %s\n", getBaseDir())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
