// Package commands implements the whisperdm command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/whisper/dm/internal/config"
)

var cfg *config.Config

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:          "whisperdm",
		Short:        "Direct-messaging server with live WebSocket delivery",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			return err
		},
	}

	root.AddCommand(serveCmd(), migrateCmd())
	return root.Execute()
}
