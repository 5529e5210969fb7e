package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whisper/dm/internal/db/migrate"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	for _, direction := range []string{"up", "down"} {
		direction := direction
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: fmt.Sprintf("Migrate the database %s", direction),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := migrate.Run(cfg.DatabaseURL, direction); err != nil {
					return err
				}
				return printVersion(cmd)
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd)
		},
	})
	return cmd
}

func printVersion(cmd *cobra.Command) error {
	v, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	cmd.Printf("schema version %d (dirty=%v)\n", v, dirty)
	return nil
}
