package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/aromalink-core/internal/infrastructure/database"
)

// newDBCmd groups the schema maintenance commands. Neither subcommand
// applies migrations; run does that on startup.
func newDBCmd() *cobra.Command {
	db := &cobra.Command{
		Use:   "db",
		Short: "Inspect or roll back the local database schema",
	}

	db.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(configPath, func(db *database.DB) error {
				return printMigrationStatus(cmd.Context(), db, cmd.OutOrStdout())
			})
		},
	})

	db.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(configPath, func(db *database.DB) error {
				m, err := db.MigrateDown(cmd.Context())
				if err != nil {
					return err
				}
				if m.Version == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s %s\n", m.Version, m.Name)
				return nil
			})
		},
	})

	return db
}

// withDatabase opens the configured database without migrating it.
func withDatabase(path string, fn func(*database.DB) error) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly command
	return fn(db)
}

func printMigrationStatus(ctx context.Context, db *database.DB, out io.Writer) error {
	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, r := range status.Applied {
		fmt.Fprintf(w, "%s\t%s\tapplied %s\n", r.Version, r.Name, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(w, "%s\t%s\tpending\n", m.Version, m.Name)
	}
	return w.Flush()
}
