package main

import (
	"fmt"
	"io"

	"github.com/rpattn/surveyingest/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema.",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := db.RunMigrations(cfg.Database); err != nil {
				return err
			}
			return printVersion(stdout, cfg.Database)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := db.RollbackMigrations(cfg.Database, steps); err != nil {
				return err
			}
			return printVersion(stdout, cfg.Database)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back.")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printVersion(stdout, cfg.Database)
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(out io.Writer, cfg db.Config) error {
	version, dirty, err := db.MigrationVersion(cfg)
	if err != nil {
		return err
	}
	if dirty {
		_, err = fmt.Fprintf(out, "schema version %d (dirty)\n", version)
		return err
	}
	_, err = fmt.Fprintf(out, "schema version %d\n", version)
	return err
}
