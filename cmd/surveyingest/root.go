package main

import (
	"fmt"
	"io"

	"github.com/rpattn/surveyingest/internal/config"
	"github.com/rpattn/surveyingest/internal/logger"

	"github.com/spf13/cobra"
)

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "surveyingest",
		Short: "Bulk ingestion of agent survey spreadsheets.",
		Long: `surveyingest accepts CSV and XLSX survey uploads over HTTP, validates them,
and hands them to background workers that upsert one survey entry per agent
and day. Configuration is read from config.yaml and SURVEYINGEST_* variables.`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Path to config.yaml or the directory holding it.")

	rc.AddCommand(newServeCommand(stdout, stderr))
	rc.AddCommand(newWorkerCommand(stdout, stderr))
	rc.AddCommand(newMigrateCommand(stdout, stderr))
	rc.AddCommand(newDevCommand(stdout, stderr))
	rc.AddCommand(newTemplateCommand(stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// loadConfig reads the configuration named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("problem getting config flag: %w", err)
	}
	return config.Load(path)
}

func newLogger(cfg config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log settings: %w", err)
	}
	return log, nil
}
