package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/app"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "docflowctl",
	Short: "Operate the clinical document pipeline",
	Long:  "Starts runs, replays recovery, reconciles medication profiles and seeds operation definitions against the configured stores.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp builds the App and returns a function that drains the local pool,
// if any, and closes it.
func openApp(ctx context.Context) (*app.App, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		if a.Local != nil {
			a.Local.Wait()
		}
		if err := a.Close(); err != nil {
			zap.L().Warn("docflowctl: close", zap.Error(err))
		}
	}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
