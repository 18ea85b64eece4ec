package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "Manage operation definitions",
}

var definitionsSeedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Create or update operation definitions from YAML",
	Long:  "Loads definitions from a YAML file (default pipeline.definitions_file) and writes the ones that are missing or changed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path := cfg.Pipeline.DefinitionsFile
		if len(args) == 1 {
			path = args[0]
		}

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		res, err := a.SeedDefinitions(ctx, path)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	definitionsCmd.AddCommand(definitionsSeedCmd)
	rootCmd.AddCommand(definitionsCmd)
}
