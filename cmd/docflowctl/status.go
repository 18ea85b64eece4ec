package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document's pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		status, err := a.Engine.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, status)
	},
}

func init() { rootCmd.AddCommand(statusCmd) }
