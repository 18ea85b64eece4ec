package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

var startCmd = &cobra.Command{
	Use:   "start <document-id>",
	Short: "Start an orchestration run for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		priority, _ := cmd.Flags().GetString("priority")
		force, _ := cmd.Flags().GetBool("force")
		resp, err := a.StartOrchestration(ctx, models.StartOrchestrationRequest{
			DocumentID:       args[0],
			Priority:         priority,
			ForceNewInstance: force,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

func init() {
	startCmd.Flags().String("priority", "normal", "queue priority: high, normal or low")
	startCmd.Flags().Bool("force", false, "start a new instance even if one is active")
	rootCmd.AddCommand(startCmd)
}
