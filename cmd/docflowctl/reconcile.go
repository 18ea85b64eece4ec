package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <patient-id>",
	Short: "Merge medication facts into a patient's profile",
	Long:  "Reads a JSON array of medication facts and reconciles them into the patient's medication profile in one transaction.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path, _ := cmd.Flags().GetString("facts")
		facts, err := readFacts(path)
		if err != nil {
			return err
		}

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		profile, err := a.ReconcileMedications(ctx, models.ReconcileMedicationsRequest{PatientID: args[0], Facts: facts})
		if err != nil {
			return err
		}
		return printJSON(cmd, profile)
	},
}

func readFacts(path string) ([]models.MedicationFact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read facts %s", path)
	}
	var facts []models.MedicationFact
	if err := json.Unmarshal(raw, &facts); err != nil {
		return nil, eris.Wrapf(err, "parse facts %s", path)
	}
	return facts, nil
}

func init() {
	reconcileCmd.Flags().String("facts", "", "JSON file with an array of medication facts")
	_ = reconcileCmd.MarkFlagRequired("facts")
	rootCmd.AddCommand(reconcileCmd)
}
