package app

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

func (a *App) registerCommands() {
	a.Bus.Register(models.StartOrchestrationRequest{}.CommandName(), func(ctx context.Context, cmd uow.Command) (any, error) {
		return a.Engine.StartRun(ctx, cmd.(models.StartOrchestrationRequest))
	})
	a.Bus.Register(models.RecoverRequest{}.CommandName(), func(ctx context.Context, cmd uow.Command) (any, error) {
		return a.Recovery.Recover(ctx, cmd.(models.RecoverRequest).LogID)
	})
	a.Bus.Register(models.ReconcileMedicationsRequest{}.CommandName(), func(ctx context.Context, cmd uow.Command) (any, error) {
		req := cmd.(models.ReconcileMedicationsRequest)
		return a.Reconciler.ReconcileMedications(ctx, req.PatientID, req.Facts)
	})
}

// StartOrchestration starts (or returns) the active run for a document.
func (a *App) StartOrchestration(ctx context.Context, req models.StartOrchestrationRequest) (models.StartOrchestrationResponse, error) {
	out, err := a.Bus.Handle(ctx, req)
	if err != nil {
		return models.StartOrchestrationResponse{}, err
	}
	return out.(models.StartOrchestrationResponse), nil
}

// Recover re-dispatches the step recorded by a failed log.
func (a *App) Recover(ctx context.Context, logID string) (models.RecoverResponse, error) {
	if logID == "" {
		return models.RecoverResponse{}, eris.New("app: logId is required")
	}
	out, err := a.Bus.Handle(ctx, models.RecoverRequest{LogID: logID})
	if err != nil {
		return models.RecoverResponse{}, err
	}
	return out.(models.RecoverResponse), nil
}

// ReconcileMedications merges facts into a patient's profile as one transaction.
func (a *App) ReconcileMedications(ctx context.Context, req models.ReconcileMedicationsRequest) (*models.MedicationProfile, error) {
	out, err := a.Bus.HandleWithExplicitTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.(*models.MedicationProfile), nil
}
