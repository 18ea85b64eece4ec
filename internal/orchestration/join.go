package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// Join completes the instance once every page has a classification operation
// and every page operation of the instance is terminal. It re-reads all page
// operations on each call. It reports whether this call completed the instance.
func (e *Engine) Join(ctx context.Context, instanceID string) (bool, error) {
	inst, doc, err := e.loadRun(ctx, instanceID, "")
	if err != nil {
		return false, err
	}
	if inst.Status != models.InstanceInProgress {
		return false, nil
	}
	log := zap.L().With(zap.String("instanceId", inst.ID), zap.String("documentId", doc.ID))

	ops, err := e.Query.ListPageOperations(ctx, inst.ID)
	if err != nil {
		return false, eris.Wrapf(err, "orchestration: list page operations of %s", inst.ID)
	}
	if ready, reason := joinReady(doc, ops); !ready {
		log.Debug("orchestration: join not ready", zap.String("reason", reason))
		return false, nil
	}

	meds, err := e.Query.ListExtractedMedications(ctx, inst.ID)
	if err != nil {
		return false, eris.Wrapf(err, "orchestration: list extracted medications of %s", inst.ID)
	}
	facts := make([]models.MedicationFact, 0, len(meds))
	for _, m := range meds {
		facts = append(facts, m.MedicationFact)
	}

	err = e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := e.now()
		for _, op := range ops {
			if op.ExtractionType == models.ExtractionClassification && op.PageType != "" {
				doc.SetPageType(op.PageID, op.PageType)
			}
		}
		switch {
		case len(facts) == 0:
		case doc.PatientID == "":
			log.Warn("orchestration: document has no patient, medications not reconciled", zap.Int("medications", len(facts)))
		default:
			// Joins this unit of work, so the profile commits with the instance.
			if _, err := e.Reconciler.ReconcileMedications(ctx, doc.PatientID, facts); err != nil {
				return err
			}
		}
		if err := inst.Complete(now); err != nil {
			return err
		}
		u.Update(inst)
		if doc.ActiveInstance(inst.OperationType) == inst.ID {
			doc.SetOperationStatus(inst.OperationType, models.InstanceCompleted, now)
			doc.ErrorDetails = ""
		}
		u.Update(doc)
		done := e.newLog(inst, nil, models.StepJoin, models.LogCompleted)
		done.Context = joinSummary(ops, len(facts))
		u.Add(done)
		u.AfterCommit(func(ctx context.Context) error {
			e.Metrics.InstanceCompleted(ctx, inst.OperationType)
			e.writeReport(ctx, doc, inst, ops)
			return nil
		})
		return nil
	})
	if errors.Is(err, store.ErrWriteConflict) {
		// A concurrent join may have won; only a still open instance is an error.
		current, gerr := e.Query.GetOperationInstance(ctx, inst.ID)
		if gerr == nil && current.Status != models.InstanceInProgress {
			return false, nil
		}
	}
	if err != nil {
		return false, eris.Wrapf(err, "orchestration: join %s", inst.ID)
	}
	log.Info("orchestration: instance completed", zap.Int("pageOperations", len(ops)), zap.Int("medications", len(facts)))
	return true, nil
}

func (e *Engine) joinAfter(ctx context.Context, o Outcome, instanceID string) (Outcome, error) {
	joined, err := e.Join(ctx, instanceID)
	if err != nil {
		return o, err
	}
	o.Joined = joined
	return o, nil
}

// joinReady reports whether the fan-in may complete, and why not.
func joinReady(doc *models.Document, ops []*models.PageOperation) (bool, string) {
	if len(doc.Pages) == 0 {
		return false, "document has no pages"
	}
	classified := 0
	for _, op := range ops {
		if op.ExtractionType == models.ExtractionClassification {
			classified++
		}
		if !op.Status.Terminal() {
			return false, fmt.Sprintf("page %d %s is %s", op.PageNumber, op.ExtractionType, op.Status)
		}
	}
	if classified != len(doc.Pages) {
		return false, fmt.Sprintf("%d of %d pages have a classification operation", classified, len(doc.Pages))
	}
	return true, ""
}

func joinSummary(ops []*models.PageOperation, medications int) map[string]string {
	completed, failed := 0, 0
	for _, op := range ops {
		if op.Status == models.PageOpFailed {
			failed++
		} else {
			completed++
		}
	}
	return map[string]string{
		"pageOperations": fmt.Sprint(len(ops)),
		"completed":      fmt.Sprint(completed),
		"failed":         fmt.Sprint(failed),
		"medications":    fmt.Sprint(medications),
	}
}
