package orchestration

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/extraction"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

func (e *Engine) classify(ctx context.Context, t models.ClassifyPageTask) (Outcome, error) {
	o := Outcome{Stage: dispatch.StageClassify, DocumentID: t.DocumentID, InstanceID: t.InstanceID, PageNumber: t.PageNumber}

	op, err := e.Query.GetPageOperation(ctx, keys.PageOperationID(t.InstanceID, t.PageID, string(models.ExtractionClassification)))
	if errors.Is(err, store.ErrNotFound) {
		return o.with(ResultSkipped, "no classification operation for page"), nil
	}
	if err != nil {
		return o, eris.Wrap(err, "orchestration: load classification operation")
	}

	inst, doc, err := e.loadRun(ctx, t.InstanceID, t.DocumentID)
	if err != nil {
		return o, err
	}

	if !op.Claimable() {
		return e.skipClaimed(ctx, o, inst, op)
	}
	if inst.Status == models.InstanceFailed {
		return o.with(ResultSkipped, "instance failed"), nil
	}
	claimed, err := e.claim(ctx, op)
	if err != nil {
		return o, err
	}
	if !claimed {
		return o.with(ResultSkipped, "claimed by another delivery"), nil
	}

	cfg, err := e.stepConfig(ctx, inst, models.StepClassification)
	if err != nil {
		if errors.Is(err, ErrPermanent) {
			return e.failInstance(ctx, o, inst, models.StepClassification, err)
		}
		return e.failStep(ctx, o, inst, op, models.StepClassification, err)
	}
	page, ok := doc.PageByID(op.PageID)
	if !ok {
		return e.failInstance(ctx, o, inst, models.StepClassification, eris.Wrapf(ErrPermanent, "page %s is not part of document %s", op.PageID, doc.ID))
	}
	data, err := e.Blobs.Get(ctx, page.BlobKey)
	if err != nil {
		return e.failStep(ctx, o, inst, op, models.StepTextExtraction, eris.Wrapf(err, "download page %d", page.Number))
	}

	cls, err := e.Extractor.ClassifyPage(ctx, extraction.PageInput{
		DocumentID: doc.ID,
		PageNumber: page.Number,
		PDF:        data,
		Prompt:     cfg.Prompt,
		Model:      cfg.Model,
	})
	if err != nil {
		return e.failStep(ctx, o, inst, op, models.StepClassification, err)
	}

	tenant, err := e.Tenants.Resolve(ctx, doc.AppID, doc.TenantID)
	if err != nil {
		return e.failStep(ctx, o, inst, op, models.StepClassification, err)
	}

	var tasks []models.ExtractLabelTask
	err = e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := e.now()
		op.PageType = cls.PageType
		if err := op.Complete(now); err != nil {
			return err
		}
		u.Update(op)
		for _, l := range enabledLabels(tenant) {
			u.Add(models.NewPageOperation(inst.ID, doc.ID, page, l.Label, now))
			tasks = append(tasks, models.ExtractLabelTask{
				DocumentID: doc.ID,
				InstanceID: inst.ID,
				PageID:     page.ID,
				PageNumber: page.Number,
				Label:      l.Label,
				Priority:   inst.Priority,
			})
		}
		done := e.newLog(inst, op, models.StepClassification, models.LogCompleted)
		done.Context["pageType"] = cls.PageType
		u.Add(done)
		u.AfterCommit(func(ctx context.Context) error { return e.dispatchExtract(ctx, tasks) })
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrWriteConflict) || errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, models.ErrInvalidTransition) {
			return e.failStep(ctx, o, inst, op, models.StepClassification, err)
		}
		return o, eris.Wrap(err, "orchestration: commit classification")
	}

	o = o.with(ResultCompleted, "page type "+cls.PageType)
	return e.joinAfter(ctx, o, inst.ID)
}

// skipClaimed handles a delivery for a page operation that is no longer
// QUEUED. A terminal operation re-runs the join check, and a completed
// classification re-dispatches its still queued labels.
func (e *Engine) skipClaimed(ctx context.Context, o Outcome, inst *models.OperationInstance, op *models.PageOperation) (Outcome, error) {
	o = o.with(ResultSkipped, "page operation is "+string(op.Status))
	if !op.Status.Terminal() {
		return o, nil
	}
	if op.ExtractionType == models.ExtractionClassification && op.Status == models.PageOpCompleted {
		if err := e.redispatchLabels(ctx, inst, op.PageID); err != nil {
			return o, err
		}
	}
	return e.joinAfter(ctx, o, inst.ID)
}

func (e *Engine) redispatchLabels(ctx context.Context, inst *models.OperationInstance, pageID string) error {
	ops, err := e.Query.ListPageOperations(ctx, inst.ID)
	if err != nil {
		return eris.Wrapf(err, "orchestration: list page operations of %s", inst.ID)
	}
	var tasks []models.ExtractLabelTask
	for _, op := range ops {
		if op.PageID != pageID || op.ExtractionType == models.ExtractionClassification || op.Status != models.PageOpQueued {
			continue
		}
		tasks = append(tasks, models.ExtractLabelTask{
			DocumentID: op.DocumentID,
			InstanceID: op.InstanceID,
			PageID:     op.PageID,
			PageNumber: op.PageNumber,
			Label:      op.ExtractionType,
			Priority:   inst.Priority,
		})
	}
	return e.dispatchExtract(ctx, tasks)
}

func (e *Engine) dispatchExtract(ctx context.Context, tasks []models.ExtractLabelTask) error {
	eg, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		eg.Go(func() error { return e.Scheduler.Extract(gctx, t) })
	}
	return eg.Wait()
}
