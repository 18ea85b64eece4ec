package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/blob"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/pdf"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

func (e *Engine) split(ctx context.Context, t models.SplitDocumentTask) (Outcome, error) {
	o := Outcome{Stage: dispatch.StageSplit, DocumentID: t.DocumentID, InstanceID: t.InstanceID}

	inst, doc, err := e.loadRun(ctx, t.InstanceID, t.DocumentID)
	if err != nil {
		return o, err
	}
	if inst.Status.Terminal() {
		return o.with(ResultSkipped, "instance is "+string(inst.Status)), nil
	}
	if len(doc.Pages) > 0 {
		return e.reuseSplit(ctx, o, inst, doc)
	}

	source, err := e.Blobs.Get(ctx, doc.SourceBlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return e.failInstance(ctx, o, inst, models.StepSplit, eris.Wrapf(ErrPermanent, "source %s is missing", doc.SourceBlobKey))
	}
	if err != nil {
		return e.failStep(ctx, o, inst, nil, models.StepSplit, eris.Wrap(err, "download source"))
	}

	pages, err := e.Splitter.Split(ctx, source)
	if errors.Is(err, pdf.ErrInvalidPDF) {
		return e.failInstance(ctx, o, inst, models.StepSplit, eris.Wrap(ErrPermanent, err.Error()))
	}
	if err != nil {
		return e.failStep(ctx, o, inst, nil, models.StepSplit, err)
	}
	if len(pages) == 0 {
		return e.failInstance(ctx, o, inst, models.StepSplit, eris.Wrap(ErrPermanent, "document has no pages"))
	}

	if err := e.uploadPages(ctx, doc.ID, pages); err != nil {
		return e.failStep(ctx, o, inst, nil, models.StepCreatePage, err)
	}

	now := e.now()
	newPages := make([]models.Page, len(pages))
	for i := range pages {
		newPages[i] = models.Page{
			ID:        e.newID(),
			Number:    i + 1,
			BlobKey:   keys.PageBlob(doc.ID, i+1),
			CreatedAt: now,
		}
	}

	if err := e.schedulePages(ctx, inst, doc, newPages, true); err != nil {
		return o, eris.Wrap(err, "orchestration: commit split")
	}
	return o.with(ResultCompleted, fmt.Sprintf("%d pages", len(newPages))), nil
}

// reuseSplit serves a split for a document that already has pages. A run that
// has no page operations yet (a rerun of the document) gets them for the
// existing pages; otherwise queued classifications are dispatched again.
func (e *Engine) reuseSplit(ctx context.Context, o Outcome, inst *models.OperationInstance, doc *models.Document) (Outcome, error) {
	ops, err := e.Query.ListPageOperations(ctx, inst.ID)
	if err != nil {
		return o, eris.Wrapf(err, "orchestration: list page operations of %s", inst.ID)
	}
	if len(ops) == 0 {
		err := e.schedulePages(ctx, inst, doc, doc.Pages, false)
		if errors.Is(err, store.ErrAlreadyExists) {
			return o.with(ResultSkipped, "pages scheduled concurrently"), nil
		}
		if err != nil {
			return o, eris.Wrap(err, "orchestration: schedule existing pages")
		}
		return o.with(ResultCompleted, fmt.Sprintf("%d existing pages", len(doc.Pages))), nil
	}
	n, err := e.redispatchClassification(ctx, inst)
	if err != nil {
		return o, err
	}
	return o.with(ResultSkipped, fmt.Sprintf("already split, %d queued pages dispatched", n)), nil
}

// schedulePages creates the classification operations of pages and the split
// log in one unit of work, then dispatches classification.
func (e *Engine) schedulePages(ctx context.Context, inst *models.OperationInstance, doc *models.Document, pages []models.Page, appendToDoc bool) error {
	now := e.now()
	return e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		if appendToDoc {
			doc.AppendPages(pages...)
			u.Update(doc)
		}
		tasks := make([]models.ClassifyPageTask, 0, len(pages))
		for _, p := range pages {
			u.Add(models.NewPageOperation(inst.ID, doc.ID, p, models.ExtractionClassification, now))
			tasks = append(tasks, models.ClassifyPageTask{
				DocumentID: doc.ID,
				InstanceID: inst.ID,
				PageID:     p.ID,
				PageNumber: p.Number,
				Priority:   inst.Priority,
			})
		}
		done := e.newLog(inst, nil, models.StepSplit, models.LogCompleted)
		done.Context = map[string]string{"pageCount": fmt.Sprint(len(pages))}
		u.Add(done)
		u.AfterCommit(func(ctx context.Context) error { return e.dispatchClassify(ctx, tasks) })
		return nil
	})
}

// uploadPages stores every page concurrently. Page keys are deterministic and
// uploads are create-only, so a repeated split rewrites nothing.
func (e *Engine) uploadPages(ctx context.Context, documentID string, pages [][]byte) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.config.UploadConcurrency)
	for i, data := range pages {
		pageNumber := i + 1
		eg.Go(func() error {
			if err := e.Blobs.Put(gctx, keys.PageBlob(documentID, pageNumber), data, "application/pdf"); err != nil {
				return eris.Wrapf(err, "page %d", pageNumber)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return eris.Wrap(err, "one or more pages failed to upload")
	}
	zap.L().Debug("orchestration: pages uploaded", zap.String("documentId", documentID), zap.Int("pageCount", len(pages)))
	return nil
}

// redispatchClassification enqueues classification again for every page whose
// classification operation is still QUEUED.
func (e *Engine) redispatchClassification(ctx context.Context, inst *models.OperationInstance) (int, error) {
	ops, err := e.Query.ListPageOperations(ctx, inst.ID)
	if err != nil {
		return 0, eris.Wrapf(err, "orchestration: list page operations of %s", inst.ID)
	}
	var tasks []models.ClassifyPageTask
	for _, op := range ops {
		if op.ExtractionType == models.ExtractionClassification && op.Status == models.PageOpQueued {
			tasks = append(tasks, models.ClassifyPageTask{
				DocumentID: op.DocumentID,
				InstanceID: op.InstanceID,
				PageID:     op.PageID,
				PageNumber: op.PageNumber,
				Priority:   inst.Priority,
			})
		}
	}
	return len(tasks), e.dispatchClassify(ctx, tasks)
}

func (e *Engine) dispatchClassify(ctx context.Context, tasks []models.ClassifyPageTask) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.config.UploadConcurrency)
	for _, t := range tasks {
		eg.Go(func() error { return e.Scheduler.Classify(gctx, t) })
	}
	return eg.Wait()
}
