// Package orchestration drives a document through the extraction pipeline:
// split into pages, classify every page, extract every enabled label from every
// page, then join the results once all page operations are terminal.
//
// Each stage is an independent task that may be delivered more than once and
// in any order. PageOperation records are the idempotency boundary: a stage
// only does work after claiming its page operation, and the join re-reads
// every sibling from the store instead of trusting a counter.
package orchestration

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/blob"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/extraction"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/messaging"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/metrics"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/pdf"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/reconcile"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/registry"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// ErrPermanent marks failures that no retry can fix. They fail the whole instance.
var ErrPermanent = eris.New("orchestration: permanent failure")

// Scheduler enqueues the next stage. dispatch.Dispatcher implements it.
type Scheduler interface {
	Split(ctx context.Context, t models.SplitDocumentTask) error
	Classify(ctx context.Context, t models.ClassifyPageTask) error
	Extract(ctx context.Context, t models.ExtractLabelTask) error
}

// Config holds the engine settings.
type Config struct {
	OperationType     string
	RecoveryTopic     string
	UploadConcurrency int
}

// Deps are the collaborators of the engine.
type Deps struct {
	Query      store.QueryPort
	Units      *uow.Manager
	Registry   *registry.Registry
	Scheduler  Scheduler
	Blobs      blob.Store
	Splitter   pdf.Splitter
	Extractor  extraction.Extractor
	Publisher  messaging.Publisher
	Reconciler *reconcile.Service
	Tenants    *TenantResolver
	Metrics    *metrics.Recorder
}

// Engine runs the orchestration stages.
type Engine struct {
	Deps
	config Config

	now   func() time.Time
	newID func() string
}

// New returns an Engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.OperationType == "" {
		cfg.OperationType = models.OperationTypeMedicationExtraction
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 10
	}
	return &Engine{
		Deps:   deps,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// OperationType is the pipeline this engine runs.
func (e *Engine) OperationType() string {
	return e.config.OperationType
}

// SplitDocument runs the split stage.
func (e *Engine) SplitDocument(ctx context.Context, t models.SplitDocumentTask) (Outcome, error) {
	o, err := e.split(ctx, t)
	return e.finish(o, err)
}

// ClassifyPage runs the classification stage for one page.
func (e *Engine) ClassifyPage(ctx context.Context, t models.ClassifyPageTask) (Outcome, error) {
	o, err := e.classify(ctx, t)
	return e.finish(o, err)
}

// ExtractLabel runs one labelled extraction for one page.
func (e *Engine) ExtractLabel(ctx context.Context, t models.ExtractLabelTask) (Outcome, error) {
	o, err := e.extractLabel(ctx, t)
	return e.finish(o, err)
}

// finish is the single place stage outcomes are logged.
func (e *Engine) finish(o Outcome, err error) (Outcome, error) {
	log := zap.L().With(o.fields()...)
	switch {
	case err != nil:
		log.Error("orchestration: stage error, task will be redelivered", zap.Error(err))
	case o.Result == ResultStepFailed || o.Result == ResultInstanceFailed:
		log.Warn("orchestration: stage failed", zap.String("detail", o.Detail), zap.Error(o.Cause))
	default:
		log.Info("orchestration: stage finished", zap.String("detail", o.Detail))
	}
	return o, err
}

// loadRun reads the instance and its document.
func (e *Engine) loadRun(ctx context.Context, instanceID, documentID string) (*models.OperationInstance, *models.Document, error) {
	inst, err := e.Query.GetOperationInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "orchestration: load instance %s", instanceID)
	}
	if documentID == "" {
		documentID = inst.DocumentID
	}
	doc, err := e.Query.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "orchestration: load document %s", documentID)
	}
	return inst, doc, nil
}

// stepConfig returns the prompt and model of a step. A missing definition is
// permanent; a definition without the step uses the extractor defaults.
func (e *Engine) stepConfig(ctx context.Context, inst *models.OperationInstance, step models.StepID) (models.StepConfig, error) {
	def, err := e.Query.GetOperationDefinition(ctx, inst.DefinitionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.StepConfig{}, eris.Wrapf(ErrPermanent, "definition %s no longer exists", inst.DefinitionID)
	}
	if err != nil {
		return models.StepConfig{}, eris.Wrapf(err, "orchestration: load definition %s", inst.DefinitionID)
	}
	cfg, _ := def.Step(step)
	return cfg, nil
}

// claim moves a QUEUED page operation to IN_PROGRESS in its own unit of work.
// It reports false when another delivery got there first.
func (e *Engine) claim(ctx context.Context, op *models.PageOperation) (bool, error) {
	err := e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		if err := op.Claim(e.now()); err != nil {
			return err
		}
		u.Update(op)
		return nil
	})
	if errors.Is(err, store.ErrWriteConflict) || errors.Is(err, models.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "orchestration: claim %s", op.ID)
	}
	return true, nil
}

// newLog builds a step log row for a page operation, or for the whole
// instance when op is nil.
func (e *Engine) newLog(inst *models.OperationInstance, op *models.PageOperation, step models.StepID, status models.LogStatus) *models.OperationInstanceLog {
	l := &models.OperationInstanceLog{
		ID:         e.newID(),
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepID:     step,
		Status:     status,
		CreatedAt:  e.now(),
	}
	if op != nil {
		l.PageID = op.PageID
		l.PageNumber = op.PageNumber
		if op.ExtractionType != models.ExtractionClassification {
			l.ExtractionType = op.ExtractionType
		}
		l.Context = map[string]string{
			"pageOperationId": op.ID,
			"attempt":         strconv.Itoa(op.Attempts),
		}
	}
	return l
}
