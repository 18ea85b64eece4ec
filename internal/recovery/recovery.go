// Package recovery re-dispatches failed steps. It is driven by messages on the
// recovery topic, one per FAILED step log, and bounds retries per step identity
// with an EntityRetryConfig counter.
package recovery

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/metrics"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/orchestration"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/store"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// Results reported by Recover.
const (
	ResultSkipped    = "skipped"
	ResultExhausted  = "exhausted"
	ResultDispatched = "dispatched"
)

// Group is a set of steps that share a recovery entry stage.
type Group string

const (
	GroupClassification Group = "classification"
	GroupMedication     Group = "medication_extraction"
)

var stepGroups = map[models.StepID]Group{
	models.StepSplit:                  GroupClassification,
	models.StepCreatePage:             GroupClassification,
	models.StepTextExtraction:         GroupClassification,
	models.StepClassification:         GroupClassification,
	models.StepMedicationExtraction:   GroupMedication,
	models.StepConditionExtraction:    GroupMedication,
	models.StepAllergyExtraction:      GroupMedication,
	models.StepImmunizationExtraction: GroupMedication,
	models.StepCatalogMatching:        GroupMedication,
	models.StepNormalization:          GroupMedication,
	models.StepOCR:                    GroupMedication,
}

// GroupOf returns the recovery group of a step.
func GroupOf(step models.StepID) (Group, bool) {
	g, ok := stepGroups[step]
	return g, ok
}

// Config holds the coordinator settings.
type Config struct {
	// DefaultMaxRetries applies when a tenant config leaves MaxRetries at zero.
	DefaultMaxRetries int
}

// Coordinator handles recovery requests.
type Coordinator struct {
	query     store.QueryPort
	units     *uow.Manager
	scheduler orchestration.Scheduler
	tenants   *orchestration.TenantResolver
	metrics   *metrics.Recorder
	config    Config

	now func() time.Time
}

// New returns a Coordinator.
func New(query store.QueryPort, units *uow.Manager, scheduler orchestration.Scheduler, tenants *orchestration.TenantResolver, rec *metrics.Recorder, cfg Config) *Coordinator {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	return &Coordinator{
		query:     query,
		units:     units,
		scheduler: scheduler,
		tenants:   tenants,
		metrics:   rec,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Recover re-dispatches the stage group of a failed step log. Missing logs,
// logs that are not FAILED, permanent failures and tenants without retries are
// skipped. A returned error is reported by the caller and not retried.
func (c *Coordinator) Recover(ctx context.Context, logID string) (models.RecoverResponse, error) {
	log := zap.L().With(zap.String("logId", logID))
	skip := func(detail string) (models.RecoverResponse, error) {
		log.Info("recovery: skipped", zap.String("detail", detail))
		return models.RecoverResponse{Result: ResultSkipped, Detail: detail}, nil
	}

	failed, err := c.query.GetOperationInstanceLog(ctx, logID)
	if errors.Is(err, store.ErrNotFound) {
		return skip("log not found")
	}
	if err != nil {
		return models.RecoverResponse{}, eris.Wrapf(err, "recovery: load log %s", logID)
	}
	log = log.With(zap.String("instanceId", failed.InstanceID), zap.String("stepId", string(failed.StepID)))
	if failed.Status != models.LogFailed {
		return skip("log is " + string(failed.Status))
	}
	if failed.Permanent {
		return skip("permanent failure")
	}
	group, ok := GroupOf(failed.StepID)
	if !ok {
		return skip("step " + string(failed.StepID) + " has no recovery group")
	}
	if reason, err := c.superseded(ctx, failed); err != nil {
		return models.RecoverResponse{}, err
	} else if reason != "" {
		return skip(reason)
	}

	inst, err := c.query.GetOperationInstance(ctx, failed.InstanceID)
	if err != nil {
		return models.RecoverResponse{}, eris.Wrapf(err, "recovery: load instance %s", failed.InstanceID)
	}
	if inst.Status == models.InstanceFailed {
		return skip("instance failed")
	}
	doc, err := c.query.GetDocument(ctx, inst.DocumentID)
	if err != nil {
		return models.RecoverResponse{}, eris.Wrapf(err, "recovery: load document %s", inst.DocumentID)
	}
	tenant, err := c.tenants.Resolve(ctx, doc.AppID, doc.TenantID)
	if err != nil {
		return models.RecoverResponse{}, err
	}
	if !tenant.RetriesEnabled {
		return skip("retries disabled for tenant")
	}
	maxRetries := tenant.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.config.DefaultMaxRetries
	}

	entityID := failed.UniqueIdentifier()
	counter, err := c.query.GetEntityRetryConfig(ctx, entityID, models.RetryEntityTypeInstanceLog)
	isNew := errors.Is(err, store.ErrNotFound)
	if isNew {
		counter = models.NewEntityRetryConfig(entityID, models.RetryEntityTypeInstanceLog, c.now())
	} else if err != nil {
		return models.RecoverResponse{}, eris.Wrapf(err, "recovery: load retry config %s", entityID)
	}
	if counter.Exhausted(maxRetries) {
		c.metrics.TerminalFailure(ctx, string(failed.StepID))
		log.Warn("recovery: retries exhausted",
			zap.Int("retryCount", counter.RetryCount),
			zap.Int("maxRetries", maxRetries),
		)
		return models.RecoverResponse{
			Result: ResultExhausted,
			Detail: strconv.Itoa(counter.RetryCount) + " of " + strconv.Itoa(maxRetries) + " retries used",
		}, nil
	}

	if err := c.reopen(ctx, inst, failed); err != nil {
		return models.RecoverResponse{}, err
	}
	if err := c.dispatch(ctx, group, inst, failed); err != nil {
		return models.RecoverResponse{}, eris.Wrapf(err, "recovery: dispatch %s group", group)
	}

	err = c.units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		counter.Increment(c.now())
		if isNew {
			u.Add(counter)
		} else {
			u.Update(counter)
		}
		return nil
	})
	if err != nil {
		return models.RecoverResponse{}, eris.Wrapf(err, "recovery: persist retry count %s", entityID)
	}
	c.metrics.Dispatched(ctx, string(group))
	log.Info("recovery: dispatched",
		zap.String("group", string(group)),
		zap.Int("retryCount", counter.RetryCount),
	)
	return models.RecoverResponse{
		Result: ResultDispatched,
		Detail: string(group) + " attempt " + strconv.Itoa(counter.RetryCount),
	}, nil
}

// reopen requeues the failed page operation and returns a completed instance
// to IN_PROGRESS so the join runs again once the page is redone.
func (c *Coordinator) reopen(ctx context.Context, inst *models.OperationInstance, failed *models.OperationInstanceLog) error {
	return c.units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := c.now()
		if opID := pageOperationID(failed); opID != "" {
			op, err := c.query.GetPageOperation(ctx, opID)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return eris.Wrapf(err, "recovery: load page operation %s", opID)
			case op.Status == models.PageOpFailed:
				if err := op.Requeue(now); err != nil {
					return err
				}
				u.Update(op)
			}
		}
		if inst.Status == models.InstanceCompleted {
			if err := inst.Reopen(now); err != nil {
				return err
			}
			u.Update(inst)
			doc, err := c.query.GetDocument(ctx, inst.DocumentID)
			if err != nil {
				return eris.Wrapf(err, "recovery: load document %s", inst.DocumentID)
			}
			if doc.ActiveInstance(inst.OperationType) == inst.ID && doc.SetOperationStatus(inst.OperationType, models.InstanceInProgress, now) {
				u.Update(doc)
			}
		}
		return nil
	})
}

func (c *Coordinator) dispatch(ctx context.Context, group Group, inst *models.OperationInstance, failed *models.OperationInstanceLog) error {
	switch group {
	case GroupClassification:
		// The split is idempotent: once pages exist it only re-dispatches QUEUED pages.
		return c.scheduler.Split(ctx, models.SplitDocumentTask{
			DocumentID: inst.DocumentID,
			InstanceID: inst.ID,
			Priority:   inst.Priority,
		})
	case GroupMedication:
		label := failed.ExtractionType
		if label == "" {
			label = models.ExtractionMedications
		}
		return c.scheduler.Extract(ctx, models.ExtractLabelTask{
			DocumentID: inst.DocumentID,
			InstanceID: inst.ID,
			PageID:     failed.PageID,
			PageNumber: failed.PageNumber,
			Label:      label,
			Priority:   inst.Priority,
		})
	default:
		return eris.Errorf("recovery: unknown group %q", group)
	}
}

// superseded reports why a log no longer describes the current state of its
// page operation: the operation was redone, or a later attempt failed and
// carries its own log. A QUEUED operation is not superseded, so a recovery
// whose dispatch failed can be run again.
func (c *Coordinator) superseded(ctx context.Context, failed *models.OperationInstanceLog) (string, error) {
	opID := pageOperationID(failed)
	if opID == "" {
		return "", nil
	}
	op, err := c.query.GetPageOperation(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "recovery: load page operation %s", opID)
	}
	if op.Status == models.PageOpCompleted || op.Status == models.PageOpInProgress {
		return "page operation is " + string(op.Status), nil
	}
	if attempt, err := strconv.Atoi(failed.Context["attempt"]); err == nil && op.Attempts > attempt {
		return "superseded by attempt " + strconv.Itoa(op.Attempts), nil
	}
	return "", nil
}

// pageOperationID resolves the page operation a log was written for.
func pageOperationID(l *models.OperationInstanceLog) string {
	if id := l.Context["pageOperationId"]; id != "" {
		return id
	}
	if l.PageID == "" {
		return ""
	}
	t := l.ExtractionType
	if t == "" {
		t = models.ExtractionClassification
	}
	return keys.PageOperationID(l.InstanceID, l.PageID, string(t))
}
