package orchestration

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// failStep records a FAILED step log, fails the page operation when there is
// one, and asks for recovery after commit. The instance stays open, so sibling
// pages carry on. The returned error is nil unless the failure itself could not
// be recorded.
func (e *Engine) failStep(ctx context.Context, o Outcome, inst *models.OperationInstance, op *models.PageOperation, step models.StepID, cause error) (Outcome, error) {
	o.Cause = cause
	doc, err := e.Query.GetDocument(ctx, inst.DocumentID)
	if err != nil {
		return o, eris.Wrap(err, "orchestration: load document for failure")
	}
	tenant, err := e.Tenants.Resolve(ctx, doc.AppID, doc.TenantID)
	if err != nil {
		return o, err
	}

	var failedLog *models.OperationInstanceLog
	err = e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := e.now()
		var current *models.PageOperation
		if op != nil {
			// Re-read: the in-memory copy may hold changes from a rolled back commit.
			fresh, err := e.Query.GetPageOperation(ctx, op.ID)
			if err != nil {
				return eris.Wrapf(err, "orchestration: reload %s", op.ID)
			}
			if fresh.Status == models.PageOpInProgress {
				if err := fresh.Fail(cause.Error(), now); err != nil {
					return err
				}
				u.Update(fresh)
			}
			current = fresh
		}
		failedLog = e.newLog(inst, current, step, models.LogFailed)
		failedLog.Error = cause.Error()
		u.Add(failedLog)
		u.AfterCommit(func(ctx context.Context) error {
			e.Metrics.StepFailed(ctx, string(step), false)
			if tenant.RetriesEnabled {
				e.requestRecovery(ctx, failedLog)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		return o, eris.Wrapf(err, "orchestration: record %s failure", step)
	}
	o = o.with(ResultStepFailed, "logged as "+failedLog.ID)
	if op == nil {
		return o, nil
	}
	return e.joinAfter(ctx, o, inst.ID)
}

// failInstance fails the whole instance for a permanent error. No recovery is
// requested.
func (e *Engine) failInstance(ctx context.Context, o Outcome, inst *models.OperationInstance, step models.StepID, cause error) (Outcome, error) {
	o.Cause = cause
	err := e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		now := e.now()
		fresh, doc, err := e.loadRun(ctx, inst.ID, inst.DocumentID)
		if err != nil {
			return err
		}
		fresh.Fail(cause.Error(), now)
		u.Update(fresh)
		if doc.ActiveInstance(fresh.OperationType) == fresh.ID {
			doc.SetOperationStatus(fresh.OperationType, models.InstanceFailed, now)
			doc.ErrorDetails = cause.Error()
			u.Update(doc)
		}
		l := e.newLog(fresh, nil, step, models.LogFailed)
		l.Error = cause.Error()
		l.Permanent = true
		u.Add(l)
		u.AfterCommit(func(ctx context.Context) error {
			e.Metrics.StepFailed(ctx, string(step), true)
			return nil
		})
		return nil
	})
	if err != nil {
		return o, eris.Wrapf(err, "orchestration: fail instance %s", inst.ID)
	}
	return o.with(ResultInstanceFailed, cause.Error()), nil
}

// requestRecovery publishes the failed log on the recovery topic. Messages of
// one instance share an ordering key. A failed publish is logged and left for
// an operator to replay with the recover command.
func (e *Engine) requestRecovery(ctx context.Context, l *models.OperationInstanceLog) {
	log := zap.L().With(zap.String("logId", l.ID), zap.String("instanceId", l.InstanceID))
	msg := models.RecoveryMessage{
		LogID:      l.ID,
		InstanceID: l.InstanceID,
		DocumentID: l.DocumentID,
		StepID:     l.StepID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("orchestration: marshal recovery message", zap.Error(err))
		return
	}
	if err := e.Publisher.Publish(ctx, e.config.RecoveryTopic, data, l.InstanceID); err != nil {
		log.Error("orchestration: failed to request recovery", zap.Error(err))
		return
	}
	log.Debug("orchestration: recovery requested", zap.String("stepId", string(l.StepID)))
}
