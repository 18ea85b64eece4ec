package orchestration

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/registry"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/uow"
)

// StartRun creates an operation instance for a document and schedules its
// split. It returns as soon as the instance is persisted.
//
// An active instance that has not reached a terminal state is returned as is
// unless req.ForceNewInstance is set. If that instance has no pages yet its
// split is scheduled again, which is harmless because the split is idempotent.
func (e *Engine) StartRun(ctx context.Context, req models.StartOrchestrationRequest) (models.StartOrchestrationResponse, error) {
	log := zap.L().With(zap.String("documentId", req.DocumentID))
	if req.DocumentID == "" {
		return models.StartOrchestrationResponse{}, eris.Wrap(ErrPermanent, "documentId is required")
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return models.StartOrchestrationResponse{}, eris.Wrap(ErrPermanent, err.Error())
	}

	var (
		resp      models.StartOrchestrationResponse
		permanent error
	)
	err = e.Units.Run(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		doc, err := e.Query.GetDocument(ctx, req.DocumentID)
		if err != nil {
			return eris.Wrapf(err, "orchestration: load document %s", req.DocumentID)
		}
		opType := e.config.OperationType

		if activeID := doc.ActiveInstance(opType); activeID != "" && !req.ForceNewInstance {
			active, err := e.Query.GetOperationInstance(ctx, activeID)
			if err != nil {
				return eris.Wrapf(err, "orchestration: load active instance %s", activeID)
			}
			if !active.Status.Terminal() {
				resp = models.StartOrchestrationResponse{InstanceID: active.ID, Status: active.Status, Existing: true}
				if len(doc.Pages) == 0 {
					task := models.SplitDocumentTask{DocumentID: doc.ID, InstanceID: active.ID, Priority: active.Priority}
					u.AfterCommit(func(ctx context.Context) error { return e.Scheduler.Split(ctx, task) })
				}
				return nil
			}
		}

		now := e.now()
		def, err := e.Registry.Resolve(ctx, opType)
		if errors.Is(err, registry.ErrNoDefinition) {
			def = &models.OperationDefinition{OperationType: opType}
			permanent = eris.Wrap(ErrPermanent, err.Error())
		} else if err != nil {
			return err
		}

		inst := models.NewOperationInstance(e.newID(), doc, def, priority, now)
		if err := inst.Start(now); err != nil {
			return err
		}
		doc.Activate(opType, inst.ID, now)
		if doc.Priority == "" {
			doc.Priority = priority
		}
		if permanent != nil {
			inst.Fail(permanent.Error(), now)
			doc.SetOperationStatus(opType, models.InstanceFailed, now)
			doc.ErrorDetails = permanent.Error()
			failed := e.newLog(inst, nil, models.StepSplit, models.LogFailed)
			failed.Error = permanent.Error()
			failed.Permanent = true
			u.Add(failed)
		} else {
			task := models.SplitDocumentTask{DocumentID: doc.ID, InstanceID: inst.ID, Priority: priority}
			u.AfterCommit(func(ctx context.Context) error { return e.Scheduler.Split(ctx, task) })
		}
		u.Add(inst)
		u.Update(doc)
		resp = models.StartOrchestrationResponse{InstanceID: inst.ID, Status: inst.Status}
		return nil
	})
	if err != nil {
		return models.StartOrchestrationResponse{}, err
	}
	if permanent != nil {
		log.Warn("orchestration: run failed at start", zap.String("instanceId", resp.InstanceID), zap.Error(permanent))
		e.Metrics.StepFailed(ctx, string(models.StepSplit), true)
		return resp, permanent
	}
	log.Info("orchestration: run started",
		zap.String("instanceId", resp.InstanceID),
		zap.Bool("existing", resp.Existing),
		zap.String("priority", string(priority)),
	)
	return resp, nil
}
