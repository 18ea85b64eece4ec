package orchestration

import (
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// Result is how a stage ended.
type Result string

const (
	// ResultCompleted means the stage did its work.
	ResultCompleted Result = "completed"
	// ResultSkipped means the stage found nothing to do, usually a redelivery.
	ResultSkipped Result = "skipped"
	// ResultStepFailed means the step failed and was logged for recovery.
	ResultStepFailed Result = "step_failed"
	// ResultInstanceFailed means a permanent error failed the whole instance.
	ResultInstanceFailed Result = "instance_failed"
)

// Outcome is what a stage returns instead of logging on its own. A non-nil
// error returned next to it is an infrastructure failure the queue should retry.
type Outcome struct {
	Stage      dispatch.Stage
	DocumentID string
	InstanceID string
	PageNumber int
	Label      models.ExtractionType
	Result     Result
	Detail     string
	Cause      error
	// Joined is set when this stage's join check completed the instance.
	Joined bool
}

func (o Outcome) with(r Result, detail string) Outcome {
	o.Result = r
	o.Detail = detail
	return o
}

func (o Outcome) fields() []zap.Field {
	fs := []zap.Field{
		zap.String("stage", string(o.Stage)),
		zap.String("documentId", o.DocumentID),
		zap.String("instanceId", o.InstanceID),
		zap.String("result", string(o.Result)),
	}
	if o.PageNumber > 0 {
		fs = append(fs, zap.Int("pageNumber", o.PageNumber))
	}
	if o.Label != "" {
		fs = append(fs, zap.String("label", string(o.Label)))
	}
	if o.Joined {
		fs = append(fs, zap.Bool("joined", true))
	}
	return fs
}
