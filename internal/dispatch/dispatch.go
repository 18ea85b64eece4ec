// Package dispatch enqueues pipeline stages as HTTP tasks.
//
// The Dispatcher decides where a stage goes (target function, queue name
// derived from stage category and priority). A TaskCreator decides how the
// task gets there: Cloud Tasks, a Cloud Workflows relay, or an in-process pool.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/keys"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
)

// TaskRequest is one HTTP task to enqueue.
type TaskRequest struct {
	TargetURL    string
	Payload      []byte
	Queue        string
	Priority     models.Priority
	AuthToken    string
	ScheduleTime *time.Time
}

// TaskHandle identifies an enqueued task.
type TaskHandle struct {
	Name string
}

// TaskCreator is the task dispatch port.
type TaskCreator interface {
	CreateTask(ctx context.Context, req TaskRequest) (TaskHandle, error)
}

// Stage is a dispatchable pipeline stage. Its value is also the name of the
// function that serves it.
type Stage string

const (
	StageSplit    Stage = "SplitDocument"
	StageClassify Stage = "ClassifyPage"
	StageExtract  Stage = "ExtractLabel"
)

// Category groups stages onto queues.
func (s Stage) Category() string {
	switch s {
	case StageSplit, StageClassify:
		return "classification"
	default:
		return "extraction"
	}
}

// Config configures a Dispatcher.
type Config struct {
	// BaseURL is where stage functions are served; the stage name is appended.
	BaseURL   string
	AuthToken string
}

// Dispatcher routes stage payloads to queues.
type Dispatcher struct {
	creator TaskCreator
	keys    keys.Builder
	config  Config
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(creator TaskCreator, kb keys.Builder, cfg Config) *Dispatcher {
	return &Dispatcher{creator: creator, keys: kb, config: cfg}
}

// Dispatch enqueues payload for stage at priority.
func (d *Dispatcher) Dispatch(ctx context.Context, stage Stage, priority models.Priority, payload any) (TaskHandle, error) {
	if priority == "" {
		priority = models.PriorityNormal
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return TaskHandle{}, eris.Wrapf(err, "dispatch: marshal %s payload", stage)
	}
	req := TaskRequest{
		TargetURL: strings.TrimRight(d.config.BaseURL, "/") + "/" + string(stage),
		Payload:   body,
		Queue:     d.keys.Queue(stage.Category(), string(priority)),
		Priority:  priority,
		AuthToken: d.config.AuthToken,
	}
	handle, err := d.creator.CreateTask(ctx, req)
	if err != nil {
		return TaskHandle{}, eris.Wrapf(err, "dispatch: create %s task on %s", stage, req.Queue)
	}
	zap.L().Debug("dispatch: task created",
		zap.String("stage", string(stage)),
		zap.String("queue", req.Queue),
		zap.String("task", handle.Name),
	)
	return handle, nil
}

// Split enqueues the split stage.
func (d *Dispatcher) Split(ctx context.Context, t models.SplitDocumentTask) error {
	_, err := d.Dispatch(ctx, StageSplit, t.Priority, t)
	return err
}

// Classify enqueues classification of one page.
func (d *Dispatcher) Classify(ctx context.Context, t models.ClassifyPageTask) error {
	_, err := d.Dispatch(ctx, StageClassify, t.Priority, t)
	return err
}

// Extract enqueues one labelled extraction of one page.
func (d *Dispatcher) Extract(ctx context.Context, t models.ExtractLabelTask) error {
	_, err := d.Dispatch(ctx, StageExtract, t.Priority, t)
	return err
}
