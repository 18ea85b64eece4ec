package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/rotisserie/eris"
)

// WorkflowRelay hands each task to a Cloud Workflows execution that performs
// the HTTP call, for projects that orchestrate through Workflows instead of
// Cloud Tasks.
type WorkflowRelay struct {
	client     *executions.Client
	projectID  string
	location   string
	workflowID string
}

type relayArgument struct {
	URL          string `json:"url"`
	Body         string `json:"body"`
	Queue        string `json:"queue"`
	Priority     string `json:"priority"`
	AuthToken    string `json:"authToken,omitempty"`
	ScheduleTime string `json:"scheduleTime,omitempty"`
}

// NewWorkflowRelay creates an executions client for one relay workflow.
func NewWorkflowRelay(ctx context.Context, projectID, location, workflowID string) (*WorkflowRelay, error) {
	if projectID == "" || location == "" || workflowID == "" {
		return nil, eris.New("dispatch: projectID, location and workflowID cannot be empty")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: create workflows executions client")
	}
	return &WorkflowRelay{client: client, projectID: projectID, location: location, workflowID: workflowID}, nil
}

func (w *WorkflowRelay) CreateTask(ctx context.Context, req TaskRequest) (TaskHandle, error) {
	arg := relayArgument{
		URL:       req.TargetURL,
		Body:      string(req.Payload),
		Queue:     req.Queue,
		Priority:  string(req.Priority),
		AuthToken: req.AuthToken,
	}
	if req.ScheduleTime != nil {
		arg.ScheduleTime = req.ScheduleTime.UTC().Format(time.RFC3339)
	}
	payloadBytes, err := json.Marshal(arg)
	if err != nil {
		return TaskHandle{}, eris.Wrap(err, "dispatch: marshal workflow argument")
	}
	exec, err := w.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", w.projectID, w.location, w.workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	})
	if err != nil {
		return TaskHandle{}, eris.Wrap(err, "dispatch: trigger workflow execution")
	}
	return TaskHandle{Name: exec.GetName()}, nil
}

func (w *WorkflowRelay) Close() error {
	return w.client.Close()
}
