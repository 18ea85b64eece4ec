package dispatch

import (
	"context"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CloudTasks creates HTTP tasks on Cloud Tasks queues.
type CloudTasks struct {
	client    *cloudtasks.Client
	projectID string
	location  string
}

// NewCloudTasks creates a Cloud Tasks client for queues in projectID/location.
func NewCloudTasks(ctx context.Context, projectID, location string) (*CloudTasks, error) {
	if projectID == "" || location == "" {
		return nil, eris.New("dispatch: projectID and location cannot be empty")
	}
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: create cloud tasks client")
	}
	return &CloudTasks{client: client, projectID: projectID, location: location}, nil
}

func (c *CloudTasks) CreateTask(ctx context.Context, req TaskRequest) (TaskHandle, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if req.AuthToken != "" {
		headers["Authorization"] = "Bearer " + req.AuthToken
	}
	task := &cloudtaskspb.Task{
		MessageType: &cloudtaskspb.Task_HttpRequest{
			HttpRequest: &cloudtaskspb.HttpRequest{
				HttpMethod: cloudtaskspb.HttpMethod_POST,
				Url:        req.TargetURL,
				Headers:    headers,
				Body:       req.Payload,
			},
		},
	}
	if req.ScheduleTime != nil {
		task.ScheduleTime = timestamppb.New(*req.ScheduleTime)
	}

	created, err := c.client.CreateTask(ctx, &cloudtaskspb.CreateTaskRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.projectID, c.location, req.Queue),
		Task:   task,
	})
	if err != nil {
		return TaskHandle{}, eris.Wrap(err, "dispatch: cloud tasks create")
	}
	return TaskHandle{Name: created.GetName()}, nil
}

func (c *CloudTasks) Close() error {
	return c.client.Close()
}
