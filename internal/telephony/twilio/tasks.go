package twilio

import (
	"context"

	"call_recovery_backend/internal/telephony"

	taskrouter "github.com/twilio/twilio-go/rest/taskrouter/v1"
)

// CreateTask creates a routing task in the configured workspace.
func (c *Client) CreateTask(ctx context.Context, req telephony.CreateTaskRequest) (telephony.Task, error) {
	attrs, err := req.Attributes.JSON()
	if err != nil {
		return telephony.Task{}, err
	}

	params := &taskrouter.CreateTaskParams{}
	params.SetWorkflowSid(req.WorkflowSID)
	params.SetAttributes(string(attrs))
	if req.Timeout > 0 {
		params.SetTimeout(int(req.Timeout.Seconds()))
	}
	if req.Priority > 0 {
		params.SetPriority(req.Priority)
	}
	if req.TaskChannel != "" {
		params.SetTaskChannel(req.TaskChannel)
	}

	var created *taskrouter.TaskrouterV1Task
	err = c.call(ctx, "create task", func() error {
		var err error
		created, err = c.rest.TaskrouterV1.CreateTask(c.workspaceSID, params)
		return err
	})
	if err != nil {
		return telephony.Task{}, err
	}
	return toTask(created)
}

// UpdateTask patches a task.
func (c *Client) UpdateTask(ctx context.Context, taskSID string, update telephony.TaskUpdate) (telephony.Task, error) {
	params := &taskrouter.UpdateTaskParams{}
	if update.Attributes != nil {
		attrs, err := update.Attributes.JSON()
		if err != nil {
			return telephony.Task{}, err
		}
		params.SetAttributes(string(attrs))
	}
	if update.AssignmentStatus != "" {
		params.SetAssignmentStatus(update.AssignmentStatus)
	}
	if update.Reason != "" {
		params.SetReason(update.Reason)
	}

	var updated *taskrouter.TaskrouterV1Task
	err := c.call(ctx, "update task", func() error {
		var err error
		updated, err = c.rest.TaskrouterV1.UpdateTask(c.workspaceSID, taskSID, params)
		return err
	})
	if err != nil {
		return telephony.Task{}, err
	}
	return toTask(updated)
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, taskSID string) (telephony.Task, error) {
	var fetched *taskrouter.TaskrouterV1Task
	err := c.call(ctx, "fetch task", func() error {
		var err error
		fetched, err = c.rest.TaskrouterV1.FetchTask(c.workspaceSID, taskSID)
		return err
	})
	if err != nil {
		return telephony.Task{}, err
	}
	return toTask(fetched)
}

func toTask(t *taskrouter.TaskrouterV1Task) (telephony.Task, error) {
	if t == nil {
		return telephony.Task{}, telephony.ErrNotFound
	}
	attrs, err := telephony.ParseAttributes([]byte(deref(t.Attributes)))
	if err != nil {
		return telephony.Task{}, err
	}
	return telephony.Task{
		SID:              deref(t.Sid),
		WorkflowSID:      deref(t.WorkflowSid),
		AssignmentStatus: deref(t.AssignmentStatus),
		Attributes:       attrs,
	}, nil
}
