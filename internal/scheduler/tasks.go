package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskRecoveryPingCreate = "recovery.ping.create"

type RecoveryPingPayload struct {
	DisconnectedTaskSID string `json:"disconnectedTaskSid"`
	ConferenceSID       string `json:"conferenceSid"`
}

func NewRecoveryPingTask(payload RecoveryPingPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecoveryPingCreate, data), nil
}

func ParseRecoveryPingPayload(task *asynq.Task) (RecoveryPingPayload, error) {
	var payload RecoveryPingPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RecoveryPingPayload{}, err
	}
	return payload, nil
}

// recoveryPingTaskID makes enqueueing idempotent per stranded task.
func recoveryPingTaskID(disconnectedTaskSID string) string {
	return "recovery-ping:" + disconnectedTaskSID
}
