package recovery

import (
	"time"

	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/telephony"
)

// PingAttributes copies the stranded task's attributes and adds the
// disconnected* fields the reconnect step reads back from the ping task.
func PingAttributes(a *conferencestate.Attempt) (telephony.Attributes, error) {
	attrs, err := telephony.ParseAttributes(a.TaskAttributes)
	if err != nil {
		return nil, err
	}

	if attrs.String(telephony.AttrCallSID) == "" && a.CustomerLegSID != "" {
		attrs[telephony.AttrCallSID] = a.CustomerLegSID
	}
	attrs[telephony.AttrDisconnectedTaskSID] = a.DisconnectedTaskSID
	attrs[telephony.AttrDisconnectedTaskWorkflowSID] = a.WorkflowSID
	attrs[telephony.AttrDisconnectedWorkerSID] = a.WorkerSID
	attrs[telephony.AttrDisconnectedWorkerName] = a.WorkerName
	attrs[telephony.AttrDisconnectedCallSID] = a.WorkerLegSID
	attrs[telephony.AttrDisconnectedConferenceSID] = a.ConferenceSID
	attrs[telephony.AttrDisconnectedTime] = a.DisconnectedAt.UTC().Format(time.RFC3339)
	return attrs, nil
}
