package telephony

// Task attribute keys written and read by the recovery protocol. The names
// are what the agent desktop and routing workflows expect.
const (
	AttrCallSID                     = "call_sid"
	AttrConference                  = "conference"
	AttrConversations               = "conversations"
	AttrConversationID              = "conversation_id"
	AttrFollowedBy                  = "followed_by"
	AttrIsReconnect                 = "isReconnect"
	AttrTargetWorkerSID             = "targetWorkerSid"
	AttrWasPingSuccessful           = "wasPingSuccessful"
	AttrAwaitingReconnect           = "awaitingReconnect"
	AttrDisconnectedTime            = "disconnectedTime"
	AttrDisconnectedAt              = "disconnectedAt"
	AttrDisconnectedTaskSID         = "disconnectedTaskSid"
	AttrDisconnectedTaskWorkflowSID = "disconnectedTaskWorkflowSid"
	AttrDisconnectedWorkerSID       = "disconnectedWorkerSid"
	AttrDisconnectedWorkerName      = "disconnectedWorkerName"
	AttrDisconnectedCallSID         = "disconnectedCallSid"
	AttrDisconnectedConferenceSID   = "disconnectedConferenceSid"

	// FollowedByReconnect marks a stranded task in reporting.
	FollowedByReconnect = "Reconnect Agent"
	// ReconnectCompletionReason is recorded when the stranded task is
	// completed in favour of its reconnect task.
	ReconnectCompletionReason = "Non-graceful agent disconnection resulted in a new reconnect task"
	// VoiceChannel is the task channel of call tasks.
	VoiceChannel = "voice"
)

// NestedString returns object[key] as a string.
func (a Attributes) NestedString(object, key string) string {
	nested := a.Object(object)
	if nested == nil {
		return ""
	}
	s, _ := nested[key].(string)
	return s
}
