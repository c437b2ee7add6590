package reconnect

import "call_recovery_backend/internal/telephony"

// ReconnectAttributes builds the reconnect task's attributes from the ping
// task's. Conference details of the dead conference are cleared and the
// conversation id is kept stable across the original and reconnect tasks.
func ReconnectAttributes(pingAttrs telephony.Attributes, accepted bool) telephony.Attributes {
	attrs := pingAttrs.Clone()
	attrs[telephony.AttrIsReconnect] = true
	attrs[telephony.AttrConference] = map[string]interface{}{}

	if worker := attrs.String(telephony.AttrDisconnectedWorkerSID); accepted && worker != "" {
		attrs[telephony.AttrTargetWorkerSID] = worker
	} else {
		delete(attrs, telephony.AttrTargetWorkerSID)
	}

	if attrs.NestedString(telephony.AttrConversations, telephony.AttrConversationID) == "" {
		attrs.SetNested(telephony.AttrConversations, telephony.AttrConversationID, attrs.String(telephony.AttrDisconnectedTaskSID))
	}
	return attrs
}
