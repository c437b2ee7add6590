package twilio

import (
	"context"
	"strconv"

	"call_recovery_backend/internal/telephony"

	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// FetchConferenceStatus returns the live status of a conference.
func (c *Client) FetchConferenceStatus(ctx context.Context, conferenceSID string) (string, error) {
	var conf *api.ApiV2010Conference
	err := c.call(ctx, "fetch conference", func() error {
		var err error
		conf, err = c.rest.Api.FetchConference(conferenceSID, &api.FetchConferenceParams{})
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(conf.Status), nil
}

// SetEndConferenceOnExit updates a participant's endConferenceOnExit flag.
func (c *Client) SetEndConferenceOnExit(ctx context.Context, conferenceSID, callSID string, endOnExit bool) error {
	params := &api.UpdateParticipantParams{}
	params.SetEndConferenceOnExit(endOnExit)
	return c.call(ctx, "update participant", func() error {
		_, err := c.rest.Api.UpdateParticipant(conferenceSID, callSID, params)
		return err
	})
}

// Announce plays an audio file to every participant.
func (c *Client) Announce(ctx context.Context, conferenceSID, announceURL string) error {
	params := &api.UpdateConferenceParams{}
	params.SetAnnounceUrl(announceURL)
	return c.call(ctx, "announce", func() error {
		_, err := c.rest.Api.UpdateConference(conferenceSID, params)
		return err
	})
}

// EndConference completes the conference, dropping every participant.
func (c *Client) EndConference(ctx context.Context, conferenceSID string) error {
	params := &api.UpdateConferenceParams{}
	params.SetStatus(telephony.ConferenceCompleted)
	return c.call(ctx, "end conference", func() error {
		_, err := c.rest.Api.UpdateConference(conferenceSID, params)
		return err
	})
}

// ListParticipants lists the current conference participants.
func (c *Client) ListParticipants(ctx context.Context, conferenceSID string) ([]telephony.Participant, error) {
	var list []api.ApiV2010Participant
	err := c.call(ctx, "list participants", func() error {
		var err error
		list, err = c.rest.Api.ListParticipant(conferenceSID, &api.ListParticipantParams{})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]telephony.Participant, 0, len(list))
	for _, p := range list {
		participant := telephony.Participant{
			CallSID: deref(p.CallSid),
			Label:   deref(p.Label),
			Status:  deref(p.Status),
		}
		if p.EndConferenceOnExit != nil {
			participant.EndConferenceOnExit = *p.EndConferenceOnExit
		}
		out = append(out, participant)
	}
	return out, nil
}

// FetchCallStatus returns the status of a call leg.
func (c *Client) FetchCallStatus(ctx context.Context, callSID string) (string, error) {
	var call *api.ApiV2010Call
	err := c.call(ctx, "fetch call", func() error {
		var err error
		call, err = c.rest.Api.FetchCall(callSID, &api.FetchCallParams{})
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(call.Status), nil
}

// RedirectToConference dials the leg into a named conference.
func (c *Client) RedirectToConference(ctx context.Context, move telephony.ConferenceMove) error {
	doc, err := ConferenceTwiML(move)
	if err != nil {
		return err
	}
	return c.updateCallTwiML(ctx, "redirect to conference", move.CallSID, doc)
}

// EnqueueReconnect places the leg back into routing as a new task.
func (c *Client) EnqueueReconnect(ctx context.Context, req telephony.ReconnectEnqueue) error {
	doc, err := EnqueueTwiML(req)
	if err != nil {
		return err
	}
	return c.updateCallTwiML(ctx, "enqueue reconnect", req.CallSID, doc)
}

func (c *Client) updateCallTwiML(ctx context.Context, op, callSID, doc string) error {
	params := &api.UpdateCallParams{}
	params.SetTwiml(doc)
	return c.call(ctx, op, func() error {
		_, err := c.rest.Api.UpdateCall(callSID, params)
		return err
	})
}

// ConferenceTwiML renders <Dial><Conference> for a participant move.
func ConferenceTwiML(move telephony.ConferenceMove) (string, error) {
	attrs := map[string]string{
		"endConferenceOnExit": strconv.FormatBool(move.EndConferenceOnExit),
	}
	if move.Label != "" {
		attrs["participantLabel"] = move.Label
	}
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceConference{
					Name:               move.ConferenceName,
					OptionalAttributes: attrs,
				},
			},
		},
	})
}

// EnqueueTwiML renders <Enqueue workflowSid><Task priority>attrs</Task></Enqueue>.
func EnqueueTwiML(req telephony.ReconnectEnqueue) (string, error) {
	body, err := req.Attributes.JSON()
	if err != nil {
		return "", err
	}
	taskAttrs := map[string]string{}
	if req.Priority > 0 {
		taskAttrs["priority"] = strconv.Itoa(req.Priority)
	}
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceEnqueue{
			OptionalAttributes: map[string]string{"workflowSid": req.WorkflowSID},
			InnerElements: []twiml.Element{
				&twiml.VoiceTask{
					Body:               string(body),
					OptionalAttributes: taskAttrs,
				},
			},
		},
	})
}
