package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the closed set of inbound event variants. Classification
// happens once here; downstream code switches on the type instead of
// probing raw fields.
type EventType string

const (
	EventDirectMessage   EventType = "direct_message"
	EventGroupMessage    EventType = "group_message"
	EventTranscriptSaved EventType = "transcript_saved"
	EventReaction        EventType = "reaction"
	EventUnknown         EventType = "unknown"
)

// Event is the parsed, classified form of one inbound delivery.
type Event struct {
	Type              EventType
	TenantID          string
	ExternalMessageID string
	ConversationID    string
	SenderID          string
	Text              string
	TranscriptID      string
	MeetingTopic      string
	Raw               []byte
}

// rawEvent mirrors the platform's event envelope.
type rawEvent struct {
	Event     string `json:"event"`
	AccountID string `json:"account_id"`
	Payload   struct {
		MessageID    string `json:"message_id"`
		ChannelID    string `json:"channel_id"`
		ChannelType  string `json:"channel_type"`
		SenderID     string `json:"sender_id"`
		Message      string `json:"message"`
		TranscriptID string `json:"transcript_id"`
		MeetingTopic string `json:"meeting_topic"`
	} `json:"payload"`
}

// pushEnvelope is the push-queue wrapper some transports deliver: the
// actual event is base64-encoded under message.data.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

// Unwrap returns the platform event body from an inbound request body,
// unwrapping the push-queue envelope when present. Signature
// verification runs on the delivered body before this is called.
func Unwrap(body []byte) ([]byte, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("decode push envelope data: %w", err)
		}
		return decoded, nil
	}
	return body, nil
}

// ParseEvent classifies a platform event body into a tagged Event.
// Unrecognized event names yield EventUnknown rather than an error so
// new platform events degrade to a filtered no-op.
func ParseEvent(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	event := Event{
		TenantID:          strings.TrimSpace(raw.AccountID),
		ExternalMessageID: strings.TrimSpace(raw.Payload.MessageID),
		ConversationID:    strings.TrimSpace(raw.Payload.ChannelID),
		SenderID:          strings.TrimSpace(raw.Payload.SenderID),
		Text:              raw.Payload.Message,
		TranscriptID:      strings.TrimSpace(raw.Payload.TranscriptID),
		MeetingTopic:      strings.TrimSpace(raw.Payload.MeetingTopic),
		Raw:               body,
	}
	switch raw.Event {
	case "chat_message.sent":
		if strings.EqualFold(raw.Payload.ChannelType, "group") {
			event.Type = EventGroupMessage
		} else {
			event.Type = EventDirectMessage
		}
	case "meeting_transcript.saved":
		event.Type = EventTranscriptSaved
		if event.ExternalMessageID == "" {
			// Transcript events carry no chat message id; the transcript
			// id keys dedup and dead letters instead.
			event.ExternalMessageID = "transcript:" + event.TranscriptID
		}
	case "chat_message.reaction_added", "chat_message.reaction_removed":
		event.Type = EventReaction
	default:
		event.Type = EventUnknown
	}
	return event, nil
}
