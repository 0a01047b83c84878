// Package platform wraps the team-chat platform's REST API: outbound
// messaging, history export, transcripts, and webhook subscriptions.
package platform

import "time"

// Message is an outbound chat message.
type Message struct {
	ConversationID string `json:"to_channel"`
	Text           string `json:"message"`
	ReplyTo        string `json:"reply_main_message_id,omitempty"`
}

// SentMessage is the platform's acknowledgement of a send.
type SentMessage struct {
	ID     string    `json:"message_id"`
	SentAt time.Time `json:"sent_time"`
}

// Group describes a chat group the assistant is a member of.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Members int    `json:"total_members"`
}

// ExportedMessage is one message from a paginated history export.
type ExportedMessage struct {
	ID       string    `json:"id"`
	Sender   string    `json:"sender"`
	Text     string    `json:"message"`
	SentAt   time.Time `json:"date_time"`
	ThreadID string    `json:"main_message_id,omitempty"`
}

// ExportPage is one page of a message history export.
type ExportPage struct {
	Messages      []ExportedMessage `json:"messages"`
	NextPageToken string            `json:"next_page_token"`
}

// Transcript is a saved meeting transcript.
type Transcript struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// Subscription is a platform-side webhook push subscription.
type Subscription struct {
	ID         string   `json:"subscription_id"`
	EventTypes []string `json:"event_types"`
	Endpoint   string   `json:"endpoint"`
}
