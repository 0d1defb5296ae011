// Package sender is the outbound "send email" contract. Implementations
// deliver one message and return the provider's message id, which later
// correlates bounces and replies back to the send record.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/mailcore/internal/db"
)

// ErrSuppressed is returned when the recipient is on the suppression list.
var ErrSuppressed = errors.New("recipient is suppressed")

// Sender delivers a single email.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Name() string
}

// Payload is the JSON body stored on a queued send record.
type Payload struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	HTMLBody  string `json:"html_body,omitempty"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

// Message is one outbound email.
type Message struct {
	SendID    uuid.UUID
	To        string
	Subject   string
	Body      string
	HTMLBody  string
	InReplyTo string
}

// Result is the provider acknowledgement of a send.
type Result struct {
	Provider          string
	ProviderMessageID string
}

// MessageFromRecord builds a Message from a queued send record.
func MessageFromRecord(rec *db.EmailSendRecord) (*Message, error) {
	var p Payload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid send payload: %w", err)
		}
	}
	if rec.ToEmail == "" {
		return nil, fmt.Errorf("send %s has no recipient", rec.ID)
	}
	if p.Subject == "" {
		return nil, fmt.Errorf("send payload missing 'subject' field")
	}
	if p.Body == "" && p.HTMLBody == "" {
		return nil, fmt.Errorf("send payload missing 'body' field")
	}
	return &Message{
		SendID:    rec.ID,
		To:        rec.ToEmail,
		Subject:   p.Subject,
		Body:      p.Body,
		HTMLBody:  p.HTMLBody,
		InReplyTo: p.InReplyTo,
	}, nil
}
