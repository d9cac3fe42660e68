package chat

import (
	"fmt"
	"time"
)

// Message is a persisted chat message. Exactly one of Recipient and Group
// is set. SentAt is assigned by the sending client and echoed verbatim
// through persistence and delivery; the store never re-stamps it.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Group     string    `json:"group,omitempty"`
	Body      string    `json:"message"`
	SentAt    time.Time `json:"date"`
	Read      bool      `json:"read"`
}

func (m *Message) validate() error {
	if m.Body == "" {
		return fmt.Errorf("%w: empty message body", ErrValidation)
	}
	if (m.Recipient == "") == (m.Group == "") {
		return fmt.Errorf("%w: exactly one of recipient and group must be set", ErrValidation)
	}
	return nil
}

// Frame is the wire shape shared by POST /message bodies, socket frames
// and history responses. Target names either a user or a group; the
// server decides which via the conversation directory.
type Frame struct {
	ID      string    `json:"id,omitempty"`
	Message string    `json:"message"`
	Sender  string    `json:"sender"`
	Target  string    `json:"target"`
	Date    time.Time `json:"date"`
}

// ErrorFrame is pushed to a single connection when one of its inbound
// frames is rejected. Other connections never see it.
type ErrorFrame struct {
	Error string `json:"error"`
}

func frameFor(m *Message) Frame {
	target := m.Recipient
	if m.Group != "" {
		target = m.Group
	}
	return Frame{
		ID:      m.ID,
		Message: m.Body,
		Sender:  m.Sender,
		Target:  target,
		Date:    m.SentAt,
	}
}

func framesFor(msgs []Message) []Frame {
	frames := make([]Frame, len(msgs))
	for i := range msgs {
		frames[i] = frameFor(&msgs[i])
	}
	return frames
}

// Routing keys are namespaced so a user and a group sharing a name never
// collide in the hub registry.
func userKey(name string) string  { return "user:" + name }
func groupKey(name string) string { return "group:" + name }
