// Package models holds the typed records the client keeps in its store.
// Timestamps are unix seconds as float64, matching the wire format.
package models

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
	StatusFailed  MessageStatus = "failed"
)

// User is one chat participant. IsOnline and LastSeen are mutated by
// status_change events; profile fields by profile updates.
type User struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	FullName    string  `json:"full_name,omitempty"`
	Avatar      string  `json:"avatar,omitempty"`
	IsOnline    bool    `json:"is_online"`
	LastSeen    float64 `json:"last_seen"`
}

// Chat is a single-peer conversation. User is the other participant.
type Chat struct {
	ID          string  `json:"id"`
	LastMessage string  `json:"last_message"`
	UpdatedAt   float64 `json:"updated_at"`
	User        User    `json:"user"`
}

// Message is one chat message. ID may transiently hold a client-generated
// local id until the server assigns the canonical one; such a message is
// provisional and must be rewritten in place, never duplicated.
type Message struct {
	ID      string        `json:"id"`
	Text    string        `json:"text"`
	Sender  string        `json:"sender"`
	Time    float64       `json:"time"`
	Status  MessageStatus `json:"status"`
	ReplyTo *Message      `json:"reply_to,omitempty"`
	IsMine  bool          `json:"is_mine"`
	ChatID  string        `json:"chat_id"`
}

// MessagePage is the cached slice of history for one chat, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// Clone returns a deep copy of the page so callers can hand it to other
// goroutines without sharing the backing array.
func (p *MessagePage) Clone() *MessagePage {
	if p == nil {
		return nil
	}
	out := &MessagePage{HasMore: p.HasMore}
	out.Messages = append(out.Messages, p.Messages...)
	for i := range out.Messages {
		if r := out.Messages[i].ReplyTo; r != nil {
			cp := *r
			out.Messages[i].ReplyTo = &cp
		}
	}
	return out
}
