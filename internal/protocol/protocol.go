// Package protocol defines the JSON envelopes and payloads exchanged
// between the veia client and server over the websocket.
package protocol

import "encoding/json"

// Outbound is the client-to-server envelope.
type Outbound struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// Inbound is the server-to-client envelope. Success is a pointer so the
// absence of the field can be told apart from an explicit false.
type Inbound struct {
	Action  string          `json:"action"`
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Failed reports whether the server explicitly flagged the action as failed.
func (in Inbound) Failed() bool {
	return in.Success != nil && !*in.Success
}

// Outbound action names.
const (
	ActionAuthenticate       = "authenticate"
	ActionRefreshAccessToken = "refresh_access_token"
	ActionLogin              = "login"
	ActionGetChats           = "get_chats"
	ActionGetMessages        = "get_messages"
	ActionNewMessage         = "new_message"
	ActionEditMessage        = "edit_message"
	ActionDeleteMessage      = "delete_message"
	ActionReadMessage        = "read_message"
	ActionSearchUsers        = "search_users"
	ActionGetUpdates         = "get_updates"
	ActionStatusChange       = "status_change"
	ActionUpdateProfile      = "update_profile"
)

type AuthenticatePayload struct {
	AccessToken string `json:"access_token"`
}

type RefreshTokenPayload struct {
	RefreshToken string `json:"refresh_token"`
}

type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// GetMessagesPayload addresses either an existing chat or, for the first
// message to a searched user, a peer user id; the server then creates the
// chat and reports its id in the response.
type GetMessagesPayload struct {
	ChatID      string `json:"chat_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
}

type NewMessagePayload struct {
	Text      string  `json:"text"`
	ChatID    string  `json:"chat_id"`
	ReplyTo   string  `json:"reply_to,omitempty"`
	LocalID   string  `json:"local_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

type ReadMessagePayload struct {
	MessageIDs []string `json:"message_ids"`
	ChatID     string   `json:"chat_id"`
}

type SearchUsersPayload struct {
	Query string `json:"q"`
}

type GetUpdatesPayload struct {
	LastTime float64 `json:"last_time"`
}

// UpdateProfilePayload carries only the fields being changed; empty fields
// are left untouched server-side.
type UpdateProfilePayload struct {
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Update record types carried in a get_updates response.
const (
	UpdateNewMessage    = "new_message"
	UpdateDeleteMessage = "delete_message"
	UpdateEditMessage   = "edit_message"
	UpdateReadMessage   = "read_message"
)

// Update is one missed event replayed after a reconnect. Body holds the
// type-specific payload; ChatID is set for all message-level updates.
type Update struct {
	Type   string          `json:"type"`
	ChatID string          `json:"chat_id,omitempty"`
	Body   json.RawMessage `json:"body"`
}
