// Package models holds the server-side row types. Ids are uuids rendered
// as strings; timestamps are unix seconds as float64 to match the wire.
package models

import "encoding/json"

type User struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	Email        string  `json:"email"`
	DisplayName  string  `json:"display_name"`
	FullName     string  `json:"full_name,omitempty"`
	Avatar       string  `json:"avatar,omitempty"`
	PasswordHash string  `json:"-"`
	IsOnline     bool    `json:"is_online"`
	LastSeen     float64 `json:"last_seen"`
}

// Chat is a single-peer conversation. User is the participant other than
// the requesting user; it is filled per request.
type Chat struct {
	ID          string  `json:"id"`
	LastMessage string  `json:"last_message"`
	UpdatedAt   float64 `json:"updated_at"`
	User        User    `json:"user"`
}

type Message struct {
	ID      string   `json:"id"`
	ChatID  string   `json:"chat_id"`
	Sender  string   `json:"sender"`
	Text    string   `json:"text"`
	Time    float64  `json:"time"`
	Status  string   `json:"status"`
	ReplyTo *Message `json:"reply_to,omitempty"`
}

// UpdateRow is one entry in a user's missed-event log, replayed through
// get_updates after a reconnect gap.
type UpdateRow struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id"`
	Body      json.RawMessage `json:"body"`
	CreatedAt float64         `json:"-"`
}
