package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/veia-chat/veia/internal/protocol"
	"github.com/veia-chat/veia/internal/server/ratelimit"
)

// Client is one websocket connection. UserID stays empty until the
// connection authenticates; every action except the auth trio requires it.
type Client struct {
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	UserID  string
	IP      string
	Limiter *ratelimit.RateLimiter
	Log     zerolog.Logger
}

type inboundEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func (c *Client) ReadPump() {
	defer func() {
		if c.UserID != "" {
			c.Hub.Unregister <- c
		}
		c.Conn.Close()
	}()

	for {
		_, msgBytes, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}

		var msg inboundEnvelope
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			c.Log.Warn().Err(err).Msg("invalid json frame")
			continue
		}

		c.process(msg)
	}
}

func (c *Client) WritePump() {
	defer c.Conn.Close()
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) process(msg inboundEnvelope) {
	switch msg.Action {
	case protocol.ActionLogin:
		c.handleLogin(msg.Data)
	case protocol.ActionAuthenticate:
		c.handleAuthenticate(msg.Data)
	case protocol.ActionRefreshAccessToken:
		c.handleRefresh(msg.Data)
	default:
		if c.UserID == "" {
			c.Log.Warn().Str("action", msg.Action).Msg("action before auth, ignoring")
			return
		}
		c.processAuthed(msg)
	}
}

func (c *Client) processAuthed(msg inboundEnvelope) {
	switch msg.Action {
	case protocol.ActionGetChats:
		c.handleGetChats()
	case protocol.ActionGetMessages:
		c.handleGetMessages(msg.Data)
	case protocol.ActionNewMessage:
		c.handleNewMessage(msg.Data)
	case protocol.ActionEditMessage:
		c.handleEditMessage(msg.Data)
	case protocol.ActionDeleteMessage:
		c.handleDeleteMessage(msg.Data)
	case protocol.ActionReadMessage:
		c.handleReadMessage(msg.Data)
	case protocol.ActionSearchUsers:
		c.handleSearchUsers(msg.Data)
	case protocol.ActionGetUpdates:
		c.handleGetUpdates(msg.Data)
	case protocol.ActionUpdateProfile:
		c.handleUpdateProfile(msg.Data)
	default:
		c.Log.Warn().Str("action", msg.Action).Msg("unknown action")
	}
}

func (c *Client) reply(action string, success bool, data any) {
	payload, err := json.Marshal(map[string]any{
		"action":  action,
		"success": success,
		"data":    data,
	})
	if err != nil {
		c.Log.Error().Err(err).Str("action", action).Msg("marshal reply")
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

func (c *Client) handleLogin(data json.RawMessage) {
	if !c.Limiter.CanAuth(c.IP) {
		c.reply(protocol.ActionLogin, false, map[string]string{"error": "too many attempts, wait a minute"})
		return
	}

	var payload protocol.LoginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionLogin, false, map[string]string{"error": "bad payload"})
		return
	}

	user, err := c.Hub.Store.GetUserByUsername(payload.Username)
	if err != nil {
		c.reply(protocol.ActionLogin, false, map[string]string{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(payload.Password)); err != nil {
		c.reply(protocol.ActionLogin, false, map[string]string{"error": "invalid credentials"})
		return
	}

	access, refresh, err := c.Hub.Tokens.IssuePair(user.ID)
	if err != nil {
		c.reply(protocol.ActionLogin, false, map[string]string{"error": "token issue failed"})
		return
	}

	c.UserID = user.ID
	c.Hub.Register <- c
	c.reply(protocol.ActionLogin, true, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"user":          user,
	})
}

func (c *Client) handleAuthenticate(data json.RawMessage) {
	var payload protocol.AuthenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionAuthenticate, false, nil)
		return
	}

	userID, err := c.Hub.Tokens.Verify(payload.AccessToken, "access")
	if err != nil {
		c.Log.Info().Err(err).Msg("authenticate rejected")
		c.reply(protocol.ActionAuthenticate, false, nil)
		return
	}

	user, err := c.Hub.Store.GetUserByID(userID)
	if err != nil {
		c.reply(protocol.ActionAuthenticate, false, nil)
		return
	}

	c.UserID = user.ID
	c.Hub.Register <- c
	c.reply(protocol.ActionAuthenticate, true, map[string]any{"user": user})
}

func (c *Client) handleRefresh(data json.RawMessage) {
	var payload protocol.RefreshTokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionRefreshAccessToken, false, nil)
		return
	}

	userID, err := c.Hub.Tokens.Verify(payload.RefreshToken, "refresh")
	if err != nil {
		c.Log.Info().Err(err).Msg("refresh rejected")
		c.reply(protocol.ActionRefreshAccessToken, false, nil)
		return
	}

	access, err := c.Hub.Tokens.IssueAccess(userID)
	if err != nil {
		c.reply(protocol.ActionRefreshAccessToken, false, nil)
		return
	}
	c.reply(protocol.ActionRefreshAccessToken, true, map[string]string{"access_token": access})
}

func (c *Client) handleGetChats() {
	chats, err := c.Hub.Store.GetUserChats(c.UserID)
	if err != nil {
		c.Log.Error().Err(err).Msg("get chats")
		c.reply(protocol.ActionGetChats, false, nil)
		return
	}
	for i := range chats {
		chats[i].User.IsOnline = c.Hub.IsOnline(chats[i].User.ID)
	}
	c.reply(protocol.ActionGetChats, true, map[string]any{"results": chats})
}

func (c *Client) handleGetMessages(data json.RawMessage) {
	var payload protocol.GetMessagesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionGetMessages, false, nil)
		return
	}

	chatID := payload.ChatID
	if chatID == "" && payload.UserID != "" {
		// First contact with a searched user: create the chat now and let
		// the client pick the id up from the response.
		var err error
		chatID, err = c.Hub.Store.EnsureChat(c.UserID, payload.UserID)
		if err != nil {
			c.Log.Error().Err(err).Msg("ensure chat")
			c.reply(protocol.ActionGetMessages, false, nil)
			return
		}
		c.handleGetChats()
	}
	if chatID == "" {
		c.reply(protocol.ActionGetMessages, false, nil)
		return
	}

	msgs, hasMore, err := c.Hub.Store.GetMessages(chatID, payload.LastMessage)
	if err != nil {
		c.Log.Error().Err(err).Msg("get messages")
		c.reply(protocol.ActionGetMessages, false, nil)
		return
	}
	c.reply(protocol.ActionGetMessages, true, map[string]any{
		"chat_id":  chatID,
		"results":  msgs,
		"has_more": hasMore,
	})
}

func (c *Client) handleNewMessage(data json.RawMessage) {
	var payload protocol.NewMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		c.reply(protocol.ActionNewMessage, false, nil)
		return
	}

	t := payload.Timestamp
	if t == 0 {
		t = float64(time.Now().UnixNano()) / 1e9
	}

	msg, err := c.Hub.Store.SaveMessage(payload.ChatID, c.UserID, payload.Text, payload.ReplyTo, t)
	if err != nil {
		c.Log.Error().Err(err).Msg("save message")
		c.reply(protocol.ActionNewMessage, false, map[string]string{"local_id": payload.LocalID})
		return
	}
	if err := c.Hub.Store.TouchChat(payload.ChatID, msg.Text, msg.Time); err != nil {
		c.Log.Warn().Err(err).Msg("touch chat")
	}

	// Ack to the sender carries the local id so the client can rewrite
	// its provisional message in place.
	c.reply(protocol.ActionNewMessage, true, map[string]any{
		"message":  msg,
		"local_id": payload.LocalID,
	})

	c.forwardToPeer(payload.ChatID, protocol.UpdateNewMessage, msg, map[string]any{"message": msg})
}

func (c *Client) handleEditMessage(data json.RawMessage) {
	var payload protocol.EditMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionEditMessage, false, nil)
		return
	}

	msg, err := c.Hub.Store.GetMessage(payload.MessageID)
	if err != nil {
		c.reply(protocol.ActionEditMessage, false, map[string]string{"message_id": payload.MessageID})
		return
	}
	if err := c.Hub.Store.EditMessage(payload.MessageID, c.UserID, payload.Text); err != nil {
		c.Log.Warn().Err(err).Msg("edit rejected")
		c.reply(protocol.ActionEditMessage, false, map[string]string{
			"message_id": payload.MessageID,
			"chat_id":    msg.ChatID,
		})
		return
	}

	body := map[string]string{
		"message_id": payload.MessageID,
		"chat_id":    msg.ChatID,
		"text":       payload.Text,
	}
	c.reply(protocol.ActionEditMessage, true, body)
	c.forwardToPeer(msg.ChatID, protocol.UpdateEditMessage, body, body)
}

func (c *Client) handleDeleteMessage(data json.RawMessage) {
	var payload protocol.DeleteMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionDeleteMessage, false, nil)
		return
	}

	msg, err := c.Hub.Store.GetMessage(payload.MessageID)
	if err != nil {
		c.reply(protocol.ActionDeleteMessage, false, map[string]string{"message_id": payload.MessageID})
		return
	}
	if err := c.Hub.Store.DeleteMessage(payload.MessageID, c.UserID); err != nil {
		c.Log.Warn().Err(err).Msg("delete rejected")
		c.reply(protocol.ActionDeleteMessage, false, map[string]string{
			"message_id": payload.MessageID,
			"chat_id":    msg.ChatID,
		})
		return
	}

	body := map[string]string{
		"message_id": payload.MessageID,
		"chat_id":    msg.ChatID,
	}
	c.reply(protocol.ActionDeleteMessage, true, body)
	c.forwardToPeer(msg.ChatID, protocol.UpdateDeleteMessage, body, body)
}

func (c *Client) handleReadMessage(data json.RawMessage) {
	var payload protocol.ReadMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		c.reply(protocol.ActionReadMessage, false, nil)
		return
	}

	if err := c.Hub.Store.MarkRead(payload.ChatID, c.UserID, payload.MessageIDs); err != nil {
		c.Log.Error().Err(err).Msg("mark read")
		c.reply(protocol.ActionReadMessage, false, nil)
		return
	}

	body := map[string]any{
		"message_ids": payload.MessageIDs,
		"chat_id":     payload.ChatID,
	}
	c.reply(protocol.ActionReadMessage, true, body)
	// The peer is the author of the now-read messages.
	c.forwardToPeer(payload.ChatID, protocol.UpdateReadMessage, map[string]any{"message_ids": payload.MessageIDs}, body)
}

func (c *Client) handleSearchUsers(data json.RawMessage) {
	var payload protocol.SearchUsersPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Query == "" {
		c.reply(protocol.ActionSearchUsers, false, nil)
		return
	}

	users, err := c.Hub.Store.SearchUsers(payload.Query, c.UserID)
	if err != nil {
		c.Log.Error().Err(err).Msg("search users")
		c.reply(protocol.ActionSearchUsers, false, nil)
		return
	}
	for i := range users {
		users[i].IsOnline = c.Hub.IsOnline(users[i].ID)
	}
	c.reply(protocol.ActionSearchUsers, true, map[string]any{"results": users})
}

func (c *Client) handleUpdateProfile(data json.RawMessage) {
	var payload protocol.UpdateProfilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionUpdateProfile, false, nil)
		return
	}

	user, err := c.Hub.Store.UpdateProfile(c.UserID, payload.DisplayName, payload.Avatar)
	if err != nil {
		c.Log.Error().Err(err).Msg("update profile")
		c.reply(protocol.ActionUpdateProfile, false, nil)
		return
	}
	c.reply(protocol.ActionUpdateProfile, true, map[string]any{"user": user})
}

func (c *Client) handleGetUpdates(data json.RawMessage) {
	var payload protocol.GetUpdatesPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(protocol.ActionGetUpdates, false, nil)
		return
	}

	rows, err := c.Hub.Store.GetUpdates(c.UserID, payload.LastTime)
	if err != nil {
		c.Log.Error().Err(err).Msg("get updates")
		c.reply(protocol.ActionGetUpdates, false, nil)
		return
	}

	results := make([]protocol.Update, 0, len(rows))
	for _, r := range rows {
		results = append(results, protocol.Update{Type: r.Type, ChatID: r.ChatID, Body: r.Body})
	}
	c.reply(protocol.ActionGetUpdates, true, map[string]any{"results": results})
}

// forwardToPeer logs an update for the chat's other participant and, when
// they are online, pushes the live frame as well. The log entry is written
// unconditionally so a client that reconnects mid-session still sees the
// event through get_updates.
func (c *Client) forwardToPeer(chatID, updateType string, logBody any, liveData any) {
	peer, err := c.Hub.Store.Peer(chatID, c.UserID)
	if err != nil {
		c.Log.Warn().Err(err).Msg("resolve peer")
		return
	}

	if err := c.Hub.Store.AppendUpdate(peer, updateType, chatID, logBody); err != nil {
		c.Log.Error().Err(err).Msg("append update")
	}

	frame, err := json.Marshal(map[string]any{
		"action": updateType,
		"data":   liveData,
	})
	if err != nil {
		return
	}
	c.Hub.SendToUser(peer, frame)
}
