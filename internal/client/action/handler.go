// Package action routes decoded inbound server messages to their effect:
// mutating the store, issuing follow-up sends, or surfacing results to the
// UI. Dispatch is a closed switch over the known action names; anything
// else is logged and ignored.
package action

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/client/models"
	"github.com/veia-chat/veia/internal/client/session"
	"github.com/veia-chat/veia/internal/client/store"
	"github.com/veia-chat/veia/internal/client/updates"
	"github.com/veia-chat/veia/internal/protocol"
)

// Conn is the slice of the connection the dispatcher needs: enqueueing
// outbound actions and rotating the token used on reconnect.
type Conn interface {
	SendData(v any)
	SetAccessToken(token string)
}

// Handler holds the dispatch state. It runs on the connection's receive
// goroutine; the optional callbacks are invoked from there too.
type Handler struct {
	store   *store.Store
	conn    Conn
	sess    *session.Session
	profile string
	log     zerolog.Logger

	// OnLogout fires when a token refresh fails terminally and the user
	// must log in again.
	OnLogout func()
	// OnLoginFailed carries the server's error for a rejected login.
	OnLoginFailed func(reason string)
	// OnSearchResults publishes user search results.
	OnSearchResults func([]models.User)
}

// New builds a dispatcher. sess may hold empty tokens when no session was
// restored; profile names the on-disk session to update.
func New(st *store.Store, conn Conn, sess *session.Session, profile string, log zerolog.Logger) *Handler {
	if sess == nil {
		sess = &session.Session{}
	}
	return &Handler{
		store:   st,
		conn:    conn,
		sess:    sess,
		profile: profile,
		log:     log.With().Str("component", "action").Logger(),
	}
}

// Handle dispatches one inbound message. It never panics on malformed
// payloads; every failure path degrades to a logged no-op.
func (h *Handler) Handle(in protocol.Inbound) {
	switch in.Action {
	case protocol.ActionAuthenticate:
		h.authenticate(in)
	case protocol.ActionRefreshAccessToken:
		h.refreshAccessToken(in)
	case protocol.ActionLogin:
		h.login(in)
	case protocol.ActionSearchUsers:
		h.searchUsers(in)
	case protocol.ActionGetMessages:
		h.getMessages(in)
	case protocol.ActionGetChats:
		h.getChats(in)
	case protocol.ActionNewMessage:
		h.newMessage(in)
	case protocol.ActionDeleteMessage:
		h.deleteMessage(in)
	case protocol.ActionEditMessage:
		h.editMessage(in)
	case protocol.ActionReadMessage:
		h.readMessage(in)
	case protocol.ActionStatusChange:
		h.statusChange(in)
	case protocol.ActionGetUpdates:
		h.getUpdates(in)
	case protocol.ActionUpdateProfile:
		h.updateProfile(in)
	default:
		h.log.Warn().Str("action", in.Action).Msg("unknown action, ignoring")
	}
}

func (h *Handler) authenticate(in protocol.Inbound) {
	if in.Failed() {
		h.log.Info().Msg("access token rejected, refreshing")
		h.conn.SendData(protocol.Outbound{
			Action: protocol.ActionRefreshAccessToken,
			Data:   protocol.RefreshTokenPayload{RefreshToken: h.sess.RefreshToken},
		})
		return
	}

	var data struct {
		User models.User `json:"user"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad authenticate payload")
		return
	}
	h.store.Set(store.KeyUser, data.User)
	h.store.Set(store.KeyIsAuthenticated, true)
}

func (h *Handler) refreshAccessToken(in protocol.Inbound) {
	var data struct {
		AccessToken string `json:"access_token"`
	}
	if in.Data != nil {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			h.log.Warn().Err(err).Msg("bad refresh payload")
		}
	}

	if in.Failed() || data.AccessToken == "" {
		h.log.Info().Msg("token refresh failed, logging out")
		session.Clear(h.profile)
		h.sess.AccessToken = ""
		h.sess.RefreshToken = ""
		h.store.Set(store.KeyIsAuthenticated, false)
		if h.OnLogout != nil {
			h.OnLogout()
		}
		return
	}

	h.sess.AccessToken = data.AccessToken
	if err := session.Save(h.profile, *h.sess); err != nil {
		h.log.Warn().Err(err).Msg("persist refreshed token")
	}
	h.conn.SetAccessToken(data.AccessToken)
	h.conn.SendData(protocol.Outbound{
		Action: protocol.ActionAuthenticate,
		Data:   protocol.AuthenticatePayload{AccessToken: data.AccessToken},
	})
}

func (h *Handler) login(in protocol.Inbound) {
	var data struct {
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
		User         models.User `json:"user"`
		Error        string      `json:"error"`
	}
	if in.Data != nil {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			h.log.Warn().Err(err).Msg("bad login payload")
			return
		}
	}

	if in.Failed() {
		if h.OnLoginFailed != nil {
			h.OnLoginFailed(data.Error)
		}
		return
	}

	h.sess.Username = data.User.Username
	h.sess.AccessToken = data.AccessToken
	h.sess.RefreshToken = data.RefreshToken
	if err := session.Save(h.profile, *h.sess); err != nil {
		h.log.Warn().Err(err).Msg("persist session")
	}
	h.conn.SetAccessToken(data.AccessToken)
	h.store.Set(store.KeyUser, data.User)
	h.store.Set(store.KeyIsAuthenticated, true)
}

func (h *Handler) searchUsers(in protocol.Inbound) {
	var data struct {
		Results []models.User `json:"results"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad search_users payload")
		return
	}
	if h.OnSearchResults != nil {
		h.OnSearchResults(data.Results)
	}
}

func (h *Handler) getMessages(in protocol.Inbound) {
	var data struct {
		ChatID  string           `json:"chat_id"`
		Results []models.Message `json:"results"`
		HasMore bool             `json:"has_more"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad get_messages payload")
		return
	}
	if data.ChatID == "" {
		h.log.Warn().Msg("get_messages without chat id")
		return
	}

	me, _ := h.store.User()
	for i := range data.Results {
		data.Results[i].ChatID = data.ChatID
		data.Results[i].IsMine = data.Results[i].Sender == me.ID
		if reply := data.Results[i].ReplyTo; reply != nil {
			reply.IsMine = reply.Sender == me.ID
		}
	}

	// Freshly fetched results are the older batch (scroll-up pagination),
	// so any cached page goes after them.
	page := &models.MessagePage{Messages: data.Results, HasMore: data.HasMore}
	if existing := h.store.Messages(data.ChatID); existing != nil {
		page.Messages = append(page.Messages, existing.Messages...)
	}
	h.store.Set(store.MessagesKey(data.ChatID), page)
}

func (h *Handler) getChats(in protocol.Inbound) {
	var data struct {
		Results []models.Chat `json:"results"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad get_chats payload")
		return
	}
	h.store.Set(store.KeyChats, data.Results)
}

func (h *Handler) newMessage(in protocol.Inbound) {
	var data struct {
		Message models.Message `json:"message"`
		LocalID string         `json:"local_id"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad new_message payload")
		return
	}
	msg := data.Message
	if msg.ChatID == "" {
		h.log.Warn().Msg("new_message without chat id")
		return
	}

	me, _ := h.store.User()
	msg.IsMine = msg.Sender == me.ID
	if msg.ReplyTo != nil {
		msg.ReplyTo.IsMine = msg.ReplyTo.Sender == me.ID
	}

	page := h.store.Messages(msg.ChatID)
	if page == nil {
		page = &models.MessagePage{}
	}

	// An accompanying local_id means this is the ack for an optimistic
	// send: rewrite the provisional record in place, never append a twin.
	reconciled := false
	if data.LocalID != "" {
		for i := range page.Messages {
			if page.Messages[i].ID == data.LocalID {
				page.Messages[i].ID = msg.ID
				page.Messages[i].Status = models.StatusSent
				reconciled = true
				break
			}
		}
	}
	if !reconciled {
		page.Messages = append(page.Messages, msg)
	}
	h.store.Set(store.MessagesKey(msg.ChatID), page)

	if data.LocalID != "" {
		waiting := h.store.WaitingMessages()
		kept := waiting[:0]
		for _, w := range waiting {
			if w.ID != data.LocalID && w.ID != msg.ID {
				kept = append(kept, w)
			}
		}
		h.store.Set(store.KeyWaitingMessages, append([]models.Message{}, kept...))
	}
}

func (h *Handler) deleteMessage(in protocol.Inbound) {
	var data struct {
		MessageID string `json:"message_id"`
		ChatID    string `json:"chat_id"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad delete_message payload")
		return
	}
	if in.Failed() {
		// No optimistic rollback; the server kept the message.
		h.log.Warn().Str("message_id", data.MessageID).Msg("server rejected delete")
		return
	}

	page := h.store.Messages(data.ChatID)
	if page == nil {
		return
	}
	for i := range page.Messages {
		if page.Messages[i].ID == data.MessageID {
			page.Messages = append(page.Messages[:i], page.Messages[i+1:]...)
			h.store.Set(store.MessagesKey(data.ChatID), page)
			return
		}
	}
}

func (h *Handler) editMessage(in protocol.Inbound) {
	var data struct {
		MessageID string `json:"message_id"`
		ChatID    string `json:"chat_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad edit_message payload")
		return
	}
	if in.Failed() {
		h.log.Warn().Str("message_id", data.MessageID).Msg("server rejected edit")
		return
	}

	page := h.store.Messages(data.ChatID)
	if page == nil {
		return
	}
	for i := range page.Messages {
		if page.Messages[i].ID == data.MessageID {
			page.Messages[i].Text = data.Text
			h.store.Set(store.MessagesKey(data.ChatID), page)
			return
		}
	}
}

func (h *Handler) readMessage(in protocol.Inbound) {
	var data struct {
		MessageIDs []string `json:"message_ids"`
		ChatID     string   `json:"chat_id"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad read_message payload")
		return
	}
	if in.Failed() {
		h.log.Warn().Str("chat_id", data.ChatID).Msg("server rejected read receipt")
		return
	}

	page := h.store.Messages(data.ChatID)
	if page == nil {
		return
	}
	read := make(map[string]bool, len(data.MessageIDs))
	for _, id := range data.MessageIDs {
		read[id] = true
	}
	changed := false
	for i := range page.Messages {
		if read[page.Messages[i].ID] && page.Messages[i].Status != models.StatusRead {
			page.Messages[i].Status = models.StatusRead
			changed = true
		}
	}
	if changed {
		h.store.Set(store.MessagesKey(data.ChatID), page)
	}
}

func (h *Handler) statusChange(in protocol.Inbound) {
	var data struct {
		UserID   string  `json:"user_id"`
		Status   string  `json:"status"`
		LastSeen float64 `json:"last_seen"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad status_change payload")
		return
	}

	chats := h.store.Chats()
	changed := false
	for i := range chats {
		if chats[i].User.ID == data.UserID {
			chats[i].User.IsOnline = data.Status == "online"
			chats[i].User.LastSeen = data.LastSeen
			changed = true
		}
	}
	if changed {
		h.store.Set(store.KeyChats, chats)
	}
}

func (h *Handler) updateProfile(in protocol.Inbound) {
	if in.Failed() {
		h.log.Warn().Msg("server rejected profile update")
		return
	}
	var data struct {
		User models.User `json:"user"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad update_profile payload")
		return
	}
	h.store.Set(store.KeyUser, data.User)
}

func (h *Handler) getUpdates(in protocol.Inbound) {
	if in.Failed() {
		h.log.Warn().Msg("get_updates failed")
		return
	}
	var data struct {
		Results []protocol.Update `json:"results"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		h.log.Warn().Err(err).Msg("bad get_updates payload")
		return
	}
	h.log.Info().Int("updates", len(data.Results)).Msg("reconciling missed updates")
	updates.Apply(h.store, data.Results, h.log)
}
