package action

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/client/models"
	"github.com/veia-chat/veia/internal/client/session"
	"github.com/veia-chat/veia/internal/client/store"
	"github.com/veia-chat/veia/internal/protocol"
)

type fakeConn struct {
	sent  []protocol.Outbound
	token string
}

func (f *fakeConn) SendData(v any) {
	if out, ok := v.(protocol.Outbound); ok {
		f.sent = append(f.sent, out)
	}
}

func (f *fakeConn) SetAccessToken(token string) {
	f.token = token
}

// chdir stands in for t.Chdir, which needs Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func newHandler(t *testing.T, sess *session.Session) (*Handler, *store.Store, *fakeConn) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	st := store.New(0, zerolog.Nop())
	conn := &fakeConn{}
	st.SetSender(conn)
	h := New(st, conn, sess, "test", zerolog.Nop())
	return h, st, conn
}

func inbound(action string, success *bool, data any) protocol.Inbound {
	raw, _ := json.Marshal(data)
	return protocol.Inbound{Action: action, Success: success, Data: raw}
}

func boolPtr(b bool) *bool { return &b }

func TestAuthenticateFailureSendsSingleRefresh(t *testing.T) {
	h, _, conn := newHandler(t, &session.Session{RefreshToken: "refresh-1"})

	h.Handle(inbound(protocol.ActionAuthenticate, boolPtr(false), nil))

	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly 1 send, got %d: %+v", len(conn.sent), conn.sent)
	}
	out := conn.sent[0]
	if out.Action != protocol.ActionRefreshAccessToken {
		t.Fatalf("action = %q", out.Action)
	}
	payload, ok := out.Data.(protocol.RefreshTokenPayload)
	if !ok || payload.RefreshToken != "refresh-1" {
		t.Errorf("refresh payload = %+v, want the stored refresh token", out.Data)
	}
}

func TestAuthenticateSuccessStoresUserAndKicksOff(t *testing.T) {
	h, st, conn := newHandler(t, &session.Session{})

	h.Handle(inbound(protocol.ActionAuthenticate, boolPtr(true), map[string]any{
		"user": map[string]any{"id": "u1", "username": "alice"},
	}))

	if u, ok := st.User(); !ok || u.ID != "u1" {
		t.Errorf("user = %+v", u)
	}
	if !st.IsAuthenticated() {
		t.Error("is_authenticated not set")
	}
	if len(conn.sent) != 1 || conn.sent[0].Action != protocol.ActionGetChats {
		t.Errorf("expected a get_chats kickoff, got %+v", conn.sent)
	}
}

func TestRefreshFailureLogsOut(t *testing.T) {
	sess := &session.Session{AccessToken: "a1", RefreshToken: "r1"}
	h, st, _ := newHandler(t, sess)

	loggedOut := false
	h.OnLogout = func() { loggedOut = true }

	h.Handle(inbound(protocol.ActionRefreshAccessToken, boolPtr(false), nil))

	if !loggedOut {
		t.Error("OnLogout not fired")
	}
	if sess.AccessToken != "" || sess.RefreshToken != "" {
		t.Errorf("tokens not cleared: %+v", sess)
	}
	if st.IsAuthenticated() {
		t.Error("still authenticated after terminal refresh failure")
	}
}

func TestRefreshSuccessRotatesTokenAndReauthenticates(t *testing.T) {
	sess := &session.Session{AccessToken: "old", RefreshToken: "r1"}
	h, _, conn := newHandler(t, sess)

	h.Handle(inbound(protocol.ActionRefreshAccessToken, boolPtr(true), map[string]any{
		"access_token": "fresh",
	}))

	if sess.AccessToken != "fresh" {
		t.Errorf("session token = %q", sess.AccessToken)
	}
	if conn.token != "fresh" {
		t.Errorf("connection token = %q, rotation not applied", conn.token)
	}
	if len(conn.sent) != 1 || conn.sent[0].Action != protocol.ActionAuthenticate {
		t.Fatalf("expected re-authenticate, got %+v", conn.sent)
	}
	payload, _ := conn.sent[0].Data.(protocol.AuthenticatePayload)
	if payload.AccessToken != "fresh" {
		t.Errorf("re-authenticated with %q", payload.AccessToken)
	}
}

func TestLoginFailureSurfacesReason(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})

	var reason string
	h.OnLoginFailed = func(r string) { reason = r }

	h.Handle(inbound(protocol.ActionLogin, boolPtr(false), map[string]any{
		"error": "invalid credentials",
	}))

	if reason != "invalid credentials" {
		t.Errorf("reason = %q", reason)
	}
	if st.IsAuthenticated() {
		t.Error("authenticated after failed login")
	}
}

func TestLoginSuccessStoresEverything(t *testing.T) {
	sess := &session.Session{}
	h, st, conn := newHandler(t, sess)

	h.Handle(inbound(protocol.ActionLogin, boolPtr(true), map[string]any{
		"access_token":  "a1",
		"refresh_token": "r1",
		"user":          map[string]any{"id": "u1", "username": "alice"},
	}))

	if sess.AccessToken != "a1" || sess.RefreshToken != "r1" || sess.Username != "alice" {
		t.Errorf("session = %+v", sess)
	}
	if conn.token != "a1" {
		t.Errorf("connection token = %q", conn.token)
	}
	if !st.IsAuthenticated() {
		t.Error("not authenticated after login")
	}
}

func TestGetMessagesPrependsOlderBatch(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.KeyUser, models.User{ID: "me"})
	st.Set(store.MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{{ID: "m3", Text: "newest", ChatID: "c1"}},
	})

	h.Handle(inbound(protocol.ActionGetMessages, boolPtr(true), map[string]any{
		"chat_id": "c1",
		"results": []map[string]any{
			{"id": "m1", "text": "oldest", "sender": "me"},
			{"id": "m2", "text": "older", "sender": "peer"},
		},
		"has_more": true,
	}))

	page := st.Messages("c1")
	if page == nil || len(page.Messages) != 3 {
		t.Fatalf("page = %+v", page)
	}
	gotOrder := []string{page.Messages[0].ID, page.Messages[1].ID, page.Messages[2].ID}
	wantOrder := []string{"m1", "m2", "m3"}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("order = %v, want fetched batch before cached page", gotOrder)
		}
	}
	if !page.HasMore {
		t.Error("has_more flag lost")
	}
	if !page.Messages[0].IsMine || page.Messages[1].IsMine {
		t.Error("is_mine not derived from sender")
	}
	if page.Messages[1].ChatID != "c1" {
		t.Error("chat id not stamped onto fetched messages")
	}
}

func TestNewMessageReconcilesLocalID(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.KeyUser, models.User{ID: "me"})

	provisional := models.Message{
		ID: "local-1", Text: "hi", Sender: "me",
		Status: models.StatusSending, IsMine: true, ChatID: "c1",
	}
	st.Set(store.MessagesKey("c1"), &models.MessagePage{Messages: []models.Message{provisional}})
	st.Set(store.KeyWaitingMessages, []models.Message{provisional})

	h.Handle(inbound(protocol.ActionNewMessage, boolPtr(true), map[string]any{
		"message":  map[string]any{"id": "srv-1", "text": "hi", "sender": "me", "chat_id": "c1"},
		"local_id": "local-1",
	}))

	page := st.Messages("c1")
	if len(page.Messages) != 1 {
		t.Fatalf("expected exactly one message after reconciliation, got %d", len(page.Messages))
	}
	msg := page.Messages[0]
	if msg.ID != "srv-1" {
		t.Errorf("id = %q, provisional id not rewritten", msg.ID)
	}
	if msg.Status != models.StatusSent {
		t.Errorf("status = %q", msg.Status)
	}
	if waiting := st.WaitingMessages(); len(waiting) != 0 {
		t.Errorf("waiting messages not drained: %+v", waiting)
	}
}

func TestNewMessageFromPeerAppends(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.KeyUser, models.User{ID: "me"})

	h.Handle(inbound(protocol.ActionNewMessage, nil, map[string]any{
		"message": map[string]any{"id": "srv-2", "text": "hey", "sender": "peer", "chat_id": "c1"},
	}))

	page := st.Messages("c1")
	if page == nil || len(page.Messages) != 1 {
		t.Fatalf("page = %+v", page)
	}
	if page.Messages[0].IsMine {
		t.Error("peer message flagged as mine")
	}
}

func TestDeleteMessageRemoves(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{{ID: "m1"}, {ID: "m2"}},
	})

	h.Handle(inbound(protocol.ActionDeleteMessage, boolPtr(true), map[string]any{
		"message_id": "m1", "chat_id": "c1",
	}))

	page := st.Messages("c1")
	if len(page.Messages) != 1 || page.Messages[0].ID != "m2" {
		t.Errorf("page after delete = %+v", page.Messages)
	}
}

func TestDeleteMessageFailureKeepsMessage(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{{ID: "m1"}},
	})

	h.Handle(inbound(protocol.ActionDeleteMessage, boolPtr(false), map[string]any{
		"message_id": "m1", "chat_id": "c1",
	}))

	if page := st.Messages("c1"); len(page.Messages) != 1 {
		t.Error("rejected delete must leave the message in place")
	}
}

func TestEditMessageUpdatesText(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{{ID: "m1", Text: "before"}},
	})

	h.Handle(inbound(protocol.ActionEditMessage, boolPtr(true), map[string]any{
		"message_id": "m1", "chat_id": "c1", "text": "after",
	}))

	if page := st.Messages("c1"); page.Messages[0].Text != "after" {
		t.Errorf("text = %q", page.Messages[0].Text)
	}
}

func TestReadMessageMarksRead(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{
			{ID: "m1", Status: models.StatusSent},
			{ID: "m2", Status: models.StatusSent},
		},
	})

	h.Handle(inbound(protocol.ActionReadMessage, boolPtr(true), map[string]any{
		"message_ids": []string{"m1"}, "chat_id": "c1",
	}))

	page := st.Messages("c1")
	if page.Messages[0].Status != models.StatusRead {
		t.Error("m1 not marked read")
	}
	if page.Messages[1].Status != models.StatusSent {
		t.Error("m2 wrongly marked read")
	}
}

func TestStatusChangeUpdatesChatUser(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.KeyChats, []models.Chat{
		{ID: "c1", User: models.User{ID: "peer", IsOnline: false}},
		{ID: "c2", User: models.User{ID: "other", IsOnline: false}},
	})

	h.Handle(inbound(protocol.ActionStatusChange, nil, map[string]any{
		"user_id": "peer", "status": "online",
	}))

	chats := st.Chats()
	if !chats[0].User.IsOnline {
		t.Error("peer not marked online")
	}
	if chats[1].User.IsOnline {
		t.Error("unrelated chat mutated")
	}
}

func TestStatusChangeLeavesDeliveredSlicesAlone(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})

	// A UI observer holds on to the slice it was notified with; presence
	// updates applied afterwards must not write through it.
	var delivered [][]models.Chat
	st.OnChatsChanged(func(chats []models.Chat) {
		delivered = append(delivered, chats)
	})
	st.Set(store.KeyChats, []models.Chat{
		{ID: "c1", User: models.User{ID: "peer", IsOnline: false}},
	})

	h.Handle(inbound(protocol.ActionStatusChange, nil, map[string]any{
		"user_id": "peer", "status": "online",
	}))

	if !st.Chats()[0].User.IsOnline {
		t.Fatal("presence update lost")
	}
	if delivered[0][0].User.IsOnline {
		t.Error("presence update written through the first notification's slice")
	}
	if len(delivered) != 2 || !delivered[1][0].User.IsOnline {
		t.Errorf("expected a second notification carrying the update, got %d", len(delivered))
	}
}

func TestGetUpdatesReplaysBatch(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{{ID: "m1", Text: "hi", Status: models.StatusSent}},
	})

	h.Handle(inbound(protocol.ActionGetUpdates, boolPtr(true), map[string]any{
		"results": []map[string]any{
			{"type": "edit_message", "chat_id": "c1", "body": map[string]any{"message_id": "m1", "text": "edited"}},
			{"type": "new_message", "chat_id": "c1", "body": map[string]any{"id": "m2", "text": "while you were away"}},
		},
	}))

	page := st.Messages("c1")
	if len(page.Messages) != 2 {
		t.Fatalf("page = %+v", page.Messages)
	}
	if page.Messages[0].Text != "edited" {
		t.Errorf("edit not applied: %q", page.Messages[0].Text)
	}
	if page.Messages[1].ID != "m2" {
		t.Errorf("missed message not appended: %+v", page.Messages[1])
	}
}

func TestUpdateProfileRefreshesUser(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.KeyUser, models.User{ID: "me", Avatar: ""})

	h.Handle(inbound(protocol.ActionUpdateProfile, boolPtr(true), map[string]any{
		"user": map[string]any{"id": "me", "avatar": "https://img.example/a.png"},
	}))

	if u, _ := st.User(); u.Avatar != "https://img.example/a.png" {
		t.Errorf("avatar = %q", u.Avatar)
	}
}

func TestUpdateProfileFailureLeavesUser(t *testing.T) {
	h, st, _ := newHandler(t, &session.Session{})
	st.Set(store.KeyUser, models.User{ID: "me", DisplayName: "Alice"})

	h.Handle(inbound(protocol.ActionUpdateProfile, boolPtr(false), nil))

	if u, _ := st.User(); u.DisplayName != "Alice" {
		t.Errorf("user mutated on rejected update: %+v", u)
	}
}

func TestUnknownActionIsIgnored(t *testing.T) {
	h, st, conn := newHandler(t, &session.Session{})

	h.Handle(inbound("reticulate_splines", nil, map[string]any{"x": 1}))

	if len(conn.sent) != 0 {
		t.Errorf("unknown action caused sends: %+v", conn.sent)
	}
	if st.IsAuthenticated() {
		t.Error("unknown action mutated auth state")
	}
}
