package store

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/client/models"
	"github.com/veia-chat/veia/internal/protocol"
)

type fakeSender struct {
	sent []any
}

func (f *fakeSender) SendData(v any) {
	f.sent = append(f.sent, v)
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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	chdir(t, t.TempDir())
	return New(0, zerolog.Nop())
}

func TestSetNotifiesChatsListeners(t *testing.T) {
	st := newTestStore(t)

	var got [][]models.Chat
	st.OnChatsChanged(func(chats []models.Chat) {
		got = append(got, chats)
	})

	chats := []models.Chat{{ID: "c1", LastMessage: "hi"}}
	st.Set(KeyChats, chats)

	if len(got) != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", len(got))
	}
	if len(got[0]) != 1 || got[0][0].ID != "c1" {
		t.Errorf("listener got %+v", got[0])
	}
}

func TestLastWriteWinsAndPersists(t *testing.T) {
	st := newTestStore(t)

	st.Set(KeyChats, []models.Chat{{ID: "old"}})
	st.Set(KeyChats, []models.Chat{{ID: "new"}})

	chats := st.Chats()
	if len(chats) != 1 || chats[0].ID != "new" {
		t.Fatalf("expected last write to win, got %+v", chats)
	}

	data, err := os.ReadFile("data0.json")
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap struct {
		Chats           []models.Chat `json:"chats"`
		LastUpdatedTime float64       `json:"last_updated_time"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Chats) != 1 || snap.Chats[0].ID != "new" {
		t.Errorf("persisted chats = %+v, want only the last write", snap.Chats)
	}
	if snap.LastUpdatedTime <= 0 {
		t.Error("snapshot missing last_updated_time stamp")
	}

	if _, err := os.Stat("data0.json.tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after rename")
	}
}

func TestChatsListenerAndAccessorGetCopies(t *testing.T) {
	st := newTestStore(t)

	var delivered []models.Chat
	st.OnChatsChanged(func(chats []models.Chat) { delivered = chats })

	stored := []models.Chat{{ID: "c1", User: models.User{ID: "peer"}}}
	st.Set(KeyChats, stored)

	// The caller's slice, the listener's slice and the accessor's slice
	// must not share a backing array; in-place presence updates on one
	// goroutine otherwise race with readers on another.
	stored[0].User.IsOnline = true
	if delivered[0].User.IsOnline {
		t.Error("listener slice shares the caller's backing array")
	}

	read := st.Chats()
	read[0].LastMessage = "mutated"
	if again := st.Chats(); again[0].LastMessage == "mutated" {
		t.Error("accessor returned the internal slice")
	}
	if delivered[0].LastMessage == "mutated" {
		t.Error("accessor slice shares the listener's backing array")
	}
}

func TestMessagesNotifyOnlyForSelectedChat(t *testing.T) {
	st := newTestStore(t)

	var notified []string
	st.OnMessagesChanged(func(chatID string, page *models.MessagePage) {
		notified = append(notified, chatID)
	})

	st.Set(KeySelectedChat, models.Chat{ID: "a"})
	st.Set(MessagesKey("a"), &models.MessagePage{Messages: []models.Message{{ID: "m1"}}})
	st.Set(MessagesKey("b"), &models.MessagePage{Messages: []models.Message{{ID: "m2"}}})

	if len(notified) != 1 || notified[0] != "a" {
		t.Errorf("expected one notification for chat a, got %v", notified)
	}
}

func TestMessagesListenerGetsCopy(t *testing.T) {
	st := newTestStore(t)

	var seen *models.MessagePage
	st.OnMessagesChanged(func(chatID string, page *models.MessagePage) {
		seen = page
	})

	st.Set(KeySelectedChat, models.Chat{ID: "a"})
	original := &models.MessagePage{Messages: []models.Message{{ID: "m1", Text: "hi"}}}
	st.Set(MessagesKey("a"), original)

	if seen == nil {
		t.Fatal("listener not called")
	}
	seen.Messages[0].Text = "mutated"
	if page := st.Messages("a"); page.Messages[0].Text != "hi" {
		t.Error("listener mutation leaked into the store")
	}
}

func TestAuthenticatedFreshStateSendsGetChats(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	st.SetSender(sender)

	st.Set(KeyIsAuthenticated, true)

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 kickoff send, got %d", len(sender.sent))
	}
	out, ok := sender.sent[0].(protocol.Outbound)
	if !ok || out.Action != protocol.ActionGetChats {
		t.Errorf("expected get_chats kickoff, got %+v", sender.sent[0])
	}
}

func TestAuthenticatedRestoredStateSendsGetUpdates(t *testing.T) {
	chdir(t, t.TempDir())

	previous := New(0, zerolog.Nop())
	previous.Set(KeyChats, []models.Chat{{ID: "c1"}})
	wantTime := previous.LastUpdatedTime()

	st := New(0, zerolog.Nop())
	if err := st.Load(); err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	st.SetSender(sender)

	st.Set(KeyIsAuthenticated, true)

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 kickoff send, got %d", len(sender.sent))
	}
	out, ok := sender.sent[0].(protocol.Outbound)
	if !ok || out.Action != protocol.ActionGetUpdates {
		t.Fatalf("expected get_updates kickoff, got %+v", sender.sent[0])
	}
	payload, ok := out.Data.(protocol.GetUpdatesPayload)
	if !ok || payload.LastTime != wantTime {
		t.Errorf("last_time = %+v, want the persisted stamp %v", out.Data, wantTime)
	}
}

func TestFreshLoginStillSendsGetChats(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	st.SetSender(sender)

	// A fresh login writes the user before flipping is_authenticated; the
	// stamps those writes produce must not be mistaken for restored state.
	st.Set(KeyUser, models.User{ID: "u1"})
	st.Set(KeyIsAuthenticated, true)

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 kickoff send, got %d", len(sender.sent))
	}
	out, ok := sender.sent[0].(protocol.Outbound)
	if !ok || out.Action != protocol.ActionGetChats {
		t.Errorf("expected get_chats on fresh login, got %+v", sender.sent[0])
	}
}

func TestAuthenticatedFalseSendsNothing(t *testing.T) {
	st := newTestStore(t)
	sender := &fakeSender{}
	st.SetSender(sender)

	st.Set(KeyIsAuthenticated, false)

	if len(sender.sent) != 0 {
		t.Errorf("expected no sends, got %+v", sender.sent)
	}
}

func TestLoadRestoresAndReplaysNotifications(t *testing.T) {
	chdir(t, t.TempDir())

	first := New(3, zerolog.Nop())
	first.Set(KeyUser, models.User{ID: "u1", Username: "alice"})
	first.Set(KeyChats, []models.Chat{{ID: "c1"}})
	first.Set(KeySelectedChat, models.Chat{ID: "c1"})
	first.Set(MessagesKey("c1"), &models.MessagePage{
		Messages: []models.Message{{ID: "m1", Text: "hello"}},
		HasMore:  true,
	})

	second := New(3, zerolog.Nop())
	var gotChats []models.Chat
	var gotSelected *models.Chat
	var gotPage *models.MessagePage
	second.OnChatsChanged(func(chats []models.Chat) { gotChats = chats })
	second.OnSelectedChatChanged(func(chat models.Chat) { gotSelected = &chat })
	second.OnMessagesChanged(func(chatID string, page *models.MessagePage) { gotPage = page })

	if err := second.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(gotChats) != 1 || gotChats[0].ID != "c1" {
		t.Errorf("chats not replayed: %+v", gotChats)
	}
	if gotSelected == nil || gotSelected.ID != "c1" {
		t.Errorf("selected chat not replayed: %+v", gotSelected)
	}
	if gotPage == nil || len(gotPage.Messages) != 1 || gotPage.Messages[0].Text != "hello" {
		t.Errorf("messages not replayed: %+v", gotPage)
	}
	if !gotPage.HasMore {
		t.Error("has_more flag lost across restart")
	}
	if u, ok := second.User(); !ok || u.Username != "alice" {
		t.Errorf("user not restored: %+v", u)
	}
	if second.LastUpdatedTime() <= 0 {
		t.Error("last_updated_time not restored")
	}
	if second.IsAuthenticated() {
		t.Error("is_authenticated must not survive a restart")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	st := newTestStore(t)
	if err := st.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
}

func TestLoadCorruptFileFails(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile("data0.json", []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := st.Load(); err == nil {
		t.Error("expected error on corrupt snapshot")
	}
}

func TestInstancesUseSeparateFiles(t *testing.T) {
	chdir(t, t.TempDir())

	a := New(1, zerolog.Nop())
	b := New(2, zerolog.Nop())
	a.Set(KeyChats, []models.Chat{{ID: "from-a"}})
	b.Set(KeyChats, []models.Chat{{ID: "from-b"}})

	restored := New(1, zerolog.Nop())
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	if chats := restored.Chats(); len(chats) != 1 || chats[0].ID != "from-a" {
		t.Errorf("instance 1 restored %+v", chats)
	}
}
