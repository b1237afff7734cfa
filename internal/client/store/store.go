// Package store is the single source of truth for client state: chats, the
// selected chat, per-chat message pages and the authenticated user. Every
// write is persisted to a per-instance JSON file and key-specific change
// notifications are fanned out to registered listeners.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/client/models"
	"github.com/veia-chat/veia/internal/protocol"
)

// Sender is the outbound side of the connection, injected so that flipping
// is_authenticated can kick off the initial fetch.
type Sender interface {
	SendData(v any)
}

// Well-known keys.
const (
	KeyChats           = "chats"
	KeySelectedChat    = "selected_chat"
	KeyUser            = "user"
	KeyIsAuthenticated = "is_authenticated"
	KeyWaitingMessages = "waiting_messages"
	KeyLastUpdatedTime = "last_updated_time"

	messagesPrefix = "chat_messages_"
)

// MessagesKey returns the store key holding the message page for a chat.
func MessagesKey(chatID string) string {
	return messagesPrefix + chatID
}

// Store is safe for concurrent use. It is mutated from the connection's
// receive goroutine and read from the UI; a single mutex covers both the
// map and the persistence write that follows each mutation.
type Store struct {
	mu     sync.Mutex
	data   map[string]any
	path   string
	sender Sender
	log    zerolog.Logger

	// restoredTime is the last_updated_time read back by Load. Non-zero
	// means this process resumed earlier state, so authentication can
	// catch up with get_updates instead of refetching everything. The
	// live last_updated_time key is no substitute: every Set stamps it,
	// including the ones a fresh login performs just before flipping
	// is_authenticated.
	restoredTime float64

	chatsListeners    []func([]models.Chat)
	selectedListeners []func(models.Chat)
	messagesListeners []func(chatID string, page *models.MessagePage)
}

// New creates an empty store persisting to data<instance>.json in the
// working directory. The instance number keeps concurrently running
// clients from clobbering each other's state files.
func New(instance int, log zerolog.Logger) *Store {
	return &Store{
		data: make(map[string]any),
		path: fmt.Sprintf("data%d.json", instance),
		log:  log.With().Str("component", "store").Logger(),
	}
}

// SetSender wires the connection in after construction. Until it is set,
// side-effect sends are logged and skipped.
func (s *Store) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// OnChatsChanged registers a listener for wholesale chats replacement.
func (s *Store) OnChatsChanged(fn func([]models.Chat)) {
	s.mu.Lock()
	s.chatsListeners = append(s.chatsListeners, fn)
	s.mu.Unlock()
}

// OnSelectedChatChanged registers a listener for chat selection.
func (s *Store) OnSelectedChatChanged(fn func(models.Chat)) {
	s.mu.Lock()
	s.selectedListeners = append(s.selectedListeners, fn)
	s.mu.Unlock()
}

// OnMessagesChanged registers a listener fired only when the page for the
// currently selected chat changes, so the UI does not re-render messages
// for chats that are off screen.
func (s *Store) OnMessagesChanged(fn func(chatID string, page *models.MessagePage)) {
	s.mu.Lock()
	s.messagesListeners = append(s.messagesListeners, fn)
	s.mu.Unlock()
}

// Set overwrites the value for key, persists the store and emits the
// notification the key maps to. Setting is_authenticated to true triggers
// the catch-up fetch: get_updates when state was restored from disk,
// otherwise a full get_chats.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value

	var notify func()
	switch {
	case key == KeyChats:
		// Listeners get their own copy: the stored slice is mutated in
		// place by later status_change handling on another goroutine.
		stored, _ := value.([]models.Chat)
		chats := append([]models.Chat{}, stored...)
		listeners := append([]func([]models.Chat){}, s.chatsListeners...)
		notify = func() {
			for _, fn := range listeners {
				fn(chats)
			}
		}
	case key == KeySelectedChat:
		if chat, ok := value.(models.Chat); ok {
			listeners := append([]func(models.Chat){}, s.selectedListeners...)
			notify = func() {
				for _, fn := range listeners {
					fn(chat)
				}
			}
		}
	case strings.HasPrefix(key, messagesPrefix):
		chatID := strings.TrimPrefix(key, messagesPrefix)
		if sel, ok := s.data[KeySelectedChat].(models.Chat); ok && sel.ID == chatID {
			page, _ := value.(*models.MessagePage)
			page = page.Clone()
			listeners := append([]func(string, *models.MessagePage){}, s.messagesListeners...)
			notify = func() {
				for _, fn := range listeners {
					fn(chatID, page)
				}
			}
		}
	}

	var kickoff *protocol.Outbound
	if key == KeyIsAuthenticated {
		if authed, _ := value.(bool); authed {
			if last := s.restoredTime; last > 0 {
				kickoff = &protocol.Outbound{
					Action: protocol.ActionGetUpdates,
					Data:   protocol.GetUpdatesPayload{LastTime: last},
				}
			} else {
				kickoff = &protocol.Outbound{Action: protocol.ActionGetChats, Data: struct{}{}}
			}
		}
	}
	sender := s.sender

	s.persistLocked()
	s.mu.Unlock()

	if kickoff != nil {
		if sender != nil {
			sender.SendData(*kickoff)
		} else {
			s.log.Warn().Str("action", kickoff.Action).Msg("connection not ready, dropping kickoff")
		}
	}
	if notify != nil {
		notify()
	}
}

// Get returns the raw value for key, or def when the key is absent.
func (s *Store) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

// Chats returns a copy of the current chat list.
func (s *Store) Chats() []models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats, _ := s.data[KeyChats].([]models.Chat)
	return append([]models.Chat{}, chats...)
}

// SelectedChat returns a copy of the selected chat, if any.
func (s *Store) SelectedChat() (models.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.data[KeySelectedChat].(models.Chat)
	return chat, ok
}

// Messages returns a deep copy of the cached page for chatID, or nil when
// no page is cached yet.
func (s *Store) Messages(chatID string) *models.MessagePage {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, _ := s.data[MessagesKey(chatID)].(*models.MessagePage)
	return page.Clone()
}

// User returns the authenticated user, if known.
func (s *Store) User() (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data[KeyUser].(models.User)
	return u, ok
}

// WaitingMessages returns the messages not yet acknowledged by the server.
func (s *Store) WaitingMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiting, _ := s.data[KeyWaitingMessages].([]models.Message)
	return append([]models.Message{}, waiting...)
}

// LastUpdatedTime returns the timestamp stamped on the last persisted save.
func (s *Store) LastUpdatedTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, _ := s.data[KeyLastUpdatedTime].(float64)
	return last
}

// IsAuthenticated reports whether the session is currently authenticated.
func (s *Store) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	authed, _ := s.data[KeyIsAuthenticated].(bool)
	return authed
}

// snapshot is the persisted form of the store. Volatile keys such as
// is_authenticated are deliberately absent.
type snapshot struct {
	Chats           []models.Chat                  `json:"chats"`
	SelectedChat    *models.Chat                   `json:"selected_chat,omitempty"`
	ChatMessages    map[string]*models.MessagePage `json:"chat_messages"`
	User            *models.User                   `json:"user,omitempty"`
	WaitingMessages []models.Message               `json:"waiting_messages"`
	LastUpdatedTime float64                        `json:"last_updated_time"`
}

// persistLocked writes the full store to disk. Write-to-temp-then-rename
// keeps the previous snapshot intact if the process dies mid-write.
func (s *Store) persistLocked() {
	now := float64(time.Now().UnixNano()) / 1e9
	s.data[KeyLastUpdatedTime] = now

	snap := snapshot{
		ChatMessages:    make(map[string]*models.MessagePage),
		LastUpdatedTime: now,
	}
	snap.Chats, _ = s.data[KeyChats].([]models.Chat)
	if chat, ok := s.data[KeySelectedChat].(models.Chat); ok {
		snap.SelectedChat = &chat
	}
	if u, ok := s.data[KeyUser].(models.User); ok {
		snap.User = &u
	}
	snap.WaitingMessages, _ = s.data[KeyWaitingMessages].([]models.Message)
	for key, value := range s.data {
		if !strings.HasPrefix(key, messagesPrefix) {
			continue
		}
		if page, ok := value.(*models.MessagePage); ok {
			snap.ChatMessages[strings.TrimPrefix(key, messagesPrefix)] = page
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal snapshot")
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.log.Error().Err(err).Msg("write snapshot")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error().Err(err).Msg("rename snapshot")
	}
}

// Load restores the persisted snapshot and replays the notifications a
// live Set would have emitted, so listeners initialize identically whether
// state came from the network or from disk. A missing or empty file leaves
// the store empty; that is not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	s.mu.Lock()
	if snap.Chats != nil {
		s.data[KeyChats] = snap.Chats
	}
	if snap.SelectedChat != nil {
		s.data[KeySelectedChat] = *snap.SelectedChat
	}
	if snap.User != nil {
		s.data[KeyUser] = *snap.User
	}
	if snap.WaitingMessages != nil {
		s.data[KeyWaitingMessages] = snap.WaitingMessages
	}
	if snap.LastUpdatedTime > 0 {
		s.data[KeyLastUpdatedTime] = snap.LastUpdatedTime
		s.restoredTime = snap.LastUpdatedTime
	}
	for chatID, page := range snap.ChatMessages {
		s.data[MessagesKey(chatID)] = page
	}

	var chats []models.Chat
	if snap.Chats != nil {
		chats = append([]models.Chat{}, snap.Chats...)
	}
	selected := snap.SelectedChat
	var selectedPage *models.MessagePage
	if selected != nil {
		page, _ := s.data[MessagesKey(selected.ID)].(*models.MessagePage)
		selectedPage = page.Clone()
	}
	chatsListeners := append([]func([]models.Chat){}, s.chatsListeners...)
	selectedListeners := append([]func(models.Chat){}, s.selectedListeners...)
	messagesListeners := append([]func(string, *models.MessagePage){}, s.messagesListeners...)
	s.mu.Unlock()

	if chats != nil {
		for _, fn := range chatsListeners {
			fn(chats)
		}
	}
	if selected != nil {
		for _, fn := range selectedListeners {
			fn(*selected)
		}
		if selectedPage != nil {
			for _, fn := range messagesListeners {
				fn(selected.ID, selectedPage)
			}
		}
	}

	s.log.Info().Int("chats", len(chats)).Msg("restored state from disk")
	return nil
}
