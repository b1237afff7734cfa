// Package storage is the server's Postgres layer: users, single-peer
// chats, messages and the per-user update log that backs get_updates.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/veia-chat/veia/internal/server/models"
)

type Store struct {
	db *sql.DB
}

func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT UNIQUE NOT NULL,
			email         TEXT NOT NULL DEFAULT '',
			display_name  TEXT NOT NULL DEFAULT '',
			full_name     TEXT NOT NULL DEFAULT '',
			avatar        TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			last_seen     DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS chats (
			id           TEXT PRIMARY KEY,
			user_a       TEXT NOT NULL REFERENCES users(id),
			user_b       TEXT NOT NULL REFERENCES users(id),
			last_message TEXT NOT NULL DEFAULT '',
			updated_at   DOUBLE PRECISION NOT NULL DEFAULT 0,
			UNIQUE (user_a, user_b)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id       TEXT PRIMARY KEY,
			chat_id  TEXT NOT NULL REFERENCES chats(id),
			sender   TEXT NOT NULL REFERENCES users(id),
			text     TEXT NOT NULL,
			time     DOUBLE PRECISION NOT NULL,
			status   TEXT NOT NULL DEFAULT 'sent',
			reply_to TEXT
		);
		CREATE INDEX IF NOT EXISTS messages_chat_time ON messages (chat_id, time);
		CREATE TABLE IF NOT EXISTS updates (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id),
			type       TEXT NOT NULL,
			chat_id    TEXT NOT NULL,
			body       JSONB NOT NULL,
			created_at DOUBLE PRECISION NOT NULL
		);
		CREATE INDEX IF NOT EXISTS updates_user_created ON updates (user_id, created_at);
	`)
	return err
}

// User methods

func (s *Store) GetUserByUsername(username string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(`
		SELECT id, username, email, display_name, full_name, avatar, password_hash, last_seen
		FROM users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.FullName, &u.Avatar, &u.PasswordHash, &u.LastSeen)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByID(id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(`
		SELECT id, username, email, display_name, full_name, avatar, last_seen
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.FullName, &u.Avatar, &u.LastSeen)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SearchUsers(query, excludeID string) ([]models.User, error) {
	rows, err := s.db.Query(`
		SELECT id, username, email, display_name, full_name, avatar, last_seen
		FROM users
		WHERE (username ILIKE '%' || $1 || '%' OR display_name ILIKE '%' || $1 || '%')
		AND id != $2
		LIMIT 20
	`, query, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.FullName, &u.Avatar, &u.LastSeen); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateLastSeen(userID string, t float64) error {
	_, err := s.db.Exec("UPDATE users SET last_seen = $1 WHERE id = $2", t, userID)
	return err
}

// UpdateProfile rewrites the given profile fields, leaving empty ones
// untouched, and returns the updated record.
func (s *Store) UpdateProfile(userID, displayName, avatar string) (*models.User, error) {
	_, err := s.db.Exec(`
		UPDATE users SET
			display_name = COALESCE(NULLIF($2, ''), display_name),
			avatar = COALESCE(NULLIF($3, ''), avatar)
		WHERE id = $1
	`, userID, displayName, avatar)
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(userID)
}

// Chat methods

// EnsureChat returns the chat between two users, creating it on first
// contact. Participant order is normalized so the pair is unique.
func (s *Store) EnsureChat(userA, userB string) (string, error) {
	if userB < userA {
		userA, userB = userB, userA
	}

	var chatID string
	err := s.db.QueryRow(
		"SELECT id FROM chats WHERE user_a = $1 AND user_b = $2",
		userA, userB,
	).Scan(&chatID)
	if err == nil {
		return chatID, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	chatID = uuid.NewString()
	now := float64(time.Now().UnixNano()) / 1e9
	_, err = s.db.Exec(
		"INSERT INTO chats (id, user_a, user_b, updated_at) VALUES ($1, $2, $3, $4)",
		chatID, userA, userB, now,
	)
	return chatID, err
}

// GetUserChats returns the user's chats, each carrying the other
// participant, newest activity first.
func (s *Store) GetUserChats(userID string) ([]models.Chat, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.last_message, c.updated_at,
		       u.id, u.username, u.email, u.display_name, u.full_name, u.avatar, u.last_seen
		FROM chats c
		JOIN users u ON u.id = CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = $1 OR c.user_b = $1
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.LastMessage, &c.UpdatedAt,
			&c.User.ID, &c.User.Username, &c.User.Email, &c.User.DisplayName,
			&c.User.FullName, &c.User.Avatar, &c.User.LastSeen); err != nil {
			continue
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// Peer returns the other participant of a chat, or an error when userID is
// not a participant at all.
func (s *Store) Peer(chatID, userID string) (string, error) {
	var userA, userB string
	err := s.db.QueryRow("SELECT user_a, user_b FROM chats WHERE id = $1", chatID).Scan(&userA, &userB)
	if err != nil {
		return "", err
	}
	switch userID {
	case userA:
		return userB, nil
	case userB:
		return userA, nil
	}
	return "", fmt.Errorf("user %s not in chat %s", userID, chatID)
}

func (s *Store) TouchChat(chatID, lastMessage string, t float64) error {
	_, err := s.db.Exec(
		"UPDATE chats SET last_message = $1, updated_at = $2 WHERE id = $3",
		lastMessage, t, chatID,
	)
	return err
}

// Message methods

const pageSize = 50

// GetMessages returns up to pageSize messages of a chat, oldest first.
// With a lastMessage cursor only messages older than that message are
// returned, which is how the client pages backwards through history.
func (s *Store) GetMessages(chatID, lastMessage string) ([]models.Message, bool, error) {
	before := float64(0)
	if lastMessage != "" {
		if err := s.db.QueryRow("SELECT time FROM messages WHERE id = $1", lastMessage).Scan(&before); err != nil {
			return nil, false, err
		}
	}

	query := `
		SELECT id, chat_id, sender, text, time, status, reply_to
		FROM messages WHERE chat_id = $1
	`
	args := []any{chatID}
	if before > 0 {
		query += " AND time < $2"
		args = append(args, before)
	}
	query += fmt.Sprintf(" ORDER BY time DESC LIMIT %d", pageSize+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &m.Time, &m.Status, &replyTo); err != nil {
			continue
		}
		if replyTo.Valid {
			if reply, err := s.GetMessage(replyTo.String); err == nil {
				m.ReplyTo = reply
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > pageSize
	if hasMore {
		msgs = msgs[:pageSize]
	}

	// Reverse to get oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// GetMessage loads a single message without resolving its own reply_to;
// reply nesting on the wire is one level deep.
func (s *Store) GetMessage(id string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRow(`
		SELECT id, chat_id, sender, text, time, status FROM messages WHERE id = $1
	`, id).Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &m.Time, &m.Status)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) SaveMessage(chatID, sender, text, replyTo string, t float64) (*models.Message, error) {
	msg := models.Message{
		ID:     uuid.NewString(),
		ChatID: chatID,
		Sender: sender,
		Text:   text,
		Time:   t,
		Status: "sent",
	}

	var replyArg any
	if replyTo != "" {
		replyArg = replyTo
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, sender, text, time, status, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.ChatID, msg.Sender, msg.Text, msg.Time, msg.Status, replyArg)
	if err != nil {
		return nil, err
	}

	if replyTo != "" {
		if reply, err := s.GetMessage(replyTo); err == nil {
			msg.ReplyTo = reply
		}
	}
	return &msg, nil
}

// EditMessage rewrites the text of the sender's own message.
func (s *Store) EditMessage(messageID, sender, text string) error {
	res, err := s.db.Exec(
		"UPDATE messages SET text = $1 WHERE id = $2 AND sender = $3",
		text, messageID, sender,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not found or not owned", messageID)
	}
	return nil
}

// DeleteMessage removes the sender's own message.
func (s *Store) DeleteMessage(messageID, sender string) error {
	res, err := s.db.Exec(
		"DELETE FROM messages WHERE id = $1 AND sender = $2",
		messageID, sender,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not found or not owned", messageID)
	}
	return nil
}

// MarkRead flags messages of a chat as read. Only messages the reader did
// not send are affected.
func (s *Store) MarkRead(chatID, reader string, messageIDs []string) error {
	for _, id := range messageIDs {
		if _, err := s.db.Exec(
			"UPDATE messages SET status = 'read' WHERE id = $1 AND chat_id = $2 AND sender != $3",
			id, chatID, reader,
		); err != nil {
			return err
		}
	}
	return nil
}

// Update log

// AppendUpdate records a missed event for a user; body is marshaled into
// the row so get_updates can replay it verbatim.
func (s *Store) AppendUpdate(userID, typ, chatID string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	now := float64(time.Now().UnixNano()) / 1e9
	_, err = s.db.Exec(`
		INSERT INTO updates (user_id, type, chat_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, typ, chatID, data, now)
	return err
}

// GetUpdates returns a user's update rows newer than since, oldest first,
// preserving the causal order within each chat.
func (s *Store) GetUpdates(userID string, since float64) ([]models.UpdateRow, error) {
	rows, err := s.db.Query(`
		SELECT type, chat_id, body, created_at
		FROM updates WHERE user_id = $1 AND created_at > $2
		ORDER BY id ASC
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UpdateRow
	for rows.Next() {
		var r models.UpdateRow
		if err := rows.Scan(&r.Type, &r.ChatID, &r.Body, &r.CreatedAt); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
