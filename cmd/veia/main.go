package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/veia-chat/veia/internal/client/action"
	"github.com/veia-chat/veia/internal/client/config"
	"github.com/veia-chat/veia/internal/client/conn"
	"github.com/veia-chat/veia/internal/client/logging"
	"github.com/veia-chat/veia/internal/client/media"
	"github.com/veia-chat/veia/internal/client/models"
	"github.com/veia-chat/veia/internal/client/session"
	"github.com/veia-chat/veia/internal/client/store"
	"github.com/veia-chat/veia/internal/protocol"
)

// --- Styles ---

var (
	primaryColor = lipgloss.Color("#7C3AED")
	accentColor  = lipgloss.Color("#10B981")
	mutedColor   = lipgloss.Color("#9CA3AF")
	errorColor   = lipgloss.Color("#EF4444")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(accentColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewLogin viewState = iota
	viewChats
	viewChat
	viewSearch
	viewAvatar
)

// --- Store / dispatcher events delivered as tea messages ---

type chatsChangedMsg []models.Chat

type selectedChatChangedMsg models.Chat

type messagesChangedMsg struct {
	chatID string
	page   *models.MessagePage
}

type searchResultsMsg []models.User

type loginFailedMsg string

type avatarUploadedMsg struct {
	err error
}

type loggedOutMsg struct{}

type connStatusMsg bool

// --- Model ---

type model struct {
	store *store.Store
	conn  *conn.Conn
	cfg   *config.Config

	connected bool

	usernameInput textinput.Model
	passwordInput textinput.Model
	loginFocused  int
	loginError    string

	chats       []models.Chat
	selectedIdx int
	currentChat *models.Chat
	page        *models.MessagePage

	searchInput   textinput.Model
	searchResults []models.User
	searchIdx     int

	avatarInput textinput.Model
	statusLine  string

	messageInput textinput.Model
	chatViewport viewport.Model

	view   viewState
	width  int
	height int

	bootstrap func()
}

func initialModel(st *store.Store, c *conn.Conn, cfg *config.Config, loggedIn bool, bootstrap func()) model {
	usernameInput := textinput.New()
	usernameInput.Placeholder = "Username"
	usernameInput.Focus()
	usernameInput.CharLimit = 32
	usernameInput.Width = 30

	passwordInput := textinput.New()
	passwordInput.Placeholder = "Password"
	passwordInput.EchoMode = textinput.EchoPassword
	passwordInput.CharLimit = 64
	passwordInput.Width = 30

	searchInput := textinput.New()
	searchInput.Placeholder = "Search users..."
	searchInput.CharLimit = 32
	searchInput.Width = 30

	avatarInput := textinput.New()
	avatarInput.Placeholder = "/path/to/image.png"
	avatarInput.CharLimit = 256
	avatarInput.Width = 50

	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message..."
	messageInput.CharLimit = 1000
	messageInput.Width = 50

	view := viewLogin
	if loggedIn {
		view = viewChats
	}

	return model{
		store:         st,
		conn:          c,
		cfg:           cfg,
		usernameInput: usernameInput,
		passwordInput: passwordInput,
		searchInput:   searchInput,
		avatarInput:   avatarInput,
		messageInput:  messageInput,
		chatViewport:  viewport.New(80, 20),
		view:          view,
		bootstrap:     bootstrap,
	}
}

func (m model) Init() tea.Cmd {
	boot := m.bootstrap
	return tea.Batch(
		textinput.Blink,
		func() tea.Msg {
			boot()
			return nil
		},
	)
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8

	case connStatusMsg:
		m.connected = bool(msg)

	case chatsChangedMsg:
		m.chats = msg
		if m.selectedIdx >= len(m.chats) {
			m.selectedIdx = 0
		}
		// The chat list arriving is what tells us a login or restored
		// session went through.
		if m.view == viewLogin {
			m.view = viewChats
		}

	case selectedChatChangedMsg:
		chat := models.Chat(msg)
		m.currentChat = &chat

	case messagesChangedMsg:
		if m.currentChat != nil && m.currentChat.ID == msg.chatID {
			m.page = msg.page
			m.renderMessages()
		}

	case searchResultsMsg:
		m.searchResults = msg
		m.searchIdx = 0

	case loginFailedMsg:
		m.loginError = string(msg)
		m.view = viewLogin
		m.usernameInput.Focus()

	case avatarUploadedMsg:
		if msg.err != nil {
			m.statusLine = errorStyle.Render("avatar upload failed: " + msg.err.Error())
		} else {
			m.statusLine = mutedStyle.Render("avatar updated")
		}

	case loggedOutMsg:
		m.view = viewLogin
		m.loginError = "session expired, please log in again"
		m.usernameInput.Focus()
	}

	return m.updateInputs(msg)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "q":
		if m.view == viewChats || m.view == viewLogin {
			return m, tea.Quit
		}

	case "tab":
		if m.view == viewLogin {
			if m.loginFocused == 0 {
				m.loginFocused = 1
				m.usernameInput.Blur()
				m.passwordInput.Focus()
			} else {
				m.loginFocused = 0
				m.passwordInput.Blur()
				m.usernameInput.Focus()
			}
		}

	case "enter":
		return m.handleEnter()

	case "up", "k":
		if m.view == viewChats && m.selectedIdx > 0 {
			m.selectedIdx--
		}
		if m.view == viewSearch && m.searchIdx > 0 {
			m.searchIdx--
		}

	case "down", "j":
		if m.view == viewChats && m.selectedIdx < len(m.chats)-1 {
			m.selectedIdx++
		}
		if m.view == viewSearch && m.searchIdx < len(m.searchResults)-1 {
			m.searchIdx++
		}

	case "/":
		if m.view == viewChats {
			m.view = viewSearch
			m.searchResults = nil
			m.searchInput.SetValue("")
			m.searchInput.Focus()
			return m, nil
		}

	case "a":
		if m.view == viewChats {
			m.view = viewAvatar
			m.statusLine = ""
			m.avatarInput.SetValue("")
			m.avatarInput.Focus()
			return m, nil
		}

	case "pgup":
		if m.view == viewChat && m.page != nil && m.page.HasMore && len(m.page.Messages) > 0 {
			m.conn.SendData(protocol.Outbound{
				Action: protocol.ActionGetMessages,
				Data: protocol.GetMessagesPayload{
					ChatID:      m.currentChat.ID,
					LastMessage: m.page.Messages[0].ID,
				},
			})
		}

	case "esc":
		if m.view == viewChat || m.view == viewSearch || m.view == viewAvatar {
			m.view = viewChats
		}
	}

	return m.updateInputs(msg)
}

func (m model) handleEnter() (tea.Model, tea.Cmd) {
	switch m.view {
	case viewLogin:
		if m.usernameInput.Value() != "" && m.passwordInput.Value() != "" {
			m.loginError = ""
			m.conn.SendData(protocol.Outbound{
				Action: protocol.ActionLogin,
				Data: protocol.LoginPayload{
					Username: m.usernameInput.Value(),
					Password: m.passwordInput.Value(),
				},
			})
		}

	case viewChats:
		if len(m.chats) > 0 {
			m.openChat(m.chats[m.selectedIdx])
			m.view = viewChat
			m.messageInput.Focus()
		}

	case viewSearch:
		if len(m.searchResults) > 0 {
			user := m.searchResults[m.searchIdx]
			m.conn.SendData(protocol.Outbound{
				Action: protocol.ActionGetMessages,
				Data:   protocol.GetMessagesPayload{UserID: user.ID},
			})
			m.view = viewChats
		} else if m.searchInput.Value() != "" {
			m.conn.SendData(protocol.Outbound{
				Action: protocol.ActionSearchUsers,
				Data:   protocol.SearchUsersPayload{Query: m.searchInput.Value()},
			})
		}

	case viewAvatar:
		path := m.avatarInput.Value()
		if path == "" {
			return m, nil
		}
		m.view = viewChats
		m.statusLine = mutedStyle.Render("uploading avatar...")
		imageHost := m.cfg.ImageHost
		c := m.conn
		return m, func() tea.Msg {
			url, err := media.UploadAvatar(imageHost, path)
			if err != nil {
				return avatarUploadedMsg{err: err}
			}
			c.SendData(protocol.Outbound{
				Action: protocol.ActionUpdateProfile,
				Data:   protocol.UpdateProfilePayload{Avatar: url},
			})
			return avatarUploadedMsg{}
		}

	case viewChat:
		if m.messageInput.Value() != "" && m.currentChat != nil {
			m.sendMessage(m.messageInput.Value())
			m.messageInput.SetValue("")
		}
	}

	return m, nil
}

// openChat selects a chat, requesting history on first open and flagging
// unread incoming messages as read.
func (m *model) openChat(chat models.Chat) {
	m.store.Set(store.KeySelectedChat, chat)

	page := m.store.Messages(chat.ID)
	if page == nil {
		m.conn.SendData(protocol.Outbound{
			Action: protocol.ActionGetMessages,
			Data:   protocol.GetMessagesPayload{ChatID: chat.ID},
		})
		m.page = nil
		m.chatViewport.SetContent(mutedStyle.Render("Loading..."))
		return
	}

	m.page = page
	m.renderMessages()

	var unread []string
	for _, msg := range page.Messages {
		if !msg.IsMine && msg.Status != models.StatusRead {
			unread = append(unread, msg.ID)
		}
	}
	if len(unread) > 0 {
		m.conn.SendData(protocol.Outbound{
			Action: protocol.ActionReadMessage,
			Data:   protocol.ReadMessagePayload{MessageIDs: unread, ChatID: chat.ID},
		})
	}
}

// sendMessage applies the optimistic local write and enqueues the frame.
// The provisional record keeps a local uuid until the server ack rewrites
// it in place.
func (m *model) sendMessage(text string) {
	me, _ := m.store.User()
	now := float64(time.Now().UnixNano()) / 1e9
	msg := models.Message{
		ID:     uuid.NewString(),
		Text:   text,
		Sender: me.ID,
		Time:   now,
		Status: models.StatusSending,
		IsMine: true,
		ChatID: m.currentChat.ID,
	}

	page := m.store.Messages(msg.ChatID)
	if page == nil {
		page = &models.MessagePage{}
	}
	page.Messages = append(page.Messages, msg)
	m.store.Set(store.MessagesKey(msg.ChatID), page)

	waiting := m.store.WaitingMessages()
	m.store.Set(store.KeyWaitingMessages, append(waiting, msg))

	m.conn.SendData(protocol.Outbound{
		Action: protocol.ActionNewMessage,
		Data: protocol.NewMessagePayload{
			Text:      text,
			ChatID:    msg.ChatID,
			LocalID:   msg.ID,
			Timestamp: now,
		},
	})
}

func (m *model) renderMessages() {
	if m.page == nil {
		return
	}
	var content strings.Builder
	for _, msg := range m.page.Messages {
		timestamp := time.Unix(int64(msg.Time), 0).Format("15:04")
		style := otherMessageStyle
		if msg.IsMine {
			style = ownMessageStyle
		}
		marker := ""
		switch msg.Status {
		case models.StatusSending:
			marker = " ..."
		case models.StatusRead:
			marker = " ✓✓"
		case models.StatusSent:
			marker = " ✓"
		case models.StatusFailed:
			marker = " !"
		}
		if msg.ReplyTo != nil {
			content.WriteString(mutedStyle.Render(fmt.Sprintf("  ┌ %s", msg.ReplyTo.Text)) + "\n")
		}
		content.WriteString(fmt.Sprintf("%s %s%s\n",
			mutedStyle.Render(timestamp),
			style.Render(msg.Text),
			mutedStyle.Render(marker),
		))
	}
	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

func (m model) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.view {
	case viewLogin:
		if m.loginFocused == 0 {
			m.usernameInput, cmd = m.usernameInput.Update(msg)
		} else {
			m.passwordInput, cmd = m.passwordInput.Update(msg)
		}
	case viewSearch:
		m.searchInput, cmd = m.searchInput.Update(msg)
	case viewAvatar:
		m.avatarInput, cmd = m.avatarInput.Update(msg)
	case viewChat:
		m.messageInput, cmd = m.messageInput.Update(msg)
		m.chatViewport, _ = m.chatViewport.Update(msg)
	}
	return m, cmd
}

// --- View ---

func (m model) View() string {
	switch m.view {
	case viewLogin:
		return m.loginView()
	case viewChats:
		return m.chatsView()
	case viewChat:
		return m.chatView()
	case viewSearch:
		return m.searchView()
	case viewAvatar:
		return m.avatarView()
	}
	return ""
}

func (m model) loginView() string {
	var s strings.Builder

	s.WriteString("\n")
	s.WriteString(titleStyle.Render("veia"))
	s.WriteString("\n\n")
	s.WriteString("  Username:\n")
	s.WriteString("  " + m.usernameInput.View() + "\n\n")
	s.WriteString("  Password:\n")
	s.WriteString("  " + m.passwordInput.View() + "\n\n")

	if m.loginError != "" {
		s.WriteString(errorStyle.Render("  " + m.loginError))
		s.WriteString("\n\n")
	}

	s.WriteString(helpStyle.Render("  Tab to switch fields • Enter to log in • q to quit"))
	if !m.connected {
		s.WriteString(mutedStyle.Render("\n\n  Connecting to server..."))
	}

	return s.String()
}

func (m model) chatsView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("veia"))
	if !m.connected {
		s.WriteString(errorStyle.Render("  offline"))
	}
	s.WriteString("\n\n")

	if len(m.chats) == 0 {
		s.WriteString(mutedStyle.Render("  No chats yet. Press / to find someone.\n"))
	}
	for i, chat := range m.chats {
		prefix := "  "
		style := lipgloss.NewStyle()
		if i == m.selectedIdx {
			prefix = "→ "
			style = selectedStyle
		}
		presence := " "
		if chat.User.IsOnline {
			presence = "●"
		}
		name := chat.User.DisplayName
		if name == "" {
			name = chat.User.Username
		}
		line := fmt.Sprintf("%s%s %s  %s", prefix, presence, name, mutedStyle.Render(chat.LastMessage))
		s.WriteString(style.Render(line) + "\n")
	}

	if m.statusLine != "" {
		s.WriteString("\n  " + m.statusLine + "\n")
	}
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • / to search • a for avatar • q to quit"))

	return s.String()
}

func (m model) avatarView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Change avatar"))
	s.WriteString("\n\n")
	s.WriteString("  Image file:\n")
	s.WriteString("  " + m.avatarInput.View() + "\n\n")
	s.WriteString(helpStyle.Render("  Enter to upload • Esc to go back"))

	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder

	name := ""
	status := ""
	if m.currentChat != nil {
		name = m.currentChat.User.DisplayName
		if name == "" {
			name = m.currentChat.User.Username
		}
		if m.currentChat.User.IsOnline {
			status = selectedStyle.Render(" online")
		} else if m.currentChat.User.LastSeen > 0 {
			status = mutedStyle.Render(" last seen " + time.Unix(int64(m.currentChat.User.LastSeen), 0).Format("15:04"))
		}
	}

	s.WriteString(titleStyle.Render(name) + status)
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", max(m.width-2, 10)))
	s.WriteString("\n")
	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", max(m.width-2, 10)))
	s.WriteString("\n")
	s.WriteString(m.messageInput.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Enter to send • PgUp for older • Esc to go back"))

	return s.String()
}

func (m model) searchView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Find people"))
	s.WriteString("\n\n")
	s.WriteString("  " + m.searchInput.View() + "\n\n")

	for i, user := range m.searchResults {
		prefix := "  "
		style := lipgloss.NewStyle()
		if i == m.searchIdx {
			prefix = "→ "
			style = selectedStyle
		}
		name := user.DisplayName
		if name == "" {
			name = user.Username
		}
		s.WriteString(style.Render(fmt.Sprintf("%s%s %s", prefix, name, mutedStyle.Render("@"+user.Username))) + "\n")
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  Enter to search / open • Esc to go back"))

	return s.String()
}

// --- Main ---

func main() {
	instance := flag.Int("instance", 0, "instance number for concurrent clients")
	flag.Parse()

	cfg := config.Load()
	if *instance != 0 {
		cfg.Instance = *instance
	}

	logger, closeLog := logging.New(cfg.Instance, cfg.Debug)
	defer closeLog()

	sess := session.Load(cfg.Profile)
	if sess == nil {
		sess = &session.Session{}
	}
	serverURL := sess.ServerURL
	if serverURL == "" {
		serverURL = cfg.ServerURL()
		sess.ServerURL = serverURL
	}

	st := store.New(cfg.Instance, logger)
	c := conn.New(serverURL, sess.AccessToken, logger)
	st.SetSender(c)
	handler := action.New(st, c, sess, cfg.Profile, logger)
	c.OnMessage = handler.Handle

	loggedIn := sess.AccessToken != ""
	var p *tea.Program

	bootstrap := func() {
		if err := st.Load(); err != nil {
			logger.Warn().Err(err).Msg("could not restore state")
		}
		c.Start()
	}

	p = tea.NewProgram(
		initialModel(st, c, cfg, loggedIn, bootstrap),
		tea.WithAltScreen(),
	)

	st.OnChatsChanged(func(chats []models.Chat) {
		p.Send(chatsChangedMsg(chats))
	})
	st.OnSelectedChatChanged(func(chat models.Chat) {
		p.Send(selectedChatChangedMsg(chat))
	})
	st.OnMessagesChanged(func(chatID string, page *models.MessagePage) {
		p.Send(messagesChangedMsg{chatID: chatID, page: page})
	})
	handler.OnLogout = func() {
		p.Send(loggedOutMsg{})
	}
	handler.OnLoginFailed = func(reason string) {
		p.Send(loginFailedMsg(reason))
	}
	handler.OnSearchResults = func(users []models.User) {
		p.Send(searchResultsMsg(users))
	}
	c.OnConnected = func() {
		p.Send(connStatusMsg(true))
	}
	c.OnDisconnected = func() {
		p.Send(connStatusMsg(false))
	}

	_, err := p.Run()
	c.Stop()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
