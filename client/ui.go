package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/puyokura/stompchat/authapi"
	"github.com/puyokura/stompchat/conversation"
	"github.com/puyokura/stompchat/model"
	"github.com/puyokura/stompchat/session"
	"github.com/samber/lo"
)

const sidebarWidth = 22

type screen int

const (
	screenAuth screen = iota
	screenChat
)

type loginResultMsg struct {
	username string
	err      error
}

type registerResultMsg struct {
	err error
}

// directoryMsg carries the directory fetched for owner's session.
type directoryMsg struct {
	owner string
	users []model.User
	err   error
}

// Directory fetches the list of other users.
type Directory interface {
	Users(ctx context.Context, token string) ([]model.User, error)
}

var (
	borderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	activeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#3C5A99"))
	itemStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#BBBBBB"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7FB2F0"))
	eventStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#888888"))
	senderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E0A75E"))
	sentStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#8FD694"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8FD694"))
	sidebarBorder = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderRight(true).BorderForeground(lipgloss.Color("#505050"))
)

type modelState struct {
	manager   *session.Manager
	directory Directory
	network   *Network
	log       *slog.Logger

	screen screen
	width  int
	height int
	ready  bool

	// Auth screen
	username    textinput.Model
	password    textinput.Model
	registering bool
	busy        bool
	notice      string
	noticeIsErr bool

	// Chat screen
	self       string
	store      *conversation.Store
	dispatcher *conversation.Dispatcher
	viewport   viewport.Model
	textInput  textinput.Model
	status     string
}

func initialModel(manager *session.Manager, directory Directory, net *Network, log *slog.Logger) modelState {
	user := textinput.New()
	user.Placeholder = "Username"
	user.CharLimit = 32
	user.Focus()

	pass := textinput.New()
	pass.Placeholder = "Password"
	pass.CharLimit = 72
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'

	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.CharLimit = 1024
	ti.Width = 20

	m := modelState{
		manager:   manager,
		directory: directory,
		network:   net,
		log:       log.With("component", "ui"),
		username:  user,
		password:  pass,
		textInput: ti,
	}
	if creds, err := manager.Credentials(); err == nil {
		m.enterChat(creds.Username)
	}
	return m
}

func (m modelState) Init() tea.Cmd {
	if m.screen == screenChat {
		return tea.Batch(textinput.Blink, m.network.WaitForEvent(), m.fetchDirectory())
	}
	return textinput.Blink
}

func (m modelState) Update(msg tea.Msg) (out tea.Model, cmd tea.Cmd) {
	// Keep the UI alive if rendering a message panics.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			m.log.Error("panic in Update", "panic", r, "stack", string(buf[:n]))
			out, cmd = m, nil
		}
	}()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		if m.screen == screenAuth {
			return m.updateAuth(msg)
		}
		return m.updateChat(msg)

	case loginResultMsg:
		m.busy = false
		if msg.err != nil {
			m.setNotice(authapi.UserMessage(msg.err), true)
			return m, nil
		}
		m.enterChat(msg.username)
		return m, tea.Batch(m.network.WaitForEvent(), m.fetchDirectory())

	case registerResultMsg:
		m.busy = false
		if msg.err != nil {
			m.setNotice(authapi.UserMessage(msg.err), true)
			return m, nil
		}
		m.registering = false
		m.password.SetValue("")
		m.setNotice("Registration successful! Please log in.", false)
		return m, nil

	case directoryMsg:
		if m.store == nil || msg.owner != m.self {
			return m, nil
		}
		if msg.err != nil {
			m.log.Warn("failed to fetch users", "error", msg.err)
			return m, nil
		}
		peers := lo.FilterMap(msg.users, func(u model.User, _ int) (string, bool) {
			return u.Username, u.Username != m.self
		})
		m.store.Track(peers...)
		return m, nil

	case eventMsg:
		if m.store == nil || msg.gen != m.network.Gen() {
			return m, nil
		}
		m.dispatcher.Dispatch(msg.event)
		if failed, ok := msg.event.(conversation.TransportFailed); ok {
			if m.manager.HandleTransportFailure(failed.Err) {
				m.leaveChat("Session expired. Please log in again.", true)
				return m, nil
			}
		}
		m.refresh()
		return m, m.network.WaitForEvent()
	}

	// Cursor blink and other widget messages.
	switch {
	case m.screen == screenChat:
		m.textInput, cmd = m.textInput.Update(msg)
	case m.username.Focused():
		m.username, cmd = m.username.Update(msg)
	default:
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

func (m modelState) updateAuth(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		if m.username.Focused() {
			m.username.Blur()
			m.password.Focus()
		} else {
			m.password.Blur()
			m.username.Focus()
		}
		return m, textinput.Blink

	case tea.KeyCtrlR:
		m.registering = !m.registering
		m.notice = ""
		return m, nil

	case tea.KeyEnter:
		if m.busy {
			return m, nil
		}
		username := strings.TrimSpace(m.username.Value())
		password := m.password.Value()
		if username == "" || password == "" {
			m.setNotice("Username and password are required.", true)
			return m, nil
		}
		m.busy = true
		m.notice = ""
		if m.registering {
			return m, m.register(username, password)
		}
		return m, m.login(username, password)
	}

	var cmd tea.Cmd
	if m.username.Focused() {
		m.username, cmd = m.username.Update(msg)
	} else {
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

func (m modelState) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyTab:
		m.store.Cycle(1)
		m.refresh()
		return m, nil

	case tea.KeyShiftTab:
		m.store.Cycle(-1)
		m.refresh()
		return m, nil

	case tea.KeyCtrlL:
		m.manager.Logout()
		m.leaveChat("", false)
		return m, nil

	case tea.KeyEnter:
		content := m.textInput.Value()
		if err := conversation.Send(m.store, m.network, m.self, content); err != nil {
			m.log.Warn("send failed", "error", err)
			m.status = "Not sent: " + err.Error()
			return m, nil
		}
		m.status = ""
		m.textInput.SetValue("")
		m.refresh()
		return m, nil
	}

	var tiCmd, vpCmd tea.Cmd
	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m modelState) login(username, password string) tea.Cmd {
	manager := m.manager
	return func() tea.Msg {
		err := manager.Login(context.Background(), username, password)
		return loginResultMsg{username: username, err: err}
	}
}

func (m modelState) register(username, password string) tea.Cmd {
	manager := m.manager
	return func() tea.Msg {
		return registerResultMsg{err: manager.Register(context.Background(), username, password)}
	}
}

func (m modelState) fetchDirectory() tea.Cmd {
	creds, err := m.manager.Credentials()
	if err != nil {
		return nil
	}
	directory := m.directory
	return func() tea.Msg {
		users, err := directory.Users(context.Background(), creds.Token)
		return directoryMsg{owner: creds.Username, users: users, err: err}
	}
}

func (m *modelState) enterChat(username string) {
	m.screen = screenChat
	m.self = username
	m.store = conversation.NewStore()
	m.dispatcher = conversation.NewDispatcher(m.store, username)
	m.status = ""
	m.username.Blur()
	m.password.Blur()
	m.password.SetValue("")
	m.textInput.SetValue("")
	m.textInput.Focus()
	m.refresh()
}

func (m *modelState) leaveChat(notice string, isErr bool) {
	m.screen = screenAuth
	m.self = ""
	m.store = nil
	m.dispatcher = nil
	m.textInput.Blur()
	m.username.Focus()
	m.notice = notice
	m.noticeIsErr = isErr
}

func (m *modelState) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeIsErr = isErr
}

func (m *modelState) resize(width, height int) {
	m.width, m.height = width, height
	// header + separator + input + status
	vpHeight := max(height-4, 1)
	vpWidth := max(width-sidebarWidth-1, 10)

	if !m.ready {
		m.viewport = viewport.New(vpWidth, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = vpWidth
		m.viewport.Height = vpHeight
	}
	m.textInput.Width = vpWidth - 3
	m.refresh()
}

// refresh re-renders the active conversation into the viewport.
func (m *modelState) refresh() {
	if !m.ready || m.store == nil {
		return
	}
	lines := lo.Map(m.store.ActiveSequence(), func(msg model.Message, _ int) string {
		return formatMessage(msg, m.self, m.viewport.Width)
	})
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	if m.screen == screenAuth {
		return m.authView()
	}
	return m.chatView()
}

func (m modelState) authView() string {
	title, toggle := "Login", "Don't have an account? Ctrl+R to register"
	if m.registering {
		title, toggle = "Register", "Already have an account? Ctrl+R to log in"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")
	if m.notice != "" {
		style := noticeStyle
		if m.noticeIsErr {
			style = errorStyle
		}
		b.WriteString(style.Render(m.notice))
		b.WriteString("\n\n")
	}
	b.WriteString(m.username.View())
	b.WriteString("\n")
	b.WriteString(m.password.View())
	b.WriteString("\n\n")
	if m.busy {
		b.WriteString(itemStyle.Render("Please wait..."))
	} else {
		b.WriteString(itemStyle.Render("Enter: submit • Tab: switch field • Esc: quit"))
	}
	b.WriteString("\n")
	b.WriteString(itemStyle.Render(toggle))

	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#505050")).Padding(1, 3).Render(b.String())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m modelState) chatView() string {
	active := m.store.Active()

	var side strings.Builder
	side.WriteString(headerStyle.Render(truncate("Hello, "+m.self, sidebarWidth-1)))
	side.WriteString("\n\n")
	for _, id := range m.store.IDs() {
		label := truncate(" "+id, sidebarWidth-1)
		if id == active {
			side.WriteString(activeStyle.Width(sidebarWidth - 1).Render(label))
		} else {
			side.WriteString(itemStyle.Render(label))
		}
		side.WriteString("\n")
	}
	sidebar := sidebarBorder.Width(sidebarWidth - 1).Height(m.height).Render(side.String())

	status := itemStyle.Render("Tab/Shift+Tab: switch chat • Ctrl+L: logout • Esc: quit")
	if m.status != "" {
		status = errorStyle.Render(m.status)
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render("Chat with "+active),
		m.viewport.View(),
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		m.textInput.View(),
		status,
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main)
}

func formatMessage(msg model.Message, self string, width int) string {
	if width < 20 {
		width = 80
	}

	switch msg.Type {
	case model.TypeJoin:
		return eventStyle.Render(fmt.Sprintf("%s joined!", msg.Sender))
	case model.TypeLeave:
		return eventStyle.Render(fmt.Sprintf("%s left!", msg.Sender))
	case model.TypeEvent:
		return eventStyle.Width(width).Render(msg.Content)
	}

	// Own messages are right-aligned without a sender column.
	if msg.Sender == self {
		return sentStyle.Width(width).Align(lipgloss.Right).Render(msg.Content)
	}

	vLine := borderStyle.Render("│")
	sender := msg.Sender
	if sender == "" {
		sender = "Unknown"
	}
	prefix := fmt.Sprintf("%s %s %s ", vLine, senderStyle.Render(truncate(sender, 15)), vLine)
	prefixWidth := lipgloss.Width(prefix)

	msgWidth := max(width-prefixWidth, 10)
	wrapped := lipgloss.NewStyle().Width(msgWidth).Render(msg.Content)
	lines := strings.Split(wrapped, "\n")

	emptyPrefix := fmt.Sprintf("%s %s %s ", vLine, strings.Repeat(" ", lipgloss.Width(truncate(sender, 15))), vLine)

	var result strings.Builder
	result.WriteString(prefix)
	result.WriteString(lines[0])
	for _, line := range lines[1:] {
		result.WriteString("\n")
		result.WriteString(emptyPrefix)
		result.WriteString(line)
	}
	return result.String()
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}
