//go:generate go run go.uber.org/mock/mockgen -source=manager.go -destination=../mocks/mock_session.go -package=mocks

// Package session drives the login lifecycle: credentials, persistence and
// the one transport connection owned by each logged-in period.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/puyokura/stompchat/transport"
)

var ErrNotLoggedIn = errors.New("session: not logged in")

type State int

const (
	LoggedOut State = iota
	LoggedIn
)

func (s State) String() string {
	if s == LoggedIn {
		return "LOGGED_IN"
	}
	return "LOGGED_OUT"
}

// Authenticator talks to the account backend.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password string) error
}

// CredentialStore persists credentials between runs.
type CredentialStore interface {
	Load() (Credentials, bool, error)
	Save(creds Credentials) error
	Clear() error
}

// Connector opens and tears down the real-time connection.
type Connector interface {
	Connect(creds Credentials) error
	Disconnect()
}

// Manager owns the session state machine.
type Manager struct {
	auth      Authenticator
	store     CredentialStore
	connector Connector
	log       *slog.Logger

	state State
	creds Credentials
}

func NewManager(auth Authenticator, store CredentialStore, connector Connector, log *slog.Logger) *Manager {
	return &Manager{
		auth:      auth,
		store:     store,
		connector: connector,
		log:       log.With("component", "session"),
	}
}

func (m *Manager) State() State { return m.state }

// Credentials returns the active credentials.
func (m *Manager) Credentials() (Credentials, error) {
	if m.state != LoggedIn {
		return Credentials{}, ErrNotLoggedIn
	}
	return m.creds, nil
}

// Restore resumes a stored session. It reports whether one was found.
func (m *Manager) Restore() (bool, error) {
	creds, ok, err := m.store.Load()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := m.enter(creds); err != nil {
		return false, err
	}
	m.log.Info("session restored", "user", creds.Username)
	return true, nil
}

// Login authenticates, persists the credentials and opens the transport.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	if m.state == LoggedIn {
		m.Logout()
	}
	token, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return err
	}
	creds := Credentials{Username: username, Token: token}
	if err := m.store.Save(creds); err != nil {
		return err
	}
	if err := m.enter(creds); err != nil {
		return err
	}
	m.log.Info("logged in", "user", username)
	return nil
}

// Register creates an account without logging in.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	return m.auth.Register(ctx, username, password)
}

// Logout clears persisted credentials and tears down the transport.
func (m *Manager) Logout() {
	if err := m.store.Clear(); err != nil {
		m.log.Error("clearing credentials failed", "error", err)
	}
	if m.state == LoggedIn {
		m.connector.Disconnect()
		m.log.Info("logged out", "user", m.creds.Username)
	}
	m.state = LoggedOut
	m.creds = Credentials{}
}

// HandleTransportFailure ends the session when the broker rejected the
// credentials. It reports whether the session was ended. Other failures are
// left to the transport's reconnect loop.
func (m *Manager) HandleTransportFailure(err error) bool {
	if m.state != LoggedIn || !errors.Is(err, transport.ErrUnauthorized) {
		return false
	}
	m.log.Warn("broker rejected credentials", "user", m.creds.Username, "error", err)
	m.Logout()
	return true
}

// Close tears down the transport and keeps the stored credentials.
func (m *Manager) Close() {
	if m.state == LoggedIn {
		m.connector.Disconnect()
	}
	m.state = LoggedOut
}

func (m *Manager) enter(creds Credentials) error {
	if err := m.connector.Connect(creds); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	m.state = LoggedIn
	m.creds = creds
	return nil
}
