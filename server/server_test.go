package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testServer struct {
	url    string
	wsURL  string
	store  *Store
	tokens *TokenIssuer
	hub    *Hub
	config *Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	store, err := NewStore(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	config := NewConfig(filepath.Join(t.TempDir(), "serverconfig.json"))
	tokens := NewTokenIssuer("test-secret", time.Hour)
	hub := NewHub(tokens, config, log)
	go hub.Run(t.Context())

	mux := http.NewServeMux()
	NewAPI(store, tokens, log).Register(mux)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{
		url:    srv.URL,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		store:  store,
		tokens: tokens,
		hub:    hub,
		config: config,
	}
}

// addUser registers username and returns a valid token for it.
func (s *testServer) addUser(t *testing.T, username string) string {
	t.Helper()
	_, err := s.store.CreateUser(t.Context(), username, "secret")
	require.NoError(t, err)
	token, err := s.tokens.Issue(username)
	require.NoError(t, err)
	return token
}
