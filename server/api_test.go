package main

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/puyokura/stompchat/authapi"
	"github.com/puyokura/stompchat/model"
	"github.com/stretchr/testify/require"
)

func TestAPI_RegisterLoginUsers(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	client := authapi.New(srv.url)
	ctx := t.Context()

	req.NoError(client.Register(ctx, "alice", "secret"))
	req.NoError(client.Register(ctx, "bob", "secret"))

	token, err := client.Login(ctx, "alice", "secret")
	req.NoError(err)
	username, err := srv.tokens.Verify(token)
	req.NoError(err)
	req.Equal("alice", username)

	users, err := client.Users(ctx, token)
	req.NoError(err)
	req.Len(users, 1)
	req.Equal("bob", users[0].Username)
}

func TestAPI_RegisterDuplicate(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	client := authapi.New(srv.url)

	req.NoError(client.Register(t.Context(), "alice", "secret"))
	err := client.Register(t.Context(), "alice", "other")
	req.Error(err)
	req.Equal(msgUsernameTaken, authapi.UserMessage(err))

	var apiErr *authapi.Error
	req.ErrorAs(err, &apiErr)
	req.Equal(http.StatusBadRequest, apiErr.Status)
}

func TestAPI_RegisterSuccessBody(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	resp, err := http.Post(srv.url+"/api/auth/register", "application/json",
		strings.NewReader(`{"username":"alice","password":"secret"}`))
	req.NoError(err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal(msgRegistered, string(body))
}

func TestAPI_Validation(t *testing.T) {
	srv := newTestServer(t)
	client := authapi.New(srv.url)

	tests := []struct {
		name     string
		username string
		password string
		want     string
	}{
		{"short username", "al", "secret", "Username must be at least 3 characters"},
		{"missing password", "alice", "", "Password is required"},
		{"symbols", "al ice!", "secret", "Username may only contain letters and digits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Register(t.Context(), tt.username, tt.password)
			require.Error(t, err)
			require.Equal(t, tt.want, authapi.UserMessage(err))
		})
	}
}

func TestAPI_LoginWrongPassword(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	client := authapi.New(srv.url)

	req.NoError(client.Register(t.Context(), "alice", "secret"))

	_, err := client.Login(t.Context(), "alice", "wrong")
	req.Error(err)
	req.Equal(msgInvalidCredentials, authapi.UserMessage(err))

	_, err = client.Login(t.Context(), "nobody", "secret")
	req.Equal(msgInvalidCredentials, authapi.UserMessage(err))
}

func TestAPI_UsersRequiresToken(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	for _, token := range []string{"", "garbage"} {
		r, err := http.NewRequest(http.MethodGet, srv.url+"/api/users", nil)
		req.NoError(err)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(r)
		req.NoError(err)
		resp.Body.Close()
		req.Equal(http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestTokenIssuer(t *testing.T) {
	req := require.New(t)
	issuer := NewTokenIssuer("secret", 10*time.Hour)

	token, err := issuer.Issue("alice")
	req.NoError(err)

	username, err := issuer.Authenticate("Bearer " + token)
	req.NoError(err)
	req.Equal("alice", username)

	_, err = issuer.Authenticate(token)
	req.ErrorIs(err, ErrMissingToken)

	_, err = NewTokenIssuer("other", time.Hour).Verify(token)
	req.ErrorIs(err, ErrInvalidToken)

	expired, err := NewTokenIssuer("secret", -time.Minute).Issue("alice")
	req.NoError(err)
	_, err = issuer.Verify(expired)
	req.ErrorIs(err, ErrInvalidToken)
}

func TestStore(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	ctx := t.Context()

	alice, err := srv.store.CreateUser(ctx, "alice", "secret")
	req.NoError(err)
	req.Positive(alice.ID)

	_, err = srv.store.CreateUser(ctx, "alice", "secret")
	req.ErrorIs(err, ErrUserAlreadyExists)

	got, err := srv.store.Authenticate(ctx, "alice", "secret")
	req.NoError(err)
	req.Equal(alice, got)

	_, err = srv.store.Authenticate(ctx, "alice", "nope")
	req.ErrorIs(err, ErrInvalidCredentials)

	users, err := srv.store.ListUsers(ctx)
	req.NoError(err)
	req.Equal([]model.User{alice}, users)
}
