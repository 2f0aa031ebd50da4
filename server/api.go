package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/puyokura/stompchat/model"
	"github.com/samber/lo"
)

const (
	msgUsernameTaken      = "Error: Username is already taken!"
	msgRegistered         = "User registered successfully!"
	msgInvalidCredentials = "Invalid username or password"
)

// API serves the REST endpoints used by the client before it opens /ws.
type API struct {
	store  *Store
	tokens *TokenIssuer
	log    *slog.Logger
}

func NewAPI(store *Store, tokens *TokenIssuer, log *slog.Logger) *API {
	return &API{store: store, tokens: tokens, log: log.With("component", "api")}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/auth/register", a.handleRegister)
	mux.HandleFunc("GET /api/users", a.handleUsers)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := a.store.Authenticate(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		a.log.Info("Login failed", "username", creds.Username)
		writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: msgInvalidCredentials})
		return
	}
	if err != nil {
		a.internalError(w, "authenticate", err)
		return
	}

	token, err := a.tokens.Issue(user.Username)
	if err != nil {
		a.internalError(w, "issue token", err)
		return
	}
	a.log.Info("User logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, model.TokenResponse{Token: token})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := a.store.CreateUser(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, ErrUserAlreadyExists) {
		http.Error(w, msgUsernameTaken, http.StatusBadRequest)
		return
	}
	if err != nil {
		a.internalError(w, "create user", err)
		return
	}
	a.log.Info("User registered", "username", user.Username, "id", user.ID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, msgRegistered)
}

// handleUsers lists every registered user except the caller.
func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	self, err := a.tokens.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, model.ErrorResponse{Error: "Unauthorized"})
		return
	}

	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		a.internalError(w, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Filter(users, func(u model.User, _ int) bool {
		return u.Username != self
	}))
}

func (a *API) decodeCredentials(w http.ResponseWriter, r *http.Request) (model.Credentials, bool) {
	var creds model.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request body"})
		return creds, false
	}
	if err := validateCredentials(creds); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Message: validationMessage(err)})
		return creds, false
	}
	return creds, true
}

func (a *API) internalError(w http.ResponseWriter, op string, err error) {
	a.log.Error("Request failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: "Internal server error"})
}

// validationMessage turns the first failed rule into a sentence for the client.
func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return "Invalid username or password format"
	}
	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "alphanumunicode":
		return fmt.Sprintf("%s may only contain letters and digits", fe.Field())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
