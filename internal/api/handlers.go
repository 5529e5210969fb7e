package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/dm/internal/auth"
	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/user"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

type handlers struct {
	deps Dependencies
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        user.Profile `json:"user"`
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *handlers) tokenResponse(r *http.Request, res *auth.Result) tokenResponse {
	p := res.User.Profile()
	h.deps.Presence.Annotate(r.Context(), &p)
	return tokenResponse{AccessToken: res.AccessToken, TokenType: "bearer", User: p}
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.deps.Auth.Register(r.Context(), req.Username, req.Email, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.tokenResponse(r, res))
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "Email already registered")
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusBadRequest, "Username already taken")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("api: register: %v", err)
		writeError(w, http.StatusInternalServerError, "Registration failed")
	}
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.deps.Auth.Login(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.tokenResponse(r, res))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Incorrect email or password")
	default:
		log.Printf("api: login: %v", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
	}
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	u, err := h.deps.Users.GetByID(r.Context(), UserIDFromContext(r))
	if err != nil {
		log.Printf("api: me: %v", err)
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if u == nil {
		writeError(w, http.StatusUnauthorized, "User not found")
		return
	}
	p := u.Profile()
	h.deps.Presence.Annotate(r.Context(), &p)
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.deps.Presence.ListOthers(r.Context(), UserIDFromContext(r))
	if err != nil {
		log.Printf("api: list users: %v", err)
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	receiver, err := h.deps.Users.GetByID(r.Context(), req.ReceiverID)
	if err != nil {
		log.Printf("api: send message: %v", err)
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if receiver == nil {
		writeError(w, http.StatusNotFound, "Receiver not found")
		return
	}

	m, err := h.deps.Chat.Send(r.Context(), UserIDFromContext(r), receiver.ID, req.Content)
	var storageErr *chat.StorageError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, m)
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrMissingParticipant):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &storageErr):
		log.Printf("api: send message: %v", err)
		writeError(w, http.StatusInternalServerError, "Message could not be stored")
	default:
		log.Printf("api: send message: %v", err)
		writeError(w, http.StatusInternalServerError, "Message could not be sent")
	}
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	messages, err := h.deps.Chat.History(r.Context(), UserIDFromContext(r), chi.URLParam(r, "user_id"))
	if err != nil {
		log.Printf("api: history: %v", err)
		writeError(w, http.StatusInternalServerError, "History unavailable")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Chat.MarkRead(r.Context(), UserIDFromContext(r), chi.URLParam(r, "user_id"))
	if err != nil {
		log.Printf("api: mark read: %v", err)
		writeError(w, http.StatusInternalServerError, "Mark read failed")
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}
