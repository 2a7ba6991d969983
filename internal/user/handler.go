package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type Handler struct {
	Service *Service
	log     *zap.Logger
}

func NewHandler(s *Service, log *zap.Logger) *Handler {
	return &Handler{Service: s, log: log}
}

// GuestSignIn handles the "enter as guest" flow.
func (h *Handler) GuestSignIn(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.SignInAnonymously(r.Context())
	if err != nil {
		h.signInFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUsernameTaken):
			http.Error(w, "username is already taken", http.StatusConflict)
		case errors.Is(err, ErrSignIn):
			h.signInFailed(w, err)
		case errors.Is(err, errInvalidRegistration):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.log.Error("register", zap.Error(err))
			http.Error(w, "registration failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.signInFailed(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	u, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.Service.SignOut(r.Context(), u.ID); err != nil {
		h.log.Warn("sign out", zap.String("user_id", u.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": "/"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	u, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	seen, err := h.Service.Ping(r.Context(), u.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": true, "last_seen": seen})
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, []User{})
		return
	}
	users, err := h.Service.SearchUsers(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// signInFailed surfaces identity failures as a dismissible notice; the
// caller stays signed out.
func (h *Handler) signInFailed(w http.ResponseWriter, err error) {
	h.log.Error("sign-in failed", zap.Error(err))
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"notice": "identity",
		"error":  "Sign-in failed. Please try again.",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
