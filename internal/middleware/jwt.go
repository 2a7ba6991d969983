package myMiddleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"chatverse/internal/user"
)

// Authenticator turns a bearer token into a resolved application user.
// This interface decouples 'middleware' from the user service.
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*user.User, error)
}

type AuthMiddleware struct {
	auth Authenticator
}

func NewAuthMiddleware(a Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: a}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		u, err := am.auth.Authenticate(r.Context(), tokenString)
		if err != nil {
			if errors.Is(err, user.ErrSignIn) {
				http.Error(w, "Sign-in failed", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(user.NewContext(r.Context(), u)))
	})
}

// BearerToken reads the token from the Authorization header, falling back
// to the "token" query parameter used by WebSocket clients.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// GuestMode keeps the guest query flag alive across redirects issued by
// downstream handlers.
func GuestMode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("guest") != "true" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(&guestWriter{ResponseWriter: w}, r)
	})
}

type guestWriter struct {
	http.ResponseWriter
}

func (g *guestWriter) WriteHeader(status int) {
	if loc := g.Header().Get("Location"); loc != "" && status >= 300 && status < 400 {
		g.Header().Set("Location", withGuestFlag(loc))
	}
	g.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working behind GuestMode.
func (g *guestWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := g.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (g *guestWriter) Unwrap() http.ResponseWriter { return g.ResponseWriter }

func withGuestFlag(loc string) string {
	if strings.Contains(loc, "guest=true") {
		return loc
	}
	if strings.Contains(loc, "?") {
		return loc + "&guest=true"
	}
	return loc + "?guest=true"
}
