package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoSession = errors.New("no active session")
	ErrSignIn    = errors.New("sign-in failed")
)

const (
	guestAvatar = "https://placehold.co/100x100?text=G"
	secretLen   = 12
	// secretAttempts bounds the retries after a secret id collision.
	secretAttempts = 3
)

// Store is the slice of the user repository the resolver needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	TouchPresence(ctx context.Context, id string, online bool) (time.Time, error)
}

// Resolver maps identity-provider sessions to application users, creating
// the user record the first time a session is seen.
type Resolver struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewResolver(store Store, log *zap.Logger) *Resolver {
	return &Resolver{store: store, log: log, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, s *Session) (*User, error) {
	if s == nil || s.UID == "" {
		return nil, ErrNoSession
	}

	existing, err := r.store.GetByID(ctx, s.UID)
	switch {
	case err == nil:
		seen, err := r.store.TouchPresence(ctx, existing.ID, true)
		if err != nil {
			// presence is cosmetic; the user is still resolved
			r.log.Warn("presence touch failed", zap.String("user_id", existing.ID), zap.Error(err))
		} else {
			existing.Online = true
			existing.LastSeen = seen
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrSignIn, s.UID, err)
	}

	u := r.synthesize(s)
	for attempt := 1; ; attempt++ {
		err := r.store.CreateUser(ctx, u)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSecretIDTaken) || attempt == secretAttempts {
			return nil, fmt.Errorf("%w: create %s: %v", ErrSignIn, s.UID, err)
		}
		r.log.Warn("secret id collision", zap.String("secret_id", u.SecretID))
		u.SecretID = secretPrefix(u) + strings.ToUpper(prefix(uuid.NewString(), secretLen))
	}
	r.log.Info("user created", zap.String("user_id", u.ID), zap.Bool("guest", u.IsGuest))
	return u, nil
}

func (r *Resolver) synthesize(s *Session) *User {
	u := &User{
		ID:       s.UID,
		Online:   true,
		LastSeen: r.now().UTC(),
	}
	if s.Anonymous {
		u.Name = "Guest #" + prefix(s.UID, 4)
		u.AvatarURL = guestAvatar
		u.IsGuest = true
		u.SecretID = secretPrefix(u) + strings.ToUpper(prefix(s.UID, secretLen))
		return u
	}

	u.Name = s.DisplayName
	if u.Name == "" {
		u.Name = "User"
	}
	u.AvatarURL = s.PhotoURL
	if u.AvatarURL == "" {
		initial := "U"
		if s.DisplayName != "" {
			initial = strings.ToUpper(string([]rune(s.DisplayName)[0]))
		}
		u.AvatarURL = "https://placehold.co/100x100?text=" + initial
	}
	u.SecretID = secretPrefix(u) + strings.ToUpper(prefix(s.UID, secretLen))
	return u
}

// RedirectTarget is where the browser goes once a user is resolved. Guest
// mode is carried along in the query string.
func RedirectTarget(u *User) string {
	if u.IsGuest {
		return "/chat?guest=true"
	}
	return "/chat"
}

func secretPrefix(u *User) string {
	if u.IsGuest {
		return "GUEST-"
	}
	return "USER-"
}

func prefix(s string, n int) string {
	s = strings.ReplaceAll(s, "-", "")
	if len(s) < n {
		return s
	}
	return s[:n]
}
