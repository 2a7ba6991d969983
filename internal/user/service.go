package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	errInvalidRegistration = errors.New("username and a password of at least 6 characters are required")
)

const tokenTTL = 24 * time.Hour

// Service is the built-in identity provider: it signs sessions in and out
// and hands resolved sessions to the Resolver.
type Service struct {
	repo      accountStore
	resolver  *Resolver
	jwtSecret string
}

type accountStore interface {
	Store
	GetBySecretID(ctx context.Context, secretID string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	createAccount(ctx context.Context, a *account) error
	getAccountByUsername(ctx context.Context, username string) (*account, error)
}

type SessionClaims struct {
	UID         string `json:"uid"`
	DisplayName string `json:"name,omitempty"`
	PhotoURL    string `json:"picture,omitempty"`
	Anonymous   bool   `json:"anonymous"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, resolver *Resolver, secret string) *Service {
	return &Service{
		repo:      repo,
		resolver:  resolver,
		jwtSecret: secret,
	}
}

func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// SignInAnonymously starts a guest session with a fresh stable id.
func (s *Service) SignInAnonymously(ctx context.Context) (*SignInResponse, error) {
	return s.signIn(ctx, &Session{UID: uuid.NewString(), Anonymous: true})
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*SignInResponse, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 6 {
		return nil, errInvalidRegistration
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	a := &account{
		UID:         uuid.NewString(),
		Username:    req.Username,
		Password:    string(hashedPwd),
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
	}
	if a.DisplayName == "" {
		a.DisplayName = req.Username
	}
	if err := s.repo.createAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	return s.signIn(ctx, a.session())
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*SignInResponse, error) {
	a, err := s.repo.getAccountByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.signIn(ctx, a.session())
}

func (s *Service) SignOut(ctx context.Context, userID string) error {
	_, err := s.repo.TouchPresence(ctx, userID, false)
	return err
}

func (s *Service) signIn(ctx context.Context, sess *Session) (*SignInResponse, error) {
	u, err := s.resolver.Resolve(ctx, sess)
	if err != nil {
		return nil, err
	}

	token, err := s.issue(sess)
	if err != nil {
		return nil, err
	}

	return &SignInResponse{
		AccessToken: token,
		User:        u,
		Redirect:    RedirectTarget(u),
	}, nil
}

func (s *Service) issue(sess *Session) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UID:         sess.UID,
		DisplayName: sess.DisplayName,
		PhotoURL:    sess.PhotoURL,
		Anonymous:   sess.Anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatverse",
			Subject:   sess.UID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (*Session, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UID == "" {
		return nil, errors.New("invalid token")
	}

	return &Session{
		UID:         claims.UID,
		DisplayName: claims.DisplayName,
		PhotoURL:    claims.PhotoURL,
		Anonymous:   claims.Anonymous,
	}, nil
}

// Authenticate validates a token and resolves it to a user.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*User, error) {
	sess, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, sess)
}

func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) FindUser(ctx context.Context, idOrSecret string) (*User, error) {
	u, err := s.repo.GetByID(ctx, idOrSecret)
	if errors.Is(err, ErrNotFound) {
		return s.repo.GetBySecretID(ctx, idOrSecret)
	}
	return u, err
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}

func (s *Service) Ping(ctx context.Context, userID string) (time.Time, error) {
	return s.repo.TouchPresence(ctx, userID, true)
}

func (a *account) session() *Session {
	return &Session{UID: a.UID, DisplayName: a.DisplayName, PhotoURL: a.PhotoURL}
}
