package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrSecretIDTaken = errors.New("secret id already in use")
	ErrUsernameTaken = errors.New("username already taken")
)

const uniqueViolation = "23505"

// uniqueOn reports whether err is a unique violation of constraint.
func uniqueOn(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, name, avatar_url, is_guest, secret_id, online, last_seen, message_quota`

func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := r.db.GetContext(ctx, u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetBySecretID(ctx context.Context, secretID string) (*User, error) {
	u := &User{}
	err := r.db.GetContext(ctx, u, `SELECT `+userColumns+` FROM users WHERE secret_id = $1`, strings.ToUpper(secretID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	query := `INSERT INTO users (id, name, avatar_url, is_guest, secret_id, online, last_seen, message_quota)
		VALUES (:id, :name, :avatar_url, :is_guest, :secret_id, :online, :last_seen, :message_quota)`
	_, err := r.db.NamedExecContext(ctx, query, u)
	if uniqueOn(err, "users_secret_id_key") {
		return ErrSecretIDTaken
	}
	return err
}

// ConsumeQuota counts one message against the user's quota. It reports
// false, counting nothing, when limit messages were already sent; limit 0
// never refuses.
func (r *Repository) ConsumeQuota(ctx context.Context, id string, limit int) (bool, error) {
	var used int
	err := r.db.QueryRowxContext(ctx, `
		UPDATE users SET message_quota = message_quota + 1
		WHERE id = $1 AND ($2::int = 0 OR message_quota < $2::int)
		RETURNING message_quota`, id, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// TouchPresence records a presence ping and returns the time it stored.
func (r *Repository) TouchPresence(ctx context.Context, id string, online bool) (time.Time, error) {
	var seen time.Time
	err := r.db.QueryRowxContext(ctx,
		`UPDATE users SET online = $2, last_seen = now() WHERE id = $1 RETURNING last_seen`,
		id, online).Scan(&seen)
	if errors.Is(err, sql.ErrNoRows) {
		return seen, ErrNotFound
	}
	return seen, err
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT ` + userColumns + ` FROM users
		WHERE (name ILIKE $1 OR secret_id = $2) AND is_guest = FALSE
		ORDER BY name LIMIT 10`
	users := []User{}
	if err := r.db.SelectContext(ctx, &users, q, "%"+query+"%", strings.ToUpper(query)); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *Repository) createAccount(ctx context.Context, a *account) error {
	query := `INSERT INTO accounts (uid, username, password, display_name, photo_url)
		VALUES (:uid, :username, :password, :display_name, :photo_url)`
	_, err := r.db.NamedExecContext(ctx, query, a)
	if uniqueOn(err, "accounts_username_key") {
		return ErrUsernameTaken
	}
	return err
}

func (r *Repository) getAccountByUsername(ctx context.Context, username string) (*account, error) {
	a := &account{}
	err := r.db.GetContext(ctx, a,
		`SELECT uid, username, password, display_name, photo_url FROM accounts WHERE username = $1`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}
