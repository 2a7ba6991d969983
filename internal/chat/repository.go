package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatverse/internal/user"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Store is the canonical conversation and message log.
type Store interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	FindOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error)
	CreateGroup(ctx context.Context, name, avatarURL string, memberIDs []string) (*Conversation, error)
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type conversationRow struct {
	ID                string         `db:"id"`
	Type              string         `db:"type"`
	Name              string         `db:"name"`
	AvatarURL         string         `db:"avatar_url"`
	LastMessageText   sql.NullString `db:"last_message_text"`
	LastMessageSender sql.NullString `db:"last_message_sender"`
	LastMessageAt     sql.NullTime   `db:"last_message_at"`
	UnreadCount       int            `db:"unread_count"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r conversationRow) conversation() *Conversation {
	c := &Conversation{
		ID:          r.ID,
		Type:        r.Type,
		Name:        r.Name,
		AvatarURL:   r.AvatarURL,
		UnreadCount: r.UnreadCount,
		CreatedAt:   r.CreatedAt,
	}
	if r.LastMessageAt.Valid {
		c.LastMessage = &LastMessage{
			Text:      r.LastMessageText.String,
			SenderID:  r.LastMessageSender.String,
			Timestamp: r.LastMessageAt.Time,
		}
	}
	return c
}

const conversationColumns = `id, type, name, avatar_url, last_message_text, last_message_sender,
	last_message_at, unread_count, created_at`

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}

	c := row.conversation()
	if err := r.db.SelectContext(ctx, &c.ParticipantIDs,
		`SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id`, id); err != nil {
		return nil, fmt.Errorf("get participants %s: %w", id, err)
	}
	return c, nil
}

// ListConversations returns userID's conversations, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	var rows []conversationRow
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		WHERE EXISTS (SELECT 1 FROM participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	byID := make(map[string]*Conversation, len(rows))
	out := make([]*Conversation, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
		out[i] = row.conversation()
		byID[row.ID] = out[i]
	}

	q, args, err := sqlx.In(`SELECT conversation_id, user_id FROM participants
		WHERE conversation_id IN (?) ORDER BY joined_at, user_id`, ids)
	if err != nil {
		return nil, err
	}
	var members []struct {
		ConversationID string `db:"conversation_id"`
		UserID         string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &members, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	for _, m := range members {
		if c, ok := byID[m.ConversationID]; ok {
			c.ParticipantIDs = append(c.ParticipantIDs, m.UserID)
		}
	}
	return out, nil
}

func directKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// FindOrCreateDirect returns the direct conversation between a and b,
// creating it on first use. Concurrent callers converge on one row.
func (r *Repository) FindOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error) {
	key := directKey(a, b)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, direct_key) VALUES ($1, 'direct', $2)
		ON CONFLICT (direct_key) DO NOTHING`, uuid.NewString(), key); err != nil {
		return nil, fmt.Errorf("create direct conversation: %w", err)
	}

	var id string
	if err := tx.GetContext(ctx, &id, `SELECT id FROM conversations WHERE direct_key = $1`, key); err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	for _, uid := range []string{a, b} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, uid); err != nil {
			return nil, fmt.Errorf("add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

func (r *Repository) CreateGroup(ctx context.Context, name, avatarURL string, memberIDs []string) (*Conversation, error) {
	id := uuid.NewString()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, name, avatar_url) VALUES ($1, 'group', $2, $3)`,
		id, name, avatarURL); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, uid); err != nil {
			return nil, fmt.Errorf("add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

// AppendMessage writes m to the log and refreshes the conversation's
// last-message cache and unread counter in the same transaction.
func (r *Repository) AppendMessage(ctx context.Context, m *Message) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	preview := m.Text
	if preview == "" && m.ImageURL != "" {
		preview = "📷 Image"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_text = $1, last_message_sender = $2, last_message_at = $3,
			unread_count = unread_count + 1
		WHERE id = $4`, preview, m.SenderID, m.Timestamp, m.ConversationID)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	row := tx.QueryRowxContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`, m.ID, m.ConversationID, m.SenderID, m.Text, m.ImageURL, m.Timestamp)
	if err := row.Scan(&m.Seq); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	// Guests are counted when they send, whatever the conversation.
	if m.SenderID != user.AssistantID {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET message_quota = message_quota + 1 WHERE id = $1 AND NOT is_guest`, m.SenderID); err != nil {
			return fmt.Errorf("update quota: %w", err)
		}
	}
	return tx.Commit()
}

// ListMessages returns the latest limit messages in ascending order.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT * FROM (
			SELECT id, seq, conversation_id, sender_id, text, image_url, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`
	var msgs []*Message
	if err := r.db.SelectContext(ctx, &msgs, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (r *Repository) MarkRead(ctx context.Context, conversationID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = $1`, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `
		SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID)
	return ok, err
}
