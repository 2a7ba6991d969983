package chat

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatverse/internal/feed"
	"chatverse/internal/metrics"
	"chatverse/internal/user"
)

var (
	ErrImageTooLarge = errors.New("image is too large")
	ErrNotImage      = errors.New("only image files can be sent")
)

// BlobStore keeps uploaded files and hands back a durable URL.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

type Image struct {
	Name string
	Data []byte
}

// Sender uploads attachments and writes messages to the canonical log.
type Sender struct {
	store    Store
	feed     feed.Feed
	blobs    BlobStore
	maxImage int64
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewSender(store Store, f feed.Feed, blobs BlobStore, maxImage int64, m *metrics.Metrics, log *zap.Logger) *Sender {
	return &Sender{store: store, feed: f, blobs: blobs, maxImage: maxImage, metrics: m, log: log}
}

// Upload stores img under chat-images/<conversation>/ and returns its URL.
func (s *Sender) Upload(ctx context.Context, conversationID string, img *Image) (string, error) {
	ref, err := s.upload(ctx, conversationID, img)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.Uploads.WithLabelValues(outcome).Inc()
	return ref, err
}

func (s *Sender) upload(ctx context.Context, conversationID string, img *Image) (string, error) {
	if s.maxImage > 0 && int64(len(img.Data)) > s.maxImage {
		return "", ErrImageTooLarge
	}
	ct := http.DetectContentType(img.Data)
	if !strings.HasPrefix(ct, "image/") {
		return "", ErrNotImage
	}

	ext := strings.ToLower(filepath.Ext(img.Name))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			ext = exts[0]
		}
	}
	path := fmt.Sprintf("chat-images/%s/%s%s", conversationID, uuid.NewString(), ext)
	ref, err := s.blobs.Put(ctx, path, img.Data, ct)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return ref, nil
}

// NewCandidate builds the optimistic copy of an outgoing message.
func NewCandidate(conversationID string, sender *user.User, text, imageURL string, at time.Time) *Message {
	return &Message{
		ID:             tempPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Sender:         sender,
		Text:           text,
		ImageURL:       imageURL,
		Timestamp:      at,
		Pending:        true,
	}
}

// Persist writes m under its canonical id and notifies watchers of the
// conversation. A failed notification is only logged: the write stands
// and the next resync picks it up.
func (s *Sender) Persist(ctx context.Context, m *Message) (*Message, error) {
	saved := m.Finalized()
	if err := s.store.AppendMessage(ctx, saved); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	for _, topic := range []string{feed.MessagesTopic(saved.ConversationID), feed.ConversationTopic(saved.ConversationID)} {
		if err := s.feed.Publish(ctx, topic); err != nil {
			s.log.Warn("publish change", zap.String("topic", topic), zap.Error(err))
		}
	}
	return saved, nil
}
