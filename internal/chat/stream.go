package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chatverse/internal/directory"
	"chatverse/internal/feed"
	"chatverse/internal/user"
)

// Streams turns feed notifications into full snapshots of a conversation
// and of its message window. Every emission replaces the previous one.
type Streams struct {
	store     Store
	feed      feed.Feed
	assistant *user.User
	window    int
	log       *zap.Logger
	now       func() time.Time
}

func NewStreams(store Store, f feed.Feed, assistant *user.User, window int, log *zap.Logger) *Streams {
	return &Streams{
		store:     store,
		feed:      f,
		assistant: assistant,
		window:    window,
		log:       log,
		now:       time.Now,
	}
}

// WatchConversation emits the conversation behind target until ctx ends.
// emit receives nil when the conversation does not exist or viewer is not
// one of its participants.
func (s *Streams) WatchConversation(ctx context.Context, target Target, viewer *user.User,
	dir *directory.Cache, emit func(*Conversation)) error {
	if target.IsVirtual() {
		emit(VirtualConversation(viewer, s.assistant))
		<-ctx.Done()
		return nil
	}

	events, err := s.feed.Subscribe(ctx, feed.ConversationTopic(target.ID()))
	if err != nil {
		return err
	}
	for ev := range events {
		c, err := s.loadConversation(ctx, target.ID(), viewer.ID, dir)
		switch {
		case errors.Is(err, ErrConversationNotFound):
			emit(nil)
		case err != nil:
			if ctx.Err() != nil {
				break
			}
			s.log.Warn("reload conversation",
				zap.String("conversation", target.ID()), zap.Bool("resync", ev.Resync), zap.Error(err))
		default:
			emit(c)
		}
	}
	return nil
}

// WatchMessages emits the message window of target until ctx ends. The
// virtual conversation only ever holds the greeting, so it emits once and
// returns.
func (s *Streams) WatchMessages(ctx context.Context, target Target, viewerID string,
	dir *directory.Cache, emit func([]*Message)) error {
	if target.IsVirtual() {
		emit([]*Message{greetingMessage(s.assistant, s.now())})
		return nil
	}

	ok, err := s.store.IsParticipant(ctx, target.ID(), viewerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConversationNotFound
	}

	events, err := s.feed.Subscribe(ctx, feed.MessagesTopic(target.ID()))
	if err != nil {
		return err
	}
	for range events {
		msgs, err := s.store.ListMessages(ctx, target.ID(), s.window)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("reload messages", zap.String("conversation", target.ID()), zap.Error(err))
			}
			continue
		}
		emit(resolveSenders(ctx, msgs, dir))
	}
	return nil
}

func (s *Streams) loadConversation(ctx context.Context, id, viewerID string, dir *directory.Cache) (*Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(viewerID) {
		return nil, ErrConversationNotFound
	}
	return resolveConversation(ctx, c, viewerID, dir), nil
}

// resolveConversation fills in participants. A direct conversation without
// its own name takes the other participant's name and avatar.
func resolveConversation(ctx context.Context, c *Conversation, viewerID string, dir *directory.Cache) *Conversation {
	c.Participants = dir.ResolveAll(ctx, c.ParticipantIDs)
	if c.Type == TypeDirect && c.Name == "" {
		for _, p := range c.Participants {
			if p.ID != viewerID {
				c.Name = p.Name
				c.AvatarURL = p.AvatarURL
				break
			}
		}
	}
	return c
}

func resolveSenders(ctx context.Context, msgs []*Message, dir *directory.Cache) []*Message {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			ids = append(ids, m.SenderID)
		}
	}
	users := dir.ResolveAll(ctx, ids)
	byID := make(map[string]*user.User, len(ids))
	for i, id := range ids {
		byID[id] = users[i]
	}
	for _, m := range msgs {
		m.Sender = byID[m.SenderID]
	}
	return msgs
}
