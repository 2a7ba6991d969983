package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatverse/internal/directory"
	"chatverse/internal/feed"
	"chatverse/internal/user"
)

var (
	ErrPermission    = errors.New("guests cannot start conversations")
	ErrInvalidTarget = errors.New("invalid conversation target")
)

// Users finds people to talk to, by id or by secret id.
type Users interface {
	directory.Lookup
	FindUser(ctx context.Context, idOrSecret string) (*user.User, error)
}

// Service backs the conversation list and chat creation.
type Service struct {
	store     Store
	users     Users
	feed      feed.Feed
	assistant *user.User
	window    int
	log       *zap.Logger
}

func NewService(store Store, users Users, f feed.Feed, assistant *user.User, window int, log *zap.Logger) *Service {
	return &Service{store: store, users: users, feed: f, assistant: assistant, window: window, log: log}
}

func (s *Service) dirFor(viewer *user.User) *directory.Cache {
	dir := directory.New(s.users, s.assistant)
	dir.Put(viewer)
	return dir
}

// ListConversations returns the viewer's conversations with the assistant
// conversation always first.
func (s *Service) ListConversations(ctx context.Context, viewer *user.User) ([]*Conversation, error) {
	convs, err := s.store.ListConversations(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}
	dir := s.dirFor(viewer)
	out := make([]*Conversation, 0, len(convs)+1)
	out = append(out, VirtualConversation(viewer, s.assistant))
	for _, c := range convs {
		out = append(out, resolveConversation(ctx, c, viewer.ID, dir))
	}
	return out, nil
}

// StartConversation finds or creates the direct conversation between the
// viewer and targetID, which may be a user id or a secret id.
func (s *Service) StartConversation(ctx context.Context, viewer *user.User, targetID string) (*Conversation, error) {
	if viewer.IsGuest {
		return nil, ErrPermission
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, ErrInvalidTarget
	}
	if targetID == s.assistant.ID || strings.EqualFold(targetID, s.assistant.SecretID) {
		return VirtualConversation(viewer, s.assistant), nil
	}

	target, err := s.users.FindUser(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if target.ID == viewer.ID {
		return nil, ErrInvalidTarget
	}

	c, err := s.store.FindOrCreateDirect(ctx, viewer.ID, target.ID)
	if err != nil {
		return nil, err
	}
	return resolveConversation(ctx, c, viewer.ID, s.dirFor(viewer)), nil
}

func (s *Service) CreateGroup(ctx context.Context, viewer *user.User, req *CreateGroupRequest) (*Conversation, error) {
	if viewer.IsGuest {
		return nil, ErrPermission
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: a group needs a name", ErrInvalidTarget)
	}

	members := []string{viewer.ID}
	seen := map[string]bool{viewer.ID: true}
	for _, id := range req.MemberIDs {
		id = strings.TrimSpace(id)
		if id == s.assistant.ID || strings.EqualFold(id, s.assistant.SecretID) {
			id = s.assistant.ID
		} else {
			u, err := s.users.FindUser(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("%w: member %q: %v", ErrInvalidTarget, id, err)
			}
			id = u.ID
		}
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a group needs at least one other member", ErrInvalidTarget)
	}

	c, err := s.store.CreateGroup(ctx, name, req.AvatarURL, members)
	if err != nil {
		return nil, err
	}
	return resolveConversation(ctx, c, viewer.ID, s.dirFor(viewer)), nil
}

// GetConversation is a one-shot read. Conversations the viewer is not
// part of do not exist as far as the viewer is concerned.
func (s *Service) GetConversation(ctx context.Context, viewer *user.User, id string) (*Conversation, error) {
	if ParseTarget(id).IsVirtual() {
		return VirtualConversation(viewer, s.assistant), nil
	}
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(viewer.ID) {
		return nil, ErrConversationNotFound
	}
	return resolveConversation(ctx, c, viewer.ID, s.dirFor(viewer)), nil
}

func (s *Service) Messages(ctx context.Context, viewer *user.User, id string) ([]*Message, error) {
	if ParseTarget(id).IsVirtual() {
		return []*Message{greetingMessage(s.assistant, time.Now())}, nil
	}
	if err := s.checkMember(ctx, id, viewer.ID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id, s.window)
	if err != nil {
		return nil, err
	}
	return resolveSenders(ctx, msgs, s.dirFor(viewer)), nil
}

func (s *Service) MarkRead(ctx context.Context, viewer *user.User, id string) error {
	if ParseTarget(id).IsVirtual() {
		return nil
	}
	if err := s.checkMember(ctx, id, viewer.ID); err != nil {
		return err
	}
	if err := s.store.MarkRead(ctx, id); err != nil {
		return err
	}
	if err := s.feed.Publish(ctx, feed.ConversationTopic(id)); err != nil {
		s.log.Warn("publish change", zap.String("conversation", id), zap.Error(err))
	}
	return nil
}

func (s *Service) checkMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConversationNotFound
	}
	return nil
}
