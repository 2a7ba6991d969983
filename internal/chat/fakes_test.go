package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatverse/internal/feed"
	"chatverse/internal/genai"
	"chatverse/internal/user"
)

type memStore struct {
	mu         sync.Mutex
	convs      map[string]*Conversation
	msgs       map[string][]*Message
	seq        int64
	failAppend error
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[string]*Conversation), msgs: make(map[string][]*Message)}
}

func (s *memStore) add(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	cp.Participants = nil
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

func (s *memStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (s *memStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := directKey(a, b)
	for _, c := range s.convs {
		if c.Type == TypeDirect && len(c.ParticipantIDs) == 2 && directKey(c.ParticipantIDs[0], c.ParticipantIDs[1]) == key {
			return copyConversation(c), nil
		}
	}
	c := &Conversation{ID: "direct-" + key, Type: TypeDirect, ParticipantIDs: []string{a, b}}
	s.convs[c.ID] = c
	return copyConversation(c), nil
}

func (s *memStore) CreateGroup(ctx context.Context, name, avatarURL string, memberIDs []string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Conversation{ID: "group-" + name, Type: TypeGroup, Name: name, AvatarURL: avatarURL,
		ParticipantIDs: append([]string(nil), memberIDs...)}
	s.convs[c.ID] = c
	return copyConversation(c), nil
}

func (s *memStore) AppendMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	s.seq++
	m.Seq = s.seq
	cp := *m
	cp.Sender = nil
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], &cp)
	c.LastMessage = &LastMessage{Text: m.Text, SenderID: m.SenderID, Timestamp: m.Timestamp}
	c.UnreadCount++
	return nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]*Message(nil), s.msgs[conversationID]...)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].Seq < all[j].Seq
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Message, len(all))
	for i, m := range all {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *memStore) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	c.UnreadCount = 0
	return nil
}

func (s *memStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (s *memStore) stored(conversationID string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs[conversationID]...)
}

func (s *memStore) setFailAppend(err error) {
	s.mu.Lock()
	s.failAppend = err
	s.mu.Unlock()
}

type fakeUsers map[string]*user.User

func (f fakeUsers) GetByID(ctx context.Context, id string) (*user.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f fakeUsers) FindUser(ctx context.Context, idOrSecret string) (*user.User, error) {
	for _, u := range f {
		if u.ID == idOrSecret || u.SecretID == idOrSecret {
			return u, nil
		}
	}
	return nil, user.ErrNotFound
}

type fakeGen struct {
	mu    sync.Mutex
	reqs  []genai.Request
	reply string
	err   error
	gate  chan struct{}
}

func (g *fakeGen) Generate(ctx context.Context, req genai.Request) (string, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reply, g.err
}

func (g *fakeGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

func (g *fakeGen) lastRequest() genai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[len(g.reqs)-1]
}

type quotaCounter struct {
	mu   sync.Mutex
	used map[string]int
}

func (q *quotaCounter) ConsumeQuota(ctx context.Context, id string, limit int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > 0 && q.used[id] >= limit {
		return false, nil
	}
	q.used[id]++
	return true, nil
}

func (q *quotaCounter) set(id string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used[id] = n
}

func (q *quotaCounter) count(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[id]
}

type fakeBlobs struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (b *fakeBlobs) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.paths = append(b.paths, path)
	return "/blobs/" + path, nil
}

func (b *fakeBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.paths)
}

type recorder struct {
	mu      sync.Mutex
	updates []*Update
}

func (r *recorder) Publish(u *Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) notices() []*Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Notice
	for _, u := range r.updates {
		if u.Type == UpdateNotice {
			out = append(out, u.Notice)
		}
	}
	return out
}

func (r *recorder) hasNotice(kind string) bool {
	for _, n := range r.notices() {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

var (
	alice = &user.User{ID: "alice", Name: "Alice", SecretID: "USER-ALICE"}
	bob   = &user.User{ID: "bob", Name: "Bob", SecretID: "USER-BOB"}
	guest = &user.User{ID: "guest-1", Name: "Guest #gues", SecretID: "GUEST-GUEST1", IsGuest: true}
)

var errWrite = errors.New("write refused")

// pngBytes is enough of a PNG for content sniffing.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fixture struct {
	store  *memStore
	feed   *feed.Memory
	gen    *fakeGen
	blobs  *fakeBlobs
	quota  *quotaCounter
	engine *Engine
}

func newFixture(t *testing.T, quota int) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		feed:  feed.NewMemory(),
		gen:   &fakeGen{reply: "Hi there!"},
		blobs: &fakeBlobs{},
		quota: &quotaCounter{used: make(map[string]int)},
	}
	f.engine = NewEngine(EngineConfig{
		Store:         f.store,
		Feed:          f.feed,
		Users:         fakeUsers{alice.ID: alice, bob.ID: bob, guest.ID: guest},
		Quota:         f.quota,
		Blobs:         f.blobs,
		Generator:     f.gen,
		AssistantName: "Gemini",
		MessageWindow: 50,
		MaxImageBytes: 1 << 20,
		GuestQuota:    quota,
	})
	return f
}

func (f *fixture) open(t *testing.T, viewer *user.User, target Target) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := f.engine.NewSession(viewer, rec)
	t.Cleanup(s.Close)
	s.Open(target)
	return s, rec
}

func texts(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func requireNoTemporary(t *testing.T, msgs []*Message) {
	t.Helper()
	for _, m := range msgs {
		require.False(t, strings.HasPrefix(m.ID, tempPrefix), "temporary message %s still rendered", m.ID)
	}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testContext returns a context that is canceled when the test finishes,
// like testing.T.Context in Go 1.24+.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
