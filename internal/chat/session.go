package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatverse/internal/directory"
	"chatverse/internal/feed"
	"chatverse/internal/genai"
	"chatverse/internal/metrics"
	"chatverse/internal/user"
)

// Publisher receives the updates of one view.
type Publisher interface {
	Publish(u *Update)
}

// QuotaCounter counts guest messages across sessions.
type QuotaCounter interface {
	// ConsumeQuota counts one message for id unless limit is already
	// reached; limit 0 never refuses.
	ConsumeQuota(ctx context.Context, id string, limit int) (bool, error)
}

type EngineConfig struct {
	Store         Store
	Feed          feed.Feed
	Users         directory.Lookup
	Quota         QuotaCounter
	Blobs         BlobStore
	Generator     genai.Generator
	AssistantName string
	MessageWindow int
	MaxImageBytes int64
	// GuestQuota caps the messages a guest may send; 0 disables the cap.
	GuestQuota int
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// Engine holds what every view session shares.
type Engine struct {
	store      Store
	quota      QuotaCounter
	streams    *Streams
	sender     *Sender
	responder  *Responder
	users      directory.Lookup
	assistant  *user.User
	guestQuota int
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = 200
	}
	assistant := user.Assistant(cfg.AssistantName)
	return &Engine{
		store:      cfg.Store,
		quota:      cfg.Quota,
		streams:    NewStreams(cfg.Store, cfg.Feed, assistant, cfg.MessageWindow, cfg.Log),
		sender:     NewSender(cfg.Store, cfg.Feed, cfg.Blobs, cfg.MaxImageBytes, cfg.Metrics, cfg.Log),
		responder:  NewResponder(cfg.Generator, assistant, cfg.Metrics, cfg.Log),
		users:      cfg.Users,
		assistant:  assistant,
		guestQuota: cfg.GuestQuota,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		now:        time.Now,
	}
}

func (e *Engine) Assistant() *user.User { return e.assistant }

// Session is the synchronization state of one open view. All state below
// the inbox is owned by the loop goroutine; other goroutines hand their
// results back through post.
type Session struct {
	e      *Engine
	viewer *user.User
	dir    *directory.Cache
	out    Publisher
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	target      Target
	epoch       uint64
	watchCancel context.CancelFunc
	conv        *Conversation
	notFound    bool
	seed        []*Message // virtual: what the stream delivered
	local       []*Message // virtual: messages exchanged in this session
	snapshot    []*Message // persisted: last stream emission
	pending     []*Message // persisted: optimistic overlay
	inflight    int
	// quotaTail is closed once the previous guest send has been counted,
	// keeping guest sends in submission order.
	quotaTail chan struct{}
}

func (e *Engine) NewSession(viewer *user.User, out Publisher) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	dir := directory.New(e.users, e.assistant)
	dir.Put(viewer)
	s := &Session{
		e:      e,
		viewer: viewer,
		dir:    dir,
		out:    out,
		log:    e.log.With(zap.String("viewer", viewer.ID)),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.ctx.Done():
			if s.watchCancel != nil {
				s.watchCancel()
			}
			return
		}
	}
}

// post queues fn for the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// query runs fn on the loop and waits for it.
func (s *Session) query(fn func()) bool {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// Open switches the view to target. Results still in flight for the
// previous target are discarded when they arrive.
func (s *Session) Open(target Target) {
	s.post(func() { s.open(target) })
}

// Send submits a message to the open conversation.
func (s *Session) Send(text string, img *Image) {
	s.post(func() { s.send(text, img) })
}

// Close cancels every subscription of the session and waits for the loop.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) Viewer() *user.User { return s.viewer }

// Messages returns the list currently rendered.
func (s *Session) Messages() []*Message {
	var out []*Message
	s.query(func() { out = s.rendered() })
	return out
}

func (s *Session) Typing() bool {
	var typing bool
	s.query(func() { typing = s.inflight > 0 })
	return typing
}

func (s *Session) Conversation() (*Conversation, bool) {
	var c *Conversation
	var notFound bool
	s.query(func() { c, notFound = s.conv, s.notFound })
	return c, notFound
}

func (s *Session) open(target Target) {
	s.epoch++
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	wasTyping := s.inflight > 0
	s.target = target
	s.conv, s.notFound = nil, false
	s.seed, s.local, s.snapshot, s.pending = nil, nil, nil, nil
	s.inflight = 0
	if wasTyping {
		s.publish(&Update{Type: UpdateTyping})
	}
	if target.IsZero() {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.watchCancel = cancel
	epoch := s.epoch

	go func() {
		err := s.e.streams.WatchConversation(ctx, target, s.viewer, s.dir, func(c *Conversation) {
			s.post(func() {
				if epoch == s.epoch {
					s.onConversation(c)
				}
			})
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn("conversation stream", zap.String("conversation", target.ID()), zap.Error(err))
		}
	}()
	go func() {
		err := s.e.streams.WatchMessages(ctx, target, s.viewer.ID, s.dir, func(msgs []*Message) {
			s.post(func() {
				if epoch == s.epoch {
					s.onMessages(msgs)
				}
			})
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrConversationNotFound) {
			s.log.Warn("message stream", zap.String("conversation", target.ID()), zap.Error(err))
		}
	}()
}

func (s *Session) onConversation(c *Conversation) {
	s.conv = c
	s.notFound = c == nil
	s.publish(&Update{Type: UpdateConversation, Conversation: c, NotFound: c == nil})
}

func (s *Session) onMessages(msgs []*Message) {
	if s.target.IsVirtual() {
		s.seed = msgs
		s.publishMessages()
		return
	}

	s.snapshot = msgs
	stored := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		stored[m.ID] = true
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !stored[p.CanonicalID()] {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	s.publishMessages()
}

func (s *Session) rendered() []*Message {
	var out []*Message
	if s.target.IsVirtual() {
		out = make([]*Message, 0, len(s.seed)+len(s.local))
		out = append(out, s.seed...)
		return append(out, s.local...)
	}
	out = make([]*Message, 0, len(s.snapshot)+len(s.pending))
	out = append(out, s.snapshot...)
	if len(s.pending) == 0 {
		return out
	}
	out = append(out, s.pending...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Session) send(text string, img *Image) {
	text = strings.TrimSpace(text)
	if text == "" && img == nil {
		return
	}
	if s.target.IsZero() {
		s.notice(NoticeSend, "Open a conversation before sending messages.")
		return
	}
	if s.notFound {
		s.notice(NoticeNotFound, "This conversation is not available.")
		return
	}
	if s.viewer.IsGuest && img != nil {
		s.notice(NoticePermission, "Guests can't send images. Sign in to share photos.")
		return
	}

	out := outgoing{
		epoch:   s.epoch,
		target:  s.target,
		text:    text,
		respond: s.e.responder.ShouldRespond(s.target, s.conv, text),
		history: BuildHistory(s.rendered(), s.viewer.ID, historyLimit),
	}
	// Membership is not known until the first conversation snapshot lands.
	out.checkMembership = !out.respond && !s.target.IsVirtual() && s.conv == nil

	if s.viewer.IsGuest && s.e.quota != nil {
		s.commitCounted(out)
		return
	}
	if img == nil {
		s.commit(out)
		return
	}
	go func() {
		ref, err := s.e.sender.Upload(s.ctx, out.target.ID(), img)
		s.post(func() {
			if err != nil {
				s.log.Warn("image upload", zap.Error(err))
				s.notice(NoticeUpload, uploadNotice(err))
				return
			}
			out.imageURL = ref
			s.commit(out)
		})
	}()
}

// outgoing is a send captured at the moment the user submitted it.
type outgoing struct {
	epoch           uint64
	target          Target
	text            string
	imageURL        string
	respond         bool
	checkMembership bool
	history         []genai.Turn
}

// commitCounted charges a guest send against the durable quota before
// committing it. Sends are counted one at a time, in order.
func (s *Session) commitCounted(out outgoing) {
	prev, mine := s.quotaTail, make(chan struct{})
	s.quotaTail = mine
	go func() {
		defer close(mine)
		if prev != nil {
			select {
			case <-prev:
			case <-s.ctx.Done():
				return
			}
		}
		ok, err := s.e.quota.ConsumeQuota(s.ctx, s.viewer.ID, s.e.guestQuota)
		s.post(func() {
			switch {
			case err != nil:
				s.log.Warn("count guest message", zap.Error(err))
				s.notice(NoticeSend, "Your message could not be sent. Please try again.")
			case !ok:
				if out.epoch == s.epoch {
					s.notice(NoticePermission, "You've reached the guest message limit. Sign in to keep chatting.")
				}
			default:
				s.commit(out)
			}
		})
	}()
}

// respondTo settles whether the assistant answers out once membership
// can be read from the store.
func (s *Session) respondTo(ctx context.Context, out outgoing) bool {
	if out.respond || !out.checkMembership {
		return out.respond
	}
	ok, err := s.e.store.IsParticipant(ctx, out.target.ID(), s.e.assistant.ID)
	if err != nil {
		s.log.Warn("check assistant membership", zap.String("conversation", out.target.ID()), zap.Error(err))
		return false
	}
	return ok
}

func (s *Session) commit(out outgoing) {
	cand := NewCandidate(out.target.ID(), s.viewer, out.text, out.imageURL, s.e.now())
	current := out.epoch == s.epoch
	s.e.metrics.MessagesSent.WithLabelValues(out.target.Kind()).Inc()

	if out.target.IsVirtual() {
		if !current {
			return
		}
		s.local = append(s.local, cand)
		s.publishMessages()
		s.startTyping()
		go func() {
			reply := s.e.responder.Reply(s.ctx, out.history, out.text)
			s.post(func() { s.onVirtualReply(out.epoch, cand, reply) })
		}()
		return
	}

	if current {
		s.pending = append(s.pending, cand)
		s.publishMessages()
	}
	// The write outlives the view: a message the user submitted is not
	// abandoned because the tab was closed.
	ctx := context.WithoutCancel(s.ctx)
	go func() {
		_, err := s.e.sender.Persist(ctx, cand)
		s.post(func() { s.onPersisted(out.epoch, cand, err) })
		if err != nil || !s.respondTo(ctx, out) {
			return
		}
		s.post(func() {
			if out.epoch == s.epoch {
				s.startTyping()
			}
		})
		s.replyPersisted(ctx, out)
		s.post(func() {
			if out.epoch == s.epoch {
				s.stopTyping()
			}
		})
	}()
}

func (s *Session) onPersisted(epoch uint64, cand *Message, err error) {
	if epoch != s.epoch {
		return
	}
	for i, p := range s.pending {
		if p.ID != cand.ID {
			continue
		}
		if err != nil {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
		} else {
			s.pending[i] = cand.Finalized()
		}
		s.publishMessages()
		break
	}
	if err != nil {
		s.log.Warn("send message", zap.String("conversation", cand.ConversationID), zap.Error(err))
		s.notice(NoticeSend, "Your message could not be sent. Please try again.")
	}
}

// replyPersisted runs off the loop: the reply goes through the canonical
// log and reaches every view of the conversation through the stream.
func (s *Session) replyPersisted(ctx context.Context, out outgoing) {
	text := s.e.responder.Reply(ctx, out.history, out.text)
	reply := s.assistantMessage(out.target.ID(), text)
	if _, err := s.e.sender.Persist(ctx, reply); err != nil {
		s.log.Warn("store assistant reply", zap.String("conversation", out.target.ID()), zap.Error(err))
	}
}

// onVirtualReply swaps the temporary message for its final copy and
// appends the reply right after it.
func (s *Session) onVirtualReply(epoch uint64, original *Message, text string) {
	if epoch != s.epoch {
		return
	}
	s.stopTyping()
	kept := s.local[:0]
	for _, m := range s.local {
		if m.ID != original.ID {
			kept = append(kept, m)
		}
	}
	s.local = append(kept, original.Finalized(), s.assistantMessage(VirtualConversationID, text))
	s.publishMessages()
}

func (s *Session) assistantMessage(conversationID, text string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.e.assistant.ID,
		Sender:         s.e.assistant,
		Text:           text,
		Timestamp:      s.e.now(),
	}
}

func (s *Session) startTyping() {
	s.inflight++
	if s.inflight == 1 {
		s.publish(&Update{Type: UpdateTyping, Typing: true})
	}
}

func (s *Session) stopTyping() {
	if s.inflight == 0 {
		return
	}
	s.inflight--
	if s.inflight == 0 {
		s.publish(&Update{Type: UpdateTyping})
	}
}

func (s *Session) publishMessages() {
	s.publish(&Update{Type: UpdateMessages, Messages: s.rendered()})
}

func (s *Session) notice(kind, msg string) {
	s.e.metrics.Notices.WithLabelValues(kind).Inc()
	s.publish(&Update{Type: UpdateNotice, Notice: &Notice{Kind: kind, Message: msg}})
}

func (s *Session) publish(u *Update) {
	if s.out != nil {
		s.out.Publish(u)
	}
}

func uploadNotice(err error) string {
	switch {
	case errors.Is(err, ErrImageTooLarge):
		return "That image is too large to send."
	case errors.Is(err, ErrNotImage):
		return "Only image files can be sent."
	}
	return "Failed to upload image. Please try again."
}
