package chat

import (
	"strings"
	"time"

	"chatverse/internal/user"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

const (
	TypeDirect = "direct"
	TypeGroup  = "group"

	// VirtualConversationID is the reserved id of the always-available
	// conversation with the assistant. It is never stored.
	VirtualConversationID = "conv-assistant"

	tempPrefix = "tmp-"
	greeting   = "Hello! How can I help you today?"
	apology    = "Sorry, I'm having trouble responding right now. Please try again later."
)

type Conversation struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Name           string       `json:"name,omitempty"`
	AvatarURL      string       `json:"avatar_url,omitempty"`
	ParticipantIDs []string     `json:"participant_ids"`
	Participants   []*user.User `json:"participants,omitempty"` // resolved, never stored
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	UnreadCount    int          `json:"unread_count"`
	CreatedAt      time.Time    `json:"created_at"`
}

type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

type Message struct {
	ID             string     `json:"id" db:"id"`
	Seq            int64      `json:"-" db:"seq"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Sender         *user.User `json:"sender,omitempty" db:"-"`
	Text           string     `json:"text" db:"text"`
	ImageURL       string     `json:"image_url,omitempty" db:"image_url"`
	Timestamp      time.Time  `json:"timestamp" db:"created_at"`
	// Pending marks an optimistic message that the server has not
	// confirmed yet.
	Pending bool `json:"pending,omitempty" db:"-"`
}

// CanonicalID is the id a message is stored under. Temporary ids carry
// the canonical id after their prefix.
func (m *Message) CanonicalID() string {
	return strings.TrimPrefix(m.ID, tempPrefix)
}

func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, tempPrefix)
}

// Finalized returns a confirmed copy of m under its canonical id.
func (m *Message) Finalized() *Message {
	cp := *m
	cp.ID = m.CanonicalID()
	cp.Pending = false
	return &cp
}

// ---------------------------------------------
// 🎯 Conversation targets
// ---------------------------------------------

type targetKind uint8

const (
	noTarget targetKind = iota
	virtualTarget
	persistedTarget
)

// Target is either the virtual assistant conversation or a persisted
// conversation id. The zero Target means "no conversation open".
type Target struct {
	kind targetKind
	id   string
}

func Virtual() Target            { return Target{kind: virtualTarget, id: VirtualConversationID} }
func Persisted(id string) Target { return Target{kind: persistedTarget, id: id} }

func (t Target) IsZero() bool    { return t.kind == noTarget }
func (t Target) IsVirtual() bool { return t.kind == virtualTarget }
func (t Target) ID() string      { return t.id }
func (t Target) String() string  { return t.id }

func (t Target) Kind() string {
	switch t.kind {
	case virtualTarget:
		return "virtual"
	case persistedTarget:
		return "persisted"
	}
	return "none"
}

// ParseTarget maps a conversation id from the URL onto a Target.
func ParseTarget(id string) Target {
	id = strings.TrimSpace(id)
	switch id {
	case "":
		return Target{}
	case VirtualConversationID:
		return Virtual()
	}
	return Persisted(id)
}

// VirtualConversation synthesizes the assistant conversation for viewer.
func VirtualConversation(viewer, assistant *user.User) *Conversation {
	return &Conversation{
		ID:             VirtualConversationID,
		Type:           TypeDirect,
		Name:           assistant.Name,
		AvatarURL:      assistant.AvatarURL,
		ParticipantIDs: []string{viewer.ID, assistant.ID},
		Participants:   []*user.User{viewer, assistant},
	}
}

func greetingMessage(assistant *user.User, at time.Time) *Message {
	return &Message{
		ID:             "msg-greeting",
		ConversationID: VirtualConversationID,
		SenderID:       assistant.ID,
		Sender:         assistant,
		Text:           greeting,
		Timestamp:      at,
	}
}

// ---------------------------------------------
// ⚡ View session wire models
// ---------------------------------------------

const (
	UpdateConversation = "conversation"
	UpdateMessages     = "messages"
	UpdateTyping       = "typing"
	UpdateNotice       = "notice"
)

// Notice kinds shown to the user.
const (
	NoticeIdentity   = "identity"
	NoticePermission = "permission"
	NoticeUpload     = "upload"
	NoticeSend       = "send"
	NoticeNotFound   = "not_found"
)

// Update is one frame pushed to the view.
type Update struct {
	Type         string        `json:"type"`
	Conversation *Conversation `json:"conversation,omitempty"`
	NotFound     bool          `json:"not_found,omitempty"`
	Messages     []*Message    `json:"messages,omitempty"`
	Typing       bool          `json:"typing,omitempty"`
	Notice       *Notice       `json:"notice,omitempty"`
}

type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Frame is what the view sends us over the socket.
type Frame struct {
	Type           string      `json:"type"` // open | send | ping
	ConversationID string      `json:"conversation_id,omitempty"`
	Text           string      `json:"text,omitempty"`
	Image          *ImageFrame `json:"image,omitempty"`
}

type ImageFrame struct {
	Name string `json:"name"`
	Data []byte `json:"data"` // base64 on the wire
}

type StartConversationRequest struct {
	TargetID string `json:"target_id"`
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatar_url"`
	MemberIDs []string `json:"member_ids"`
}
