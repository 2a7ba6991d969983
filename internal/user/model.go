package user

import "time"

const (
	AssistantID = "user-assistant"
	UnknownID   = "user-unknown"
)

type User struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	AvatarURL    string    `json:"avatar_url" db:"avatar_url"`
	IsGuest      bool      `json:"is_guest,omitempty" db:"is_guest"`
	SecretID     string    `json:"secret_id,omitempty" db:"secret_id"`
	Online       bool      `json:"online" db:"online"`
	LastSeen     time.Time `json:"last_seen" db:"last_seen"`
	MessageQuota int       `json:"message_quota" db:"message_quota"`
}

// Session is what the identity provider knows about a signed-in browser:
// a stable id plus optional profile data.
type Session struct {
	UID         string
	DisplayName string
	PhotoURL    string
	Anonymous   bool
}

// Assistant returns the constant record for the automated participant.
func Assistant(name string) *User {
	return &User{
		ID:        AssistantID,
		Name:      name,
		AvatarURL: "https://www.gstatic.com/lamda/images/gemini_sparkle_v002_d6ebb19945ab56832508.svg",
		SecretID:  "ASSISTANT",
		Online:    true,
	}
}

// Unknown is rendered in place of a sender that could not be resolved.
func Unknown(id string) *User {
	return &User{
		ID:        id,
		Name:      "Unknown",
		AvatarURL: "https://placehold.co/100x100?text=%3F",
	}
}

type account struct {
	UID         string `db:"uid"`
	Username    string `db:"username"`
	Password    string `db:"password"`
	DisplayName string `db:"display_name"`
	PhotoURL    string `db:"photo_url"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

type SignInResponse struct {
	AccessToken string `json:"access_token"`
	User        *User  `json:"user"`
	Redirect    string `json:"redirect"`
}
