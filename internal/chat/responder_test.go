package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatverse/internal/genai"
	"chatverse/internal/metrics"
	"chatverse/internal/user"
)

func TestShouldRespond(t *testing.T) {
	r := NewResponder(nil, user.Assistant("Gemini"), metrics.Nop(), zap.NewNop())
	humans := &Conversation{ID: "c1", ParticipantIDs: []string{"a", "b"}}
	withBot := &Conversation{ID: "c2", ParticipantIDs: []string{"a", user.AssistantID}}

	tests := []struct {
		name   string
		target Target
		conv   *Conversation
		text   string
		want   bool
	}{
		{"virtual always", Virtual(), nil, "hi", true},
		{"assistant participant", Persisted("c2"), withBot, "hi", true},
		{"plain human chat", Persisted("c1"), humans, "hi there", false},
		{"mention", Persisted("c1"), humans, "ask @Gemini about it", true},
		{"mention any case", Persisted("c1"), humans, "@gEmInI?", true},
		{"name without at sign", Persisted("c1"), humans, "gemini is neat", false},
		{"loading, mention", Persisted("c1"), nil, "hi @gemini", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ShouldRespond(tt.target, tt.conv, tt.text))
		})
	}
}

func TestBuildHistoryCapsAndAssignsRoles(t *testing.T) {
	var msgs []*Message
	for i := 0; i < 12; i++ {
		sender := "me"
		switch i % 3 {
		case 1:
			sender = "friend"
		case 2:
			sender = user.AssistantID
		}
		msgs = append(msgs, &Message{ID: fmt.Sprint(i), SenderID: sender, Text: fmt.Sprint("m", i)})
	}
	msgs = append(msgs, &Message{ID: "img", SenderID: "me", ImageURL: "/blobs/x.png"})

	turns := BuildHistory(msgs, "me", historyLimit)
	require.Len(t, turns, historyLimit)
	assert.Equal(t, genai.Turn{Role: genai.RoleUser, Content: "m3"}, turns[0])
	for i, turn := range turns[:9] {
		want := genai.RoleModel
		if (i+3)%3 == 0 {
			want = genai.RoleUser
		}
		assert.Equal(t, want, turn.Role, "turn %d", i)
	}
	assert.Equal(t, genai.Turn{Role: genai.RoleUser, Content: "[image]"}, turns[9])

	assert.Empty(t, BuildHistory(nil, "me", historyLimit))
}

type stubGen struct {
	text string
	err  error
}

func (g stubGen) Generate(ctx context.Context, req genai.Request) (string, error) {
	return g.text, g.err
}

func TestReplyFallsBackToApology(t *testing.T) {
	m := metrics.Nop()
	ok := NewResponder(stubGen{text: "sure"}, user.Assistant("Gemini"), m, zap.NewNop())
	assert.Equal(t, "sure", ok.Reply(context.Background(), nil, "q"))

	bad := NewResponder(stubGen{err: assert.AnError}, user.Assistant("Gemini"), m, zap.NewNop())
	assert.Equal(t, apology, bad.Reply(context.Background(), nil, "q"))
}
