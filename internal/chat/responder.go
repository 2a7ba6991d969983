package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"chatverse/internal/genai"
	"chatverse/internal/metrics"
	"chatverse/internal/user"
)

const historyLimit = 10

// Responder decides when the assistant speaks and produces its reply.
type Responder struct {
	gen       genai.Generator
	assistant *user.User
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewResponder(gen genai.Generator, assistant *user.User, m *metrics.Metrics, log *zap.Logger) *Responder {
	return &Responder{gen: gen, assistant: assistant, metrics: m, log: log}
}

// ShouldRespond reports whether a message with text sent to target must
// get a reply. c may be nil while the conversation is still loading; only
// a mention counts then and the caller settles membership separately.
func (r *Responder) ShouldRespond(target Target, c *Conversation, text string) bool {
	if target.IsVirtual() {
		return true
	}
	if c != nil && c.HasParticipant(r.assistant.ID) {
		return true
	}
	mention := "@" + strings.ToLower(r.assistant.Name)
	return strings.Contains(strings.ToLower(text), mention)
}

// BuildHistory maps the last limit messages onto generation turns. The
// viewer speaks as the user; everyone else, the assistant included, as
// the model.
func BuildHistory(msgs []*Message, viewerID string, limit int) []genai.Turn {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	turns := make([]genai.Turn, 0, len(msgs))
	for _, m := range msgs {
		content := m.Text
		if content == "" && m.ImageURL != "" {
			content = "[image]"
		}
		role := genai.RoleModel
		if m.SenderID == viewerID {
			role = genai.RoleUser
		}
		turns = append(turns, genai.Turn{Role: role, Content: content})
	}
	return turns
}

// Reply makes exactly one generation call. Failures are answered with the
// fixed apology instead of an error.
func (r *Responder) Reply(ctx context.Context, history []genai.Turn, text string) string {
	reply, err := r.gen.Generate(ctx, genai.Request{History: history, Message: text})
	if err != nil {
		r.metrics.Generations.WithLabelValues("error").Inc()
		r.log.Warn("generation failed", zap.Error(err))
		return apology
	}
	r.metrics.Generations.WithLabelValues("ok").Inc()
	return reply
}
