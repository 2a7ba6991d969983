package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatverse/internal/feed"
	"chatverse/internal/user"
)

func newTestRouter(t *testing.T, store *memStore, f feed.Feed) http.Handler {
	t.Helper()
	users := fakeUsers{alice.ID: alice, bob.ID: bob, guest.ID: guest}
	svc := NewService(store, users, f, user.Assistant("Gemini"), 50, zap.NewNop())
	h := NewHandler(nil, svc, zap.NewNop())

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u, ok := users[r.Header.Get("X-User")]; ok {
				r = r.WithContext(user.NewContext(r.Context(), u))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations", h.StartConversation)
	r.Post("/api/conversations/group", h.CreateGroup)
	r.Get("/api/conversations/{id}", h.GetConversation)
	r.Get("/api/conversations/{id}/messages", h.GetMessages)
	r.Post("/api/conversations/{id}/read", h.MarkRead)
	return r
}

func do(t *testing.T, h http.Handler, method, path, as, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if as != "" {
		req.Header.Set("X-User", as)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStartConversation(t *testing.T) {
	store := newMemStore()
	h := newTestRouter(t, store, feed.NewMemory())

	rr := do(t, h, http.MethodPost, "/api/conversations", alice.ID, `{"target_id":"USER-BOB"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var c Conversation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	assert.Equal(t, TypeDirect, c.Type)
	assert.Equal(t, "Bob", c.Name, "direct chats are named after the other participant")
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, c.ParticipantIDs)

	again := do(t, h, http.MethodPost, "/api/conversations", bob.ID, `{"target_id":"alice"}`)
	require.Equal(t, http.StatusOK, again.Code)
	var c2 Conversation
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &c2))
	assert.Equal(t, c.ID, c2.ID, "one direct conversation per pair")

	tests := []struct {
		name string
		as   string
		body string
		code int
	}{
		{"guest", guest.ID, `{"target_id":"bob"}`, http.StatusForbidden},
		{"self", alice.ID, `{"target_id":"alice"}`, http.StatusBadRequest},
		{"unknown user", alice.ID, `{"target_id":"nobody"}`, http.StatusBadRequest},
		{"bad json", alice.ID, `{`, http.StatusBadRequest},
		{"anonymous", "", `{"target_id":"bob"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/conversations", tt.as, tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}
}

func TestCreateGroup(t *testing.T) {
	store := newMemStore()
	h := newTestRouter(t, store, feed.NewMemory())

	rr := do(t, h, http.MethodPost, "/api/conversations/group", alice.ID,
		`{"name":"Crew","member_ids":["USER-BOB","bob","ASSISTANT"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var c Conversation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	assert.Equal(t, TypeGroup, c.Type)
	assert.Equal(t, []string{alice.ID, bob.ID, user.AssistantID}, c.ParticipantIDs)

	assert.Equal(t, http.StatusForbidden,
		do(t, h, http.MethodPost, "/api/conversations/group", guest.ID, `{"name":"x","member_ids":["bob"]}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/conversations/group", alice.ID, `{"name":" ","member_ids":["bob"]}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/conversations/group", alice.ID, `{"name":"solo"}`).Code)
}

func TestListConversationsPutsAssistantFirst(t *testing.T) {
	store := newMemStore()
	store.add(groupOf(alice.ID, bob.ID))
	store.add(&Conversation{ID: "other", Type: TypeDirect, ParticipantIDs: []string{bob.ID, "carol"}})
	h := newTestRouter(t, store, feed.NewMemory())

	rr := do(t, h, http.MethodGet, "/api/conversations", alice.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var convs []Conversation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &convs))
	require.Len(t, convs, 2)
	assert.Equal(t, VirtualConversationID, convs[0].ID)
	assert.Equal(t, "g1", convs[1].ID)
	require.Len(t, convs[1].Participants, 2)
	assert.Equal(t, "Bob", convs[1].Participants[1].Name)
}

func TestConversationReadsRespectMembership(t *testing.T) {
	store := newMemStore()
	store.add(groupOf(alice.ID, bob.ID))
	f := feed.NewMemory()
	h := newTestRouter(t, store, f)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/conversations/g1", alice.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/conversations/g1", guest.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/conversations/nope", alice.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/conversations/g1/messages", guest.ID, "").Code)

	rr := do(t, h, http.MethodGet, "/api/conversations/"+VirtualConversationID+"/messages", guest.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []Message
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, greeting, msgs[0].Text)

	rr = do(t, h, http.MethodGet, "/api/conversations/g1/messages", alice.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestMarkReadResetsCounterAndNotifies(t *testing.T) {
	store := newMemStore()
	c := groupOf(alice.ID, bob.ID)
	c.UnreadCount = 4
	store.add(c)
	f := feed.NewMemory()
	h := newTestRouter(t, store, f)

	events, err := f.Subscribe(testContext(t), feed.ConversationTopic("g1"))
	require.NoError(t, err)
	<-events // initial resync

	rr := do(t, h, http.MethodPost, "/api/conversations/g1/read", alice.ID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	got, err := store.GetConversation(testContext(t), "g1")
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount)
	ev := <-events
	assert.False(t, ev.Resync)
}
