package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt(t *testing.T) {
	p, err := RenderPrompt("Gemini", Request{
		History: []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleModel, Content: "hello"}},
		Message: "how are you?",
	})
	require.NoError(t, err)
	assert.Contains(t, p, "Your name is Gemini.")
	assert.Contains(t, p, "- user: hi\n- model: hello\n")
	assert.Contains(t, p, "User's message:\nhow are you?")

	p, err = RenderPrompt("Gemini", Request{Message: "solo"})
	require.NoError(t, err)
	assert.NotContains(t, p, "Conversation History")
}

func TestGenerate(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{Text: "  sure thing  "})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "m1", "Gemini", time.Second)
	text, err := c.Generate(context.Background(), Request{
		History: []Turn{{Role: RoleUser, Content: "a"}},
		Message: "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "sure thing", text)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, "b", got.Message)
	assert.Len(t, got.History, 1)
	assert.Contains(t, got.Prompt, "- user: a")
}

func TestGenerateFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/empty":
			json.NewEncoder(w).Encode(generateResponse{})
		case "/err":
			json.NewEncoder(w).Encode(generateResponse{Error: "quota"})
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/500", "/empty", "/err"} {
		c := NewClient(srv.URL+path, "", "", "Gemini", time.Second)
		_, err := c.Generate(context.Background(), Request{Message: "x"})
		assert.Error(t, err, path)
	}

	_, err := NewClient("", "", "", "Gemini", time.Second).Generate(context.Background(), Request{})
	assert.Error(t, err)
}
