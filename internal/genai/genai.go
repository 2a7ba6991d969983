// Package genai is the client for the external text-generation service.
// Each call is self-contained: the conversation history travels with the
// request and the service keeps no session state.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

var ErrEmptyReply = errors.New("generation service returned no text")

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	History []Turn `json:"history"`
	Message string `json:"message"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

var promptTmpl = template.Must(template.New("chat").Parse(`You are a helpful and friendly chatbot. Your name is {{.Name}}.

You are in a group chat. Respond to the user's message, taking into account the conversation history.
{{if .History}}
Conversation History:
{{range .History}}- {{.Role}}: {{.Content}}
{{end}}{{end}}
User's message:
{{.Message}}
`))

// RenderPrompt builds the single prompt sent to the model.
func RenderPrompt(name string, req Request) (string, error) {
	var buf bytes.Buffer
	err := promptTmpl.Execute(&buf, struct {
		Name string
		Request
	}{Name: name, Request: req})
	return buf.String(), err
}

type Client struct {
	endpoint string
	apiKey   string
	model    string
	name     string
	http     *http.Client
}

func NewClient(endpoint, apiKey, model, assistantName string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		name:     assistantName,
		http:     &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	History []Turn `json:"history"`
	Message string `json:"message"`
}

type generateResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if c.endpoint == "" {
		return "", errors.New("generation endpoint is not configured")
	}
	prompt, err := RenderPrompt(c.name, req)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		History: req.History,
		Message: req.Message,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generation service: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("generation service: %s", out.Error)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
