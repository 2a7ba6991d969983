package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	userCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
	guests    = flag.Int("guests", 10, "guests talking to the assistant")
)

type AuthResponse struct {
	Token string `json:"access_token"`
	User  struct {
		ID       string `json:"id"`
		SecretID string `json:"secret_id"`
	} `json:"user"`
}

type ConversationResponse struct {
	ID string `json:"id"`
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d users, %d guests, %d messages each...", *userCount*2, *guests, *msgCount)
	var wg sync.WaitGroup

	// Pairs: user 0 talks to user 1, user 2 talks to user 3...
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	for i := 0; i < *guests; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runGuest(id)
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	authA := authenticate(userA, pass)
	authB := authenticate(userB, pass)
	if authA == nil || authB == nil {
		return
	}

	convID := createConversation(authA.Token, authB.User.SecretID)
	if convID == "" {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, authA.Token, convID, userA)
	go spamChat(&wsWg, authB.Token, convID, userB)
	wsWg.Wait()
}

// runGuest signs in anonymously and chats with the assistant.
func runGuest(id int) {
	resp, err := postJSON("/auth/guest", "", nil)
	if err != nil {
		log.Printf("❌ Guest sign-in failed: %v", err)
		return
	}
	defer resp.Body.Close()
	var auth AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.Token == "" {
		log.Printf("❌ Guest sign-in failed: %d", resp.StatusCode)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	spamChat(&wg, auth.Token, "conv-assistant", fmt.Sprintf("guest_%d", id))
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) *AuthResponse {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON("/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", creds)
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return nil
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil
	}
	return &data
}

func createConversation(token, targetID string) string {
	resp, err := postJSON("/api/conversations", token, map[string]string{"target_id": targetID})
	if err != nil {
		log.Printf("❌ Create Chat Failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Create Chat Failed: %s", resp.Status)
		return ""
	}

	var data ConversationResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

func spamChat(wg *sync.WaitGroup, token, convID, user string) {
	defer wg.Done()

	q := url.Values{"token": {token}, "conversation_id": {convID}}
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL+"?"+q.Encode(), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	// Drain updates so the server never sees a stalled reader.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		frame := map[string]string{
			"type": "send",
			"text": fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	var body bytes.Buffer
	if data != nil {
		if err := json.NewEncoder(&body).Encode(data); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
