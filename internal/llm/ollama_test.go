package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manabu-ai/manabu/internal/config"
)

func newTestChat(baseURL string) *OllamaChat {
	return NewOllamaChat(&config.LLMConfig{
		BaseURL:        baseURL,
		Model:          "test-model",
		Temperature:    0.1,
		MaxTokens:      100,
		TimeoutSeconds: 5,
	})
}

func TestChat(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: RoleAssistant, Content: "the midterm is on March 3rd [Source: dates.txt]"},
			Done:    true,
		})
	}))
	defer srv.Close()

	chat := newTestChat(srv.URL)
	reply, err := chat.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "answer from context only"},
		{Role: RoleUser, Content: "when is the midterm?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "March 3rd") {
		t.Errorf("reply = %q", reply)
	}
	if gotReq.Model != "test-model" || gotReq.Stream {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != RoleSystem {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Options == nil || gotReq.Options.NumPredict != 100 {
		t.Errorf("options = %+v", gotReq.Options)
	}
}

func TestChatStream(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		enc := json.NewEncoder(w)
		enc.Encode(chatResponse{Message: Message{Role: RoleAssistant, Content: "The midterm "}})
		enc.Encode(chatResponse{Message: Message{Role: RoleAssistant, Content: "is on March 3rd."}})
		enc.Encode(chatResponse{Done: true})
	}))
	defer srv.Close()

	var deltas []string
	reply, err := newTestChat(srv.URL).ChatStream(context.Background(),
		[]Message{{Role: RoleUser, Content: "when is the midterm?"}},
		func(delta string) { deltas = append(deltas, delta) })
	if err != nil {
		t.Fatal(err)
	}
	if !gotReq.Stream {
		t.Error("request must enable streaming")
	}
	if reply != "The midterm is on March 3rd." {
		t.Errorf("reply = %q", reply)
	}
	if len(deltas) != 2 || deltas[0] != "The midterm " {
		t.Errorf("deltas = %q", deltas)
	}
}

func TestChatStream_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	called := false
	_, err := newTestChat(srv.URL).ChatStream(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}},
		func(string) { called = true })
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("no deltas must be delivered on a failed request")
	}
}

func TestChat_RetriesOnceOnFailure(t *testing.T) {
	old := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = old }()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "model loading", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "recovered"}})
	}))
	defer srv.Close()

	reply, err := newTestChat(srv.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls)
	}
}

func TestChat_FailsAfterRetry(t *testing.T) {
	old := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = old }()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestChat(srv.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestChat_CancelledContextDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestChat(srv.URL).Chat(ctx, []Message{{Role: RoleUser, Content: "q"}}); err == nil {
		t.Fatal("expected error")
	}
	if calls > 1 {
		t.Errorf("cancelled context must not retry, got %d calls", calls)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newTestChat(srv.URL).Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
