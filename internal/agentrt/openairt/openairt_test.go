package openairt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"foreman/internal/agentrt"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30},
	})
	return string(body)
}

func TestSpawnAndContinueKeepHistory(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []chatRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = w.Write([]byte(completion("Done.\nSTATUS: COMPLETE")))
			return
		}
		_, _ = w.Write([]byte(completion("Fixed.\nSTATUS: NEEDS_REVIEW")))
	}))
	defer server.Close()

	rt := New(Config{BaseURL: server.URL + "/v1", APIKey: "test"})
	handle, stream, err := rt.Spawn(context.Background(), agentrt.SpawnRequest{AgentID: "agent-1", Model: "gpt-4o-mini", Prompt: "implement E1/S1"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	result, err := agentrt.Drain(context.Background(), handle.AgentID, stream, nil)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !strings.Contains(result.Output, "STATUS: COMPLETE") || result.ContextTokens != 30 || result.Turns != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	stream, err = rt.Continue(context.Background(), handle, "address review")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if _, err := agentrt.Drain(context.Background(), handle.AgentID, stream, nil); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("expected two requests, got %d", len(requests))
	}
	second := requests[1]
	if len(second.Messages) != 4 {
		t.Fatalf("expected system, user, assistant, user in history, got %+v", second.Messages)
	}
	if second.Messages[2].Role != "assistant" || second.Messages[3].Content != "address review" {
		t.Fatalf("unexpected history %+v", second.Messages)
	}
}

func TestRateLimitAndServerErrorsAreClassified(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":"rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	rt := New(Config{BaseURL: server.URL + "/v1", APIKey: "test"})
	_, _, err := rt.Spawn(context.Background(), agentrt.SpawnRequest{AgentID: "agent-1", Model: "m", Prompt: "p"})
	if !agentrt.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	status = http.StatusServiceUnavailable
	_, _, err = rt.Spawn(context.Background(), agentrt.SpawnRequest{AgentID: "agent-1", Model: "m", Prompt: "p"})
	if !errors.Is(err, agentrt.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestContinueUnknownSession(t *testing.T) {
	rt := New(Config{APIKey: "test"})
	if _, err := rt.Continue(context.Background(), agentrt.Handle{Session: "missing"}, "hi"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}
