package openairt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"foreman/internal/agentrt"
)

const systemPrompt = "You are a software engineering agent working in a git worktree. " +
	"Finish every reply with a STATUS line (COMPLETE, NEEDS_REVIEW, BLOCKED, WAITING, CI_FIXED or CI_STILL_FAILING) followed by KEY: value fields."

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Runtime talks to an OpenAI-compatible chat completions endpoint. Each handle
// keeps its own conversation history so Continue sees the whole exchange.
type Runtime struct {
	client *openai.Client

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

func New(cfg Config) *Runtime {
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	config.HTTPClient = httpClient
	return &Runtime{
		client:  openai.NewClientWithConfig(config),
		history: map[string][]openai.ChatCompletionMessage{},
	}
}

var _ agentrt.Runtime = (*Runtime)(nil)

func (r *Runtime) Spawn(ctx context.Context, req agentrt.SpawnRequest) (agentrt.Handle, agentrt.MessageStream, error) {
	handle := agentrt.Handle{
		AgentID: req.AgentID,
		Session: uuid.NewString(),
		Model:   req.Model,
		Workdir: req.Workdir,
	}
	r.mu.Lock()
	r.history[handle.Session] = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	r.mu.Unlock()
	stream, err := r.turn(ctx, handle, req.Prompt)
	if err != nil {
		return handle, nil, err
	}
	return handle, stream, nil
}

func (r *Runtime) Continue(ctx context.Context, handle agentrt.Handle, message string) (agentrt.MessageStream, error) {
	r.mu.Lock()
	_, ok := r.history[handle.Session]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent session %s", handle.Session)
	}
	return r.turn(ctx, handle, message)
}

func (r *Runtime) turn(ctx context.Context, handle agentrt.Handle, prompt string) (agentrt.MessageStream, error) {
	r.mu.Lock()
	messages := append([]openai.ChatCompletionMessage(nil), r.history[handle.Session]...)
	r.mu.Unlock()
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    handle.Model,
		Messages: messages,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", agentrt.ErrTransient)
	}
	reply := resp.Choices[0].Message
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply.Content})

	r.mu.Lock()
	r.history[handle.Session] = messages
	r.mu.Unlock()

	return agentrt.NewSliceStream([]agentrt.Message{
		{Text: reply.Content},
		{Turn: true, Progress: strings.TrimSpace(reply.Content) != "", Tokens: resp.Usage.TotalTokens},
	}), nil
}

// Forget drops the conversation of a finished agent.
func (r *Runtime) Forget(handle agentrt.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, handle.Session)
}

func classify(err error) error {
	status := 0
	message := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &agentrt.RateLimitError{Message: message}
	case status >= 500:
		return fmt.Errorf("%w: %s", agentrt.ErrTransient, message)
	}
	return fmt.Errorf("chat completion: %w", err)
}
