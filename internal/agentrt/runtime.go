package agentrt

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/lithammer/shortuuid/v3"

	"foreman/internal/model"
)

// Handle references a live agent conversation. Session is the runtime's own
// reference and is what gets persisted on the agent record.
type Handle struct {
	AgentID string `json:"agent_id"`
	Session string `json:"session"`
	Model   string `json:"model"`
	Workdir string `json:"workdir"`
}

type SpawnRequest struct {
	AgentID  string
	Type     model.AgentType
	Model    string
	Prompt   string
	Workdir  string
	MaxTurns int
}

// Message is one unit of agent output. Turn marks the end of an agent turn;
// Progress reports that the turn changed the work (edits, commits).
type Message struct {
	Text     string
	Turn     bool
	Progress bool
	// Tokens is the context size reported by the runtime, 0 when unknown.
	Tokens int
}

// MessageStream yields messages until Recv returns io.EOF.
type MessageStream interface {
	Recv() (Message, error)
	Close() error
}

type Runtime interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, MessageStream, error)
	Continue(ctx context.Context, handle Handle, message string) (MessageStream, error)
}

type Observer interface {
	OnMessage(agentID string, msg Message)
}

type ObserverFunc func(agentID string, msg Message)

func (f ObserverFunc) OnMessage(agentID string, msg Message) { f(agentID, msg) }

// Result summarizes a drained stream.
type Result struct {
	Output        string
	Turns         int
	ProgressTurns int
	// TurnsSinceProgress counts trailing turns without progress.
	TurnsSinceProgress int
	ContextTokens      int
}

// Drain reads stream to the end and closes it.
func Drain(ctx context.Context, agentID string, stream MessageStream, observer Observer) (Result, error) {
	defer stream.Close()
	var (
		out    Result
		output strings.Builder
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.Output = output.String()
			return out, err
		}
		if observer != nil {
			observer.OnMessage(agentID, msg)
		}
		if msg.Text != "" {
			output.WriteString(msg.Text)
			if !strings.HasSuffix(msg.Text, "\n") {
				output.WriteString("\n")
			}
		}
		if msg.Tokens > 0 {
			out.ContextTokens = msg.Tokens
		}
		if msg.Turn {
			out.Turns++
			if msg.Progress {
				out.ProgressTurns++
				out.TurnsSinceProgress = 0
			} else {
				out.TurnsSinceProgress++
			}
		}
	}
	out.Output = output.String()
	return out, nil
}

// NewAgentID returns a fresh agent identifier.
func NewAgentID() string {
	return "agent-" + shortuuid.New()
}

// sliceStream replays buffered messages.
type sliceStream struct {
	messages []Message
	next     int
}

func NewSliceStream(messages []Message) MessageStream {
	return &sliceStream{messages: messages}
}

func (s *sliceStream) Recv() (Message, error) {
	if s.next >= len(s.messages) {
		return Message{}, io.EOF
	}
	msg := s.messages[s.next]
	s.next++
	return msg, nil
}

func (s *sliceStream) Close() error { return nil }

// collect reads stream fully, keeping every message.
func collect(ctx context.Context, stream MessageStream) ([]Message, error) {
	defer stream.Close()
	out := []Message{}
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}
