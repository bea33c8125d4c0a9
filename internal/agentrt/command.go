package agentrt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"foreman/internal/policy"
	"foreman/internal/tokens"
)

// CommandRuntime runs an agent CLI through bash, one process per turn. The
// prompt goes through a file so templates can redirect it to stdin.
type CommandRuntime struct {
	agent     policy.Agent
	promptDir string
	counter   *tokens.Counter

	mu      sync.Mutex
	context map[string]int
}

func NewCommandRuntime(agent policy.Agent, promptDir string) *CommandRuntime {
	return &CommandRuntime{
		agent:     agent,
		promptDir: promptDir,
		counter:   tokens.Default(),
		context:   map[string]int{},
	}
}

var _ Runtime = (*CommandRuntime)(nil)

func (c *CommandRuntime) Spawn(ctx context.Context, req SpawnRequest) (Handle, MessageStream, error) {
	handle := Handle{
		AgentID: req.AgentID,
		Session: uuid.NewString(),
		Model:   req.Model,
		Workdir: req.Workdir,
	}
	stream, err := c.run(ctx, handle, c.agent.Command, req.Prompt)
	if err != nil {
		return handle, nil, err
	}
	return handle, stream, nil
}

func (c *CommandRuntime) Continue(ctx context.Context, handle Handle, message string) (MessageStream, error) {
	template := c.agent.ResumeCommand
	if strings.TrimSpace(template) == "" {
		template = c.agent.Command
	}
	return c.run(ctx, handle, template, message)
}

func (c *CommandRuntime) run(ctx context.Context, handle Handle, template string, prompt string) (MessageStream, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("agent %q has no command configured", c.agent.Name)
	}
	if err := os.MkdirAll(c.promptDir, 0o755); err != nil {
		return nil, fmt.Errorf("create prompt dir: %w", err)
	}
	promptFile, err := os.CreateTemp(c.promptDir, policy.SanitizeToken(handle.AgentID)+"-*.md")
	if err != nil {
		return nil, fmt.Errorf("create prompt file: %w", err)
	}
	if _, err := promptFile.WriteString(prompt); err != nil {
		promptFile.Close()
		return nil, fmt.Errorf("write prompt file: %w", err)
	}
	if err := promptFile.Close(); err != nil {
		return nil, fmt.Errorf("close prompt file: %w", err)
	}

	command := policy.RenderCommand(template, map[string]string{
		"model":       shellQuote(handle.Model),
		"prompt_file": shellQuote(promptFile.Name()),
		"workdir":     shellQuote(handle.Workdir),
		"session":     shellQuote(handle.Session),
	})
	before := worktreeFingerprint(ctx, handle.Workdir)

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, "bash", "-lc", command)
	cmd.Dir = handle.Workdir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr := &tailBuffer{limit: 8 << 10}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent %s: %w", c.agent.Name, err)
	}
	c.addContext(handle.Session, c.counter.Count(prompt))

	stream := &commandStream{items: make(chan streamItem), done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(stream.items)
		defer cancel()
		defer os.Remove(promptFile.Name())
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		tail := &tailBuffer{limit: 8 << 10}
		for scanner.Scan() {
			line := scanner.Text()
			tail.WriteString(line + "\n")
			c.addContext(handle.Session, c.counter.Count(line))
			if !stream.send(streamItem{msg: Message{Text: line}}) {
				_ = cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil {
			stream.send(streamItem{err: classifyOutput(tail.String()+stderr.String(), fmt.Errorf("agent %s: %w", c.agent.Name, err))})
			return
		}
		after := worktreeFingerprint(ctx, handle.Workdir)
		stream.send(streamItem{msg: Message{
			Turn:     true,
			Progress: before != after,
			Tokens:   c.contextTokens(handle.Session),
		}})
	}()
	return stream, nil
}

func (c *CommandRuntime) addContext(session string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context[session] += n
}

func (c *CommandRuntime) contextTokens(session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.context[session]
}

type streamItem struct {
	msg Message
	err error
}

type commandStream struct {
	items  chan streamItem
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

func (s *commandStream) send(item streamItem) bool {
	select {
	case s.items <- item:
		return true
	case <-s.done:
		return false
	}
}

func (s *commandStream) Recv() (Message, error) {
	item, ok := <-s.items
	if !ok {
		return Message{}, io.EOF
	}
	if item.err != nil {
		return Message{}, item.err
	}
	return item.msg, nil
}

func (s *commandStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// worktreeFingerprint changes whenever HEAD moves or the working tree is
// edited. It is empty outside a git checkout.
func worktreeFingerprint(ctx context.Context, dir string) string {
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	head, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	status, err := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(head)) + "\n" + string(status)
}

type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; t.limit > 0 && over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) WriteString(s string) {
	_, _ = t.Write([]byte(s))
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}

// PromptDir is where prompt files for a repository are written.
func PromptDir(repoRoot string) string {
	return filepath.Join(repoRoot, ".foreman", "prompts")
}
