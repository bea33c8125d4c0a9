package tokens

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens with tiktoken, falling back to a character heuristic
// when the BPE ranks cannot be loaded (offline machines).
type Counter struct {
	encoder  *tiktoken.Tiktoken
	encoding string
	fallback bool
	mu       sync.Mutex
}

var (
	defaultCounter     *Counter
	defaultCounterOnce sync.Once
)

func Default() *Counter {
	defaultCounterOnce.Do(func() {
		defaultCounter = New("cl100k_base")
	})
	return defaultCounter
}

func New(encoding string) *Counter {
	c := &Counter{encoding: encoding}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		c.fallback = true
		return c
	}
	c.encoder = enc
	return c
}

func ForModel(model string) *Counter {
	return New(EncodingForModel(model))
}

func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.fallback || c.encoder == nil {
		return Estimate(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

func (c *Counter) Precise() bool {
	return !c.fallback && c.encoder != nil
}

func (c *Counter) Encoding() string {
	return c.encoding
}

// Estimate is roughly four characters per token, at least one token for
// non-empty text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len([]rune(text)) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func EncodingForModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "gpt-5"):
		return "o200k_base"
	}
	return "cl100k_base"
}
