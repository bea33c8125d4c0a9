package agentrt

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrTransient marks failures worth retrying: network blips, overloaded
// backends, 5xx responses.
var ErrTransient = errors.New("transient agent runtime failure")

type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "rate limited: " + e.Message
}

func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Retryable reports whether the wrappers should try the call again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || IsRateLimit(err)
}

var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]after[:= ]+(\d+)`)

// classifyOutput maps an agent CLI failure onto the error taxonomy using the
// tail of its output.
func classifyOutput(output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"), strings.Contains(lower, " 429"), strings.Contains(lower, "too many requests"):
		rl := &RateLimitError{Message: lastLine(output)}
		if m := retryAfterRegex.FindStringSubmatch(output); len(m) == 2 {
			if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
				rl.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rl
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "connection reset"), strings.Contains(lower, "timed out"),
		strings.Contains(lower, "503"), strings.Contains(lower, "502"), strings.Contains(lower, "econnrefused"):
		return fmt.Errorf("%w: %s: %v", ErrTransient, lastLine(output), err)
	}
	return err
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
