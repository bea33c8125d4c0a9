package signal

import (
	"regexp"
	"strconv"
	"strings"

	"foreman/internal/model"
)

type Signal string

const (
	Complete         Signal = "COMPLETE"
	NeedsReview      Signal = "NEEDS_REVIEW"
	Blocked          Signal = "BLOCKED"
	Waiting          Signal = "WAITING"
	CIFixed          Signal = "CI_FIXED"
	CIStillFailing   Signal = "CI_STILL_FAILING"
	ConflictResolved Signal = "CONFLICT_RESOLVED"
	ReviewPassed     Signal = "REVIEW_PASSED"
	ReviewFailed     Signal = "REVIEW_FAILED"
	ReviewPending    Signal = "REVIEW_PENDING"
)

var known = map[Signal]bool{
	Complete:         true,
	NeedsReview:      true,
	Blocked:          true,
	Waiting:          true,
	CIFixed:          true,
	CIStillFailing:   true,
	ConflictResolved: true,
	ReviewPassed:     true,
	ReviewFailed:     true,
	ReviewPending:    true,
}

func (s Signal) Known() bool {
	return known[s]
}

// Result is either a parsed signal with its fields or Unparseable.
type Result struct {
	Parsed bool              `json:"parsed"`
	Signal Signal            `json:"signal,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func Unparseable() Result {
	return Result{}
}

func (r Result) Is(s Signal) bool {
	return r.Parsed && r.Signal == s
}

func (r Result) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[strings.ToUpper(strings.TrimSpace(key))]
}

func (r Result) IntField(key string) (int, bool) {
	value, err := strconv.Atoi(strings.TrimSpace(r.Field(key)))
	if err != nil {
		return 0, false
	}
	return value, true
}

var (
	statusLineRegex = regexp.MustCompile(`(?i)^[\s>*_#-]*status[*_]*\s*:\s*[*_` + "`" + `]*\s*(\w+)`)
	fieldLineRegex  = regexp.MustCompile(`^[\s>*_-]*([A-Za-z][A-Za-z0-9_]*)[*_]*\s*:[*_]*\s?(.*)$`)
)

// Parse extracts the last recognised status marker from raw agent output together with
// the KEY: value lines that follow it. Capture stops at the first blank line
// outside a block scalar or at the end of output.
func Parse(output string) Result {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	start := -1
	var sig Signal
	for i := len(lines) - 1; i >= 0; i-- {
		match := statusLineRegex.FindStringSubmatch(lines[i])
		if match == nil || !Signal(strings.ToUpper(match[1])).Known() {
			continue
		}
		start = i
		sig = Signal(strings.ToUpper(match[1]))
		break
	}
	if start < 0 {
		return Unparseable()
	}
	return Result{Parsed: true, Signal: sig, Fields: parseFields(lines[start+1:])}
}

func parseFields(lines []string) map[string]string {
	fields := map[string]string{}
	lastKey := ""
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			break
		}
		match := fieldLineRegex.FindStringSubmatch(line)
		if match == nil {
			if lastKey != "" {
				fields[lastKey] = strings.TrimSpace(fields[lastKey] + "\n" + strings.TrimSpace(line))
			}
			continue
		}
		key := strings.ToUpper(match[1])
		if _, isSeverity := model.ParseIssueSeverity(key); isSeverity && lastKey == "ISSUES" {
			fields[lastKey] = strings.TrimSpace(fields[lastKey] + "\n" + strings.TrimSpace(line))
			continue
		}
		lastKey = key
		value := strings.TrimSpace(match[2])
		if value == "|" || value == ">" {
			block, consumed := readBlock(lines[i+1:], value == ">")
			fields[key] = block
			i += consumed
			continue
		}
		fields[key] = value
	}
	return fields
}

// readBlock reads an indented block scalar. Blank lines inside the block are
// kept as long as a later indented line continues it.
func readBlock(lines []string, folded bool) (string, int) {
	var collected []string
	consumed := 0
	indent := -1
	for consumed < len(lines) {
		line := lines[consumed]
		if strings.TrimSpace(line) == "" {
			if !nextIndented(lines[consumed+1:]) {
				break
			}
			collected = append(collected, "")
			consumed++
			continue
		}
		lineIndent := len(line) - len(strings.TrimLeft(line, " \t"))
		if lineIndent == 0 {
			break
		}
		if indent < 0 || lineIndent < indent {
			indent = lineIndent
		}
		collected = append(collected, line)
		consumed++
	}
	for i, line := range collected {
		if len(line) >= indent && indent > 0 {
			collected[i] = line[indent:]
		}
	}
	sep := "\n"
	if folded {
		sep = " "
	}
	return strings.TrimRight(strings.Join(collected, sep), " \n"), consumed
}

func nextIndented(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
	}
	return false
}

var issueLineRegex = regexp.MustCompile(`(?i)^\s*(?:[-*]\s*)?\[?(CRITICAL|HIGH|MEDIUM|LOW)\b\]?\s*[:\-]?\s*(.+)$`)

// ParseIssues reads review issues written one per line as "- [HIGH] text" or
// "HIGH: text".
func ParseIssues(text string) []model.ReviewIssue {
	var issues []model.ReviewIssue
	for _, line := range strings.Split(text, "\n") {
		match := issueLineRegex.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		severity, ok := model.ParseIssueSeverity(match[1])
		if !ok {
			continue
		}
		body := strings.TrimSpace(match[2])
		if body == "" {
			continue
		}
		issues = append(issues, model.ReviewIssue{Severity: severity, Text: body})
	}
	return issues
}

// Review builds a review verdict from reviewer output. REVIEW_PASSED and
// REVIEW_FAILED imply a verdict when no VERDICT field is present.
func Review(r Result) (model.CodeReviewResult, bool) {
	if !r.Parsed {
		return model.CodeReviewResult{}, false
	}
	verdict, ok := model.ParseReviewVerdict(r.Field("VERDICT"))
	if !ok {
		switch r.Signal {
		case ReviewPassed:
			verdict, ok = model.VerdictApproved, true
		case ReviewFailed:
			verdict, ok = model.VerdictChangesRequested, true
		}
	}
	if !ok {
		return model.CodeReviewResult{}, false
	}
	review := model.CodeReviewResult{
		Verdict:  verdict,
		Issues:   ParseIssues(r.Field("ISSUES")),
		Feedback: r.Field("FEEDBACK_FOR_AGENT"),
	}
	if review.Feedback == "" {
		review.Feedback = r.Field("FEEDBACK")
	}
	if iteration, ok := r.IntField("ITERATION"); ok {
		review.Iteration = iteration
	}
	return review, true
}
