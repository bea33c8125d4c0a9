package planner

import (
	"bufio"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"foreman/internal/model"
)

type epicDoc struct {
	ID      string     `yaml:"id"`
	Title   string     `yaml:"title"`
	Stories []storyDoc `yaml:"stories"`
}

type storyDoc struct {
	ID                 string      `yaml:"id"`
	Title              string      `yaml:"title"`
	Description        string      `yaml:"description"`
	AcceptanceCriteria []criterion `yaml:"acceptance_criteria"`
	Files              []string    `yaml:"files"`
	DependsOn          []string    `yaml:"depends_on"`
}

// criterion accepts either "text", "[x] text" or {text: ..., done: true}.
type criterion struct {
	Text string `yaml:"text"`
	Done bool   `yaml:"done"`
}

func (c *criterion) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Text, c.Done = splitCheckbox(node.Value)
		return nil
	}
	type plain criterion
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = criterion(out)
	c.Text = strings.TrimSpace(c.Text)
	return nil
}

var checkboxPrefix = regexp.MustCompile(`^\[([ xX])\]\s*`)

func splitCheckbox(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	match := checkboxPrefix.FindStringSubmatch(raw)
	if match == nil {
		return raw, false
	}
	return strings.TrimSpace(raw[len(match[0]):]), strings.EqualFold(match[1], "x")
}

func parseEpicFile(path string, content []byte) (epicDoc, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc epicDoc
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return epicDoc{}, errors.Wrapf(err, "parse epic %s", path)
		}
		if strings.TrimSpace(doc.ID) == "" {
			doc.ID = fileStem(path)
		}
		return doc, nil
	case ".md", ".markdown":
		return parseMarkdownEpic(path, string(content))
	}
	return epicDoc{}, errors.Errorf("unsupported epic file type %s", path)
}

var (
	epicHeading   = regexp.MustCompile(`^#\s+(?:Epic\s+)?([A-Za-z0-9][\w.-]*)\s*(?::\s*(.*))?$`)
	storyHeading  = regexp.MustCompile(`^##\s+(?:Story\s+)?([A-Za-z0-9][\w.-]*)\s*(?::\s*(.*))?$`)
	checklistLine = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s+(.+)$`)
	dependsLine   = regexp.MustCompile(`(?i)^\s*depends[\s_-]*on\s*:\s*(.*)$`)
	filesLine     = regexp.MustCompile(`(?i)^\s*files\s*:\s*(.*)$`)
)

// parseMarkdownEpic reads "# Epic ID: title" followed by "## Story ID: title"
// sections holding checkbox criteria and optional Depends on / Files lines.
func parseMarkdownEpic(path string, content string) (epicDoc, error) {
	doc := epicDoc{}
	var current *storyDoc
	var description []string
	flush := func() {
		if current == nil {
			return
		}
		current.Description = strings.TrimSpace(strings.Join(description, "\n"))
		doc.Stories = append(doc.Stories, *current)
		current = nil
		description = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if match := storyHeading.FindStringSubmatch(line); match != nil {
			flush()
			current = &storyDoc{ID: match[1], Title: strings.TrimSpace(match[2])}
			continue
		}
		if match := epicHeading.FindStringSubmatch(line); match != nil && doc.ID == "" {
			doc.ID = match[1]
			doc.Title = strings.TrimSpace(match[2])
			continue
		}
		if current == nil {
			continue
		}
		if match := checklistLine.FindStringSubmatch(line); match != nil {
			current.AcceptanceCriteria = append(current.AcceptanceCriteria, criterion{
				Text: strings.TrimSpace(match[2]),
				Done: strings.EqualFold(match[1], "x"),
			})
			continue
		}
		if match := dependsLine.FindStringSubmatch(line); match != nil {
			current.DependsOn = append(current.DependsOn, splitList(match[1])...)
			continue
		}
		if match := filesLine.FindStringSubmatch(line); match != nil {
			current.Files = append(current.Files, splitList(match[1])...)
			continue
		}
		description = append(description, line)
	}
	if err := scanner.Err(); err != nil {
		return epicDoc{}, errors.Wrapf(err, "read epic %s", path)
	}
	flush()
	if doc.ID == "" {
		doc.ID = fileStem(path)
	}
	return doc, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		part = strings.Trim(strings.TrimSpace(part), "`")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// resolveDependency turns "S2" into a reference inside epicID and keeps
// "E2/S3" as a cross-epic reference.
func resolveDependency(epicID string, raw string) model.WorkRef {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		if ref, err := model.ParseWorkRef(raw); err == nil {
			return ref
		}
	}
	return model.WorkRef{EpicID: epicID, StoryID: raw}
}
