package planner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"foreman/internal/model"
)

// Plan is the ordered work queue produced by discovery. Items are in
// execution order.
type Plan struct {
	Items   []model.WorkItem `json:"items"`
	Sources []string         `json:"sources"`
	Digest  string           `json:"digest"`
	Graph   *Graph           `json:"-"`
}

func (p Plan) Queue() []model.WorkRef {
	out := make([]model.WorkRef, 0, len(p.Items))
	for _, item := range p.Items {
		out = append(out, item.Ref())
	}
	return out
}

type Planner struct {
	root   string
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{root: root, logger: logger}
}

// Discover expands pattern relative to the repository root, parses every
// matched epic and orders the stories. It never mutates persisted state, so a
// dry run is simply a Discover whose result is not queued.
func (p *Planner) Discover(ctx context.Context, pattern string) (Plan, error) {
	pattern = strings.TrimSpace(filepath.ToSlash(pattern))
	if pattern == "" {
		return Plan{}, errors.New("epic pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return Plan{}, errors.Errorf("invalid epic pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(p.root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return Plan{}, errors.Wrapf(err, "glob %s", pattern)
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		p.logger.Warn("no epic files matched", "pattern", pattern, "root", p.root)
	}

	var items []model.WorkItem
	for epicIndex, rel := range matches {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		content, err := fs.ReadFile(os.DirFS(p.root), rel)
		if err != nil {
			return Plan{}, errors.Wrapf(err, "read epic %s", rel)
		}
		doc, err := parseEpicFile(rel, content)
		if err != nil {
			return Plan{}, err
		}
		items = append(items, itemsFromEpic(doc, rel, epicIndex)...)
	}

	graph, err := NewGraph(items)
	if err != nil {
		return Plan{Items: []model.WorkItem{}, Sources: matches}, err
	}
	plan := Plan{Sources: matches, Graph: graph}
	digest := blake3.New()
	for _, ref := range graph.Order() {
		item, _ := graph.Item(ref)
		plan.Items = append(plan.Items, item)
		_, _ = digest.Write([]byte(item.SourceDigest))
	}
	if plan.Items == nil {
		plan.Items = []model.WorkItem{}
	}
	plan.Digest = hex.EncodeToString(digest.Sum(nil))
	p.logger.Info("plan discovered", "pattern", pattern, "epics", len(matches), "stories", len(plan.Items), "digest", plan.Digest[:12])
	return plan, nil
}

func itemsFromEpic(doc epicDoc, source string, epicIndex int) []model.WorkItem {
	items := make([]model.WorkItem, 0, len(doc.Stories))
	for storyIndex, story := range doc.Stories {
		item := model.WorkItem{
			EpicID:      doc.ID,
			StoryID:     strings.TrimSpace(story.ID),
			EpicIndex:   epicIndex,
			StoryIndex:  storyIndex,
			Title:       story.Title,
			Description: story.Description,
			Files:       story.Files,
			SourcePath:  source,
			Status:      model.StoryQueued,
		}
		for _, c := range story.AcceptanceCriteria {
			if c.Text == "" {
				continue
			}
			item.AcceptanceCriteria = append(item.AcceptanceCriteria, model.Criterion{Text: c.Text, Done: c.Done})
		}
		for _, dep := range story.DependsOn {
			if strings.TrimSpace(dep) == "" {
				continue
			}
			item.DependsOn = append(item.DependsOn, resolveDependency(doc.ID, dep))
		}
		item.SourceDigest = storyDigest(item)
		items = append(items, item)
	}
	return items
}

func storyDigest(item model.WorkItem) string {
	canonical, _ := json.Marshal(struct {
		Ref         string            `json:"ref"`
		Title       string            `json:"title"`
		Description string            `json:"description"`
		Criteria    []model.Criterion `json:"criteria"`
		Files       []string          `json:"files"`
		DependsOn   []model.WorkRef   `json:"depends_on"`
	}{item.Ref().String(), item.Title, item.Description, item.AcceptanceCriteria, item.Files, item.DependsOn})
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ReadCriteria re-reads the acceptance criteria of item from its epic file
// under root, typically the agent's worktree, so ticked checkboxes count.
func ReadCriteria(root string, item model.WorkItem) ([]model.Criterion, error) {
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(item.SourcePath)))
	if err != nil {
		return nil, errors.Wrapf(err, "read story source %s", item.SourcePath)
	}
	doc, err := parseEpicFile(item.SourcePath, content)
	if err != nil {
		return nil, err
	}
	for _, story := range doc.Stories {
		if strings.TrimSpace(story.ID) != item.StoryID {
			continue
		}
		out := make([]model.Criterion, 0, len(story.AcceptanceCriteria))
		for _, c := range story.AcceptanceCriteria {
			if c.Text == "" {
				continue
			}
			out = append(out, model.Criterion{Text: c.Text, Done: c.Done})
		}
		return out, nil
	}
	return nil, errors.Errorf("story %s not found in %s", item.Ref(), item.SourcePath)
}
