package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/internal/model"
)

func writeEpic(t *testing.T, root string, rel string, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func refs(plan Plan) []string {
	out := []string{}
	for _, ref := range plan.Queue() {
		out = append(out, ref.String())
	}
	return out
}

func TestDiscoverOrdersByDependenciesThenDeclaration(t *testing.T) {
	root := t.TempDir()
	writeEpic(t, root, "epics/01-auth.yaml", `id: AUTH
title: Authentication
stories:
  - id: LOGIN
    title: Login form
    depends_on: [SESSION]
    acceptance_criteria:
      - Form renders
      - "[x] Errors shown"
    files: [web/login.go]
  - id: SESSION
    title: Session store
    acceptance_criteria:
      - text: Sessions persist
        done: false
`)
	writeEpic(t, root, "epics/02-billing.md", `# Epic BILL: Billing

## Story INVOICE: Invoice list
Depends on: AUTH/LOGIN
Files: billing/invoice.go, billing/list.go
Render the invoice list.
- [ ] Lists invoices
- [x] Paginates

## Story EXPORT: CSV export
- [ ] Exports CSV
`)

	plan, err := New(root, nil).Discover(context.Background(), "epics/**/*.{yaml,md}")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	got := strings.Join(refs(plan), ",")
	want := "AUTH/SESSION,AUTH/LOGIN,BILL/INVOICE,BILL/EXPORT"
	if got != want {
		t.Fatalf("expected order %s, got %s", want, got)
	}

	login := plan.Items[1]
	if len(login.AcceptanceCriteria) != 2 || !login.AcceptanceCriteria[1].Done || login.AcceptanceCriteria[1].Text != "Errors shown" {
		t.Fatalf("unexpected login criteria %+v", login.AcceptanceCriteria)
	}
	invoice := plan.Items[2]
	if len(invoice.DependsOn) != 1 || invoice.DependsOn[0] != (model.WorkRef{EpicID: "AUTH", StoryID: "LOGIN"}) {
		t.Fatalf("unexpected invoice dependencies %+v", invoice.DependsOn)
	}
	if len(invoice.Files) != 2 || invoice.Description != "Render the invoice list." {
		t.Fatalf("unexpected invoice details %+v", invoice)
	}
	if plan.Digest == "" || invoice.SourceDigest == "" {
		t.Fatalf("expected digests to be set")
	}
	if depth := plan.Graph.Depth(invoice.Ref()); depth != 2 {
		t.Fatalf("expected invoice dependency depth 2, got %d", depth)
	}
}

func TestDiscoverCyclicDependency(t *testing.T) {
	root := t.TempDir()
	writeEpic(t, root, "epics/e1.yaml", `id: E1
stories:
  - id: A
    depends_on: [B]
  - id: B
    depends_on: [A]
`)
	plan, err := New(root, nil).Discover(context.Background(), "epics/*.yaml")
	if err == nil {
		t.Fatalf("expected cyclic dependency error")
	}
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	var cyclic *CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("expected *CyclicDependencyError, got %T", err)
	}
	if !strings.Contains(err.Error(), "E1/A -> E1/B -> E1/A") {
		t.Fatalf("expected cycle path in error, got %v", err)
	}
	if len(plan.Items) != 0 {
		t.Fatalf("expected empty queue on cycle, got %d items", len(plan.Items))
	}
}

func TestDiscoverUnknownDependency(t *testing.T) {
	root := t.TempDir()
	writeEpic(t, root, "epics/e1.yaml", "id: E1\nstories:\n  - id: A\n    depends_on: [Z]\n")
	_, err := New(root, nil).Discover(context.Background(), "epics/*.yaml")
	if err == nil || !strings.Contains(err.Error(), "unknown story E1/Z") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestDiscoverIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeEpic(t, root, "epics/a.yaml", "id: A\nstories:\n  - id: S1\n  - id: S2\n")
	writeEpic(t, root, "epics/b.yaml", "id: B\nstories:\n  - id: S1\n")
	p := New(root, nil)
	first, err := p.Discover(context.Background(), "epics/*.yaml")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	second, err := p.Discover(context.Background(), "epics/*.yaml")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if first.Digest != second.Digest {
		t.Fatalf("expected identical digests across runs")
	}
	if strings.Join(refs(first), ",") != "A/S1,A/S2,B/S1" {
		t.Fatalf("unexpected order %v", refs(first))
	}
}

func TestReadCriteriaSeesWorktreeEdits(t *testing.T) {
	root := t.TempDir()
	writeEpic(t, root, "epics/e1.md", "# Epic E1: One\n\n## Story S1: First\n- [ ] Does the thing\n- [ ] Has tests\n")
	plan, err := New(root, nil).Discover(context.Background(), "epics/*.md")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	writeEpic(t, root, "epics/e1.md", "# Epic E1: One\n\n## Story S1: First\n- [x] Does the thing\n- [ ] Has tests\n")
	criteria, err := ReadCriteria(root, plan.Items[0])
	if err != nil {
		t.Fatalf("read criteria: %v", err)
	}
	if len(criteria) != 2 || !criteria[0].Done || criteria[1].Done {
		t.Fatalf("unexpected criteria %+v", criteria)
	}
}

func TestGraphReadyAndDependents(t *testing.T) {
	items := []model.WorkItem{
		{EpicID: "E", StoryID: "A", StoryIndex: 0},
		{EpicID: "E", StoryID: "B", StoryIndex: 1, DependsOn: []model.WorkRef{{EpicID: "E", StoryID: "A"}}},
		{EpicID: "E", StoryID: "C", StoryIndex: 2, DependsOn: []model.WorkRef{{EpicID: "E", StoryID: "B"}}},
		{EpicID: "E", StoryID: "D", StoryIndex: 3},
	}
	graph, err := NewGraph(items)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	a := model.WorkRef{EpicID: "E", StoryID: "A"}
	status := map[model.WorkRef]model.StoryStatus{a: model.StoryDone}
	for _, id := range []string{"B", "C", "D"} {
		status[model.WorkRef{EpicID: "E", StoryID: id}] = model.StoryQueued
	}
	ready := graph.Ready(status)
	if len(ready) != 2 || ready[0].StoryID != "B" || ready[1].StoryID != "D" {
		t.Fatalf("unexpected ready set %v", ready)
	}
	dependents := graph.Dependents(a)
	if len(dependents) != 2 || dependents[0].StoryID != "B" || dependents[1].StoryID != "C" {
		t.Fatalf("unexpected dependents %v", dependents)
	}
}
