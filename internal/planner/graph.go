package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"foreman/internal/model"
)

var ErrCyclicDependency = errors.New("cyclic dependency")

type CyclicDependencyError struct {
	Cycle []model.WorkRef
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, 0, len(e.Cycle))
	for _, ref := range e.Cycle {
		parts = append(parts, ref.String())
	}
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(parts, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}

// Graph is the story dependency graph of one plan.
type Graph struct {
	order        []model.WorkRef
	items        map[model.WorkRef]model.WorkItem
	dependencies map[model.WorkRef][]model.WorkRef
	dependents   map[model.WorkRef][]model.WorkRef
}

func NewGraph(items []model.WorkItem) (*Graph, error) {
	g := &Graph{
		items:        make(map[model.WorkRef]model.WorkItem, len(items)),
		dependencies: make(map[model.WorkRef][]model.WorkRef, len(items)),
		dependents:   make(map[model.WorkRef][]model.WorkRef, len(items)),
	}
	for _, item := range items {
		ref := item.Ref()
		if ref.EpicID == "" || ref.StoryID == "" {
			return nil, errors.Errorf("story id cannot be empty (epic %q)", item.EpicID)
		}
		if _, exists := g.items[ref]; exists {
			return nil, errors.Errorf("duplicate story %s", ref)
		}
		g.items[ref] = item
		g.dependencies[ref] = append([]model.WorkRef(nil), item.DependsOn...)
	}
	for _, ref := range sortedRefs(g.items) {
		for _, dep := range g.dependencies[ref] {
			if _, exists := g.items[dep]; !exists {
				return nil, errors.Errorf("story %s depends on unknown story %s", ref, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], ref)
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}
	g.order = g.topologicalOrder()
	return g, nil
}

// Order returns the stories topologically sorted, ties broken by epic
// declaration order then story index.
func (g *Graph) Order() []model.WorkRef {
	return append([]model.WorkRef(nil), g.order...)
}

func (g *Graph) Item(ref model.WorkRef) (model.WorkItem, bool) {
	item, ok := g.items[ref]
	return item, ok
}

func (g *Graph) DependenciesOf(ref model.WorkRef) []model.WorkRef {
	return append([]model.WorkRef(nil), g.dependencies[ref]...)
}

// Dependents returns every story that transitively depends on ref, in plan order.
func (g *Graph) Dependents(ref model.WorkRef) []model.WorkRef {
	seen := map[model.WorkRef]bool{}
	stack := append([]model.WorkRef(nil), g.dependents[ref]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.dependents[next]...)
	}
	out := make([]model.WorkRef, 0, len(seen))
	for _, candidate := range g.order {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// Depth is the length of the longest dependency chain below ref.
func (g *Graph) Depth(ref model.WorkRef) int {
	memo := map[model.WorkRef]int{}
	var depth func(model.WorkRef) int
	depth = func(current model.WorkRef) int {
		if value, ok := memo[current]; ok {
			return value
		}
		best := 0
		for _, dep := range g.dependencies[current] {
			if d := depth(dep) + 1; d > best {
				best = d
			}
		}
		memo[current] = best
		return best
	}
	return depth(ref)
}

// Ready returns queued stories whose dependencies are all done, in plan order.
func (g *Graph) Ready(status map[model.WorkRef]model.StoryStatus) []model.WorkRef {
	ready := []model.WorkRef{}
	for _, ref := range g.order {
		if status[ref] != model.StoryQueued {
			continue
		}
		satisfied := true
		for _, dep := range g.dependencies[ref] {
			if status[dep] != model.StoryDone {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, ref)
		}
	}
	return ready
}

func (g *Graph) less(a, b model.WorkRef) bool {
	left, right := g.items[a], g.items[b]
	if left.EpicIndex != right.EpicIndex {
		return left.EpicIndex < right.EpicIndex
	}
	return left.StoryIndex < right.StoryIndex
}

func (g *Graph) topologicalOrder() []model.WorkRef {
	remaining := make(map[model.WorkRef]int, len(g.items))
	for ref, deps := range g.dependencies {
		remaining[ref] = len(deps)
	}
	available := []model.WorkRef{}
	for ref, count := range remaining {
		if count == 0 {
			available = append(available, ref)
		}
	}
	order := make([]model.WorkRef, 0, len(g.items))
	for len(available) > 0 {
		sort.Slice(available, func(i, j int) bool { return g.less(available[i], available[j]) })
		next := available[0]
		available = available[1:]
		order = append(order, next)
		for _, dependent := range g.dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				available = append(available, dependent)
			}
		}
	}
	return order
}

func (g *Graph) findCycle() []model.WorkRef {
	const (
		visitUnseen = iota
		visitPending
		visitDone
	)

	visitState := make(map[model.WorkRef]int, len(g.items))
	stack := make([]model.WorkRef, 0, len(g.items))

	var cycle []model.WorkRef
	var dfs func(ref model.WorkRef) bool
	dfs = func(ref model.WorkRef) bool {
		switch visitState[ref] {
		case visitDone:
			return false
		case visitPending:
			start := 0
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == ref {
					start = i
					break
				}
			}
			cycle = append(cycle, stack[start:]...)
			cycle = append(cycle, ref)
			return true
		}

		visitState[ref] = visitPending
		stack = append(stack, ref)
		for _, dep := range g.dependencies[ref] {
			if dfs(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		visitState[ref] = visitDone
		return false
	}

	for _, ref := range sortedRefs(g.items) {
		if visitState[ref] != visitUnseen {
			continue
		}
		if dfs(ref) {
			return cycle
		}
	}
	return nil
}

func sortedRefs(items map[model.WorkRef]model.WorkItem) []model.WorkRef {
	refs := make([]model.WorkRef, 0, len(items))
	for ref := range items {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		left, right := items[refs[i]], items[refs[j]]
		if left.EpicIndex != right.EpicIndex {
			return left.EpicIndex < right.EpicIndex
		}
		return left.StoryIndex < right.StoryIndex
	})
	return refs
}
