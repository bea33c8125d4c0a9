package hsm

import (
	"sort"

	"foreman/internal/model"
)

// sessionTransitions holds the forward edges of the session lifecycle. BLOCKED, PAUSED
// and STOPPED are side states handled in CanTransitionSession.
var sessionTransitions = map[model.SessionState]map[model.SessionState]bool{
	model.SessionIdle: {
		model.SessionAnalyzing: true,
	},
	model.SessionAnalyzing: {
		model.SessionDiscovering: true,
	},
	model.SessionDiscovering: {
		model.SessionPlanning: true,
	},
	model.SessionPlanning: {
		model.SessionExecuting: true,
		model.SessionDone:      true,
	},
	model.SessionExecuting: {
		model.SessionReviewing:  true,
		model.SessionCompleting: true,
	},
	model.SessionReviewing: {
		model.SessionExecuting:  true,
		model.SessionPRCreation: true,
		model.SessionCompleting: true,
	},
	model.SessionPRCreation: {
		model.SessionPRMonitoring: true,
		model.SessionCompleting:   true,
	},
	model.SessionPRMonitoring: {
		model.SessionPRFixing:   true,
		model.SessionPRMerging:  true,
		model.SessionCompleting: true,
	},
	model.SessionPRFixing: {
		model.SessionPRMonitoring: true,
		model.SessionCompleting:   true,
	},
	model.SessionPRMerging: {
		model.SessionPRFixing:   true,
		model.SessionCompleting: true,
	},
	model.SessionCompleting: {
		model.SessionExecuting: true,
		model.SessionDone:      true,
	},
}

var storyTransitions = map[model.StoryStatus]map[model.StoryStatus]bool{
	model.StoryQueued: {
		model.StoryExecuting:           true,
		model.StoryBlocked:             true,
		model.StoryBlockedByDependency: true,
		model.StorySkipped:             true,
	},
	model.StoryExecuting: {
		model.StoryReviewing: true,
		model.StoryBlocked:   true,
	},
	model.StoryReviewing: {
		model.StoryExecuting:  true,
		model.StoryPRCreation: true,
		model.StoryCompleting: true,
		model.StoryBlocked:    true,
	},
	model.StoryPRCreation: {
		model.StoryPRMonitoring: true,
		model.StoryBlocked:      true,
	},
	model.StoryPRMonitoring: {
		model.StoryPRFixing:  true,
		model.StoryPRMerging: true,
		model.StoryBlocked:   true,
	},
	model.StoryPRFixing: {
		model.StoryPRMonitoring: true,
		model.StoryBlocked:      true,
	},
	model.StoryPRMerging: {
		model.StoryPRFixing:   true,
		model.StoryCompleting: true,
		model.StoryBlocked:    true,
	},
	model.StoryCompleting: {
		model.StoryDone: true,
	},
	model.StoryBlocked: {
		model.StoryQueued:  true,
		model.StorySkipped: true,
	},
	model.StoryBlockedByDependency: {
		model.StoryQueued:  true,
		model.StorySkipped: true,
	},
}

var agentTransitions = map[model.AgentStatus]map[model.AgentStatus]bool{
	model.AgentStatusPending: {
		model.AgentStatusRunning:   true,
		model.AgentStatusFailed:    true,
		model.AgentStatusAbandoned: true,
	},
	model.AgentStatusRunning: {
		model.AgentStatusIdle:      true,
		model.AgentStatusPaused:    true,
		model.AgentStatusDone:      true,
		model.AgentStatusFailed:    true,
		model.AgentStatusAbandoned: true,
	},
	model.AgentStatusIdle: {
		model.AgentStatusRunning:   true,
		model.AgentStatusPaused:    true,
		model.AgentStatusDone:      true,
		model.AgentStatusFailed:    true,
		model.AgentStatusAbandoned: true,
	},
	model.AgentStatusPaused: {
		model.AgentStatusRunning:   true,
		model.AgentStatusIdle:      true,
		model.AgentStatusAbandoned: true,
	},
}

func isLifecycle(state model.SessionState) bool {
	_, ok := sessionTransitions[state]
	return ok
}

// CanTransitionSession reports whether from -> to is a legal session edge.
// Leaving BLOCKED or PAUSED is only legal back into the lifecycle, except
// that a paused session may still block; the controller additionally pins
// the target to the recorded resume state.
func CanTransitionSession(from model.SessionState, to model.SessionState) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case model.SessionStopped:
		return true
	case model.SessionBlocked:
		return true
	case model.SessionPaused:
		return from != model.SessionBlocked
	}
	switch from {
	case model.SessionBlocked, model.SessionPaused:
		return isLifecycle(to) || to == model.SessionDone
	}
	return sessionTransitions[from][to]
}

func CanTransitionStory(from model.StoryStatus, to model.StoryStatus) bool {
	if from == to {
		return true
	}
	return storyTransitions[from][to]
}

func CanTransitionAgent(from model.AgentStatus, to model.AgentStatus) bool {
	if from == to {
		return true
	}
	return agentTransitions[from][to]
}

// ForwardPath returns the shortest chain of lifecycle states leading from
// from to to, excluding from and including to. It returns nil when to is not
// reachable through lifecycle edges alone.
func ForwardPath(from model.SessionState, to model.SessionState) []model.SessionState {
	return shortestPath(sessionTransitions, from, to)
}

// StoryPath is ForwardPath for story phases, e.g. executing -> pr_creation
// goes through reviewing.
func StoryPath(from model.StoryStatus, to model.StoryStatus) []model.StoryStatus {
	return shortestPath(storyTransitions, from, to)
}

func shortestPath[S ~string](edges map[S]map[S]bool, from S, to S) []S {
	if from == to {
		return []S{}
	}
	prev := map[S]S{from: ""}
	queue := []S{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range sortedNeighbours(edges, current) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = current
			if next == to {
				path := []S{}
				for step := to; step != from; step = prev[step] {
					path = append([]S{step}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func sortedNeighbours[S ~string](edges map[S]map[S]bool, state S) []S {
	out := make([]S, 0, len(edges[state]))
	for next := range edges[state] {
		out = append(out, next)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
