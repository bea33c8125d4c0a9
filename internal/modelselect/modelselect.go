package modelselect

import (
	"fmt"
	"log/slog"
	"strings"

	"foreman/internal/model"
	"foreman/internal/policy"
)

type Complexity string

const (
	Simple  Complexity = "Simple"
	Medium  Complexity = "Medium"
	Complex Complexity = "Complex"
)

// Task is the part of a story that drives model choice.
type Task struct {
	Ref             model.WorkRef
	CriteriaCount   int
	FileCount       int
	DependencyDepth int
}

type Weights struct {
	Criteria  float64
	Files     float64
	Depth     float64
	SimpleMax float64
	MediumMax float64
}

type Selection struct {
	Tier       model.ModelTier `json:"tier"`
	Model      string          `json:"model"`
	Complexity Complexity      `json:"complexity"`
	Score      float64         `json:"score"`
	Reasons    []string        `json:"reasons"`
}

func (s Selection) Reasoning() string {
	return strings.Join(s.Reasons, "; ")
}

type Selector struct {
	weights         Weights
	retryEscalation int
	models          map[model.ModelTier]string
	tierForModel    func(string) (model.ModelTier, bool)
	logger          *slog.Logger
}

func New(cfg policy.Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		weights: Weights{
			Criteria:  cfg.Models.CriteriaWeight,
			Files:     cfg.Models.FileWeight,
			Depth:     cfg.Models.DepthWeight,
			SimpleMax: cfg.Models.SimpleMax,
			MediumMax: cfg.Models.MediumMax,
		},
		retryEscalation: cfg.Models.RetryEscalationThreshold,
		models: map[model.ModelTier]string{
			model.TierFast:     cfg.ModelFor(model.TierFast),
			model.TierStandard: cfg.ModelFor(model.TierStandard),
			model.TierCapable:  cfg.ModelFor(model.TierCapable),
		},
		tierForModel: cfg.TierForModel,
		logger:       logger,
	}
}

func (s *Selector) Score(task Task) (float64, Complexity) {
	score := s.weights.Criteria*float64(task.CriteriaCount) +
		s.weights.Files*float64(task.FileCount) +
		s.weights.Depth*float64(task.DependencyDepth)
	switch {
	case score <= s.weights.SimpleMax:
		return score, Simple
	case score <= s.weights.MediumMax:
		return score, Medium
	default:
		return score, Complex
	}
}

// Select picks a tier for task. Escalations apply after the base mapping and
// the highest wins; a non-empty override (tier or model name) beats all.
func (s *Selector) Select(task Task, retryCount int, reviewSeverity model.IssueSeverity, override string) Selection {
	score, complexity := s.Score(task)
	sel := Selection{Complexity: complexity, Score: score}

	switch complexity {
	case Simple:
		sel.Tier = model.TierFast
	case Medium:
		sel.Tier = model.TierStandard
	default:
		sel.Tier = model.TierCapable
	}
	sel.Reasons = append(sel.Reasons, fmt.Sprintf("complexity %s (score %.1f: %d criteria, %d files, depth %d) -> %s",
		complexity, score, task.CriteriaCount, task.FileCount, task.DependencyDepth, sel.Tier))

	if retryCount >= s.retryEscalation {
		next := sel.Tier.Next()
		sel.Reasons = append(sel.Reasons, fmt.Sprintf("retry count %d >= %d escalates %s -> %s", retryCount, s.retryEscalation, sel.Tier, next))
		sel.Tier = next
	}
	if reviewSeverity == model.SeverityCritical && sel.Tier != model.TierCapable {
		sel.Reasons = append(sel.Reasons, fmt.Sprintf("CRITICAL review issue forces %s", model.TierCapable))
		sel.Tier = model.TierCapable
	}
	sel.Model = s.models[sel.Tier]

	if override = strings.TrimSpace(override); override != "" {
		if tier, ok := model.ParseModelTier(override); ok {
			sel.Tier = tier
			sel.Model = s.models[tier]
		} else {
			sel.Model = override
			if tier, ok := s.tierForModel(override); ok {
				sel.Tier = tier
			}
		}
		sel.Reasons = append(sel.Reasons, fmt.Sprintf("override %q wins", override))
	}

	s.logger.Info("model selected",
		"story", task.Ref.String(),
		"tier", sel.Tier,
		"model", sel.Model,
		"complexity", sel.Complexity,
		"score", sel.Score,
		"reasoning", sel.Reasoning(),
	)
	return sel
}
