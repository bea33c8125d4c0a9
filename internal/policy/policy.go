package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"foreman/internal/model"
)

const DefaultPolicyPath = ".foreman/policy.json"

//go:embed policy.schema.json
var schemaJSON string

type Config struct {
	Version int `json:"version"`
	Session struct {
		EpicPattern         string `json:"epic_pattern"`
		MaxAgents           int    `json:"max_agents"`
		MaxRetries          int    `json:"max_retries"`
		AutoMerge           bool   `json:"auto_merge"`
		BaseBranch          string `json:"base_branch"`
		BranchPrefix        string `json:"branch_prefix"`
		PollIntervalSeconds int    `json:"poll_interval_seconds"`
	} `json:"session"`
	Decision struct {
		MaxReviewIterations int `json:"max_review_iterations"`
		MaxCIFixIterations  int `json:"max_ci_fix_iterations"`
		MaxWaitSeconds      int `json:"max_wait_seconds"`
	} `json:"decision"`
	Backoff struct {
		InitialDelayMS int     `json:"initial_delay_ms"`
		BackoffFactor  float64 `json:"backoff_factor"`
		MaxDelayMS     int     `json:"max_delay_ms"`
		Jitter         bool    `json:"jitter"`
	} `json:"backoff"`
	Models struct {
		Fast                     string  `json:"fast"`
		Standard                 string  `json:"standard"`
		Capable                  string  `json:"capable"`
		CriteriaWeight           float64 `json:"criteria_weight"`
		FileWeight               float64 `json:"file_weight"`
		DepthWeight              float64 `json:"depth_weight"`
		SimpleMax                float64 `json:"simple_max"`
		MediumMax                float64 `json:"medium_max"`
		RetryEscalationThreshold int     `json:"retry_escalation_threshold"`
	} `json:"models"`
	Stuck struct {
		WatchIntervalSeconds int     `json:"watch_interval_seconds"`
		TurnLimitRatio       float64 `json:"turn_limit_ratio"`
		NoProgressTurns      int     `json:"no_progress_turns"`
		CITimeoutMinutes     int     `json:"ci_timeout_minutes"`
		ReviewDelayMinutes   int     `json:"review_delay_minutes"`
		ContextLimitRatio    float64 `json:"context_limit_ratio"`
		RateLimitSeconds     int     `json:"rate_limit_seconds"`
	} `json:"stuck"`
	Recovery struct {
		TurnLimitApproaching    int `json:"turn_limit_approaching"`
		NoProgress              int `json:"no_progress"`
		CiTimeout               int `json:"ci_timeout"`
		ReviewDelay             int `json:"review_delay"`
		MergeConflict           int `json:"merge_conflict"`
		RateLimited             int `json:"rate_limited"`
		ContextLimitApproaching int `json:"context_limit_approaching"`
	} `json:"recovery"`
	Evaluation struct {
		RequiredChecks []string `json:"required_checks"`
		BuildCheck     string   `json:"build_check"`
		LintCheck      string   `json:"lint_check"`
	} `json:"evaluation"`
	Runtime struct {
		Kind           string `json:"kind"`
		MaxTurns       int    `json:"max_turns"`
		ContextWindow  int    `json:"context_window"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Retries        int    `json:"retries"`
		OpenAIBaseURL  string `json:"openai_base_url"`
		OpenAIKeyEnv   string `json:"openai_key_env"`
	} `json:"runtime"`
	Store struct {
		Path string `json:"path"`
	} `json:"store"`
	Bus struct {
		RedisURL     string `json:"redis_url"`
		StreamPrefix string `json:"stream_prefix"`
	} `json:"bus"`
	Server struct {
		Addr string `json:"addr"`
	} `json:"server"`
	Agents []Agent `json:"agents"`
}

// Agent is a command template for the command runtime. Placeholders:
// {model}, {prompt_file}, {workdir}, {session}.
type Agent struct {
	Name          string `json:"name"`
	Command       string `json:"command"`
	ResumeCommand string `json:"resume_command"`
}

const (
	RuntimeCommand = "command"
	RuntimeOpenAI  = "openai"
)

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Session.EpicPattern = "epics/**/*.{yaml,yml,md}"
	cfg.Session.MaxAgents = 2
	cfg.Session.MaxRetries = 3
	cfg.Session.AutoMerge = false
	cfg.Session.BaseBranch = "main"
	cfg.Session.BranchPrefix = "foreman"
	cfg.Session.PollIntervalSeconds = 30
	cfg.Decision.MaxReviewIterations = 3
	cfg.Decision.MaxCIFixIterations = 3
	cfg.Decision.MaxWaitSeconds = 3600
	cfg.Backoff.InitialDelayMS = 5_000
	cfg.Backoff.BackoffFactor = 2.0
	cfg.Backoff.MaxDelayMS = 300_000
	cfg.Backoff.Jitter = true
	cfg.Models.Fast = "claude-haiku"
	cfg.Models.Standard = "claude-sonnet"
	cfg.Models.Capable = "claude-opus"
	cfg.Models.CriteriaWeight = 1.0
	cfg.Models.FileWeight = 0.5
	cfg.Models.DepthWeight = 2.0
	cfg.Models.SimpleMax = 4
	cfg.Models.MediumMax = 10
	cfg.Models.RetryEscalationThreshold = 2
	cfg.Stuck.WatchIntervalSeconds = 30
	cfg.Stuck.TurnLimitRatio = 0.8
	cfg.Stuck.NoProgressTurns = 5
	cfg.Stuck.CITimeoutMinutes = 30
	cfg.Stuck.ReviewDelayMinutes = 60
	cfg.Stuck.ContextLimitRatio = 0.9
	cfg.Stuck.RateLimitSeconds = 300
	cfg.Recovery.TurnLimitApproaching = 2
	cfg.Recovery.NoProgress = 3
	cfg.Recovery.CiTimeout = 2
	cfg.Recovery.ReviewDelay = 2
	cfg.Recovery.MergeConflict = 2
	cfg.Recovery.RateLimited = 1
	cfg.Recovery.ContextLimitApproaching = 2
	cfg.Evaluation.RequiredChecks = []string{}
	cfg.Evaluation.BuildCheck = "build"
	cfg.Evaluation.LintCheck = "lint"
	cfg.Runtime.Kind = RuntimeCommand
	cfg.Runtime.MaxTurns = 100
	cfg.Runtime.ContextWindow = 200_000
	cfg.Runtime.TimeoutSeconds = 1800
	cfg.Runtime.Retries = 3
	cfg.Runtime.OpenAIKeyEnv = "OPENAI_API_KEY"
	cfg.Store.Path = ".foreman/foreman.db"
	cfg.Bus.StreamPrefix = "foreman"
	cfg.Server.Addr = "127.0.0.1:3411"
	cfg.Agents = []Agent{
		{
			Name:          "claude",
			Command:       "claude -p --session-id {session} --model {model} --output-format text < {prompt_file}",
			ResumeCommand: "claude -p --resume {session} --output-format text < {prompt_file}",
		},
	}
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := validateSchema(b); err != nil {
		return cfg, finalPath, fmt.Errorf("policy %s: %w", finalPath, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("policy.schema.json")
}

func validateSchema(raw []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile policy schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Session.EpicPattern) == "" {
		return fmt.Errorf("session.epic_pattern cannot be empty")
	}
	if cfg.Session.MaxAgents <= 0 {
		return fmt.Errorf("session.max_agents must be > 0")
	}
	if cfg.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must be >= 0")
	}
	if cfg.Session.PollIntervalSeconds <= 0 {
		return fmt.Errorf("session.poll_interval_seconds must be > 0")
	}
	if cfg.Decision.MaxReviewIterations <= 0 || cfg.Decision.MaxCIFixIterations <= 0 {
		return fmt.Errorf("decision iteration caps must be > 0")
	}
	if cfg.Decision.MaxWaitSeconds <= 0 {
		return fmt.Errorf("decision.max_wait_seconds must be > 0")
	}
	if cfg.Backoff.InitialDelayMS <= 0 || cfg.Backoff.MaxDelayMS < cfg.Backoff.InitialDelayMS {
		return fmt.Errorf("backoff delays must satisfy 0 < initial_delay_ms <= max_delay_ms")
	}
	if cfg.Backoff.BackoffFactor < 1 {
		return fmt.Errorf("backoff.backoff_factor must be >= 1")
	}
	if strings.TrimSpace(cfg.Models.Fast) == "" || strings.TrimSpace(cfg.Models.Standard) == "" || strings.TrimSpace(cfg.Models.Capable) == "" {
		return fmt.Errorf("models.fast, models.standard and models.capable are required")
	}
	if cfg.Models.SimpleMax <= 0 || cfg.Models.MediumMax <= cfg.Models.SimpleMax {
		return fmt.Errorf("models thresholds must satisfy 0 < simple_max < medium_max")
	}
	if cfg.Models.RetryEscalationThreshold <= 0 {
		return fmt.Errorf("models.retry_escalation_threshold must be > 0")
	}
	if cfg.Stuck.TurnLimitRatio <= 0 || cfg.Stuck.TurnLimitRatio > 1 || cfg.Stuck.ContextLimitRatio <= 0 || cfg.Stuck.ContextLimitRatio > 1 {
		return fmt.Errorf("stuck ratios must be in (0, 1]")
	}
	if cfg.Stuck.WatchIntervalSeconds <= 0 || cfg.Stuck.NoProgressTurns <= 0 || cfg.Stuck.CITimeoutMinutes <= 0 || cfg.Stuck.ReviewDelayMinutes <= 0 {
		return fmt.Errorf("stuck thresholds must be > 0")
	}
	for stuckType, limit := range cfg.RecoveryCaps() {
		if limit <= 0 {
			return fmt.Errorf("recovery cap for %s must be > 0", stuckType)
		}
	}
	switch cfg.Runtime.Kind {
	case RuntimeCommand:
		if len(cfg.Agents) == 0 {
			return fmt.Errorf("agents must contain at least one entry for the command runtime")
		}
	case RuntimeOpenAI:
	default:
		return fmt.Errorf("runtime.kind must be command|openai")
	}
	if cfg.Runtime.MaxTurns <= 0 || cfg.Runtime.ContextWindow <= 0 || cfg.Runtime.TimeoutSeconds <= 0 {
		return fmt.Errorf("runtime limits must be > 0")
	}
	for _, agent := range cfg.Agents {
		if strings.TrimSpace(agent.Name) == "" {
			return fmt.Errorf("agent.name cannot be empty")
		}
		if strings.TrimSpace(agent.Command) == "" {
			return fmt.Errorf("agent.command cannot be empty")
		}
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	return nil
}

// RecoveryCaps returns the per stuck type limit on non-escalation attempts.
func (c Config) RecoveryCaps() map[model.StuckType]int {
	return map[model.StuckType]int{
		model.StuckTurnLimitApproaching:    c.Recovery.TurnLimitApproaching,
		model.StuckNoProgress:              c.Recovery.NoProgress,
		model.StuckCiTimeout:               c.Recovery.CiTimeout,
		model.StuckReviewDelay:             c.Recovery.ReviewDelay,
		model.StuckMergeConflict:           c.Recovery.MergeConflict,
		model.StuckRateLimited:             c.Recovery.RateLimited,
		model.StuckContextLimitApproaching: c.Recovery.ContextLimitApproaching,
	}
}

// ModelFor maps a tier onto the configured model name.
func (c Config) ModelFor(tier model.ModelTier) string {
	switch tier {
	case model.TierFast:
		return c.Models.Fast
	case model.TierCapable:
		return c.Models.Capable
	default:
		return c.Models.Standard
	}
}

// TierForModel reports which tier a concrete model name is configured under.
func (c Config) TierForModel(name string) (model.ModelTier, bool) {
	switch strings.TrimSpace(name) {
	case c.Models.Fast:
		return model.TierFast, true
	case c.Models.Standard:
		return model.TierStandard, true
	case c.Models.Capable:
		return model.TierCapable, true
	}
	return "", false
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalSeconds) * time.Second
}

func (c Config) WatchInterval() time.Duration {
	return time.Duration(c.Stuck.WatchIntervalSeconds) * time.Second
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Runtime.TimeoutSeconds) * time.Second
}

func (c Config) SessionDefaults() model.SessionConfig {
	return model.SessionConfig{
		MaxAgents:  c.Session.MaxAgents,
		MaxRetries: c.Session.MaxRetries,
		AutoMerge:  c.Session.AutoMerge,
		BaseBranch: c.Session.BaseBranch,
	}
}

func ResolveAgent(cfg Config, name string) (Agent, error) {
	if len(cfg.Agents) == 0 {
		return Agent{}, fmt.Errorf("no agents configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return cfg.Agents[0], nil
	}
	for _, agent := range cfg.Agents {
		if agent.Name == name {
			return agent, nil
		}
	}
	return Agent{}, fmt.Errorf("requested agent %q not found in policy", name)
}

func RenderCommand(template string, values map[string]string) string {
	out := template
	for key, value := range values {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}

// SanitizeToken makes a value safe for branch and directory names.
func SanitizeToken(token string) string {
	token = strings.TrimSpace(strings.ToLower(token))
	token = strings.ReplaceAll(token, " ", "-")
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", ",", "-", ".", "-", "@", "-", "#", "-", "[", "-", "]", "-", "{", "-", "}", "-", "(", "-", ")", "-")
	token = replacer.Replace(token)
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	token = strings.Trim(token, "-")
	if token == "" {
		token = "x"
	}
	return token
}
