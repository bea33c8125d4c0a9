package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/internal/model"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default policy to validate: %v", err)
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "policy.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default policy: %v", err)
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Decision.MaxReviewIterations != 3 {
		t.Fatalf("expected default review iteration cap 3, got %d", cfg.Decision.MaxReviewIterations)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing-policy.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected missing test policy file")
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default policy version 1, got %d", cfg.Version)
	}
}

func TestLoadPolicyPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	raw := `{"version": 1, "session": {"max_agents": 4, "auto_merge": true}, "recovery": {"ci_timeout": 5}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if cfg.Session.MaxAgents != 4 || !cfg.Session.AutoMerge {
		t.Fatalf("expected session overrides, got %+v", cfg.Session)
	}
	if cfg.Session.PollIntervalSeconds != 30 {
		t.Fatalf("expected unspecified fields to keep defaults, got %d", cfg.Session.PollIntervalSeconds)
	}
	if cfg.RecoveryCaps()[model.StuckCiTimeout] != 5 {
		t.Fatalf("expected ci_timeout cap override")
	}
}

func TestLoadPolicyRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	raw := `{"version": 1, "hooks": {"on_stuck": "rm -rf /"}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	_, _, err := Load(path)
	if err == nil {
		t.Fatalf("expected unknown top-level key to be rejected")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected schema validation error, got %v", err)
	}
}

func TestLoadPolicyRejectsOutOfRangeRatio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	raw := `{"version": 1, "stuck": {"turn_limit_ratio": 1.5}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected ratio above 1 to be rejected")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.Models.MediumMax = cfg.Models.SimpleMax
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected medium_max <= simple_max to be rejected")
	}
}

func TestModelTierMapping(t *testing.T) {
	cfg := Default()
	if cfg.ModelFor(model.TierCapable) != cfg.Models.Capable {
		t.Fatalf("expected capable model mapping")
	}
	tier, ok := cfg.TierForModel(cfg.Models.Fast)
	if !ok || tier != model.TierFast {
		t.Fatalf("expected fast model to map back to fast tier, got %s", tier)
	}
}

func TestRenderCommand(t *testing.T) {
	got := RenderCommand("agent --model {model} < {prompt_file}", map[string]string{"model": "m1", "prompt_file": "/tmp/p"})
	if got != "agent --model m1 < /tmp/p" {
		t.Fatalf("unexpected rendered command %q", got)
	}
	if SanitizeToken("Epic 1/Story.2") != "epic-1-story-2" {
		t.Fatalf("unexpected sanitized token %q", SanitizeToken("Epic 1/Story.2"))
	}
}
