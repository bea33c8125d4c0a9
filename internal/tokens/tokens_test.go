package tokens

import "testing"

func TestFallbackCounter(t *testing.T) {
	c := &Counter{fallback: true, encoding: "cl100k_base"}
	if c.Precise() {
		t.Fatalf("fallback counter should not be precise")
	}
	if got := c.Count("abcdefgh"); got != 2 {
		t.Fatalf("expected 2 tokens for 8 characters, got %d", got)
	}
	if c.Count("") != 0 {
		t.Fatalf("empty text should count 0")
	}
}

func TestCounterAlwaysCountsText(t *testing.T) {
	// Works whether or not the BPE ranks are reachable.
	if got := Default().Count("Implement the login form and tick the checkbox."); got <= 0 {
		t.Fatalf("expected positive count, got %d", got)
	}
}

func TestEncodingForModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4o-mini":   "o200k_base",
		"o3-mini":       "o200k_base",
		"gpt-4":         "cl100k_base",
		"claude-sonnet": "cl100k_base",
		"":              "cl100k_base",
	}
	for model, want := range cases {
		if got := EncodingForModel(model); got != want {
			t.Fatalf("EncodingForModel(%q) = %q, want %q", model, got, want)
		}
	}
}
