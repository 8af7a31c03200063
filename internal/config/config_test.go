package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Ratings.MinScore != 1 || cfg.Ratings.MaxScore != 5 {
		t.Fatalf("unexpected score bounds %d..%d", cfg.Ratings.MinScore, cfg.Ratings.MaxScore)
	}
	if cfg.Admission.MaxAttempts != 3 {
		t.Fatalf("expected 3 admission attempts, got %d", cfg.Admission.MaxAttempts)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("ratings:\n  max_score: 10\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Ratings.MaxScore != 10 {
		t.Fatalf("expected max score 10, got %d", cfg.Ratings.MaxScore)
	}
	if cfg.Ratings.MinScore != 1 {
		t.Fatalf("expected default min score, got %d", cfg.Ratings.MinScore)
	}
	if cfg.Notifications.BatchSize != 50 {
		t.Fatalf("expected default batch size, got %d", cfg.Notifications.BatchSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"inverted scores": "ratings:\n  min_score: 4\n  max_score: 2\n",
		"zero attempts":   "admission:\n  max_attempts: 0\n",
		"relative hook":   "notifications:\n  webhooks:\n    - url: /hooks\n",
		"empty event":     "notifications:\n  webhooks:\n    - url: http://example.com/h\n      events: [\"\"]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg == nil || cfg.Shifts.MaxRequiredCount != 100 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	doc := "notifications:\n  webhooks:\n    - url: https://hooks.example.com/shift\n      events: [admission.accepted]\n      enabled: false\n"
	if err := os.WriteFile(filepath.Join(dir, "shiftline.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Notifications.Webhooks) != 1 {
		t.Fatalf("expected one webhook, got %d", len(cfg.Notifications.Webhooks))
	}
	if cfg.Notifications.Webhooks[0].IsEnabled() {
		t.Fatalf("expected webhook disabled")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
