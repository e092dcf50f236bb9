package config_test

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"formline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Steps) < 2 {
		t.Fatalf("expected a multi-step default form, got %d steps", len(cfg.Steps))
	}
}

func TestFieldNamesSortedAndComplete(t *testing.T) {
	cfg := config.Default()
	names := cfg.FieldNames()
	if !sort.StringsAreSorted(names) {
		t.Fatalf("field names not sorted: %v", names)
	}
	if len(names) != len(cfg.Fields) {
		t.Fatalf("expected %d names, got %d", len(cfg.Fields), len(names))
	}
	for _, required := range cfg.AllFields() {
		found := false
		for _, n := range names {
			if n == required {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("step field %s missing from FieldNames", required)
		}
	}
}

func TestFromFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "formline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Form.ID == "" {
		t.Fatalf("form id missing after load")
	}
}

func TestLoadMissingConfigHintsAtInit(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "fl config init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Form.ID != config.Default().Form.ID {
		t.Fatalf("expected default fallback, got %q", cfg.Form.ID)
	}
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	cases := map[string]string{
		"gapped step ids": `form: {id: f, title: t}
steps:
  - {id: 1, title: One, fields: [a]}
  - {id: 3, title: Three, fields: [a]}
fields:
  a: {required: true}
draft: {retention_days: 7}
submission: {document_limit_mb: 10, attachment_limit_mb: 5, payload_limit_mb: 8}`,
		"field without rule": `form: {id: f, title: t}
steps:
  - {id: 1, title: One, fields: [missing]}
fields:
  a: {required: true}
draft: {retention_days: 7}
submission: {document_limit_mb: 10, attachment_limit_mb: 5, payload_limit_mb: 8}`,
		"bad pattern": `form: {id: f, title: t}
steps:
  - {id: 1, title: One, fields: [a]}
fields:
  a: {pattern: "["}
draft: {retention_days: 7}
submission: {document_limit_mb: 10, attachment_limit_mb: 5, payload_limit_mb: 8}`,
		"zero retention": `form: {id: f, title: t}
steps:
  - {id: 1, title: One, fields: [a]}
fields:
  a: {required: true}
draft: {retention_days: 0}
submission: {document_limit_mb: 10, attachment_limit_mb: 5, payload_limit_mb: 8}`,
	}
	for name, yml := range cases {
		if _, err := config.FromYAML([]byte(yml)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
