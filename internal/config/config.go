package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"formline/internal/domain"
)

// Config models formline.yml.
type Config struct {
	Form struct {
		ID    string `yaml:"id"`
		Title string `yaml:"title"`
	} `yaml:"form"`
	Steps  []StepConfig         `yaml:"steps"`
	Fields map[string]FieldRule `yaml:"fields"`
	Draft  struct {
		DebounceMS    int `yaml:"debounce_ms"`
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"draft"`
	Lookup struct {
		BaseURL        string `yaml:"base_url"`
		MinQueryLength int    `yaml:"min_query_length"`
		DebounceMS     int    `yaml:"debounce_ms"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"lookup"`
	Submission struct {
		DocumentLimitMB   int    `yaml:"document_limit_mb"`
		AttachmentLimitMB int    `yaml:"attachment_limit_mb"`
		PayloadLimitMB    int    `yaml:"payload_limit_mb"`
		RelayURL          string `yaml:"relay_url"`
		OutboxDir         string `yaml:"outbox_dir"`
	} `yaml:"submission"`
	Server struct {
		RateLimitRPS      float64 `yaml:"rate_limit_rps"`
		RateLimitBurst    int     `yaml:"rate_limit_burst"`
		TransitionDelayMS int     `yaml:"transition_delay_ms"`
	} `yaml:"server"`
}

type StepConfig struct {
	ID     int      `yaml:"id"`
	Title  string   `yaml:"title"`
	Fields []string `yaml:"fields"`
}

// FieldRule is a declarative per-field rule. RequiredIf names another field;
// the rule behaves as required only when that field is non-empty.
type FieldRule struct {
	Required   bool   `yaml:"required"`
	RequiredIf string `yaml:"required_if"`
	Pattern    string `yaml:"pattern"`
	MinLength  int    `yaml:"min_length"`
	MaxLength  int    `yaml:"max_length"`
	Message    string `yaml:"message"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with fl config init", Path(workspace))
	}
	return cfg, err
}

// LoadOptional returns the default config when no file exists in the workspace.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Form.ID == "" {
		return fmt.Errorf("config.form.id is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("config.steps is required")
	}
	for i, s := range c.Steps {
		if s.ID != i+1 {
			return fmt.Errorf("step ids must be contiguous and 1-based; step %d has id %d", i+1, s.ID)
		}
		if s.Title == "" {
			return fmt.Errorf("step %d has empty title", s.ID)
		}
		for _, f := range s.Fields {
			if _, ok := c.Fields[f]; !ok {
				return fmt.Errorf("step %d references field %s with no rule", s.ID, f)
			}
		}
	}
	for name, rule := range c.Fields {
		if rule.Pattern != "" {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("field %s has invalid pattern: %w", name, err)
			}
		}
		if rule.MinLength < 0 || rule.MaxLength < 0 {
			return fmt.Errorf("field %s has negative length bound", name)
		}
		if rule.MaxLength > 0 && rule.MinLength > rule.MaxLength {
			return fmt.Errorf("field %s has min_length > max_length", name)
		}
		if rule.RequiredIf != "" {
			if _, ok := c.Fields[rule.RequiredIf]; !ok {
				return fmt.Errorf("field %s required_if references unknown field %s", name, rule.RequiredIf)
			}
		}
	}
	if c.Draft.RetentionDays <= 0 {
		return fmt.Errorf("config.draft.retention_days must be positive")
	}
	if c.Submission.DocumentLimitMB <= 0 || c.Submission.AttachmentLimitMB <= 0 || c.Submission.PayloadLimitMB <= 0 {
		return fmt.Errorf("config.submission limits must be positive")
	}
	return nil
}

// StepList returns the immutable ordered step definitions.
func (c *Config) StepList() []domain.Step {
	steps := make([]domain.Step, 0, len(c.Steps))
	for _, s := range c.Steps {
		steps = append(steps, domain.Step{ID: s.ID, Title: s.Title, Fields: append([]string(nil), s.Fields...)})
	}
	return steps
}

// StepByID returns the step with the given id, or false.
func (c *Config) StepByID(id int) (domain.Step, bool) {
	if id < 1 || id > len(c.Steps) {
		return domain.Step{}, false
	}
	s := c.Steps[id-1]
	return domain.Step{ID: s.ID, Title: s.Title, Fields: append([]string(nil), s.Fields...)}, true
}

// AllFields returns every field referenced by any step, in step order.
func (c *Config) AllFields() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range c.Steps {
		for _, f := range s.Fields {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// FieldNames returns all rule names sorted, for deterministic iteration.
func (c *Config) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for n := range c.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Config) DraftDebounce() time.Duration {
	if c.Draft.DebounceMS <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.Draft.DebounceMS) * time.Millisecond
}

func (c *Config) DraftRetention() time.Duration {
	return time.Duration(c.Draft.RetentionDays) * 24 * time.Hour
}

func (c *Config) LookupDebounce() time.Duration {
	if c.Lookup.DebounceMS <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.Lookup.DebounceMS) * time.Millisecond
}

func (c *Config) LookupTimeout() time.Duration {
	if c.Lookup.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Lookup.TimeoutSeconds) * time.Second
}

func (c *Config) TransitionDelay() time.Duration {
	return time.Duration(c.Server.TransitionDelayMS) * time.Millisecond
}

func (c *Config) DocumentLimit() int64 {
	return int64(c.Submission.DocumentLimitMB) << 20
}

func (c *Config) AttachmentLimit() int64 {
	return int64(c.Submission.AttachmentLimitMB) << 20
}

func (c *Config) PayloadLimit() int64 {
	return int64(c.Submission.PayloadLimitMB) << 20
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "formline.yml")
}

// Default returns the built-in professional-account form definition.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `form:
  id: pro-account
  title: "Professional account application"

steps:
  - id: 1
    title: "Company"
    fields: [companyName, siret, vatNumber, street, postalCode, city]
  - id: 2
    title: "Contacts"
    fields: [contactName, contactEmail, contactPhone, responsableAchatEmail]
  - id: 3
    title: "Documents"
    fields: [kbisFileName, kbisFile, signature]
  - id: 4
    title: "Review"
    fields: [acceptTerms]

fields:
  companyName:
    required: true
    min_length: 2
    max_length: 120
  siret:
    required: true
    pattern: "^[0-9]{14}$"
    message: "SIRET must be 14 digits"
  vatNumber:
    pattern: "^[A-Z]{2}[0-9A-Z]{2,13}$"
    message: "invalid VAT number"
  street:
    required: true
    max_length: 200
  postalCode:
    required_if: street
    pattern: "^[0-9]{5}$"
    message: "postal code must be 5 digits"
  city:
    required: true
    max_length: 100
  contactName:
    required: true
    min_length: 2
    max_length: 100
  contactEmail:
    required: true
    pattern: "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"
    message: "invalid email address"
  contactPhone:
    pattern: "^\\+?[0-9 .-]{6,20}$"
    message: "invalid phone number"
  responsableAchatEmail:
    required: true
    pattern: "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"
    message: "invalid email address"
  kbisFileName:
    max_length: 255
  kbisFile: {}
  signature: {}
  acceptTerms:
    required: true
    pattern: "^(true|yes|1)$"
    message: "terms must be accepted"

draft:
  debounce_ms: 1500
  retention_days: 7

lookup:
  base_url: "https://recherche-entreprises.example.org"
  min_query_length: 2
  debounce_ms: 300
  timeout_seconds: 10

submission:
  document_limit_mb: 10
  attachment_limit_mb: 5
  payload_limit_mb: 8
  relay_url: "https://mail-relay.example.org"
  outbox_dir: outbox

server:
  rate_limit_rps: 5
  rate_limit_burst: 10
  transition_delay_ms: 0
`
