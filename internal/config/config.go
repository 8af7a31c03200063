package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models shiftline.yml.
type Config struct {
	Ratings struct {
		MinScore         int `yaml:"min_score"`
		MaxScore         int `yaml:"max_score"`
		CommentMaxLength int `yaml:"comment_max_length"`
	} `yaml:"ratings"`
	Admission struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"admission"`
	Shifts struct {
		MaxRequiredCount int `yaml:"max_required_count"`
	} `yaml:"shifts"`
	Notifications Notifications `yaml:"notifications"`
}

type Notifications struct {
	IntervalSeconds int       `yaml:"interval_seconds"`
	MaxAttempts     int       `yaml:"max_attempts"`
	BatchSize       int       `yaml:"batch_size"`
	Webhooks        []Webhook `yaml:"webhooks"`
}

// Webhook is an HTTP endpoint that receives notification kinds it subscribes to.
// An empty Events list subscribes to everything.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ratings.MinScore < 0 {
		return fmt.Errorf("config.ratings.min_score must not be negative")
	}
	if c.Ratings.MaxScore < c.Ratings.MinScore {
		return fmt.Errorf("config.ratings.max_score must be >= min_score")
	}
	if c.Ratings.CommentMaxLength <= 0 {
		return fmt.Errorf("config.ratings.comment_max_length must be positive")
	}
	if c.Admission.MaxAttempts <= 0 {
		return fmt.Errorf("config.admission.max_attempts must be positive")
	}
	if c.Shifts.MaxRequiredCount <= 0 {
		return fmt.Errorf("config.shifts.max_required_count must be positive")
	}
	n := c.Notifications
	if n.IntervalSeconds <= 0 {
		return fmt.Errorf("config.notifications.interval_seconds must be positive")
	}
	if n.MaxAttempts <= 0 {
		return fmt.Errorf("config.notifications.max_attempts must be positive")
	}
	if n.BatchSize <= 0 {
		return fmt.Errorf("config.notifications.batch_size must be positive")
	}
	for i, hook := range n.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be an absolute http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, ev := range hook.Events {
			if ev == "" {
				return fmt.Errorf("config.notifications.webhooks[%d] has empty event kind", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shiftline.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	// The template is a constant; decoding it cannot fail.
	_ = yaml.Unmarshal([]byte(DefaultYAML), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const DefaultYAML = `ratings:
  min_score: 1
  max_score: 5
  comment_max_length: 2000

admission:
  max_attempts: 3

shifts:
  max_required_count: 100

notifications:
  interval_seconds: 5
  max_attempts: 5
  batch_size: 50
  webhooks: []
`
