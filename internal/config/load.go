package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Parse reads an eddie.yaml file without applying defaults or validating it.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// Load reads a single eddie.yaml, fills in defaults and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// LoadLayered loads every discovered layer that exists, merges them from
// lowest to highest precedence, then fills in defaults and validates the
// result. Missing layers are skipped unless opts.ProjectRequired is set
// and the project layer is the one missing. With no layers at all the
// defaults are returned.
func LoadLayered(opts DiscoverOptions) (*Config, []ConfigLayerInfo, error) {
	layers := DiscoverPaths(opts)

	var configs []*Config
	for i := range layers {
		l := &layers[i]
		if _, err := os.Stat(l.Path); errors.Is(err, os.ErrNotExist) {
			if l.Level == LevelProject && opts.ProjectRequired {
				l.Err = fmt.Errorf("config %s not found", l.Path)
				return nil, layers, l.Err
			}
			continue
		}
		cfg, err := Parse(l.Path)
		if err != nil {
			l.Err = err
			return nil, layers, err
		}
		l.Loaded = true
		configs = append(configs, cfg)
	}

	merged := &Config{}
	if len(configs) > 0 {
		var err error
		merged, err = MergeAll(configs)
		if err != nil {
			return nil, layers, err
		}
	}
	ApplyDefaults(merged)

	if errs := Validate(merged); len(errs) > 0 {
		return nil, layers, &ValidationError{Errors: errs}
	}
	return merged, layers, nil
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks a Config for semantic correctness.
// Returns a list of validation error messages (empty if valid).
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported version %d: only version 1 is supported", cfg.Version))
	}

	switch cfg.Store.Type {
	case "s3":
		if cfg.Store.Bucket == "" {
			errs = append(errs, "store: type 's3' requires 'bucket'")
		}
	case "dir":
		if cfg.Store.Path == "" {
			errs = append(errs, "store: type 'dir' requires 'path' (a directory holding the build archives)")
		}
	case "":
		errs = append(errs, "store: 'type' is required, must be one of: s3, dir")
	default:
		errs = append(errs, fmt.Sprintf("store: unknown type '%s', must be one of: s3, dir", cfg.Store.Type))
	}

	for _, p := range []struct{ name, value string }{
		{"work", cfg.Paths.Work},
		{"run", cfg.Paths.Run},
		{"holding", cfg.Paths.Holding},
		{"lock_dir", cfg.Paths.LockDir},
	} {
		if p.value == "" {
			errs = append(errs, fmt.Sprintf("paths: '%s' is required", p.name))
		}
	}
	if cfg.Paths.Run != "" && cfg.Paths.Run == cfg.Paths.Holding {
		errs = append(errs, "paths: 'run' and 'holding' must be different directories")
	}

	if cfg.Retention.Active < 1 {
		errs = append(errs, fmt.Sprintf("retention: 'active' must be at least 1, got %d", cfg.Retention.Active))
	}
	if cfg.Retention.Holding < 0 {
		errs = append(errs, fmt.Sprintf("retention: 'holding' must not be negative, got %d", cfg.Retention.Holding))
	}

	errs = append(errs, validateTemplate("service.control", cfg.Service.Control)...)
	errs = append(errs, validateTemplate("ssh.command", cfg.SSH.Command)...)

	if u, err := url.Parse(cfg.Health.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("health: invalid url '%s'", cfg.Health.URL))
	}
	if cfg.Health.Timeout < 0 || cfg.Health.Interval < 0 || cfg.Health.Progress < 0 {
		errs = append(errs, "health: durations must not be negative")
	}
	if cfg.Health.Interval > cfg.Health.Timeout {
		errs = append(errs, "health: 'interval' must not exceed 'timeout'")
	}

	if hook := cfg.Notify.Slack.WebhookURL; hook != "" {
		if u, err := url.Parse(hook); err != nil || u.Scheme != "https" {
			errs = append(errs, "notify.slack: 'webhook_url' must be an https URL")
		}
	}

	if cfg.SSH.Port < 1 || cfg.SSH.Port > 65535 {
		errs = append(errs, fmt.Sprintf("ssh: invalid port %d", cfg.SSH.Port))
	}

	if cfg.Upload.Workers < 1 {
		errs = append(errs, fmt.Sprintf("upload: 'workers' must be at least 1, got %d", cfg.Upload.Workers))
	}

	switch cfg.Registry.Type {
	case "ec2":
		// region defaults from the store
	case "static":
		if len(cfg.Registry.Hosts) == 0 {
			errs = append(errs, "registry: type 'static' requires at least one host")
		}
	case "":
		errs = append(errs, "registry: 'type' is required, must be one of: ec2, static")
	default:
		errs = append(errs, fmt.Sprintf("registry: unknown type '%s', must be one of: ec2, static", cfg.Registry.Type))
	}

	names := make(map[string]bool)
	for i, h := range cfg.Registry.Hosts {
		prefix := fmt.Sprintf("host[%d]", i)
		if h.Name != "" {
			prefix = fmt.Sprintf("host '%s'", h.Name)
		}
		if h.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: 'name' is required", prefix))
		} else if names[h.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate host name '%s'", prefix, h.Name))
		} else {
			names[h.Name] = true
		}
		if h.Service == "" {
			errs = append(errs, fmt.Sprintf("%s: 'service' is required", prefix))
		}
	}

	return errs
}

func validateTemplate(field, text string) []string {
	if text == "" {
		return []string{fmt.Sprintf("%s: template is required", field)}
	}
	if _, err := template.New(field).Parse(text); err != nil {
		return []string{fmt.Sprintf("%s: %v", field, err)}
	}
	return nil
}
