package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the eddie.yaml configuration file.
type Config struct {
	Version   int             `yaml:"version"`
	Store     StoreConfig     `yaml:"store"`
	Paths     PathsConfig     `yaml:"paths"`
	Retention RetentionConfig `yaml:"retention"`
	Service   ServiceConfig   `yaml:"service"`
	Health    HealthConfig    `yaml:"health"`
	Notify    NotifyConfig    `yaml:"notify,omitempty"`
	SSH       SSHConfig       `yaml:"ssh"`
	Upload    UploadConfig    `yaml:"upload"`
	Registry  RegistryConfig  `yaml:"registry"`
}

// StoreConfig selects where build artifacts live.
type StoreConfig struct {
	Type   string `yaml:"type"` // "s3", "dir"
	Bucket string `yaml:"bucket,omitempty"`
	Region string `yaml:"region,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// PathsConfig holds the host directories used by self-deploy.
type PathsConfig struct {
	Work    string `yaml:"work"`
	Run     string `yaml:"run"`
	Holding string `yaml:"holding"`
	LockDir string `yaml:"lock_dir"`
}

// RetentionConfig bounds how many builds are kept per kind.
type RetentionConfig struct {
	Active  int `yaml:"active"`
	Holding int `yaml:"holding"`
}

// ServiceConfig controls how services are stopped and started.
type ServiceConfig struct {
	Control string `yaml:"control"`
}

// HealthConfig controls post-start health polling.
type HealthConfig struct {
	URL      string   `yaml:"url"`
	Timeout  Duration `yaml:"timeout"`
	Interval Duration `yaml:"interval"`
	Progress Duration `yaml:"progress"`

	// AttemptTimeout bounds a single health request. Zero means the larger of
	// Interval and one second.
	AttemptTimeout Duration `yaml:"attempt_timeout,omitempty"`
}

// NotifyConfig lists notification sinks beyond the terminal.
type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack,omitempty"`
}

// SlackConfig configures the Slack webhook sink. An empty WebhookURL
// disables it.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Channel    string `yaml:"channel,omitempty"`
	Username   string `yaml:"username,omitempty"`
	IconEmoji  string `yaml:"icon_emoji,omitempty"`
}

// SSHConfig controls remote execution during fleet deploys.
type SSHConfig struct {
	User       string `yaml:"user"`
	Port       int    `yaml:"port"`
	KeyFile    string `yaml:"key_file,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
	Command    string `yaml:"command,omitempty"`
}

// UploadConfig tunes multipart publishing.
type UploadConfig struct {
	Workers    int      `yaml:"workers"`
	Retries    int      `yaml:"retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// RegistryConfig selects where instances are discovered.
type RegistryConfig struct {
	Type   string `yaml:"type"` // "ec2", "static"
	Region string `yaml:"region,omitempty"`
	Hosts  []Host `yaml:"hosts,omitempty"`
}

// Host is a statically configured instance.
type Host struct {
	Name    string `yaml:"name"`
	Service string `yaml:"service"`
	Mode    string `yaml:"mode,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("20s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string such as \"20s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}
