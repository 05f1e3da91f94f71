package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

const exampleConfig = `version: 1
store:
  type: s3
  bucket: fortytwo-builds
  region: us-west-1
paths:
  work: /home/fortytwo/repo
  run: /home/fortytwo/run
  holding: /home/fortytwo/old
  lock_dir: /home/fortytwo/locks
retention:
  active: 5
  holding: 2
health:
  url: http://localhost:9000/up
  timeout: 20m
  interval: 2s
notify:
  slack:
    webhook_url: https://hooks.slack.com/services/T0/B0/x
    channel: "#deploy"
registry:
  type: static
  hosts:
    - name: b01
      service: shoebox
      mode: primary
    - name: b02
      service: shoebox
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eddie.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func containsSubstring(errs []string, sub string) bool {
	for _, e := range errs {
		if strings.Contains(e, sub) {
			return true
		}
	}
	return false
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, exampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("version = %d, want 1", cfg.Version)
	}
	if cfg.Health.Timeout.D() != 20*time.Minute {
		t.Errorf("health timeout = %v, want 20m", cfg.Health.Timeout.D())
	}
	if cfg.Health.Progress.D() != 20*time.Second {
		t.Errorf("health progress = %v, want default 20s", cfg.Health.Progress.D())
	}
	if len(cfg.Registry.Hosts) != 2 {
		t.Errorf("hosts = %d, want 2", len(cfg.Registry.Hosts))
	}
	if cfg.SSH.Port != 22 {
		t.Errorf("ssh port = %d, want default 22", cfg.SSH.Port)
	}
	if cfg.Notify.Slack.Channel != "#deploy" {
		t.Errorf("slack channel = %q", cfg.Notify.Slack.Channel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/eddie.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "version: 1\nhealth:\n  timeout: forever\n"))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
	if !strings.Contains(err.Error(), "parsing config") {
		t.Errorf("error = %v, want parse error", err)
	}
}

func TestLoadValidationError(t *testing.T) {
	_, err := Load(writeConfig(t, "version: 1\nstore:\n  type: ftp\n"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if !containsSubstring(verr.Errors, "unknown type 'ftp'") {
		t.Errorf("errors = %v", verr.Errors)
	}
	if !strings.HasPrefix(err.Error(), "config validation failed:") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestDefaultRoundTripsThroughYAML(t *testing.T) {
	want := Default()
	data, err := yaml.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "timeout: 20m0s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}
	cfg, err := Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateVersionInvalid(t *testing.T) {
	cfg := Default()
	cfg.Version = 99
	if errs := Validate(cfg); !containsSubstring(errs, "unsupported version") {
		t.Errorf("expected version error, got: %v", errs)
	}
}

func TestValidateStore(t *testing.T) {
	tests := []struct {
		name  string
		store StoreConfig
		want  string
	}{
		{"s3 without bucket", StoreConfig{Type: "s3"}, "requires 'bucket'"},
		{"dir without path", StoreConfig{Type: "dir"}, "requires 'path'"},
		{"missing type", StoreConfig{}, "'type' is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Store = tt.store
			if errs := Validate(cfg); !containsSubstring(errs, tt.want) {
				t.Errorf("expected %q, got: %v", tt.want, errs)
			}
		})
	}
}

func TestValidateDirStore(t *testing.T) {
	cfg := Default()
	cfg.Store = StoreConfig{Type: "dir", Path: "/srv/builds"}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestValidateRetention(t *testing.T) {
	cfg := Default()
	cfg.Retention = RetentionConfig{Active: 0, Holding: -1}
	errs := Validate(cfg)
	if !containsSubstring(errs, "'active' must be at least 1") {
		t.Errorf("expected active error, got: %v", errs)
	}
	if !containsSubstring(errs, "'holding' must not be negative") {
		t.Errorf("expected holding error, got: %v", errs)
	}
}

func TestValidateSamePaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.Holding = cfg.Paths.Run
	if errs := Validate(cfg); !containsSubstring(errs, "must be different") {
		t.Errorf("expected path error, got: %v", errs)
	}
}

func TestValidateTemplates(t *testing.T) {
	cfg := Default()
	cfg.Service.Control = "sudo /etc/init.d/{{ .kind"
	cfg.SSH.Command = ""
	errs := Validate(cfg)
	if !containsSubstring(errs, "service.control") {
		t.Errorf("expected control template error, got: %v", errs)
	}
	if !containsSubstring(errs, "ssh.command: template is required") {
		t.Errorf("expected command error, got: %v", errs)
	}
}

func TestValidateHealth(t *testing.T) {
	cfg := Default()
	cfg.Health.URL = "localhost:9000"
	cfg.Health.Interval = Duration(time.Hour)
	errs := Validate(cfg)
	if !containsSubstring(errs, "invalid url") {
		t.Errorf("expected url error, got: %v", errs)
	}
	if !containsSubstring(errs, "must not exceed") {
		t.Errorf("expected interval error, got: %v", errs)
	}
}

func TestValidateSlackWebhook(t *testing.T) {
	cfg := Default()
	cfg.Notify.Slack.WebhookURL = "http://hooks.slack.com/x"
	if errs := Validate(cfg); !containsSubstring(errs, "https") {
		t.Errorf("expected webhook error, got: %v", errs)
	}
}

func TestValidateStaticRegistry(t *testing.T) {
	cfg := Default()
	cfg.Registry = RegistryConfig{
		Type: "static",
		Hosts: []Host{
			{Name: "b01", Service: "shoebox"},
			{Name: "b01", Service: "shoebox"},
			{Name: "", Service: "search"},
			{Name: "b03"},
		},
	}
	errs := Validate(cfg)
	for _, want := range []string{"duplicate host name 'b01'", "host[2]: 'name' is required", "host 'b03': 'service' is required"} {
		if !containsSubstring(errs, want) {
			t.Errorf("expected %q, got: %v", want, errs)
		}
	}

	cfg.Registry.Hosts = nil
	if errs := Validate(cfg); !containsSubstring(errs, "at least one host") {
		t.Errorf("expected host requirement error, got: %v", errs)
	}
}

func TestLoadLayered(t *testing.T) {
	dir := t.TempDir()
	sys := filepath.Join(dir, "system.yaml")
	user := filepath.Join(dir, "user.yaml")
	project := filepath.Join(dir, "project.yaml")

	os.WriteFile(sys, []byte("version: 1\nstore:\n  bucket: system-builds\nretention:\n  active: 7\n"), 0644)
	os.WriteFile(user, []byte("ssh:\n  user: deploy\n"), 0644)
	os.WriteFile(project, []byte("retention:\n  active: 3\n"), 0644)

	cfg, layers, err := LoadLayered(DiscoverOptions{
		ProjectPath:      project,
		SystemConfigPath: sys,
		UserConfigPath:   user,
	})
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}
	for _, l := range layers {
		if !l.Loaded {
			t.Errorf("layer %s not loaded", l.Level)
		}
	}
	if cfg.Store.Bucket != "system-builds" {
		t.Errorf("bucket = %q, want system-builds", cfg.Store.Bucket)
	}
	if cfg.Retention.Active != 3 {
		t.Errorf("active = %d, want project value 3", cfg.Retention.Active)
	}
	if cfg.SSH.User != "deploy" {
		t.Errorf("ssh user = %q, want deploy", cfg.SSH.User)
	}
}

func TestLoadLayeredSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, layers, err := LoadLayered(DiscoverOptions{
		ProjectPath:      filepath.Join(dir, "none.yaml"),
		SystemConfigPath: filepath.Join(dir, "nope.yaml"),
		UserConfigPath:   filepath.Join(dir, "nada.yaml"),
	})
	if err != nil {
		t.Fatalf("LoadLayered: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("layers = %d, want 3", len(layers))
	}
	for _, l := range layers {
		if l.Loaded {
			t.Errorf("layer %s should not be loaded", l.Level)
		}
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("expected defaults (-want +got):\n%s", diff)
	}
}

func TestLoadLayeredProjectRequired(t *testing.T) {
	dir := t.TempDir()
	_, _, err := LoadLayered(DiscoverOptions{
		ProjectPath:      filepath.Join(dir, "none.yaml"),
		ProjectRequired:  true,
		SystemConfigPath: filepath.Join(dir, "nope.yaml"),
		UserConfigPath:   filepath.Join(dir, "nada.yaml"),
	})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestLoadLayeredParseErrorRecorded(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("version: [\n"), 0644)

	_, layers, err := LoadLayered(DiscoverOptions{
		ProjectPath:      filepath.Join(dir, "none.yaml"),
		SystemConfigPath: bad,
		UserConfigPath:   filepath.Join(dir, "nada.yaml"),
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if layers[0].Err == nil {
		t.Error("system layer should record its error")
	}
}

func TestLoadLayeredVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte("version: 1\n"), 0644)
	os.WriteFile(b, []byte("version: 2\n"), 0644)

	_, _, err := LoadLayered(DiscoverOptions{ProjectPath: b, SystemConfigPath: a, UserConfigPath: filepath.Join(dir, "x.yaml")})
	if err == nil || !strings.Contains(err.Error(), "version mismatch") {
		t.Errorf("expected version mismatch, got %v", err)
	}
}
