// Package service starts and stops the service on the local host.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/kifi/eddie/internal/command"
)

// DefaultControl is the command template used to control a service.
const DefaultControl = "sudo /etc/init.d/{{ .kind }} {{ .action }}"

// Action is a service control action.
type Action string

const (
	Stop  Action = "stop"
	Start Action = "start"
)

// Controller stops and starts services.
type Controller interface {
	Stop(ctx context.Context, kind string) error
	Start(ctx context.Context, kind string) error
}

// ControlError reports a control command that failed or exited non-zero.
type ControlError struct {
	Kind     string
	Action   Action
	ExitCode int // -1 if the command could not be run
	Output   string
	Err      error
}

func (e *ControlError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Action, e.Kind)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit status %d", e.ExitCode)
	}
	if e.Err != nil && e.ExitCode < 0 {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLine(out)
	}
	return msg
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// Runner executes a shell command line and returns its combined output.
type Runner interface {
	Run(ctx context.Context, cmdline string) ([]byte, error)
}

// ShellRunner runs command lines with /bin/sh.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, cmdline string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// InitScript controls services through a command template such as
// DefaultControl. The template receives "kind" and "action".
type InitScript struct {
	Template string
	Runner   Runner
	Logger   *zap.Logger
}

func (s *InitScript) Stop(ctx context.Context, kind string) error {
	return s.run(ctx, kind, Stop)
}

func (s *InitScript) Start(ctx context.Context, kind string) error {
	return s.run(ctx, kind, Start)
}

func (s *InitScript) run(ctx context.Context, kind string, action Action) error {
	tmpl := s.Template
	if tmpl == "" {
		tmpl = DefaultControl
	}
	cmdline, err := command.Render(tmpl, map[string]string{"kind": kind, "action": string(action)})
	if err != nil {
		return &ControlError{Kind: kind, Action: action, ExitCode: -1, Err: err}
	}

	runner := s.Runner
	if runner == nil {
		runner = ShellRunner{}
	}
	log := s.logger().With(zap.String("service", kind), zap.String("action", string(action)))
	log.Debug("running service control", zap.String("command", cmdline))

	out, err := runner.Run(ctx, cmdline)
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		log.Warn("service control failed", zap.Int("exit_code", code), zap.Error(err))
		return &ControlError{Kind: kind, Action: action, ExitCode: code, Output: string(out), Err: err}
	}
	log.Info("service control ok")
	return nil
}

func (s *InitScript) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func lastLine(s string) string {
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
