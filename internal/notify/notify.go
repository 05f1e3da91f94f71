// Package notify delivers deploy progress events to operators: the local
// terminal, the structured log and a shared Slack channel.
package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Level is the severity of an event.
type Level int

const (
	Info Level = iota
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Event is one step of a deploy narrative.
type Event struct {
	Time     time.Time
	Operator string // who started the deploy, if known
	Host     string
	Kind     string
	DeployID string
	Step     string
	Text     string
	Level    Level
}

// Prefix returns the tag shown in front of every message, such as
// "[alice] [b01:shoebox:3fa]".
func (e Event) Prefix() string {
	var b strings.Builder
	if e.Operator != "" {
		fmt.Fprintf(&b, "[%s] ", e.Operator)
	}
	var tag []string
	for _, s := range []string{e.Host, e.Kind, e.DeployID} {
		if s != "" {
			tag = append(tag, s)
		}
	}
	if len(tag) > 0 {
		fmt.Fprintf(&b, "[%s]", strings.Join(tag, ":"))
	}
	return strings.TrimSpace(b.String())
}

// Message returns the full text of the event, prefix included.
func (e Event) Message() string {
	if p := e.Prefix(); p != "" {
		return p + " " + e.Text
	}
	return e.Text
}

// Notifier delivers events. Implementations must be safe for concurrent
// use. A delivery failure must never abort a deploy; callers log it.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// DeliveryError reports an event that could not be delivered.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering notification to %s: %s", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Multi fans an event out to several notifiers. Every notifier is tried;
// failures are combined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var result *multierror.Error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Writer prints events as lines to an io.Writer, such as the terminal.
type Writer struct {
	mu  sync.Mutex
	Out io.Writer
}

// NewWriter returns a notifier printing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{Out: w}
}

func (w *Writer) Notify(ctx context.Context, e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.Out, e.Message()); err != nil {
		return &DeliveryError{Sink: "terminal", Err: err}
	}
	return nil
}

// Log records events in the structured log.
type Log struct {
	Logger *zap.Logger
}

func (l *Log) Notify(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("host", e.Host),
		zap.String("service", e.Kind),
		zap.String("deploy_id", e.DeployID),
		zap.String("step", e.Step),
	}
	if e.Operator != "" {
		fields = append(fields, zap.String("operator", e.Operator))
	}
	switch e.Level {
	case Error:
		l.Logger.Error(e.Text, fields...)
	case Warn:
		l.Logger.Warn(e.Text, fields...)
	default:
		l.Logger.Info(e.Text, fields...)
	}
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) error { return nil }
