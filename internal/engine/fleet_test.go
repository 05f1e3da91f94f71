package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/lock"
	"github.com/kifi/eddie/internal/notify"
	"github.com/kifi/eddie/internal/registry"
	"github.com/kifi/eddie/internal/remote"
	"github.com/kifi/eddie/internal/resolve"
	"github.com/kifi/eddie/internal/store"
)

type fakeStore struct {
	keys []string
}

func (f *fakeStore) List(ctx context.Context, kind string) ([]artifact.Artifact, error) {
	list := artifact.FilterKind(artifact.ParseAll(f.keys), kind)
	artifact.SortNewestFirst(list)
	return list, nil
}

func (f *fakeStore) Lookup(ctx context.Context, kind, hash string) (artifact.Artifact, error) {
	list, _ := f.List(ctx, kind)
	if a, ok := artifact.FindHash(list, hash); ok {
		return a, nil
	}
	return artifact.Artifact{}, store.ErrNotFound
}

// behavior decides how a remote command ends: with an exit code, or not at
// all until interrupted (block). A deaf session ignores interrupts too.
type behavior struct {
	code  int
	block bool
	deaf  bool
}

type fakeStarter struct {
	mu       sync.Mutex
	behave   func(host, cmdline string) behavior
	commands map[string][]string
	sessions []*fakeSession
	started  chan struct{}
}

func newFakeStarter(behave func(host, cmdline string) behavior) *fakeStarter {
	return &fakeStarter{behave: behave, commands: map[string][]string{}, started: make(chan struct{}, 16)}
}

func (f *fakeStarter) Start(ctx context.Context, host registry.Instance, cmdline string, out io.Writer) (remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[host.Name] = append(f.commands[host.Name], cmdline)
	b := f.behave(host.Name, cmdline)
	s := &fakeSession{host: host.Name, done: make(chan struct{}), deaf: b.deaf}
	fmt.Fprintf(out, "running %s\n", cmdline)
	if !b.block {
		s.finish(b.code)
	}
	f.sessions = append(f.sessions, s)
	f.started <- struct{}{}
	return s, nil
}

func (f *fakeStarter) cmds() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]string{}
	for k, v := range f.commands {
		out[k] = append([]string(nil), v...)
	}
	return out
}

type fakeSession struct {
	host        string
	mu          sync.Mutex
	code        int
	done        chan struct{}
	once        sync.Once
	interrupted bool
	deaf        bool
}

func (s *fakeSession) finish(code int) {
	s.once.Do(func() {
		s.code = code
		close(s.done)
	})
}

func (s *fakeSession) Wait() error {
	<-s.done
	if s.code != 0 {
		return &remote.ExitError{Host: s.host, Code: s.code}
	}
	return nil
}

func (s *fakeSession) Interrupt() error {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	if !s.deaf {
		s.finish(130)
	}
	return nil
}

func (s *fakeSession) Close() error { return nil }

var twoHosts = registry.Static{
	{Name: "h1", Service: "svc", Mode: "primary"},
	{Name: "h2", Service: "svc", Mode: "primary"},
	{Name: "h3", Service: "svc", Mode: "canary"},
}

var storeKeys = []string{
	"svc-20240101-0900-x-aaa111.zip",
	"svc-20240102-0900-x-bbb222.zip",
}

func newFleet(t *testing.T, starter *fakeStarter) (*FleetEngine, *recorder, *bytes.Buffer) {
	t.Helper()
	events := &recorder{}
	var out bytes.Buffer
	return &FleetEngine{
		Registry: twoHosts,
		Store:    &fakeStore{keys: storeKeys},
		Starter:  starter,
		Output:   remote.NewOutput(&out),
		Notifier: events,
		LockDir:  filepath.Join(t.TempDir(), "locks"),
	}, events, &out
}

func succeed(host, cmdline string) behavior { return behavior{} }

func TestFleetSafeDeploysInOrderWithPinnedVersion(t *testing.T) {
	starter := newFakeStarter(succeed)
	e, events, out := newFleet(t, starter)

	res, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe, Ref: resolve.LatestRef, Operator: "alice"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if diff := cmp.Diff([]string{"h1", "h2"}, res.Completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
	want := map[string][]string{
		"h1": {"eddie self-deploy --service svc -- bbb222"},
		"h2": {"eddie self-deploy --service svc -- bbb222"},
	}
	if diff := cmp.Diff(want, starter.cmds()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if res.Plan.Display != "svc-20240102-0900-x-bbb222 (latest)" {
		t.Errorf("display = %q", res.Plan.Display)
	}
	for _, ev := range events.events {
		if ev.Operator != "alice" {
			t.Errorf("event without operator: %+v", ev)
		}
	}
	if !strings.Contains(out.String(), "[h1] running eddie self-deploy") {
		t.Errorf("remote output not prefixed: %q", out.String())
	}
}

func TestFleetSafeAbortsAndRollsBackFailedHost(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior {
		if host == "h1" && strings.HasSuffix(cmdline, "bbb222") {
			return behavior{code: 1}
		}
		return behavior{}
	})
	e, events, _ := newFleet(t, starter)

	res, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe, Rollback: true})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected *AbortError, got %v", err)
	}
	if !strings.Contains(err.Error(), "aborted after h1") {
		t.Errorf("error = %v", err)
	}
	if res.AbortedAfter != "h1" {
		t.Errorf("AbortedAfter = %q", res.AbortedAfter)
	}
	if diff := cmp.Diff([]string{"h1"}, res.RolledBack); diff != "" {
		t.Errorf("rolled back mismatch (-want +got):\n%s", diff)
	}

	want := map[string][]string{
		"h1": {
			"eddie self-deploy --service svc -- bbb222",
			"eddie self-deploy --service svc -- -1",
		},
	}
	if diff := cmp.Diff(want, starter.cmds()); diff != "" {
		t.Errorf("h2 must never be touched (-want +got):\n%s", diff)
	}
	texts := events.texts()
	if texts[len(texts)-1] != "Rollout aborted after h1." {
		t.Errorf("last event = %q", texts[len(texts)-1])
	}
}

func TestFleetSafeWithoutRollback(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior {
		if host == "h2" {
			return behavior{code: 2}
		}
		return behavior{}
	})
	e, _, _ := newFleet(t, starter)

	res, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe})
	if err == nil {
		t.Fatal("expected abort")
	}
	if diff := cmp.Diff([]string{"h1"}, res.Completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
	if res.AbortedAfter != "h2" || len(res.RolledBack) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if n := len(starter.cmds()["h2"]); n != 1 {
		t.Errorf("h2 ran %d commands, want 1", n)
	}
}

func TestFleetForceInterruptSignalsAll(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior { return behavior{block: true} })
	e, _, _ := newFleet(t, starter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-starter.started
		<-starter.started
		cancel()
	}()

	res, err := e.Deploy(ctx, FleetOptions{Kind: "svc", Mode: ModeForce, Rollback: true})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(starter.sessions))
	}
	for _, s := range starter.sessions {
		s.mu.Lock()
		if !s.interrupted {
			t.Errorf("session on %s was not interrupted", s.host)
		}
		s.mu.Unlock()
	}
	for host, cmds := range starter.commands {
		if len(cmds) != 1 {
			t.Errorf("%s: no rollback expected in force mode, got %v", host, cmds)
		}
		if !strings.Contains(cmds[0], "--force") {
			t.Errorf("%s: force deploy must bypass the remote lock: %s", host, cmds[0])
		}
	}
	if len(res.RolledBack) != 0 {
		t.Errorf("rolled back: %v", res.RolledBack)
	}
}

func TestFleetForceIgnoresHostsFinishingAfterInterrupt(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior {
		return behavior{block: true, deaf: host == "h1"}
	})
	e, _, _ := newFleet(t, starter)
	e.Grace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-starter.started
		<-starter.started
		cancel()
	}()

	res, err := e.Deploy(ctx, FleetOptions{Kind: "svc", Mode: ModeForce})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	completed := append([]string(nil), res.Completed...)
	failed := append([]string(nil), res.Failed...)

	starter.mu.Lock()
	for _, s := range starter.sessions {
		if s.host == "h1" {
			s.finish(0)
		}
	}
	starter.mu.Unlock()
	time.Sleep(100 * time.Millisecond)

	if diff := cmp.Diff(completed, res.Completed); diff != "" {
		t.Errorf("completed changed after Deploy returned (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(failed, res.Failed); diff != "" {
		t.Errorf("failed changed after Deploy returned (-before +after):\n%s", diff)
	}
	for _, h := range res.Completed {
		if h == "h1" {
			t.Errorf("h1 recorded as completed after the deploy was interrupted")
		}
	}
}

func TestFleetForceFailuresAreNotFatal(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior {
		if host == "h1" {
			return behavior{code: 1}
		}
		return behavior{}
	})
	e, _, _ := newFleet(t, starter)

	res, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeForce})
	if err != nil {
		t.Fatalf("force mode only logs failures, got %v", err)
	}
	if diff := cmp.Diff([]string{"h1"}, res.Failed); diff != "" {
		t.Errorf("failed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"h2"}, res.Completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
}

func TestFleetSafeInterrupt(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior { return behavior{block: true} })
	e, _, _ := newFleet(t, starter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-starter.started
		cancel()
	}()

	_, err := e.Deploy(ctx, FleetOptions{Kind: "svc", Mode: ModeSafe, Rollback: true})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	cmds := starter.cmds()
	if len(cmds["h1"]) != 1 || len(cmds["h2"]) != 0 {
		t.Errorf("unexpected commands: %v", cmds)
	}
}

func TestFleetLockContentionIsBenign(t *testing.T) {
	starter := newFakeStarter(succeed)
	e, _, _ := newFleet(t, starter)
	held := lock.ForKind(e.LockDir, "svc")
	if err := held.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer held.Unlock()

	res, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe})
	if err != nil {
		t.Fatalf("contention should not be an error, got %v", err)
	}
	if !res.LockHeld {
		t.Error("LockHeld not reported")
	}
	if len(starter.cmds()) != 0 {
		t.Errorf("nothing should be dispatched: %v", starter.cmds())
	}

	res, err = e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe, NoLock: true})
	if err != nil || len(res.Completed) != 2 {
		t.Errorf("--nolock deploy: %v, %+v", err, res)
	}
}

func TestFleetConfirmDeclined(t *testing.T) {
	starter := newFakeStarter(succeed)
	e, _, _ := newFleet(t, starter)

	var seen Plan
	res, err := e.Deploy(context.Background(), FleetOptions{
		Kind: "svc",
		Mode: ModeForce,
		Confirm: func(p Plan) bool {
			seen = p
			return false
		},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !res.Cancelled {
		t.Error("Cancelled not reported")
	}
	if diff := cmp.Diff([]string{"h1", "h2"}, seen.HostNames()); diff != "" {
		t.Errorf("plan hosts mismatch (-want +got):\n%s", diff)
	}
	if len(starter.cmds()) != 0 {
		t.Errorf("nothing should be dispatched: %v", starter.cmds())
	}
}

func TestFleetExplicitHost(t *testing.T) {
	starter := newFakeStarter(succeed)
	e, _, _ := newFleet(t, starter)

	res, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Host: "h3", Ref: resolve.HashRef("aaa111")})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if diff := cmp.Diff([]string{"h3"}, res.Completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
	if res.Plan.Display != "svc-20240101-0900-x-aaa111" {
		t.Errorf("display = %q", res.Plan.Display)
	}
}

func TestFleetPinning(t *testing.T) {
	e, _, _ := newFleet(t, newFakeStarter(succeed))
	ctx := context.Background()

	tests := []struct {
		ref     resolve.Ref
		version string
		display string
	}{
		{resolve.LatestRef, "bbb222", "svc-20240102-0900-x-bbb222 (latest)"},
		{resolve.HashRef("aaa111"), "aaa111", "svc-20240101-0900-x-aaa111"},
		{resolve.HashRef("unknown"), "unknown", "unknown"},
		{resolve.RelativeRef(-2), "-2", "-2"},
	}
	for _, tt := range tests {
		version, display, err := e.pin(ctx, "svc", tt.ref)
		if err != nil {
			t.Fatalf("pin(%s): %v", tt.ref, err)
		}
		if version != tt.version || display != tt.display {
			t.Errorf("pin(%s) = %q, %q; want %q, %q", tt.ref, version, display, tt.version, tt.display)
		}
	}

	if _, _, err := e.pin(ctx, "other", resolve.LatestRef); !errors.Is(err, resolve.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound for a kind with no builds, got %v", err)
	}
}

type panickyRegistry struct{}

func (panickyRegistry) Instances(ctx context.Context) ([]registry.Instance, error) {
	panic("registry exploded")
}

func TestFleetSetupErrorsAreNotified(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *FleetEngine)
		mode  Mode
		host  string
	}{
		{"empty store", func(e *FleetEngine) { e.Store = &fakeStore{} }, ModeSafe, ""},
		{"empty store force", func(e *FleetEngine) { e.Store = &fakeStore{} }, ModeForce, ""},
		{"empty registry", func(e *FleetEngine) { e.Registry = registry.Static{} }, ModeSafe, ""},
		{"unknown host", func(e *FleetEngine) {}, ModeForce, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := newFakeStarter(succeed)
			e, events, _ := newFleet(t, starter)
			tt.setup(e)
			opts := FleetOptions{Kind: "svc", Host: tt.host, Mode: tt.mode, Operator: "alice"}

			if _, err := e.Deploy(context.Background(), opts); err == nil {
				t.Fatal("expected an error")
			}
			if len(events.events) != 1 {
				t.Fatalf("events = %v, want one", events.texts())
			}
			ev := events.events[0]
			if ev.Level != notify.Error || !strings.HasPrefix(ev.Text, "Fatal error starting deploy: ") {
				t.Errorf("unexpected event: %+v", ev)
			}
			if ev.Operator != "alice" || ev.Kind != "svc" {
				t.Errorf("event not tagged: %+v", ev)
			}
			if len(starter.cmds()) != 0 {
				t.Errorf("nothing should be dispatched: %v", starter.cmds())
			}
		})
	}
}

func TestFleetRecoversPanic(t *testing.T) {
	e, events, _ := newFleet(t, newFakeStarter(succeed))
	e.Registry = panickyRegistry{}

	_, err := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe})
	if err == nil || !strings.Contains(err.Error(), "registry exploded") {
		t.Fatalf("expected the panic as an error, got %v", err)
	}
	texts := events.texts()
	if len(texts) != 1 {
		t.Fatalf("events = %v, want one", texts)
	}
	if !strings.HasPrefix(texts[0], "Fatal error: registry exploded\n") || !strings.Contains(texts[0], "goroutine") {
		t.Errorf("event should carry the panic and a stack trace: %q", texts[0])
	}

	// the deploy lock is released on the way out
	res, _ := e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe})
	if res.LockHeld {
		t.Errorf("lock still held after panic")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeSafe {
		t.Errorf("default mode = %q, %v", m, err)
	}
	if _, err := ParseMode("yolo"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestFleetSafeStopsAtFirstFailureQuickly(t *testing.T) {
	starter := newFakeStarter(func(host, cmdline string) behavior { return behavior{code: 1} })
	e, _, _ := newFleet(t, starter)

	done := make(chan struct{})
	go func() {
		_, _ = e.Deploy(context.Background(), FleetOptions{Kind: "svc", Mode: ModeSafe})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("safe deploy did not return after a failure")
	}
}
