package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/command"
	"github.com/kifi/eddie/internal/lock"
	"github.com/kifi/eddie/internal/notify"
	"github.com/kifi/eddie/internal/registry"
	"github.com/kifi/eddie/internal/remote"
	"github.com/kifi/eddie/internal/resolve"
)

// DefaultRemoteCommand is the command template run on each host. It
// receives "kind", "version" and "force" (empty or "true").
const DefaultRemoteCommand = "eddie self-deploy --service {{ .kind }}{{ if .force }} --force{{ end }} -- {{ .version }}"

// Mode selects how a fleet deploy proceeds.
type Mode string

const (
	// ModeSafe deploys one host at a time and stops at the first host that
	// does not come up healthy.
	ModeSafe Mode = "safe"
	// ModeForce deploys to every host at once without waiting.
	ModeForce Mode = "force"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSafe, ModeForce:
		return Mode(s), nil
	case "":
		return ModeSafe, nil
	}
	return "", fmt.Errorf("unknown mode '%s': use safe or force", s)
}

// ArtifactLister reads the artifact store.
type ArtifactLister interface {
	List(ctx context.Context, kind string) ([]artifact.Artifact, error)
	Lookup(ctx context.Context, kind, hash string) (artifact.Artifact, error)
}

// FleetEngine rolls a build out to every host of a service.
type FleetEngine struct {
	Registry registry.Registry
	Store    ArtifactLister
	Starter  remote.Starter
	Output   *remote.Output
	Notifier notify.Notifier
	LockDir  string
	Command  string // remote command template; DefaultRemoteCommand if empty
	Logger   *zap.Logger
	// Grace is how long an interrupted force deploy waits for hosts to
	// stop. Defaults to 5s.
	Grace    time.Duration
}

// FleetOptions configures a fleet deploy.
type FleetOptions struct {
	Kind     string
	Host     string // deploy to this host only
	Mode     Mode
	Ref      resolve.Ref
	Rollback bool // in safe mode, roll a failed host back one version
	NoLock   bool
	Operator string
	// Confirm, if set, is asked before anything is dispatched. Returning
	// false cancels the deploy.
	Confirm func(Plan) bool
}

// Plan is what a fleet deploy is about to do.
type Plan struct {
	Kind    string
	Mode    Mode
	Version string // sent to every host
	Display string // human description of the version
	Targets []registry.Instance
}

// HostNames returns the target names in order.
func (p Plan) HostNames() []string {
	names := make([]string, len(p.Targets))
	for i, t := range p.Targets {
		names[i] = t.Name
	}
	return names
}

// FleetResult holds the outcome of a fleet deploy.
type FleetResult struct {
	Plan         Plan
	Completed    []string
	Failed       []string // force mode only
	AbortedAfter string   // safe mode: the host whose failure stopped the rollout
	RolledBack   []string
	LockHeld     bool // another fleet deploy of the kind was running
	Cancelled    bool // the operator declined the plan
}

// Deploy rolls the version selected by opts.Ref out to the fleet.
func (e *FleetEngine) Deploy(ctx context.Context, opts FleetOptions) (result *FleetResult, err error) {
	result = &FleetResult{}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return result, err
	}
	opts.Mode = mode
	f := &fleetDeploy{e: e, opts: opts}
	defer f.recoverPanic(ctx, &err)

	if mode == ModeSafe && !opts.NoLock {
		l := lock.ForKind(e.LockDir, opts.Kind)
		if err := l.TryLock(); err != nil {
			if errors.Is(err, lock.ErrContended) {
				result.LockHeld = true
				f.emit(ctx, notify.Warn, fmt.Sprintf("Another deploy of %s is in progress. Aborting this one.", strings.ToUpper(opts.Kind)))
				return result, nil
			}
			return result, f.fatal(ctx, err)
		}
		defer func() {
			if err := l.Unlock(); err != nil {
				e.logger().Error("releasing fleet lock", zap.Error(err))
			}
		}()
	}

	targets, err := registry.Targets(ctx, e.Registry, opts.Kind, opts.Host)
	if err != nil {
		return result, f.fatal(ctx, err)
	}
	version, display, err := e.pin(ctx, opts.Kind, opts.Ref)
	if err != nil {
		return result, f.fatal(ctx, err)
	}
	result.Plan = Plan{Kind: opts.Kind, Mode: mode, Version: version, Display: display, Targets: targets}

	if opts.Confirm != nil && !opts.Confirm(result.Plan) {
		result.Cancelled = true
		f.emit(ctx, notify.Warn, "Manual abort.")
		return result, nil
	}

	f.emit(ctx, notify.Info, fmt.Sprintf("Triggered deploy of %s to [%s] in %s mode with version %s",
		strings.ToUpper(opts.Kind), strings.Join(result.Plan.HostNames(), ", "), mode, display))

	if mode == ModeForce {
		return result, f.force(ctx, result)
	}
	return result, f.safe(ctx, result)
}

// pin turns a reference into the version string sent to hosts. Latest is
// resolved here so that every host installs the same build even if a new
// one is published mid-rollout.
func (e *FleetEngine) pin(ctx context.Context, kind string, ref resolve.Ref) (version, display string, err error) {
	switch ref.Kind {
	case resolve.Latest:
		list, err := e.Store.List(ctx, kind)
		if err != nil {
			return "", "", err
		}
		if len(list) == 0 {
			return "", "", &resolve.NotFoundError{Kind: kind, Ref: ref}
		}
		return list[0].Hash, list[0].Name() + " (latest)", nil
	case resolve.Hash:
		a, err := e.Store.Lookup(ctx, kind, ref.Hash)
		if err != nil {
			// Hosts may still have the build locally.
			e.logger().Warn("version not found in store", zap.String("hash", ref.Hash), zap.Error(err))
			return ref.Hash, ref.Hash, nil
		}
		return a.Hash, a.Name(), nil
	default:
		return ref.String(), ref.String(), nil
	}
}

type fleetDeploy struct {
	e    *FleetEngine
	opts FleetOptions
}

func (f *fleetDeploy) safe(ctx context.Context, result *FleetResult) error {
	for _, host := range result.Plan.Targets {
		if ctx.Err() != nil {
			f.emit(ctx, notify.Warn, "Manual abort.")
			return ErrInterrupted
		}
		f.emit(ctx, notify.Info, fmt.Sprintf("Deploy triggered on %s. Waiting for the machine to finish.", host.Name))

		err := f.run(ctx, host, result.Plan.Version, false)
		if errors.Is(err, ErrInterrupted) {
			f.emit(ctx, notify.Warn, "Manual abort.")
			return ErrInterrupted
		}
		if err != nil {
			result.AbortedAfter = host.Name
			f.emit(ctx, notify.Error, fmt.Sprintf("Deploy failed on %s: %v", host.Name, err))
			if f.opts.Rollback {
				f.rollback(ctx, host, result)
			}
			f.emit(ctx, notify.Error, fmt.Sprintf("Rollout aborted after %s.", host.Name))
			return &AbortError{Step: HealthPolling, Host: host.Name, Reason: "host did not come up healthy", Err: err}
		}

		result.Completed = append(result.Completed, host.Name)
		f.emit(ctx, notify.Info, fmt.Sprintf("Done with %s.", host.Name))
	}
	f.emit(ctx, notify.Info, "Deployment complete.")
	return nil
}

func (f *fleetDeploy) rollback(ctx context.Context, host registry.Instance, result *FleetResult) {
	f.emit(ctx, notify.Warn, fmt.Sprintf("Rolling %s back one version.", host.Name))
	if err := f.run(ctx, host, resolve.RelativeRef(-1).String(), false); err != nil {
		f.emit(ctx, notify.Error, fmt.Sprintf("Rollback of %s failed: %v", host.Name, err))
		return
	}
	result.RolledBack = append(result.RolledBack, host.Name)
	f.emit(ctx, notify.Info, fmt.Sprintf("Rolled back %s.", host.Name))
}

func (f *fleetDeploy) force(ctx context.Context, result *FleetResult) error {
	var (
		mu       sync.Mutex
		failures *multierror.Error
		wg       sync.WaitGroup
		sessions []remote.Session
	)
	// stopped is set once force has returned; late sessions are not recorded.
	stopped := false
	record := func(host string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", host, err))
			result.Failed = append(result.Failed, host)
			return
		}
		result.Completed = append(result.Completed, host)
	}

	for _, host := range result.Plan.Targets {
		w := f.e.output().For(host.Name)
		s, err := f.start(ctx, host, result.Plan.Version, true, w)
		if err != nil {
			f.e.logger().Error("could not start deploy", zap.String("host", host.Name), zap.Error(err))
			record(host.Name, err)
			continue
		}
		sessions = append(sessions, s)
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			err := s.Wait()
			_ = w.Flush()
			record(host, err)
		}(host.Name)
	}
	f.emit(ctx, notify.Info, "Deploy triggered on all instances. Waiting for them to finish.")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		f.emit(ctx, notify.Warn, "Manual abort. Might be too late (force mode).")
		for _, s := range sessions {
			_ = s.Interrupt()
		}
		for _, s := range sessions {
			_ = s.Close()
		}
		select {
		case <-done:
		case <-time.After(f.e.grace()):
		}
		mu.Lock()
		stopped = true
		mu.Unlock()
		return ErrInterrupted
	}

	sort.Strings(result.Completed)
	sort.Strings(result.Failed)
	if err := failures.ErrorOrNil(); err != nil {
		f.e.logger().Warn("force deploy finished with failures", zap.Error(err))
		f.emit(ctx, notify.Warn, fmt.Sprintf("Deploy finished; failed on %s.", strings.Join(result.Failed, ", ")))
		return nil
	}
	f.emit(ctx, notify.Info, "Deployment complete.")
	return nil
}

// run executes the remote self-deploy on host and waits for it. If ctx is
// cancelled the remote command is interrupted and ErrInterrupted returned.
func (f *fleetDeploy) run(ctx context.Context, host registry.Instance, version string, force bool) error {
	w := f.e.output().For(host.Name)
	defer w.Flush()

	s, err := f.start(ctx, host, version, force, w)
	if err != nil {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return err
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if err := s.Interrupt(); err != nil {
			f.e.logger().Warn("interrupting remote deploy", zap.String("host", host.Name), zap.Error(err))
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return ErrInterrupted
	}
}

func (f *fleetDeploy) start(ctx context.Context, host registry.Instance, version string, force bool, w *remote.HostWriter) (remote.Session, error) {
	tmpl := f.e.Command
	if tmpl == "" {
		tmpl = DefaultRemoteCommand
	}
	forceVar := ""
	if force {
		forceVar = "true"
	}
	cmdline, err := command.Render(tmpl, map[string]string{"kind": f.opts.Kind, "version": version, "force": forceVar})
	if err != nil {
		return nil, err
	}
	return f.e.Starter.Start(ctx, host, cmdline, w)
}

// fatal reports an error that stops the deploy before anything is dispatched.
func (f *fleetDeploy) fatal(ctx context.Context, err error) error {
	f.emit(ctx, notify.Error, fmt.Sprintf("Fatal error starting deploy: %v", err))
	return err
}

func (f *fleetDeploy) recoverPanic(ctx context.Context, err *error) {
	r := recover()
	if r == nil {
		return
	}
	f.e.logger().Error("fleet deploy panicked", zap.Any("panic", r))
	f.emit(ctx, notify.Error, fmt.Sprintf("Fatal error: %v\n%s", r, debug.Stack()))
	*err = fmt.Errorf("deploy panicked: %v", r)
}

func (f *fleetDeploy) emit(ctx context.Context, level notify.Level, text string) {
	if f.e.Notifier == nil {
		return
	}
	err := f.e.Notifier.Notify(ctx, notify.Event{
		Time:     time.Now(),
		Operator: f.opts.Operator,
		Kind:     f.opts.Kind,
		Step:     "fleet",
		Text:     text,
		Level:    level,
	})
	if err != nil {
		f.e.logger().Warn("notification failed", zap.Error(err))
	}
}

func (e *FleetEngine) output() *remote.Output {
	if e.Output == nil {
		e.Output = remote.NewOutput(os.Stdout)
	}
	return e.Output
}

func (e *FleetEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *FleetEngine) grace() time.Duration {
	if e.Grace <= 0 {
		return 5 * time.Second
	}
	return e.Grace
}
