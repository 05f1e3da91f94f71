package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/cache"
	"github.com/kifi/eddie/internal/health"
	"github.com/kifi/eddie/internal/lock"
	"github.com/kifi/eddie/internal/notify"
	"github.com/kifi/eddie/internal/resolve"
	"github.com/kifi/eddie/internal/sandbox"
	"github.com/kifi/eddie/internal/service"
)

// VersionResolver finds a build and makes sure it is in the local cache.
type VersionResolver interface {
	Resolve(ctx context.Context, kind string, ref resolve.Ref) (artifact.Artifact, error)
}

// HealthWaiter blocks until the local service is up.
type HealthWaiter interface {
	Wait(ctx context.Context, onProgress func(elapsed time.Duration)) error
}

// SelfDeployEngine deploys a build of a service on the local host.
type SelfDeployEngine struct {
	Resolver    VersionResolver
	Cache       *cache.Cache
	Service     service.Controller
	Health      HealthWaiter
	Notifier    notify.Notifier
	LockDir     string
	Host        string
	Keep        int // builds kept active; 0 means cache.DefaultKeep
	HoldingKeep int // builds kept in the holding area; 0 means cache.DefaultHoldingKeep
	Logger      *zap.Logger
	NewID       func() string
}

// SelfDeployOptions configures a single-host deploy.
type SelfDeployOptions struct {
	Kind     string
	Ref      resolve.Ref
	Force    bool // skip the deploy lock
	Operator string
}

// Deploy runs the deploy state machine: take the lock, ensure the build is
// local, stop the service, swap the activation link, prune old builds,
// start the service and wait for it to report healthy. The lock is
// released on every path.
func (e *SelfDeployEngine) Deploy(ctx context.Context, opts SelfDeployOptions) (result *DeployResult, err error) {
	newID := e.NewID
	if newID == nil {
		newID = NewDeployID
	}
	result = &DeployResult{ID: newID(), Host: e.Host, Kind: opts.Kind, State: Idle}
	d := &selfDeploy{e: e, opts: opts, result: result}
	defer d.recoverPanic(ctx, &err)

	if !opts.Force {
		l := lock.ForKind(e.LockDir, opts.Kind)
		if err := l.TryLock(); err != nil {
			if errors.Is(err, lock.ErrContended) {
				d.emit(ctx, notify.Warn, "Deploy in progress. Aborting this one.")
			} else {
				d.emit(ctx, notify.Error, fmt.Sprintf("Could not take the deploy lock: %v", err))
			}
			return result, err
		}
		defer func() {
			if err := l.Unlock(); err != nil {
				e.logger().Error("releasing deploy lock", zap.Error(err))
			}
		}()
		result.advance(LockAcquired)
	}

	d.emit(ctx, notify.Info, fmt.Sprintf("Starting self deploy. Target version: %s", opts.Ref))

	a, err := e.Resolver.Resolve(ctx, opts.Kind, opts.Ref)
	if err != nil {
		return result, d.fail(ctx, VersionEnsured, "Failed to retrieve version", err)
	}
	result.Artifact = a
	result.advance(VersionEnsured)
	d.emit(ctx, notify.Info, fmt.Sprintf("Retrieved version: %s", a.Name()))

	if err := e.Service.Stop(ctx, opts.Kind); err != nil {
		return result, d.fail(ctx, ServiceStopped, "Failed to stop service", err)
	}
	result.advance(ServiceStopped)
	d.emit(ctx, notify.Info, "Running service has been stopped.")

	if err := e.clearLink(opts.Kind); err != nil {
		return result, d.fail(ctx, SymlinkCleared, "Failed to remove the activation link", err)
	}
	result.advance(SymlinkCleared)

	pruned, err := e.Cache.PruneToNewest(opts.Kind, orDefault(e.Keep, cache.DefaultKeep), orDefault(e.HoldingKeep, cache.DefaultHoldingKeep), a.Name())
	if err != nil {
		return result, d.fail(ctx, OldPruned, "Failed to retire old builds", err)
	}
	result.Pruned = pruned
	result.advance(OldPruned)
	for _, name := range pruned.Retired {
		e.logger().Info("retired build", zap.String("artifact", name))
	}

	if err := e.activate(opts.Kind, a.Name(), result.ID); err != nil {
		return result, d.fail(ctx, SymlinkCreated, "Failed to install code", err)
	}
	result.advance(SymlinkCreated)
	d.emit(ctx, notify.Info, "Service has been installed.")

	if err := e.Service.Start(ctx, opts.Kind); err != nil {
		return result, d.fail(ctx, ServiceStarted, "Failed to start service", err)
	}
	result.advance(ServiceStarted)
	d.emit(ctx, notify.Info, "Service has been started. Waiting for it to come up.")

	result.advance(HealthPolling)
	err = e.Health.Wait(ctx, func(elapsed time.Duration) {
		d.emit(ctx, notify.Info, fmt.Sprintf("Not up yet. Waited: %s.", elapsed))
	})
	if err != nil {
		var timeout *health.TimeoutError
		if errors.As(err, &timeout) {
			result.advance(TimedOut)
			d.emit(ctx, notify.Error, "Service failed to come up. Deployment failed!")
			return result, &AbortError{Step: TimedOut, Reason: "service failed to come up", Err: err}
		}
		return result, d.fail(ctx, HealthPolling, "Health check failed", err)
	}

	result.advance(Up)
	d.emit(ctx, notify.Info, "Service up. Deploy finished.")
	return result, nil
}

type selfDeploy struct {
	e      *SelfDeployEngine
	opts   SelfDeployOptions
	result *DeployResult
}

func (d *selfDeploy) emit(ctx context.Context, level notify.Level, text string) {
	if d.e.Notifier == nil {
		return
	}
	err := d.e.Notifier.Notify(ctx, notify.Event{
		Time:     time.Now(),
		Operator: d.opts.Operator,
		Host:     d.result.Host,
		Kind:     d.result.Kind,
		DeployID: d.result.ID,
		Step:     d.result.State.String(),
		Text:     text,
		Level:    level,
	})
	if err != nil {
		d.e.logger().Warn("notification failed", zap.Error(err))
	}
}

func (d *selfDeploy) recoverPanic(ctx context.Context, err *error) {
	r := recover()
	if r == nil {
		return
	}
	d.e.logger().Error("self deploy panicked", zap.Any("panic", r), zap.Stringer("state", d.result.State))
	d.emit(ctx, notify.Error, fmt.Sprintf("Fatal error: %v\n%s", r, debug.Stack()))
	*err = fmt.Errorf("deploy panicked at %s: %v", d.result.State, r)
}

// fail reports a failed step. Cancellation is reported as an interrupt.
func (d *selfDeploy) fail(ctx context.Context, step State, reason string, err error) error {
	if ctx.Err() != nil {
		d.emit(ctx, notify.Warn, "Manual abort.")
		return fmt.Errorf("%w at %s: %v", ErrInterrupted, step, err)
	}
	d.emit(ctx, notify.Error, reason+". Aborting.")
	return &AbortError{Step: step, Reason: reason, Err: err}
}

// clearLink removes the activation link of kind, if any.
func (e *SelfDeployEngine) clearLink(kind string) error {
	link := filepath.Join(e.Cache.Dir(), kind)
	info, err := os.Lstat(link)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s is not a symlink", link)
	}
	return os.Remove(link)
}

// activate points the activation link of kind at the build called name.
// The link is created under a temporary name and renamed into place.
func (e *SelfDeployEngine) activate(kind, name, id string) error {
	dir := e.Cache.Dir()
	target, err := e.Cache.ActivationTarget(name)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return fmt.Errorf("resolving link target: %w", err)
	}

	tmp := "." + kind + ".link-" + id
	tmpPath := filepath.Join(dir, tmp)
	_ = os.Remove(tmpPath)
	if err := sandbox.Symlink(dir, tmp, rel); err != nil {
		return fmt.Errorf("creating link: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, kind)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("activating link: %w", err)
	}
	e.logger().Info("activated build", zap.String("artifact", name), zap.String("target", rel))
	return nil
}

func (e *SelfDeployEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
