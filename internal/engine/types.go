package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/cache"
)

// State is a step of a single-host deploy.
type State int

const (
	Idle State = iota
	LockAcquired
	VersionEnsured
	ServiceStopped
	SymlinkCleared
	OldPruned
	SymlinkCreated
	ServiceStarted
	HealthPolling
	Up
	TimedOut
)

var stateNames = [...]string{
	Idle:           "idle",
	LockAcquired:   "lock-acquired",
	VersionEnsured: "version-ensured",
	ServiceStopped: "service-stopped",
	SymlinkCleared: "symlink-cleared",
	OldPruned:      "old-pruned",
	SymlinkCreated: "symlink-created",
	ServiceStarted: "service-started",
	HealthPolling:  "health-polling",
	Up:             "up",
	TimedOut:       "timed-out",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DeployResult holds the outcome of a single-host deploy.
type DeployResult struct {
	ID       string
	Host     string
	Kind     string
	Artifact artifact.Artifact
	State    State   // last state reached
	Steps    []State // every state reached, in order
	Pruned   *cache.PruneResult
}

func (r *DeployResult) advance(s State) {
	r.State = s
	r.Steps = append(r.Steps, s)
}

// ErrInterrupted is returned when the operator interrupts a deploy.
var ErrInterrupted = errors.New("deploy interrupted")

// AbortError reports a deploy that stopped at a step. For fleet deploys
// Host names the host after which the rollout stopped.
type AbortError struct {
	Step   State
	Host   string
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	msg := fmt.Sprintf("deploy aborted at %s: %s", e.Step, e.Reason)
	if e.Host != "" {
		msg = fmt.Sprintf("deploy aborted after %s: %s", e.Host, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// NewDeployID returns a short random identifier for tagging one deploy's
// messages: three lowercase hex characters.
func NewDeployID() string {
	u := uuid.New()
	sum := sha256.Sum256(u[:])
	return hex.EncodeToString(sum[:])[:3]
}
