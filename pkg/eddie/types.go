package eddie

import (
	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/cache"
	"github.com/kifi/eddie/internal/config"
	"github.com/kifi/eddie/internal/engine"
	"github.com/kifi/eddie/internal/registry"
	"github.com/kifi/eddie/internal/resolve"
)

// Type aliases re-export internal result types as the public API.
// Users import "github.com/kifi/eddie/pkg/eddie" and use
// eddie.DeployResult, eddie.FleetResult, etc.

type Artifact = artifact.Artifact
type Version = resolve.Version
type Instance = registry.Instance
type DeployResult = engine.DeployResult
type FleetResult = engine.FleetResult
type Plan = engine.Plan
type AbortError = engine.AbortError
type PruneResult = cache.PruneResult
type ConfigLayer = config.ConfigLayerInfo

const (
	ModeSafe  = string(engine.ModeSafe)
	ModeForce = string(engine.ModeForce)
)

var (
	// ErrInterrupted is returned when a deploy is cancelled mid-flight.
	ErrInterrupted = engine.ErrInterrupted
	// ErrVersionNotFound matches every failed version lookup.
	ErrVersionNotFound = resolve.ErrVersionNotFound
)
