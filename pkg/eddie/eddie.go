// Package eddie provides the public Go library API for eddie.
//
// eddie deploys immutable build artifacts: a host deploys a build of its own
// service with SelfDeploy, and an operator rolls a build out to every host
// of a service with Deploy. A Client wires the artifact store, local cache,
// host registry, SSH dispatch and notifications from layered eddie.yaml
// configuration.
//
// # Basic Usage
//
//	client, err := eddie.New(eddie.Options{ConfigPath: "eddie.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Roll the newest shoebox build out, one host at a time
//	result, err := client.Deploy(ctx, eddie.DeployOptions{Kind: "shoebox"})
//
//	// On a host: deploy the build before the current one
//	res, err := client.SelfDeploy(ctx, eddie.SelfDeployOptions{Kind: "shoebox", Version: "-1"})
package eddie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"go.uber.org/zap"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/cache"
	"github.com/kifi/eddie/internal/config"
	"github.com/kifi/eddie/internal/engine"
	"github.com/kifi/eddie/internal/health"
	"github.com/kifi/eddie/internal/lock"
	"github.com/kifi/eddie/internal/notify"
	"github.com/kifi/eddie/internal/registry"
	"github.com/kifi/eddie/internal/remote"
	"github.com/kifi/eddie/internal/resolve"
	"github.com/kifi/eddie/internal/service"
	"github.com/kifi/eddie/internal/store"
)

// Options configures an eddie client.
type Options struct {
	// ConfigPath is the highest precedence config file. Default: "eddie.yaml".
	ConfigPath string

	// ConfigRequired makes a missing ConfigPath an error.
	ConfigRequired bool

	// NoInherit skips /etc/eddie/eddie.yaml and the user config.
	NoInherit bool

	// Logger receives structured logs. Default: no logging.
	Logger *zap.Logger

	// Out receives deploy events and remote command output. Default: os.Stdout.
	Out io.Writer

	// LogEvents also writes deploy events to Logger.
	LogEvents bool
}

// Client is the main entry point for the eddie library.
type Client struct {
	cfg       *config.Config
	layers    []config.ConfigLayerInfo
	logger    *zap.Logger
	out       io.Writer
	logEvents bool
}

// New loads configuration and creates a Client. Connections to AWS and to
// hosts are made lazily by the operations that need them.
func New(opts Options) (*Client, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = "eddie.yaml"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	cfg, layers, err := config.LoadLayered(config.DiscoverOptions{
		ProjectPath:     opts.ConfigPath,
		ProjectRequired: opts.ConfigRequired,
		NoInherit:       opts.NoInherit,
	})
	for _, l := range layers {
		log.Debug("config layer", zap.String("level", string(l.Level)), zap.String("path", l.Path), zap.Bool("loaded", l.Loaded))
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &Client{cfg: cfg, layers: layers, logger: log, out: out, logEvents: opts.LogEvents}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Layers returns the configuration files that were considered, in order.
func (c *Client) Layers() []ConfigLayer {
	return c.layers
}

// SelfDeployOptions configures a deploy on the local host.
type SelfDeployOptions struct {
	// Kind is the service to deploy. If empty, the instance's Service tag
	// is read through the EC2 metadata service.
	Kind string
	// Version is "latest", a commit hash or a relative version such as
	// "-1". If empty, the instance's Version tag is used when Kind was
	// looked up, otherwise latest.
	Version  string
	Force    bool
	Operator string
}

// SelfDeploy deploys a build of a service on this host.
func (c *Client) SelfDeploy(ctx context.Context, opts SelfDeployOptions) (*DeployResult, error) {
	host, _ := os.Hostname()
	kind, raw := opts.Kind, opts.Version
	if kind == "" {
		self, err := c.identifySelf(ctx)
		if err != nil {
			return nil, c.fatal(ctx, opts.Operator, host, "", fmt.Errorf("no service given and this host could not be identified: %w", err))
		}
		if self.Service == "" {
			return nil, c.fatal(ctx, opts.Operator, self.Name, "", fmt.Errorf("instance %s has no Service tag", self.Name))
		}
		kind, host = self.Service, self.Name
		if raw == "" && self.Version != "" {
			raw = self.Version
			c.logger.Info("using pinned version from instance tags", zap.String("version", raw))
		}
	}

	ref := resolve.ParseRef(raw)
	if err := ref.Validate(); err != nil {
		return nil, c.fatal(ctx, opts.Operator, host, kind, err)
	}

	eng, err := c.selfDeployEngine(ctx, host)
	if err != nil {
		return nil, c.fatal(ctx, opts.Operator, host, kind, err)
	}
	return eng.Deploy(ctx, engine.SelfDeployOptions{
		Kind:     kind,
		Ref:      ref,
		Force:    opts.Force,
		Operator: opts.Operator,
	})
}

func (c *Client) selfDeployEngine(ctx context.Context, host string) (*engine.SelfDeployEngine, error) {
	st, err := c.store(ctx)
	if err != nil {
		return nil, err
	}
	local, err := c.cache()
	if err != nil {
		return nil, err
	}

	return &engine.SelfDeployEngine{
		Resolver: c.resolver(local, st),
		Cache:    local,
		Service: &service.InitScript{
			Template: c.cfg.Service.Control,
			Runner:   service.ShellRunner{},
			Logger:   c.logger,
		},
		Health: &health.Checker{
			URL:      c.cfg.Health.URL,
			Timeout:  c.cfg.Health.Timeout.D(),
			Interval: c.cfg.Health.Interval.D(),
			Progress: c.cfg.Health.Progress.D(),
			Logger:   c.logger,

			AttemptTimeout: c.cfg.Health.AttemptTimeout.D(),
		},
		Notifier:    c.notifier(),
		LockDir:     c.cfg.Paths.LockDir,
		Host:        host,
		Keep:        c.cfg.Retention.Active,
		HoldingKeep: c.cfg.Retention.Holding,
		Logger:      c.logger,
	}, nil
}

func (c *Client) identifySelf(ctx context.Context) (registry.Instance, error) {
	awsCfg, err := loadAWS(ctx, c.cfg.Registry.Region)
	if err != nil {
		return registry.Instance{}, err
	}
	self, err := registry.Self(ctx, imds.NewFromConfig(awsCfg), registry.NewEC2(awsCfg))
	if err != nil {
		return registry.Instance{}, err
	}
	c.logger.Debug("identified instance", zap.String("id", self.ID), zap.String("name", self.Name), zap.String("service", self.Service))
	return self, nil
}

// DeployOptions configures a fleet deploy.
type DeployOptions struct {
	Kind     string
	Host     string // deploy to this host only
	Mode     string // "safe" (default) or "force"
	Version  string // "latest" (default), a commit hash or a relative version
	Rollback bool
	NoLock   bool
	Operator string
	// Confirm, if set, is asked before any host is contacted.
	Confirm func(Plan) bool
}

// Deploy rolls a build out to the hosts of a service.
func (c *Client) Deploy(ctx context.Context, opts DeployOptions) (*FleetResult, error) {
	mode, err := engine.ParseMode(opts.Mode)
	if err != nil {
		return nil, err
	}
	ref := resolve.ParseRef(opts.Version)
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	st, err := c.store(ctx)
	if err != nil {
		return nil, c.fatal(ctx, opts.Operator, "", opts.Kind, err)
	}
	reg, err := c.registry(ctx)
	if err != nil {
		return nil, c.fatal(ctx, opts.Operator, "", opts.Kind, err)
	}
	starter, err := c.starter()
	if err != nil {
		return nil, c.fatal(ctx, opts.Operator, "", opts.Kind, err)
	}

	eng := &engine.FleetEngine{
		Registry: reg,
		Store:    st,
		Starter:  starter,
		Output:   remote.NewOutput(c.out),
		Notifier: c.notifier(),
		LockDir:  c.cfg.Paths.LockDir,
		Command:  c.cfg.SSH.Command,
		Logger:   c.logger,
	}
	return eng.Deploy(ctx, engine.FleetOptions{
		Kind:     opts.Kind,
		Host:     opts.Host,
		Mode:     mode,
		Ref:      ref,
		Rollback: opts.Rollback,
		NoLock:   opts.NoLock,
		Operator: opts.Operator,
		Confirm:  opts.Confirm,
	})
}

// Versions lists the builds of kind, newest first. With local set only the
// local cache is read.
func (c *Client) Versions(ctx context.Context, kind string, local bool) ([]Version, error) {
	cached, err := c.cache()
	if err != nil {
		return nil, err
	}
	var st *store.Client
	if !local {
		if st, err = c.store(ctx); err != nil {
			return nil, err
		}
	}
	return c.resolver(cached, st).Available(ctx, kind, !local)
}

// Kinds lists the services that have builds, from the store or, with local
// set, from the local cache.
func (c *Client) Kinds(ctx context.Context, local bool) ([]string, error) {
	var all []artifact.Artifact
	if local {
		cached, err := c.cache()
		if err != nil {
			return nil, err
		}
		if all, err = cached.List(""); err != nil {
			return nil, err
		}
	} else {
		st, err := c.store(ctx)
		if err != nil {
			return nil, err
		}
		if all, err = st.ListAll(ctx); err != nil {
			return nil, err
		}
	}
	groups := artifact.GroupByKind(all)
	kinds := make([]string, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds, nil
}

// Download copies the archive of the build ref selects into dir and returns
// its path. Relative versions other than "0" only have meaning against a
// host cache and are rejected.
func (c *Client) Download(ctx context.Context, kind, version, dir string) (string, Artifact, error) {
	st, err := c.store(ctx)
	if err != nil {
		return "", Artifact{}, err
	}
	a, err := lookupRemote(ctx, st, kind, resolve.ParseRef(version))
	if err != nil {
		return "", Artifact{}, err
	}
	path, err := st.Download(ctx, a, dir)
	return path, a, err
}

func lookupRemote(ctx context.Context, st *store.Client, kind string, ref resolve.Ref) (artifact.Artifact, error) {
	if err := ref.Validate(); err != nil {
		return artifact.Artifact{}, err
	}
	if ref.Kind == resolve.Relative && ref.Offset == 0 {
		ref = resolve.LatestRef
	}
	switch ref.Kind {
	case resolve.Latest:
		list, err := st.List(ctx, kind)
		if err != nil {
			return artifact.Artifact{}, err
		}
		if len(list) == 0 {
			return artifact.Artifact{}, &resolve.NotFoundError{Kind: kind, Ref: ref}
		}
		return list[0], nil
	case resolve.Hash:
		a, err := st.Lookup(ctx, kind, ref.Hash)
		if errors.Is(err, store.ErrNotFound) {
			return artifact.Artifact{}, &resolve.NotFoundError{Kind: kind, Ref: ref, Err: err}
		}
		if err != nil {
			return artifact.Artifact{}, err
		}
		return a, nil
	default:
		return artifact.Artifact{}, fmt.Errorf("relative version %s only resolves on a host; use a commit hash or latest", ref)
	}
}

// Find lists the instances matching q, or all of them when q is empty.
func (c *Client) Find(ctx context.Context, q string) ([]Instance, error) {
	reg, err := c.registry(ctx)
	if err != nil {
		return nil, err
	}
	return registry.Find(ctx, reg, q)
}

// Publish uploads build archives to the store. Every file name is checked
// against the naming convention before anything is uploaded.
func (c *Client) Publish(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := artifact.Parse(filepath.Base(p)); err != nil {
			return err
		}
		if _, err := os.Stat(p); err != nil {
			return err
		}
	}

	backend, err := c.backend(ctx)
	if err != nil {
		return err
	}
	up := &store.Uploader{
		Backend:    backend,
		Workers:    c.cfg.Upload.Workers,
		Retries:    c.cfg.Upload.Retries,
		RetryDelay: c.cfg.Upload.RetryDelay.D(),
		Logger:     c.logger,
	}
	for _, p := range paths {
		key := filepath.Base(p)
		if err := up.Upload(ctx, p, key); err != nil {
			return fmt.Errorf("publishing %s: %w", key, err)
		}
	}
	return nil
}

// ErrDeployInProgress is returned by Prune while a deploy holds the lock.
var ErrDeployInProgress = errors.New("a deploy is in progress")

// Prune retires old builds of kind from the local cache, keeping the build
// the service is running. It takes the deploy lock of kind.
func (c *Client) Prune(ctx context.Context, kind string) (*PruneResult, error) {
	local, err := c.cache()
	if err != nil {
		return nil, err
	}

	l := lock.ForKind(c.cfg.Paths.LockDir, kind)
	if err := l.TryLock(); err != nil {
		if errors.Is(err, lock.ErrContended) {
			return nil, fmt.Errorf("pruning %s: %w", kind, ErrDeployInProgress)
		}
		return nil, err
	}
	defer func() {
		if err := l.Unlock(); err != nil {
			c.logger.Error("releasing deploy lock", zap.Error(err))
		}
	}()

	active, err := local.Active(kind)
	if err != nil {
		return nil, err
	}
	var protect []string
	if active != "" {
		protect = append(protect, active)
	}
	return local.PruneToNewest(kind, c.cfg.Retention.Active, c.cfg.Retention.Holding, protect...)
}

// Active returns the build kind is running on this host, or "" if none.
func (c *Client) Active(kind string) (string, error) {
	local, err := c.cache()
	if err != nil {
		return "", err
	}
	return local.Active(kind)
}

// storeBackend is satisfied by both store backends.
type storeBackend interface {
	store.Backend
	store.MultipartBackend
}

func (c *Client) backend(ctx context.Context) (storeBackend, error) {
	switch c.cfg.Store.Type {
	case "dir":
		return &store.DirBackend{Root: c.cfg.Store.Path}, nil
	default:
		awsCfg, err := loadAWS(ctx, c.cfg.Store.Region)
		if err != nil {
			return nil, err
		}
		return store.NewS3Backend(awsCfg, c.cfg.Store.Bucket, c.cfg.Store.Prefix), nil
	}
}

func (c *Client) store(ctx context.Context) (*store.Client, error) {
	b, err := c.backend(ctx)
	if err != nil {
		return nil, err
	}
	return &store.Client{Backend: b, Logger: c.logger}, nil
}

func (c *Client) cache() (*cache.Cache, error) {
	return cache.New(c.cfg.Paths.Run, c.cfg.Paths.Holding)
}

// resolver builds a resolver; st may be nil for local-only listings.
func (c *Client) resolver(local *cache.Cache, st *store.Client) *resolve.Resolver {
	r := &resolve.Resolver{
		Local:   local,
		WorkDir: c.cfg.Paths.Work,
		Logger:  c.logger,
	}
	if st != nil {
		r.Remote = st
	}
	return r
}

// fatal reports an error that stops a deploy before the engine runs.
func (c *Client) fatal(ctx context.Context, operator, host, kind string, err error) error {
	nerr := c.notifier().Notify(ctx, notify.Event{
		Time:     time.Now(),
		Operator: operator,
		Host:     host,
		Kind:     kind,
		Step:     "setup",
		Text:     fmt.Sprintf("Fatal error starting deploy: %v", err),
		Level:    notify.Error,
	})
	if nerr != nil {
		c.logger.Warn("notification failed", zap.Error(nerr))
	}
	return err
}

// notifier prints events to Out and, if configured, posts them to Slack.
func (c *Client) notifier() notify.Notifier {
	sinks := notify.Multi{notify.NewWriter(c.out)}
	if c.logEvents {
		sinks = append(sinks, &notify.Log{Logger: c.logger})
	}
	if s := c.cfg.Notify.Slack; s.WebhookURL != "" {
		sinks = append(sinks, &notify.Slack{
			WebhookURL: s.WebhookURL,
			Channel:    s.Channel,
			Username:   s.Username,
			IconEmoji:  s.IconEmoji,
		})
	}
	return sinks
}

func (c *Client) registry(ctx context.Context) (registry.Registry, error) {
	if c.cfg.Registry.Type == "static" {
		return staticRegistry(c.cfg.Registry.Hosts), nil
	}
	awsCfg, err := loadAWS(ctx, c.cfg.Registry.Region)
	if err != nil {
		return nil, err
	}
	return registry.NewEC2(awsCfg), nil
}

func staticRegistry(hosts []config.Host) registry.Static {
	out := make(registry.Static, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, registry.Instance{
			ID:      h.Name,
			Name:    h.Name,
			Service: h.Service,
			Mode:    h.Mode,
			Address: h.Address,
		})
	}
	return out
}

func (c *Client) starter() (*remote.SSH, error) {
	return remote.NewSSH(remote.Options{
		User:       c.cfg.SSH.User,
		Port:       c.cfg.SSH.Port,
		KeyFile:    expandHome(c.cfg.SSH.KeyFile),
		KnownHosts: expandHome(c.cfg.SSH.KnownHosts),
		Logger:     c.logger,
	})
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS credentials: %w", err)
	}
	return cfg, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
