// Package core implements the Percy orchestrator: the build lifecycle state
// machine, the snapshot and upload queues, and the flush/stop protocol that
// drains them.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/percy/browser"
	"github.com/GoCodeAlone/percy/client"
	"github.com/GoCodeAlone/percy/config"
	"github.com/GoCodeAlone/percy/events"
	"github.com/GoCodeAlone/percy/history"
	"github.com/GoCodeAlone/percy/logger"
	"github.com/GoCodeAlone/percy/queue"
)

const defaultConcurrency = 10

// Task id for the build creation task on the uploads queue.
const buildCreateID = "build/create"

// ReadyState is the lifecycle phase of a Percy instance.
type ReadyState int

const (
	StateNone     ReadyState = -1
	StateStarting ReadyState = 0
	StateRunning  ReadyState = 1
	StateStopping ReadyState = 2
	StateStopped  ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case StateNone:
		return "null"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Build is the record of the server-side build for this run. Error marks the
// build poisoned: no further snapshots or uploads are accepted.
type Build struct {
	ID     string `json:"id,omitempty"`
	Number int    `json:"number,omitempty"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// Client is the API surface the core needs from the Percy REST client.
type Client interface {
	CreateBuild(ctx context.Context) (*client.Build, error)
	FinalizeBuild(ctx context.Context, buildID string) error
	SendSnapshot(ctx context.Context, buildID string, payload any) error
	AddClientInfo(info string)
	AddEnvironmentInfo(info string)
}

// Browser is the lifecycle surface the core needs from the headless browser.
type Browser interface {
	Launch(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// Server is the lifecycle surface of the local API server.
type Server interface {
	Listen(ctx context.Context) error
	Close() error
	Address() string
}

// Recorder receives snapshot and upload outcomes for the history store.
type Recorder interface {
	Record(ctx context.Context, o history.Outcome) error
}

// GatherFunc expands one snapshot request into concrete snapshots.
type GatherFunc func(ctx context.Context, p *Percy, opts SnapshotOptions) ([]Snapshot, error)

// DiscoverFunc captures one snapshot's resources. It calls onSnapshot once
// per completed sub-snapshot (the snapshot itself plus each additional name)
// with the upload payload.
type DiscoverFunc func(ctx context.Context, p *Percy, s Snapshot, onSnapshot func(name string, payload any) error) error

// ValidateFunc normalizes snapshot options in place, rejecting unusable ones.
type ValidateFunc func(opts *SnapshotOptions) error

// Options configure a Percy instance.
type Options struct {
	Loglevel        string
	DeferUploads    bool
	SkipUploads     bool // implies DeferUploads
	DryRun          bool // implies SkipUploads; no browser, no discovery
	Config          string
	Token           string
	ClientInfo      string
	EnvironmentInfo string
	Server          *bool // default true
	Port            int   // default 5338
	Overrides       *config.Config
}

// ServerEnabled reports whether the local API server should run.
func (o Options) ServerEnabled() bool {
	return o.Server == nil || *o.Server
}

// Deps are the injectable collaborators. Zero fields get real defaults.
type Deps struct {
	Client   Client
	Browser  Browser
	Recorder Recorder
	Bus      *events.Bus
	Gather   GatherFunc
	Discover DiscoverFunc
	Validate ValidateFunc
}

// Percy owns the snapshot pipeline for one build.
type Percy struct {
	mu    sync.Mutex
	state ReadyState
	build Build
	opts  Options
	cfg   *config.Config

	snapshots *queue.Queue
	uploads   *queue.Queue

	client   Client
	browser  Browser
	server   Server
	recorder Recorder
	bus      *events.Bus
	log      *logger.GroupLogger

	gather   GatherFunc
	discover DiscoverFunc
	validate ValidateFunc

	buildTask *queue.Future
}

// New creates a Percy instance from options, loading and merging its config
// file. Nothing runs until Start.
func New(opts Options, deps Deps) (*Percy, error) {
	if opts.DryRun {
		opts.SkipUploads = true
	}
	if opts.SkipUploads {
		opts.DeferUploads = true
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	cfg.Merge(opts.Overrides)
	if opts.Port == 0 {
		opts.Port = cfg.Server.Port
	}

	cfgLog := logger.Group("config")
	for _, warning := range cfg.Validate() {
		cfgLog.Warn(warning)
	}

	if opts.Loglevel != "" {
		if level, err := logger.ParseLevel(opts.Loglevel); err == nil {
			logger.Default().SetLevel(level)
		} else {
			cfgLog.Warnf("ignoring invalid loglevel %q", opts.Loglevel)
		}
	}

	p := &Percy{
		state:    StateNone,
		opts:     opts,
		cfg:      cfg,
		client:   deps.Client,
		browser:  deps.Browser,
		recorder: deps.Recorder,
		bus:      deps.Bus,
		gather:   deps.Gather,
		discover: deps.Discover,
		validate: deps.Validate,
		log:      logger.Group("core"),
	}

	concurrency := cfg.Discovery.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	p.snapshots = queue.New(concurrency)
	p.uploads = queue.New(concurrency)
	if opts.DeferUploads {
		p.uploads.Stop()
	}

	if p.client == nil {
		p.client = client.New(client.Config{Token: opts.Token})
	}
	p.client.AddClientInfo(opts.ClientInfo)
	p.client.AddEnvironmentInfo(opts.EnvironmentInfo)

	if p.browser == nil && !opts.DryRun {
		p.browser = browser.New()
	}
	if p.bus == nil {
		p.bus = events.NewBus()
	}
	if p.validate == nil {
		p.validate = defaultValidate
	}
	if p.gather == nil {
		p.gather = defaultGather
	}
	if p.discover == nil {
		p.discover = defaultDiscover
	}
	return p, nil
}

// SetServer attaches the local API server started during Start. Call before
// Start.
func (p *Percy) SetServer(srv Server) {
	p.mu.Lock()
	p.server = srv
	p.mu.Unlock()
}

// SetConfig merges cfg over the current configuration and applies the
// resulting discovery concurrency to both queues.
func (p *Percy) SetConfig(cfg *config.Config) {
	p.mu.Lock()
	p.cfg.Merge(cfg)
	concurrency := p.cfg.Discovery.Concurrency
	p.mu.Unlock()
	if concurrency > 0 {
		p.snapshots.SetConcurrency(concurrency)
		p.uploads.SetConcurrency(concurrency)
	}
}

// State returns the current lifecycle phase.
func (p *Percy) State() ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Percy) setState(s ReadyState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// BuildInfo returns a copy of the current build record.
func (p *Percy) BuildInfo() Build {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.build
}

// Config returns the merged configuration.
func (p *Percy) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Options returns the construction options.
func (p *Percy) Options() Options { return p.opts }

// Bus returns the lifecycle event bus.
func (p *Percy) Bus() *events.Bus { return p.bus }

func (p *Percy) record(kind, name, status, errDetail string, started time.Time) {
	if p.recorder == nil {
		return
	}
	outcome := history.Outcome{
		BuildID:    p.BuildInfo().ID,
		Kind:       kind,
		Name:       name,
		Status:     status,
		Error:      errDetail,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	go func() {
		if err := p.recorder.Record(context.Background(), outcome); err != nil {
			p.log.Debugf("Failed to record %s outcome: %v", kind, err)
		}
	}()
}
