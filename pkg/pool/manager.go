// Package pool shares browser instances between callers. Instances are
// keyed by the fingerprint of their launch configuration, launched at most
// once per fingerprint at a time, and reaped after sitting idle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/cdp"
	"github.com/choraleia/chromepool/pkg/event"
	"github.com/choraleia/chromepool/pkg/models"
	"github.com/choraleia/chromepool/pkg/utils"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultReapInterval  = 60 * time.Second
	DefaultLaunchTimeout = 30 * time.Second
)

var (
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("browser pool is shut down")
	// ErrNotFound is returned for unknown instance or page ids.
	ErrNotFound = errors.New("not found")
)

// Options configure a Manager. Zero values select defaults.
type Options struct {
	Launcher browser.Launcher

	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	LaunchTimeout  time.Duration
	CommandTimeout time.Duration
	PollInterval   time.Duration

	// DefaultExecutable is used when a request names none. Empty means
	// browser.ResolveExecutable.
	DefaultExecutable string
	// DefaultArgs are prepended to each request's args. Nil means
	// DefaultArgs(); use an empty slice for none.
	DefaultArgs []string

	HTTPClient *http.Client
	Store      *Store
	Emitter    *event.Emitter
	Logger     *slog.Logger
}

// Manager owns every live browser instance.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu            sync.RWMutex
	instances     map[string]*browser.Instance // by id
	byFingerprint map[string]*browser.Instance
	closed        bool

	launches singleflight.Group

	// baseCtx parents every launch so Shutdown can abort them.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	stopReaper  chan struct{}
	reaperDone  chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

// NewManager creates a manager and starts its reaper.
func NewManager(opts Options) *Manager {
	if opts.Launcher == nil {
		opts.Launcher = browser.NewExecLauncher()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = DefaultLaunchTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = cdp.DefaultCommandTimeout
	}
	if opts.DefaultArgs == nil {
		opts.DefaultArgs = DefaultArgs()
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:          opts,
		logger:        opts.Logger,
		instances:     make(map[string]*browser.Instance),
		byFingerprint: make(map[string]*browser.Instance),
		baseCtx:       ctx,
		baseCancel:    cancel,
		stopReaper:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}

	if n, err := opts.Store.MarkStale(time.Now()); err != nil {
		m.logger.Warn("Failed to close stale browser records", "error", err)
	} else if n > 0 {
		m.logger.Info("Closed stale browser records", "count", n)
	}

	go m.reapLoop()
	return m
}

// Normalize fills the executable and default args into cfg, producing the
// configuration that is fingerprinted and launched.
func (m *Manager) Normalize(cfg browser.Config) (browser.Config, error) {
	cfg = cfg.Clone()
	if cfg.Executable == "" {
		cfg.Executable = m.opts.DefaultExecutable
	}
	if cfg.Executable == "" {
		exe, err := browser.ResolveExecutable("")
		if err != nil {
			return cfg, err
		}
		cfg.Executable = exe
	}
	cfg.Args = mergeArgs(m.opts.DefaultArgs, cfg.Args)
	return cfg, nil
}

// GetOrLaunch returns the live instance for cfg, launching one if needed.
// Concurrent calls with the same configuration share a single launch.
// Failures are returned to every waiter and are not cached. When ctx ends
// first the caller gets its error while the launch continues for others.
func (m *Manager) GetOrLaunch(ctx context.Context, cfg browser.Config) (*browser.Instance, error) {
	cfg, err := m.Normalize(cfg)
	if err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrPoolClosed
	}
	fp := cfg.Fingerprint()
	if inst := m.lookup(fp); inst != nil {
		return inst, nil
	}

	ch := m.launches.DoChan(fp, func() (any, error) {
		return m.launch(fp, cfg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			metricLaunchShared.Inc()
		}
		inst := res.Val.(*browser.Instance)
		inst.Touch()
		return inst, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &cdp.TimeoutError{Op: "launch " + fp}
		}
		return nil, ctx.Err()
	}
}

// lookup returns a live instance for fp and refreshes its activity. Taking
// a lease keeps the reaper from retiring it between the lookup and the
// touch.
func (m *Manager) lookup(fp string) *browser.Instance {
	m.mu.RLock()
	inst := m.byFingerprint[fp]
	m.mu.RUnlock()
	if inst == nil {
		return nil
	}
	if inst.Exited() {
		m.evictExited(inst)
		return nil
	}
	release, err := inst.Acquire()
	if err != nil {
		return nil
	}
	release()
	return inst
}

func (m *Manager) launch(fp string, cfg browser.Config) (*browser.Instance, error) {
	// A launch that finished just before this flight started is already
	// registered.
	if inst := m.lookup(fp); inst != nil {
		return inst, nil
	}
	if m.isClosed() {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, m.opts.LaunchTimeout)
	defer cancel()

	start := time.Now()
	m.logger.Info("Launching browser", "fingerprint", fp, "executable", cfg.Executable, "headless", cfg.Headless)
	h, err := m.opts.Launcher.Launch(ctx, cfg)
	if err != nil {
		var le *browser.LaunchError
		if !errors.As(err, &le) {
			err = &browser.LaunchError{Executable: cfg.Executable, Stage: "launch", Err: err}
		}
		metricLaunchFailures.Inc()
		m.logger.Warn("Browser launch failed", "fingerprint", fp, "error", err)
		m.opts.Emitter.Emit(event.BrowserLaunchFailedEvent{Fingerprint: fp, Error: err.Error()})
		return nil, err
	}
	metricLaunchDuration.Observe(time.Since(start).Seconds())

	inst := browser.NewInstance(cfg, h, browser.InstanceOptions{
		CommandTimeout: m.opts.CommandTimeout,
		PollInterval:   m.opts.PollInterval,
		HTTPClient:     m.opts.HTTPClient,
		Logger:         m.logger,
		Hooks:          m.hooks(),
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := inst.Close(); err != nil {
			m.logger.Warn("Failed to close browser launched during shutdown", "browserID", inst.ID, "error", err)
		}
		return nil, ErrPoolClosed
	}
	m.instances[inst.ID] = inst
	m.byFingerprint[fp] = inst
	m.mu.Unlock()
	go m.watchExit(inst)

	metricLaunches.Inc()
	metricLive.Inc()
	m.opts.Store.Save(inst.Snapshot())
	m.opts.Emitter.Emit(event.BrowserLaunchedEvent{
		BrowserID:   inst.ID,
		Fingerprint: fp,
		Endpoint:    inst.Endpoint.HTTPAddr,
	})
	m.logger.Info("Browser launched", "browserID", inst.ID, "fingerprint", fp,
		"addr", inst.Endpoint.HTTPAddr, "duration", time.Since(start))
	return inst, nil
}

// watchExit evicts inst once its process exits. Instances closed by the
// pool exit too; remove ignores those since they are already unregistered.
func (m *Manager) watchExit(inst *browser.Instance) {
	select {
	case <-inst.Done():
		m.evictExited(inst)
	case <-m.baseCtx.Done():
	}
}

func (m *Manager) evictExited(inst *browser.Instance) {
	m.mu.RLock()
	_, registered := m.instances[inst.ID]
	m.mu.RUnlock()
	if !registered {
		return
	}
	m.logger.Warn("Browser process exited", "browserID", inst.ID, "fingerprint", inst.Fingerprint)
	if err := m.remove(inst, models.CloseReasonExited); err != nil {
		m.logger.Warn("Failed to clean up exited browser", "browserID", inst.ID, "error", err)
	}
}

func (m *Manager) hooks() browser.Hooks {
	return browser.Hooks{
		OnTouch: func(inst *browser.Instance, at time.Time) {
			m.opts.Store.Touch(inst.ID, at)
		},
		OnPageOpened: func(inst *browser.Instance, p *browser.Page) {
			metricPagesOpen.Inc()
			m.opts.Store.PageOpened(inst.ID)
			m.opts.Emitter.Emit(event.PageOpenedEvent{BrowserID: inst.ID, PageID: p.ID})
		},
		OnPageClosed: func(inst *browser.Instance, p *browser.Page) {
			metricPagesOpen.Dec()
			m.opts.Emitter.Emit(event.PageClosedEvent{BrowserID: inst.ID, PageID: p.ID})
		},
		OnDisconnect: func(inst *browser.Instance, err error) {
			m.logger.Warn("Page connection lost", "browserID", inst.ID, "error", err)
		},
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Get returns a live instance by id.
func (m *Manager) Get(id string) (*browser.Instance, error) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok || inst.Closed() || inst.Exited() {
		return nil, fmt.Errorf("browser %s: %w", id, ErrNotFound)
	}
	return inst, nil
}

// Page returns an open page of a live instance.
func (m *Manager) Page(browserID, pageID string) (*browser.Page, error) {
	inst, err := m.Get(browserID)
	if err != nil {
		return nil, err
	}
	p, ok := inst.Page(pageID)
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
	}
	return p, nil
}

// List returns snapshots of live instances, oldest first.
func (m *Manager) List() []browser.Snapshot {
	m.mu.RLock()
	out := make([]browser.Snapshot, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live instances.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// History returns persisted instance records, newest first.
func (m *Manager) History(limit int) ([]models.BrowserInstanceRecord, error) {
	return m.opts.Store.History(limit)
}

// Close terminates one instance regardless of open pages.
func (m *Manager) Close(id string) error {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("browser %s: %w", id, ErrNotFound)
	}
	return m.remove(inst, models.CloseReasonExplicit)
}

// remove unregisters inst and terminates it. The registry entry is gone
// even when termination fails.
func (m *Manager) remove(inst *browser.Instance, reason string) error {
	m.mu.Lock()
	_, registered := m.instances[inst.ID]
	delete(m.instances, inst.ID)
	if m.byFingerprint[inst.Fingerprint] == inst {
		delete(m.byFingerprint, inst.Fingerprint)
	}
	m.mu.Unlock()
	if !registered {
		return nil
	}

	metricLive.Dec()
	metricClosed.WithLabelValues(reason).Inc()
	err := inst.Close()
	m.opts.Store.MarkClosed(inst.ID, reason, time.Now())
	m.opts.Emitter.Emit(event.BrowserClosedEvent{
		BrowserID:   inst.ID,
		Fingerprint: inst.Fingerprint,
		Reason:      reason,
	})
	if err != nil {
		return fmt.Errorf("close browser %s: %w", inst.ID, err)
	}
	m.logger.Info("Browser closed", "browserID", inst.ID, "reason", reason)
	return nil
}

// Shutdown stops the reaper, aborts launches in progress and closes every
// instance. Later GetOrLaunch calls fail with ErrPoolClosed. Calling it
// again returns the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.baseCancel()

		close(m.stopReaper)
		select {
		case <-m.reaperDone:
		case <-ctx.Done():
			m.logger.Warn("Reaper did not stop before shutdown deadline")
		}

		m.mu.RLock()
		all := make([]*browser.Instance, 0, len(m.instances))
		for _, inst := range m.instances {
			all = append(all, inst)
		}
		m.mu.RUnlock()

		var errs []error
		for _, inst := range all {
			if err := m.remove(inst, models.CloseReasonShutdown); err != nil {
				m.logger.Warn("Failed to close browser during shutdown", "browserID", inst.ID, "error", err)
				errs = append(errs, err)
			}
		}
		m.shutdownErr = errors.Join(errs...)
		m.logger.Info("Browser pool shut down", "closed", len(all))
	})
	return m.shutdownErr
}
