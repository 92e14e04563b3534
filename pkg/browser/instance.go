package browser

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/choraleia/chromepool/pkg/cdp"
	"github.com/choraleia/chromepool/pkg/utils"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusReady  Status = "ready"
	StatusBusy   Status = "busy"
	StatusClosed Status = "closed"
)

// Hooks observe instance activity. Any field may be nil.
type Hooks struct {
	OnTouch      func(inst *Instance, at time.Time)
	OnPageOpened func(inst *Instance, page *Page)
	OnPageClosed func(inst *Instance, page *Page)
	OnDisconnect func(inst *Instance, err error)
}

// InstanceOptions configure NewInstance.
type InstanceOptions struct {
	CommandTimeout time.Duration
	PollInterval   time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Hooks          Hooks
}

// Instance is one launched browser process and its DevTools endpoint.
type Instance struct {
	ID          string
	Fingerprint string
	Config      Config
	Endpoint    Endpoint
	CreatedAt   time.Time

	handle Handle
	opts   InstanceOptions
	logger *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	openPages    int
	inFlight     int
	closed       bool
	pages        map[string]*Page
}

// Snapshot is a point-in-time view of an instance.
type Snapshot struct {
	ID             string    `json:"id"`
	Fingerprint    string    `json:"fingerprint"`
	Config         Config    `json:"config"`
	Endpoint       Endpoint  `json:"endpoint"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	OpenPages      int       `json:"open_pages"`
	InFlight       int       `json:"in_flight"`
}

// NewInstance wraps a launched process.
func NewInstance(cfg Config, h Handle, opts InstanceOptions) *Instance {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = cdp.DefaultCommandTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = defaultHTTPClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	now := time.Now()
	return &Instance{
		ID:           uuid.NewString(),
		Fingerprint:  cfg.Fingerprint(),
		Config:       cfg.Clone(),
		Endpoint:     h.Endpoint(),
		CreatedAt:    now,
		handle:       h,
		opts:         opts,
		logger:       logger,
		lastActivity: now,
		pages:        make(map[string]*Page),
	}
}

// Touch records activity now.
func (i *Instance) Touch() {
	now := time.Now()
	i.mu.Lock()
	if now.After(i.lastActivity) {
		i.lastActivity = now
	}
	closed := i.closed
	i.mu.Unlock()
	if !closed && i.opts.Hooks.OnTouch != nil {
		i.opts.Hooks.OnTouch(i, now)
	}
}

// Acquire marks an operation in flight. The returned release must be called
// exactly once; it touches the instance.
func (i *Instance) Acquire() (release func(), err error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, ErrInstanceClosed
	}
	i.inFlight++
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			i.inFlight--
			i.mu.Unlock()
			i.Touch()
		})
	}, nil
}

// LastActivity returns the most recent touch.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// Done is closed when the browser process exits.
func (i *Instance) Done() <-chan struct{} { return i.handle.Done() }

// Exited reports whether the browser process has exited.
func (i *Instance) Exited() bool {
	select {
	case <-i.handle.Done():
		return true
	default:
		return false
	}
}

// Closed reports whether the instance has been terminated or retired.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Snapshot returns the instance's current state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	status := StatusReady
	switch {
	case i.closed:
		status = StatusClosed
	case i.inFlight > 0 || i.openPages > 0:
		status = StatusBusy
	}
	return Snapshot{
		ID:             i.ID,
		Fingerprint:    i.Fingerprint,
		Config:         i.Config.Clone(),
		Endpoint:       i.Endpoint,
		Status:         status,
		CreatedAt:      i.CreatedAt,
		LastActivityAt: i.lastActivity,
		OpenPages:      i.openPages,
		InFlight:       i.inFlight,
	}
}

// Retire marks the instance closed if it has no open pages, nothing in
// flight, and has been idle for at least timeout. Once Retire returns true
// no new operation can start on it; the caller must then call Close.
func (i *Instance) Retire(now time.Time, timeout time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed || i.openPages > 0 || i.inFlight > 0 {
		return false
	}
	if now.Sub(i.lastActivity) < timeout {
		return false
	}
	i.closed = true
	return true
}

// OpenPage creates a new page target and connects a session to it.
func (i *Instance) OpenPage(ctx context.Context) (*Page, error) {
	release, err := i.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	target, err := NewTarget(ctx, i.opts.HTTPClient, i.Endpoint.HTTPAddr)
	if err != nil {
		return nil, err
	}
	conn, err := cdp.Dial(ctx, target.WebSocketDebuggerURL,
		cdp.WithLogger(i.logger),
		cdp.WithCommandTimeout(i.opts.CommandTimeout),
		cdp.WithDebug(i.Config.Debug),
	)
	if err != nil {
		i.discardTarget(target.ID)
		return nil, err
	}

	p := newPage(i, target.ID, conn)
	if err := p.enable(ctx); err != nil {
		_ = conn.Close()
		i.discardTarget(target.ID)
		return nil, err
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		_ = conn.Close()
		return nil, ErrInstanceClosed
	}
	i.openPages++
	i.pages[p.ID] = p
	i.mu.Unlock()

	go p.watch()
	if i.opts.Hooks.OnPageOpened != nil {
		i.opts.Hooks.OnPageOpened(i, p)
	}
	return p, nil
}

// discardTarget closes a tab whose session could not be set up. The
// caller's context may already be done, so it gets its own budget.
func (i *Instance) discardTarget(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := CloseTarget(ctx, i.opts.HTTPClient, i.Endpoint.HTTPAddr, id); err != nil {
		i.logger.Debug("Failed to close orphaned target", "targetID", id, "error", err)
	}
}

// Page returns an open page by target id.
func (i *Instance) Page(id string) (*Page, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.pages[id]
	return p, ok
}

// Pages returns the open pages.
func (i *Instance) Pages() []*Page {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Page, 0, len(i.pages))
	for _, p := range i.pages {
		out = append(out, p)
	}
	return out
}

func (i *Instance) pageClosed(p *Page, err error) {
	i.mu.Lock()
	if _, ok := i.pages[p.ID]; !ok {
		i.mu.Unlock()
		return
	}
	delete(i.pages, p.ID)
	i.openPages--
	i.mu.Unlock()

	i.Touch()
	if err != nil && i.opts.Hooks.OnDisconnect != nil {
		i.opts.Hooks.OnDisconnect(i, err)
	}
	if i.opts.Hooks.OnPageClosed != nil {
		i.opts.Hooks.OnPageClosed(i, p)
	}
}

// Attach returns a chromedp context driving a new tab of this browser. The
// attachment counts as an open session until cancel is called.
func (i *Instance) Attach(ctx context.Context) (context.Context, context.CancelFunc, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, nil, ErrInstanceClosed
	}
	i.openPages++
	i.mu.Unlock()

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, i.Endpoint.WebSocketURL, chromedp.NoModifyURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			tabCancel()
			allocCancel()
			i.mu.Lock()
			i.openPages--
			i.mu.Unlock()
			i.Touch()
		})
	}
	return tabCtx, cancel, nil
}

// Close terminates the process and every page session. It is idempotent.
func (i *Instance) Close() error {
	i.mu.Lock()
	i.closed = true
	pages := make([]*Page, 0, len(i.pages))
	for _, p := range i.pages {
		pages = append(pages, p)
	}
	i.mu.Unlock()

	for _, p := range pages {
		p.closing.Store(true)
		_ = p.conn.Close()
	}
	return i.handle.Kill()
}
