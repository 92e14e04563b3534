package browsertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/choraleia/chromepool/pkg/browser"
)

// Launcher is a browser.Launcher whose processes are all backed by one
// Server. It counts launches and kills.
type Launcher struct {
	Server *Server
	// Delay is slept (respecting ctx) before each launch completes.
	Delay time.Duration

	mu       sync.Mutex
	failNext int

	launches atomic.Int32
	kills    atomic.Int32
	killErr  atomic.Pointer[error]
	handles  []*Handle
}

// NewLauncher returns a Launcher backed by srv.
func NewLauncher(srv *Server) *Launcher {
	return &Launcher{Server: srv}
}

// FailNext makes the next n launches return a *browser.LaunchError.
func (l *Launcher) FailNext(n int) {
	l.mu.Lock()
	l.failNext = n
	l.mu.Unlock()
}

// FailKills makes every subsequent Kill return err.
func (l *Launcher) FailKills(err error) {
	l.killErr.Store(&err)
}

// Launches counts Launch calls.
func (l *Launcher) Launches() int { return int(l.launches.Load()) }

// Kills counts handles killed.
func (l *Launcher) Kills() int { return int(l.kills.Load()) }

func (l *Launcher) Launch(ctx context.Context, cfg browser.Config) (browser.Handle, error) {
	l.launches.Add(1)
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, &browser.LaunchError{Executable: cfg.Executable, Stage: "startup", Err: ctx.Err()}
		}
	}

	l.mu.Lock()
	fail := l.failNext > 0
	if fail {
		l.failNext--
	}
	l.mu.Unlock()
	if fail {
		return nil, &browser.LaunchError{Executable: cfg.Executable, Stage: "spawn", Err: errors.New("executable not found")}
	}

	h := &Handle{
		launcher: l,
		endpoint: browser.Endpoint{HTTPAddr: l.Server.Addr(), WebSocketURL: l.Server.BrowserURL()},
		done:     make(chan struct{}),
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

// Handles returns every handle launched so far, oldest first.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.handles...)
}

// Handle is a fake process.
type Handle struct {
	launcher *Launcher
	endpoint browser.Endpoint
	once     sync.Once
	exitOnce sync.Once
	done     chan struct{}
	killed   atomic.Bool
}

func (h *Handle) Endpoint() browser.Endpoint { return h.endpoint }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Crash simulates the process exiting on its own.
func (h *Handle) Crash() {
	h.exitOnce.Do(func() { close(h.done) })
}

func (h *Handle) Kill() error {
	h.once.Do(func() {
		h.killed.Store(true)
		h.launcher.kills.Add(1)
		h.exitOnce.Do(func() { close(h.done) })
	})
	if p := h.launcher.killErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Killed reports whether Kill has been called.
func (h *Handle) Killed() bool { return h.killed.Load() }
