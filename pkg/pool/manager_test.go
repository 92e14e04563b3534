package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/browser/browsertest"
	"github.com/choraleia/chromepool/pkg/cdp"
	"github.com/choraleia/chromepool/pkg/db"
	"github.com/choraleia/chromepool/pkg/event"
	"github.com/choraleia/chromepool/pkg/models"
)

type fixture struct {
	srv      *browsertest.Server
	launcher *browsertest.Launcher
	manager  *Manager
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	srv := browsertest.NewServer(t)
	l := browsertest.NewLauncher(srv)
	opts := Options{
		Launcher:          l,
		IdleTimeout:       time.Hour,
		ReapInterval:      time.Hour,
		CommandTimeout:    2 * time.Second,
		PollInterval:      10 * time.Millisecond,
		DefaultExecutable: "fake-chrome",
		DefaultArgs:       []string{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &fixture{srv: srv, launcher: l, manager: m}
}

var headless = browser.Config{Headless: true}

func TestGetOrLaunch_ConcurrentCallersShareOneLaunch(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.Delay = 100 * time.Millisecond

	const n = 20
	results := make([]*browser.Instance, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.GetOrLaunch(context.Background(), headless)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, f.launcher.Launches())
	assert.Equal(t, 1, f.manager.Len())
}

func TestGetOrLaunch_ReusesLiveInstance(t *testing.T) {
	f := newFixture(t, nil)

	a, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)
	b, err := f.manager.GetOrLaunch(context.Background(), browser.Config{Headless: true, Executable: "fake-chrome"})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, f.launcher.Launches())
}

func TestGetOrLaunch_DistinctConfigsLaunchSeparately(t *testing.T) {
	f := newFixture(t, nil)

	configs := []browser.Config{
		{Headless: true},
		{Headless: false},
		{Headless: true, Debug: true},
		{Headless: true, Args: []string{"--lang=de"}},
	}
	seen := map[string]bool{}
	for _, cfg := range configs {
		inst, err := f.manager.GetOrLaunch(context.Background(), cfg)
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	assert.Len(t, seen, len(configs))
	assert.Equal(t, len(configs), f.launcher.Launches())
}

func TestGetOrLaunch_FailureIsSharedButNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.Delay = 50 * time.Millisecond
	f.launcher.FailNext(1)

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.GetOrLaunch(context.Background(), headless)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		var le *browser.LaunchError
		require.ErrorAs(t, err, &le)
	}
	assert.Equal(t, 1, f.launcher.Launches())
	assert.Equal(t, 0, f.manager.Len())

	inst, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Equal(t, 2, f.launcher.Launches())
}

func TestGetOrLaunch_CallerDeadlineDoesNotAbortLaunch(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.Delay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.manager.GetOrLaunch(ctx, headless)
	require.Error(t, err)
	assert.True(t, cdp.IsTimeout(err))

	inst, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Equal(t, 1, f.launcher.Launches())
}

func TestNormalize(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.DefaultArgs = []string{AutomationControlledFlag}
	})

	cfg, err := f.manager.Normalize(browser.Config{Args: []string{"--lang=fr"}})
	require.NoError(t, err)
	assert.Equal(t, "fake-chrome", cfg.Executable)
	assert.Equal(t, []string{AutomationControlledFlag, "--lang=fr"}, cfg.Args)

	cfg, err = f.manager.Normalize(browser.Config{Executable: "/opt/chrome", Args: []string{AutomationControlledFlag}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/chrome", cfg.Executable)
	assert.Equal(t, []string{AutomationControlledFlag}, cfg.Args)
}

func TestDefaultArgs(t *testing.T) {
	t.Setenv("CI", "")
	assert.Equal(t, []string{AutomationControlledFlag}, DefaultArgs())

	t.Setenv("CI", "true")
	assert.Equal(t, []string{AutomationControlledFlag, "--disable-gpu", "--no-sandbox", "--disable-setuid-sandbox"}, DefaultArgs())
}

func TestReaper_EvictsIdleInstanceWithinOneInterval(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IdleTimeout = 50 * time.Millisecond
		o.ReapInterval = 20 * time.Millisecond
	})

	inst, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.manager.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, inst.Closed())
	assert.Equal(t, 1, f.launcher.Kills())
	_, err = f.manager.Get(inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, again.ID)
	assert.Equal(t, 2, f.launcher.Launches())
}

func TestReaper_NeverEvictsInstanceWithOpenPage(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IdleTimeout = 30 * time.Millisecond
		o.ReapInterval = 10 * time.Millisecond
	})

	inst, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)
	p, err := inst.OpenPage(context.Background())
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.manager.Len())
	assert.False(t, inst.Closed())

	require.NoError(t, p.Close(context.Background()))
	require.Eventually(t, func() bool { return f.manager.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReaper_NeverEvictsInstanceWithOperationInFlight(t *testing.T) {
	f := newFixture(t, nil)

	inst, err := f.manager.GetOrLaunch(context.Background(), headless)
	require.NoError(t, err)
	release, err := inst.Acquire()
	require.NoError(t, err)

	future := time.Now().Add(24 * time.Hour)
	assert.Equal(t, 0, f.manager.reapIdle(future))
	assert.Equal(t, 1, f.manager.Len())

	release()
	assert.Equal(t, 1, f.manager.reapIdle(future))
	assert.Equal(t, 0, f.manager.Len())
}

func TestReaper_CloseFailureDoesNotStopSweep(t *testing.T) {
	f := newFixture(t, nil)
	for _, cfg := range []browser.Config{{Headless: true}, {Headless: false}, {Debug: true}} {
		_, err := f.manager.GetOrLaunch(context.Background(), cfg)
		require.NoError(t, err)
	}
	f.launcher.FailKills(errors.New("process already reaped"))

	evicted := f.manager.reapIdle(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 3, evicted)
	assert.Equal(t, 3, f.launcher.Kills())
	assert.Equal(t, 0, f.manager.Len())
}

func TestScenario_NavigateEvaluateThenIdleEviction(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IdleTimeout = 80 * time.Millisecond
		o.ReapInterval = 20 * time.Millisecond
	})
	f.srv.SetTitle("Example Domain")
	ctx := context.Background()

	inst, err := f.manager.GetOrLaunch(ctx, headless)
	require.NoError(t, err)
	p, err := inst.OpenPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Navigate(ctx, "https://example.com"))
	title, err := p.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", title)
	require.NoError(t, p.Close(ctx))

	require.Eventually(t, func() bool {
		_, err := f.manager.Get(inst.ID)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_GetPageAndList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inst, err := f.manager.GetOrLaunch(ctx, headless)
	require.NoError(t, err)
	p, err := inst.OpenPage(ctx)
	require.NoError(t, err)

	got, err := f.manager.Page(inst.ID, p.ID)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = f.manager.Page(inst.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.Page("missing", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list := f.manager.List()
	require.Len(t, list, 1)
	assert.Equal(t, inst.ID, list[0].ID)
	assert.Equal(t, 1, list[0].OpenPages)
	assert.Equal(t, browser.StatusBusy, list[0].Status)
}

func TestManager_CloseExplicit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inst, err := f.manager.GetOrLaunch(ctx, headless)
	require.NoError(t, err)
	_, err = inst.OpenPage(ctx)
	require.NoError(t, err)

	require.NoError(t, f.manager.Close(inst.ID))
	assert.True(t, inst.Closed())
	assert.Equal(t, 0, f.manager.Len())
	assert.ErrorIs(t, f.manager.Close(inst.ID), ErrNotFound)
	require.Eventually(t, func() bool { return f.srv.OpenConnections() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.manager.GetOrLaunch(ctx, headless)
	require.NoError(t, err)
	b, err := f.manager.GetOrLaunch(ctx, browser.Config{Headless: false})
	require.NoError(t, err)
	_, err = b.OpenPage(ctx)
	require.NoError(t, err)

	require.NoError(t, f.manager.Shutdown(ctx))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 2, f.launcher.Kills())
	assert.Equal(t, 0, f.manager.Len())

	_, err = f.manager.GetOrLaunch(ctx, headless)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, f.manager.Shutdown(ctx))
}

func TestManager_ShutdownAbortsLaunchInProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.launcher.Delay = 5 * time.Second

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.GetOrLaunch(context.Background(), headless)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.manager.Shutdown(context.Background()))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("launch not aborted by shutdown")
	}
	assert.Equal(t, 0, f.manager.Len())
}

func TestManager_ExitedProcessIsReplaced(t *testing.T) {
	tests := []struct {
		name string
		wait bool
	}{
		{"evicted by watcher", true},
		{"skipped by lookup", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gdb, err := db.Open(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close(gdb) })
			store := NewStore(gdb)
			f := newFixture(t, func(o *Options) { o.Store = store })
			ctx := context.Background()

			first, err := f.manager.GetOrLaunch(ctx, headless)
			require.NoError(t, err)
			handles := f.launcher.Handles()
			require.Len(t, handles, 1)
			handles[0].Crash()

			if tt.wait {
				require.Eventually(t, func() bool { return f.manager.Len() == 0 }, time.Second, 5*time.Millisecond)
				assert.True(t, first.Closed())
				_, err := f.manager.Get(first.ID)
				assert.ErrorIs(t, err, ErrNotFound)
			}

			second, err := f.manager.GetOrLaunch(ctx, headless)
			require.NoError(t, err)
			assert.NotSame(t, first, second)
			assert.Equal(t, 2, f.launcher.Launches())

			_, err = second.OpenPage(ctx)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return f.manager.Len() == 1 }, time.Second, 5*time.Millisecond)
			rec, err := store.Get(first.ID)
			require.NoError(t, err)
			assert.Equal(t, models.CloseReasonExited, rec.CloseReason)
		})
	}
}

func TestManager_EmitsLifecycleEvents(t *testing.T) {
	emitter := event.NewEmitter()
	var mu sync.Mutex
	var names []string
	emitter.OnAny(func(ev event.Event) {
		mu.Lock()
		names = append(names, ev.EventName())
		mu.Unlock()
	})
	f := newFixture(t, func(o *Options) { o.Emitter = emitter })
	ctx := context.Background()

	inst, err := f.manager.GetOrLaunch(ctx, headless)
	require.NoError(t, err)
	p, err := inst.OpenPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))
	require.NoError(t, f.manager.Close(inst.ID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{event.BrowserLaunched, event.PageOpened, event.PageClosed, event.BrowserClosed}, names)
}

func TestManager_PersistsHistory(t *testing.T) {
	gdb, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	store := NewStore(gdb)

	f := newFixture(t, func(o *Options) { o.Store = store })
	ctx := context.Background()

	inst, err := f.manager.GetOrLaunch(ctx, browser.Config{Headless: true, Args: []string{"--lang=de"}})
	require.NoError(t, err)
	p, err := inst.OpenPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))

	rec, err := store.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Fingerprint, rec.Fingerprint)
	assert.Equal(t, models.StringList{"--lang=de"}, rec.Args)
	assert.Equal(t, 1, rec.PagesOpened)
	assert.Nil(t, rec.ClosedAt)

	assert.Equal(t, 1, f.manager.reapIdle(time.Now().Add(2*time.Hour)))
	rec, err = store.Get(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BrowserInstanceStatusClosed, rec.Status)
	assert.Equal(t, models.CloseReasonIdle, rec.CloseReason)
	assert.NotNil(t, rec.ClosedAt)

	history, err := f.manager.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, inst.ID, history[0].ID)
}
