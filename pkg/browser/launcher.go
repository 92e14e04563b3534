package browser

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/choraleia/chromepool/pkg/utils"
)

// DefaultStartupTimeout bounds the wait for the DevTools listening line.
const DefaultStartupTimeout = 30 * time.Second

// Handle is a running browser process.
type Handle interface {
	Endpoint() Endpoint
	// Done is closed once the process has exited, for whatever reason.
	Done() <-chan struct{}
	// Kill terminates the process and releases its resources. It is safe
	// to call more than once.
	Kill() error
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, cfg Config) (Handle, error)
}

var listeningRe = regexp.MustCompile(`DevTools listening on ws://([^/\s]+)/`)

// ExecLauncher spawns a local Chrome or Chromium binary.
type ExecLauncher struct {
	// TempDir holds per-launch user data dirs. Defaults to os.TempDir().
	TempDir        string
	StartupTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// NewExecLauncher returns an ExecLauncher with defaults.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{
		TempDir:        os.TempDir(),
		StartupTimeout: DefaultStartupTimeout,
		HTTPClient:     defaultHTTPClient,
		Logger:         utils.GetLogger(),
	}
}

// BuildArgs returns the command line for cfg using userDataDir.
func BuildArgs(cfg Config, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + userDataDir,
		"--password-store=basic",
		"--no-first-run",
	}
	if cfg.Headless {
		args = append(args, "--headless")
	}
	if cfg.Debug {
		args = append(args, "--enable-logging=stderr", "--v=1")
	}
	return append(args, cfg.Args...)
}

// Launch starts the browser and waits until its DevTools endpoint answers.
func (l *ExecLauncher) Launch(ctx context.Context, cfg Config) (Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	fail := func(stage string, err error) (Handle, error) {
		return nil, &LaunchError{Executable: cfg.Executable, Stage: stage, Err: err}
	}

	if cfg.Executable == "" {
		return fail("resolve", errors.New("no executable configured"))
	}

	tempDir := l.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	userDataDir := filepath.Join(tempDir, "chrome-"+uuid.NewString())
	if err := os.MkdirAll(userDataDir, 0o700); err != nil {
		return fail("prepare", errors.Wrap(err, "create user data dir"))
	}

	cmd := exec.Command(cfg.Executable, BuildArgs(cfg, userDataDir)...)
	cmd.Stdout = nil
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.RemoveAll(userDataDir)
		return fail("spawn", errors.Wrap(err, "stderr pipe"))
	}
	if cfg.Debug {
		logger.Debug("Launching browser", "executable", cfg.Executable, "args", cmd.Args[1:])
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(userDataDir)
		return fail("spawn", errors.Wrapf(err, "start %s", cfg.Executable))
	}

	h := &execHandle{
		cmd:         cmd,
		userDataDir: userDataDir,
		exited:      make(chan struct{}),
	}
	addrCh := make(chan string, 1)
	scanDone := make(chan struct{})
	tail := &lineTail{max: 20}
	go func() {
		defer close(scanDone)
		scanStderr(stderr, addrCh, tail, cfg.Debug, logger)
	}()
	go func() {
		<-scanDone
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	timeout := l.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var httpAddr string
	select {
	case httpAddr = <-addrCh:
	case <-scanDone:
		_ = h.Kill()
		return fail("startup", errors.Errorf("process exited before DevTools was ready; stderr:\n%s", tail.String()))
	case <-timer.C:
		_ = h.Kill()
		return fail("startup", errors.Errorf("no DevTools listening line within %s; stderr:\n%s", timeout, tail.String()))
	case <-ctx.Done():
		_ = h.Kill()
		return fail("startup", ctx.Err())
	}

	client := l.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	v, err := probeVersion(ctx, client, httpAddr, probeAttempts, probeDelay)
	if err != nil {
		_ = h.Kill()
		return fail("probe", err)
	}
	h.endpoint = Endpoint{HTTPAddr: httpAddr, WebSocketURL: v.WebSocketDebuggerURL}

	logger.Info("Browser process ready", "pid", cmd.Process.Pid, "addr", httpAddr, "version", v.Browser)
	return h, nil
}

func scanStderr(r io.Reader, addrCh chan<- string, tail *lineTail, debug bool, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	found := false
	for sc.Scan() {
		line := sc.Text()
		tail.add(line)
		if debug {
			logger.Debug("browser stderr", "line", line)
		}
		if found {
			continue
		}
		if addr, ok := parseListeningLine(line); ok {
			found = true
			addrCh <- addr
		}
	}
}

// parseListeningLine extracts host:port from Chrome's
// "DevTools listening on ws://HOST:PORT/devtools/browser/<id>" line.
func parseListeningLine(line string) (string, bool) {
	m := listeningRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	host, port, err := net.SplitHostPort(m[1])
	if err != nil || port == "" || port == "0" {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}

type execHandle struct {
	cmd         *exec.Cmd
	userDataDir string
	endpoint    Endpoint

	exited  chan struct{}
	waitErr error

	killOnce sync.Once
	killErr  error
}

func (h *execHandle) Endpoint() Endpoint { return h.endpoint }

func (h *execHandle) Done() <-chan struct{} { return h.exited }

func (h *execHandle) Kill() error {
	h.killOnce.Do(func() {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.killErr = errors.Wrap(err, "kill browser")
		}
		select {
		case <-h.exited:
		case <-time.After(5 * time.Second):
		}
		if err := os.RemoveAll(h.userDataDir); err != nil && h.killErr == nil {
			h.killErr = errors.Wrap(err, "remove user data dir")
		}
	})
	return h.killErr
}

// lineTail keeps the last max lines for error reports.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return "(empty)"
	}
	return strings.Join(t.lines, "\n")
}

// ResolveExecutable picks the browser binary: an explicit path, then
// CHROME_BIN, then well-known install locations for the current OS.
func ResolveExecutable(explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(os.Getenv("CHROME_BIN")); p != "" {
		return p, nil
	}
	candidates := defaultExecCandidates()
	for _, c := range candidates {
		if filepath.IsAbs(c) {
			if info, err := os.Stat(c); err == nil && !info.IsDir() {
				return c, nil
			}
			continue
		}
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", &LaunchError{
		Executable: "",
		Stage:      "resolve",
		Err:        errors.Errorf("no Chrome or Chromium binary found (set CHROME_BIN); tried %s", strings.Join(candidates, ", ")),
	}
}

func defaultExecCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			"chrome.exe",
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"headless-shell",
		}
	}
}
