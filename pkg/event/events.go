package event

const (
	BrowserLaunched     = "browser.launched"
	BrowserLaunchFailed = "browser.launchFailed"
	BrowserClosed       = "browser.closed"
	PageOpened          = "page.opened"
	PageClosed          = "page.closed"
)

// Names lists every event the pool emits.
var Names = []string{BrowserLaunched, BrowserLaunchFailed, BrowserClosed, PageOpened, PageClosed}

// BrowserLaunchedEvent is emitted when a new instance joins the pool.
type BrowserLaunchedEvent struct {
	BrowserID   string `json:"browser_id"`
	Fingerprint string `json:"fingerprint"`
	Endpoint    string `json:"endpoint"`
}

func (e BrowserLaunchedEvent) EventName() string { return BrowserLaunched }
func (e BrowserLaunchedEvent) Browser() string { return e.BrowserID }

// BrowserLaunchFailedEvent is emitted once per failed launch attempt.
type BrowserLaunchFailedEvent struct {
	Fingerprint string `json:"fingerprint"`
	Error       string `json:"error"`
}

func (e BrowserLaunchFailedEvent) EventName() string { return BrowserLaunchFailed }

// BrowserClosedEvent is emitted when an instance leaves the pool.
// Reason is one of idle, explicit, shutdown, exited.
type BrowserClosedEvent struct {
	BrowserID   string `json:"browser_id"`
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
}

func (e BrowserClosedEvent) EventName() string { return BrowserClosed }
func (e BrowserClosedEvent) Browser() string { return e.BrowserID }

type PageOpenedEvent struct {
	BrowserID string `json:"browser_id"`
	PageID    string `json:"page_id"`
}

func (e PageOpenedEvent) EventName() string { return PageOpened }
func (e PageOpenedEvent) Browser() string { return e.BrowserID }

type PageClosedEvent struct {
	BrowserID string `json:"browser_id"`
	PageID    string `json:"page_id"`
}

func (e PageClosedEvent) EventName() string { return PageClosed }
func (e PageClosedEvent) Browser() string { return e.BrowserID }
