package browser

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/choraleia/chromepool/pkg/cdp"
)

// DefaultPollInterval is the WaitForSelector polling period.
const DefaultPollInterval = 500 * time.Millisecond

// PageState tracks the last lifecycle event seen for the main frame.
type PageState string

const (
	PageStateBlank   PageState = "blank"
	PageStateLoading PageState = "loading"
	PageStateLoaded  PageState = "loaded"
	PageStateClosed  PageState = "closed"
)

// Page is a session on one page target. Its methods are safe for
// concurrent use.
type Page struct {
	ID string

	inst *Instance
	conn *cdp.Conn

	mu    sync.Mutex
	url   string
	state PageState

	closing    atomic.Bool
	closeOnce  sync.Once
	detachOnce sync.Once
}

type frameNavigated struct {
	Frame struct {
		ID       string `json:"id"`
		ParentID string `json:"parentId"`
		URL      string `json:"url"`
	} `json:"frame"`
}

type navigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId"`
	ErrorText string `json:"errorText"`
}

type remoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype"`
	Value               json.RawMessage `json:"value"`
	UnserializableValue string          `json:"unserializableValue"`
	Description         string          `json:"description"`
}

type exceptionDetails struct {
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	Exception    *remoteObject `json:"exception"`
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails"`
}

func (d *exceptionDetails) toError() *EvaluationError {
	desc := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		desc = d.Exception.Description
	}
	return &EvaluationError{Description: desc, Line: d.LineNumber, Column: d.ColumnNumber}
}

// raw returns the JSON form of the value, or nil for undefined and
// values that cannot be returned by value.
func (o remoteObject) raw() json.RawMessage {
	if len(o.Value) > 0 {
		return o.Value
	}
	if o.UnserializableValue != "" {
		b, _ := json.Marshal(o.UnserializableValue)
		return b
	}
	return nil
}

func newPage(inst *Instance, id string, conn *cdp.Conn) *Page {
	p := &Page{ID: id, inst: inst, conn: conn, url: "about:blank", state: PageStateBlank}

	conn.On(cdproto.EventPageFrameNavigated, func(ev cdp.Event) {
		var fn frameNavigated
		if json.Unmarshal(ev.Params, &fn) != nil || fn.Frame.ParentID != "" {
			return
		}
		p.mu.Lock()
		p.url = fn.Frame.URL
		p.state = PageStateLoading
		p.mu.Unlock()
	})
	conn.On(cdproto.EventPageLoadEventFired, func(cdp.Event) {
		p.mu.Lock()
		p.state = PageStateLoaded
		p.mu.Unlock()
	})
	return p
}

func (p *Page) enable(ctx context.Context) error {
	if err := p.conn.Call(ctx, page.CommandEnable, page.Enable(), nil); err != nil {
		return err
	}
	return p.conn.Call(ctx, runtime.CommandEnable, runtime.Enable(), nil)
}

// watch detaches the page from its instance once the connection ends.
func (p *Page) watch() {
	<-p.conn.Done()
	if p.closing.Load() {
		p.detach(nil)
		return
	}
	p.detach(p.conn.Err())
}

func (p *Page) detach(err error) {
	p.detachOnce.Do(func() {
		p.mu.Lock()
		p.state = PageStateClosed
		p.mu.Unlock()
		p.inst.pageClosed(p, err)
	})
}

// withTimeout applies the instance command timeout when ctx has no deadline.
func (p *Page) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, time.Duration) {
	if dl, ok := ctx.Deadline(); ok {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, time.Until(dl)
	}
	ctx, cancel := context.WithTimeout(ctx, p.inst.opts.CommandTimeout)
	return ctx, cancel, p.inst.opts.CommandTimeout
}

// URL returns the main frame URL last reported by the browser.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// State returns the last observed lifecycle state.
func (p *Page) State() PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Instance returns the owning browser instance.
func (p *Page) Instance() *Instance { return p.inst }

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	release, err := p.inst.Acquire()
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel, budget := p.withTimeout(ctx)
	defer cancel()

	loaded := make(chan struct{}, 1)
	thrown := make(chan *EvaluationError, 1)
	offLoad := p.conn.On(cdproto.EventPageLoadEventFired, func(cdp.Event) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer offLoad()
	offThrown := p.conn.On(cdproto.EventRuntimeExceptionThrown, func(ev cdp.Event) {
		var params struct {
			ExceptionDetails exceptionDetails `json:"exceptionDetails"`
		}
		if json.Unmarshal(ev.Params, &params) != nil {
			return
		}
		select {
		case thrown <- params.ExceptionDetails.toError():
		default:
		}
	})
	defer offThrown()

	var res navigateResult
	if err := p.conn.Call(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	if res.ErrorText != "" {
		return &NavigationError{URL: url, Reason: res.ErrorText}
	}
	if res.LoaderID == "" {
		// Same-document navigation fires no load event.
		return nil
	}

	select {
	case <-loaded:
		return nil
	case exc := <-thrown:
		return &NavigationError{URL: url, Reason: "uncaught exception during load", Err: exc}
	case <-p.conn.Done():
		return &NavigationError{URL: url, Err: p.conn.Err()}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &NavigationError{URL: url, Reason: "load event not received", Err: &cdp.TimeoutError{Op: "navigate", After: budget}}
		}
		return &NavigationError{URL: url, Err: ctx.Err()}
	}
}

// Evaluate runs expression in the page, awaiting promises, and returns its
// value as JSON. Undefined results are returned as nil.
func (p *Page) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	release, err := p.inst.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel, _ := p.withTimeout(ctx)
	defer cancel()
	return p.evaluate(ctx, expression)
}

// EvaluateInto is Evaluate followed by decoding into out. An undefined
// result leaves out untouched.
func (p *Page) EvaluateInto(ctx context.Context, expression string, out any) error {
	raw, err := p.Evaluate(ctx, expression)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &cdp.ProtocolError{Method: runtime.CommandEvaluate, Message: "unexpected result type", Data: err.Error()}
	}
	return nil
}

func (p *Page) evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	params := runtime.Evaluate(expression).WithReturnByValue(true).WithAwaitPromise(true)
	var res evaluateResult
	if err := p.conn.Call(ctx, runtime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, res.ExceptionDetails.toError()
	}
	return res.Result.raw(), nil
}

// WaitForSelector polls until selector matches an element. A zero timeout
// uses the instance command timeout. Expiry returns a *cdp.TimeoutError and
// leaves the page usable.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	release, err := p.inst.Acquire()
	if err != nil {
		return err
	}
	defer release()
	if timeout <= 0 {
		timeout = p.inst.opts.CommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	quoted, _ := json.Marshal(selector)
	expr := "!!document.querySelector(" + string(quoted) + ")"

	ticker := time.NewTicker(p.inst.opts.PollInterval)
	defer ticker.Stop()
	for {
		raw, err := p.evaluate(ctx, expr)
		if err == nil {
			var found bool
			if json.Unmarshal(raw, &found) == nil && found {
				return nil
			}
		} else {
			var evalErr *EvaluationError
			switch {
			case errors.As(err, &evalErr):
				return err
			case errors.Is(err, cdp.ErrDisconnected):
				return err
			}
			// Other failures, such as a context destroyed by navigation,
			// are retried until the deadline.
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &cdp.TimeoutError{Op: "waitForSelector " + selector, After: timeout}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HTML returns the serialized document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.EvaluateInto(ctx, "document.documentElement.outerHTML", &html)
	return html, err
}

// Title returns document.title.
func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.EvaluateInto(ctx, "document.title", &title)
	return title, err
}

// Close closes the target and its connection. It is idempotent.
func (p *Page) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := p.conn.Send(cctx, page.CommandClose, page.Close()); err != nil && !errors.Is(err, cdp.ErrDisconnected) {
			p.inst.logger.Debug("Page.close failed", "pageID", p.ID, "error", err)
		}
		_ = p.conn.Close()
		p.detach(nil)
	})
	return nil
}
