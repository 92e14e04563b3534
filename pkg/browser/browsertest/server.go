// Package browsertest provides an in-process DevTools endpoint and launcher
// for testing code built on the browser and pool packages.
package browsertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Evaluator answers Runtime.evaluate. Returning handled=false falls back to
// the built-in expressions.
type Evaluator func(expr string) (result map[string]any, handled bool)

// Server is a minimal DevTools HTTP and websocket endpoint.
//
// Built-in Runtime.evaluate expressions:
//   - document.title, document.documentElement.outerHTML, location.href
//   - !!document.querySelector("sel"), true when sel was added via AddSelector
//   - JSON literals, undefined, NaN
//   - "throw <msg>" raises an exception, "hang" never answers
//
// Page.navigate URLs prefixed with "hang:" never fire a load event,
// "fail:" report errorText, "throw:" raise an uncaught exception, and
// "#frag" is a same-document navigation.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	title     string
	html      string
	selectors map[string]bool
	targets   int
	closed    []string
	rejectWS  bool
	conns     map[*websocket.Conn]struct{}
	evaluator Evaluator
}

// NewServer starts a Server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		title:     "Fake Page",
		html:      "<html><head></head><body></body></html>",
		selectors: make(map[string]bool),
		conns:     make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/json/new", s.handleNew)
	mux.HandleFunc("/json/close/", s.handleClose)
	mux.HandleFunc("/devtools/page/", s.handlePage)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.DropConnections()
		s.srv.Close()
	})
	return s
}

// Addr is the host:port of the endpoint.
func (s *Server) Addr() string { return strings.TrimPrefix(s.srv.URL, "http://") }

// BrowserURL is the browser-level websocket URL reported by /json/version.
func (s *Server) BrowserURL() string { return "ws://" + s.Addr() + "/devtools/browser/fake" }

// SetTitle sets the value returned for document.title.
func (s *Server) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

// SetHTML sets the value returned for the document outerHTML.
func (s *Server) SetHTML(html string) {
	s.mu.Lock()
	s.html = html
	s.mu.Unlock()
}

// AddSelector makes querySelector(sel) match from now on.
func (s *Server) AddSelector(sel string) {
	s.mu.Lock()
	s.selectors[sel] = true
	s.mu.Unlock()
}

// SetEvaluator installs a custom Runtime.evaluate handler.
func (s *Server) SetEvaluator(fn Evaluator) {
	s.mu.Lock()
	s.evaluator = fn
	s.mu.Unlock()
}

// TargetsCreated counts /json/new calls.
func (s *Server) TargetsCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets
}

// TargetsClosed returns the ids passed to /json/close, in call order.
func (s *Server) TargetsClosed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

// RejectPageConnections makes page websocket handshakes fail while on.
func (s *Server) RejectPageConnections(on bool) {
	s.mu.Lock()
	s.rejectWS = on
	s.mu.Unlock()
}

// OpenConnections counts live page websockets.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every page websocket abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": s.BrowserURL(),
	})
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.targets++
	id := fmt.Sprintf("page-%d", s.targets)
	s.mu.Unlock()
	writeJSON(w, map[string]string{
		"id":                   id,
		"type":                 "page",
		"title":                "about:blank",
		"url":                  "about:blank",
		"webSocketDebuggerUrl": "ws://" + s.Addr() + "/devtools/page/" + id,
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/json/close/")
	s.mu.Lock()
	s.closed = append(s.closed, id)
	s.mu.Unlock()
	_, _ = w.Write([]byte("Target is closing"))
}

type cdpRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectWS
	s.mu.Unlock()
	if reject {
		http.Error(w, "rejected", http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	sess := &pageSession{server: s, ws: ws, url: "about:blank"}
	for {
		var req cdpRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		if !sess.handle(req) {
			return
		}
	}
}

type pageSession struct {
	server *Server
	ws     *websocket.Conn
	url    string
}

func (p *pageSession) reply(id int64, result any) {
	_ = p.ws.WriteJSON(map[string]any{"id": id, "result": result})
}

func (p *pageSession) fail(id int64, code int, msg string) {
	_ = p.ws.WriteJSON(map[string]any{"id": id, "error": map[string]any{"code": code, "message": msg}})
}

func (p *pageSession) event(method string, params any) {
	_ = p.ws.WriteJSON(map[string]any{"method": method, "params": params})
}

// handle serves one command and reports whether the session stays open.
func (p *pageSession) handle(req cdpRequest) bool {
	switch req.Method {
	case "Page.enable", "Runtime.enable":
		p.reply(req.ID, map[string]any{})
	case "Page.close":
		p.reply(req.ID, map[string]any{})
		return false
	case "Page.navigate":
		var params struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(req.Params, &params)
		p.navigate(req.ID, params.URL)
	case "Runtime.evaluate":
		var params struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.Expression == "hang" {
			return true
		}
		p.reply(req.ID, p.evaluate(params.Expression))
	default:
		p.fail(req.ID, -32601, fmt.Sprintf("'%s' wasn't found", req.Method))
	}
	return true
}

func (p *pageSession) navigate(id int64, url string) {
	switch {
	case strings.HasPrefix(url, "fail:"):
		p.reply(id, map[string]any{"frameId": "main", "loaderId": "L", "errorText": "net::ERR_NAME_NOT_RESOLVED"})
		return
	case strings.HasPrefix(url, "#"):
		p.url = strings.SplitN(p.url, "#", 2)[0] + url
		p.reply(id, map[string]any{"frameId": "main"})
		return
	}

	p.url = url
	p.reply(id, map[string]any{"frameId": "main", "loaderId": "L"})
	p.event("Page.frameNavigated", map[string]any{"frame": map[string]any{"id": "main", "url": url}})
	switch {
	case strings.HasPrefix(url, "hang:"):
	case strings.HasPrefix(url, "throw:"):
		p.event("Runtime.exceptionThrown", map[string]any{
			"timestamp": 0,
			"exceptionDetails": map[string]any{
				"text":         "Uncaught",
				"lineNumber":   3,
				"columnNumber": 7,
				"exception":    map[string]any{"type": "object", "description": "Error: " + strings.TrimPrefix(url, "throw:")},
			},
		})
	default:
		p.event("Page.loadEventFired", map[string]any{"timestamp": 1})
	}
}

func value(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

func exception(desc string) map[string]any {
	return map[string]any{
		"result": map[string]any{"type": "object", "subtype": "error", "description": desc},
		"exceptionDetails": map[string]any{
			"exceptionId":  1,
			"text":         "Uncaught",
			"lineNumber":   0,
			"columnNumber": 0,
			"exception":    map[string]any{"type": "object", "subtype": "error", "description": desc},
		},
	}
}

func (p *pageSession) evaluate(expr string) map[string]any {
	s := p.server
	s.mu.Lock()
	eval := s.evaluator
	title, html := s.title, s.html
	s.mu.Unlock()

	if eval != nil {
		if res, ok := eval(expr); ok {
			return res
		}
	}

	switch {
	case expr == "document.title":
		return value(title)
	case expr == "document.documentElement.outerHTML":
		return value(html)
	case expr == "location.href":
		return value(p.url)
	case expr == "undefined":
		return map[string]any{"result": map[string]any{"type": "undefined"}}
	case expr == "NaN":
		return map[string]any{"result": map[string]any{"type": "number", "unserializableValue": "NaN", "description": "NaN"}}
	case strings.HasPrefix(expr, "throw "):
		return exception("Error: " + strings.TrimPrefix(expr, "throw "))
	case strings.HasPrefix(expr, "!!document.querySelector(") && strings.HasSuffix(expr, ")"):
		arg := strings.TrimSuffix(strings.TrimPrefix(expr, "!!document.querySelector("), ")")
		var sel string
		if err := json.Unmarshal([]byte(arg), &sel); err != nil || sel == "" || strings.HasPrefix(sel, "[[") {
			return exception(fmt.Sprintf("SyntaxError: Failed to execute 'querySelector' on 'Document': '%s' is not a valid selector.", sel))
		}
		s.mu.Lock()
		found := s.selectors[sel]
		s.mu.Unlock()
		return value(found)
	}

	var literal any
	if err := json.Unmarshal([]byte(expr), &literal); err == nil {
		return value(literal)
	}
	return exception(fmt.Sprintf("ReferenceError: %s is not defined", expr))
}
