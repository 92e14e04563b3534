package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Endpoint is where a running browser accepts DevTools connections.
type Endpoint struct {
	// HTTPAddr is host:port of the DevTools HTTP server.
	HTTPAddr string `json:"http_addr"`
	// WebSocketURL is the browser-level target.
	WebSocketURL string `json:"websocket_url"`
}

// VersionInfo is the /json/version payload.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetInfo is one entry from /json/new or /json/list.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

const (
	probeAttempts = 10
	probeDelay    = 500 * time.Millisecond
)

var defaultHTTPClient = &http.Client{Timeout: 5 * time.Second}

func getJSON(ctx context.Context, client *http.Client, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// FetchVersion queries /json/version once.
func FetchVersion(ctx context.Context, client *http.Client, httpAddr string) (*VersionInfo, error) {
	if client == nil {
		client = defaultHTTPClient
	}
	var v VersionInfo
	if err := getJSON(ctx, client, http.MethodGet, "http://"+httpAddr+"/json/version", &v); err != nil {
		return nil, err
	}
	if v.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("/json/version on %s has no webSocketDebuggerUrl", httpAddr)
	}
	return &v, nil
}

// probeVersion retries FetchVersion until the endpoint answers.
func probeVersion(ctx context.Context, client *http.Client, httpAddr string, attempts int, delay time.Duration) (*VersionInfo, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := FetchVersion(ctx, client, httpAddr)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("devtools endpoint %s unreachable after %d attempts: %w", httpAddr, attempts, lastErr)
}

// NewTarget opens a blank page target.
func NewTarget(ctx context.Context, client *http.Client, httpAddr string) (*TargetInfo, error) {
	if client == nil {
		client = defaultHTTPClient
	}
	var t TargetInfo
	if err := getJSON(ctx, client, http.MethodPut, "http://"+httpAddr+"/json/new", &t); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	if t.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("create target: no webSocketDebuggerUrl for %s", t.ID)
	}
	return &t, nil
}

// CloseTarget closes a page target through /json/close.
func CloseTarget(ctx context.Context, client *http.Client, httpAddr, id string) error {
	if client == nil {
		client = defaultHTTPClient
	}
	u := "http://" + httpAddr + "/json/close/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("close target %s: %w", id, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("close target %s: status %d: %s", id, resp.StatusCode, body)
	}
	return nil
}
