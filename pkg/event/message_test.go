package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilterRejectsUnknownNames(t *testing.T) {
	tests := []struct {
		name   string
		events string
	}{
		{"unknown event", "browser.crashed"},
		{"unknown group", "tab.*"},
		{"mixed", "page.opened, nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilter(tt.events, "")
			assert.Error(t, err)
		})
	}
}

func TestFilterMatch(t *testing.T) {
	launched := BrowserLaunchedEvent{BrowserID: "b1"}
	failed := BrowserLaunchFailedEvent{Fingerprint: "fp"}
	closed := BrowserClosedEvent{BrowserID: "b2", Reason: "idle"}
	opened := PageOpenedEvent{BrowserID: "b1", PageID: "p1"}

	tests := []struct {
		name    string
		events  string
		browser string
		ev      Event
		want    bool
	}{
		{"empty matches all", "", "", failed, true},
		{"separators only", " , ,", "", closed, true},
		{"exact hit", "browser.closed", "", closed, true},
		{"exact miss", "browser.closed", "", launched, false},
		{"trimmed", " page.opened , page.closed ", "", opened, true},
		{"group hit", "page.*", "", opened, true},
		{"group miss", "page.*", "", launched, false},
		{"browser hit", "", "b1", launched, true},
		{"browser miss", "", "b1", closed, false},
		{"browser drops unscoped", "", "b1", failed, false},
		{"names and browser", "browser.*", "b1", opened, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.events, tt.browser)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.ev))
		})
	}
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(PageClosedEvent{BrowserID: "b1", PageID: "p9"})
	assert.Equal(t, PageClosed, msg.Event)
	assert.Equal(t, "b1", msg.BrowserID)
	assert.NotZero(t, msg.TS)

	var ev PageClosedEvent
	require.NoError(t, msg.Decode(&ev))
	assert.Equal(t, "p9", ev.PageID)

	failed := NewMessage(BrowserLaunchFailedEvent{Fingerprint: "fp", Error: "boom"})
	assert.Empty(t, failed.BrowserID)
	assert.JSONEq(t, `{"fingerprint":"fp","error":"boom"}`, string(failed.Data))

	assert.Error(t, Message{Event: "x"}.Decode(&ev))
}
