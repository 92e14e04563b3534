package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is one event on the wire. The websocket stream and the Redis
// bridge both carry it.
type Message struct {
	Event     string          `json:"event"`
	BrowserID string          `json:"browser_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	TS        int64           `json:"ts"` // Unix ms
}

// browserScoped events belong to one pool instance.
type browserScoped interface {
	Browser() string
}

// NewMessage stamps ev for the wire.
func NewMessage(ev Event) Message {
	msg := Message{Event: ev.EventName(), TS: time.Now().UnixMilli()}
	if b, ok := ev.(browserScoped); ok {
		msg.BrowserID = b.Browser()
	}
	if data, err := json.Marshal(ev); err == nil {
		msg.Data = data
	}
	return msg
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event %s has no data", m.Event)
	}
	return json.Unmarshal(m.Data, out)
}

// Filter selects the events a subscriber receives. The zero Filter matches
// everything.
type Filter struct {
	names    map[string]bool
	prefixes []string
	browser  string
}

// ParseFilter builds a Filter from a comma-separated list of event names
// and an optional browser id. A name ending in ".*" selects a whole group,
// e.g. "page.*". Names the pool never emits are rejected.
func ParseFilter(events, browserID string) (Filter, error) {
	f := Filter{browser: strings.TrimSpace(browserID)}
	for _, name := range strings.Split(events, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if group, ok := strings.CutSuffix(name, ".*"); ok {
			if !knownGroup(group + ".") {
				return Filter{}, fmt.Errorf("unknown event group %q", name)
			}
			f.prefixes = append(f.prefixes, group+".")
			continue
		}
		if !knownName(name) {
			return Filter{}, fmt.Errorf("unknown event %q", name)
		}
		if f.names == nil {
			f.names = make(map[string]bool)
		}
		f.names[name] = true
	}
	return f, nil
}

func knownName(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

func knownGroup(prefix string) bool {
	for _, n := range Names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}

// Match reports whether ev passes the filter. A browser restriction drops
// events that carry no browser id, such as failed launches.
func (f Filter) Match(ev Event) bool {
	if f.browser != "" {
		b, ok := ev.(browserScoped)
		if !ok || b.Browser() != f.browser {
			return false
		}
	}
	if f.names == nil && f.prefixes == nil {
		return true
	}
	name := ev.EventName()
	if f.names[name] {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
