package event

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamServer(t *testing.T, e *Emitter, buffer int) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewStreamHandler(e)
	if buffer > 0 {
		h.buffer = buffer
	}
	r := gin.New()
	r.GET("/ws", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func subscribers(e *Emitter) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.allListeners)
}

func dialStream(t *testing.T, e *Emitter, base, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return subscribers(e) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestStreamFiltersByNameAndBrowser(t *testing.T) {
	e := NewEmitter()
	base := newStreamServer(t, e, 0)
	conn := dialStream(t, e, base, "?events=browser.closed,page.*&browser_id=b1")

	e.Emit(BrowserLaunchedEvent{BrowserID: "b1"})
	e.Emit(BrowserClosedEvent{BrowserID: "b2", Reason: "idle"})
	e.Emit(PageOpenedEvent{BrowserID: "b1", PageID: "p1"})
	e.Emit(BrowserClosedEvent{BrowserID: "b1", Fingerprint: "fp", Reason: "exited"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second Message
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, PageOpened, first.Event)
	assert.Equal(t, "b1", first.BrowserID)
	assert.Equal(t, BrowserClosed, second.Event)
	var closed BrowserClosedEvent
	require.NoError(t, second.Decode(&closed))
	assert.Equal(t, "exited", closed.Reason)
	assert.NotZero(t, second.TS)
}

func TestStreamRejectsUnknownEvent(t *testing.T) {
	e := NewEmitter()
	base := newStreamServer(t, e, 0)

	resp, err := http.Get(base + "/ws?events=browser.crashed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, subscribers(e))
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	e := NewEmitter()
	base := newStreamServer(t, e, 0)
	conn := dialStream(t, e, base, "")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return subscribers(e) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamDisconnectsLaggingSubscriber(t *testing.T) {
	e := NewEmitter()
	base := newStreamServer(t, e, 1)
	conn := dialStream(t, e, base, "")

	// Emit faster than a queue of one drains.
	for i := 0; i < 10000; i++ {
		e.Emit(PageOpenedEvent{BrowserID: "b1", PageID: "p"})
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		var msg Message
		err = conn.ReadJSON(&msg)
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Eventually(t, func() bool { return subscribers(e) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberOfferMarksLagOnce(t *testing.T) {
	s := &subscriber{out: make(chan Message, 1), lagged: make(chan struct{})}
	s.offer(Message{Event: PageOpened})
	select {
	case <-s.lagged:
		t.Fatal("lagging with room in the queue")
	default:
	}
	s.offer(Message{Event: PageClosed})
	s.offer(Message{Event: PageClosed})
	select {
	case <-s.lagged:
	default:
		t.Fatal("full queue not reported")
	}
	assert.Equal(t, PageOpened, (<-s.out).Event)
}
