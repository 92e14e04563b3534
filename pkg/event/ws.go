package event

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/choraleia/chromepool/pkg/models"
	"github.com/choraleia/chromepool/pkg/utils"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 2

	// DefaultStreamBuffer is how many events a subscriber may lag behind
	// before it is disconnected.
	DefaultStreamBuffer = 64
)

// StreamHandler serves pool events to websocket subscribers.
type StreamHandler struct {
	emitter  *Emitter
	upgrader websocket.Upgrader
	buffer   int
	logger   *slog.Logger
}

// NewStreamHandler returns a handler streaming events from emitter.
func NewStreamHandler(emitter *Emitter) *StreamHandler {
	return &StreamHandler{
		emitter:  emitter,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		buffer:   DefaultStreamBuffer,
		logger:   utils.GetLogger(),
	}
}

// Handle upgrades the request and streams matching events until the client
// leaves or falls too far behind.
//
// Query params:
//   - events: comma-separated names or groups (browser.closed, page.*); empty means all
//   - browser_id: only events of this instance
func (h *StreamHandler) Handle(c *gin.Context) {
	filter, err := ParseFilter(c.Query("events"), c.Query("browser_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{Code: http.StatusBadRequest, Message: err.Error()})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("Event stream upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn, out: make(chan Message, h.buffer), lagged: make(chan struct{})}
	off := h.emitter.OnAny(func(ev Event) {
		if filter.Match(ev) {
			sub.offer(NewMessage(ev))
		}
	})
	defer off()

	h.logger.Debug("Event stream opened", "remote", c.ClientIP(), "events", c.Query("events"), "browserID", c.Query("browser_id"))
	reason := sub.serve(c.Request.Context())
	h.logger.Debug("Event stream closed", "remote", c.ClientIP(), "reason", reason)
}

// subscriber owns one websocket. Only serve writes to it.
type subscriber struct {
	conn *websocket.Conn
	out  chan Message

	lagged     chan struct{}
	laggedOnce sync.Once
}

// offer queues msg without blocking the emitter. A full queue marks the
// subscriber as lagging.
func (s *subscriber) offer(msg Message) {
	select {
	case s.out <- msg:
	default:
		s.laggedOnce.Do(func() { close(s.lagged) })
	}
}

// serve pumps queued events and keepalive pings until the connection ends.
// It returns why it stopped.
func (s *subscriber) serve(ctx context.Context) string {
	defer s.conn.Close()

	gone := make(chan struct{})
	go s.drain(gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return "request done"
		case <-gone:
			return "client gone"
		case <-s.lagged:
			s.closeWith(websocket.CloseTryAgainLater, "subscriber too slow")
			return "lagging"
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return "ping failed"
			}
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return "write failed"
			}
		}
	}
}

// drain reads and discards client frames so pongs and close frames are
// processed. It closes gone when the client stops answering.
func (s *subscriber) drain(gone chan<- struct{}) {
	defer close(gone)
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *subscriber) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
