package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/choraleia/chromepool/pkg/utils"
)

// DefaultRedisChannel is the pub/sub channel events are published to.
const DefaultRedisChannel = "chromepool.events"

// Publisher is the subset of *redis.Client used by RedisBridge.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisBridge republishes emitter events to a Redis channel as Message
// JSON. Publishing happens on a background goroutine so a slow Redis
// never blocks pool operations; events are dropped when the queue is full.
type RedisBridge struct {
	client  Publisher
	channel string
	logger  *slog.Logger

	queue       chan Message
	done        chan struct{}
	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// NewRedisBridge subscribes to every event on emitter and starts publishing.
func NewRedisBridge(emitter *Emitter, client Publisher, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	b := &RedisBridge{
		client:  client,
		channel: channel,
		logger:  utils.GetLogger(),
		queue:   make(chan Message, 256),
		done:    make(chan struct{}),
	}
	b.unsubscribe = emitter.OnAny(b.enqueue)
	go b.run()
	return b
}

func (b *RedisBridge) enqueue(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- NewMessage(ev):
	default:
		b.logger.Warn("Dropped redis event (queue full)", "event", ev.EventName())
	}
}

func (b *RedisBridge) run() {
	defer close(b.done)
	for msg := range b.queue {
		payload, err := json.Marshal(msg)
		if err != nil {
			b.logger.Warn("Failed to encode event", "event", msg.Event, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = b.client.Publish(ctx, b.channel, payload).Err()
		cancel()
		if err != nil {
			b.logger.Warn("Failed to publish event", "event", msg.Event, "channel", b.channel, "error", err)
		}
	}
}

// Close unsubscribes and flushes queued events.
func (b *RedisBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.unsubscribe()
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}
