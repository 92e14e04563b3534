package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDispatchOrder(t *testing.T) {
	e := NewEmitter()
	var got []string
	e.On(BrowserLaunched, func(Event) { got = append(got, "specific-1") })
	e.On(BrowserLaunched, func(Event) { got = append(got, "specific-2") })
	e.OnAny(func(ev Event) { got = append(got, "any:"+ev.EventName()) })
	e.On(BrowserClosed, func(Event) { got = append(got, "closed") })

	e.Emit(BrowserLaunchedEvent{BrowserID: "b1"})

	assert.Equal(t, []string{"specific-1", "specific-2", "any:browser.launched"}, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var a, b int
	offA := e.On(PageOpened, func(Event) { a++ })
	e.On(PageOpened, func(Event) { b++ })

	e.Emit(PageOpenedEvent{})
	offA()
	offA()
	e.Emit(PageOpenedEvent{})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEmitterListenerPanicIsolated(t *testing.T) {
	e := NewEmitter()
	var after int
	e.On(PageClosed, func(Event) { panic("boom") })
	e.OnAny(func(Event) { after++ })

	assert.NotPanics(t, func() { e.Emit(PageClosedEvent{}) })
	assert.Equal(t, 1, after)
}

func TestNilEmitterDiscards(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() { e.Emit(BrowserClosedEvent{}) })
}

func TestEmitterConcurrentSubscribe(t *testing.T) {
	e := NewEmitter()
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			off := e.OnAny(func(Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			e.Emit(BrowserLaunchedEvent{})
			off()
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, count, 20)
}
