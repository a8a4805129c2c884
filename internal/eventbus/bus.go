package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics.
const (
	// TopicLogs carries journal lines for every service the daemon host
	// streams. The topic is shared; subscribers must filter by service.
	TopicLogs = "daemon://logs"
	// TopicStatus carries status observations published by a controller.
	TopicStatus = "daemon://status"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never waits on a channel subscriber.
//   - Channel subscribers are buffered; slow ones drop events.
//   - Handler subscribers run inline on the publishing goroutine and never
//     miss an event; a handler must not block.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events for topic in send order. An empty topic
	// receives everything.
	Subscribe(topic string, buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeFunc calls fn for every event on topic, in publish order per
	// publisher. A Publish racing with unsubscribe may still call fn once.
	SubscribeFunc(topic string, fn func(Event)) (unsubscribe func())
}

// DropCounter is implemented by buses that track events lost to slow subscribers.
type DropCounter interface {
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscription{}}
}

type subscription struct {
	topic string
	ch    chan Event
	fn    func(Event)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	var fns []func(Event)
	for _, s := range b.subs {
		if s.topic != "" && s.topic != e.Topic {
			continue
		}
		if s.fn != nil {
			fns = append(fns, s.fn)
		} else {
			chs = append(chs, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
	for _, ch := range chs {
		// A subscriber may unsubscribe concurrently and close its channel;
		// recover from the send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscription{topic: topic, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) SubscribeFunc(topic string, fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[id] = subscription{topic: topic, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
