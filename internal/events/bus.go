// Package events fans out reconciliation and action output to live
// subscribers and records an append-only journal of executed actions.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/msageha/tofud/internal/model"
)

// Kind names the stream event; the values double as SSE event names.
type Kind string

const (
	KindMessage Kind = "message"
	KindData    Kind = "data"
	KindError   Kind = "error"
	KindEnd     Kind = "end"
)

type Event struct {
	Key       model.ResourceKey `json:"key"`
	Kind      Kind              `json:"kind"`
	Data      string            `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

type subscriber struct {
	ch chan Event
}

// Bus delivers events per ResourceKey through buffered channels. Publish
// never blocks: when a subscriber's buffer is full the event is dropped for
// that subscriber only.
type Bus struct {
	mu         sync.RWMutex
	subs       map[model.ResourceKey]map[*subscriber]struct{}
	bufferSize int
	closed     bool

	// OnDrop, when set, is called for every event dropped on a full buffer.
	OnDrop func(key model.ResourceKey)
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subs:       make(map[model.ResourceKey]map[*subscriber]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a channel of events for key and a func that removes the
// subscription and closes the channel. Calling the func twice is safe.
func (b *Bus) Subscribe(key model.ResourceKey) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[key] = set
	}
	set[s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(key, s) })
	}
}

// SubscribeFunc calls fn for every event on key from a dedicated goroutine.
// A panicking fn does not take the bus down.
func (b *Bus) SubscribeFunc(key model.ResourceKey, fn func(Event)) func() {
	ch, unsubscribe := b.Subscribe(key)
	go func() {
		for ev := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()
	return unsubscribe
}

func (b *Bus) remove(key model.ResourceKey, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(b.subs, key)
	}
}

func (b *Bus) Publish(key model.ResourceKey, kind Kind, data string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.subs[key]
	if len(set) == 0 {
		return
	}
	ev := Event{Key: key, Kind: kind, Data: data, Timestamp: time.Now().UTC()}
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(key)
			}
		}
	}
}

// PublishStatus sends the JSON encoding of status as a message event.
func (b *Bus) PublishStatus(status *model.ExecutionStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	b.Publish(status.Key, KindMessage, string(data))
}

// Subscribers reports the number of live subscriptions for key.
func (b *Bus) Subscribers(key model.ResourceKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Close ends every subscription. Later subscriptions receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
		delete(b.subs, key)
	}
	b.closed = true
}
