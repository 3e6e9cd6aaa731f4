// Package events is the in-process fan-out for control-plane events plus the
// sanitized outbound streams (SSE and WebSocket) the cockpit consumes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Channels observable transitions publish on.
const (
	ChannelWorkerStatus           = "worker:status"
	ChannelTunnelStatus           = "tunnel:status"
	ChannelDispatchLifecycle      = "dispatch:lifecycle"
	ChannelLimitsDenial           = "limits:denial"
	ChannelBreakerState           = "breaker:state"
	ChannelComplaintCreated       = "complaint:created"
	ChannelComplaintStatusChanged = "complaint:status-changed"
)

// Publisher is the interface components hold for emitting events.
type Publisher interface {
	Emit(channel string, data map[string]interface{})
}

// Event is one bus emission. Seq is process-monotone so stream consumers can
// resume with ?since_seq=.
type Event struct {
	Channel string                 `json:"channel"`
	ID      string                 `json:"id"`
	Seq     int64                  `json:"seq"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data"`
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %d\n\n", e.Channel, data, e.Seq)), nil
}

// Journal persists emissions so sequence numbers survive restarts. The store
// satisfies this.
type Journal interface {
	AppendBusEvent(ctx context.Context, channel, eventID, source string, payload json.RawMessage) (int64, bool, error)
	LastBusSeq(ctx context.Context) (int64, error)
}

// Bus fans events out three ways: synchronous listeners (in registration
// order, panics recovered), buffered subscriber channels (non-blocking
// sends), and a bounded replay ring for stream catch-up.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	listeners   map[string][]func(*Event)
	ring        []*Event
	ringCap     int
	journal     Journal
	seq         atomic.Int64
	nonce       atomic.Int64
	done        chan struct{}
	closeOnce   sync.Once
	bufferSize  int
}

// NewBus creates a bus with a 256-event replay ring.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		listeners:   make(map[string][]func(*Event)),
		ringCap:     256,
		done:        make(chan struct{}),
		bufferSize:  100,
	}
}

// UseJournal attaches the durable journal and seeds the sequence counter
// from it so post-restart events continue the numbering.
func (b *Bus) UseJournal(ctx context.Context, j Journal) error {
	last, err := j.LastBusSeq(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.journal = j
	b.mu.Unlock()
	b.seq.Store(last)
	return nil
}

// Subscribe returns a channel receiving events on the given channels, or all
// events when none are named. The channel is buffered; slow consumers drop.
func (b *Bus) Subscribe(channels ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	if len(channels) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, c := range channels {
			b.subscribers[c] = append(b.subscribers[c], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[c] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Listen registers a synchronous handler for a channel ("" means every
// channel). Handlers run inline on Publish in registration order; a panic in
// one handler is logged and does not starve the rest.
func (b *Bus) Listen(channel string, fn func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[channel] = append(b.listeners[channel], fn)
}

// Publish assigns the event its sequence number and delivers it.
func (b *Bus) Publish(e *Event) {
	e.Seq = b.seq.Add(1)
	if e.ID == "" {
		e.ID = fmt.Sprintf("ev-%d-%d", time.Now().UnixNano(), b.nonce.Add(1))
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}

	b.mu.Lock()
	if b.journal != nil {
		payload, err := json.Marshal(e.Data)
		if err == nil {
			_, _, err = b.journal.AppendBusEvent(context.Background(), e.Channel, e.ID, "cp", payload)
		}
		if err != nil {
			slog.Warn("event journal write failed", "channel", e.Channel, "error", err)
		}
	}
	b.ring = append(b.ring, e)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	handlers := make([]func(*Event), 0, len(b.listeners[e.Channel])+len(b.listeners[""]))
	handlers = append(handlers, b.listeners[e.Channel]...)
	handlers = append(handlers, b.listeners[""]...)
	b.mu.Unlock()

	for _, fn := range handlers {
		runListener(fn, e)
	}

	b.mu.RLock()
	for _, ch := range b.subscribers[e.Channel] {
		select {
		case ch <- e:
		default:
			// Buffer full, drop for this subscriber.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()
	eventsPublished.WithLabelValues(e.Channel).Inc()
}

func runListener(fn func(*Event), e *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked", "channel", e.Channel, "panic", r)
		}
	}()
	fn(e)
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(channel string, data map[string]interface{}) {
	b.Publish(&Event{Channel: channel, Data: data})
}

// Replay returns ring events with Seq greater than sinceSeq, oldest first.
func (b *Bus) Replay(sinceSeq int64) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Event
	for _, e := range b.ring {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out
}

// Done is closed when the bus shuts down; stream handlers use it to say
// goodbye to their clients.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Close signals shutdown to every stream handler.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// SubscriberCount reports active channel subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
