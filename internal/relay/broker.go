package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Relay event types published to the Broker.
const (
	EventExtensionConnected    = "extension_connected"
	EventExtensionReplaced     = "extension_replaced"
	EventExtensionDisconnected = "extension_disconnected"
	EventHandshakeFailed       = "handshake_failed"
	EventHandshakeOK           = "handshake_ok"
	EventChannelRejected       = "channel_rejected"
	EventCDPAttachBlocked      = "cdp_attach_blocked"
	EventAnnotationTimeout     = "annotation_timeout"
	EventOpsClientConnected    = "ops_client_connected"
	EventOpsClientDisconnected = "ops_client_disconnected"
)

// Event is one relay lifecycle or security event. Detail never carries
// pairing token values.
type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel,omitempty"`
	Remote  string    `json:"remote,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"timestamp"`
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

// Broker fans out relay events to in-process subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]subscriber
	nextID      atomic.Int64
	dropped     atomic.Int64
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]subscriber),
	}
}

// Subscribe registers a consumer for the given event types, or for every
// event when none are given. The channel is buffered; slow consumers have
// events dropped.
func (b *Broker) Subscribe(types ...string) (int64, <-chan Event) {
	id := b.nextID.Add(1)
	sub := subscriber{ch: make(chan Event, subscriberBufSize)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish stamps evt and delivers it without blocking.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.types != nil {
			if _, want := sub.types[evt.Type]; !want {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
