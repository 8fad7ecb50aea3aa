// Package pubsub is a small typed event bus. The consensus engine uses it to
// fan out lifecycle events (election timeouts, role changes, shutdown) to the
// background jobs that care, without the jobs holding references to each
// other.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType identifies the kind of event subscribers are listening for.
// Packages define their own event constants on top of this base type.
type EventType int

// SubscriberID identifies a single subscription; it is required to
// unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event couples an EventType with a typed payload. Each instantiation is a
// distinct concrete type, which keeps payload handling type-safe at the
// subscriber end.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// SubscriptionOptions configures delivery behavior for one subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the broker block until the subscriber's channel can
	// accept the event. Non-blocking subscriptions drop events when their
	// channel is full, which protects the bus from a slow consumer.
	IsBlocking bool
}

// subscriber stores type-erased closures over a typed channel so channels of
// different Event[T] instantiations can share one registry map.
type subscriber struct {
	sendFunc   func(eventType EventType, payload any) bool
	closeFunc  func()
	options    SubscriptionOptions
	numDropped atomic.Uint64
}

// Broker implements publish-subscribe and is safe for concurrent use.
type Broker struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the broadcasting goroutine; the
	// buffer lets Publish return without waiting for fan-out.
	publishChan chan published

	shuttingDown atomic.Bool
}

type published struct {
	eventType EventType
	payload   any
}

func NewBroker() *Broker {
	b := &Broker{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan published, 100),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch to receive events of eventType. The caller chooses
// the channel's buffer size; the broker takes ownership and closes the
// channel when the subscription is removed via Unsubscribe.
//
// Subscribe is a free function because Go methods cannot introduce their own
// type parameters.
func Subscribe[T any](b *Broker, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				log.Printf("[PUBSUB] type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.closeFunc()
	if len(subs) == 0 {
		delete(b.registry, eventType)
	}
}

// Publish broadcasts an event to all subscribers of its type. Events
// published during shutdown are dropped.
//
// The read lock guarantees the publish channel cannot be closed between the
// shutdown check and the send: closing requires the write lock.
func Publish[T any](b *Broker, event *Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		return
	}
	b.publishChan <- published{eventType: event.Type, payload: event.Payload}
}

// Shutdown stops accepting publishes, drains buffered events, and waits for
// the broadcast goroutine to exit.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishChan)
	b.mu.Unlock()

	b.wg.Wait()
}

// run is the broadcast goroutine: it drains publishChan and fans each event
// out to the registered subscribers.
func (b *Broker) run() {
	defer b.wg.Done()

	for msg := range b.publishChan {
		b.mu.RLock()
		for _, sub := range b.registry[msg.eventType] {
			if !sub.sendFunc(msg.eventType, msg.payload) && !sub.options.IsBlocking {
				sub.numDropped.Add(1)
			}
		}
		b.mu.RUnlock()
	}
}
