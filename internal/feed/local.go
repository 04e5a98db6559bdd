package feed

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the per-subscriber queue length of a LocalBroker.
const DefaultBuffer = 256

// ErrBrokerClosed is returned by a closed broker.
var ErrBrokerClosed = errors.New("feed broker closed")

// LocalBroker is an in-process Broker.
//
// Publish never blocks the writer: a subscriber whose queue is full is
// disconnected (its channel closed) and is expected to resync on reconnect.
// Events reach each subscriber in Publish order.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[*localSub]struct{}
	buffer int
	closed bool
}

type localSub struct {
	topic Topic
	ch    chan Event
}

// NewLocalBroker creates a broker with the given per-subscriber buffer
// (DefaultBuffer when <= 0).
func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &LocalBroker{
		subs:   make(map[*localSub]struct{}),
		buffer: buffer,
	}
}

var _ Broker = (*LocalBroker)(nil)

// Subscribe registers for events matching topic until ctx is cancelled.
func (b *LocalBroker) Subscribe(ctx context.Context, topic Topic) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &localSub{topic: topic, ch: make(chan Event, b.buffer)}
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.drop(sub)
	}()
	return sub.ch, nil
}

// Publish fans e out to every matching subscriber.
func (b *LocalBroker) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs {
		if !sub.topic.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *LocalBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Disconnect closes every subscriber channel without closing the broker,
// as a transport outage would.
func (b *LocalBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Close disconnects all subscribers and rejects further use.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}

func (b *LocalBroker) drop(sub *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
