package pubsub

import (
	"context"
	"reflect"
	"sync"
)

// FakeBus is an in-memory Bus used by this module's own tests: publishing to
// a topic calls every subscriber registered on that topic synchronously,
// with no real transport involved.
type FakeBus struct {
	mu          sync.Mutex
	subscribers map[string][]func(sample any)
}

// NewFakeBus constructs an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{subscribers: make(map[string][]func(sample any))}
}

func (b *FakeBus) Publisher(topic string) (Publisher, error) {
	return &fakePublisher{bus: b, topic: topic}, nil
}

func (b *FakeBus) Reader(topic string) (Reader, error) {
	return &fakeReader{bus: b, topic: topic}, nil
}

type fakePublisher struct {
	bus   *FakeBus
	topic string
}

func (p *fakePublisher) Publish(ctx context.Context, sample any) error {
	p.bus.mu.Lock()
	subs := append([]func(sample any){}, p.bus.subscribers[p.topic]...)
	p.bus.mu.Unlock()

	for _, fn := range subs {
		fn(sample)
	}
	return nil
}

type fakeReader struct {
	bus   *FakeBus
	topic string
}

func (r *fakeReader) Subscribe(ctx context.Context, fn func(sample any)) error {
	r.bus.mu.Lock()
	r.bus.subscribers[r.topic] = append(r.bus.subscribers[r.topic], fn)
	r.bus.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.bus.mu.Lock()
		defer r.bus.mu.Unlock()
		subs := r.bus.subscribers[r.topic]
		for i, sub := range subs {
			if funcsEqual(sub, fn) {
				r.bus.subscribers[r.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()
	return nil
}

// funcsEqual compares function values by entry-point pointer, which is all
// this fake's best-effort unsubscribe needs.
func funcsEqual(a, b func(sample any)) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
