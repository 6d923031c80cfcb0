// Package pubsub defines the narrow capability interfaces the security and
// policy layers need from the surrounding pub/sub runtime, plus an
// in-memory fake implementation for tests.
package pubsub

import "context"

// Publisher writes samples of one instance type to a topic.
type Publisher interface {
	// Publish writes or updates sample, keyed by its own key fields.
	Publish(ctx context.Context, sample any) error
}

// Reader delivers samples of one instance type as they are written.
type Reader interface {
	// Subscribe registers fn to be called for every sample delivered on
	// this reader until ctx is canceled.
	Subscribe(ctx context.Context, fn func(sample any)) error
}

// Bus is the minimal pub/sub runtime collaborator: a factory for typed
// readers and writers over named topics.
type Bus interface {
	Publisher(topic string) (Publisher, error)
	Reader(topic string) (Reader, error)
}
