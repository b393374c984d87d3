// Package transport binds pipeline stages to message brokers. Every bus moves
// opaque payloads between named topics; encoding is left to the protocol package.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus
var ErrClosed = errors.New("transport: bus closed")

// Publisher delivers a payload to every subscriber of a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Subscriber receives the payloads published on a topic. The returned channel
// is closed when ctx is done or the underlying connection goes away.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// Bus is a publisher and subscriber sharing one connection
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// SnapshotStore keeps the most recent payload stored under a key
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, body []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
}
