// Package delivery holds the one-way push channels the coordinator writes
// ordered message events to. The same contract serves a half-duplex transport
// (server-sent events) and a duplex one (WebSocket).
package delivery

import (
	"context"
	"errors"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// ErrClosed is returned by Send after the client went away or Close was called.
var ErrClosed = errors.New("delivery: channel closed")

// Channel receives the events of one subscription, in order. Send blocks
// until the transport accepted the event or ctx is done. Implementations need
// not be safe for concurrent Send calls: each subscription has one writer.
type Channel interface {
	Send(ctx context.Context, ev chat.Event) error
	Close() error
}

// Pinger is implemented by channels whose transport needs keepalives on idle streams.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Doner is implemented by channels that can tell when the client disconnected.
type Doner interface {
	Done() <-chan struct{}
}
