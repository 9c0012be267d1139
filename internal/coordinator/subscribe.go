package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/delivery"
)

// Subscription is one delivery channel attached to one message. It holds its
// own cursor and never keeps the message alive.
type Subscription struct {
	ID        string
	MessageID string

	ch     delivery.Channel
	cursor atomic.Int64
	done   chan struct{}
	once   sync.Once
	err    error
}

// Done is closed once the subscription ended and its channel was closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after the terminal event was
// delivered, otherwise the delivery or context error.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Cursor is the id of the last event delivered.
func (s *Subscription) Cursor() int64 { return s.cursor.Load() }

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		_ = s.ch.Close()
		close(s.done)
	})
}

// errStopped ends pumps still running when the coordinator shuts down.
var errStopped = errors.New("coordinator: stopped")

// Subscribe attaches ch to a message. With resume set, chunks after that
// cursor are replayed before live delivery; a terminal message gets only its
// terminal event. The subscription runs until the terminal event was sent,
// the channel failed or ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context, messageID string, resume *int64, ch delivery.Channel) (*Subscription, error) {
	if ch == nil {
		return nil, chat.Errorf(chat.KindInvalidRequest, "delivery channel required")
	}
	cursor := chat.NoSeq
	if resume != nil {
		if *resume < chat.NoSeq {
			return nil, chat.Errorf(chat.KindInvalidRequest, "invalid resume cursor %d", *resume)
		}
		cursor = *resume
	}
	if c.closing.Load() {
		return nil, chat.Errorf(chat.KindShutdownAborted, "coordinator is shutting down")
	}

	sub := &Subscription{ID: uuid.NewString(), MessageID: messageID, ch: ch, done: make(chan struct{})}
	sub.cursor.Store(cursor)

	s := c.session(messageID)
	if s == nil {
		m, err := c.GetMessage(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if !m.Status.Terminal() {
			return nil, chat.Errorf(chat.KindNotFound, "message %s is not active on this node", messageID)
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			sub.end(c.send(ctx, sub, chat.TerminalEvent(m)))
		}()
		return sub, nil
	}

	c.metrics.Subscriptions.Inc()
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer c.metrics.Subscriptions.Dec()
		err := c.pump(ctx, s, sub)
		if err != nil && !errors.Is(err, errStopped) {
			c.log.Debug("Coordinator.pump: subscription ended early", "message_id", messageID, "subscription_id", sub.ID, "cursor", sub.Cursor(), "error", err)
		}
		sub.end(err)
	}()
	c.log.Debug("Coordinator.Subscribe: attached", "message_id", messageID, "subscription_id", sub.ID, "cursor", cursor)
	return sub, nil
}

func (c *Coordinator) send(ctx context.Context, sub *Subscription, ev chat.Event) error {
	if err := sub.ch.Send(ctx, ev); err != nil {
		return err
	}
	c.metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// pump delivers one subscription: message.started, the replay from the
// cursor, live chunks interleaved with tool events, then the terminal event.
// Event ids always equal the subscription cursor so that any id is a valid
// resume point.
func (c *Coordinator) pump(ctx context.Context, s *session, sub *Subscription) error {
	var heartbeat <-chan time.Time
	if _, ok := sub.ch.(delivery.Pinger); ok && c.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	var gone <-chan struct{}
	if d, ok := sub.ch.(delivery.Doner); ok {
		gone = d.Done()
	}

	cursor := sub.Cursor()
	emit := func(ev chat.Event) error {
		if err := c.send(ctx, sub, ev); err != nil {
			return err
		}
		if ev.ID > cursor {
			cursor = ev.ID
			sub.cursor.Store(cursor)
		}
		return nil
	}
	tool := func(t toolEvent) error {
		ev := t.ev
		ev.ID = cursor
		return emit(ev)
	}

	started := false
	toolNext := s.toolMark()
	for {
		v := s.view(toolNext)
		grown := s.buf.Changed()

		if !started && v.streamed {
			started = true
			if err := emit(chat.Event{ID: cursor, Type: chat.EventMessageStarted, MessageID: s.id, Status: chat.StatusStreaming, Timestamp: c.now()}); err != nil {
				return err
			}
		}

		r := s.buf.ReadFrom(cursor)
		if r.Snapshot != nil {
			c.metrics.SnapshotResumes.Inc()
			through := r.Snapshot.Through
			snap := chat.Event{ID: through, Type: chat.EventMessageSnapshot, MessageID: s.id, Seq: &through, Content: r.Snapshot.Content, Timestamp: c.now()}
			if err := emit(snap); err != nil {
				return err
			}
		}
		ti := 0
		for chunk := range r.All() {
			for ; ti < len(v.tools) && v.tools[ti].at < chunk.Seq; ti++ {
				if err := tool(v.tools[ti]); err != nil {
					return err
				}
			}
			if err := emit(chat.DeltaEvent(s.id, chunk)); err != nil {
				return err
			}
		}
		for ; ti < len(v.tools); ti++ {
			if err := tool(v.tools[ti]); err != nil {
				return err
			}
		}
		toolNext = v.next

		if v.final != nil {
			// The buffer was sealed before the final message was set, so the
			// replay above already held every chunk.
			return emit(chat.TerminalEvent(*v.final))
		}

		select {
		case <-v.changed:
		case <-grown:
		case <-heartbeat:
			if err := sub.ch.(delivery.Pinger).Ping(ctx); err != nil {
				return err
			}
		case <-gone:
			return delivery.ErrClosed
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-c.ctx.Done():
			return errStopped
		}
	}
}
