package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
	"github.com/tokligence/tokligence-chatstream/internal/sequencer"
)

// maxToolEvents bounds the live tool event log of one session.
const maxToolEvents = 256

type toolEvent struct {
	ev chat.Event
	at int64 // chunk watermark when emitted
}

// session binds one non-terminal message to the generation producing it. The
// buffer has a single writer (the worker, through OnWorkerChunk) and any
// number of readers (subscription pumps).
type session struct {
	id  string
	msg chat.Message
	req provider.Request
	buf *sequencer.Buffer

	mu           sync.Mutex
	status       chat.Status
	changed      chan struct{}
	cancel       context.CancelCauseFunc
	cancelCause  error
	recovered    bool
	streamed     bool // went through streaming
	lastActivity time.Time
	dispatchedAt time.Time
	tools        []toolEvent
	toolBase     int // absolute index of tools[0]
	finishing    bool
	final        *chat.Message
	done         chan struct{}
}

func newSession(m chat.Message, req provider.Request, maxChunks int) *session {
	return &session{
		id:           m.ID,
		msg:          m,
		req:          req,
		buf:          sequencer.New(m.ID, maxChunks),
		status:       m.Status,
		changed:      make(chan struct{}),
		lastActivity: m.UpdatedAt,
		done:         make(chan struct{}),
	}
}

// notify wakes every pump.
func (s *session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked()
}

func (s *session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// begin marks the session running. It returns the pending cancel cause when
// Cancel arrived before dispatch, or errAlreadyFinal when it already ended.
func (s *session) begin(cancel context.CancelCauseFunc, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.final != nil {
		return errAlreadyFinal
	}
	if s.cancelCause != nil {
		return s.cancelCause
	}
	s.cancel = cancel
	s.dispatchedAt = now
	s.lastActivity = now
	return nil
}

func (s *session) setStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = chat.StatusStreaming
	s.streamed = true
	s.notifyLocked()
}

// abort stops the running worker with cause. It reports false when no worker
// is attached, in which case the cause is kept for begin.
func (s *session) abort(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCause == nil {
		s.cancelCause = cause
	}
	if s.cancel == nil {
		return false
	}
	s.cancel(cause)
	return true
}

func (s *session) current() chat.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil && s.final == nil
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// markRecovered flags a session rehydrated at start whose worker has not
// re-attached yet. The recovery grace counts from now.
func (s *session) markRecovered(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = true
	s.streamed = s.status == chat.StatusStreaming
	s.lastActivity = now
}

func (s *session) startedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchedAt
}

func (s *session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.recovered && !s.finishing && s.final == nil
}

// claimFinish makes the caller the only finalizer.
func (s *session) claimFinish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.final != nil {
		return false
	}
	s.finishing = true
	return true
}

func (s *session) setFinal(m chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = &m
	s.status = m.Status
	s.notifyLocked()
	close(s.done)
}

func (s *session) finalMessage() (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return chat.Message{}, false
	}
	return *s.final, true
}

func (s *session) addTool(ev chat.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, toolEvent{ev: ev, at: s.buf.Watermark()})
	if over := len(s.tools) - maxToolEvents; over > 0 {
		s.tools = append([]toolEvent(nil), s.tools[over:]...)
		s.toolBase += over
	}
	s.notifyLocked()
}

// toolMark is the absolute index of the next tool event.
func (s *session) toolMark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolBase + len(s.tools)
}

// view is what a pump needs for one delivery round.
type view struct {
	status   chat.Status
	streamed bool
	final    *chat.Message
	tools    []toolEvent
	next     int // tool index after tools
	changed  <-chan struct{}
}

func (s *session) view(toolNext int) view {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := view{status: s.status, streamed: s.streamed, final: s.final, changed: s.changed, next: s.toolBase + len(s.tools)}
	if start := toolNext - s.toolBase; start < len(s.tools) {
		if start < 0 {
			start = 0
		}
		v.tools = append([]toolEvent(nil), s.tools[start:]...)
	}
	return v
}
