// Package sequencer keeps the in-memory ordered chunk log of a streaming message.
//
// A Buffer accepts chunks in any order and absorbs duplicates, but readers only
// ever see the contiguous prefix starting at seq 0. When the prefix grows past
// the configured bound the oldest half is folded into a snapshot, and readers
// resuming from before the snapshot receive the snapshot instead of the chunks.
package sequencer

import (
	"iter"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// DefaultMaxChunks bounds the replayable chunk log of a single message.
const DefaultMaxChunks = 4096

// Snapshot is the folded content of every chunk up to and including Through.
type Snapshot struct {
	Content string
	Through int64
}

// Buffer is the chunk log of one message.
type Buffer struct {
	mu        sync.RWMutex
	messageID string
	maxChunks int

	chunks   []chat.Chunk // contiguous, chunks[i].Seq == snapshot.Through+1+i
	ahead    map[int64]chat.Chunk
	next     int64
	snapshot Snapshot
	changed  chan struct{}
	sealed   bool
}

// New creates an empty buffer. maxChunks <= 0 selects DefaultMaxChunks.
func New(messageID string, maxChunks int) *Buffer {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Buffer{
		messageID: messageID,
		maxChunks: maxChunks,
		ahead:     make(map[int64]chat.Chunk),
		snapshot:  Snapshot{Through: chat.NoSeq},
		changed:   make(chan struct{}),
	}
}

// MessageID returns the owning message id.
func (b *Buffer) MessageID() string { return b.messageID }

// AppendResult tells what Append did with a chunk.
type AppendResult int

const (
	// Applied means the chunk was recorded, either in the prefix or held out of order.
	Applied AppendResult = iota
	// Duplicate means the sequence number is already present.
	Duplicate
	// Overflow means the chunk is ahead of a gap and the out-of-order set is full.
	Overflow
	// Rejected means the buffer is sealed or the sequence number is negative.
	Rejected
)

// Append records c and reports what happened to it.
func (b *Buffer) Append(c chat.Chunk) AppendResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed || c.Seq < 0 {
		return Rejected
	}
	if c.Seq < b.next {
		return Duplicate
	}
	if _, dup := b.ahead[c.Seq]; dup {
		return Duplicate
	}
	if c.Seq > b.next {
		if len(b.ahead) >= b.maxChunks {
			return Overflow
		}
		b.ahead[c.Seq] = c
		return Applied
	}

	b.chunks = append(b.chunks, c)
	b.next++
	for {
		pending, ok := b.ahead[b.next]
		if !ok {
			break
		}
		delete(b.ahead, b.next)
		b.chunks = append(b.chunks, pending)
		b.next++
	}
	if len(b.chunks) > b.maxChunks {
		b.fold(len(b.chunks) / 2)
	}
	b.notifyLocked()
	return Applied
}

// fold moves the first n chunks of the prefix into the snapshot.
func (b *Buffer) fold(n int) {
	var sb strings.Builder
	sb.WriteString(b.snapshot.Content)
	for _, c := range b.chunks[:n] {
		sb.WriteString(c.Delta)
	}
	b.snapshot = Snapshot{Content: sb.String(), Through: b.chunks[n-1].Seq}
	rest := make([]chat.Chunk, len(b.chunks)-n, b.maxChunks+1)
	copy(rest, b.chunks[n:])
	b.chunks = rest
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Watermark is the highest seq of the contiguous prefix, or chat.NoSeq.
func (b *Buffer) Watermark() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next - 1
}

// Changed returns a channel closed at the next visible change (prefix growth or seal).
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Seal stops accepting appends and wakes every waiting reader. Chunks held out
// of order at this point are dropped: they can never become contiguous.
func (b *Buffer) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return
	}
	b.sealed = true
	b.ahead = nil
	b.notifyLocked()
}

// Sealed reports whether Seal has been called.
func (b *Buffer) Sealed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// Content assembles the contiguous prefix.
func (b *Buffer) Content() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	sb.WriteString(b.snapshot.Content)
	for _, c := range b.chunks {
		sb.WriteString(c.Delta)
	}
	return sb.String()
}

// Len is the number of chunks in the contiguous prefix, snapshot included.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.next)
}

// Replay is a consistent view of the buffer taken by ReadFrom.
type Replay struct {
	// Snapshot is set when the cursor predates folded chunks.
	Snapshot  *Snapshot
	Chunks    []chat.Chunk
	Watermark int64
	Sealed    bool
}

// All iterates the replayed chunks in order. The sequence can be ranged over
// any number of times.
func (r Replay) All() iter.Seq[chat.Chunk] {
	return func(yield func(chat.Chunk) bool) {
		for _, c := range r.Chunks {
			if !yield(c) {
				return
			}
		}
	}
}

// ReadFrom returns every visible chunk with seq > after, taken under a single lock.
func (b *Buffer) ReadFrom(after int64) Replay {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r := Replay{Watermark: b.next - 1, Sealed: b.sealed}
	from := after
	if after < b.snapshot.Through {
		snap := b.snapshot
		r.Snapshot = &snap
		from = b.snapshot.Through
	}
	start := int(from - b.snapshot.Through)
	if start < 0 {
		start = 0
	}
	if start < len(b.chunks) {
		r.Chunks = make([]chat.Chunk, len(b.chunks)-start)
		copy(r.Chunks, b.chunks[start:])
	}
	return r
}
