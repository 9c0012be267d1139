package sequencer

import (
	"testing"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

func chunk(seq int64, delta string) chat.Chunk {
	return chat.Chunk{Seq: seq, Delta: delta, Timestamp: time.Now()}
}

func seqs(r Replay) []int64 {
	var out []int64
	for c := range r.All() {
		out = append(out, c.Seq)
	}
	return out
}

func TestBufferAppendInOrderAndDuplicates(t *testing.T) {
	b := New("m1", 0)
	if b.Append(chunk(0, "He")) != Applied {
		t.Fatalf("first append should apply")
	}
	if b.Append(chunk(0, "He")) != Duplicate {
		t.Fatalf("duplicate seq must be a no-op")
	}
	if b.Append(chunk(1, "llo")) != Applied {
		t.Fatalf("second append should apply")
	}
	if got := b.Content(); got != "Hello" {
		t.Fatalf("content = %q", got)
	}
	if b.Watermark() != 1 {
		t.Fatalf("watermark = %d", b.Watermark())
	}
	if b.Append(chunk(-3, "x")) != Rejected {
		t.Fatalf("negative seq must be rejected")
	}
}

func TestBufferOutOfOrderBecomesVisibleWhenContiguous(t *testing.T) {
	b := New("m1", 0)
	b.Append(chunk(2, "c"))
	b.Append(chunk(1, "b"))
	if b.Watermark() != chat.NoSeq {
		t.Fatalf("nothing contiguous yet, watermark = %d", b.Watermark())
	}
	if r := b.ReadFrom(chat.NoSeq); len(r.Chunks) != 0 {
		t.Fatalf("gapped chunks must not be visible: %v", seqs(r))
	}
	if b.Append(chunk(2, "c")) != Duplicate {
		t.Fatalf("duplicate of held chunk must be a no-op")
	}
	b.Append(chunk(0, "a"))
	if b.Watermark() != 2 || b.Content() != "abc" {
		t.Fatalf("watermark=%d content=%q", b.Watermark(), b.Content())
	}
	got := seqs(b.ReadFrom(chat.NoSeq))
	want := []int64{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestBufferReadFromIsRestartable(t *testing.T) {
	b := New("m1", 0)
	for i := int64(0); i < 5; i++ {
		b.Append(chunk(i, "x"))
	}
	r := b.ReadFrom(2)
	b.Append(chunk(5, "late"))

	first := seqs(r)
	second := seqs(r)
	if len(first) != 2 || first[0] != 3 || first[1] != 4 {
		t.Fatalf("unexpected replay %v", first)
	}
	if len(second) != len(first) {
		t.Fatalf("replay must be restartable: %v vs %v", first, second)
	}
	if r.Watermark != 4 {
		t.Fatalf("replay watermark = %d", r.Watermark)
	}
}

func TestBufferFoldsIntoSnapshot(t *testing.T) {
	b := New("m1", 4)
	for i := int64(0); i < 5; i++ {
		b.Append(chunk(i, string(rune('a'+i))))
	}
	// 5 chunks over a bound of 4: the oldest two were folded.
	r := b.ReadFrom(chat.NoSeq)
	if r.Snapshot == nil {
		t.Fatalf("expected snapshot for cursor before folded chunks")
	}
	if r.Snapshot.Content != "ab" || r.Snapshot.Through != 1 {
		t.Fatalf("snapshot = %+v", *r.Snapshot)
	}
	if got := seqs(r); len(got) != 3 || got[0] != 2 {
		t.Fatalf("chunks after snapshot = %v", got)
	}

	r = b.ReadFrom(2)
	if r.Snapshot != nil {
		t.Fatalf("cursor past snapshot must not receive it")
	}
	if got := seqs(r); len(got) != 2 || got[0] != 3 {
		t.Fatalf("chunks = %v", got)
	}
	if b.Content() != "abcde" {
		t.Fatalf("content = %q", b.Content())
	}
	if b.Append(chunk(0, "a")) != Duplicate {
		t.Fatalf("folded seq must still be deduplicated")
	}
}

func TestBufferChangedAndSeal(t *testing.T) {
	b := New("m1", 0)
	ch := b.Changed()
	select {
	case <-ch:
		t.Fatalf("changed fired before any append")
	default:
	}
	b.Append(chunk(1, "gap"))
	select {
	case <-ch:
		t.Fatalf("out-of-order append is not a visible change")
	default:
	}
	b.Append(chunk(0, "ok"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("changed did not fire")
	}

	ch = b.Changed()
	b.Seal()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("seal did not wake readers")
	}
	if b.Append(chunk(2, "late")) != Rejected {
		t.Fatalf("sealed buffer must reject appends")
	}
	if !b.ReadFrom(chat.NoSeq).Sealed {
		t.Fatalf("replay should report sealed")
	}
}

func TestBufferOverflowIsNotDuplicate(t *testing.T) {
	b := New("m1", 2)
	if b.Append(chunk(2, "c")) != Applied || b.Append(chunk(3, "d")) != Applied {
		t.Fatalf("held chunks within bound should apply")
	}
	if got := b.Append(chunk(4, "e")); got != Overflow {
		t.Fatalf("append past the out-of-order bound = %d, want Overflow", got)
	}
	if got := b.Append(chunk(3, "d")); got != Duplicate {
		t.Fatalf("held duplicate = %d, want Duplicate", got)
	}
	b.Append(chunk(0, "a"))
	b.Append(chunk(1, "b"))
	if b.Watermark() != 3 || b.Content() != "abcd" {
		t.Fatalf("watermark=%d content=%q", b.Watermark(), b.Content())
	}
}
