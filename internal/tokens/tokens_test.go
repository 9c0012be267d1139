package tokens

import "testing"

func TestEstimate(t *testing.T) {
	tests := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2, "héllo wörld": 3}
	for in, want := range tests {
		if got := Estimate(in); got != want {
			t.Fatalf("Estimate(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestCounterUsage(t *testing.T) {
	c := New(EncodingEstimate, nil)
	u := c.Usage("hi there", "Hello world, how are you?")
	if u.Output != 7 {
		t.Fatalf("output tokens = %d, want 7", u.Output)
	}
	if u.Input != 2+perMessage+perReply {
		t.Fatalf("input tokens = %d", u.Input)
	}
	if c.Count("") != 0 {
		t.Fatalf("empty text should count zero")
	}
}
