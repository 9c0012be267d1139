// Package tokens counts prompt and completion tokens at finalize when the
// provider did not report usage.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/logging"
)

// DefaultEncoding is used by GPT-4 class models and is a fair estimate for others.
const DefaultEncoding = "cl100k_base"

// EncodingEstimate skips BPE loading and always uses Estimate.
const EncodingEstimate = "estimate"

// Per-message framing overhead (role and separators) and reply priming.
const (
	perMessage = 4
	perReply   = 3
)

// Counter counts tokens with a BPE encoding, falling back to a character
// estimate when the encoding cannot be loaded (for example offline).
type Counter struct {
	once     sync.Once
	name     string
	encoding *tiktoken.Tiktoken
	log      *logging.Logger
}

// New returns a Counter for the named encoding. The encoding is loaded lazily
// on first use.
func New(encoding string, log *logging.Logger) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{name: encoding, log: logging.OrNop(log)}
}

func (c *Counter) load() *tiktoken.Tiktoken {
	c.once.Do(func() {
		if c.name == EncodingEstimate {
			return
		}
		enc, err := tiktoken.GetEncoding(c.name)
		if err != nil {
			c.log.Warn("Counter: encoding unavailable, estimating", "encoding", c.name, "error", err)
			return
		}
		c.encoding = enc
	})
	return c.encoding
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// CountTurns counts a prompt made of turns, including framing overhead.
func (c *Counter) CountTurns(turns ...string) int {
	n := perReply
	for _, t := range turns {
		n += perMessage + c.Count(t)
	}
	return n
}

// Usage builds token counts for a prompt and its completion.
func (c *Counter) Usage(prompt, completion string) chat.TokenCounts {
	return chat.TokenCounts{Input: c.CountTurns(prompt), Output: c.Count(completion)}
}

// Estimate approximates a token count as one token per four characters.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
