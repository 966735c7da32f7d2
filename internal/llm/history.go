package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many prompt tokens a string costs.
type TokenCounter interface {
	Count(text string) int
}

// runeEstimate is used when no tokenizer is available: roughly four
// characters per token.
type runeEstimate struct{}

func (runeEstimate) Count(text string) int {
	return utf8.RuneCountInString(text)/4 + 1
}

type tiktokenCounter struct {
	once     sync.Once
	enc      *tiktoken.Tiktoken
	fallback runeEstimate
}

// NewTokenCounter returns a cl100k_base tokenizer. The encoding is loaded on
// first use; if it cannot be loaded the counter falls back to an estimate.
func NewTokenCounter() TokenCounter {
	return &tiktokenCounter{}
}

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return c.fallback.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// perMessageOverhead approximates the role and framing tokens the chat
// format adds around each message.
const perMessageOverhead = 4

// TrimHistory drops the oldest messages until the prompt fits budget tokens.
// A leading system message and the final message are always kept.
func TrimHistory(messages []Message, budget int, counter TokenCounter) []Message {
	if len(messages) == 0 {
		return messages
	}

	cost := func(m Message) int { return counter.Count(m.Content) + perMessageOverhead }

	var head []Message
	rest := messages
	if rest[0].Role == "system" {
		head, rest = rest[:1], rest[1:]
	}

	total := 0
	for _, m := range head {
		total += cost(m)
	}
	for _, m := range rest {
		total += cost(m)
	}

	start := 0
	for total > budget && start < len(rest)-1 {
		total -= cost(rest[start])
		start++
	}

	out := make([]Message, 0, len(head)+len(rest)-start)
	out = append(out, head...)
	return append(out, rest[start:]...)
}
