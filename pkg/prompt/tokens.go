package prompt

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts prompt tokens. It prefers the model's real encoding
// and falls back to a script-aware heuristic when the encoding is
// unavailable (offline environments).
type TokenCounter struct {
	mu       sync.Mutex
	enc      *tiktoken.Tiktoken
	resolved bool
	model    string
}

func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.enc
	}
	c.resolved = true

	enc, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	c.enc = enc
	return c.enc
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens approximates a token count without an encoder: 1.5 tokens
// per East-Asian code point, one per whitespace-separated Latin token, and
// half a token per other symbol code point.
func EstimateTokens(text string) int {
	cjk := 0
	symbols := 0
	latinTokens := 0
	inToken := false

	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
			inToken = false
		case unicode.IsSpace(r):
			inToken = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inToken {
				latinTokens++
			}
			inToken = true
		default:
			symbols++
			inToken = false
		}
	}

	return (cjk*3+1)/2 + latinTokens + (symbols+1)/2
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}
