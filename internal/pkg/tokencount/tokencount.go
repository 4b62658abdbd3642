// Package tokencount estimates how many model tokens a text occupies.
package tokencount

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

// Counter counts tokens with the cl100k_base encoding. When the encoding
// cannot be loaded (offline hosts) it falls back to runes/4.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func New() *Counter {
	return &Counter{}
}

func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Estimate is the encoding-free approximation used as a fallback.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if n < 4 {
		return 1
	}
	return n / 4
}
