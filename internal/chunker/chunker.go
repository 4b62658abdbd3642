// Package chunker splits extracted document text into overlapping segments
// sized for embedding-model input limits.
package chunker

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Default sizes, in runes.
const (
	DefaultTargetSize = 1000
	DefaultOverlap    = 200
)

var (
	ErrInvalidConfig = errors.New("invalid chunking config")
	ErrInvalidText   = errors.New("text is not valid UTF-8")
)

// Segment is one chunk of the source text. Start and End are rune offsets
// into the original text, End exclusive.
type Segment struct {
	Text  string
	Start int
	End   int
}

// Splitter cuts text into segments of at most targetSize runes, repeating
// overlap runes between neighbours. It prefers to cut at a paragraph, line,
// sentence or word boundary found within tolerance runes of the target size.
type Splitter struct {
	targetSize int
	overlap    int
	tolerance  int
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithTargetSize sets the maximum number of runes per chunk.
func WithTargetSize(size int) Option {
	return func(s *Splitter) { s.targetSize = size }
}

// WithOverlap sets the number of runes shared by consecutive chunks.
func WithOverlap(overlap int) Option {
	return func(s *Splitter) { s.overlap = overlap }
}

// WithTolerance sets how far before the target size a boundary may be.
func WithTolerance(tolerance int) Option {
	return func(s *Splitter) { s.tolerance = tolerance }
}

// New builds a Splitter. It fails with ErrInvalidConfig when the overlap is
// negative or not smaller than the target size.
func New(opts ...Option) (*Splitter, error) {
	s := &Splitter{
		targetSize: DefaultTargetSize,
		overlap:    DefaultOverlap,
		tolerance:  -1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.targetSize <= 0 {
		return nil, fmt.Errorf("%w: target size %d must be positive", ErrInvalidConfig, s.targetSize)
	}
	if s.overlap < 0 {
		return nil, fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidConfig, s.overlap)
	}
	if s.overlap >= s.targetSize {
		return nil, fmt.Errorf("%w: overlap %d must be smaller than target size %d", ErrInvalidConfig, s.overlap, s.targetSize)
	}
	if s.tolerance < 0 {
		s.tolerance = s.targetSize / 5
	}
	if s.tolerance > s.targetSize {
		s.tolerance = s.targetSize
	}
	return s, nil
}

// Chunk splits text with the default tolerance and returns the chunk texts in order.
func Chunk(text string, targetSize, overlap int) ([]string, error) {
	s, err := New(WithTargetSize(targetSize), WithOverlap(overlap))
	if err != nil {
		return nil, err
	}
	if i := invalidAt(text); i >= 0 {
		return nil, fmt.Errorf("%w: bad byte at offset %d", ErrInvalidText, i)
	}
	segments := s.Split(text)
	out := make([]string, len(segments))
	for i := range segments {
		out[i] = segments[i].Text
	}
	return out, nil
}

// Overlap returns the configured overlap in runes.
func (s *Splitter) Overlap() int { return s.overlap }

// Split returns the ordered segments of text. Empty text yields no segments.
// Joining the first segment with every later segment minus its first
// Overlap() runes reproduces text exactly. text must be valid UTF-8; invalid
// bytes come back as U+FFFD.
func (s *Splitter) Split(text string) []Segment {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := s.targetSize - s.overlap
	segments := make([]Segment, 0, n/step+1)
	start := 0
	for start < n {
		end := start + s.targetSize
		if end >= n {
			segments = append(segments, Segment{Text: string(runes[start:n]), Start: start, End: n})
			break
		}
		cut := s.boundary(runes, start, end)
		segments = append(segments, Segment{Text: string(runes[start:cut]), Start: start, End: cut})
		start = cut - s.overlap
	}
	return segments
}

// boundary picks the cut position for the window [start, end). The result is
// always greater than start+overlap so the next window moves forward.
func (s *Splitter) boundary(runes []rune, start, end int) int {
	lo := end - s.tolerance
	if floor := start + s.overlap + 1; lo < floor {
		lo = floor
	}
	for _, isCut := range cutRules {
		for i := end; i >= lo; i-- {
			if i-start >= 2 && isCut(runes, i) {
				return i
			}
		}
	}
	return end
}

// cutRules are tried in order of preference. Each reports whether a chunk may
// end right before position i.
var cutRules = []func(runes []rune, i int) bool{
	func(r []rune, i int) bool { return r[i-1] == '\n' && r[i-2] == '\n' },
	func(r []rune, i int) bool { return r[i-1] == '\n' },
	func(r []rune, i int) bool {
		return unicode.IsSpace(r[i-1]) && (r[i-2] == '.' || r[i-2] == '!' || r[i-2] == '?')
	},
	func(r []rune, i int) bool { return unicode.IsSpace(r[i-1]) },
}

func invalidAt(text string) int {
	if utf8.ValidString(text) {
		return -1
	}
	for i, r := range text {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(text[i:]); size == 1 {
				return i
			}
		}
	}
	return -1
}
