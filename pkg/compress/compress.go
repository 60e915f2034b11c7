// Package compress shrinks oversized prompts to fit a size budget while
// keeping the most keyword-dense content.
package compress

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "..."

// Options tunes a Compressor. Zero values fall back to the defaults.
type Options struct {
	// Keywords is how many of the most frequent words count as keywords.
	Keywords int `yaml:"keywords"`
	// MinWordLength is the shortest word considered for keywords.
	MinWordLength int `yaml:"min_word_length"`
	// DropFields are the low-value fields removed from structured payloads.
	DropFields []string `yaml:"drop_fields"`
	// MaxFieldLength is the rune length long string fields are cut to.
	MaxFieldLength int `yaml:"max_field_length"`
}

// DefaultOptions returns the built-in compression settings.
func DefaultOptions() Options {
	return Options{
		Keywords:       20,
		MinWordLength:  4,
		DropFields:     []string{"metadata", "timestamp", "debug"},
		MaxFieldLength: 100,
	}
}

// Compressor shrinks text and structured payloads. It holds no state beyond
// its options and is safe for concurrent use.
type Compressor struct {
	opts Options
}

// New returns a Compressor, filling unset options with defaults.
func New(opts Options) *Compressor {
	def := DefaultOptions()
	if opts.Keywords <= 0 {
		opts.Keywords = def.Keywords
	}
	if opts.MinWordLength <= 0 {
		opts.MinWordLength = def.MinWordLength
	}
	if opts.DropFields == nil {
		opts.DropFields = def.DropFields
	}
	if opts.MaxFieldLength <= 0 {
		opts.MaxFieldLength = def.MaxFieldLength
	}
	return &Compressor{opts: opts}
}

// Length is the size measure used for text budgets.
func Length(s string) int {
	return utf8.RuneCountInString(s)
}

// Text returns input unchanged when it fits target. Otherwise it keeps the
// sentences richest in keywords, most relevant first, until the next one
// would overflow the budget. The result is not in narrative order.
func (c *Compressor) Text(input string, target int) string {
	if target < 0 {
		target = 0
	}
	if Length(input) <= target {
		return input
	}

	keywords := c.keywords(input)
	sentences := splitSentences(input)
	if len(sentences) == 0 {
		return ""
	}

	type scored struct {
		text  string
		score int
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		lower := strings.ToLower(s)
		n := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				n++
			}
		}
		ranked[i] = scored{text: s, score: n}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return b.score - a.score
	})

	var b strings.Builder
	used := 0
	for _, s := range ranked {
		n := Length(s.text)
		if used+n > target {
			break
		}
		b.WriteString(s.text)
		b.WriteByte(' ')
		used += n + 1
	}
	if out := strings.TrimSpace(b.String()); out != "" {
		return out
	}
	return truncate(ranked[0].text, target)
}

// keywords returns the most frequent words longer than the minimum length,
// ties ordered by first appearance.
func (c *Compressor) keywords(input string) []string {
	counts := make(map[string]int)
	var order []string
	for _, w := range strings.Fields(stripPunctuation(strings.ToLower(input))) {
		if utf8.RuneCountInString(w) < c.opts.MinWordLength {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	slices.SortStableFunc(order, func(a, b string) int {
		return counts[b] - counts[a]
	})
	if len(order) > c.opts.Keywords {
		order = order[:c.opts.Keywords]
	}
	return order
}

func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, s)
}

func splitSentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// truncate cuts s to exactly limit runes, ending in an ellipsis when there is
// room for one.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit < len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
