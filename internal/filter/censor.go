package filter

import (
	"errors"
	"sort"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// DefaultCensorChar masks censored words.
const DefaultCensorChar = '*'

// ErrNoWords is returned when a censor is built without usable words.
var ErrNoWords = errors.New("censor needs at least one word")

// Censor masks configured words. Each message word is matched on its own,
// ignoring case and punctuation and undoing common leet substitutions, so
// "B.4.d" matches "bad" but "b ad" does not.
type Censor struct {
	matcher  *goahocorasick.Machine
	maskChar rune
}

// NewCensor builds the automaton for words. Entries that fold to nothing or
// contain whitespace are ignored, since a match never spans two words.
func NewCensor(words []string, mask rune) (*Censor, error) {
	patterns := lo.Uniq(lo.FilterMap(words, func(word string, _ int) (string, bool) {
		folded, _ := fold([]rune(strings.TrimSpace(word)))
		return string(folded), len(folded) > 0 && !strings.ContainsFunc(string(folded), unicode.IsSpace)
	}))
	if len(patterns) == 0 {
		return nil, ErrNoWords
	}
	sort.Strings(patterns)
	if mask == 0 {
		mask = DefaultCensorChar
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(lo.Map(patterns, func(p string, _ int) []rune { return []rune(p) })); err != nil {
		return nil, err
	}
	return &Censor{matcher: m, maskChar: mask}, nil
}

// Apply masks every match and reports Modify when something was masked.
func (c *Censor) Apply(_ string, body string) Result {
	text := []rune(body)
	masked := false
	for _, w := range wordSpans(text) {
		if c.maskWord(text, w) {
			masked = true
		}
	}
	if !masked {
		return Result{Verdict: Allow, Body: body}
	}
	return Result{Verdict: Modify, Body: string(text)}
}

// span is the half-open rune range [start, end) of one word.
type span struct{ start, end int }

func wordSpans(text []rune) []span {
	var spans []span
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
		case start < 0:
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

func (c *Censor) maskWord(text []rune, w span) bool {
	folded, at := fold(text[w.start:w.end])
	if len(folded) == 0 {
		return false
	}
	hits := c.matcher.MultiPatternSearch(folded, false)
	for _, hit := range hits {
		last := hit.Pos + len(hit.Word) - 1
		if hit.Pos < 0 || last >= len(at) || last < hit.Pos {
			continue
		}
		for i := at[hit.Pos]; i <= at[last]; i++ {
			text[w.start+i] = c.maskChar
		}
	}
	return len(hits) > 0
}

// fold lowercases a word, undoes leet digits and drops punctuation. at[i] is
// the offset in word of folded[i].
func fold(word []rune) (folded []rune, at []int) {
	for i, r := range word {
		r = unleet(r)
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		folded = append(folded, unicode.ToLower(r))
		at = append(at, i)
	}
	return folded, at
}

func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	}
	return r
}
