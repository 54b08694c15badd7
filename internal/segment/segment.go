// Package segment splits a growing text buffer into complete sentences.
//
// A sentence ends at a run of terminal punctuation, optionally followed by
// closing quotes or brackets, when whitespace follows. Text at the end of the
// buffer is always withheld until more text or Flush confirms it, so speech is
// never produced for a sentence the model is still writing.
package segment

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Abbreviations is a set of tokens whose trailing period never ends a sentence.
// Matching is case-sensitive.
type Abbreviations struct {
	tokens []string
}

var defaultAbbreviations = []string{
	"Mr.", "Mrs.", "Ms.", "Dr.", "Prof.", "Jr.", "Sr.", "St.",
	"Rev.", "Gen.", "Col.", "Lt.", "Sgt.", "Capt.",
	"vs.", "etc.", "e.g.", "i.e.", "a.m.", "p.m.", "approx.",
	"U.S.", "U.S.A.", "U.K.", "E.U.",
	"Inc.", "Ltd.", "Co.", "Corp.", "No.", "Fig.", "Jan.", "Feb.",
	"Aug.", "Sept.", "Oct.", "Nov.", "Dec.",
}

// DefaultAbbreviations returns the built-in abbreviation set.
func DefaultAbbreviations() Abbreviations {
	return NewAbbreviations(defaultAbbreviations...)
}

// NewAbbreviations builds a set from tokens. Blank tokens and tokens without a
// trailing period are ignored.
func NewAbbreviations(tokens ...string) Abbreviations {
	seen := make(map[string]struct{}, len(tokens))
	var out []string
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" || !strings.HasSuffix(tok, ".") {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	// longest first so "U.S.A." wins over "A." style suffixes
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return Abbreviations{tokens: out}
}

// With returns a copy of the set extended with extra tokens.
func (a Abbreviations) With(extra ...string) Abbreviations {
	all := append(append([]string(nil), a.tokens...), extra...)
	return NewAbbreviations(all...)
}

// Len reports the number of tokens in the set.
func (a Abbreviations) Len() int { return len(a.tokens) }

// matches reports whether word (ending in '.') ends with a known abbreviation
// that is not glued to a preceding letter.
func (a Abbreviations) matches(word string) bool {
	for _, abbr := range a.tokens {
		if !strings.HasSuffix(word, abbr) {
			continue
		}
		prefix := word[:len(word)-len(abbr)]
		if prefix == "" {
			return true
		}
		r, _ := utf8.DecodeLastRuneInString(prefix)
		if !unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// Split returns the complete sentences in text and the incomplete tail that
// follows the last confirmed boundary. Sentences are trimmed. The tail loses
// the whitespace separating it from the last sentence; without any boundary it
// is text itself. A whitespace-only tail is empty.
func Split(text string, abbrevs Abbreviations) ([]string, string) {
	var sentences []string
	start := 0
	i := 0
	for i < len(text) {
		r, width := utf8.DecodeRuneInString(text[i:])
		if !isTerminal(r) {
			i += width
			continue
		}

		runStart := i
		j := i + width
		terminals := 1
		for j < len(text) {
			next, w := utf8.DecodeRuneInString(text[j:])
			if !isTerminal(next) {
				break
			}
			terminals++
			j += w
		}
		for j < len(text) {
			next, w := utf8.DecodeRuneInString(text[j:])
			if !isCloser(next) {
				break
			}
			j += w
		}
		if j >= len(text) {
			// unconfirmed: nothing follows yet
			break
		}
		next, _ := utf8.DecodeRuneInString(text[j:])
		if !unicode.IsSpace(next) {
			i = j
			continue
		}
		if terminals == 1 && r == '.' && suppressed(text[start:runStart+width], abbrevs) {
			i = j
			continue
		}

		if sentence := strings.TrimSpace(text[start:j]); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = j
		i = j
	}

	if len(sentences) == 0 {
		// no boundary confirmed: the whole input is the tail, as given
		if strings.TrimSpace(text) == "" {
			return nil, ""
		}
		return nil, text
	}
	return sentences, strings.TrimLeftFunc(text[start:], unicode.IsSpace)
}

// suppressed reports whether the period closing segment belongs to an
// abbreviation or an initial rather than ending a sentence.
func suppressed(segment string, abbrevs Abbreviations) bool {
	word := lastToken(segment)
	if word == "" {
		return false
	}
	if abbrevs.matches(word) {
		return true
	}
	return isInitial(word)
}

func lastToken(s string) string {
	idx := strings.LastIndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s
	}
	_, w := utf8.DecodeRuneInString(s[idx:])
	return s[idx+w:]
}

// isInitial matches a single uppercase letter followed by a period, optionally
// preceded by opening punctuation such as "(".
func isInitial(word string) bool {
	body := strings.TrimSuffix(word, ".")
	body = strings.TrimLeftFunc(body, func(r rune) bool { return unicode.IsPunct(r) })
	if utf8.RuneCountInString(body) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(body)
	return unicode.IsUpper(r)
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	}
	return false
}
