package segment

import "strings"

// Segmenter is the incremental form of Split. It retains only the text after
// the last confirmed boundary. A Segmenter is not safe for concurrent use.
type Segmenter struct {
	abbrevs Abbreviations
	pending strings.Builder
}

// New returns a Segmenter using abbrevs.
func New(abbrevs Abbreviations) *Segmenter {
	return &Segmenter{abbrevs: abbrevs}
}

// Append adds a fragment and returns the sentences it completed, in order.
func (s *Segmenter) Append(fragment string) []string {
	if fragment == "" {
		return nil
	}
	s.pending.WriteString(fragment)
	sentences, tail := Split(s.pending.String(), s.abbrevs)
	if len(sentences) == 0 {
		return nil
	}
	s.pending.Reset()
	s.pending.WriteString(tail)
	return sentences
}

// Flush returns the withheld tail as a final sentence and clears the buffer.
// It returns "" when nothing but whitespace is pending.
func (s *Segmenter) Flush() string {
	out := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	return out
}

// Pending returns the withheld text without clearing it.
func (s *Segmenter) Pending() string {
	return s.pending.String()
}
