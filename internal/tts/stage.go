package tts

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	headingRe        = regexp.MustCompile(`(?m)^\s*#+\s*`)
	leadingUnderRe   = regexp.MustCompile(`(^|[^\p{L}\p{N}])_+`)
	trailingUnderRe  = regexp.MustCompile(`_+([^\p{L}\p{N}]|$)`)
	emphasisReplacer = strings.NewReplacer("*", "", "`", "")
)

// Stage turns one sentence into audio. It is safe for concurrent use as long
// as the underlying Synthesizer is.
type Stage struct {
	synth   Synthesizer
	timeout time.Duration
}

// NewStage wraps synth. A zero timeout disables the per-call deadline.
func NewStage(synth Synthesizer, timeout time.Duration) *Stage {
	return &Stage{synth: synth, timeout: timeout}
}

// Synthesize returns the audio for sentence. Sentences without speakable
// content return nil audio and never reach the backend.
func (s *Stage) Synthesize(ctx context.Context, sentence, voice string) ([]byte, error) {
	text := Speakable(sentence)
	if text == "" {
		return nil, nil
	}
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{Text: text, Voice: voice})
	var audio []byte
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			audio = append(audio, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				return nil, err
			}
			errs = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return audio, nil
}

// Speakable strips markdown emphasis, code ticks and heading markers and
// collapses whitespace. It returns "" when no letter or digit remains.
func Speakable(text string) string {
	text = headingRe.ReplaceAllString(text, "")
	text = emphasisReplacer.Replace(text)
	text = leadingUnderRe.ReplaceAllString(text, "$1")
	text = trailingUnderRe.ReplaceAllString(text, "$1")
	text = strings.Join(strings.Fields(text), " ")
	if strings.IndexFunc(text, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return ""
	}
	return text
}
