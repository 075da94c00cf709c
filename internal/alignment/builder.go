package alignment

import (
	"fmt"
	"strings"

	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

const (
	// primaryNgram is the anchor window for the main pass. Twelve words is
	// long enough to be unique in practice but short enough to survive
	// transcription errors between anchors.
	primaryNgram = 12
	// backfillNgram is the looser window used to densify the gap before
	// the first primary anchor.
	backfillNgram = 6
	// backfillGapSeconds triggers the backfill pass when the first primary
	// anchor sits this deep into the audio.
	backfillGapSeconds = 30
	// minAnchors below this count means the alignment cannot be trusted.
	minAnchors = 3
)

// bookToken is one normalized word of the canonical text plus its raw
// char offset.
type bookToken struct {
	word   string
	offset int
}

// Build aligns a transcript against the book text and returns the anchor
// map. It fails when fewer than minAnchors survive the monotonic filter.
func Build(bookID string, words []models.WordToken, text string, duration float64, log *logger.Logger) (*Map, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("alignment for %s: empty transcript", bookID)
	}
	tokens := tokenizeText(text)
	if len(tokens) < primaryNgram {
		return nil, fmt.Errorf("alignment for %s: book text too short", bookID)
	}

	anchors := matchPass(words, tokens, primaryNgram)

	// The opening of a book (front matter, narrator credits) often has no
	// counterpart in the text. When the first anchor lands deep into the
	// audio, rescan the prefix with a shorter window.
	if len(anchors) > 0 && anchors[0].Time > backfillGapSeconds {
		cut := firstWordAfter(words, anchors[0].Time)
		prefix := matchPass(words[:cut], tokensBefore(tokens, anchors[0].Offset), backfillNgram)
		anchors = append(prefix, anchors...)
	}

	anchors = monotonicFilter(anchors)
	if len(anchors) < minAnchors {
		return nil, fmt.Errorf("alignment for %s: only %d anchors, need %d", bookID, len(anchors), minAnchors)
	}

	if log != nil {
		log.Info("Built alignment map", map[string]interface{}{
			"book_id": bookID,
			"anchors": len(anchors),
			"first_s": anchors[0].Time,
			"last_s":  anchors[len(anchors)-1].Time,
		})
	}
	return &Map{
		BookID:     bookID,
		Duration:   duration,
		TextLength: len(text),
		Anchors:    anchors,
	}, nil
}

// matchPass slides an n-word window over the transcript and emits an anchor
// wherever the window occurs exactly once in the book. After a hit the scan
// jumps past the matched window so anchors never overlap.
func matchPass(words []models.WordToken, tokens []bookToken, n int) []Anchor {
	if len(words) < n || len(tokens) < n {
		return nil
	}

	index := make(map[string]int, len(tokens))
	for i := 0; i+n <= len(tokens); i++ {
		key := joinTokens(tokens[i:i+n])
		if _, dup := index[key]; dup {
			index[key] = -1 // ambiguous
		} else {
			index[key] = i
		}
	}

	var anchors []Anchor
	i := 0
	for i+n <= len(words) {
		key := joinWords(words[i : i+n])
		if key == "" {
			i++
			continue
		}
		if pos, ok := index[key]; ok && pos >= 0 {
			anchors = append(anchors, Anchor{
				Time:   words[i].Start,
				Offset: tokens[pos].offset,
			})
			i += n
			continue
		}
		i++
	}
	return anchors
}

// monotonicFilter drops anchors whose offset regresses, keeping the
// longest-prefix interpretation: a spurious match in repeated text would
// otherwise fold the interpolation back on itself.
func monotonicFilter(anchors []Anchor) []Anchor {
	out := anchors[:0]
	lastOffset := -1
	lastTime := -1.0
	for _, a := range anchors {
		if a.Offset <= lastOffset || a.Time <= lastTime {
			continue
		}
		out = append(out, a)
		lastOffset = a.Offset
		lastTime = a.Time
	}
	return out
}

func firstWordAfter(words []models.WordToken, t float64) int {
	for i, w := range words {
		if w.Start >= t {
			return i
		}
	}
	return len(words)
}

func tokensBefore(tokens []bookToken, offset int) []bookToken {
	for i, tok := range tokens {
		if tok.offset >= offset {
			return tokens[:i]
		}
	}
	return tokens
}

// tokenizeText splits the canonical text into normalized words that keep
// their raw char offsets, so an anchor points at the exact position the
// locator layer uses.
func tokenizeText(text string) []bookToken {
	var tokens []bookToken
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if start >= 0 {
				if w := epub.Normalize(text[start:i]); w != "" {
					tokens = append(tokens, bookToken{word: w, offset: start})
				}
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		if w := epub.Normalize(text[start:]); w != "" {
			tokens = append(tokens, bookToken{word: w, offset: start})
		}
	}
	return tokens
}

func joinTokens(tokens []bookToken) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.word
	}
	return strings.Join(parts, " ")
}

func joinWords(words []models.WordToken) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		n := epub.Normalize(w.Text)
		if n == "" {
			return ""
		}
		parts = append(parts, n)
	}
	return strings.Join(parts, " ")
}
