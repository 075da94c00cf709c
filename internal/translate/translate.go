// Package translate converts a leader position into each follower's native
// coordinate system, combining the alignment map (audio time to char offset)
// with fuzzy text location inside the ebook.
package translate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bookbridge/bookbridge/internal/alignment"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

// ErrNotFound means the leader's snippet could not be located in the ebook
// above the fuzzy threshold. The follower is skipped, not failed.
var ErrNotFound = errors.New("text position not found in ebook")

// ErrNoAlignment means an audio conversion was requested for a book whose
// alignment map has not been built.
var ErrNoAlignment = errors.New("no alignment map for book")

// Translator converts leader positions to follower locators.
type Translator struct {
	parser  *epub.Parser
	dataDir string
	opts    epub.LocatorOptions
	log     *logger.Logger

	mu   sync.Mutex
	maps map[string]*alignment.Map
}

// New creates a Translator that reads alignment maps from dataDir.
func New(parser *epub.Parser, dataDir string, opts epub.LocatorOptions, log *logger.Logger) *Translator {
	return &Translator{
		parser:  parser,
		dataDir: dataDir,
		opts:    opts,
		log:     log,
		maps:    make(map[string]*alignment.Map),
	}
}

// Invalidate drops the cached alignment map for a book, forcing a reload on
// next use. Called after a rebuild or delete.
func (t *Translator) Invalidate(bookID string) {
	t.mu.Lock()
	delete(t.maps, bookID)
	t.mu.Unlock()
}

func (t *Translator) alignmentFor(m *models.Mapping) (*alignment.Map, error) {
	t.mu.Lock()
	if am, ok := t.maps[m.BookID]; ok {
		t.mu.Unlock()
		return am, nil
	}
	t.mu.Unlock()

	am, err := alignment.Load(t.dataDir, m.BookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAlignment, m.BookID)
	}
	t.mu.Lock()
	t.maps[m.BookID] = am
	t.mu.Unlock()
	return am, nil
}

// ToText converts the leader's position into an ebook locator.
//
// With a snippet, the snippet is located fuzzily using the leader's position
// as a window hint. With an empty snippet the conversion is direct (the
// alignment's interpolated offset, or the leader's percentage scaled to the
// text) — the fast path used when the alignment already comes from the
// follower's own timing data and no confirmation pass is needed.
func (t *Translator) ToText(m *models.Mapping, leader *models.ClientState, snippet string) (models.Locator, error) {
	book, err := t.parser.Load(m.EbookFilename)
	if err != nil {
		return models.Locator{}, err
	}

	directOffset, hintPct, err := t.leaderOffset(m, leader, book)
	if err != nil {
		return models.Locator{}, err
	}

	if snippet == "" {
		return book.LocatorAt(directOffset), nil
	}

	offset := book.FindText(snippet, hintPct, t.opts)
	if offset < 0 {
		if t.log != nil {
			t.log.Debug("Snippet not found in ebook", map[string]interface{}{
				"book_id": m.BookID,
				"hint":    hintPct,
			})
		}
		return models.Locator{}, fmt.Errorf("%w: book %s", ErrNotFound, m.BookID)
	}
	return book.LocatorAt(offset), nil
}

// ToAudio converts the leader's position into an audio timestamp using the
// alignment map. Text leaders are re-anchored via their snippet when one is
// available, so the timestamp reflects the page actually shown rather than a
// renderer-dependent percentage.
func (t *Translator) ToAudio(m *models.Mapping, leader *models.ClientState, snippet string) (*models.AudioPosition, error) {
	if leader.Position.Audio != nil {
		// Same coordinate system: pass through.
		return &models.AudioPosition{Timestamp: leader.Position.Audio.Timestamp, Duration: m.Duration}, nil
	}

	am, err := t.alignmentFor(m)
	if err != nil {
		return nil, err
	}
	book, err := t.parser.Load(m.EbookFilename)
	if err != nil {
		return nil, err
	}

	offset := -1
	if snippet != "" {
		hint := -1.0
		if pct, ok := leader.NormalizedPct(m.Duration); ok {
			hint = pct
		}
		offset = book.FindText(snippet, hint, t.opts)
	}
	if offset < 0 {
		var herr error
		offset, herr = t.textOffset(leader, book)
		if herr != nil {
			return nil, herr
		}
	}

	return &models.AudioPosition{
		Timestamp: am.OffsetToTime(offset),
		Duration:  m.Duration,
	}, nil
}

// leaderOffset resolves the leader's position to a char offset in the book
// plus a percentage hint for the fuzzy search. Audio leaders go through the
// alignment map; text leaders use their reported offset or percentage.
func (t *Translator) leaderOffset(m *models.Mapping, leader *models.ClientState, book *epub.Book) (int, float64, error) {
	if leader.Position.Audio != nil {
		am, err := t.alignmentFor(m)
		if err != nil {
			return 0, 0, err
		}
		offset := am.TimeToOffset(leader.Position.Audio.Timestamp)
		hint := -1.0
		if len(book.Text) > 0 {
			hint = float64(offset) / float64(len(book.Text))
		}
		return offset, hint, nil
	}

	offset, err := t.textOffset(leader, book)
	if err != nil {
		return 0, 0, err
	}
	hint := -1.0
	if len(book.Text) > 0 {
		hint = float64(offset) / float64(len(book.Text))
	}
	return offset, hint, nil
}

// textOffset maps a text leader to a char offset: a reported char offset
// wins, else the percentage is scaled to the text length.
func (t *Translator) textOffset(leader *models.ClientState, book *epub.Book) (int, error) {
	text := leader.Position.Text
	if text == nil {
		return 0, fmt.Errorf("leader %s has no position", leader.Client)
	}
	if text.Locator != nil && text.Locator.CharOffset > 0 {
		return text.Locator.CharOffset, nil
	}
	pct := text.Percentage
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	return int(pct * float64(len(book.Text))), nil
}
