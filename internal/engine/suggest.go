package engine

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/strutil/metrics"

	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
)

// MetadataSource resolves title and author for an external book id.
type MetadataSource interface {
	Title(ctx context.Context, bookID string) (title, author string, err error)
}

// Suggester proposes ebook candidates for audiobooks that accumulate
// progress without a mapping.
type Suggester struct {
	db       *store.Store
	meta     MetadataSource
	booksDir string
	logger   *logger.Logger
}

// NewSuggester wires a Suggester over the given books directory.
func NewSuggester(db *store.Store, meta MetadataSource, booksDir string) *Suggester {
	return &Suggester{
		db:       db,
		meta:     meta,
		booksDir: booksDir,
		logger:   logger.Get().With(map[string]interface{}{"component": "suggester"}),
	}
}

// Consider records a mapping suggestion for an unmapped book, at most once
// per external id. Dismissed suggestions are not resurrected.
func (s *Suggester) Consider(ctx context.Context, cl models.ClientName, bookID string) {
	exists, err := s.db.SuggestionExists(bookID)
	if err != nil || exists {
		return
	}

	title, author, err := s.meta.Title(ctx, bookID)
	if err != nil {
		s.logger.Warn("Failed to fetch metadata for suggestion", map[string]interface{}{
			"book_id": bookID,
			"error":   err,
		})
		return
	}
	if title == "" {
		return
	}

	sg := &models.Suggestion{
		SourceClient: cl,
		ExternalID:   bookID,
		Title:        title,
		Author:       author,
		Matches:      s.matchEbooks(title, author),
	}
	if err := s.db.SaveSuggestion(sg); err != nil {
		s.logger.Error("Failed to save suggestion", map[string]interface{}{"error": err})
		return
	}
	s.logger.Info("Recorded mapping suggestion", map[string]interface{}{
		"book_id": bookID,
		"title":   title,
		"matches": len(sg.Matches),
	})
}

type scoredMatch struct {
	filename string
	score    float64
}

// matchEbooks scores every epub in the books directory against the title
// (and author, weighted lower) and returns the candidates worth showing.
func (s *Suggester) matchEbooks(title, author string) []models.SuggestionMatch {
	dice := metrics.NewSorensenDice()
	dice.NgramSize = 2
	wantTitle := epub.Normalize(title)
	wantAuthor := epub.Normalize(author)

	var scored []scoredMatch
	_ = filepath.WalkDir(s.booksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".epub") {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		got := epub.Normalize(name)

		score := dice.Compare(wantTitle, got)
		if wantAuthor != "" && strings.Contains(got, wantAuthor) {
			score += 0.1
		}
		if score >= 0.4 {
			scored = append(scored, scoredMatch{filename: d.Name(), score: score})
		}
		return nil
	})

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > 5 {
		scored = scored[:5]
	}

	matches := make([]models.SuggestionMatch, 0, len(scored))
	for _, m := range scored {
		matches = append(matches, models.SuggestionMatch{
			Source:     "books_dir",
			Filename:   m.filename,
			Confidence: confidence(m.score),
		})
	}
	return matches
}

func confidence(score float64) string {
	switch {
	case score >= 0.85:
		return "high"
	case score >= 0.6:
		return "medium"
	default:
		return "low"
	}
}
