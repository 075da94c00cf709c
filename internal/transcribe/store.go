// Package transcribe runs chunked audio transcription as resumable jobs and
// serves the resulting word timeline to the rest of the system.
package transcribe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/bookbridge/bookbridge/internal/models"
)

// ChunkStore persists per-chunk transcripts under
// <dataDir>/transcripts/<book_id>/chunk-<n>.json and answers word and
// snippet lookups over the merged timeline.
type ChunkStore struct {
	dataDir string

	mu    sync.Mutex
	words map[string][]models.WordToken
}

// NewChunkStore creates a ChunkStore rooted at dataDir.
func NewChunkStore(dataDir string) *ChunkStore {
	return &ChunkStore{
		dataDir: dataDir,
		words:   make(map[string][]models.WordToken),
	}
}

func (s *ChunkStore) bookDir(bookID string) string {
	return filepath.Join(s.dataDir, "transcripts", bookID)
}

func (s *ChunkStore) chunkPath(bookID string, n int) string {
	return filepath.Join(s.bookDir(bookID), fmt.Sprintf("chunk-%d.json", n))
}

// HasChunk reports whether chunk n is already on disk. The job runner uses
// it to skip completed chunks after a restart.
func (s *ChunkStore) HasChunk(bookID string, n int) bool {
	_, err := os.Stat(s.chunkPath(bookID, n))
	return err == nil
}

// SaveChunk writes one chunk atomically. A crash mid-write leaves either the
// old file or none, never a truncated one, which is what makes jobs safely
// resumable.
func (s *ChunkStore) SaveChunk(bookID string, chunk models.TranscriptChunk) error {
	if err := os.MkdirAll(s.bookDir(bookID), 0o755); err != nil {
		return fmt.Errorf("failed to create transcript dir: %w", err)
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", chunk, err)
	}
	if err := renameio.WriteFile(s.chunkPath(bookID, chunk.Index), data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", chunk.Index, err)
	}

	s.mu.Lock()
	delete(s.words, bookID)
	s.mu.Unlock()
	return nil
}

// LoadWords returns the merged word timeline for a book, ordered by start
// time. The merged result is cached until a chunk changes.
func (s *ChunkStore) LoadWords(bookID string) ([]models.WordToken, error) {
	s.mu.Lock()
	if w, ok := s.words[bookID]; ok {
		s.mu.Unlock()
		return w, nil
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.bookDir(bookID))
	if err != nil {
		return nil, fmt.Errorf("no transcripts for %s: %w", bookID, err)
	}

	var chunks []models.TranscriptChunk
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "chunk-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.bookDir(bookID), e.Name()))
		if err != nil {
			return nil, err
		}
		var chunk models.TranscriptChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, fmt.Errorf("corrupt transcript %s: %w", e.Name(), err)
		}
		chunks = append(chunks, chunk)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	var words []models.WordToken
	for _, c := range chunks {
		words = append(words, c.Words...)
	}

	s.mu.Lock()
	s.words[bookID] = words
	s.mu.Unlock()
	return words, nil
}

// SnippetAt returns transcript text centered on the timestamp, capped at
// roughly chars characters. Implements the audiobook adapter's snippet
// source.
func (s *ChunkStore) SnippetAt(bookID string, ts float64, chars int) (string, error) {
	words, err := s.LoadWords(bookID)
	if err != nil {
		return "", err
	}
	if len(words) == 0 {
		return "", fmt.Errorf("empty transcript for %s", bookID)
	}

	center := sort.Search(len(words), func(i int) bool { return words[i].Start >= ts })
	if center == len(words) {
		center--
	}

	// Grow outward from the center word until the budget is spent.
	lo, hi := center, center
	budget := chars - len(words[center].Text)
	for budget > 0 && (lo > 0 || hi < len(words)-1) {
		if lo > 0 {
			lo--
			budget -= len(words[lo].Text) + 1
		}
		if budget <= 0 {
			break
		}
		if hi < len(words)-1 {
			hi++
			budget -= len(words[hi].Text) + 1
		}
	}

	parts := make([]string, 0, hi-lo+1)
	for _, w := range words[lo : hi+1] {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " "), nil
}

// Purge removes every transcript chunk for a book. Used on mapping delete.
func (s *ChunkStore) Purge(bookID string) error {
	s.mu.Lock()
	delete(s.words, bookID)
	s.mu.Unlock()
	return os.RemoveAll(s.bookDir(bookID))
}
