// Package alignment builds and queries audio-to-text alignment maps. A map
// is a monotonic list of anchor points pairing an audio timestamp with a
// character offset in the book's canonical text; positions between anchors
// are linearly interpolated.
package alignment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio/v2"
)

// Anchor pairs an audio timestamp (seconds) with a char offset.
type Anchor struct {
	Time   float64 `json:"ts"`
	Offset int     `json:"ch"`
}

// Map is an immutable alignment between one audiobook and one ebook text.
type Map struct {
	BookID     string   `json:"book_id"`
	Duration   float64  `json:"duration"`
	TextLength int      `json:"text_length"`
	Anchors    []Anchor `json:"anchors"`
}

// TimeToOffset converts an audio timestamp to a char offset by piecewise
// linear interpolation. Times outside the anchored range extrapolate
// against the synthetic (0,0) and (duration, text_length) endpoints, and
// the result is clamped to [0, text_length].
func (m *Map) TimeToOffset(t float64) int {
	lo, hi := m.segmentForTime(t)
	var off float64
	if hi.Time == lo.Time {
		off = float64(lo.Offset)
	} else {
		frac := (t - lo.Time) / (hi.Time - lo.Time)
		off = float64(lo.Offset) + frac*float64(hi.Offset-lo.Offset)
	}
	return clampInt(int(off), 0, m.TextLength)
}

// OffsetToTime is the inverse lookup: char offset to audio timestamp,
// clamped to [0, duration].
func (m *Map) OffsetToTime(offset int) float64 {
	lo, hi := m.segmentForOffset(offset)
	var t float64
	if hi.Offset == lo.Offset {
		t = lo.Time
	} else {
		frac := float64(offset-lo.Offset) / float64(hi.Offset-lo.Offset)
		t = lo.Time + frac*(hi.Time-lo.Time)
	}
	if t < 0 {
		return 0
	}
	if t > m.Duration {
		return m.Duration
	}
	return t
}

// segmentForTime binary-searches the bracketing anchor pair for a time.
func (m *Map) segmentForTime(t float64) (Anchor, Anchor) {
	start := Anchor{Time: 0, Offset: 0}
	end := Anchor{Time: m.Duration, Offset: m.TextLength}
	if len(m.Anchors) == 0 {
		return start, end
	}
	i := sort.Search(len(m.Anchors), func(i int) bool { return m.Anchors[i].Time > t })
	lo, hi := start, end
	if i > 0 {
		lo = m.Anchors[i-1]
	}
	if i < len(m.Anchors) {
		hi = m.Anchors[i]
	}
	return lo, hi
}

func (m *Map) segmentForOffset(offset int) (Anchor, Anchor) {
	start := Anchor{Time: 0, Offset: 0}
	end := Anchor{Time: m.Duration, Offset: m.TextLength}
	if len(m.Anchors) == 0 {
		return start, end
	}
	i := sort.Search(len(m.Anchors), func(i int) bool { return m.Anchors[i].Offset > offset })
	lo, hi := start, end
	if i > 0 {
		lo = m.Anchors[i-1]
	}
	if i < len(m.Anchors) {
		hi = m.Anchors[i]
	}
	return lo, hi
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mapPath returns <dataDir>/alignments/<book_id>.json.
func mapPath(dataDir, bookID string) string {
	return filepath.Join(dataDir, "alignments", bookID+".json")
}

// Save writes the map atomically so a crash mid-write never leaves a
// truncated file behind.
func (m *Map) Save(dataDir string) error {
	pth := mapPath(dataDir, m.BookID)
	if err := os.MkdirAll(filepath.Dir(pth), 0o755); err != nil {
		return fmt.Errorf("failed to create alignments dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal alignment map: %w", err)
	}
	if err := renameio.WriteFile(pth, data, 0o644); err != nil {
		return fmt.Errorf("failed to write alignment map: %w", err)
	}
	return nil
}

// Load reads a previously saved map. os.IsNotExist on the returned error
// distinguishes "never built" from corruption.
func Load(dataDir, bookID string) (*Map, error) {
	data, err := os.ReadFile(mapPath(dataDir, bookID))
	if err != nil {
		return nil, err
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse alignment map for %s: %w", bookID, err)
	}
	return &m, nil
}

// Delete removes a saved map, ignoring absence.
func Delete(dataDir, bookID string) error {
	err := os.Remove(mapPath(dataDir, bookID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
