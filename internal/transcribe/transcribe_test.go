package transcribe

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/bookbridge/internal/alignment"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
)

func words(n int, step float64) []models.WordToken {
	out := make([]models.WordToken, n)
	for i := range out {
		out[i] = models.WordToken{
			Text:  fmt.Sprintf("word%03d", i),
			Start: float64(i) * step,
			End:   float64(i)*step + step,
		}
	}
	return out
}

func TestChunkStoreRoundTrip(t *testing.T) {
	cs := NewChunkStore(t.TempDir())

	require.False(t, cs.HasChunk("b1", 0))
	require.NoError(t, cs.SaveChunk("b1", models.TranscriptChunk{Index: 0, Words: words(5, 1)[:3]}))
	require.NoError(t, cs.SaveChunk("b1", models.TranscriptChunk{Index: 1, Words: words(5, 1)[3:]}))
	assert.True(t, cs.HasChunk("b1", 0))
	assert.True(t, cs.HasChunk("b1", 1))

	got, err := cs.LoadWords("b1")
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "word000", got[0].Text)
	assert.Equal(t, "word004", got[4].Text, "chunks merge in index order")
}

func TestChunkStoreSnippetAt(t *testing.T) {
	cs := NewChunkStore(t.TempDir())
	require.NoError(t, cs.SaveChunk("b1", models.TranscriptChunk{Index: 0, Words: words(100, 1)}))

	snippet, err := cs.SnippetAt("b1", 50, 40)
	require.NoError(t, err)
	assert.Contains(t, snippet, "word050", "snippet is centered on the timestamp")
	assert.LessOrEqual(t, len(snippet), 60, "snippet respects the budget roughly")

	// Edges clamp instead of failing.
	_, err = cs.SnippetAt("b1", -5, 40)
	assert.NoError(t, err)
	_, err = cs.SnippetAt("b1", 10000, 40)
	assert.NoError(t, err)

	_, err = cs.SnippetAt("never-transcribed", 1, 40)
	assert.Error(t, err)
}

func TestChunkStorePurge(t *testing.T) {
	cs := NewChunkStore(t.TempDir())
	require.NoError(t, cs.SaveChunk("b1", models.TranscriptChunk{Index: 0, Words: words(3, 1)}))
	require.NoError(t, cs.Purge("b1"))
	assert.False(t, cs.HasChunk("b1", 0))
	_, err := cs.LoadWords("b1")
	assert.Error(t, err)
}

// --- manager fixtures ------------------------------------------------------

type fakeAudio struct {
	files []models.AudioFile
}

func (f fakeAudio) DownloadAudio(context.Context, string, string) ([]models.AudioFile, error) {
	return f.files, nil
}

// fakeTranscriber serves slices of a pre-baked narration and records which
// offsets were requested.
type fakeTranscriber struct {
	narration []models.WordToken
	calls     []float64
	fail      bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, offset, duration float64, _ string) ([]models.WordToken, error) {
	f.calls = append(f.calls, offset)
	if f.fail {
		return nil, fmt.Errorf("whisper unavailable")
	}
	var out []models.WordToken
	for _, w := range f.narration {
		if w.Start >= offset && w.Start < offset+duration {
			out = append(out, models.WordToken{Text: w.Text, Start: w.Start - offset, End: w.End - offset})
		}
	}
	return out, nil
}

func writeEpub(t *testing.T, dir, name, text string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	write := func(name, content string) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	write("META-INF/container.xml", `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`)
	write("content.opf", `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <manifest><item id="c" href="c.xhtml" media-type="application/xhtml+xml"/></manifest>
  <spine><itemref idref="c"/></spine>
</package>`)
	write("c.xhtml", `<html><head></head><body><p>`+text+`</p></body></html>`)
	require.NoError(t, zw.Close())
}

type managerFixture struct {
	mg *Manager
	db *store.Store
	tr *fakeTranscriber
	cs *ChunkStore
}

func newManagerFixture(t *testing.T, fileDur float64, chunkDur time.Duration) *managerFixture {
	t.Helper()
	dataDir := t.TempDir()
	booksDir := t.TempDir()

	narration := words(100, fileDur/100)
	parts := make([]string, len(narration))
	for i, w := range narration {
		parts[i] = w.Text
	}
	writeEpub(t, booksDir, "book.epub", strings.Join(parts, " "))

	audioPath := filepath.Join(dataDir, "fake.audio")
	require.NoError(t, os.WriteFile(audioPath, []byte("x"), 0o644))

	db, err := store.Open(filepath.Join(dataDir, "test.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.SaveMapping(&models.Mapping{
		BookID:        "b1",
		EbookFilename: "book.epub",
		Status:        models.StatusPending,
		Duration:      fileDur,
	}))

	tr := &fakeTranscriber{narration: narration}
	cs := NewChunkStore(dataDir)
	mg := NewManager(db, cs, tr, fakeAudio{files: []models.AudioFile{{Path: audioPath, Duration: fileDur}}},
		epub.NewParser(booksDir, "", 0, nil),
		ManagerConfig{DataDir: dataDir, ChunkDuration: chunkDur, MaxRetries: 2, RetryDelay: time.Millisecond},
		nil)
	return &managerFixture{mg: mg, db: db, tr: tr, cs: cs}
}

func TestProcessBuildsAlignment(t *testing.T) {
	fx := newManagerFixture(t, 90, 30*time.Second)

	require.NoError(t, fx.mg.Process(context.Background(), "b1"))

	assert.Equal(t, []float64{0, 30, 60}, fx.tr.calls, "three 30s chunks for a 90s file")

	m, err := fx.db.LoadMapping("b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, m.Status)
	assert.True(t, m.HasAlignment)

	job, err := fx.db.GetJob("b1")
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, job.State)

	am, err := alignment.Load(fx.mg.cfg.DataDir, "b1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(am.Anchors), 3)
	for i := 1; i < len(am.Anchors); i++ {
		assert.Greater(t, am.Anchors[i].Time, am.Anchors[i-1].Time)
		assert.Greater(t, am.Anchors[i].Offset, am.Anchors[i-1].Offset)
	}
}

func TestProcessResumesCompletedChunks(t *testing.T) {
	fx := newManagerFixture(t, 90, 30*time.Second)

	// First run completes chunks 0 and 1, then the process "crashes".
	require.NoError(t, fx.mg.Process(context.Background(), "b1"))
	require.NoError(t, os.Remove(filepath.Join(fx.mg.cfg.DataDir, "transcripts", "b1", "chunk-2.json")))
	fx.tr.calls = nil

	require.NoError(t, fx.mg.Process(context.Background(), "b1"))
	assert.Equal(t, []float64{60}, fx.tr.calls, "only the missing chunk is re-transcribed")
}

func TestPurgeRemovesArtifacts(t *testing.T) {
	fx := newManagerFixture(t, 90, 30*time.Second)
	require.NoError(t, fx.mg.Process(context.Background(), "b1"))

	chunkDir := filepath.Join(fx.mg.cfg.DataDir, "transcripts", "b1")
	_, err := os.Stat(chunkDir)
	require.NoError(t, err)
	_, err = alignment.Load(fx.mg.cfg.DataDir, "b1")
	require.NoError(t, err)

	require.NoError(t, fx.mg.Purge("b1"))

	_, err = os.Stat(chunkDir)
	assert.True(t, os.IsNotExist(err))
	_, err = alignment.Load(fx.mg.cfg.DataDir, "b1")
	assert.True(t, os.IsNotExist(err))

	// Purging a book with nothing on disk is fine.
	assert.NoError(t, fx.mg.Purge("never-seen"))
}

func TestProcessFailureCountsRetries(t *testing.T) {
	fx := newManagerFixture(t, 60, time.Minute)
	fx.tr.fail = true

	for i := 0; i < 3; i++ {
		require.Error(t, fx.mg.Process(context.Background(), "b1"))
	}

	job, err := fx.db.GetJob("b1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailedRetryLater, job.State, "retries exhausted after max_retries+1 attempts")
	assert.Contains(t, job.LastError, "whisper unavailable")

	m, err := fx.db.LoadMapping("b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryLater, m.Status)
}

func TestEnqueueDeduplicates(t *testing.T) {
	fx := newManagerFixture(t, 60, time.Minute)

	fx.mg.Enqueue("b1")
	fx.mg.Enqueue("b1")
	fx.mg.Enqueue("b1")

	assert.Len(t, fx.mg.queue, 1, "duplicate enqueues coalesce")
}
