package transcribe

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bookbridge/bookbridge/internal/alignment"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
)

// AudioSource downloads a book's audio files. The Audiobookshelf adapter
// implements it.
type AudioSource interface {
	DownloadAudio(ctx context.Context, bookID, destDir string) ([]models.AudioFile, error)
}

// ManagerConfig carries the job runner settings.
type ManagerConfig struct {
	DataDir       string
	ChunkDuration time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	ModelHint     string
}

// Manager runs transcription jobs: download audio, transcribe it in fixed
// chunks, build the alignment map, and flip the mapping to active. Chunks
// already on disk are skipped, so an interrupted job resumes where it
// stopped.
type Manager struct {
	db          *store.Store
	chunks      *ChunkStore
	transcriber Transcriber
	audio       AudioSource
	parser      *epub.Parser
	cfg         ManagerConfig
	// onAligned is called after an alignment map is (re)built. May be nil.
	onAligned func(bookID string)
	logger    *logger.Logger

	queue chan string

	mu       sync.Mutex
	inflight map[string]bool
}

// NewManager wires the job runner.
func NewManager(db *store.Store, chunks *ChunkStore, tr Transcriber, audio AudioSource, parser *epub.Parser, cfg ManagerConfig, onAligned func(string)) *Manager {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 45 * time.Minute
	}
	return &Manager{
		db:          db,
		chunks:      chunks,
		transcriber: tr,
		audio:       audio,
		parser:      parser,
		cfg:         cfg,
		onAligned:   onAligned,
		logger:      logger.Get().With(map[string]interface{}{"component": "transcribe_manager"}),
		queue:       make(chan string, 64),
		inflight:    make(map[string]bool),
	}
}

// Enqueue schedules a transcription job. Books already queued or running
// are not queued twice.
func (mg *Manager) Enqueue(bookID string) {
	mg.mu.Lock()
	if mg.inflight[bookID] {
		mg.mu.Unlock()
		return
	}
	mg.inflight[bookID] = true
	mg.mu.Unlock()

	select {
	case mg.queue <- bookID:
	default:
		mg.mu.Lock()
		delete(mg.inflight, bookID)
		mg.mu.Unlock()
		mg.logger.Warn("Transcription queue full, dropping job", map[string]interface{}{"book_id": bookID})
	}
}

// Run consumes the job queue until the context is cancelled. Failed jobs
// with retries left are re-enqueued after the retry delay.
func (mg *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bookID := <-mg.queue:
			err := mg.Process(ctx, bookID)
			mg.mu.Lock()
			delete(mg.inflight, bookID)
			mg.mu.Unlock()

			if err != nil && ctx.Err() == nil && mg.shouldRetry(bookID) {
				mg.logger.Info("Scheduling transcription retry", map[string]interface{}{
					"book_id": bookID,
					"delay":   mg.cfg.RetryDelay.String(),
				})
				go func(id string) {
					select {
					case <-ctx.Done():
					case <-time.After(mg.cfg.RetryDelay):
						mg.Enqueue(id)
					}
				}(bookID)
			}
		}
	}
}

func (mg *Manager) shouldRetry(bookID string) bool {
	job, err := mg.db.GetJob(bookID)
	if err != nil || job == nil {
		return false
	}
	return job.State != models.JobFailedRetryLater
}

// Recover re-enqueues jobs that were queued or running when the process
// last stopped. Called once at startup.
func (mg *Manager) Recover() {
	mappings, err := mg.db.ListMappingsByStatus(models.StatusProcessing)
	if err != nil {
		mg.logger.Error("Failed to list processing mappings", map[string]interface{}{"error": err})
		return
	}
	pending, err := mg.db.ListMappingsByStatus(models.StatusPending)
	if err == nil {
		mappings = append(mappings, pending...)
	}
	for _, m := range mappings {
		mg.logger.Info("Recovering transcription job", map[string]interface{}{"book_id": m.BookID})
		mg.Enqueue(m.BookID)
	}
}

// Purge removes a book's transcription artifacts: the chunk directory and
// the alignment map. Called when the mapping is deleted.
func (mg *Manager) Purge(bookID string) error {
	if err := mg.chunks.Purge(bookID); err != nil {
		return err
	}
	return alignment.Delete(mg.cfg.DataDir, bookID)
}

// chunkPlan is one unit of transcription work.
type chunkPlan struct {
	index      int
	path       string
	fileOffset float64
	// globalOffset rebases chunk-relative word times onto the book timeline.
	globalOffset float64
	duration     float64
}

// Process runs one transcription attempt end to end.
func (mg *Manager) Process(ctx context.Context, bookID string) error {
	m, err := mg.db.LoadMapping(bookID)
	if err != nil {
		return err
	}
	if m == nil || m.EbookFilename == "" {
		return fmt.Errorf("book %s has no ebook mapped", bookID)
	}

	if err := mg.db.SetMappingStatus(bookID, models.StatusProcessing, m.FailureCount); err != nil {
		return err
	}
	// Retries reuse the existing job row so RetryCount accumulates.
	job, err := mg.db.GetJob(bookID)
	if err != nil || job == nil {
		job = &models.Job{BookID: bookID}
	}
	job.State = models.JobRunning
	job.LastAttempt = float64(time.Now().Unix())
	if err := mg.db.SaveJob(job); err != nil {
		return err
	}

	err = mg.process(ctx, m, job)
	if err != nil {
		mg.recordFailure(bookID, err)
		return err
	}

	job.State = models.JobDone
	job.Progress = 1
	job.LastError = ""
	if err := mg.db.SaveJob(job); err != nil {
		return err
	}
	if mg.onAligned != nil {
		mg.onAligned(bookID)
	}
	mg.logger.Info("Transcription job complete", map[string]interface{}{"book_id": bookID})
	return nil
}

func (mg *Manager) process(ctx context.Context, m *models.Mapping, job *models.Job) error {
	audioDir := filepath.Join(mg.cfg.DataDir, "audio_cache")
	files, err := mg.audio.DownloadAudio(ctx, m.BookID, audioDir)
	if err != nil {
		return fmt.Errorf("audio download failed: %w", err)
	}

	plans := mg.planChunks(files)
	if len(plans) == 0 {
		return fmt.Errorf("book %s has no audio to transcribe", m.BookID)
	}

	// Duration from the source wins; fall back to the file sum.
	if m.Duration <= 0 {
		for _, f := range files {
			m.Duration += f.Duration
		}
	}

	done := 0
	for _, plan := range plans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if mg.chunks.HasChunk(m.BookID, plan.index) {
			done++
			continue
		}

		words, err := mg.transcriber.Transcribe(ctx, plan.path, plan.fileOffset, plan.duration, mg.cfg.ModelHint)
		if err != nil {
			return fmt.Errorf("chunk %d failed: %w", plan.index, err)
		}
		for i := range words {
			words[i].Start += plan.globalOffset
			words[i].End += plan.globalOffset
		}
		if err := mg.chunks.SaveChunk(m.BookID, models.TranscriptChunk{Index: plan.index, Words: words}); err != nil {
			return err
		}

		done++
		job.Progress = float64(done) / float64(len(plans))
		job.LastAttempt = float64(time.Now().Unix())
		_ = mg.db.SaveJob(job)
	}

	if err := mg.buildAlignment(m); err != nil {
		return err
	}

	m.HasAlignment = true
	m.Status = models.StatusActive
	m.FailureCount = 0
	if err := mg.db.SaveMapping(m); err != nil {
		return err
	}

	// The audio cache is ephemeral; drop it once the transcript exists.
	for _, f := range files {
		_ = os.Remove(f.Path)
	}
	return nil
}

func (mg *Manager) planChunks(files []models.AudioFile) []chunkPlan {
	chunkDur := mg.cfg.ChunkDuration.Seconds()
	var plans []chunkPlan
	global := 0.0
	index := 0
	for _, f := range files {
		n := int(math.Ceil(f.Duration / chunkDur))
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			offset := float64(i) * chunkDur
			dur := chunkDur
			if remaining := f.Duration - offset; remaining < dur && remaining > 0 {
				dur = remaining
			}
			plans = append(plans, chunkPlan{
				index:        index,
				path:         f.Path,
				fileOffset:   offset,
				globalOffset: global + offset,
				duration:     dur,
			})
			index++
		}
		global += f.Duration
	}
	return plans
}

func (mg *Manager) buildAlignment(m *models.Mapping) error {
	words, err := mg.chunks.LoadWords(m.BookID)
	if err != nil {
		return err
	}
	book, err := mg.parser.Load(m.EbookFilename)
	if err != nil {
		return fmt.Errorf("failed to parse ebook: %w", err)
	}
	am, err := alignment.Build(m.BookID, words, book.Text, m.Duration, mg.logger)
	if err != nil {
		return err
	}
	return am.Save(mg.cfg.DataDir)
}

// recordFailure bumps the retry counter and flips the job and mapping to
// failed_retry_later once retries are exhausted.
func (mg *Manager) recordFailure(bookID string, cause error) {
	job, err := mg.db.GetJob(bookID)
	if err != nil || job == nil {
		job = &models.Job{BookID: bookID}
	}
	job.RetryCount++
	job.LastError = cause.Error()
	job.LastAttempt = float64(time.Now().Unix())
	job.State = models.JobQueued
	if job.RetryCount > mg.cfg.MaxRetries {
		job.State = models.JobFailedRetryLater
		_ = mg.db.SetMappingStatus(bookID, models.StatusFailedRetryLater, 0)
		mg.logger.Error("Transcription failed permanently", map[string]interface{}{
			"book_id": bookID,
			"error":   cause,
		})
	} else {
		mg.logger.Warn("Transcription attempt failed", map[string]interface{}{
			"book_id": bookID,
			"attempt": job.RetryCount,
			"error":   cause,
		})
	}
	_ = mg.db.SaveJob(job)
}
