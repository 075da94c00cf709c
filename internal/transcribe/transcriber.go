package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

// Transcriber turns a slice of an audio file into timed word tokens. Word
// times are relative to the requested offset; the job runner rebases them
// onto the book timeline.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, offset, duration float64, modelHint string) ([]models.WordToken, error)
}

// HTTPTranscriber talks to a whisper-server-style endpoint: a multipart
// upload of the audio plus offset/duration/model form fields, answered with
// a JSON word list.
type HTTPTranscriber struct {
	url    string
	client *http.Client
	logger *logger.Logger
}

// NewHTTPTranscriber creates a remote transcriber.
func NewHTTPTranscriber(url string) *HTTPTranscriber {
	return &HTTPTranscriber{
		url: url,
		client: &http.Client{
			// Transcribing a 45 minute chunk takes a while.
			Timeout: 30 * time.Minute,
		},
		logger: logger.Get().With(map[string]interface{}{"component": "transcriber"}),
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string, offset, duration float64, modelHint string) ([]models.WordToken, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		_ = mw.WriteField("offset", strconv.FormatFloat(offset, 'f', 3, 64))
		_ = mw.WriteField("duration", strconv.FormatFloat(duration, 'f', 3, 64))
		if modelHint != "" {
			_ = mw.WriteField("model", modelHint)
		}
		_ = mw.WriteField("word_timestamps", "true")
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/transcribe", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	t.logger.Debug("Transcribing chunk", map[string]interface{}{
		"file":     filepath.Base(audioPath),
		"offset":   offset,
		"duration": duration,
	})
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcriber returned status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Words []models.WordToken `json:"words"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode transcription: %w", err)
	}
	return result.Words, nil
}
