// Package abs is the Audiobookshelf adapter: the audiobook source of truth.
// It reads playback progress over REST, pushes progress updates back, serves
// transcript snippets for translation, and (see listener.go) streams playback
// events for the trigger layer.
package abs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

const apiPath = "/api"

// SnippetSource serves transcript text around an audio timestamp. The
// transcription store implements it.
type SnippetSource interface {
	SnippetAt(bookID string, ts float64, chars int) (string, error)
}

// MediaProgress is one entry of the user's progress list.
type MediaProgress struct {
	LibraryItemID string  `json:"libraryItemId"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	Progress      float64 `json:"progress"`
	IsFinished    bool    `json:"isFinished"`
	LastUpdate    int64   `json:"lastUpdate"` // milliseconds since epoch
}

// Client talks to an Audiobookshelf server.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	snippets SnippetSource
	snippet  int
	logger   *logger.Logger
}

// NewClient creates an Audiobookshelf adapter. snippets may be nil when no
// transcripts exist yet; TextAt then reports no text.
func NewClient(baseURL, token string, snippets SnippetSource, snippetChars int) *Client {
	log := logger.Get().With(map[string]interface{}{"component": "abs_client"})
	return &Client{
		baseURL:  baseURL,
		token:    token,
		snippets: snippets,
		snippet:  snippetChars,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log,
	}
}

func (c *Client) Name() models.ClientName { return models.ClientABS }

func (c *Client) IsConfigured() bool { return c.baseURL != "" && c.token != "" }

func (c *Client) SupportedModes() []models.SyncMode {
	return []models.SyncMode{models.SyncModeAudiobook}
}

func (c *Client) CanLead() bool { return true }

// FetchBulk reads the whole mediaProgress list in one /api/me call so a
// cycle over N books costs one round trip.
func (c *Client) FetchBulk(ctx context.Context) (client.BulkState, error) {
	var me struct {
		MediaProgress []MediaProgress `json:"mediaProgress"`
	}
	if err := c.get(ctx, "/me", &me); err != nil {
		return nil, err
	}
	bulk := make(client.BulkState, len(me.MediaProgress))
	for _, p := range me.MediaProgress {
		bulk[p.LibraryItemID] = p
	}
	c.logger.Debug("Fetched bulk progress", map[string]interface{}{"count": len(bulk)})
	return bulk, nil
}

// FetchState reads playback progress for one book, preferring the bulk
// snapshot when present.
func (c *Client) FetchState(ctx context.Context, m *models.Mapping, _ *models.ClientState, bulk client.BulkState) (*models.ClientState, error) {
	var p MediaProgress
	if bulk != nil {
		raw, ok := bulk[m.BookID]
		if !ok {
			return nil, nil
		}
		p, ok = raw.(MediaProgress)
		if !ok {
			return nil, client.NewError(client.KindInvalidData, "abs.fetch_state", fmt.Errorf("unexpected bulk entry type %T", raw))
		}
	} else {
		if err := c.get(ctx, "/me/progress/"+m.BookID, &p); err != nil {
			if client.KindOf(err) == client.KindNotFound {
				return nil, nil
			}
			return nil, err
		}
	}

	if p.LastUpdate == 0 && p.CurrentTime == 0 {
		return nil, nil
	}
	return &models.ClientState{
		BookID: m.BookID,
		Client: models.ClientABS,
		Position: models.Position{Audio: &models.AudioPosition{
			Timestamp: p.CurrentTime,
			Duration:  p.Duration,
		}},
		LastUpdated: float64(p.LastUpdate) / 1000,
	}, nil
}

// Update writes a playback position. Transient failures retry with back-off.
func (c *Client) Update(ctx context.Context, m *models.Mapping, req *client.UpdateRequest) error {
	body := map[string]interface{}{
		"currentTime": req.Timestamp,
		"progress":    req.Percentage,
	}
	err := retry.Do(
		func() error {
			return c.patch(ctx, "/me/progress/"+m.BookID, body)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.RetryIf(func(err error) bool { return client.KindOf(err) == client.KindTransient }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}
	c.logger.Debug("Updated playback position", map[string]interface{}{
		"book_id": m.BookID,
		"seconds": req.Timestamp,
	})
	return nil
}

// TextAt returns a transcript slice around the state's timestamp.
func (c *Client) TextAt(_ context.Context, m *models.Mapping, st *models.ClientState) (string, error) {
	if c.snippets == nil || st.Position.Audio == nil {
		return "", nil
	}
	text, err := c.snippets.SnippetAt(m.BookID, st.Position.Audio.Timestamp, c.snippet)
	if err != nil {
		// A missing transcript only degrades translation quality.
		c.logger.Debug("No transcript snippet available", map[string]interface{}{
			"book_id": m.BookID,
		})
		return "", nil
	}
	return text, nil
}

// libraryItem is the subset of /api/items/{id} the bridge needs.
type libraryItem struct {
	Media struct {
		Metadata struct {
			Title      string `json:"title"`
			AuthorName string `json:"authorName"`
		} `json:"metadata"`
		AudioFiles []struct {
			Ino      string  `json:"ino"`
			Duration float64 `json:"duration"`
		} `json:"audioFiles"`
		Duration float64 `json:"duration"`
	} `json:"media"`
}

// ItemInfo is the metadata the bridge keeps about a library item.
type ItemInfo struct {
	Title    string
	Author   string
	Duration float64
}

// Item reads title, author and duration for a library item.
func (c *Client) Item(ctx context.Context, bookID string) (*ItemInfo, error) {
	var item libraryItem
	if err := c.get(ctx, "/items/"+bookID, &item); err != nil {
		return nil, err
	}
	return &ItemInfo{
		Title:    item.Media.Metadata.Title,
		Author:   item.Media.Metadata.AuthorName,
		Duration: item.Media.Duration,
	}, nil
}

// DownloadAudio streams every audio file of the item into destDir and
// returns the local files in play order. Used by the transcription manager.
func (c *Client) DownloadAudio(ctx context.Context, bookID, destDir string) ([]models.AudioFile, error) {
	var item libraryItem
	if err := c.get(ctx, "/items/"+bookID, &item); err != nil {
		return nil, err
	}
	if len(item.Media.AudioFiles) == 0 {
		return nil, client.NewError(client.KindNotFound, "abs.download", fmt.Errorf("item %s has no audio files", bookID))
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio cache dir: %w", err)
	}

	files := make([]models.AudioFile, 0, len(item.Media.AudioFiles))
	for i, af := range item.Media.AudioFiles {
		dest := fmt.Sprintf("%s/%s-%03d.audio", destDir, bookID, i)
		if _, err := os.Stat(dest); err != nil {
			if err := c.downloadFile(ctx, fmt.Sprintf("/items/%s/file/%s", bookID, af.Ino), dest); err != nil {
				return nil, err
			}
		}
		files = append(files, models.AudioFile{Path: dest, Duration: af.Duration})
	}
	c.logger.Info("Downloaded audio files", map[string]interface{}{
		"book_id": bookID,
		"files":   len(files),
	})
	return files, nil
}

func (c *Client) downloadFile(ctx context.Context, endpoint, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return client.NewError(client.KindTransient, "abs.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return client.NewError(client.StatusToKind(resp.StatusCode), "abs.download",
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) patch(ctx context.Context, endpoint string, body interface{}) error {
	return c.do(ctx, http.MethodPatch, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return client.NewError(client.KindTransient, "abs."+method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return client.NewError(client.KindTransient, "abs."+method, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Unexpected status from Audiobookshelf", map[string]interface{}{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
		})
		return client.NewError(client.StatusToKind(resp.StatusCode), "abs."+method,
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return client.NewError(client.KindInvalidData, "abs."+method,
				fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}
