// Package storyteller adapts a Storyteller server. Storyteller keeps its own
// forced alignment between audio and text, so its positions carry both a
// progression fraction and fragment anchors.
package storyteller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

// position is Storyteller's wire shape for a reading position.
type position struct {
	UUID        string   `json:"uuid"`
	Fragments   []string `json:"fragments"`
	Progression float64  `json:"progression"`
	Timestamp   float64  `json:"timestamp,omitempty"`
}

// Client talks to a Storyteller server.
type Client struct {
	baseURL  string
	username string
	password string
	parser   *epub.Parser
	snippet  int
	client   *http.Client
	logger   *logger.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a Storyteller adapter.
func NewClient(baseURL, username, password string, parser *epub.Parser, snippetChars int) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		parser:   parser,
		snippet:  snippetChars,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Get().With(map[string]interface{}{"component": "storyteller_client"}),
	}
}

func (c *Client) Name() models.ClientName { return models.ClientStoryteller }

func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.username != "" && c.password != ""
}

func (c *Client) SupportedModes() []models.SyncMode {
	return []models.SyncMode{models.SyncModeAudiobook, models.SyncModeEbookOnly}
}

func (c *Client) CanLead() bool { return true }

func (c *Client) FetchBulk(context.Context) (client.BulkState, error) { return nil, nil }

// FetchState reads the current position for the mapping's Storyteller book.
func (c *Client) FetchState(ctx context.Context, m *models.Mapping, _ *models.ClientState, _ client.BulkState) (*models.ClientState, error) {
	if m.StorytellerUUID == "" {
		return nil, nil
	}
	var p position
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/books/%s/positions", m.StorytellerUUID), nil, &p)
	if err != nil {
		if client.KindOf(err) == client.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if status == http.StatusNoContent || (p.Progression == 0 && p.Timestamp == 0) {
		return nil, nil
	}

	loc := &models.Locator{Percentage: p.Progression}
	if len(p.Fragments) > 0 {
		loc.Fragment = p.Fragments[0]
	}
	return &models.ClientState{
		BookID: m.BookID,
		Client: models.ClientStoryteller,
		Position: models.Position{Text: &models.TextPosition{
			Percentage: p.Progression,
			Locator:    loc,
		}},
		LastUpdated: p.Timestamp,
	}, nil
}

// Update pushes the translated position. 204 and 409 both count as success:
// the server answers 409 when it already holds the same position.
func (c *Client) Update(ctx context.Context, m *models.Mapping, req *client.UpdateRequest) error {
	if m.StorytellerUUID == "" {
		return client.NewError(client.KindNotConfigured, "storyteller.update", nil)
	}
	body := position{
		UUID:        m.StorytellerUUID,
		Progression: req.Percentage,
	}
	if req.Locator != nil && req.Locator.Fragment != "" {
		body.Fragments = []string{req.Locator.Fragment}
	}

	err := retry.Do(
		func() error {
			_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v2/books/%s/positions", m.StorytellerUUID), body, nil)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.RetryIf(func(err error) bool { return client.KindOf(err) == client.KindTransient }),
		retry.LastErrorOnly(true),
	)
	if err != nil && client.KindOf(err) == client.KindConflict {
		return nil
	}
	return err
}

// TextAt snapshots the canonical ebook at the state's progression.
func (c *Client) TextAt(_ context.Context, m *models.Mapping, st *models.ClientState) (string, error) {
	if c.parser == nil || st.Position.Text == nil || m.EbookFilename == "" {
		return "", nil
	}
	book, err := c.parser.Load(m.EbookFilename)
	if err != nil {
		return "", nil
	}
	return book.TextAt(st.Position.Text.Percentage, c.snippet/2), nil
}

// authenticate exchanges credentials for a bearer token.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	creds, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token", bytes.NewReader(creds))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", client.NewError(client.KindTransient, "storyteller.auth", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", client.NewError(client.StatusToKind(resp.StatusCode), "storyteller.auth",
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", client.NewError(client.KindInvalidData, "storyteller.auth", err)
	}
	return tok.AccessToken, nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	tok, err := c.authenticate(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do performs one authenticated request, re-authenticating once on 401.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) (int, error) {
	status, err := c.doOnce(ctx, method, endpoint, body, out)
	if err != nil && client.KindOf(err) == client.KindUnauthorized {
		c.dropToken()
		status, err = c.doOnce(ctx, method, endpoint, body, out)
	}
	return status, err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body, out interface{}) (int, error) {
	tok, err := c.bearer(ctx)
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, client.NewError(client.KindTransient, "storyteller."+method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, client.NewError(client.KindTransient, "storyteller."+method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, client.NewError(client.StatusToKind(resp.StatusCode), "storyteller."+method,
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, client.NewError(client.KindInvalidData, "storyteller."+method, err)
		}
	}
	return resp.StatusCode, nil
}
