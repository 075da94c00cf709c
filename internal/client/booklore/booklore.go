// Package booklore adapts a BookLore server. BookLore tracks epub reading
// positions as a CFI plus a percentage.
package booklore

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

// bookProgress is the progress fragment of BookLore's book resource.
type bookProgress struct {
	EpubProgress struct {
		CFI        string  `json:"cfi"`
		Percentage float64 `json:"percentage"`
	} `json:"epubProgress"`
	// LastReadTime is milliseconds since epoch.
	LastReadTime int64 `json:"lastReadTime"`
}

// Client talks to a BookLore server.
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

// NewClient creates a BookLore adapter.
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
		logger: logger.Get().With(map[string]interface{}{"component": "booklore_client"}),
	}
}

func (c *Client) Name() models.ClientName { return models.ClientBooklore }

func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.username != "" && c.password != ""
}

func (c *Client) SupportedModes() []models.SyncMode {
	return []models.SyncMode{models.SyncModeAudiobook, models.SyncModeEbookOnly}
}

func (c *Client) CanLead() bool { return true }

func (c *Client) FetchBulk(context.Context) (client.BulkState, error) { return nil, nil }

// FetchState reads the book's progress. BookLore percentages are 0-100 on
// the wire and normalized to 0-1 here.
func (c *Client) FetchState(ctx context.Context, m *models.Mapping, _ *models.ClientState, _ client.BulkState) (*models.ClientState, error) {
	if m.BookloreID == "" {
		return nil, nil
	}
	var p bookProgress
	if err := c.do(ctx, http.MethodGet, "/api/v1/books/"+m.BookloreID, nil, &p); err != nil {
		if client.KindOf(err) == client.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if p.LastReadTime == 0 {
		return nil, nil
	}

	pct := p.EpubProgress.Percentage / 100
	return &models.ClientState{
		BookID: m.BookID,
		Client: models.ClientBooklore,
		Position: models.Position{Text: &models.TextPosition{
			Percentage: pct,
			Locator:    &models.Locator{CFI: p.EpubProgress.CFI, Percentage: pct},
		}},
		LastUpdated: float64(p.LastReadTime) / 1000,
	}, nil
}

// Update writes the translated position as CFI plus percentage.
func (c *Client) Update(ctx context.Context, m *models.Mapping, req *client.UpdateRequest) error {
	if m.BookloreID == "" {
		return client.NewError(client.KindNotConfigured, "booklore.update", nil)
	}
	body := map[string]interface{}{
		"percentage": req.Percentage * 100,
	}
	if req.Locator != nil && req.Locator.CFI != "" {
		body["cfi"] = req.Locator.CFI
	}

	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodPut, "/api/v1/books/"+m.BookloreID+"/progress", body, nil)
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
	c.logger.Debug("Updated booklore progress", map[string]interface{}{
		"book":       m.BookloreID,
		"percentage": req.Percentage,
	})
	return nil
}

// TextAt snapshots the canonical ebook at the state's percentage.
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

func (c *Client) login(ctx context.Context) (string, error) {
	creds, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(creds))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", client.NewError(client.KindTransient, "booklore.auth", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", client.NewError(client.StatusToKind(resp.StatusCode), "booklore.auth",
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var tok struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", client.NewError(client.KindInvalidData, "booklore.auth", err)
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
	tok, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// do performs one authenticated request, re-authenticating once on 401.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	err := c.doOnce(ctx, method, endpoint, body, out)
	if err != nil && client.KindOf(err) == client.KindUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		err = c.doOnce(ctx, method, endpoint, body, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body, out interface{}) error {
	tok, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return client.NewError(client.KindTransient, "booklore."+method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return client.NewError(client.KindTransient, "booklore."+method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return client.NewError(client.StatusToKind(resp.StatusCode), "booklore."+method,
			fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return client.NewError(client.KindInvalidData, "booklore."+method, err)
		}
	}
	return nil
}
