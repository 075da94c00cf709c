// Package hardcover adapts the Hardcover tracker. Hardcover is write-only
// for the engine: progress flows in, nothing is read back, and writes are
// delta-gated against the value we last sent.
package hardcover

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hasura/go-graphql-client"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
)

// DefaultBaseURL is the Hardcover GraphQL endpoint.
const DefaultBaseURL = "https://api.hardcover.app/v1/graphql"

// minDelta is the smallest progress change worth a write. Hardcover shows
// whole percents, so finer updates are noise.
const minDelta = 0.01

// PrevSent looks up the percentage last written for a book, typically from
// the persisted client-state rows. ok is false when nothing was ever sent.
type PrevSent func(bookID string) (float64, bool)

// headerTransport injects the bearer token into every GraphQL request.
type headerTransport struct {
	token string
	rt    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Client writes reading progress to Hardcover.
type Client struct {
	token    string
	gql      *graphql.Client
	prevSent PrevSent
	logger   *logger.Logger

	mu       sync.Mutex
	lastSent map[string]float64
}

// NewClient creates a Hardcover adapter. baseURL "" selects the public API.
// prevSent may be nil; the gate then only uses in-process history.
func NewClient(baseURL, token string, prevSent PrevSent) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &headerTransport{token: token, rt: http.DefaultTransport},
	}
	return &Client{
		token:    token,
		gql:      graphql.NewClient(baseURL, httpClient),
		prevSent: prevSent,
		logger:   logger.Get().With(map[string]interface{}{"component": "hardcover_client"}),
		lastSent: make(map[string]float64),
	}
}

func (c *Client) Name() models.ClientName { return models.ClientHardcover }

func (c *Client) IsConfigured() bool { return c.token != "" }

func (c *Client) SupportedModes() []models.SyncMode {
	return []models.SyncMode{models.SyncModeAudiobook, models.SyncModeEbookOnly}
}

// CanLead is false: a write-only tracker never reports state, so it can
// never be elected leader.
func (c *Client) CanLead() bool { return false }

// FetchState always reports absent. The engine treats Hardcover purely as a
// propagation target.
func (c *Client) FetchState(context.Context, *models.Mapping, *models.ClientState, client.BulkState) (*models.ClientState, error) {
	return nil, nil
}

func (c *Client) FetchBulk(context.Context) (client.BulkState, error) { return nil, nil }

func (c *Client) TextAt(context.Context, *models.Mapping, *models.ClientState) (string, error) {
	return "", nil
}

// Update writes progress unless the change since our last write is below
// the 1% gate. Force bypasses the gate.
func (c *Client) Update(ctx context.Context, m *models.Mapping, req *client.UpdateRequest) error {
	if m.HardcoverID == "" {
		return client.NewError(client.KindNotConfigured, "hardcover.update", nil)
	}
	if !req.Force && !c.exceedsGate(m.BookID, req.Percentage) {
		c.logger.Debug("Skipping hardcover write below delta gate", map[string]interface{}{
			"book_id":    m.BookID,
			"percentage": req.Percentage,
		})
		return client.ErrSkipped
	}

	bookID, err := strconv.ParseInt(m.HardcoverID, 10, 64)
	if err != nil {
		return client.NewError(client.KindInvalidData, "hardcover.update",
			fmt.Errorf("bad hardcover id %q: %w", m.HardcoverID, err))
	}

	userBookID, readID, err := c.lookupUserBook(ctx, bookID)
	if err != nil {
		return err
	}

	seconds := int64(req.Timestamp)
	if readID != 0 {
		err = c.updateRead(ctx, readID, seconds)
	} else {
		err = c.insertRead(ctx, userBookID, seconds)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSent[m.BookID] = req.Percentage
	c.mu.Unlock()
	c.logger.Debug("Updated hardcover progress", map[string]interface{}{
		"book_id": m.BookID,
		"seconds": seconds,
	})
	return nil
}

// exceedsGate compares against the in-process last write, falling back to
// the persisted write-time value across restarts.
func (c *Client) exceedsGate(bookID string, pct float64) bool {
	c.mu.Lock()
	last, ok := c.lastSent[bookID]
	c.mu.Unlock()
	if !ok && c.prevSent != nil {
		last, ok = c.prevSent(bookID)
	}
	if !ok {
		return true
	}
	delta := pct - last
	if delta < 0 {
		delta = -delta
	}
	return delta >= minDelta
}

// lookupUserBook resolves the user_book and its latest read entry for a
// Hardcover book id.
func (c *Client) lookupUserBook(ctx context.Context, bookID int64) (int64, int64, error) {
	var q struct {
		Me []struct {
			UserBooks []struct {
				ID            int64 `graphql:"id"`
				UserBookReads []struct {
					ID int64 `graphql:"id"`
				} `graphql:"user_book_reads(order_by: {id: desc}, limit: 1)"`
			} `graphql:"user_books(where: {book_id: {_eq: $bookId}})"`
		} `graphql:"me"`
	}
	vars := map[string]interface{}{
		"bookId": graphql.Int(bookID),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return 0, 0, client.NewError(client.KindTransient, "hardcover.lookup", err)
	}
	if len(q.Me) == 0 || len(q.Me[0].UserBooks) == 0 {
		return 0, 0, client.NewError(client.KindNotFound, "hardcover.lookup",
			fmt.Errorf("book %d is not on any shelf", bookID))
	}
	ub := q.Me[0].UserBooks[0]
	var readID int64
	if len(ub.UserBookReads) > 0 {
		readID = ub.UserBookReads[0].ID
	}
	return ub.ID, readID, nil
}

func (c *Client) updateRead(ctx context.Context, readID, seconds int64) error {
	var mut struct {
		UpdateUserBookRead struct {
			ID int64 `graphql:"id"`
		} `graphql:"update_user_book_read(id: $id, object: {progress_seconds: $seconds})"`
	}
	vars := map[string]interface{}{
		"id":      graphql.Int(readID),
		"seconds": graphql.Int(seconds),
	}
	if err := c.gql.Mutate(ctx, &mut, vars); err != nil {
		return client.NewError(client.KindTransient, "hardcover.update_read", err)
	}
	return nil
}

func (c *Client) insertRead(ctx context.Context, userBookID, seconds int64) error {
	var mut struct {
		InsertUserBookRead struct {
			ID int64 `graphql:"id"`
		} `graphql:"insert_user_book_read(user_book_id: $userBookId, user_book_read: {progress_seconds: $seconds})"`
	}
	vars := map[string]interface{}{
		"userBookId": graphql.Int(userBookID),
		"seconds":    graphql.Int(seconds),
	}
	if err := c.gql.Mutate(ctx, &mut, vars); err != nil {
		return client.NewError(client.KindTransient, "hardcover.insert_read", err)
	}
	return nil
}
