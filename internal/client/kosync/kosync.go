package kosync

import (
	"context"
	"time"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
)

// Client is the engine-side adapter over the embedded KoSync server's
// documents. Reads and writes go straight to the shared store; there is no
// network hop.
type Client struct {
	store   *store.Store
	parser  *epub.Parser
	enabled bool
	snippet int
	logger  *logger.Logger
}

// NewClient creates the KoSync adapter. parser may be nil; TextAt then
// reports no text.
func NewClient(st *store.Store, parser *epub.Parser, enabled bool, snippetChars int) *Client {
	return &Client{
		store:   st,
		parser:  parser,
		enabled: enabled,
		snippet: snippetChars,
		logger:  logger.Get().With(map[string]interface{}{"component": "kosync_client"}),
	}
}

func (c *Client) Name() models.ClientName { return models.ClientKoSync }

func (c *Client) IsConfigured() bool { return c.enabled }

func (c *Client) SupportedModes() []models.SyncMode {
	return []models.SyncMode{models.SyncModeAudiobook, models.SyncModeEbookOnly}
}

func (c *Client) CanLead() bool { return true }

func (c *Client) FetchBulk(context.Context) (client.BulkState, error) { return nil, nil }

// FetchState reads the document row for the mapping's KoSync hash. Absent
// document or absent row both mean "no progress known".
func (c *Client) FetchState(_ context.Context, m *models.Mapping, _ *models.ClientState, _ client.BulkState) (*models.ClientState, error) {
	if m.KoSyncDocID == "" {
		return nil, nil
	}
	row, err := c.store.GetKoSyncDocument(m.KoSyncDocID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, client.NewError(client.KindFatal, "kosync.fetch_state", err)
	}
	return &models.ClientState{
		BookID: m.BookID,
		Client: models.ClientKoSync,
		Position: models.Position{Text: &models.TextPosition{
			Percentage: row.Percentage,
			Locator:    &models.Locator{XPath: row.Progress, Percentage: row.Percentage},
		}},
		LastUpdated: row.Timestamp,
		DeviceID:    row.DeviceID,
	}, nil
}

// Update writes the translated position as the bridge device. KOReader
// devices pick it up on their next pull.
func (c *Client) Update(_ context.Context, m *models.Mapping, req *client.UpdateRequest) error {
	if m.KoSyncDocID == "" {
		return client.NewError(client.KindNotConfigured, "kosync.update", nil)
	}
	row := &store.KoSyncDocumentRow{
		Document:   m.KoSyncDocID,
		Percentage: req.Percentage,
		Device:     BridgeDevice,
		DeviceID:   BridgeDevice,
		Timestamp:  float64(time.Now().Unix()),
	}
	if req.Locator != nil {
		row.Progress = req.Locator.XPath
	}
	if err := c.store.SaveKoSyncDocument(row); err != nil {
		return client.NewError(client.KindFatal, "kosync.update", err)
	}
	c.logger.Debug("Updated kosync document", map[string]interface{}{
		"document":   m.KoSyncDocID,
		"percentage": req.Percentage,
	})
	return nil
}

// TextAt snapshots the ebook text at the state's percentage. KOReader does
// not upload page text, so the canonical ebook stands in for it.
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

// ClearDocument removes the stored position for a document. Used by Clear
// Progress so readers do not re-upload a stale position as fresh progress.
func (c *Client) ClearDocument(docID string) error {
	if docID == "" {
		return nil
	}
	_, err := c.store.DeleteKoSyncDocument(docID)
	return err
}
