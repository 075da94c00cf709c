package engine

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookbridge/bookbridge/internal/alignment"
	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
	"github.com/bookbridge/bookbridge/internal/suppress"
	"github.com/bookbridge/bookbridge/internal/translate"
)

func writeEpub(t *testing.T, dir, name, body string) {
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
	write("mimetype", "application/epub+zip")
	write("META-INF/container.xml", `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`)
	write("content.opf", `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <manifest><item id="c" href="c.xhtml" media-type="application/xhtml+xml"/></manifest>
  <spine><itemref idref="c"/></spine>
</package>`)
	write("c.xhtml", `<html><head></head><body>`+body+`</body></html>`)
	require.NoError(t, zw.Close())
}

// fakeClient is a scriptable adapter for engine tests.
type fakeClient struct {
	mu sync.Mutex

	name       models.ClientName
	configured bool
	canLead    bool
	state      *models.ClientState
	fetchErr   error
	updateErr  error
	snippet    string

	fetches int
	updates []client.UpdateRequest
}

func (f *fakeClient) Name() models.ClientName { return f.name }
func (f *fakeClient) IsConfigured() bool      { return f.configured }
func (f *fakeClient) CanLead() bool           { return f.canLead }

func (f *fakeClient) SupportedModes() []models.SyncMode {
	return []models.SyncMode{models.SyncModeAudiobook, models.SyncModeEbookOnly}
}

func (f *fakeClient) FetchState(ctx context.Context, m *models.Mapping, prev *models.ClientState, bulk client.BulkState) (*models.ClientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.state == nil {
		return nil, nil
	}
	st := *f.state
	st.BookID = m.BookID
	st.Client = f.name
	return &st, nil
}

func (f *fakeClient) FetchBulk(ctx context.Context) (client.BulkState, error) { return nil, nil }

func (f *fakeClient) Update(ctx context.Context, m *models.Mapping, req *client.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, *req)
	return nil
}

func (f *fakeClient) TextAt(ctx context.Context, m *models.Mapping, st *models.ClientState) (string, error) {
	return f.snippet, nil
}

func (f *fakeClient) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeClient) lastUpdate() client.UpdateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

// concurrencyGauge records the peak number of simultaneous callers.
type concurrencyGauge struct {
	mu       sync.Mutex
	inFlight int
	max      int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.max {
		g.max = g.inFlight
	}
	g.mu.Unlock()
}

func (g *concurrencyGauge) exit() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
}

func (g *concurrencyGauge) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

// trackingClient widens the window in which overlapping cycles would be
// visible by sleeping inside the fetch.
type trackingClient struct {
	*fakeClient
	gauge *concurrencyGauge
}

func (c *trackingClient) FetchState(ctx context.Context, m *models.Mapping, prev *models.ClientState, bulk client.BulkState) (*models.ClientState, error) {
	c.gauge.enter()
	defer c.gauge.exit()
	time.Sleep(5 * time.Millisecond)
	return c.fakeClient.FetchState(ctx, m, prev, bulk)
}

func audioAt(ts, lastUpdated float64) *models.ClientState {
	return &models.ClientState{
		Position:    models.Position{Audio: &models.AudioPosition{Timestamp: ts}},
		LastUpdated: lastUpdated,
	}
}

func textAt(pct, lastUpdated float64) *models.ClientState {
	return &models.ClientState{
		Position:    models.Position{Text: &models.TextPosition{Percentage: pct}},
		LastUpdated: lastUpdated,
	}
}

type engineFixture struct {
	engine *Engine
	db     *store.Store
	sup    suppress.Tracker
	abs    *fakeClient
	kosync *fakeClient
}

// newFixture builds an engine over a real store with an aligned one-chapter
// book and two scriptable clients (one audio leader, one text follower).
func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger.ResetForTesting()

	booksDir := t.TempDir()
	dataDir := t.TempDir()

	words := make([]string, 500)
	for i := range words {
		words[i] = "w" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+i%5))
	}
	writeEpub(t, booksDir, "book.epub", "<p>"+strings.Join(words, " ")+"</p>")

	parser := epub.NewParser(booksDir, "", 0, nil)
	book, err := parser.Load("book.epub")
	require.NoError(t, err)
	textLen := len(book.Text)

	am := &alignment.Map{
		BookID:     "b1",
		Duration:   1000,
		TextLength: textLen,
		Anchors: []alignment.Anchor{
			{Time: 100, Offset: textLen / 10},
			{Time: 500, Offset: textLen / 2},
			{Time: 900, Offset: textLen * 9 / 10},
		},
	}
	require.NoError(t, am.Save(dataDir))

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.SaveMapping(&models.Mapping{
		BookID:        "b1",
		Title:         "Test Book",
		EbookFilename: "book.epub",
		KoSyncDocID:   "doc-hash",
		SyncMode:      models.SyncModeAudiobook,
		Status:        models.StatusActive,
		Duration:      1000,
		HasAlignment:  true,
	}))

	absClient := &fakeClient{name: models.ClientABS, configured: true, canLead: true}
	koClient := &fakeClient{name: models.ClientKoSync, configured: true, canLead: true}

	sup := suppress.New(time.Minute)
	tr := translate.New(parser, dataDir, epub.DefaultLocatorOptions, nil)

	eng := New(db, sup, tr, parser, []client.Client{absClient, koClient}, Config{
		DeltaABSSeconds:     30,
		DeltaKoSyncPercent:  0.005,
		DeltaKoSyncWords:    50,
		DeltaDefaultPercent: 0.005,
		DeltaBetweenClients: 0.005,
		RegressionTolerance: 0.01,
	})
	return &engineFixture{engine: eng, db: db, sup: sup, abs: absClient, kosync: koClient}
}

func TestSyncCycle_PropagatesLeaderToFollower(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientKoSync,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.2}},
		LastUpdated: 1000,
	}))

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))

	require.Equal(t, 1, fx.kosync.updateCount())
	req := fx.kosync.lastUpdate()
	require.NotNil(t, req.Locator)
	assert.InDelta(t, 0.5, req.Percentage, 0.02, "midpoint audio lands mid-text")

	assert.True(t, fx.sup.IsOwnWrite(models.ClientKoSync, "b1"), "outgoing write is stamped")
	assert.False(t, fx.sup.IsOwnWrite(models.ClientABS, "b1"), "leader is not stamped")

	states, err := fx.db.ReadStatesForBook("b1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, states[models.ClientKoSync].Position.Text.Percentage, 0.02)
	assert.Equal(t, 500.0, states[models.ClientABS].Position.Audio.Timestamp)
}

func TestSyncCycle_LatestTimestampLeads(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(300, 1000)
	fx.kosync.state = textAt(0.8, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))

	require.Equal(t, 1, fx.abs.updateCount(), "text client led, audio client followed")
	assert.Zero(t, fx.kosync.updateCount())
	assert.InDelta(t, 800, fx.abs.lastUpdate().Timestamp, 20, "80% maps late into the audio")
}

func TestSyncCycle_EqualTimestampsHigherPercentageLeads(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(300, 2000)
	fx.kosync.state = textAt(0.8, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))

	require.Equal(t, 1, fx.abs.updateCount(), "on a timestamp tie the further position wins")
	assert.Zero(t, fx.kosync.updateCount())
	assert.InDelta(t, 800, fx.abs.lastUpdate().Timestamp, 20)
}

func TestSyncCycle_FullTieFallsBackToClientOrder(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	fx.kosync.state = textAt(0.5, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))

	require.Equal(t, 1, fx.kosync.updateCount(), "identical positions tie-break to the audio source")
	assert.Zero(t, fx.abs.updateCount())
}

func TestSyncCycle_DeltaGateBlocksSmallMovement(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientABS,
		Position:    models.Position{Audio: &models.AudioPosition{Timestamp: 500, Duration: 1000}},
		LastUpdated: 1000,
	}))
	fx.abs.state = audioAt(510, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Zero(t, fx.kosync.updateCount(), "10s of playback is below the gate")

	fx.abs.state = audioAt(560, 3000)
	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Equal(t, 1, fx.kosync.updateCount(), "60s of playback passes the gate")
}

func TestSyncCycle_ForceBypassesGates(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientABS,
		Position:    models.Position{Audio: &models.AudioPosition{Timestamp: 500, Duration: 1000}},
		LastUpdated: 1000,
	}))
	fx.abs.state = audioAt(510, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", true))
	require.Equal(t, 1, fx.kosync.updateCount())
	assert.True(t, fx.kosync.lastUpdate().Force)
}

func TestSyncCycle_SuppressesOwnEcho(t *testing.T) {
	fx := newFixture(t)
	fx.kosync.state = textAt(0.6, 2000)
	fx.sup.Record(models.ClientKoSync, "b1")

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Zero(t, fx.abs.updateCount(), "an echoed write must not bounce back")
}

func TestSyncCycle_RefusesRegression(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientKoSync,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.8}},
		LastUpdated: 1000,
		DeviceID:    "kobo",
	}))
	st := audioAt(200, 2000)
	st.DeviceID = "phone"
	fx.abs.state = st

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Zero(t, fx.kosync.updateCount(), "a behind leader from another device is rejected")
}

func TestSyncCycle_RefusesRegressionOverCachedAudio(t *testing.T) {
	fx := newFixture(t)
	// The cached audio position round-trips through the store, so its
	// duration must survive persistence for the guard to see 90%.
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientABS,
		Position:    models.Position{Audio: &models.AudioPosition{Timestamp: 900, Duration: 1000}},
		LastUpdated: 1000,
		DeviceID:    "phone",
	}))
	st := textAt(0.1, 2000)
	st.DeviceID = "kobo"
	fx.kosync.state = st

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Zero(t, fx.abs.updateCount(), "a 10% leader must not overwrite a cached 90% audio position")
}

func TestSyncCycle_SameDeviceMayRegress(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientKoSync,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.8}},
		LastUpdated: 1000,
		DeviceID:    "kobo",
	}))
	st := textAt(0.3, 2000)
	st.DeviceID = "kobo"
	fx.kosync.state = st

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Equal(t, 1, fx.abs.updateCount(), "re-reading on the same device moves everyone back")
}

func TestSyncCycle_ForceOverridesRegression(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientKoSync,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.8}},
		LastUpdated: 1000,
		DeviceID:    "kobo",
	}))
	st := audioAt(200, 2000)
	st.DeviceID = "phone"
	fx.abs.state = st

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", true))
	assert.Equal(t, 1, fx.kosync.updateCount())
}

func TestSyncCycle_SkipsWhenClientsAgree(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientABS,
		Position:    models.Position{Audio: &models.AudioPosition{Timestamp: 400, Duration: 1000}},
		LastUpdated: 1000,
	}))
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientKoSync,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.5}},
		LastUpdated: 1000,
	}))
	fx.abs.state = audioAt(500, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Zero(t, fx.kosync.updateCount(), "followers already sit where the leader is")
}

func TestSyncCycle_ConflictCountsAsSuccess(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	fx.kosync.updateErr = client.NewError(client.KindConflict, "update", nil)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))

	assert.True(t, fx.sup.IsOwnWrite(models.ClientKoSync, "b1"))
	m, err := fx.db.LoadMapping("b1")
	require.NoError(t, err)
	assert.Zero(t, m.FailureCount)
}

func TestSyncCycle_ClientGatedSkipIsNotRecorded(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	fx.kosync.updateErr = client.ErrSkipped

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))

	// The follower declined the write itself, so nothing was sent: no
	// suppression stamp, no cached position, no failure count.
	assert.False(t, fx.sup.IsOwnWrite(models.ClientKoSync, "b1"))
	states, err := fx.db.ReadStatesForBook("b1")
	require.NoError(t, err)
	_, ok := states[models.ClientKoSync]
	assert.False(t, ok, "a skipped write must not seed the cached position")

	m, err := fx.db.LoadMapping("b1")
	require.NoError(t, err)
	assert.Zero(t, m.FailureCount)
}

func TestSyncCycle_RepeatedFailuresFlipMapping(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	fx.kosync.updateErr = client.NewError(client.KindTransient, "update", nil)

	for i := 0; i < maxFullFailures; i++ {
		require.Error(t, fx.engine.SyncCycle(context.Background(), "b1", true))
	}

	m, err := fx.db.LoadMapping("b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryLater, m.Status)
	assert.Equal(t, maxFullFailures, m.FailureCount)

	// A flipped mapping no longer cycles.
	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", true))
}

func TestSyncCycle_SuccessResetsFailureCount(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	fx.kosync.updateErr = client.NewError(client.KindTransient, "update", nil)

	require.Error(t, fx.engine.SyncCycle(context.Background(), "b1", true))

	fx.kosync.updateErr = nil
	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", true))

	m, err := fx.db.LoadMapping("b1")
	require.NoError(t, err)
	assert.Zero(t, m.FailureCount)
}

func TestSyncCycle_FetchErrorDoesNotAbort(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	fx.kosync.fetchErr = client.NewError(client.KindTransient, "fetch", nil)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Equal(t, 1, fx.kosync.updateCount(), "a client that failed to report still gets the update")
}

func TestSyncCycle_InactiveMappingIsSkipped(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.SetMappingStatus("b1", models.StatusDisabled, 0))
	fx.abs.state = audioAt(500, 2000)

	require.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", false))
	assert.Zero(t, fx.abs.fetches)
}

func TestSyncCycle_SerializesPerBook(t *testing.T) {
	fx := newFixture(t)
	fx.abs.state = audioAt(500, 2000)
	gauge := &concurrencyGauge{}
	fx.engine.clients[0] = &trackingClient{fakeClient: fx.abs, gauge: gauge}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, fx.engine.SyncCycle(context.Background(), "b1", true))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, gauge.peak(), "cycles for the same book never overlap")
	assert.Equal(t, 8, fx.kosync.updateCount())
}

func TestClearProgress(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.db.WriteState(&models.ClientState{
		BookID: "b1", Client: models.ClientKoSync,
		Position:    models.Position{Text: &models.TextPosition{Percentage: 0.5}},
		LastUpdated: 1000,
	}))
	fx.sup.Record(models.ClientABS, "b1")

	require.NoError(t, fx.engine.ClearProgress(context.Background(), "b1"))

	states, err := fx.db.ReadStatesForBook("b1")
	require.NoError(t, err)
	assert.Empty(t, states)

	// Every configured client is pushed a forced zero.
	require.Equal(t, 1, fx.abs.updateCount())
	require.Equal(t, 1, fx.kosync.updateCount())
	req := fx.kosync.lastUpdate()
	assert.Zero(t, req.Percentage)
	assert.True(t, req.Force)
	assert.True(t, fx.sup.IsOwnWrite(models.ClientKoSync, "b1"), "zero writes are stamped so they do not echo")
}

func TestClearProgress_UnknownBook(t *testing.T) {
	fx := newFixture(t)
	assert.ErrorIs(t, fx.engine.ClearProgress(context.Background(), "nope"), store.ErrNotFound)
}
