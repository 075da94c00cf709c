// Package engine contains the sync cycle and the trigger layer that feeds
// it. A cycle fetches every adapter's state, elects a leader, translates the
// leader position into each follower's coordinates, and propagates it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/epub"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
	"github.com/bookbridge/bookbridge/internal/suppress"
	"github.com/bookbridge/bookbridge/internal/translate"
)

// maxFullFailures flips a mapping to failed_retry_later.
const maxFullFailures = 3

// Config carries the engine thresholds.
type Config struct {
	CycleTimeout  time.Duration
	ClientTimeout time.Duration

	// DeltaABSSeconds is the minimum playback movement for the audiobook
	// source to contribute.
	DeltaABSSeconds float64
	// DeltaKoSyncPercent and DeltaKoSyncWords both must be exceeded for a
	// KOReader position to contribute.
	DeltaKoSyncPercent float64
	DeltaKoSyncWords   int
	// DeltaDefaultPercent gates every other client.
	DeltaDefaultPercent float64
	// DeltaBetweenClients is the minimum divergence between the leader and
	// the cached follower positions for a cycle to propagate anything.
	DeltaBetweenClients float64
	// RegressionTolerance bounds how far a leader may sit behind the best
	// cached position before the cycle refuses to move everyone backward.
	RegressionTolerance float64
}

// Engine runs sync cycles.
type Engine struct {
	db         *store.Store
	suppress   suppress.Tracker
	translator *translate.Translator
	parser     *epub.Parser
	clients    []client.Client
	cfg        Config
	logger     *logger.Logger

	mu        sync.Mutex
	bookLocks map[string]*sync.Mutex
}

// New wires an Engine. The client order is the deterministic tie-break
// order, so pass models.AllClients-ordered adapters.
func New(db *store.Store, sup suppress.Tracker, tr *translate.Translator, parser *epub.Parser, clients []client.Client, cfg Config) *Engine {
	return &Engine{
		db:         db,
		suppress:   sup,
		translator: tr,
		parser:     parser,
		clients:    clients,
		cfg:        cfg,
		logger:     logger.Get().With(map[string]interface{}{"component": "sync_engine"}),
		bookLocks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-book mutex, creating it on first use. Cycles for
// the same book are serialized; different books run in parallel.
func (e *Engine) lockFor(bookID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.bookLocks[bookID]
	if !ok {
		l = &sync.Mutex{}
		e.bookLocks[bookID] = l
	}
	return l
}

// fetched is one client's contribution to a cycle.
type fetched struct {
	cl    client.Client
	state *models.ClientState
	pct   float64
}

// SyncCycle runs one cycle for a book. force bypasses the delta gates and
// the anti-regression guard.
func (e *Engine) SyncCycle(ctx context.Context, bookID string, force bool) error {
	return e.SyncCycleWith(ctx, bookID, force, nil)
}

// FetchBulkAll collects one bulk snapshot per configured client, for callers
// about to cycle many books at once.
func (e *Engine) FetchBulkAll(ctx context.Context) map[models.ClientName]client.BulkState {
	bulks := make(map[models.ClientName]client.BulkState)
	for _, cl := range e.clients {
		if !cl.IsConfigured() {
			continue
		}
		b, err := cl.FetchBulk(ctx)
		if err != nil {
			e.logger.Warn("Bulk fetch failed", map[string]interface{}{
				"client": string(cl.Name()),
				"error":  err,
			})
			continue
		}
		if b != nil {
			bulks[cl.Name()] = b
		}
	}
	return bulks
}

// SyncCycleWith is SyncCycle with pre-fetched bulk snapshots.
func (e *Engine) SyncCycleWith(ctx context.Context, bookID string, force bool, bulks map[models.ClientName]client.BulkState) error {
	m, err := e.db.LoadMapping(bookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if m.Status != models.StatusActive {
		return nil
	}

	lock := e.lockFor(bookID)
	lock.Lock()
	defer lock.Unlock()

	if e.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CycleTimeout)
		defer cancel()
	}

	log := e.logger.With(map[string]interface{}{
		"book_id": bookID,
		"cycle":   uuid.NewString()[:8],
	})

	prev, err := e.db.ReadStatesForBook(bookID)
	if err != nil {
		return e.cycleFailed(m, fmt.Errorf("failed to read cached states: %w", err))
	}

	states := e.fetchAll(ctx, m, prev, bulks, log)

	contributors := e.gateContributors(m, states, prev, force, log)
	if len(contributors) == 0 {
		log.Debug("No client exceeded its delta gate")
		return nil
	}

	leader := electLeader(contributors)
	if leader == nil {
		log.Debug("No leader-capable contributor")
		return nil
	}
	log.Info("Elected sync leader", map[string]interface{}{
		"leader":     string(leader.cl.Name()),
		"percentage": leader.pct,
	})

	if !force && !e.divergesFromFollowers(leader, prev) {
		log.Debug("Leader within inter-client delta of every follower")
		return nil
	}

	if !force && e.isRegression(leader, prev) {
		log.Warn("Refusing to propagate regressing position", map[string]interface{}{
			"leader":     string(leader.cl.Name()),
			"percentage": leader.pct,
		})
		return nil
	}

	updated, attempted, err := e.propagate(ctx, m, leader, states, force, log)
	if err != nil {
		return e.cycleFailed(m, err)
	}
	if attempted > 0 && updated == 0 {
		return e.cycleFailed(m, fmt.Errorf("every follower update failed"))
	}

	if m.FailureCount != 0 {
		_ = e.db.SetMappingStatus(m.BookID, m.Status, 0)
	}
	log.Info("Sync cycle complete", map[string]interface{}{
		"updated":   updated,
		"attempted": attempted,
	})
	return nil
}

// fetchAll queries every configured adapter in parallel. Echoes of our own
// recent writes are treated as absent.
func (e *Engine) fetchAll(ctx context.Context, m *models.Mapping, prev map[models.ClientName]models.ClientState, bulks map[models.ClientName]client.BulkState, log *logger.Logger) []fetched {
	var mu sync.Mutex
	var states []fetched

	g, gctx := errgroup.WithContext(ctx)
	for _, cl := range e.clients {
		cl := cl
		if !cl.IsConfigured() || !client.SupportsMode(cl, m.SyncMode) {
			continue
		}
		g.Go(func() error {
			cctx := gctx
			if e.cfg.ClientTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(gctx, e.cfg.ClientTimeout)
				defer cancel()
			}

			var prevState *models.ClientState
			if p, ok := prev[cl.Name()]; ok {
				prevState = &p
			}
			st, err := cl.FetchState(cctx, m, prevState, bulks[cl.Name()])
			if err != nil {
				// Per-client fetch errors never abort the cycle.
				log.Warn("Failed to fetch client state", map[string]interface{}{
					"client": string(cl.Name()),
					"kind":   client.KindOf(err).String(),
					"error":  err,
				})
				return nil
			}
			if st == nil {
				return nil
			}
			if e.suppress.IsOwnWrite(cl.Name(), m.BookID) {
				log.Debug("Suppressing echo of our own write", map[string]interface{}{
					"client": string(cl.Name()),
				})
				return nil
			}

			mu.Lock()
			states = append(states, fetched{cl: cl, state: st})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic order for election tie-breaks.
	ordered := make([]fetched, 0, len(states))
	for _, name := range models.AllClients {
		for _, f := range states {
			if f.cl.Name() == name {
				ordered = append(ordered, f)
			}
		}
	}
	return ordered
}

// gateContributors applies the per-client delta gates against the cached
// positions.
func (e *Engine) gateContributors(m *models.Mapping, states []fetched, prev map[models.ClientName]models.ClientState, force bool, log *logger.Logger) []fetched {
	var out []fetched
	for _, f := range states {
		pct, ok := f.state.NormalizedPct(m.Duration)
		if !ok {
			// Audio clients need a known duration to contribute.
			continue
		}
		f.pct = pct

		p, hasPrev := prev[f.cl.Name()]
		if force || !hasPrev {
			out = append(out, f)
			continue
		}
		if e.exceedsDelta(m, f, p) {
			out = append(out, f)
		} else {
			log.Debug("Client below its delta gate", map[string]interface{}{
				"client":     string(f.cl.Name()),
				"percentage": pct,
			})
		}
	}
	return out
}

func (e *Engine) exceedsDelta(m *models.Mapping, f fetched, p models.ClientState) bool {
	prevPct, _ := p.NormalizedPct(m.Duration)
	dPct := abs(f.pct - prevPct)

	switch f.cl.Name() {
	case models.ClientABS:
		if f.state.Position.Audio == nil {
			return dPct >= e.cfg.DeltaDefaultPercent
		}
		var prevTS float64
		if p.Position.Audio != nil {
			prevTS = p.Position.Audio.Timestamp
		}
		return abs(f.state.Position.Audio.Timestamp-prevTS) >= e.cfg.DeltaABSSeconds
	case models.ClientKoSync:
		if dPct >= e.cfg.DeltaKoSyncPercent && e.wordDelta(m, dPct) >= e.cfg.DeltaKoSyncWords {
			return true
		}
		return e.hybridDelta(m, dPct)
	default:
		return dPct >= e.cfg.DeltaDefaultPercent || e.hybridDelta(m, dPct)
	}
}

// hybridDelta admits a movement whose percentage is small but which spans
// enough listening time to matter on long books.
func (e *Engine) hybridDelta(m *models.Mapping, dPct float64) bool {
	return m.Duration > 0 && dPct*m.Duration >= e.cfg.DeltaABSSeconds
}

// wordDelta estimates how many words a percentage movement spans, using the
// parsed ebook's length. Unknown length gates on percentage alone.
func (e *Engine) wordDelta(m *models.Mapping, dPct float64) int {
	if m.EbookFilename == "" {
		return e.cfg.DeltaKoSyncWords
	}
	book, err := e.parser.Load(m.EbookFilename)
	if err != nil {
		return e.cfg.DeltaKoSyncWords
	}
	const avgWordLen = 6
	return int(dPct * float64(len(book.Text)) / avgWordLen)
}

// electLeader picks the contributor with the latest last_updated; ties go
// to the higher percentage, then to the fixed client order.
func electLeader(contributors []fetched) *fetched {
	var leader *fetched
	for i := range contributors {
		f := &contributors[i]
		if !f.cl.CanLead() {
			continue
		}
		switch {
		case leader == nil:
			leader = f
		case f.state.LastUpdated > leader.state.LastUpdated:
			leader = f
		case f.state.LastUpdated == leader.state.LastUpdated && f.pct > leader.pct:
			leader = f
		}
	}
	return leader
}

// divergesFromFollowers reports whether the leader moved far enough from at
// least one cached follower position to be worth propagating.
func (e *Engine) divergesFromFollowers(leader *fetched, prev map[models.ClientName]models.ClientState) bool {
	checked := false
	for name, p := range prev {
		if name == leader.cl.Name() {
			continue
		}
		pct, ok := p.NormalizedPct(0)
		if !ok {
			continue
		}
		checked = true
		if abs(leader.pct-pct) >= e.cfg.DeltaBetweenClients {
			return true
		}
	}
	// Nothing cached yet: first propagation always goes through.
	return !checked
}

// isRegression refuses a leader that would move every client backward,
// unless the same device produced the best cached position (re-reads are
// legitimate on the same device).
func (e *Engine) isRegression(leader *fetched, prev map[models.ClientName]models.ClientState) bool {
	maxPct := -1.0
	var maxDevice string
	for _, p := range prev {
		pct, ok := p.NormalizedPct(0)
		if !ok {
			continue
		}
		if pct > maxPct {
			maxPct = pct
			maxDevice = p.DeviceID
		}
	}
	if maxPct < 0 {
		return false
	}
	if leader.pct >= maxPct-e.cfg.RegressionTolerance {
		return false
	}
	return leader.state.DeviceID == "" || leader.state.DeviceID != maxDevice
}

// propagate translates the leader position for every follower and writes
// it, stamping the suppression tracker before each result becomes visible.
func (e *Engine) propagate(ctx context.Context, m *models.Mapping, leader *fetched, states []fetched, force bool, log *logger.Logger) (updated, attempted int, fatal error) {
	snippet, err := leader.cl.TextAt(ctx, m, leader.state)
	if err != nil {
		log.Debug("Leader has no text snippet", map[string]interface{}{"error": err})
		snippet = ""
	}

	now := float64(time.Now().Unix())
	newStates := []models.ClientState{refreshedLeaderState(m, leader)}

	for _, cl := range e.clients {
		if cl.Name() == leader.cl.Name() || !cl.IsConfigured() || !client.SupportsMode(cl, m.SyncMode) {
			continue
		}

		req, terr := e.translateFor(m, cl, leader, snippet)
		if terr != nil {
			if errors.Is(terr, translate.ErrNotFound) || errors.Is(terr, translate.ErrNoAlignment) {
				log.Warn("Skipping follower: position not translatable", map[string]interface{}{
					"follower": string(cl.Name()),
					"error":    terr,
				})
				continue
			}
			return updated, attempted, terr
		}
		req.Force = force

		attempted++
		uerr := e.updateOne(ctx, cl, m, req)
		if uerr != nil {
			// A client that gated the write by itself made no write; its
			// cached position must not move.
			if errors.Is(uerr, client.ErrSkipped) {
				attempted--
				continue
			}
			kind := client.KindOf(uerr)
			switch kind {
			case client.KindConflict:
				// Idempotent success.
			case client.KindNotConfigured:
				attempted--
				continue
			case client.KindFatal:
				return updated, attempted, uerr
			default:
				log.Warn("Follower update failed", map[string]interface{}{
					"follower": string(cl.Name()),
					"kind":     kind.String(),
					"error":    uerr,
				})
				continue
			}
		}

		// Stamp before the write becomes observable to later cycles.
		e.suppress.Record(cl.Name(), m.BookID)
		updated++

		newStates = append(newStates, followerState(m, cl.Name(), leader, req, now))
	}

	if err := e.db.WriteStates(newStates); err != nil {
		return updated, attempted, fmt.Errorf("failed to persist states: %w", err)
	}
	return updated, attempted, nil
}

func (e *Engine) updateOne(ctx context.Context, cl client.Client, m *models.Mapping, req *client.UpdateRequest) error {
	if e.cfg.ClientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ClientTimeout)
		defer cancel()
	}
	return cl.Update(ctx, m, req)
}

// translateFor builds the follower-native update request.
func (e *Engine) translateFor(m *models.Mapping, cl client.Client, leader *fetched, snippet string) (*client.UpdateRequest, error) {
	switch cl.Name() {
	case models.ClientABS:
		pos, err := e.translator.ToAudio(m, leader.state, snippet)
		if err != nil {
			return nil, err
		}
		pct := leader.pct
		if pos.Duration > 0 {
			pct = pos.Timestamp / pos.Duration
		}
		return &client.UpdateRequest{Timestamp: pos.Timestamp, Percentage: pct}, nil

	case models.ClientHardcover:
		req := &client.UpdateRequest{Percentage: leader.pct}
		// Hardcover tracks progress in listening seconds when they are
		// derivable; otherwise the percentage alone is sent.
		if m.SyncMode == models.SyncModeAudiobook && m.HasAlignment {
			if pos, err := e.translator.ToAudio(m, leader.state, snippet); err == nil {
				req.Timestamp = pos.Timestamp
			}
		} else if m.Duration > 0 {
			req.Timestamp = leader.pct * m.Duration
		}
		return req, nil

	default:
		loc, err := e.translator.ToText(m, leader.state, snippet)
		if err != nil {
			return nil, err
		}
		return &client.UpdateRequest{Locator: &loc, Percentage: loc.Percentage}, nil
	}
}

// refreshedLeaderState is the leader's own row, taken from what it reported.
func refreshedLeaderState(m *models.Mapping, leader *fetched) models.ClientState {
	st := *leader.state
	st.BookID = m.BookID
	st.Client = leader.cl.Name()
	return st
}

// followerState is the row persisted for a successfully updated follower.
func followerState(m *models.Mapping, name models.ClientName, leader *fetched, req *client.UpdateRequest, now float64) models.ClientState {
	st := models.ClientState{
		BookID:      m.BookID,
		Client:      name,
		LastUpdated: now,
	}
	if name == models.ClientABS {
		st.Position = models.Position{Audio: &models.AudioPosition{Timestamp: req.Timestamp, Duration: m.Duration}}
	} else {
		st.Position = models.Position{Text: &models.TextPosition{Percentage: req.Percentage, Locator: req.Locator}}
	}
	return st
}

// cycleFailed counts a full cycle failure and flips the mapping after three
// in a row.
func (e *Engine) cycleFailed(m *models.Mapping, cause error) error {
	count := m.FailureCount + 1
	status := m.Status
	if count >= maxFullFailures {
		status = models.StatusFailedRetryLater
		e.logger.Error("Mapping disabled after repeated cycle failures", map[string]interface{}{
			"book_id":  m.BookID,
			"failures": count,
			"error":    cause,
		})
	}
	if err := e.db.SetMappingStatus(m.BookID, status, count); err != nil {
		e.logger.Error("Failed to record cycle failure", map[string]interface{}{"error": err})
	}
	return cause
}

// ClearProgress purges every cached position for a book, removes the KoSync
// document so readers do not re-upload the stale position, and pushes a
// forced 0% to every configured client. Mapping status is left untouched.
func (e *Engine) ClearProgress(ctx context.Context, bookID string) error {
	m, err := e.db.LoadMapping(bookID)
	if err != nil {
		return err
	}

	lock := e.lockFor(bookID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := e.db.ResetState(bookID); err != nil {
		return err
	}
	e.suppress.Forget(bookID)

	for _, cl := range e.clients {
		if dc, ok := cl.(interface{ ClearDocument(string) error }); ok && m.KoSyncDocID != "" {
			if err := dc.ClearDocument(m.KoSyncDocID); err != nil {
				return err
			}
		}
	}

	req := &client.UpdateRequest{
		Locator:    &models.Locator{CharOffset: 0, Percentage: 0},
		Timestamp:  0,
		Percentage: 0,
		Force:      true,
	}
	for _, cl := range e.clients {
		if !cl.IsConfigured() || !client.SupportsMode(cl, m.SyncMode) {
			continue
		}
		if err := e.updateOne(ctx, cl, m, req); err != nil {
			kind := client.KindOf(err)
			if kind == client.KindConflict || kind == client.KindNotConfigured {
				continue
			}
			e.logger.Warn("Failed to zero progress on client", map[string]interface{}{
				"book_id": bookID,
				"client":  string(cl.Name()),
				"error":   err,
			})
			continue
		}
		e.suppress.Record(cl.Name(), bookID)
	}

	e.logger.Info("Cleared progress", map[string]interface{}{"book_id": bookID})
	return nil
}

// Forget drops the in-memory traces of a book after its mapping is
// deleted: suppression stamps and the cached locator state.
func (e *Engine) Forget(bookID string) {
	e.suppress.Forget(bookID)
	e.translator.Invalidate(bookID)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
