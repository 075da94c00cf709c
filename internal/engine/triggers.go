package engine

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/bookbridge/bookbridge/internal/client"
	"github.com/bookbridge/bookbridge/internal/logger"
	"github.com/bookbridge/bookbridge/internal/models"
	"github.com/bookbridge/bookbridge/internal/store"
	"github.com/bookbridge/bookbridge/internal/suppress"
)

// SchedulerConfig carries the trigger-layer knobs.
type SchedulerConfig struct {
	// Period is the global tick interval covering clients without events.
	Period time.Duration
	// Debounce delays event-triggered cycles so bursts collapse into one.
	Debounce time.Duration
	// Workers bounds concurrent cycles; 0 means runtime.NumCPU().
	Workers int
}

// Poller is a dedicated per-client poll loop for services whose positions
// move without emitting events.
type Poller struct {
	Client   client.Client
	Interval time.Duration
}

type task struct {
	bookID string
	force  bool
	// bulks carries a sweep's shared snapshot; nil for event-driven tasks.
	bulks map[models.ClientName]client.BulkState
}

// Scheduler turns events, timers and manual requests into sync cycles. The
// same book is never queued twice; a second trigger while queued coalesces
// into the pending cycle.
type Scheduler struct {
	engine   *Engine
	db       *store.Store
	suppress suppress.Tracker
	cfg      SchedulerConfig
	pollers  []Poller
	suggest  *Suggester
	logger   *logger.Logger

	mu      sync.Mutex
	queued  map[string]bool
	timers  map[string]*time.Timer
	tasks   chan task
	stopped bool
}

// NewScheduler wires a Scheduler. suggest may be nil when suggestions are
// disabled.
func NewScheduler(eng *Engine, db *store.Store, sup suppress.Tracker, cfg SchedulerConfig, pollers []Poller, suggest *Suggester) *Scheduler {
	return &Scheduler{
		engine:   eng,
		db:       db,
		suppress: sup,
		cfg:      cfg,
		pollers:  pollers,
		suggest:  suggest,
		logger:   logger.Get().With(map[string]interface{}{"component": "scheduler"}),
		queued:   make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		tasks:    make(chan task, 256),
	}
}

// Run starts the worker pool, the global tick and the per-client pollers,
// and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	if s.cfg.Period > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.globalTick(ctx)
		}()
	}
	for _, p := range s.pollers {
		if p.Interval <= 0 || !p.Client.IsConfigured() {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.poll(ctx, p)
		}()
	}

	<-ctx.Done()

	s.mu.Lock()
	s.stopped = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()

	wg.Wait()
}

// Schedule requests a debounced cycle for a book. Repeated calls within the
// debounce window reset the timer, so a burst of events runs once, shortly
// after the last event.
func (s *Scheduler) Schedule(bookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[bookID]; ok {
		t.Reset(s.cfg.Debounce)
		return
	}
	s.timers[bookID] = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		delete(s.timers, bookID)
		s.mu.Unlock()
		s.enqueue(bookID, false, nil)
	})
}

// ScheduleNow queues a cycle immediately, bypassing the debounce window.
func (s *Scheduler) ScheduleNow(bookID string, force bool) {
	s.enqueue(bookID, force, nil)
}

func (s *Scheduler) enqueue(bookID string, force bool, bulks map[models.ClientName]client.BulkState) {
	s.mu.Lock()
	if s.stopped || s.queued[bookID] {
		s.mu.Unlock()
		return
	}
	s.queued[bookID] = true
	s.mu.Unlock()

	select {
	case s.tasks <- task{bookID: bookID, force: force, bulks: bulks}:
	default:
		s.mu.Lock()
		delete(s.queued, bookID)
		s.mu.Unlock()
		s.logger.Warn("Sync queue full, dropping trigger", map[string]interface{}{
			"book_id": bookID,
		})
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.mu.Lock()
			delete(s.queued, t.bookID)
			s.mu.Unlock()

			if err := s.engine.SyncCycleWith(ctx, t.bookID, t.force, t.bulks); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Sync cycle failed", map[string]interface{}{
					"book_id": t.bookID,
					"error":   err,
				})
			}
		}
	}
}

// globalTick queues every active mapping on a fixed period, with one bulk
// snapshot per client shared across the whole sweep. Sweep tasks go through
// the same coalescing queue as event-triggered ones.
func (s *Scheduler) globalTick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	mappings, err := s.db.ListActiveMappings()
	if err != nil {
		s.logger.Error("Failed to list mappings for sweep", map[string]interface{}{"error": err})
		return
	}
	if len(mappings) == 0 {
		return
	}

	bulks := s.engine.FetchBulkAll(ctx)
	for _, m := range mappings {
		if ctx.Err() != nil {
			return
		}
		s.enqueue(m.BookID, false, bulks)
	}
}

// poll watches one client for position movement and schedules cycles for
// books whose position drifted from the cached one.
func (s *Scheduler) poll(ctx context.Context, p Poller) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, p)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, p Poller) {
	mappings, err := s.db.ListActiveMappings()
	if err != nil {
		return
	}
	for _, m := range mappings {
		m := m
		st, err := p.Client.FetchState(ctx, &m, nil, nil)
		if err != nil || st == nil {
			continue
		}
		if s.suppress.IsOwnWrite(p.Client.Name(), m.BookID) {
			continue
		}
		prev, err := s.db.ReadState(m.BookID, p.Client.Name())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			continue
		}
		if prev != nil {
			newPct, okNew := st.NormalizedPct(m.Duration)
			oldPct, okOld := prev.NormalizedPct(m.Duration)
			if okNew && okOld && newPct == oldPct {
				continue
			}
		}
		s.Schedule(m.BookID)
	}
}

// HandleProgressEvent reacts to a push event from a client: echoes of our
// own writes are dropped, mapped books get a debounced cycle, and unmapped
// books inside the active-reading band feed the suggestion flow.
func (s *Scheduler) HandleProgressEvent(ctx context.Context, cl models.ClientName, bookID string, pct float64) {
	if s.suppress.IsOwnWrite(cl, bookID) {
		return
	}

	m, err := s.db.LoadMapping(bookID)
	switch {
	case err == nil:
		if m.Status == models.StatusActive {
			s.Schedule(bookID)
		}
	case errors.Is(err, store.ErrNotFound):
		if s.suggest != nil && pct > 0.01 && pct < 0.70 {
			s.suggest.Consider(ctx, cl, bookID)
		}
	default:
		s.logger.Error("Failed to look up mapping for event", map[string]interface{}{
			"book_id": bookID,
			"error":   err,
		})
	}
}
