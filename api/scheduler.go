/*
scheduler.go - Periodic consistency audit

PURPOSE:
  Periodically sweeps expired idempotency tokens and audits every subject:
  stored counters are recomputed from active reactions and from the
  history, and any disagreement is logged.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Audits subjects one by one; a failing subject does not stop the run
  - Keeps the summary of the last run for GET /api/audit/last

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(store, window, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - reaction/audit.go: The checks themselves
  - handlers.go: GetAudit endpoint (one subject, on demand)
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/algosocial/reaction-ledger/reaction"
)

// AuditRun summarizes one pass over all subjects.
type AuditRun struct {
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Subjects       int       `json:"subjects"`
	Inconsistent   []string  `json:"inconsistent"`
	Failed         []string  `json:"failed"`
	TokensExpired  int       `json:"tokens_expired"`
	TokensRetained int       `json:"tokens_retained"`
}

// AuditScheduler runs the consistency audit on a timer.
type AuditScheduler struct {
	Store         reaction.Store
	Window        *reaction.Window
	CheckInterval time.Duration
	Enabled       bool

	log *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.RWMutex
	lastRun *AuditRun
}

// NewAuditScheduler creates a new scheduler. window may be nil.
func NewAuditScheduler(store reaction.Store, window *reaction.Window, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Store:         store,
		Window:        window,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           logger.Named("scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.log.Info("disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.wg.Add(1)
	go as.run()

	as.log.Info("started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.log.Info("stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	as.RunNow(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow sweeps the window and audits every subject immediately.
func (as *AuditScheduler) RunNow(ctx context.Context) AuditRun {
	run := AuditRun{StartedAt: time.Now().UTC(), Inconsistent: []string{}, Failed: []string{}}

	if as.Window != nil {
		run.TokensExpired = as.Window.Sweep()
		run.TokensRetained = as.Window.Len()
	}

	subjects, err := as.Store.ListSubjects(ctx)
	if err != nil {
		as.log.Error("listing subjects failed", zap.Error(err))
		run.CompletedAt = time.Now().UTC()
		as.setLast(run)
		return run
	}

	for _, s := range subjects {
		if ctx.Err() != nil {
			break
		}
		report, err := reaction.Audit(ctx, as.Store, s.ID)
		if err != nil {
			as.log.Error("audit failed", zap.String("subject_id", string(s.ID)), zap.Error(err))
			run.Failed = append(run.Failed, string(s.ID))
			continue
		}
		run.Subjects++
		if !report.Consistent() {
			as.log.Warn("subject inconsistent",
				zap.String("subject_id", string(s.ID)),
				zap.Int64("stored_up", report.Stored.Upvotes),
				zap.Int64("stored_down", report.Stored.Downvotes),
				zap.Strings("problems", report.Problems))
			run.Inconsistent = append(run.Inconsistent, string(s.ID))
		}
	}

	run.CompletedAt = time.Now().UTC()
	as.setLast(run)
	as.log.Info("audit completed",
		zap.Int("subjects", run.Subjects),
		zap.Int("inconsistent", len(run.Inconsistent)),
		zap.Int("failed", len(run.Failed)),
		zap.Int("tokens_expired", run.TokensExpired),
		zap.Duration("took", run.CompletedAt.Sub(run.StartedAt)))
	return run
}

// LastRun returns the most recent summary, or nil before the first run.
func (as *AuditScheduler) LastRun() *AuditRun {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.lastRun == nil {
		return nil
	}
	run := *as.lastRun
	return &run
}

func (as *AuditScheduler) setLast(run AuditRun) {
	as.lastMu.Lock()
	defer as.lastMu.Unlock()
	as.lastRun = &run
}

// GetNextRunTime returns when the next scheduled check will occur.
func (as *AuditScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(as.CheckInterval)
}

// =============================================================================
// HANDLERS
// =============================================================================

// GetLastAudit returns the last scheduled run, or null.
func (h *Handler) GetLastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.LastRun())
}

// TriggerAudit runs a full audit synchronously.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.RunNow(r.Context()))
}
