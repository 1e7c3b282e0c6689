/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Periodically checks that every wallet balance equals the sum of its
  transaction log, and recomputes the contribution status of open cases.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Discrepancies are logged and exported as a gauge by Ledger.Reconcile;
    nothing is corrected automatically

USAGE:
  scheduler := NewReconciliationScheduler(workflow, logger)
  scheduler.CheckInterval = cfg.Ledger.ReconcileInterval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - wallet/ledger.go: Reconcile
  - bf/workflow.go: RefreshContributionStatus
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twezimbe/bf-ledger/bf"
	"github.com/twezimbe/bf-ledger/wallet"
)

// ReconciliationScheduler runs ledger reconciliation on a ticker.
type ReconciliationScheduler struct {
	Workflow      *bf.Workflow
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunResult summarises one reconciliation pass.
type RunResult struct {
	Discrepancies []wallet.Discrepancy
	CasesUpdated  int
	Err           error
}

func NewReconciliationScheduler(workflow *bf.Workflow, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Workflow:      workflow,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run()

	rs.logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one pass immediately.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) RunResult {
	var res RunResult

	res.Discrepancies, res.Err = rs.Workflow.Ledger().Reconcile(ctx)
	if res.Err != nil {
		rs.logger.Error("ledger reconciliation failed", zap.Error(res.Err))
		return res
	}

	res.CasesUpdated, res.Err = rs.Workflow.RefreshContributionStatus(ctx)
	if res.Err != nil {
		rs.logger.Error("contribution status refresh failed", zap.Error(res.Err))
		return res
	}

	if len(res.Discrepancies) > 0 || res.CasesUpdated > 0 {
		rs.logger.Info("reconciliation completed",
			zap.Int("discrepancies", len(res.Discrepancies)),
			zap.Int("cases_updated", res.CasesUpdated))
	}
	return res
}
