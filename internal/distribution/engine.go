// Package distribution computes and applies the periodic pro-rata payout:
// revenue pulled from external feeds is split across every KAUS holder in
// proportion to their share of circulating supply. Holder credits are
// independent operations, not one multi-party transaction — a failure on
// one holder never rolls back the others.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/pkg/messaging"
	"github.com/kausnet/settlecore/pkg/metrics"
	"github.com/kausnet/settlecore/pkg/money"
)

// ErrRunInProgress is returned when a run is requested while another is
// still executing.
var ErrRunInProgress = errors.New("distribution run already in progress")

const etcdLockKey = "/settlecore/distribution/lock"

// SourceShare binds a revenue source to the percentage of its figure that
// enters the dividend pool; the remainder is retained.
type SourceShare struct {
	Source RevenueSource
	Share  decimal.Decimal // 0.40 means 40% distributed
}

// Config holds distribution tuning.
type Config struct {
	// ConversionRate is KRW per KAUS for converting revenue figures into
	// the unit of account.
	ConversionRate decimal.Decimal
	// MinTotalRevenue skips the run entirely below this pool size (KAUS).
	MinTotalRevenue decimal.Decimal
	// MinDividend drops holders whose computed dividend rounds below it.
	MinDividend decimal.Decimal
	// RunTimeout bounds a whole run; on expiry the summary still gets
	// written, reflecting partial completion.
	RunTimeout time.Duration
	// Parallelism bounds concurrent holder credits.
	Parallelism int64
}

// DefaultConfig returns production tuning: 40%/35% shares are configured
// per source by the caller; the pool threshold is 1 KAUS and dust below
// 0.0001 KAUS per holder is retained.
func DefaultConfig() Config {
	return Config{
		ConversionRate:  decimal.NewFromInt(1000),
		MinTotalRevenue: decimal.NewFromInt(1),
		MinDividend:     decimal.RequireFromString("0.0001"),
		RunTimeout:      5 * time.Minute,
		Parallelism:     8,
	}
}

// Engine is the proportional distribution engine. It is driven by an
// external scheduler through the API and never schedules itself.
type Engine struct {
	balances ledgerstore.BalanceStore
	dists    ledgerstore.DistributionStore
	ledger   *audit.Ledger
	msg      *messaging.Client
	metrics  *metrics.Recorder
	log      *zap.Logger
	cfg      Config
	sources  []SourceShare

	// etcd guards cross-instance exclusivity; runMu guards this process.
	etcd  *clientv3.Client
	runMu sync.Mutex
}

// HolderError records one holder's failed credit within a run.
type HolderError struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Result summarizes one distribution run.
type Result struct {
	DistributionID    string                     `json:"distribution_id"`
	Skipped           bool                       `json:"skipped"`
	SkipReason        string                     `json:"skip_reason,omitempty"`
	RevenueBySource   map[string]decimal.Decimal `json:"revenue_by_source"`
	TotalRevenue      decimal.Decimal            `json:"total_revenue"`
	TotalDistributed  decimal.Decimal            `json:"total_distributed"`
	UsersProcessed    int                        `json:"users_processed"`
	CirculatingSupply decimal.Decimal            `json:"circulating_supply"`
	Errors            []HolderError              `json:"errors,omitempty"`
	Duration          time.Duration              `json:"-"`
}

// NewEngine creates a distribution engine. msg, metrics and etcd may be
// nil; without etcd only the in-process guard prevents overlapping runs.
func NewEngine(balances ledgerstore.BalanceStore, dists ledgerstore.DistributionStore,
	ledger *audit.Ledger, msg *messaging.Client, rec *metrics.Recorder,
	etcd *clientv3.Client, log *zap.Logger, cfg Config, sources []SourceShare) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Engine{
		balances: balances,
		dists:    dists,
		ledger:   ledger,
		msg:      msg,
		metrics:  rec,
		etcd:     etcd,
		log:      log,
		cfg:      cfg,
		sources:  sources,
	}
}

// Run executes one distribution period.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	unlock, err := e.acquireClusterLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	started := time.Now()
	distributionID := uuid.New()
	result := &Result{
		DistributionID:  distributionID.String(),
		RevenueBySource: make(map[string]decimal.Decimal),
	}

	// Pull revenue figures. A failing feed contributes nothing this
	// period; the run proceeds on the remaining sources.
	total := decimal.Zero
	for _, ss := range e.sources {
		rev, err := ss.Source.Revenue(runCtx)
		if err != nil {
			e.log.Warn("revenue source unavailable",
				zap.String("source", ss.Source.Name()), zap.Error(err))
			result.Errors = append(result.Errors, HolderError{
				UserID: "source:" + ss.Source.Name(),
				Reason: err.Error(),
			})
			continue
		}
		pool := money.Round(rev.Div(e.cfg.ConversionRate).Mul(ss.Share), money.KAUS)
		result.RevenueBySource[ss.Source.Name()] = pool
		total = total.Add(pool)
	}
	result.TotalRevenue = money.Round(total, money.KAUS)

	if result.TotalRevenue.LessThan(e.cfg.MinTotalRevenue) {
		result.Skipped = true
		result.SkipReason = "total revenue below threshold"
		result.Duration = time.Since(started)
		e.log.Info("distribution skipped",
			zap.String("distribution_id", result.DistributionID),
			zap.String("reason", result.SkipReason),
			zap.String("total_revenue", result.TotalRevenue.String()))
		return result, nil
	}

	holders, err := e.balances.ListPositive(runCtx, money.KAUS)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}

	supply := decimal.Zero
	for _, h := range holders {
		supply = supply.Add(h.KAUS)
	}
	result.CirculatingSupply = money.Round(supply, money.KAUS)

	if result.CirculatingSupply.IsZero() {
		result.Skipped = true
		result.SkipReason = "circulating supply is zero"
		result.Duration = time.Since(started)
		return result, nil
	}

	e.creditHolders(runCtx, holders, result)

	result.Duration = time.Since(started)
	e.writeSummary(ctx, distributionID, started, result)
	return result, nil
}

// History returns the most recent distribution summaries.
func (e *Engine) History(ctx context.Context, limit int) ([]ledgerstore.DividendDistribution, error) {
	return e.dists.List(ctx, limit)
}

// creditHolders applies each holder's pro-rata dividend with bounded
// parallelism. Failures are isolated per holder.
func (e *Engine) creditHolders(ctx context.Context, holders []ledgerstore.Balance, result *Result) {
	sem := semaphore.NewWeighted(e.cfg.Parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, holder := range holders {
		dividend := money.Round(
			result.TotalRevenue.Mul(holder.KAUS).Div(result.CirculatingSupply),
			money.KAUS,
		)
		if dividend.LessThan(e.cfg.MinDividend) || dividend.LessThanOrEqual(decimal.Zero) {
			continue
		}

		// The run timeout stops scheduling further holders but never
		// abandons the summary.
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, HolderError{
				UserID: holder.UserID,
				Reason: "run timeout before processing",
			})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(userID string, dividend decimal.Decimal) {
			defer wg.Done()
			defer sem.Release(1)

			err := e.creditOne(ctx, userID, dividend, result.DistributionID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, HolderError{
					UserID: userID,
					Reason: err.Error(),
				})
				return
			}
			result.TotalDistributed = result.TotalDistributed.Add(dividend)
			result.UsersProcessed++
		}(holder.UserID, dividend)
	}

	wg.Wait()
	result.TotalDistributed = money.Round(result.TotalDistributed, money.KAUS)
}

// creditOne increases one holder's balance and lifetime-earned counter
// and appends the dividend audit entry. Retries once on a version
// conflict with a fresh read.
func (e *Engine) creditOne(ctx context.Context, userID string, dividend decimal.Decimal, distributionID string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		balance, err := e.balances.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}

		updated := *balance
		updated.KAUS = money.Round(balance.KAUS.Add(dividend), money.KAUS)
		updated.LifetimeEarned = money.Round(balance.LifetimeEarned.Add(dividend), money.KAUS)

		if err := e.balances.Upsert(ctx, &updated); err != nil {
			if err == ledgerstore.ErrVersionConflict {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to credit dividend: %w", err)
		}

		amount := dividend
		if _, err := e.ledger.Append(ctx, audit.Input{
			EventType: audit.EventDividendPaid,
			ActorID:   userID,
			Amount:    &amount,
			Currency:  money.KAUS,
			Details: map[string]interface{}{
				"distribution_id": distributionID,
			},
		}); err != nil {
			// The credit stands; the missing audit entry is escalated by
			// the ledger itself.
			e.log.Error("dividend credited but audit append failed",
				zap.String("user_id", userID), zap.Error(err))
		}

		_ = e.msg.Publish(ctx, messaging.SubjectDividendPaid, messaging.DividendEvent{
			DistributionID: distributionID,
			UserID:         userID,
			Amount:         dividend.String(),
			Timestamp:      time.Now(),
		})
		return nil
	}
	return fmt.Errorf("failed to credit dividend after retries: %w", lastErr)
}

// writeSummary persists the run record and the system-level audit entry.
// Runs on a detached context so an expired run timeout still leaves a
// summary reflecting partial completion.
func (e *Engine) writeSummary(parent context.Context, id uuid.UUID, started time.Time, result *Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	summary := &ledgerstore.DividendDistribution{
		ID:                id,
		Date:              started.UTC(),
		RevenueBySource:   result.RevenueBySource,
		TotalRevenue:      result.TotalRevenue,
		TotalDistributed:  result.TotalDistributed,
		UsersCount:        result.UsersProcessed,
		CirculatingSupply: result.CirculatingSupply,
		ErrorCount:        len(result.Errors),
		DurationMS:        result.Duration.Milliseconds(),
	}
	if err := e.dists.Insert(ctx, summary); err != nil {
		e.log.Error("failed to persist distribution summary",
			zap.String("distribution_id", id.String()), zap.Error(err))
	}

	amount := result.TotalDistributed
	if _, err := e.ledger.Append(ctx, audit.Input{
		EventType: audit.EventDividendRun,
		ActorID:   "system",
		Amount:    &amount,
		Currency:  money.KAUS,
		Details: map[string]interface{}{
			"distribution_id":    id.String(),
			"users_count":        result.UsersProcessed,
			"circulating_supply": result.CirculatingSupply.String(),
			"total_revenue":      result.TotalRevenue.String(),
			"error_count":        len(result.Errors),
			"duration_ms":        result.Duration.Milliseconds(),
		},
	}); err != nil {
		e.log.Error("failed to append distribution audit entry",
			zap.String("distribution_id", id.String()), zap.Error(err))
	}

	_ = e.msg.Publish(ctx, messaging.SubjectDistributionDone, messaging.DistributionEvent{
		DistributionID:   id.String(),
		TotalRevenue:     result.TotalRevenue.String(),
		TotalDistributed: result.TotalDistributed.String(),
		UsersProcessed:   result.UsersProcessed,
		ErrorCount:       len(result.Errors),
		Skipped:          result.Skipped,
		SkipReason:       result.SkipReason,
		Timestamp:        time.Now(),
	})

	distributed, _ := result.TotalDistributed.Float64()
	e.metrics.RecordDistribution(id.String(), result.UsersProcessed, len(result.Errors),
		distributed, result.Duration)

	e.log.Info("distribution run finished",
		zap.String("distribution_id", id.String()),
		zap.Int("users_processed", result.UsersProcessed),
		zap.String("total_distributed", result.TotalDistributed.String()),
		zap.Int("error_count", len(result.Errors)),
		zap.Duration("duration", result.Duration))
}

// acquireClusterLock takes the etcd mutex so only one instance runs a
// distribution per period. Without etcd it is a no-op; the in-process
// mutex still applies.
func (e *Engine) acquireClusterLock(ctx context.Context) (func(), error) {
	if e.etcd == nil {
		return func() {}, nil
	}

	session, err := concurrency.NewSession(e.etcd, concurrency.WithTTL(60))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, etcdLockKey)
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if err == concurrency.ErrLocked {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to acquire distribution lock: %w", err)
	}

	return func() {
		_ = mutex.Unlock(context.Background())
		_ = session.Close()
	}, nil
}
