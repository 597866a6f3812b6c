package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/lifecycle"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

// Sweeper forces lazy transitions across many records: active vouchers past
// their expiry or data cap, and open coin sessions past their window. Every pass
// is idempotent and safe to run from several instances at once.
type Sweeper struct {
	plans     PlanStore
	vouchers  VoucherStore
	sessions  CoinSessionStore
	evaluator *lifecycle.Evaluator
	audit     auditor
	now       Clock

	interval  time.Duration
	throttle  time.Duration
	batchSize int

	mu      sync.Mutex
	lastRun time.Time
}

func NewSweeper(
	cfg *config.Config,
	plans PlanStore,
	vouchers VoucherStore,
	sessions CoinSessionStore,
	audit AuditSink,
	now Clock,
) *Sweeper {
	now = now.orDefault()
	batch := cfg.Sweep.BatchSize
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{
		plans:     plans,
		vouchers:  vouchers,
		sessions:  sessions,
		evaluator: lifecycle.NewEvaluator(vouchers),
		audit:     auditor{sink: audit, now: now},
		now:       now,
		interval:  cfg.Sweep.Interval,
		throttle:  cfg.Sweep.Throttle,
		batchSize: batch,
	}
}

// SweepVouchers evaluates every active voucher in keyset batches.
func (s *Sweeper) SweepVouchers(ctx context.Context) (models.VoucherSweepStats, error) {
	var stats models.VoucherSweepStats
	now := s.now()
	plans := make(map[string]*models.Plan)

	afterID := ""
	for {
		batch, err := s.vouchers.ListActive(ctx, afterID, s.batchSize)
		if err != nil {
			return stats, fmt.Errorf("list active vouchers: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, v := range batch {
			plan, err := s.cachedPlan(ctx, plans, v.PlanID)
			if err != nil {
				return stats, err
			}
			res, err := s.evaluator.Evaluate(ctx, v, plan, now)
			if err != nil {
				return stats, err
			}
			if !res.Changed {
				continue
			}
			switch res.Status {
			case models.VoucherStatusExpired:
				stats.Expired++
			case models.VoucherStatusDepleted:
				stats.Depleted++
			}
		}

		if len(batch) < s.batchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	return stats, nil
}

// cachedPlan returns nil (time-only evaluation) for plans that no longer exist.
func (s *Sweeper) cachedPlan(ctx context.Context, cache map[string]*models.Plan, id string) (*models.Plan, error) {
	if p, ok := cache[id]; ok {
		return p, nil
	}
	p, err := s.plans.GetByID(ctx, id)
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("get plan %s: %w", id, err)
		}
		log.Printf("[Sweeper] Plan %s not found, evaluating expiry only", id)
		p = nil
	}
	cache[id] = p
	return p, nil
}

// SweepCoinSessions expires open sessions past their window.
func (s *Sweeper) SweepCoinSessions(ctx context.Context) (int64, error) {
	n, err := s.sessions.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire coin sessions: %w", err)
	}
	return n, nil
}

// Run performs both sweeps regardless of the throttle and surfaces errors.
func (s *Sweeper) Run(ctx context.Context, actorID string) (*models.SweepReport, error) {
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	stats, err := s.SweepVouchers(ctx)
	if err != nil {
		return nil, err
	}
	expired, err := s.SweepCoinSessions(ctx)
	if err != nil {
		return nil, err
	}

	// background passes only leave a trail when they changed something
	if actorID != "" || stats.Expired+stats.Depleted > 0 {
		s.audit.record(ctx, actorID, models.AuditVoucherSweep, models.AuditTargetBulk, "vouchers", map[string]interface{}{
			"expired":  stats.Expired,
			"depleted": stats.Depleted,
		})
	}
	if actorID != "" || expired > 0 {
		s.audit.record(ctx, actorID, models.AuditCoinExpireSweep, models.AuditTargetBulk, "coin_sessions", map[string]interface{}{
			"expired": expired,
		})
	}

	return &models.SweepReport{Vouchers: stats, CoinSessionsExpired: expired}, nil
}

// ExpireBulk marks every active voucher past its expiry as expired in one update.
func (s *Sweeper) ExpireBulk(ctx context.Context, actorID string) (int64, error) {
	n, err := s.vouchers.MarkExpiredBulk(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark expired vouchers: %w", err)
	}
	s.audit.record(ctx, actorID, models.AuditVoucherExpireSweep, models.AuditTargetBulk, "vouchers", map[string]interface{}{
		"expired": n,
	})
	return n, nil
}

// MaybeSweep expires stale active vouchers at most once per throttle interval.
// It is called inline on the request path; failures are logged and dropped.
func (s *Sweeper) MaybeSweep(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.throttle {
		s.mu.Unlock()
		return
	}
	s.lastRun = now
	s.mu.Unlock()

	n, err := s.vouchers.MarkExpiredBulk(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Inline voucher sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Sweeper] Inline sweep expired %d vouchers", n)
		s.audit.record(ctx, "", models.AuditVoucherExpireSweep, models.AuditTargetBulk, "vouchers", map[string]interface{}{
			"expired": n,
			"inline":  true,
		})
	}
}

// Start runs the full sweep every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		log.Printf("[Sweeper] Background sweep disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := s.Run(ctx, "")
				if err != nil {
					log.Printf("[Sweeper] Sweep failed: %v", err)
					continue
				}
				if report.Vouchers.Expired+report.Vouchers.Depleted > 0 || report.CoinSessionsExpired > 0 {
					log.Printf("[Sweeper] Sweep: expired=%d depleted=%d sessions_expired=%d",
						report.Vouchers.Expired, report.Vouchers.Depleted, report.CoinSessionsExpired)
				}
			}
		}
	}()
	log.Printf("[Sweeper] Background sweep every %s", s.interval)
}
