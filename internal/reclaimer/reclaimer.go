package reclaimer

import (
	"context"
	"fmt"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/monitoring"
	"ms-reservation/internal/utils"
)

const (
	DefaultInterval  = 15 * time.Second
	DefaultBatchSize = 500
)

// HoldScanner finds holds that are past expiry and still ACTIVE.
type HoldScanner interface {
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)
}

// HoldExpirer performs the conditional ACTIVE -> EXPIRED transition.
type HoldExpirer interface {
	ExpireHold(ctx context.Context, holdID string, now time.Time) (bool, error)
}

// Result summarises one scan.
type Result struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

// Reclaimer returns abandoned holds to the pool. Each transition is
// conditional on the hold still being ACTIVE, so any number of instances may
// run it at once.
type Reclaimer struct {
	scanner   HoldScanner
	expirer   HoldExpirer
	clock     utils.Clock
	logger    *logger.Logger
	interval  time.Duration
	batchSize int
}

func New(scanner HoldScanner, expirer HoldExpirer, clock utils.Clock, log *logger.Logger, interval time.Duration, batchSize int) *Reclaimer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Reclaimer{
		scanner:   scanner,
		expirer:   expirer,
		clock:     clock,
		logger:    log,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run scans once immediately and then on every tick until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.logger.LogReclaim(fmt.Sprintf("started, interval %s, batch %d", r.interval, r.batchSize))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			r.logger.LogReclaim("stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce expires one batch of overdue holds. Failures are logged and left
// for the next run.
func (r *Reclaimer) RunOnce(ctx context.Context) Result {
	start := time.Now()
	defer func() { monitoring.TrackReclaimRun(time.Since(start)) }()

	now := r.clock.Now()
	holds, err := r.scanner.ListExpiredHolds(ctx, now, r.batchSize)
	if err != nil {
		r.logger.Error("RECLAIM", fmt.Sprintf("scan failed: %v", err))
		return Result{}
	}

	res := Result{Scanned: len(holds)}
	for _, h := range holds {
		if ctx.Err() != nil {
			break
		}
		expired, err := r.expirer.ExpireHold(ctx, h.ID, now)
		switch {
		case err != nil:
			res.Failed++
			monitoring.TrackReclaimFailure()
			r.logger.Warn("RECLAIM", fmt.Sprintf("hold %s on unit %s: %v", h.ID, h.UnitID, err))
		case expired:
			res.Expired++
		default:
			res.Skipped++
		}
	}

	monitoring.TrackReclaimed("scan", res.Expired)
	if res.Scanned > 0 {
		r.logger.LogReclaim(fmt.Sprintf("scanned %d, expired %d, skipped %d, failed %d", res.Scanned, res.Expired, res.Skipped, res.Failed))
	}
	return res
}

// ReclaimHold expires a single hold if it is due. Used by the expiry timer.
func (r *Reclaimer) ReclaimHold(ctx context.Context, holdID string) (bool, error) {
	expired, err := r.expirer.ExpireHold(ctx, holdID, r.clock.Now())
	if err != nil {
		monitoring.TrackReclaimFailure()
		return false, err
	}
	if expired {
		monitoring.TrackReclaimed("timer", 1)
		r.logger.LogReclaim(fmt.Sprintf("hold %s expired by timer", holdID))
	}
	return expired, nil
}
