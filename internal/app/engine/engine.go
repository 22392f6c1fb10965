// Package engine wires the compensation components into the purchase pipeline
// and the daily and weekly jobs, and enforces their ordering.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/commission"
	"affiliate-engine/internal/app/ghostbv"
	"affiliate-engine/internal/app/pool"
	"affiliate-engine/internal/app/rank"
	"affiliate-engine/internal/app/settlement"
	"affiliate-engine/internal/app/tree"
	"affiliate-engine/internal/app/warn"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/metrics"
	"affiliate-engine/internal/pkg/util"
)

const (
	JobDailySweep = "ghost_sweep"
	JobWeekly     = "weekly"

	pendingBatch = 500
)

var ErrValidation = errors.New("invalid purchase event")

type Engine struct {
	db    *gorm.DB
	cfg   config.Engine
	clock clockwork.Clock

	Tree       *tree.Store
	Ghost      *ghostbv.Manager
	Commission *commission.Calculator
	Pool       *pool.Distributor
	Settlement *settlement.Aggregator

	locks *xsync.MapOf[string, *sync.Mutex]
}

func New(db *gorm.DB, cfg config.Engine, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ts := tree.New(cfg.Tree)
	calc := commission.New(cfg.Commission, cfg.Binary, ts)
	return &Engine{
		db:         db,
		cfg:        cfg,
		clock:      clock,
		Tree:       ts,
		Ghost:      ghostbv.New(cfg.GhostBV, ts),
		Commission: calc,
		Pool:       pool.New(cfg.Pool),
		Settlement: settlement.New(calc, cfg.Settlement, clock),
		locks:      xsync.NewMapOf[string, *sync.Mutex](),
	}
}

func (e *Engine) DB() *gorm.DB {
	return e.db
}

func (e *Engine) Now() time.Time {
	return e.clock.Now().UTC()
}

// Bootstrap seeds rank definitions from config on first start.
func (e *Engine) Bootstrap() error {
	return rank.Seed(e.db, e.cfg.Ranks)
}

// RegisterUser places a new node in the binary tree.
func (e *Engine) RegisterUser(u model.User) (placed model.User, err error) {
	err = e.db.Transaction(func(tx *gorm.DB) error {
		placed, err = e.Tree.Place(tx, u)
		return err
	})
	return
}

// IngestPurchase stores a purchase event for the pipeline. A replayed id is a no-op.
func (e *Engine) IngestPurchase(p model.Purchase) (bool, error) {
	if p.PurchaseID == "" || p.UID == "" {
		return false, errors.Wrap(ErrValidation, "purchase id and uid are required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.Processed = false
	p.ProcessedAt = nil
	p.FailedReason = ""
	created, err := dao.Purchase.Create(e.db, p)
	return created, errors.Wrap(err, "store purchase")
}

func validate(tx *gorm.DB, p model.Purchase) error {
	if p.Status != model.PurchaseCompleted {
		return errors.Wrapf(ErrValidation, "status %q", p.Status)
	}
	if !p.AmountUSD.IsPositive() {
		return errors.Wrapf(ErrValidation, "amount %s", p.AmountUSD)
	}
	if p.PackageBVPercent.IsNegative() || p.PackageBVPercent.GreaterThan(util.Hundred) {
		return errors.Wrapf(ErrValidation, "bv percent %s", p.PackageBVPercent)
	}
	if p.Hashrate.IsNegative() {
		return errors.Wrapf(ErrValidation, "hashrate %s", p.Hashrate)
	}
	if _, err := dao.User.Get(tx, p.UID); errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrValidation, "unknown user %s", p.UID)
	} else if err != nil {
		return errors.Wrap(err, "get purchaser")
	}
	return nil
}

// commissionWeek is the week a purchase's commissions count toward: the week it
// happened in, or the current week when that one is already sealed.
func (e *Engine) commissionWeek(tx *gorm.DB, p model.Purchase) (time.Time, error) {
	week := util.WeekStart(p.CreatedAt)
	_, err := dao.Root.Get(tx, week)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return week, nil
	}
	if err != nil {
		return week, errors.Wrap(err, "get settlement root")
	}
	return util.WeekStart(e.Now()), nil
}

// apply runs one purchase through the pipeline inside tx.
func (e *Engine) apply(tx *gorm.DB, purchaseID string) error {
	p, err := dao.Purchase.Get(tx, purchaseID)
	if err != nil {
		return errors.Wrapf(err, "get purchase %s", purchaseID)
	}
	if p.Processed {
		return nil
	}
	if err = validate(tx, p); err != nil {
		return err
	}
	now := e.Now()
	ok, err := dao.Purchase.MarkProcessed(tx, p.PurchaseID, now)
	if err != nil {
		return errors.Wrap(err, "mark processed")
	}
	if !ok {
		return nil
	}
	if _, _, err = e.Ghost.Grant(tx, p, now); err != nil {
		return errors.WithMessage(err, "ghost bv")
	}
	if err = e.Tree.PropagateVolume(tx, p.UID, p.AmountUSD); err != nil {
		return errors.WithMessage(err, "propagate volume")
	}
	week, err := e.commissionWeek(tx, p)
	if err != nil {
		return err
	}
	if _, err = e.Commission.Direct(tx, p, week); err != nil {
		return errors.WithMessage(err, "direct commission")
	}
	if _, err = e.Commission.Override(tx, p, week); err != nil {
		return errors.WithMessage(err, "override commission")
	}
	return nil
}

// ProcessPurchase applies one purchase exactly once. Version conflicts retry the
// whole transaction with backoff; validation and invariant failures park the
// purchase in the review queue instead.
func (e *Engine) ProcessPurchase(ctx context.Context, purchaseID string) error {
	op := func() error {
		err := e.db.Transaction(func(tx *gorm.DB) error {
			return e.apply(tx, purchaseID)
		})
		if err == nil || errors.Is(err, tree.ErrConcurrentUpdate) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.cfg.Jobs.MaxRetries), ctx)
	err := backoff.Retry(op, b)
	if err == nil {
		metrics.PurchasesProcessed.WithLabelValues("ok").Inc()
		return nil
	}

	result := "error"
	switch {
	case errors.Is(err, ErrValidation):
		result = "invalid"
	case errors.Is(err, tree.ErrNegativeVolume):
		result = "invariant"
	case errors.Is(err, tree.ErrConcurrentUpdate):
		result = "conflict"
		_ = warn.Must("process purchase", errors.WithMessagef(err, "retries exhausted for %s", purchaseID))
	default:
		metrics.PurchasesProcessed.WithLabelValues(result).Inc()
		return errors.WithMessagef(err, "process purchase %s", purchaseID)
	}
	metrics.PurchasesProcessed.WithLabelValues(result).Inc()
	log.Warnf("purchase %s parked for review: %v", purchaseID, err)
	if ferr := dao.Purchase.MarkFailed(e.db, purchaseID, err.Error()); ferr != nil {
		return errors.Wrap(ferr, "mark failed")
	}
	return err
}

func (e *Engine) lock(uid string) func() {
	mu, _ := e.locks.LoadOrStore(uid, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

type ProcessResult struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// EnsureDailySweep runs today's ghost bv expiry unless it already ran. Anything
// that reads current volume calls this first.
func (e *Engine) EnsureDailySweep() error {
	now := e.Now()
	key := util.DayStart(now).Format(util.WeekLayout)
	done, err := dao.JobRun.Done(e.db, JobDailySweep, key)
	if err != nil {
		return errors.Wrap(err, "read sweep checkpoint")
	}
	if done {
		return nil
	}
	start := time.Now()
	if _, err = e.Ghost.Sweep(e.db, now); err != nil {
		return err
	}
	metrics.JobDuration.WithLabelValues(JobDailySweep).Observe(time.Since(start).Seconds())
	return errors.Wrap(dao.JobRun.Finish(e.db, JobDailySweep, key, now), "write sweep checkpoint")
}

// ProcessPending drains the pending queue on a worker pool. Purchases of one
// user never run at the same time.
func (e *Engine) ProcessPending(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	if err := e.EnsureDailySweep(); err != nil {
		return res, errors.WithMessage(err, "daily sweep before processing")
	}
	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues("process").Observe(time.Since(start).Seconds())
	}()

	workers := pond.NewPool(e.cfg.Jobs.Workers)
	defer workers.StopAndWait()

	var processed, failed atomic.Int64
	attempted := make(map[string]bool)
	for {
		ps, err := dao.Purchase.ListPending(e.db, pendingBatch)
		if err != nil {
			return res, errors.Wrap(err, "list pending purchases")
		}
		fresh := 0
		group := workers.NewGroupContext(ctx)
		for _, p := range ps {
			if attempted[p.PurchaseID] {
				continue
			}
			attempted[p.PurchaseID] = true
			fresh++
			p := p
			group.Submit(func() {
				unlock := e.lock(p.UID)
				defer unlock()
				if err := e.ProcessPurchase(ctx, p.PurchaseID); err != nil {
					failed.Add(1)
					return
				}
				processed.Add(1)
			})
		}
		if err = group.Wait(); err != nil {
			return res, errors.Wrap(err, "process group")
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// purchases left pending after an attempt hit a storage error; the next run retries them
		if fresh == 0 || len(ps) < pendingBatch {
			break
		}
	}
	res = ProcessResult{Processed: processed.Load(), Failed: failed.Load()}
	log.Infof("pending purchases done: %d processed, %d failed", res.Processed, res.Failed)
	return res, nil
}

// RunDaily is the daily job: expiry sweep first, then pending purchases.
func (e *Engine) RunDaily(ctx context.Context) error {
	if err := e.EnsureDailySweep(); err != nil {
		return err
	}
	_, err := e.ProcessPending(ctx)
	return err
}

type WeeklyResult struct {
	Week     string                 `json:"week"`
	Promoted []string               `json:"promoted"`
	Pool     model.PoolDistribution `json:"pool"`
	Root     model.SettlementRoot   `json:"root"`
}

// RunWeekly closes the previous week: purchases, rank promotions, leadership
// pool and settlement finalization, in that order. A week already closed is
// skipped.
func (e *Engine) RunWeekly(ctx context.Context) (res WeeklyResult, err error) {
	week := util.WeekStart(e.Now()).AddDate(0, 0, -7)
	key := week.Format(util.WeekLayout)
	res.Week = key
	done, err := dao.JobRun.Done(e.db, JobWeekly, key)
	if err != nil {
		return res, errors.Wrap(err, "read weekly checkpoint")
	}
	if done {
		log.Infof("weekly job for %s already done", key)
		return res, nil
	}
	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(JobWeekly).Observe(time.Since(start).Seconds())
	}()

	if _, err = e.ProcessPending(ctx); err != nil {
		return res, err
	}
	err = e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		res.Promoted, err = rank.EvaluateAll(tx)
		return err
	})
	if err != nil {
		return res, errors.WithMessage(err, "rank evaluation")
	}
	err = e.db.Transaction(func(tx *gorm.DB) error {
		var err error
		res.Pool, _, err = e.Pool.Distribute(tx, week)
		return err
	})
	if err != nil && !errors.Is(err, pool.ErrWeekFinalized) {
		return res, errors.WithMessage(err, "leadership pool")
	}
	res.Root, err = e.Settlement.Finalize(e.db, week)
	if errors.Is(err, settlement.ErrNoActivity) {
		log.Infof("week %s had no settlement activity", key)
	} else if err != nil {
		return res, errors.WithMessage(err, "finalize settlement")
	}
	return res, errors.Wrap(dao.JobRun.Finish(e.db, JobWeekly, key, e.Now()), "write weekly checkpoint")
}
