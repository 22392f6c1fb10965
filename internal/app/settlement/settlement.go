// Package settlement rolls commissions up into capped weekly settlements,
// finalizes them under a Merkle root and handles claims.
package settlement

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/commission"
	"affiliate-engine/internal/app/pool"
	"affiliate-engine/internal/app/rank"
	"affiliate-engine/internal/app/warn"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/merkle"
	"affiliate-engine/internal/pkg/util"
)

var (
	ErrAlreadyFinalized = errors.New("week already finalized")
	ErrWeekOpen         = errors.New("week has not ended yet")
	ErrNoActivity       = errors.New("no settlement activity in week")
	ErrCapExceeded      = errors.New("grand total exceeds weekly cap")
)

type Aggregator struct {
	calc   *commission.Calculator
	policy string
	clock  clockwork.Clock
}

func New(calc *commission.Calculator, cfg config.SettlementConf, clock clockwork.Clock) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	policy := cfg.CarryForwardPolicy
	if policy == "" {
		policy = config.CarryForfeit
	}
	return &Aggregator{calc: calc, policy: policy, clock: clock}
}

func finalized(tx *gorm.DB, weekStart time.Time) (model.SettlementRoot, bool, error) {
	r, err := dao.Root.Get(tx, weekStart)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r, false, nil
	}
	if err != nil {
		return r, false, errors.Wrap(err, "get settlement root")
	}
	return r, true, nil
}

// totals accumulates one user's week.
type totals struct {
	direct, binary, override, leadership, carryIn decimal.Decimal
}

func (t *totals) raw() decimal.Decimal {
	return t.direct.Add(t.binary).Add(t.override).Add(t.leadership).Add(t.carryIn)
}

// Aggregate upserts one capped in_progress row per user with activity and drops
// rows of users who no longer have any. Binary commissions are projected from
// current volume but not recorded; only Finalize fixes them. A finalized week is
// refused.
func (a *Aggregator) Aggregate(tx *gorm.DB, weekStart time.Time) ([]model.WeeklySettlement, error) {
	return a.aggregate(tx, weekStart, false)
}

func (a *Aggregator) aggregate(tx *gorm.DB, weekStart time.Time, seal bool) ([]model.WeeklySettlement, error) {
	weekStart = util.WeekStart(weekStart)
	if _, done, err := finalized(tx, weekStart); err != nil {
		return nil, err
	} else if done {
		return nil, errors.Wrapf(ErrAlreadyFinalized, "week %s", weekStart.Format(util.WeekLayout))
	}

	projected := map[string]decimal.Decimal{}
	if seal {
		if _, err := a.calc.BinaryWeek(tx, weekStart); err != nil {
			return nil, errors.WithMessage(err, "binary commissions")
		}
	} else {
		var err error
		if projected, err = a.calc.BinaryPreview(tx, weekStart); err != nil {
			return nil, errors.WithMessage(err, "binary preview")
		}
	}
	cs, err := dao.Commission.ListByWeek(tx, weekStart)
	if err != nil {
		return nil, errors.Wrap(err, "list commissions")
	}
	shares, err := pool.Shares(tx, weekStart)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*totals)
	get := func(uid string) *totals {
		t, ok := acc[uid]
		if !ok {
			t = &totals{}
			acc[uid] = t
		}
		return t
	}
	for _, c := range cs {
		t := get(c.UID)
		switch c.Type {
		case model.CommissionDirect:
			t.direct = t.direct.Add(c.ScaledAmount)
		case model.CommissionBinary:
			t.binary = t.binary.Add(c.ScaledAmount)
		case model.CommissionOverride:
			t.override = t.override.Add(c.ScaledAmount)
		}
	}
	for uid, amount := range projected {
		t := get(uid)
		t.binary = t.binary.Add(amount)
	}
	for uid, share := range shares {
		t := get(uid)
		t.leadership = t.leadership.Add(share)
	}
	if a.policy == config.CarryRollover {
		prev, err := dao.Settlement.ListByWeek(tx, weekStart.AddDate(0, 0, -7))
		if err != nil {
			return nil, errors.Wrap(err, "list previous week")
		}
		for _, p := range prev {
			if p.CarryForward.IsPositive() {
				get(p.UID).carryIn = p.CarryForward
			}
		}
	}
	keep := make([]string, 0, len(acc))
	for uid := range acc {
		keep = append(keep, uid)
	}
	if n, err := dao.Settlement.DeleteStale(tx, weekStart, keep); err != nil {
		return nil, errors.Wrap(err, "drop stale settlements")
	} else if n > 0 {
		log.Infof("settlement week %s: dropped %d rows without activity", weekStart.Format(util.WeekLayout), n)
	}
	if len(acc) == 0 {
		return nil, nil
	}

	defs, err := dao.Rank.List(tx)
	if err != nil {
		return nil, errors.Wrap(err, "list ranks")
	}
	users, err := dao.User.List(tx)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	levels := make(map[string]int, len(users))
	for _, u := range users {
		levels[u.UID] = u.RankLevel
	}

	rows := make([]model.WeeklySettlement, 0, len(acc))
	for uid, t := range acc {
		def, err := rank.Definition(defs, levels[uid])
		if err != nil {
			return nil, err
		}
		raw := t.raw()
		grand := decimal.Min(raw, def.WeeklyCap)
		rows = append(rows, model.WeeklySettlement{
			UID:             uid,
			WeekStart:       weekStart,
			WeekEnd:         util.WeekEnd(weekStart),
			DirectTotal:     t.direct,
			BinaryTotal:     t.binary,
			OverrideTotal:   t.override,
			LeadershipTotal: t.leadership,
			CarryIn:         t.carryIn,
			RawTotal:        raw,
			WeeklyCap:       def.WeeklyCap,
			CarryForward:    decimal.Max(decimal.Zero, raw.Sub(def.WeeklyCap)),
			GrandTotal:      grand,
			Status:          model.SettlementInProgress,
		})
	}
	if err = dao.Settlement.Upsert(tx, rows); err != nil {
		return nil, errors.Wrap(err, "upsert settlements")
	}
	stored, err := dao.Settlement.ListByWeek(tx, weekStart)
	if err != nil {
		return nil, errors.Wrap(err, "list settlements")
	}
	log.Infof("settlement week %s aggregated: %d users", weekStart.Format(util.WeekLayout), len(stored))
	return stored, nil
}

type claimableEvent struct {
	SettlementID int64           `json:"settlement_id"`
	WeekStart    string          `json:"week_start"`
	GrandTotal   decimal.Decimal `json:"grand_total"`
	MerkleRoot   string          `json:"merkle_root"`
}

// Finalize records the week's binary commissions, aggregates one last time and
// seals the week under a Merkle root, all in one transaction. Finalizing a sealed week returns the stored root and
// changes nothing.
func (a *Aggregator) Finalize(db *gorm.DB, weekStart time.Time) (root model.SettlementRoot, err error) {
	weekStart = util.WeekStart(weekStart)
	if util.WeekEnd(weekStart).After(a.clock.Now()) {
		return root, errors.Wrapf(ErrWeekOpen, "week %s", weekStart.Format(util.WeekLayout))
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		r, done, err := finalized(tx, weekStart)
		if err != nil {
			return err
		}
		if done {
			root = r
			return nil
		}

		rows, err := a.aggregate(tx, weekStart, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errors.Wrapf(ErrNoActivity, "week %s", weekStart.Format(util.WeekLayout))
		}

		leaves := make([]common.Hash, len(rows))
		for i, row := range rows {
			if row.GrandTotal.GreaterThan(row.WeeklyCap) {
				return warn.Invariant("settlement_cap", errors.Wrapf(ErrCapExceeded,
					"uid %s grand %s cap %s", row.UID, row.GrandTotal, row.WeeklyCap))
			}
			leaves[i] = merkle.Leaf(row.UID, weekStart, row.GrandTotal)
		}
		tree, err := merkle.New(leaves)
		if err != nil {
			return err
		}
		root = model.SettlementRoot{
			WeekStart:   weekStart,
			MerkleRoot:  tree.Root().Hex(),
			LeafCount:   tree.Len(),
			FinalizedAt: a.clock.Now().UTC(),
		}
		for i, row := range rows {
			proof, err := tree.Proof(i)
			if err != nil {
				return err
			}
			if err = dao.Settlement.SetProof(tx, row.ID, leaves[i].Hex(), merkle.EncodeProof(proof)); err != nil {
				return errors.Wrapf(err, "store proof for %s", row.UID)
			}
			err = dao.Outbox.Add(tx, model.EventSettlementClaimable, row.UID, claimableEvent{
				SettlementID: row.ID,
				WeekStart:    weekStart.Format(util.WeekLayout),
				GrandTotal:   row.GrandTotal,
				MerkleRoot:   root.MerkleRoot,
			})
			if err != nil {
				return err
			}
		}
		if err = dao.Root.Create(tx, root); err != nil {
			return errors.Wrap(err, "store root")
		}
		return errors.Wrap(dao.Commission.MarkSettled(tx, weekStart), "mark commissions settled")
	})
	if err != nil {
		return model.SettlementRoot{}, err
	}
	log.Infof("settlement week %s finalized: root %s, %d leaves",
		weekStart.Format(util.WeekLayout), root.MerkleRoot, root.LeafCount)
	return root, nil
}
