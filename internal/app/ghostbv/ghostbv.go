// Package ghostbv grants and expires time-boxed bonus volume on the weak leg.
package ghostbv

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/tree"
	"affiliate-engine/internal/app/warn"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/metrics"
	"affiliate-engine/internal/pkg/util"
)

type Manager struct {
	cfg  config.GhostBVConf
	tree *tree.Store
}

func New(cfg config.GhostBVConf, t *tree.Store) *Manager {
	return &Manager{cfg: cfg, tree: t}
}

// Percent is the package percentage as a fraction, or the configured default
// when the purchase carries none.
func (m *Manager) Percent(p model.Purchase) decimal.Decimal {
	if p.PackageBVPercent.IsPositive() {
		return p.PackageBVPercent.Div(util.Hundred)
	}
	return m.cfg.DefaultPercent
}

// Grant creates the purchase's grant on the purchaser's current weak leg and
// adds it to that leg. The amount is clamped to what is left of the weekly cap
// (zero cap means uncapped); nothing is granted when nothing is left.
func (m *Manager) Grant(tx *gorm.DB, p model.Purchase, now time.Time) (g model.GhostGrant, granted bool, err error) {
	start := p.CreatedAt.UTC()
	if start.IsZero() {
		start = now.UTC()
	}
	start = util.DayStart(start)
	amount := p.AmountUSD.Mul(m.Percent(p)).Round(6)

	weekStart := util.WeekStart(start)
	running, err := dao.Grant.ActiveSum(tx, p.UID, weekStart, util.WeekEnd(weekStart))
	if err != nil {
		return g, false, errors.Wrap(err, "active ghost bv")
	}
	if m.cfg.WeeklyCap.IsPositive() && running.Add(amount).GreaterThan(m.cfg.WeeklyCap) {
		amount = decimal.Max(decimal.Zero, m.cfg.WeeklyCap.Sub(running))
		log.Infof("ghost bv of %s clamped to %s, %s already granted this week", p.PurchaseID, amount, running)
	}
	if !amount.IsPositive() {
		metrics.GhostGrants.WithLabelValues("skipped").Inc()
		return g, false, nil
	}

	leg, err := m.tree.GetWeakLeg(tx, p.UID)
	if err != nil {
		return g, false, err
	}
	g = model.GhostGrant{
		UID:              p.UID,
		SourcePurchaseID: p.PurchaseID,
		Amount:           amount,
		PayLeg:           leg,
		StartDate:        start,
		ExpiresAt:        start.AddDate(0, 0, m.cfg.DurationDays),
		Status:           model.GrantActive,
	}
	created, err := dao.Grant.Create(tx, &g)
	if err != nil {
		return g, false, errors.Wrap(err, "create grant")
	}
	if !created {
		log.Infof("ghost bv for purchase %s already granted", p.PurchaseID)
		return g, false, nil
	}
	if err = m.tree.AddVolume(tx, p.UID, leg, amount); err != nil {
		return g, false, err
	}
	metrics.GhostGrants.WithLabelValues("granted").Inc()
	return g, true, nil
}

// Expire flips one grant to expired and removes exactly its amount. A grant
// already expired is left alone, so repeated calls are harmless.
func (m *Manager) Expire(tx *gorm.DB, g model.GhostGrant, now time.Time) (bool, error) {
	ok, err := dao.Grant.Expire(tx, g.ID, now)
	if err != nil {
		return false, errors.Wrapf(err, "expire grant %d", g.ID)
	}
	if !ok {
		return false, nil
	}
	if err = m.tree.RemoveVolume(tx, g.UID, g.PayLeg, g.Amount); err != nil {
		return false, err
	}
	return true, nil
}

type SweepResult struct {
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// Sweep expires every active grant with expires_at at or before now. Grants start
// at midnight, so a ten day grant from Day 0 is active through Day 9. Each grant
// commits alone; a failing grant is logged and does not stop the sweep.
func (m *Manager) Sweep(db *gorm.DB, now time.Time) (SweepResult, error) {
	var res SweepResult
	grants, err := dao.Grant.ListExpirable(db, now)
	if err != nil {
		return res, errors.Wrap(err, "list expirable grants")
	}
	for _, g := range grants {
		var expired bool
		err = db.Transaction(func(tx *gorm.DB) error {
			var err error
			expired, err = m.Expire(tx, g, now)
			return err
		})
		if err != nil {
			res.Failed++
			_ = warn.Must("expire ghost bv", errors.WithMessagef(err, "grant %d", g.ID))
			continue
		}
		if expired {
			res.Expired++
			metrics.GhostGrants.WithLabelValues("expired").Inc()
		}
	}
	log.Infof("ghost bv sweep at %s: %d expired, %d failed", now.Format(time.RFC3339), res.Expired, res.Failed)
	return res, nil
}
