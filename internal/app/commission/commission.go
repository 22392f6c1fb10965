// Package commission computes direct, override and binary commission records.
//
// Records carry the earned amount; scaled_amount equals it at creation and the
// weekly cap is applied by settlement only.
package commission

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/rank"
	"affiliate-engine/internal/app/tree"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/metrics"
	"affiliate-engine/internal/pkg/util"
)

// DirectLevels is how far up the sponsor chain direct commission reaches.
const DirectLevels = 3

type Calculator struct {
	rates  config.CommissionConf
	binary config.BinaryConf
	tree   *tree.Store
}

func New(rates config.CommissionConf, binary config.BinaryConf, t *tree.Store) *Calculator {
	return &Calculator{rates: rates, binary: binary, tree: t}
}

type createdEvent struct {
	Type      string          `json:"type"`
	SourceID  string          `json:"source_event_id"`
	SourceUID string          `json:"source_uid"`
	Level     int             `json:"level"`
	Amount    decimal.Decimal `json:"amount"`
	WeekStart string          `json:"week_start"`
}

// record inserts c unless its dedupe key exists and queues the notification.
func record(tx *gorm.DB, c *model.Commission) (bool, error) {
	c.ScaledAmount = c.Amount
	c.Status = model.CommissionPending
	created, err := dao.Commission.Create(tx, c)
	if err != nil {
		return false, errors.Wrapf(err, "create %s commission for %s", c.Type, c.UID)
	}
	if !created {
		return false, nil
	}
	err = dao.Outbox.Add(tx, model.EventCommissionCreated, c.UID, createdEvent{
		Type:      c.Type,
		SourceID:  c.SourceEventID,
		SourceUID: c.SourceUID,
		Level:     c.Level,
		Amount:    c.Amount,
		WeekStart: c.WeekStart.Format(util.WeekLayout),
	})
	if err != nil {
		return false, err
	}
	metrics.CommissionsCreated.WithLabelValues(c.Type).Inc()
	return true, nil
}

// chain pays rates[i] of the purchase to the sponsor i+1 levels above the buyer.
func (c *Calculator) chain(tx *gorm.DB, kind string, rates []decimal.Decimal, p model.Purchase,
	weekStart time.Time) ([]model.Commission, error) {
	if len(rates) == 0 {
		return nil, nil
	}
	sponsors, err := dao.User.SponsorChain(tx, p.UID, len(rates))
	if err != nil {
		return nil, errors.Wrapf(err, "sponsor chain of %s", p.UID)
	}
	out := make([]model.Commission, 0, len(sponsors))
	for i, s := range sponsors {
		rate := rates[i]
		if !rate.IsPositive() {
			continue
		}
		cm := model.Commission{
			Type:          kind,
			SourceEventID: p.PurchaseID,
			UID:           s.UID,
			Level:         i + 1,
			SourceUID:     p.UID,
			Rate:          rate,
			BaseAmount:    p.AmountUSD,
			Amount:        p.AmountUSD.Mul(rate).Round(6),
			WeekStart:     weekStart,
		}
		created, err := record(tx, &cm)
		if err != nil {
			return out, err
		}
		if created {
			out = append(out, cm)
		}
	}
	return out, nil
}

// Direct pays the three nearest sponsors of the purchaser by tier rate. A
// shorter chain simply pays fewer tiers.
func (c *Calculator) Direct(tx *gorm.DB, p model.Purchase, weekStart time.Time) ([]model.Commission, error) {
	rates := c.rates.DirectRates
	if len(rates) > DirectLevels {
		rates = rates[:DirectLevels]
	}
	return c.chain(tx, model.CommissionDirect, rates, p, weekStart)
}

// Override pays one rate per configured level, stacking with Direct.
func (c *Calculator) Override(tx *gorm.DB, p model.Purchase, weekStart time.Time) ([]model.Commission, error) {
	return c.chain(tx, model.CommissionOverride, c.rates.OverrideRates, p, weekStart)
}

// BinaryAmount returns the commission for the unmatched weak-leg volume of agg
// and how much volume it consumes from the watermark. A zero cap is uncapped.
func BinaryAmount(agg model.TreeAggregate, rate, capAmount decimal.Decimal, watermark string) (paid, consumed decimal.Decimal) {
	weak := decimal.Min(agg.LeftVolume, agg.RightVolume)
	available := decimal.Max(decimal.Zero, weak.Sub(agg.MatchedVolume))
	if !available.IsPositive() || !rate.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	paid = available.Mul(rate).Round(6)
	if capAmount.IsPositive() && paid.GreaterThan(capAmount) {
		paid = capAmount
	}
	if watermark == config.BinaryCarry {
		consumed = decimal.Min(available, paid.Div(rate).Round(6))
		return paid, consumed
	}
	return paid, available
}

func binaryEventID(uid string, weekStart time.Time) string {
	return fmt.Sprintf("binary:%s:%s", uid, weekStart.Format(util.WeekLayout))
}

// computeBinary computes uid's binary commission for the week without writing it.
func (c *Calculator) computeBinary(tx *gorm.DB, uid string, def model.RankDefinition, weekStart time.Time) (cm model.Commission, consumed decimal.Decimal, ok bool, err error) {
	agg, err := c.tree.Get(tx, uid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cm, consumed, false, nil
	}
	if err != nil {
		return cm, consumed, false, errors.Wrapf(err, "get aggregate %s", uid)
	}
	paid, consumed := BinaryAmount(agg, c.binary.Rate, def.BinaryCap, c.binary.Watermark)
	if !paid.IsPositive() {
		return cm, consumed, false, nil
	}
	cm = model.Commission{
		Type:          model.CommissionBinary,
		SourceEventID: binaryEventID(uid, weekStart),
		UID:           uid,
		SourceUID:     uid,
		Rate:          c.binary.Rate,
		BaseAmount:    decimal.Min(agg.LeftVolume, agg.RightVolume).Sub(agg.MatchedVolume),
		Amount:        paid,
		WeekStart:     weekStart,
	}
	return cm, consumed, true, nil
}

// Binary records uid's binary commission for the week and advances its matched
// watermark. A week already paid is left alone.
func (c *Calculator) Binary(tx *gorm.DB, uid string, def model.RankDefinition, weekStart time.Time) (model.Commission, bool, error) {
	cm, consumed, ok, err := c.computeBinary(tx, uid, def, weekStart)
	if err != nil || !ok {
		return cm, false, err
	}
	created, err := record(tx, &cm)
	if err != nil || !created {
		return cm, false, err
	}
	if err = c.tree.MarkMatched(tx, uid, consumed); err != nil {
		return cm, false, err
	}
	return cm, true, nil
}

// eachUser calls fn for every user with the definition of their stored rank.
func eachUser(tx *gorm.DB, fn func(u model.User, def model.RankDefinition) error) error {
	defs, err := dao.Rank.List(tx)
	if err != nil {
		return errors.Wrap(err, "list ranks")
	}
	users, err := dao.User.List(tx)
	if err != nil {
		return errors.Wrap(err, "list users")
	}
	for _, u := range users {
		def, err := rank.Definition(defs, u.RankLevel)
		if err != nil && !errors.Is(err, rank.ErrNoDefinitions) {
			return err
		}
		if err = fn(u, def); err != nil {
			return errors.WithMessagef(err, "binary for %s", u.UID)
		}
	}
	return nil
}

// BinaryWeek runs Binary for every node using each user's stored rank cap.
// Only the sealing of a week calls it: once recorded, a week's binary is fixed.
func (c *Calculator) BinaryWeek(tx *gorm.DB, weekStart time.Time) ([]model.Commission, error) {
	out := make([]model.Commission, 0)
	err := eachUser(tx, func(u model.User, def model.RankDefinition) error {
		cm, created, err := c.Binary(tx, u.UID, def, weekStart)
		if created {
			out = append(out, cm)
		}
		return err
	})
	if err != nil {
		return out, err
	}
	log.Infof("binary commissions for week %s: %d created", weekStart.Format(util.WeekLayout), len(out))
	return out, nil
}

// BinaryPreview returns what BinaryWeek would pay right now, per user, without
// recording anything or moving a watermark.
func (c *Calculator) BinaryPreview(tx *gorm.DB, weekStart time.Time) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	err := eachUser(tx, func(u model.User, def model.RankDefinition) error {
		cm, _, ok, err := c.computeBinary(tx, u.UID, def, weekStart)
		if ok {
			out[u.UID] = cm.Amount
		}
		return err
	})
	return out, err
}
