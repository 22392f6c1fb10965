// Package rank evaluates qualified ranks from sales, volume and referral metrics.
package rank

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/group"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
)

var (
	ErrNoDefinitions = errors.New("no rank definitions")
	ErrUnknownLevel  = errors.New("unknown rank level")
)

// Metrics 用户等级评估指标
type Metrics struct {
	PersonalSales   decimal.Decimal `json:"personal_sales"`
	TeamSales       decimal.Decimal `json:"team_sales"`
	LeftVolume      decimal.Decimal `json:"left_volume"`
	RightVolume     decimal.Decimal `json:"right_volume"`
	Hashrate        decimal.Decimal `json:"hashrate"`
	DirectReferrals int64           `json:"direct_referrals"`
}

// Meets reports whether m satisfies every threshold of def.
func Meets(def model.RankDefinition, m Metrics) bool {
	return m.PersonalSales.GreaterThanOrEqual(def.MinPersonalSales) &&
		m.TeamSales.GreaterThanOrEqual(def.MinTeamSales) &&
		m.LeftVolume.GreaterThanOrEqual(def.MinLeftVolume) &&
		m.RightVolume.GreaterThanOrEqual(def.MinRightVolume) &&
		m.Hashrate.GreaterThanOrEqual(def.MinHashrate) &&
		m.DirectReferrals >= int64(def.MinDirectReferrals)
}

// Qualify returns the highest definition whose thresholds are all met, or the
// lowest definition when none is.
func Qualify(defs []model.RankDefinition, m Metrics) (model.RankDefinition, error) {
	if len(defs) == 0 {
		return model.RankDefinition{}, ErrNoDefinitions
	}
	sorted := make([]model.RankDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level > sorted[j].Level })
	for _, def := range sorted {
		if Meets(def, m) {
			return def, nil
		}
	}
	return sorted[len(sorted)-1], nil
}

// Definition returns the definition at level, falling back to the lowest one.
func Definition(defs []model.RankDefinition, level int) (model.RankDefinition, error) {
	if len(defs) == 0 {
		return model.RankDefinition{}, ErrNoDefinitions
	}
	lowest := defs[0]
	for _, def := range defs {
		if def.Level == level {
			return def, nil
		}
		if def.Level < lowest.Level {
			lowest = def
		}
	}
	return lowest, nil
}

// Seed writes the configured ranks when the table is still empty.
func Seed(tx *gorm.DB, ranks []config.RankConf) error {
	defs := make([]model.RankDefinition, 0, len(ranks))
	for _, r := range ranks {
		defs = append(defs, model.RankDefinition{
			Level:              r.Level,
			Name:               r.Name,
			MinPersonalSales:   r.MinPersonalSales,
			MinTeamSales:       r.MinTeamSales,
			MinLeftVolume:      r.MinLeftVolume,
			MinRightVolume:     r.MinRightVolume,
			MinHashrate:        r.MinHashrate,
			MinDirectReferrals: r.MinDirectReferrals,
			WeeklyCap:          r.WeeklyCap,
			BinaryCap:          r.BinaryCap,
		})
	}
	seeded, err := dao.Rank.SeedIfEmpty(tx, defs)
	if err != nil {
		return errors.Wrap(err, "seed rank definitions")
	}
	if seeded {
		log.Infof("seeded %d rank definitions", len(defs))
	}
	return nil
}

// snapshot is every input EvaluateAll needs, loaded once per run.
type snapshot struct {
	sales   map[string]dao.UserSales
	team    map[string]decimal.Decimal
	aggs    map[string]model.TreeAggregate
	directs map[string]int64
}

func loadSnapshot(tx *gorm.DB) (*snapshot, error) {
	sales, err := dao.Purchase.SalesByUser(tx)
	if err != nil {
		return nil, errors.Wrap(err, "sales by user")
	}
	rel, err := group.Load(tx)
	if err != nil {
		return nil, err
	}
	personal := make(map[string]decimal.Decimal, len(sales))
	for uid, s := range sales {
		personal[uid] = s.Sales
	}
	team, err := rel.TeamSales(personal)
	if err != nil {
		return nil, errors.WithMessage(err, "team sales")
	}
	aggList, err := dao.Tree.List(tx)
	if err != nil {
		return nil, errors.Wrap(err, "list aggregates")
	}
	aggs := make(map[string]model.TreeAggregate, len(aggList))
	for _, a := range aggList {
		aggs[a.UID] = a
	}
	directs, err := dao.User.DirectReferralCounts(tx)
	if err != nil {
		return nil, errors.Wrap(err, "direct referral counts")
	}
	return &snapshot{sales: sales, team: team, aggs: aggs, directs: directs}, nil
}

func (s *snapshot) metrics(uid string) Metrics {
	sale := s.sales[uid]
	agg := s.aggs[uid]
	return Metrics{
		PersonalSales:   sale.Sales,
		TeamSales:       s.team[uid],
		LeftVolume:      agg.LeftVolume,
		RightVolume:     agg.RightVolume,
		Hashrate:        sale.Hashrate,
		DirectReferrals: s.directs[uid],
	}
}

// Evaluate computes uid's metrics and qualified rank without changing anything.
func Evaluate(tx *gorm.DB, uid string) (model.RankDefinition, Metrics, error) {
	defs, err := dao.Rank.List(tx)
	if err != nil {
		return model.RankDefinition{}, Metrics{}, errors.Wrap(err, "list ranks")
	}
	snap, err := loadSnapshot(tx)
	if err != nil {
		return model.RankDefinition{}, Metrics{}, err
	}
	m := snap.metrics(uid)
	def, err := Qualify(defs, m)
	return def, m, err
}

type promotionEvent struct {
	UID       string  `json:"uid"`
	FromLevel int     `json:"from_level"`
	ToLevel   int     `json:"to_level"`
	Rank      string  `json:"rank"`
	Metrics   Metrics `json:"metrics"`
}

// EvaluateAll promotes every user whose qualified rank is above the stored one.
// Ranks are sticky: a lower qualified rank never demotes.
func EvaluateAll(tx *gorm.DB) (promoted []string, err error) {
	defs, err := dao.Rank.List(tx)
	if err != nil {
		return nil, errors.Wrap(err, "list ranks")
	}
	if len(defs) == 0 {
		return nil, ErrNoDefinitions
	}
	snap, err := loadSnapshot(tx)
	if err != nil {
		return nil, err
	}
	users, err := dao.User.List(tx)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}

	for _, u := range users {
		m := snap.metrics(u.UID)
		def, err := Qualify(defs, m)
		if err != nil {
			return promoted, err
		}
		if def.Level <= u.RankLevel {
			continue
		}
		ok, err := dao.User.UpdateRank(tx, u.UID, u.RankLevel, def.Level)
		if err != nil {
			return promoted, errors.Wrapf(err, "promote %s", u.UID)
		}
		if !ok {
			log.Warnf("rank of %s changed during evaluation, skipped", u.UID)
			continue
		}
		err = dao.RankChange.Create(tx, &model.RankChange{
			UID:       u.UID,
			FromLevel: u.RankLevel,
			ToLevel:   def.Level,
			Kind:      model.RankChangePromotion,
			Actor:     "evaluator",
		})
		if err != nil {
			return promoted, errors.Wrap(err, "audit promotion")
		}
		err = dao.Outbox.Add(tx, model.EventRankPromotion, u.UID, promotionEvent{
			UID: u.UID, FromLevel: u.RankLevel, ToLevel: def.Level, Rank: def.Name, Metrics: m,
		})
		if err != nil {
			return promoted, errors.Wrap(err, "queue promotion event")
		}
		promoted = append(promoted, u.UID)
	}
	log.Infof("rank evaluation done, %d users, %d promoted", len(users), len(promoted))
	return promoted, nil
}

// Override forces uid to level, up or down, and audits who did it.
func Override(tx *gorm.DB, uid string, level int, actor, reason string) error {
	defs, err := dao.Rank.List(tx)
	if err != nil {
		return errors.Wrap(err, "list ranks")
	}
	known := false
	for _, d := range defs {
		if d.Level == level {
			known = true
			break
		}
	}
	if !known {
		return errors.Wrapf(ErrUnknownLevel, "level %d", level)
	}
	u, err := dao.User.Get(tx, uid)
	if err != nil {
		return errors.Wrapf(err, "get user %s", uid)
	}
	if u.RankLevel == level {
		return nil
	}
	ok, err := dao.User.UpdateRank(tx, uid, u.RankLevel, level)
	if err != nil {
		return errors.Wrap(err, "update rank")
	}
	if !ok {
		return errors.Errorf("rank of %s changed concurrently", uid)
	}
	return dao.RankChange.Create(tx, &model.RankChange{
		UID:       uid,
		FromLevel: u.RankLevel,
		ToLevel:   level,
		Kind:      model.RankChangeOverride,
		Actor:     actor,
		Reason:    reason,
	})
}
