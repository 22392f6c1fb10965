// Package pool splits the weekly leadership pool across rank tiers.
package pool

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/util"
)

var ErrWeekFinalized = errors.New("week already finalized")

type Distributor struct {
	cfg config.PoolConf
}

func New(cfg config.PoolConf) *Distributor {
	tiers := make([]config.PoolTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Tier < tiers[j].Tier })
	cfg.Tiers = tiers
	return &Distributor{cfg: cfg}
}

// TierSummary 每档奖池汇总
type TierSummary struct {
	Tier      int             `json:"tier"`
	Rate      decimal.Decimal `json:"rate"`
	Ranks     []string        `json:"ranks"`
	Qualified int             `json:"qualified"`
	TierPool  decimal.Decimal `json:"tier_pool"`
	Share     decimal.Decimal `json:"share"`
}

// tierOf returns the first tier listing rankName. Tiers are exclusive.
func (d *Distributor) tierOf(rankName string) (config.PoolTier, bool) {
	for _, t := range d.cfg.Tiers {
		for _, r := range t.Ranks {
			if r == rankName {
				return t, true
			}
		}
	}
	return config.PoolTier{}, false
}

// Distribute recomputes the week's pool from scratch and replaces whatever was
// stored for it. An empty tier's allocation is not handed to other tiers.
func (d *Distributor) Distribute(tx *gorm.DB, weekStart time.Time) (model.PoolDistribution, []TierSummary, error) {
	weekStart = util.WeekStart(weekStart)
	var dist model.PoolDistribution

	if _, err := dao.Root.Get(tx, weekStart); err == nil {
		return dist, nil, errors.Wrapf(ErrWeekFinalized, "week %s", weekStart.Format(util.WeekLayout))
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dist, nil, errors.Wrap(err, "get settlement root")
	}

	volume, err := dao.Purchase.VolumeBetween(tx, weekStart, util.WeekEnd(weekStart))
	if err != nil {
		return dist, nil, errors.Wrap(err, "weekly volume")
	}
	total := volume.Mul(d.cfg.Percent).Round(6)

	defs, err := dao.Rank.List(tx)
	if err != nil {
		return dist, nil, errors.Wrap(err, "list ranks")
	}
	names := make(map[int]string, len(defs))
	for _, def := range defs {
		names[def.Level] = def.Name
	}
	users, err := dao.User.List(tx)
	if err != nil {
		return dist, nil, errors.Wrap(err, "list users")
	}
	members := make(map[int][]string)
	for _, u := range users {
		if t, ok := d.tierOf(names[u.RankLevel]); ok {
			members[t.Tier] = append(members[t.Tier], u.UID)
		}
	}

	summaries := make([]TierSummary, 0, len(d.cfg.Tiers))
	lines := make([]model.PoolDistributionLine, 0)
	distributed := decimal.Zero
	for _, t := range d.cfg.Tiers {
		s := TierSummary{Tier: t.Tier, Rate: t.Rate, Ranks: t.Ranks, TierPool: decimal.Zero, Share: decimal.Zero}
		if d.cfg.Percent.IsPositive() {
			s.TierPool = total.Mul(t.Rate).Div(d.cfg.Percent).Round(6)
		}
		uids := members[t.Tier]
		s.Qualified = len(uids)
		if len(uids) == 0 {
			if s.TierPool.IsPositive() {
				log.Infof("pool week %s: tier %d has no qualified leaders, %s undistributed",
					weekStart.Format(util.WeekLayout), t.Tier, s.TierPool)
			}
			summaries = append(summaries, s)
			continue
		}
		s.Share = s.TierPool.DivRound(decimal.NewFromInt(int64(len(uids))), 6)
		for _, uid := range uids {
			lines = append(lines, model.PoolDistributionLine{
				WeekStart: weekStart,
				UID:       uid,
				Tier:      t.Tier,
				TierRate:  t.Rate,
				Share:     s.Share,
			})
			distributed = distributed.Add(s.Share)
		}
		summaries = append(summaries, s)
	}

	bs, err := json.Marshal(summaries)
	if err != nil {
		return dist, nil, errors.Wrap(err, "marshal tier summary")
	}
	dist = model.PoolDistribution{
		WeekStart:         weekStart,
		TotalWeeklyVolume: volume,
		TotalPoolAmount:   total,
		DistributedAmount: distributed,
		TierSummary:       string(bs),
	}
	if err = dao.Pool.Replace(tx, dist, lines); err != nil {
		return dist, nil, errors.Wrap(err, "store pool distribution")
	}
	log.Infof("pool week %s: volume %s, pool %s, distributed %s to %d leaders",
		weekStart.Format(util.WeekLayout), volume, total, distributed, len(lines))
	return dist, summaries, nil
}

// Shares returns the week's per-user pool share.
func Shares(tx *gorm.DB, weekStart time.Time) (map[string]decimal.Decimal, error) {
	lines, err := dao.Pool.Lines(tx, weekStart)
	if err != nil {
		return nil, errors.Wrap(err, "pool lines")
	}
	m := make(map[string]decimal.Decimal, len(lines))
	for _, l := range lines {
		m[l.UID] = l.Share
	}
	return m, nil
}
