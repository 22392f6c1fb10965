package config

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	LegLeft  = "left"
	LegRight = "right"

	// binary watermark policies
	BinaryFlush = "flush"
	BinaryCarry = "carry"

	// carry forward policies
	CarryForfeit  = "forfeit"
	CarryRollover = "rollover"
)

// Engine 佣金引擎配置, loaded once per process and validated at load time.
type Engine struct {
	Tree       TreeConf       `yaml:"tree"`
	GhostBV    GhostBVConf    `yaml:"ghost_bv"`
	Commission CommissionConf `yaml:"commission"`
	Binary     BinaryConf     `yaml:"binary"`
	Pool       PoolConf       `yaml:"pool"`
	Settlement SettlementConf `yaml:"settlement"`
	Ranks      []RankConf     `yaml:"ranks"`
	Jobs       JobsConf       `yaml:"jobs"`
}

type TreeConf struct {
	TieLeg string `yaml:"tie_leg"`
}

type GhostBVConf struct {
	DefaultPercent decimal.Decimal `yaml:"default_percent"`
	WeeklyCap      decimal.Decimal `yaml:"weekly_cap"`
	DurationDays   int             `yaml:"duration_days"`
}

type CommissionConf struct {
	DirectRates   []decimal.Decimal `yaml:"direct_rates"`
	OverrideRates []decimal.Decimal `yaml:"override_rates"`
}

type BinaryConf struct {
	Rate      decimal.Decimal `yaml:"rate"`
	Watermark string          `yaml:"watermark"`
}

type PoolTier struct {
	Tier  int             `yaml:"tier"`
	Rate  decimal.Decimal `yaml:"rate"`
	Ranks []string        `yaml:"ranks"`
}

type PoolConf struct {
	Percent decimal.Decimal `yaml:"percent"`
	Tiers   []PoolTier      `yaml:"tiers"`
}

type SettlementConf struct {
	CarryForwardPolicy string `yaml:"carry_forward_policy"`
}

// RankConf seeds rank_definitions when the table is empty.
type RankConf struct {
	Level              int             `yaml:"level"`
	Name               string          `yaml:"name"`
	MinPersonalSales   decimal.Decimal `yaml:"min_personal_sales"`
	MinTeamSales       decimal.Decimal `yaml:"min_team_sales"`
	MinLeftVolume      decimal.Decimal `yaml:"min_left_volume"`
	MinRightVolume     decimal.Decimal `yaml:"min_right_volume"`
	MinHashrate        decimal.Decimal `yaml:"min_hashrate"`
	MinDirectReferrals int             `yaml:"min_direct_referrals"`
	WeeklyCap          decimal.Decimal `yaml:"weekly_cap"`
	BinaryCap          decimal.Decimal `yaml:"binary_cap"`
}

type JobsConf struct {
	DailySchedule   string `yaml:"daily_schedule"`
	ProcessSchedule string `yaml:"process_schedule"`
	WeeklySchedule  string `yaml:"weekly_schedule"`
	NotifySchedule  string `yaml:"notify_schedule"`
	Workers         int    `yaml:"workers"`
	MaxRetries      uint64 `yaml:"max_retries"`
}

// SetDefaults fills zero values with the production defaults.
func (e *Engine) SetDefaults() {
	if e.Tree.TieLeg == "" {
		e.Tree.TieLeg = LegLeft
	}
	if e.GhostBV.DurationDays == 0 {
		e.GhostBV.DurationDays = 10
	}
	if e.Binary.Watermark == "" {
		e.Binary.Watermark = BinaryFlush
	}
	if e.Settlement.CarryForwardPolicy == "" {
		e.Settlement.CarryForwardPolicy = CarryForfeit
	}
	if e.Jobs.DailySchedule == "" {
		e.Jobs.DailySchedule = "0 5 0 * * *"
	}
	if e.Jobs.ProcessSchedule == "" {
		e.Jobs.ProcessSchedule = "0 */5 * * * *"
	}
	if e.Jobs.WeeklySchedule == "" {
		e.Jobs.WeeklySchedule = "0 30 0 * * 1"
	}
	if e.Jobs.NotifySchedule == "" {
		e.Jobs.NotifySchedule = "*/30 * * * * *"
	}
	if e.Jobs.Workers <= 0 {
		e.Jobs.Workers = 8
	}
	if e.Jobs.MaxRetries == 0 {
		e.Jobs.MaxRetries = 5
	}
}

func isRate(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}

// Validate range checks every rate, cap and duration.
func (e *Engine) Validate() error {
	if e.Tree.TieLeg != LegLeft && e.Tree.TieLeg != LegRight {
		return errors.Errorf("tree.tie_leg must be left or right, got %q", e.Tree.TieLeg)
	}
	if !isRate(e.GhostBV.DefaultPercent) {
		return errors.Errorf("ghost_bv.default_percent out of range: %s", e.GhostBV.DefaultPercent)
	}
	if e.GhostBV.WeeklyCap.IsNegative() {
		return errors.New("ghost_bv.weekly_cap must not be negative")
	}
	if e.GhostBV.DurationDays <= 0 {
		return errors.New("ghost_bv.duration_days must be positive")
	}
	if len(e.Commission.DirectRates) != 3 {
		return errors.Errorf("commission.direct_rates needs 3 tiers, got %d", len(e.Commission.DirectRates))
	}
	for i, r := range e.Commission.DirectRates {
		if !isRate(r) {
			return errors.Errorf("commission.direct_rates[%d] out of range: %s", i, r)
		}
		if i > 0 && r.GreaterThan(e.Commission.DirectRates[i-1]) {
			return errors.Errorf("commission.direct_rates must descend by depth, tier %d is %s", i+1, r)
		}
	}
	for i, r := range e.Commission.OverrideRates {
		if !isRate(r) {
			return errors.Errorf("commission.override_rates[%d] out of range: %s", i, r)
		}
	}
	if !isRate(e.Binary.Rate) {
		return errors.Errorf("binary.rate out of range: %s", e.Binary.Rate)
	}
	if e.Binary.Watermark != BinaryFlush && e.Binary.Watermark != BinaryCarry {
		return errors.Errorf("binary.watermark must be flush or carry, got %q", e.Binary.Watermark)
	}
	if !isRate(e.Pool.Percent) {
		return errors.Errorf("pool.percent out of range: %s", e.Pool.Percent)
	}
	tierSum := decimal.Zero
	for _, t := range e.Pool.Tiers {
		if !isRate(t.Rate) {
			return errors.Errorf("pool tier %d rate out of range: %s", t.Tier, t.Rate)
		}
		tierSum = tierSum.Add(t.Rate)
	}
	if tierSum.GreaterThan(e.Pool.Percent) {
		return errors.Errorf("pool tier rates sum %s exceeds pool.percent %s", tierSum, e.Pool.Percent)
	}
	if e.Settlement.CarryForwardPolicy != CarryForfeit && e.Settlement.CarryForwardPolicy != CarryRollover {
		return errors.Errorf("settlement.carry_forward_policy must be forfeit or rollover, got %q",
			e.Settlement.CarryForwardPolicy)
	}
	seen := make(map[int]bool)
	for _, r := range e.Ranks {
		if seen[r.Level] {
			return errors.Errorf("duplicate rank level %d", r.Level)
		}
		seen[r.Level] = true
		if r.WeeklyCap.IsNegative() || r.BinaryCap.IsNegative() {
			return errors.Errorf("rank %s has a negative cap", r.Name)
		}
	}
	return nil
}
