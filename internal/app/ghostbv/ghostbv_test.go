package ghostbv

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/tree"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/db/dbtest"
	"affiliate-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// day0 is a Monday.
var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*gorm.DB, *tree.Store, *Manager) {
	gdb := dbtest.New(t)
	ts := tree.New(config.TreeConf{TieLeg: model.LegLeft})
	_, err := ts.Place(gdb, model.User{UID: "u"})
	require.NoError(t, err)
	m := New(config.GhostBVConf{
		DefaultPercent: d("0.5"),
		WeeklyCap:      d("20000"),
		DurationDays:   10,
	}, ts)
	return gdb, ts, m
}

func purchase(id string, amount, percent string, at time.Time) model.Purchase {
	return model.Purchase{
		PurchaseID:       id,
		UID:              "u",
		AmountUSD:        d(amount),
		PackageBVPercent: d(percent),
		Status:           model.PurchaseCompleted,
		CreatedAt:        at,
	}
}

func TestGrantClampedToWeeklyCap(t *testing.T) {
	gdb, ts, m := setup(t)

	g, ok, err := m.Grant(gdb, purchase("p1", "22500", "80", day0), day0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, g.Amount.Equal(d("18000")))

	g, ok, err = m.Grant(gdb, purchase("p2", "10000", "80", day0.Add(time.Hour)), day0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, g.Amount.Equal(d("2000")), "got %s", g.Amount)

	_, ok, err = m.Grant(gdb, purchase("p3", "10000", "80", day0.Add(2*time.Hour)), day0)
	require.NoError(t, err)
	require.False(t, ok, "no zero-value grants")

	agg, err := ts.Get(gdb, "u")
	require.NoError(t, err)
	require.True(t, agg.LeftVolume.Add(agg.RightVolume).Equal(d("20000")))

	grants, err := dao.Grant.ListByUser(gdb, "u")
	require.NoError(t, err)
	require.Len(t, grants, 2)
}

func TestGrantUsesWeakLegAndDefaultPercent(t *testing.T) {
	gdb, ts, m := setup(t)
	require.NoError(t, ts.AddVolume(gdb, "u", model.LegLeft, d("100")))

	g, ok, err := m.Grant(gdb, purchase("p1", "1000", "0", day0), day0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.LegRight, g.PayLeg)
	require.True(t, g.Amount.Equal(d("500")))
	require.True(t, g.ExpiresAt.Equal(day0.AddDate(0, 0, 10)))

	_, ok, err = m.Grant(gdb, purchase("p1", "1000", "0", day0), day0)
	require.NoError(t, err)
	require.False(t, ok, "one grant per purchase")
}

func TestGrantNextWeekHasFreshCap(t *testing.T) {
	gdb, _, m := setup(t)
	_, ok, err := m.Grant(gdb, purchase("p1", "40000", "50", day0), day0)
	require.NoError(t, err)
	require.True(t, ok)

	g, ok, err := m.Grant(gdb, purchase("p2", "100", "50", day0.AddDate(0, 0, 7)), day0.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, g.Amount.Equal(d("50")))
}

func TestSweepExpiresOnceOnExpiryDay(t *testing.T) {
	gdb, ts, m := setup(t)
	_, ok, err := m.Grant(gdb, purchase("p1", "1000", "80", day0), day0)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := m.Sweep(gdb, day0.AddDate(0, 0, 9).Add(23*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, res.Expired, "active through day 9")

	day10 := day0.AddDate(0, 0, 10).Add(5 * time.Minute)
	res, err = m.Sweep(gdb, day10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)

	before, err := ts.Get(gdb, "u")
	require.NoError(t, err)
	require.True(t, before.LeftVolume.IsZero())
	require.True(t, before.RightVolume.IsZero())

	res, err = m.Sweep(gdb, day10)
	require.NoError(t, err)
	require.Equal(t, 0, res.Expired)
	res, err = m.Sweep(gdb, day10.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Equal(t, 0, res.Expired)

	after, err := ts.Get(gdb, "u")
	require.NoError(t, err)
	require.True(t, before.LeftVolume.Equal(after.LeftVolume))
	require.True(t, before.RightVolume.Equal(after.RightVolume))
	require.Equal(t, before.Version, after.Version)

	grants, err := dao.Grant.ListByUser(gdb, "u")
	require.NoError(t, err)
	require.Equal(t, model.GrantExpired, grants[0].Status)
}

func TestGrantStartsAtMidnight(t *testing.T) {
	gdb, _, m := setup(t)
	noon := day0.Add(12 * time.Hour)
	g, ok, err := m.Grant(gdb, purchase("p1", "1000", "80", noon), noon)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, g.StartDate.Equal(day0))
	require.True(t, g.ExpiresAt.Equal(day0.AddDate(0, 0, 10)))

	// just after midnight on day 10 the grant is due, a minute earlier it is not
	res, err := m.Sweep(gdb, g.ExpiresAt.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, res.Expired)

	now := g.ExpiresAt.Add(5 * time.Minute)
	res, err = m.Sweep(gdb, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)

	grants, err := dao.Grant.ListByUser(gdb, "u")
	require.NoError(t, err)
	require.False(t, now.Before(grants[0].ExpiresAt), "expired only once now >= expires_at")
}

func TestExpireRefusesNegativeVolume(t *testing.T) {
	gdb, ts, m := setup(t)
	g, ok, err := m.Grant(gdb, purchase("p1", "1000", "80", day0), day0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ts.RemoveVolume(gdb, "u", g.PayLeg, d("100")))

	err = gdb.Transaction(func(tx *gorm.DB) error {
		_, err := m.Expire(tx, g, day0.AddDate(0, 0, 10))
		return err
	})
	require.True(t, errors.Is(err, tree.ErrNegativeVolume))

	res, err := m.Sweep(gdb, day0.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	grants, err := dao.Grant.ListByUser(gdb, "u")
	require.NoError(t, err)
	require.Equal(t, model.GrantActive, grants[0].Status, "aborted item keeps its state")

	agg, err := ts.Get(gdb, "u")
	require.NoError(t, err)
	require.False(t, agg.LeftVolume.IsNegative())
	require.False(t, agg.RightVolume.IsNegative())
}
