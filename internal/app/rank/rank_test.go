package rank

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"affiliate-engine/config"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/db/dbtest"
	"affiliate-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRanks() []config.RankConf {
	return []config.RankConf{
		{Level: 0, Name: "Member", WeeklyCap: d("500")},
		{Level: 1, Name: "Captain", MinPersonalSales: d("100"), MinDirectReferrals: 1, WeeklyCap: d("2000")},
		{Level: 2, Name: "Major", MinPersonalSales: d("5000"), MinTeamSales: d("50000"), MinHashrate: d("100"),
			WeeklyCap: d("5000"), BinaryCap: d("2500")},
	}
}

func definitions() []model.RankDefinition {
	defs := make([]model.RankDefinition, 0)
	for _, r := range testRanks() {
		defs = append(defs, model.RankDefinition{
			Level: r.Level, Name: r.Name, MinPersonalSales: r.MinPersonalSales, MinTeamSales: r.MinTeamSales,
			MinHashrate: r.MinHashrate, MinDirectReferrals: r.MinDirectReferrals, WeeklyCap: r.WeeklyCap,
			BinaryCap: r.BinaryCap,
		})
	}
	return defs
}

func TestQualifyNeedsEveryThreshold(t *testing.T) {
	defs := definitions()
	m := Metrics{
		PersonalSales:   d("50000"),
		TeamSales:       d("500000"),
		Hashrate:        d("99"),
		DirectReferrals: 40,
	}
	def, err := Qualify(defs, m)
	require.NoError(t, err)
	require.Equal(t, "Captain", def.Name)

	m.Hashrate = d("100")
	def, err = Qualify(defs, m)
	require.NoError(t, err)
	require.Equal(t, "Major", def.Name)
	require.True(t, def.WeeklyCap.Equal(d("5000")))
}

func TestQualifyFallsBackToLowest(t *testing.T) {
	def, err := Qualify(definitions(), Metrics{})
	require.NoError(t, err)
	require.Equal(t, 0, def.Level)

	_, err = Qualify(nil, Metrics{})
	require.ErrorIs(t, err, ErrNoDefinitions)
}

func TestDefinition(t *testing.T) {
	def, err := Definition(definitions(), 2)
	require.NoError(t, err)
	require.Equal(t, "Major", def.Name)

	def, err = Definition(definitions(), 9)
	require.NoError(t, err)
	require.Equal(t, "Member", def.Name)
}

func TestEvaluateAllPromotesOnly(t *testing.T) {
	gdb := dbtest.New(t)
	require.NoError(t, Seed(gdb, testRanks()))
	require.NoError(t, Seed(gdb, testRanks()[:1]), "seeding twice keeps the first set")

	for _, u := range []model.User{
		{UID: "a"},
		{UID: "b", SponsorUID: "a"},
		{UID: "c", SponsorUID: "a", RankLevel: 2},
	} {
		_, err := dao.User.Create(gdb, u)
		require.NoError(t, err)
		require.NoError(t, dao.Tree.Create(gdb, model.TreeAggregate{UID: u.UID}))
	}
	_, err := dao.Purchase.Create(gdb, model.Purchase{
		PurchaseID: "p1", UID: "a", AmountUSD: d("150"), Status: model.PurchaseCompleted,
		CreatedAt: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), Processed: true,
	})
	require.NoError(t, err)

	promoted, err := EvaluateAll(gdb)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, promoted)

	a, err := dao.User.Get(gdb, "a")
	require.NoError(t, err)
	require.Equal(t, 1, a.RankLevel)

	c, err := dao.User.Get(gdb, "c")
	require.NoError(t, err)
	require.Equal(t, 2, c.RankLevel, "ranks are never demoted by evaluation")

	changes, err := dao.RankChange.ListByUser(gdb, "a")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, model.RankChangePromotion, changes[0].Kind)

	events, err := dao.Outbox.ListByKind(gdb, model.EventRankPromotion)
	require.NoError(t, err)
	require.Len(t, events, 1)

	promoted, err = EvaluateAll(gdb)
	require.NoError(t, err)
	require.Empty(t, promoted)
}

func TestOverride(t *testing.T) {
	gdb := dbtest.New(t)
	require.NoError(t, Seed(gdb, testRanks()))
	_, err := dao.User.Create(gdb, model.User{UID: "a", RankLevel: 2})
	require.NoError(t, err)

	require.NoError(t, Override(gdb, "a", 0, "admin", "chargeback"))
	a, err := dao.User.Get(gdb, "a")
	require.NoError(t, err)
	require.Equal(t, 0, a.RankLevel)

	changes, err := dao.RankChange.ListByUser(gdb, "a")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "chargeback", changes[0].Reason)

	err = Override(gdb, "a", 7, "admin", "")
	require.True(t, errors.Is(err, ErrUnknownLevel))
}
