package commission

import (
	"testing"
	"time"

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

var week = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func rates() config.CommissionConf {
	return config.CommissionConf{
		DirectRates:   []decimal.Decimal{d("0.10"), d("0.05"), d("0.02")},
		OverrideRates: []decimal.Decimal{d("0.02"), d("0.01"), d("0.01"), d("0.005")},
	}
}

// chainDB builds the sponsor chain A→B→C→D, each placed left under its sponsor.
func chainDB(t *testing.T) (*gorm.DB, *tree.Store) {
	gdb := dbtest.New(t)
	ts := tree.New(config.TreeConf{TieLeg: model.LegLeft})
	_, err := ts.Place(gdb, model.User{UID: "A"})
	require.NoError(t, err)
	prev := "A"
	for _, uid := range []string{"B", "C", "D"} {
		_, err = ts.Place(gdb, model.User{UID: uid, SponsorUID: prev})
		require.NoError(t, err)
		prev = uid
	}
	return gdb, ts
}

func byUID(cs []model.Commission) map[string]model.Commission {
	m := make(map[string]model.Commission, len(cs))
	for _, c := range cs {
		m[c.UID] = c
	}
	return m
}

func TestDirectThreeTiers(t *testing.T) {
	gdb, ts := chainDB(t)
	calc := New(rates(), config.BinaryConf{Rate: d("0.1")}, ts)
	p := model.Purchase{PurchaseID: "p1", UID: "D", AmountUSD: d("1000")}

	cs, err := calc.Direct(gdb, p, week)
	require.NoError(t, err)
	require.Len(t, cs, 3)
	got := byUID(cs)
	require.True(t, got["C"].Amount.Equal(d("100")))
	require.Equal(t, 1, got["C"].Level)
	require.True(t, got["B"].Amount.Equal(d("50")))
	require.True(t, got["A"].Amount.Equal(d("20")))
	for _, c := range cs {
		require.True(t, c.ScaledAmount.Equal(c.Amount))
		require.Equal(t, model.CommissionPending, c.Status)
		require.True(t, c.BaseAmount.Equal(d("1000")))
	}

	again, err := calc.Direct(gdb, p, week)
	require.NoError(t, err)
	require.Empty(t, again, "replayed event creates nothing")

	n, err := dao.Commission.CountBySource(gdb, "p1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	events, err := dao.Outbox.ListByKind(gdb, model.EventCommissionCreated)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestDirectShortChain(t *testing.T) {
	gdb, ts := chainDB(t)
	calc := New(rates(), config.BinaryConf{}, ts)
	cs, err := calc.Direct(gdb, model.Purchase{PurchaseID: "p2", UID: "B", AmountUSD: d("200")}, week)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, "A", cs[0].UID)
	require.True(t, cs[0].Amount.Equal(d("20")))
}

func TestOverrideStacksWithDirect(t *testing.T) {
	gdb, ts := chainDB(t)
	calc := New(rates(), config.BinaryConf{}, ts)
	p := model.Purchase{PurchaseID: "p1", UID: "D", AmountUSD: d("1000")}

	_, err := calc.Direct(gdb, p, week)
	require.NoError(t, err)
	cs, err := calc.Override(gdb, p, week)
	require.NoError(t, err)
	require.Len(t, cs, 3, "chain ends before the fourth level")
	got := byUID(cs)
	require.True(t, got["C"].Amount.Equal(d("20")))
	require.True(t, got["B"].Amount.Equal(d("10")))
	require.True(t, got["A"].Amount.Equal(d("10")))

	n, err := dao.Commission.CountBySource(gdb, "p1")
	require.NoError(t, err)
	require.EqualValues(t, 6, n)
}

func TestBinaryAmountCapped(t *testing.T) {
	agg := model.TreeAggregate{LeftVolume: d("80000"), RightVolume: d("50000")}
	paid, consumed := BinaryAmount(agg, d("0.10"), d("4000"), config.BinaryFlush)
	require.True(t, paid.Equal(d("4000")), "got %s", paid)
	require.True(t, consumed.Equal(d("50000")))

	paid, consumed = BinaryAmount(agg, d("0.10"), d("4000"), config.BinaryCarry)
	require.True(t, paid.Equal(d("4000")))
	require.True(t, consumed.Equal(d("40000")))

	paid, _ = BinaryAmount(agg, d("0.10"), decimal.Zero, config.BinaryFlush)
	require.True(t, paid.Equal(d("5000")), "zero cap is uncapped")

	agg.MatchedVolume = d("60000")
	paid, consumed = BinaryAmount(agg, d("0.10"), d("4000"), config.BinaryFlush)
	require.True(t, paid.IsZero())
	require.True(t, consumed.IsZero())
}

func TestBinaryWatermark(t *testing.T) {
	for _, tc := range []struct {
		watermark    string
		secondWeek   string
		matchedAfter string
	}{
		{config.BinaryFlush, "0", "50000"},
		{config.BinaryCarry, "1000", "50000"},
	} {
		t.Run(tc.watermark, func(t *testing.T) {
			gdb := dbtest.New(t)
			ts := tree.New(config.TreeConf{TieLeg: model.LegLeft})
			_, err := ts.Place(gdb, model.User{UID: "X"})
			require.NoError(t, err)
			require.NoError(t, ts.AddVolume(gdb, "X", model.LegLeft, d("90000")))
			require.NoError(t, ts.AddVolume(gdb, "X", model.LegRight, d("50000")))

			calc := New(rates(), config.BinaryConf{Rate: d("0.10"), Watermark: tc.watermark}, ts)
			colonel := model.RankDefinition{Level: 3, Name: "Colonel", BinaryCap: d("4000")}

			cm, created, err := calc.Binary(gdb, "X", colonel, week)
			require.NoError(t, err)
			require.True(t, created)
			require.True(t, cm.Amount.Equal(d("4000")))

			_, created, err = calc.Binary(gdb, "X", colonel, week)
			require.NoError(t, err)
			require.False(t, created, "one binary record per user and week")

			next := week.AddDate(0, 0, 7)
			cm, created, err = calc.Binary(gdb, "X", colonel, next)
			require.NoError(t, err)
			require.True(t, cm.Amount.Equal(d(tc.secondWeek)), "got %s", cm.Amount)
			require.Equal(t, !cm.Amount.IsZero(), created)

			agg, err := ts.Get(gdb, "X")
			require.NoError(t, err)
			require.True(t, agg.MatchedVolume.Equal(d(tc.matchedAfter)), "got %s", agg.MatchedVolume)
		})
	}
}

func TestBinaryWeekUsesStoredRank(t *testing.T) {
	gdb := dbtest.New(t)
	ts := tree.New(config.TreeConf{TieLeg: model.LegLeft})
	require.NoError(t, dao.Rank.Save(gdb, model.RankDefinition{Level: 0, Name: "Member", BinaryCap: d("250")}))
	require.NoError(t, dao.Rank.Save(gdb, model.RankDefinition{Level: 3, Name: "Colonel", BinaryCap: d("4000")}))
	_, err := ts.Place(gdb, model.User{UID: "X", RankLevel: 3})
	require.NoError(t, err)
	_, err = ts.Place(gdb, model.User{UID: "Y"})
	require.NoError(t, err)
	for _, uid := range []string{"X", "Y"} {
		require.NoError(t, ts.AddVolume(gdb, uid, model.LegLeft, d("50000")))
		require.NoError(t, ts.AddVolume(gdb, uid, model.LegRight, d("50000")))
	}

	calc := New(rates(), config.BinaryConf{Rate: d("0.10"), Watermark: config.BinaryFlush}, ts)
	cs, err := calc.BinaryWeek(gdb, week)
	require.NoError(t, err)
	got := byUID(cs)
	require.True(t, got["X"].Amount.Equal(d("4000")))
	require.True(t, got["Y"].Amount.Equal(d("250")))
}

func TestBinaryPreviewWritesNothing(t *testing.T) {
	gdb := dbtest.New(t)
	ts := tree.New(config.TreeConf{TieLeg: model.LegLeft})
	require.NoError(t, dao.Rank.Save(gdb, model.RankDefinition{Level: 0, Name: "Member"}))
	_, err := ts.Place(gdb, model.User{UID: "X"})
	require.NoError(t, err)
	require.NoError(t, ts.AddVolume(gdb, "X", model.LegLeft, d("1000")))
	require.NoError(t, ts.AddVolume(gdb, "X", model.LegRight, d("1000")))

	calc := New(rates(), config.BinaryConf{Rate: d("0.10"), Watermark: config.BinaryFlush}, ts)
	preview, err := calc.BinaryPreview(gdb, week)
	require.NoError(t, err)
	require.True(t, preview["X"].Equal(d("100")))

	n, err := dao.Commission.CountBySource(gdb, binaryEventID("X", week))
	require.NoError(t, err)
	require.Zero(t, n)
	agg, err := ts.Get(gdb, "X")
	require.NoError(t, err)
	require.True(t, agg.MatchedVolume.IsZero())

	// volume keeps growing; the sealed amount reflects all of it
	require.NoError(t, ts.AddVolume(gdb, "X", model.LegLeft, d("5000")))
	require.NoError(t, ts.AddVolume(gdb, "X", model.LegRight, d("5000")))
	cs, err := calc.BinaryWeek(gdb, week)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.True(t, cs[0].Amount.Equal(d("600")))
}
