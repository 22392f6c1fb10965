package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/settlement"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/db/dbtest"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Monday of the week under test
var week = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func testConfig() config.Engine {
	cfg := config.Engine{
		GhostBV: config.GhostBVConf{DefaultPercent: d("0.5"), WeeklyCap: d("20000"), DurationDays: 10},
		Commission: config.CommissionConf{
			DirectRates: []decimal.Decimal{d("0.10"), d("0.05"), d("0.02")},
		},
		Binary: config.BinaryConf{Rate: d("0.10")},
		Pool: config.PoolConf{
			Percent: d("0.03"),
			Tiers:   []config.PoolTier{{Tier: 1, Rate: d("0.03"), Ranks: []string{"Captain"}}},
		},
		Ranks: []config.RankConf{
			{Level: 0, Name: "Member", WeeklyCap: d("500"), BinaryCap: d("250")},
			{Level: 1, Name: "Captain", MinPersonalSales: d("1000000"), WeeklyCap: d("2000"), BinaryCap: d("1000")},
		},
		Jobs: config.JobsConf{Workers: 4, MaxRetries: 3},
	}
	cfg.SetDefaults()
	return cfg
}

type fixture struct {
	e   *Engine
	clk *clockwork.FakeClock
}

// newFixture builds a sponsor line a <- b <- c <- d, every node spilling into
// its sponsor's left leg. The clock starts Wednesday of the test week.
func newFixture(t *testing.T) *fixture {
	clk := clockwork.NewFakeClockAt(week.AddDate(0, 0, 2).Add(10 * time.Hour))
	e := New(dbtest.New(t), testConfig(), clk)
	require.NoError(t, e.Bootstrap())
	for _, u := range []model.User{
		{UID: "a", RankLevel: 1},
		{UID: "b", SponsorUID: "a"},
		{UID: "c", SponsorUID: "b"},
		{UID: "d", SponsorUID: "c"},
	} {
		_, err := e.RegisterUser(u)
		require.NoError(t, err)
	}
	return &fixture{e: e, clk: clk}
}

func (f *fixture) buy(t *testing.T, id, uid, amount string) {
	created, err := f.e.IngestPurchase(model.Purchase{
		PurchaseID: id, UID: uid, AmountUSD: d(amount), Status: model.PurchaseCompleted, CreatedAt: f.e.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) volume(t *testing.T, uid string) model.TreeAggregate {
	agg, err := f.e.Tree.Get(f.e.DB(), uid)
	require.NoError(t, err)
	return agg
}

func commissionsOf(t *testing.T, f *fixture, source string) map[string]decimal.Decimal {
	cs, err := dao.Commission.ListByWeek(f.e.DB(), week)
	require.NoError(t, err)
	out := make(map[string]decimal.Decimal)
	for _, c := range cs {
		if c.SourceEventID == source {
			out[c.UID] = c.Amount
		}
	}
	return out
}

func TestProcessPendingPipeline(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "p1", "d", "1000")

	res, err := f.e.ProcessPending(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Processed)
	require.EqualValues(t, 0, res.Failed)

	got := commissionsOf(t, f, "p1")
	require.Len(t, got, 3)
	require.True(t, got["c"].Equal(d("100")))
	require.True(t, got["b"].Equal(d("50")))
	require.True(t, got["a"].Equal(d("20")))

	for _, uid := range []string{"a", "b", "c"} {
		require.True(t, f.volume(t, uid).LeftVolume.Equal(d("1000")), "volume reaches %s", uid)
	}
	// ghost bv lands on the buyer's own weak leg
	require.True(t, f.volume(t, "d").LeftVolume.Equal(d("500")))
	grants, err := dao.Grant.ListByUser(f.e.DB(), "d")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	p, err := dao.Purchase.Get(f.e.DB(), "p1")
	require.NoError(t, err)
	require.True(t, p.Processed)
	require.NotNil(t, p.ProcessedAt)
}

func TestReprocessingIsNoop(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "p1", "d", "1000")
	_, err := f.e.ProcessPending(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.e.ProcessPurchase(context.Background(), "p1"))
	created, err := f.e.IngestPurchase(model.Purchase{
		PurchaseID: "p1", UID: "d", AmountUSD: d("1000"), Status: model.PurchaseCompleted,
	})
	require.NoError(t, err)
	require.False(t, created, "a replayed event is ignored")

	n, err := dao.Commission.CountBySource(f.e.DB(), "p1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.True(t, f.volume(t, "a").LeftVolume.Equal(d("1000")))
	require.True(t, f.volume(t, "d").LeftVolume.Equal(d("500")))
}

func TestInvalidPurchasesAreParked(t *testing.T) {
	f := newFixture(t)
	for _, p := range []model.Purchase{
		{PurchaseID: "ghost-user", UID: "nobody", AmountUSD: d("10"), Status: model.PurchaseCompleted},
		{PurchaseID: "zero", UID: "d", AmountUSD: d("0"), Status: model.PurchaseCompleted},
		{PurchaseID: "bad-bv", UID: "d", AmountUSD: d("10"), PackageBVPercent: d("150"), Status: model.PurchaseCompleted},
	} {
		_, err := f.e.IngestPurchase(p)
		require.NoError(t, err)
	}
	f.buy(t, "good", "d", "100")

	res, err := f.e.ProcessPending(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Processed)
	require.EqualValues(t, 3, res.Failed)

	failed, err := dao.Purchase.ListFailed(f.e.DB(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	for _, p := range failed {
		require.False(t, p.Processed)
		require.NotEmpty(t, p.FailedReason)
	}

	pending, err := dao.Purchase.ListPending(f.e.DB(), 10)
	require.NoError(t, err)
	require.Empty(t, pending, "parked purchases do not block the queue")

	err = f.e.ProcessPurchase(context.Background(), "ghost-user")
	require.True(t, errors.Is(err, ErrValidation))

	_, err = f.e.IngestPurchase(model.Purchase{UID: "d"})
	require.True(t, errors.Is(err, ErrValidation))
}

func TestProcessPendingManyUsers(t *testing.T) {
	clk := clockwork.NewFakeClockAt(week.Add(time.Hour))
	e := New(dbtest.New(t), testConfig(), clk)
	require.NoError(t, e.Bootstrap())
	_, err := e.RegisterUser(model.User{UID: "root"})
	require.NoError(t, err)
	const n = 12
	for i := 0; i < n; i++ {
		uid := fmt.Sprintf("u%02d", i)
		_, err = e.RegisterUser(model.User{UID: uid, SponsorUID: "root"})
		require.NoError(t, err)
		for j := 0; j < 2; j++ {
			_, err = e.IngestPurchase(model.Purchase{
				PurchaseID: fmt.Sprintf("%s-%d", uid, j), UID: uid, AmountUSD: d("50"),
				Status: model.PurchaseCompleted, CreatedAt: clk.Now(),
			})
			require.NoError(t, err)
		}
	}

	res, err := e.ProcessPending(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2*n, res.Processed)

	agg, err := e.Tree.Get(e.DB(), "root")
	require.NoError(t, err)
	require.True(t, agg.LeftVolume.Equal(d("1200")), "got %s", agg.LeftVolume)
	require.True(t, agg.RightVolume.IsZero())
	require.EqualValues(t, n, agg.LeftMembers)
}

func TestDailySweepRunsOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "p1", "d", "1000")
	_, err := f.e.ProcessPending(context.Background())
	require.NoError(t, err)

	key := util.DayStart(f.e.Now()).Format(util.WeekLayout)
	done, err := dao.JobRun.Done(f.e.DB(), JobDailySweep, key)
	require.NoError(t, err)
	require.True(t, done, "processing runs the day's sweep first")

	// grant started Wednesday, expires ten days later on Saturday
	f.clk.Advance(9 * 24 * time.Hour)
	require.NoError(t, f.e.EnsureDailySweep())
	require.True(t, f.volume(t, "d").LeftVolume.Equal(d("500")))

	f.clk.Advance(24 * time.Hour)
	require.NoError(t, f.e.EnsureDailySweep())
	require.NoError(t, f.e.EnsureDailySweep())
	require.True(t, f.volume(t, "d").LeftVolume.IsZero())

	grants, err := dao.Grant.ListByUser(f.e.DB(), "d")
	require.NoError(t, err)
	require.Equal(t, model.GrantExpired, grants[0].Status)
	// real volume is untouched by expiry
	require.True(t, f.volume(t, "c").LeftVolume.Equal(d("1000")))
}

func TestRunWeeklyClosesPreviousWeek(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "p1", "d", "1000")
	_, err := f.e.ProcessPending(context.Background())
	require.NoError(t, err)

	// Monday after the test week
	f.clk.Advance(5*24*time.Hour - 9*time.Hour)
	res, err := f.e.RunWeekly(context.Background())
	require.NoError(t, err)
	require.Equal(t, week.Format(util.WeekLayout), res.Week)
	require.Empty(t, res.Promoted)
	require.True(t, res.Pool.TotalPoolAmount.Equal(d("30")))
	require.Equal(t, 3, res.Root.LeafCount)

	rows, err := dao.Settlement.ListByWeek(f.e.DB(), week)
	require.NoError(t, err)
	got := make(map[string]model.WeeklySettlement)
	for _, r := range rows {
		require.Equal(t, model.SettlementReadyToClaim, r.Status)
		got[r.UID] = r
	}
	require.True(t, got["a"].DirectTotal.Equal(d("20")))
	require.True(t, got["a"].LeadershipTotal.Equal(d("30")))
	require.True(t, got["a"].GrandTotal.Equal(d("50")))
	require.True(t, got["c"].GrandTotal.Equal(d("100")))

	again, err := f.e.RunWeekly(context.Background())
	require.NoError(t, err)
	require.Empty(t, again.Root.MerkleRoot, "a closed week is skipped")

	c := got["c"]
	var proof []string
	require.NoError(t, json.Unmarshal([]byte(c.MerkleProof), &proof))
	entry, err := f.e.Settlement.Claim(f.e.DB(), settlement.ClaimRequest{
		SettlementID: c.ID, UID: "c", Wallet: "0x52908400098527886E0F7030069857D2E4169EE7", Proof: proof,
	})
	require.NoError(t, err)
	require.True(t, entry.Amount.Equal(d("100")))
}

func TestLatePurchaseMovesToOpenWeek(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "p1", "d", "100")
	_, err := f.e.ProcessPending(context.Background())
	require.NoError(t, err)
	f.clk.Advance(5 * 24 * time.Hour)
	_, err = f.e.RunWeekly(context.Background())
	require.NoError(t, err)

	// an event dated in the sealed week arrives late
	_, err = f.e.IngestPurchase(model.Purchase{
		PurchaseID: "late", UID: "d", AmountUSD: d("100"), Status: model.PurchaseCompleted,
		CreatedAt: week.AddDate(0, 0, 3),
	})
	require.NoError(t, err)
	_, err = f.e.ProcessPending(context.Background())
	require.NoError(t, err)

	cs, err := dao.Commission.ListByWeek(f.e.DB(), week.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, cs, 3)
	for _, c := range cs {
		require.Equal(t, "late", c.SourceEventID)
		require.Equal(t, model.CommissionPending, c.Status)
	}
}
