package dao

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"affiliate-engine/internal/db/dbtest"
	"affiliate-engine/internal/model"
)

var week = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func TestMarkFailedKeepsRunes(t *testing.T) {
	gdb := dbtest.New(t)
	_, err := Purchase.Create(gdb, model.Purchase{PurchaseID: "p1", UID: "u", Status: model.PurchaseCompleted})
	require.NoError(t, err)

	// 254 ascii bytes then a three byte rune straddling the column width
	reason := strings.Repeat("x", 254) + "金额无效"
	require.NoError(t, Purchase.MarkFailed(gdb, "p1", reason))

	p, err := Purchase.Get(gdb, "p1")
	require.NoError(t, err)
	require.True(t, utf8.ValidString(p.FailedReason))
	require.Equal(t, strings.Repeat("x", 254), p.FailedReason)

	require.Equal(t, "abc", truncate("abc", 255))
	require.Equal(t, "金", truncate("金额", 5))
}

func TestVolumeBetweenSkipsParked(t *testing.T) {
	gdb := dbtest.New(t)
	for _, p := range []model.Purchase{
		{PurchaseID: "ok", AmountUSD: decimal.NewFromInt(1000), Processed: true},
		{PurchaseID: "parked", AmountUSD: decimal.NewFromInt(500), FailedReason: "unknown user"},
		{PurchaseID: "pending", AmountUSD: decimal.NewFromInt(200)},
	} {
		p.UID = "u"
		p.Status = model.PurchaseCompleted
		p.CreatedAt = week.Add(time.Hour)
		_, err := Purchase.Create(gdb, p)
		require.NoError(t, err)
	}

	sum, err := Purchase.VolumeBetween(gdb, week, week.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.True(t, sum.Equal(decimal.NewFromInt(1000)), "got %s", sum)
}
