package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/db/dbtest"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/util"
)

const secret = "s3cret"

func TestDeliverSignsAndMarks(t *testing.T) {
	gdb := dbtest.New(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, dao.Outbox.Add(gdb, model.EventCommissionCreated, "alice", map[string]int{"n": i}))
	}

	var posts atomic.Int32
	var received []event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get("time"), 10, 64)
		if err != nil || r.Header.Get("sign") != util.Sign(string(body), ts, secret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var b batch
		if err = json.Unmarshal(body, &b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		posts.Add(1)
		received = append(received, b.Events...)
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC))
	n, err := New(gdb, srv.URL, secret, 2, 5, clk).Deliver()
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.EqualValues(t, 3, posts.Load())
	require.Len(t, received, 5)
	require.Equal(t, model.EventCommissionCreated, received[0].Kind)
	require.JSONEq(t, `{"n":0}`, string(received[0].Payload))

	left, err := dao.Outbox.ListUndelivered(gdb, 0, 10)
	require.NoError(t, err)
	require.Empty(t, left)

	n, err = New(gdb, srv.URL, secret, 2, 5, clk).Deliver()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeliverCountsFailedAttempts(t *testing.T) {
	gdb := dbtest.New(t)
	require.NoError(t, dao.Outbox.Add(gdb, model.EventRankPromotion, "bob", map[string]int{"to": 1}))

	failing := func(url, body, secret string) ([]byte, error) {
		return nil, errors.New("connection refused")
	}
	d := New(gdb, "http://notify.invalid", secret, 10, 2, nil).WithPoster(failing)
	for i := 0; i < 2; i++ {
		_, err := d.Deliver()
		require.Error(t, err)
	}

	es, err := dao.Outbox.ListByKind(gdb, model.EventRankPromotion)
	require.NoError(t, err)
	require.Equal(t, 2, es[0].Attempts)
	require.Nil(t, es[0].DeliveredAt)

	// out of attempts, the event waits for manual review
	n, err := d.Deliver()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeliverWithoutWebhookIsNoop(t *testing.T) {
	gdb := dbtest.New(t)
	require.NoError(t, dao.Outbox.Add(gdb, model.EventRankPromotion, "bob", nil))
	n, err := New(gdb, "", secret, 10, 0, nil).Deliver()
	require.NoError(t, err)
	require.Zero(t, n)
}
