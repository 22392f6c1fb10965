package dgraph

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/engine"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/db/dbtest"
	"affiliate-engine/internal/model"
)

// pages answers successive queries with the next canned page.
type pages struct {
	results []string
	queries []string
}

func (p *pages) Query(_ context.Context, q string) ([]byte, error) {
	p.queries = append(p.queries, q)
	if len(p.queries) > len(p.results) {
		return []byte(`{"data":[]}`), nil
	}
	return []byte(p.results[len(p.queries)-1]), nil
}

func TestListReferrals(t *testing.T) {
	q := &pages{results: []string{
		`{"data":[{"n":"root","l":[{"n":"a"},{"n":"b"}]},{"n":"a","l":[{"n":"c"}]}]}`,
		`{"data":[{"n":"b","l":[{"n":"c"},{"n":"d"}]}]}`,
	}}
	refs, err := ListReferrals(context.Background(), q, 2)
	require.NoError(t, err)
	require.Len(t, q.queries, 2, "a short page ends paging")
	require.True(t, strings.Contains(q.queries[1], "offset:2"))

	got := make(map[string]string)
	for _, r := range refs {
		got[r.UID] = r.Sponsor
	}
	require.Equal(t, map[string]string{"root": "", "a": "root", "b": "root", "c": "a", "d": "b"}, got)
}

func TestOrder(t *testing.T) {
	refs := []Referral{{"b", "c"}, {"a", "b"}, {"", "a"}, {"gone", "z"}}
	out, err := Order(refs)
	require.NoError(t, err)
	pos := make(map[string]int)
	for i, r := range out {
		pos[r.UID] = i
	}
	require.Less(t, pos["a"], pos["b"])
	require.Less(t, pos["b"], pos["c"])
	require.Equal(t, "", out[pos["z"]].Sponsor, "unknown sponsor becomes a root")

	_, err = Order([]Referral{{"x", "y"}, {"y", "x"}})
	require.Error(t, err)
}

func TestImport(t *testing.T) {
	cfg := config.Engine{}
	cfg.SetDefaults()
	eng := engine.New(dbtest.New(t), cfg, nil)

	refs := []Referral{{"root", "a"}, {"", "root"}, {"a", "b"}}
	placed, skipped, err := Import(eng, refs)
	require.NoError(t, err)
	require.Equal(t, 3, placed)
	require.Zero(t, skipped)

	placed, skipped, err = Import(eng, refs)
	require.NoError(t, err)
	require.Zero(t, placed)
	require.Equal(t, 3, skipped)

	b, err := dao.User.Get(eng.DB(), "b")
	require.NoError(t, err)
	require.Equal(t, "a", b.SponsorUID)
	require.Equal(t, "a", b.ParentUID)
	require.Equal(t, model.LegLeft, b.Slot)
}
