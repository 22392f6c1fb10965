package dgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Referral is one sponsor edge of the invite graph.
type Referral struct {
	Sponsor string
	UID     string
}

// ListReferrals pages through every user with a name and collects the
// sponsor edges under it. A user invited twice keeps its first sponsor.
func ListReferrals(ctx context.Context, q Querier, pageSize int) ([]Referral, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	offset := 0
	sponsors := make(map[string]string)
	seen := make(map[string]bool)
	var order []string

	for {
		var query = fmt.Sprintf(`
query data() {
	data(func: has(name), first:%d, offset:%d) {
		n:name
		l:cons {
			n:name
		}
	}
}`, pageSize, offset)
		offset += pageSize

		qctx, cancel := context.WithTimeout(ctx, time.Minute)
		bs, err := q.Query(qctx, query)
		cancel()
		if err != nil {
			return nil, errors.Wrapf(err, "query relation at offset %d", offset-pageSize)
		}

		type Root struct {
			Users []UserResp `json:"data"`
		}
		var r Root
		if err = json.Unmarshal(bs, &r); err != nil {
			return nil, errors.Wrap(err, "unmarshal relation")
		}
		if len(r.Users) == 0 {
			break
		}

		UserResp{}.Walk(r.Users, 0, func(u UserResp, depth int) {
			if u.Name == "" {
				return
			}
			if !seen[u.Name] {
				seen[u.Name] = true
				order = append(order, u.Name)
			}
			for _, child := range u.Links {
				if child.Name == "" || child.Name == u.Name {
					continue
				}
				if prev, ok := sponsors[child.Name]; ok && prev != u.Name {
					log.Warnf("user %s invited by %s and %s, keeping %s", child.Name, prev, u.Name, prev)
					continue
				}
				sponsors[child.Name] = u.Name
				if !seen[child.Name] {
					seen[child.Name] = true
					order = append(order, child.Name)
				}
			}
		})
		if len(r.Users) < pageSize {
			break
		}
	}

	refs := make([]Referral, 0, len(order))
	for _, uid := range order {
		refs = append(refs, Referral{Sponsor: sponsors[uid], UID: uid})
	}
	return refs, nil
}

// Order sorts referrals so every sponsor comes before the users it invited.
// Users whose sponsor is unknown become roots. Edges left over after the sort
// form a cycle and are returned as an error.
func Order(refs []Referral) ([]Referral, error) {
	known := make(map[string]bool, len(refs))
	for _, r := range refs {
		known[r.UID] = true
	}
	children := make(map[string][]Referral)
	var queue []Referral
	for _, r := range refs {
		if r.Sponsor == "" || !known[r.Sponsor] {
			queue = append(queue, Referral{UID: r.UID})
			continue
		}
		children[r.Sponsor] = append(children[r.Sponsor], r)
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].UID < queue[j].UID })

	out := make([]Referral, 0, len(refs))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, children[cur.UID]...)
	}
	if len(out) != len(refs) {
		return out, errors.Errorf("dirty invite data: %d users sit in a sponsor cycle", len(refs)-len(out))
	}
	return out, nil
}
