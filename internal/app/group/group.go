// Package group holds the sponsor relation (who referred whom) used for team metrics.
package group

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"affiliate-engine/internal/dao"
)

// Relation maps a sponsor to its direct referrals.
type Relation struct {
	children map[string][]string
}

// Load builds the relation from the users table.
func Load(tx *gorm.DB) (*Relation, error) {
	users, err := dao.User.List(tx)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	r := &Relation{children: make(map[string][]string)}
	for _, u := range users {
		if u.SponsorUID == "" || u.SponsorUID == u.UID {
			continue
		}
		r.children[u.SponsorUID] = append(r.children[u.SponsorUID], u.UID)
	}
	return r, nil
}

// GetDownLineUsers 获取当前用户的直接下线
func (r *Relation) GetDownLineUsers(uid string) []string {
	ids := make([]string, 0)
	ids = append(ids, r.children[uid]...)
	return ids
}

// GetAllDownLineUsers 获取当前用户的所有下线
func (r *Relation) GetAllDownLineUsers(uid string, cm map[string]bool) (ids []string, err error) {
	ids = make([]string, 0)
	users := r.GetDownLineUsers(uid)
	if len(users) == 0 {
		return ids, nil
	}
	ids = append(ids, users...)
	for _, user := range users {
		if _, ok := cm[user]; ok {
			err = errors.Errorf("dirty user data cause circle in relation, uid: %s", user)
			return
		}
		cm[user] = true
		subs, err := r.GetAllDownLineUsers(user, cm)
		if err != nil {
			return ids, err
		}
		ids = append(ids, subs...)
	}
	return
}

// TeamSales sums personal sales of every sponsor descendant of each user, the
// user itself excluded. Each subtree is visited once.
func (r *Relation) TeamSales(personal map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	team := make(map[string]decimal.Decimal)
	visiting := make(map[string]bool)

	var walk func(uid string) (decimal.Decimal, error)
	walk = func(uid string) (decimal.Decimal, error) {
		if v, ok := team[uid]; ok {
			return v, nil
		}
		if visiting[uid] {
			return decimal.Zero, errors.Errorf("dirty user data cause circle in relation, uid: %s", uid)
		}
		visiting[uid] = true
		sum := decimal.Zero
		for _, child := range r.children[uid] {
			sub, err := walk(child)
			if err != nil {
				return decimal.Zero, err
			}
			sum = sum.Add(personal[child]).Add(sub)
		}
		visiting[uid] = false
		team[uid] = sum
		return sum, nil
	}

	for uid := range r.children {
		if _, err := walk(uid); err != nil {
			return nil, err
		}
	}
	return team, nil
}
