package dao

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type user struct {
}

var User = new(user)

// Create inserts a new node; an existing uid is left untouched so placement stays immutable.
func (*user) Create(tx *gorm.DB, u model.User) (created bool, err error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&u)
	return res.RowsAffected == 1, res.Error
}

func (*user) Get(tx *gorm.DB, uid string) (u model.User, err error) {
	err = tx.Where("uid = ?", uid).Take(&u).Error
	return
}

func (*user) List(tx *gorm.DB) (users []model.User, err error) {
	err = tx.Order("uid").Find(&users).Error
	return
}

// SponsorChain returns up to depth sponsors above uid, nearest first. A depth of
// zero walks to the top of the lineage.
func (u *user) SponsorChain(tx *gorm.DB, uid string, depth int) ([]model.User, error) {
	chain := make([]model.User, 0, max(depth, 0))
	seen := map[string]bool{uid: true}
	cur, err := u.Get(tx, uid)
	if err != nil {
		return nil, err
	}
	for (depth <= 0 || len(chain) < depth) && cur.SponsorUID != "" {
		if seen[cur.SponsorUID] {
			return chain, errors.Errorf("dirty user data cause circle in sponsor chain, uid: %s", cur.SponsorUID)
		}
		seen[cur.SponsorUID] = true
		next, err := u.Get(tx, cur.SponsorUID)
		if err != nil {
			return chain, errors.Wrapf(err, "get sponsor %s", cur.SponsorUID)
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// PlacementStep is one binary ancestor together with the leg the walk entered it from.
type PlacementStep struct {
	UID string
	Leg string
}

// PlacementChain walks the binary parent chain from uid to the root.
func (u *user) PlacementChain(tx *gorm.DB, uid string) ([]PlacementStep, error) {
	steps := make([]PlacementStep, 0)
	seen := map[string]bool{uid: true}
	cur, err := u.Get(tx, uid)
	if err != nil {
		return nil, err
	}
	for cur.ParentUID != "" {
		if seen[cur.ParentUID] {
			return steps, errors.Errorf("dirty user data cause circle in placement, uid: %s", cur.ParentUID)
		}
		seen[cur.ParentUID] = true
		steps = append(steps, PlacementStep{UID: cur.ParentUID, Leg: cur.Slot})
		parent, err := u.Get(tx, cur.ParentUID)
		if err != nil {
			return steps, errors.Wrapf(err, "get parent %s", cur.ParentUID)
		}
		cur = parent
	}
	return steps, nil
}

// ChildAt returns the uid placed in parent's slot, if any.
func (*user) ChildAt(tx *gorm.DB, parentUID, slot string) (uid string, found bool, err error) {
	var us []model.User
	err = tx.Select("uid").Where("parent_uid = ? and slot = ?", parentUID, slot).Limit(1).Find(&us).Error
	if err != nil || len(us) == 0 {
		return "", false, err
	}
	return us[0].UID, true, nil
}

func (*user) DirectReferralCounts(tx *gorm.DB) (map[string]int64, error) {
	type row struct {
		SponsorUID string
		N          int64
	}
	var rows []row
	err := tx.Model(&model.User{}).
		Select("sponsor_uid, count(*) as n").
		Where("sponsor_uid <> ''").
		Group("sponsor_uid").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	m := make(map[string]int64, len(rows))
	for _, r := range rows {
		m[r.SponsorUID] = r.N
	}
	return m, nil
}

// UpdateRank moves the stored rank only if it still equals from.
func (*user) UpdateRank(tx *gorm.DB, uid string, from, to int) (bool, error) {
	res := tx.Model(&model.User{}).
		Where("uid = ? and rank_level = ?", uid, from).
		Update("rank_level", to)
	return res.RowsAffected == 1, res.Error
}
