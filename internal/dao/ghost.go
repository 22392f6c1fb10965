package dao

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type grant struct {
}

var Grant = new(grant)

// Create inserts a grant; a second grant for the same purchase is ignored.
func (*grant) Create(tx *gorm.DB, g *model.GhostGrant) (created bool, err error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(g)
	return res.RowsAffected == 1, res.Error
}

// ActiveSum sums uid's active grants that started in [from, to).
func (*grant) ActiveSum(tx *gorm.DB, uid string, from, to time.Time) (decimal.Decimal, error) {
	var gs []model.GhostGrant
	err := tx.Select("amount").
		Where("uid = ? and status = ? and start_date >= ? and start_date < ?", uid, model.GrantActive, from, to).
		Find(&gs).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, g := range gs {
		sum = sum.Add(g.Amount)
	}
	return sum, nil
}

// ListExpirable returns active grants whose expires_at is at or before now.
func (*grant) ListExpirable(tx *gorm.DB, now time.Time) (gs []model.GhostGrant, err error) {
	err = tx.Where("status = ? and expires_at <= ?", model.GrantActive, now).
		Order("expires_at, id").
		Find(&gs).Error
	return
}

func (*grant) ListByUser(tx *gorm.DB, uid string) (gs []model.GhostGrant, err error) {
	err = tx.Where("uid = ?", uid).Order("id desc").Find(&gs).Error
	return
}

// Expire moves a grant from active to expired exactly once.
func (*grant) Expire(tx *gorm.DB, id int64, now time.Time) (bool, error) {
	res := tx.Model(&model.GhostGrant{}).
		Where("id = ? and status = ?", id, model.GrantActive).
		Updates(map[string]interface{}{"status": model.GrantExpired, "expired_at": now})
	return res.RowsAffected == 1, res.Error
}
