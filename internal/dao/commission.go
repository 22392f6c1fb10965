package dao

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type commission struct {
}

var Commission = new(commission)

// Create inserts c unless the dedupe key (type, source_event_id, uid, level) exists.
func (*commission) Create(tx *gorm.DB, c *model.Commission) (created bool, err error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	return res.RowsAffected == 1, res.Error
}

func (*commission) ListByWeek(tx *gorm.DB, weekStart time.Time) (cs []model.Commission, err error) {
	err = tx.Where("week_start = ?", weekStart).Order("id").Find(&cs).Error
	return
}

func (*commission) ListByUser(tx *gorm.DB, uid string, lastID int64, pageSize int) (cs []model.Commission, err error) {
	q := tx.Where("uid = ?", uid)
	if lastID > 0 {
		q = q.Where("id < ?", lastID)
	}
	err = q.Order("id desc").Limit(pageSize).Find(&cs).Error
	return
}

func (*commission) CountBySource(tx *gorm.DB, sourceEventID string) (n int64, err error) {
	err = tx.Model(&model.Commission{}).Where("source_event_id = ?", sourceEventID).Count(&n).Error
	return
}

func (*commission) MarkSettled(tx *gorm.DB, weekStart time.Time) error {
	return tx.Model(&model.Commission{}).
		Where("week_start = ? and status = ?", weekStart, model.CommissionPending).
		Update("status", model.CommissionSettled).Error
}
