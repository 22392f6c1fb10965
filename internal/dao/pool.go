package dao

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type pool struct {
}

var Pool = new(pool)

// Replace upserts the week's distribution and swaps its lines in one go.
func (*pool) Replace(tx *gorm.DB, d model.PoolDistribution, lines []model.PoolDistributionLine) error {
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "week_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_weekly_volume", "total_pool_amount", "distributed_amount", "tier_summary", "updated_at",
		}),
	}).Create(&d).Error
	if err != nil {
		return err
	}
	if err = tx.Where("week_start = ?", d.WeekStart).Delete(&model.PoolDistributionLine{}).Error; err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return tx.CreateInBatches(&lines, 500).Error
}

func (*pool) Get(tx *gorm.DB, weekStart time.Time) (d model.PoolDistribution, err error) {
	err = tx.Where("week_start = ?", weekStart).Take(&d).Error
	return
}

func (*pool) Lines(tx *gorm.DB, weekStart time.Time) (lines []model.PoolDistributionLine, err error) {
	err = tx.Where("week_start = ?", weekStart).Order("tier, uid").Find(&lines).Error
	return
}
