package dao

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type tree struct {
}

var Tree = new(tree)

func (*tree) Create(tx *gorm.DB, agg model.TreeAggregate) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&agg).Error
}

func (*tree) Get(tx *gorm.DB, uid string) (agg model.TreeAggregate, err error) {
	err = tx.Where("uid = ?", uid).Take(&agg).Error
	return
}

func (*tree) List(tx *gorm.DB) (aggs []model.TreeAggregate, err error) {
	err = tx.Order("uid").Find(&aggs).Error
	return
}

// UpdateVersioned writes agg only if the stored version still equals agg.Version,
// bumping it by one. Zero rows affected means a concurrent writer won.
func (*tree) UpdateVersioned(tx *gorm.DB, agg model.TreeAggregate) (bool, error) {
	res := tx.Model(&model.TreeAggregate{}).
		Where("uid = ? and version = ?", agg.UID, agg.Version).
		Updates(map[string]interface{}{
			"left_volume":    agg.LeftVolume,
			"right_volume":   agg.RightVolume,
			"left_members":   agg.LeftMembers,
			"right_members":  agg.RightMembers,
			"weak_leg":       agg.WeakLeg,
			"matched_volume": agg.MatchedVolume,
			"version":        agg.Version + 1,
		})
	return res.RowsAffected == 1, res.Error
}
