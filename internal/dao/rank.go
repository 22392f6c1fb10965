package dao

import (
	"gorm.io/gorm"

	"affiliate-engine/internal/model"
)

type rank struct {
}

var Rank = new(rank)

// List returns definitions ordered from the highest level down.
func (*rank) List(tx *gorm.DB) (defs []model.RankDefinition, err error) {
	err = tx.Order("level desc").Find(&defs).Error
	return
}

func (*rank) Save(tx *gorm.DB, def model.RankDefinition) error {
	return tx.Save(&def).Error
}

// SeedIfEmpty writes defs only into an empty table so admin edits survive restarts.
func (*rank) SeedIfEmpty(tx *gorm.DB, defs []model.RankDefinition) (bool, error) {
	var n int64
	if err := tx.Model(&model.RankDefinition{}).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 || len(defs) == 0 {
		return false, nil
	}
	return true, tx.Create(&defs).Error
}

type rankChange struct {
}

var RankChange = new(rankChange)

func (*rankChange) Create(tx *gorm.DB, c *model.RankChange) error {
	return tx.Create(c).Error
}

func (*rankChange) ListByUser(tx *gorm.DB, uid string) (cs []model.RankChange, err error) {
	err = tx.Where("uid = ?", uid).Order("id").Find(&cs).Error
	return
}
