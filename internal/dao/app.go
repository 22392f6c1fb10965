package dao

import (
	"gorm.io/gorm"

	"affiliate-engine/internal/model"
)

type app struct {
}

var App = new(app)

func (*app) GetKey(tx *gorm.DB, appID string) (key string, err error) {
	var a model.App
	err = tx.Where("app_id = ?", appID).Take(&a).Error
	return a.PaySecret, err
}

func (*app) Save(tx *gorm.DB, a model.App) error {
	return tx.Save(&a).Error
}
