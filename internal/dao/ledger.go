package dao

import (
	"gorm.io/gorm"

	"affiliate-engine/internal/model"
)

type ledger struct {
}

var Ledger = new(ledger)

func (*ledger) Create(tx *gorm.DB, e model.LedgerEntry) error {
	return tx.Create(&e).Error
}

func (*ledger) ListByUser(tx *gorm.DB, uid string) (es []model.LedgerEntry, err error) {
	err = tx.Where("uid = ?", uid).Order("created_at desc").Find(&es).Error
	return
}
