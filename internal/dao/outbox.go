package dao

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"affiliate-engine/internal/model"
)

type outbox struct {
}

var Outbox = new(outbox)

// Add queues an event inside the caller's transaction.
func (*outbox) Add(tx *gorm.DB, kind, uid string, payload interface{}) error {
	bs, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal outbox payload")
	}
	return tx.Create(&model.OutboxEvent{Kind: kind, UID: uid, Payload: string(bs)}).Error
}

// ListUndelivered returns the oldest undelivered events that have not used up
// their attempts. maxAttempts <= 0 means unlimited.
func (*outbox) ListUndelivered(tx *gorm.DB, maxAttempts, limit int) (es []model.OutboxEvent, err error) {
	q := tx.Where("delivered_at is null")
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	err = q.Order("id").Limit(limit).Find(&es).Error
	return
}

func (*outbox) MarkDelivered(tx *gorm.DB, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&model.OutboxEvent{}).Where("id in ?", ids).Update("delivered_at", now).Error
}

func (*outbox) IncAttempts(tx *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&model.OutboxEvent{}).Where("id in ?", ids).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

func (*outbox) ListByKind(tx *gorm.DB, kind string) (es []model.OutboxEvent, err error) {
	err = tx.Where("kind = ?", kind).Order("id").Find(&es).Error
	return
}
