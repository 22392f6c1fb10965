package dao

import (
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type purchase struct {
}

var Purchase = new(purchase)

const failedReasonWidth = 255

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Create stores an ingested purchase; a replayed purchase id is ignored.
func (*purchase) Create(tx *gorm.DB, p model.Purchase) (created bool, err error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
	return res.RowsAffected == 1, res.Error
}

func (*purchase) Get(tx *gorm.DB, purchaseID string) (p model.Purchase, err error) {
	err = tx.Where("purchase_id = ?", purchaseID).Take(&p).Error
	return
}

// ListPending returns completed, unprocessed, not failed purchases in arrival order.
func (*purchase) ListPending(tx *gorm.DB, limit int) (ps []model.Purchase, err error) {
	err = tx.Where("status = ? and processed = ? and failed_reason = ''", model.PurchaseCompleted, false).
		Order("created_at, purchase_id").
		Limit(limit).
		Find(&ps).Error
	return
}

// MarkProcessed flips processed exactly once.
func (*purchase) MarkProcessed(tx *gorm.DB, purchaseID string, now time.Time) (bool, error) {
	res := tx.Model(&model.Purchase{}).
		Where("purchase_id = ? and processed = ?", purchaseID, false).
		Updates(map[string]interface{}{"processed": true, "processed_at": now})
	return res.RowsAffected == 1, res.Error
}

// MarkFailed parks an unprocessed purchase with reason, cut to the column width
// on a rune boundary.
func (*purchase) MarkFailed(tx *gorm.DB, purchaseID, reason string) error {
	reason = truncate(reason, failedReasonWidth)
	return tx.Model(&model.Purchase{}).
		Where("purchase_id = ? and processed = ?", purchaseID, false).
		Update("failed_reason", reason).Error
}

// ResetFailed puts a reviewed purchase back into the pending queue.
func (*purchase) ResetFailed(tx *gorm.DB, purchaseID string) error {
	return tx.Model(&model.Purchase{}).
		Where("purchase_id = ? and processed = ?", purchaseID, false).
		Update("failed_reason", "").Error
}

func (*purchase) ListFailed(tx *gorm.DB, limit int) (ps []model.Purchase, err error) {
	err = tx.Where("failed_reason <> ''").Order("created_at desc").Limit(limit).Find(&ps).Error
	return
}

// UserSales 个人销售与算力
type UserSales struct {
	Sales    decimal.Decimal
	Hashrate decimal.Decimal
}

// SalesByUser sums processed purchases per buyer.
func (*purchase) SalesByUser(tx *gorm.DB) (map[string]UserSales, error) {
	var ps []model.Purchase
	err := tx.Select("uid, amount_usd, hashrate").
		Where("status = ? and processed = ?", model.PurchaseCompleted, true).
		Find(&ps).Error
	if err != nil {
		return nil, err
	}
	m := make(map[string]UserSales)
	for _, p := range ps {
		s := m[p.UID]
		s.Sales = s.Sales.Add(p.AmountUSD)
		s.Hashrate = s.Hashrate.Add(p.Hashrate)
		m[p.UID] = s
	}
	return m, nil
}

// VolumeBetween sums processed purchase volume created in [from, to). Parked
// purchases do not count until they are retried and processed.
func (*purchase) VolumeBetween(tx *gorm.DB, from, to time.Time) (decimal.Decimal, error) {
	var ps []model.Purchase
	err := tx.Select("amount_usd").
		Where("status = ? and processed = ? and created_at >= ? and created_at < ?",
			model.PurchaseCompleted, true, from, to).
		Find(&ps).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, p := range ps {
		sum = sum.Add(p.AmountUSD)
	}
	return sum, nil
}
