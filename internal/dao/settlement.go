package dao

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type settlement struct {
}

var Settlement = new(settlement)

// Upsert writes rows keyed by (uid, week_start). Callers must not upsert a finalized week.
func (*settlement) Upsert(tx *gorm.DB, rows []model.WeeklySettlement) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uid"}, {Name: "week_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"week_end", "direct_total", "binary_total", "override_total", "leadership_total", "carry_in",
			"raw_total", "weekly_cap", "carry_forward", "grand_total", "status", "updated_at",
		}),
	}).CreateInBatches(&rows, 500).Error
}

// DeleteStale removes the week's in_progress rows of users not in keep. An empty
// keep clears the whole week.
func (*settlement) DeleteStale(tx *gorm.DB, weekStart time.Time, keep []string) (int64, error) {
	q := tx.Where("week_start = ? and status = ?", weekStart, model.SettlementInProgress)
	if len(keep) > 0 {
		q = q.Where("uid not in ?", keep)
	}
	res := q.Delete(&model.WeeklySettlement{})
	return res.RowsAffected, res.Error
}

func (*settlement) Get(tx *gorm.DB, id int64) (s model.WeeklySettlement, err error) {
	err = tx.Where("id = ?", id).Take(&s).Error
	return
}

func (*settlement) GetByUserWeek(tx *gorm.DB, uid string, weekStart time.Time) (s model.WeeklySettlement, err error) {
	err = tx.Where("uid = ? and week_start = ?", uid, weekStart).Take(&s).Error
	return
}

func (*settlement) ListByWeek(tx *gorm.DB, weekStart time.Time) (ss []model.WeeklySettlement, err error) {
	err = tx.Where("week_start = ?", weekStart).Order("uid").Find(&ss).Error
	return
}

func (*settlement) ListByUser(tx *gorm.DB, uid string, limit int) (ss []model.WeeklySettlement, err error) {
	err = tx.Where("uid = ?", uid).Order("week_start desc").Limit(limit).Find(&ss).Error
	return
}

// SetProof finalizes one row with its leaf and proof.
func (*settlement) SetProof(tx *gorm.DB, id int64, leaf, proof string) error {
	return tx.Model(&model.WeeklySettlement{}).
		Where("id = ? and is_finalized = ?", id, false).
		Updates(map[string]interface{}{
			"leaf":         leaf,
			"merkle_proof": proof,
			"is_finalized": true,
			"status":       model.SettlementReadyToClaim,
		}).Error
}

// MarkClaimed is the claim linchpin: only a ready row moves, and only once.
func (*settlement) MarkClaimed(tx *gorm.DB, id int64, wallet, txHash string, now time.Time) (bool, error) {
	res := tx.Model(&model.WeeklySettlement{}).
		Where("id = ? and status = ? and is_finalized = ?", id, model.SettlementReadyToClaim, true).
		Updates(map[string]interface{}{
			"status":           model.SettlementClaimed,
			"claimed_at":       now,
			"wallet_address":   wallet,
			"transaction_hash": txHash,
		})
	return res.RowsAffected == 1, res.Error
}

type root struct {
}

var Root = new(root)

func (*root) Get(tx *gorm.DB, weekStart time.Time) (r model.SettlementRoot, err error) {
	err = tx.Where("week_start = ?", weekStart).Take(&r).Error
	return
}

func (*root) Create(tx *gorm.DB, r model.SettlementRoot) error {
	return tx.Create(&r).Error
}
