package dao

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"affiliate-engine/internal/model"
)

type jobRun struct {
}

var JobRun = new(jobRun)

func (*jobRun) Done(tx *gorm.DB, job, runKey string) (bool, error) {
	var r model.JobRun
	err := tx.Where("job = ? and run_key = ?", job, runKey).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (*jobRun) Finish(tx *gorm.DB, job, runKey string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.JobRun{Job: job, RunKey: runKey, FinishedAt: now}).Error
}
