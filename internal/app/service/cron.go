package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
	log "github.com/sirupsen/logrus"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/engine"
	"affiliate-engine/internal/app/notify"
)

// EngineTicker schedules the daily, pending, weekly and notify jobs. The
// returned cron is already started.
func EngineTicker(ctx context.Context, eng *engine.Engine, d *notify.Dispatcher, jobs config.JobsConf) (*cron.Cron, error) {
	c := cron.New()
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"daily", jobs.DailySchedule, func() {
			if err := eng.RunDaily(ctx); err != nil {
				log.Errorf("err: %+v", errors.WithMessage(err, "daily job"))
			}
		}},
		{"process", jobs.ProcessSchedule, func() {
			if _, err := eng.ProcessPending(ctx); err != nil {
				log.Errorf("err: %+v", errors.WithMessage(err, "process pending"))
			}
		}},
		{"weekly", jobs.WeeklySchedule, func() {
			res, err := eng.RunWeekly(ctx)
			if err != nil {
				log.Errorf("err: %+v", errors.WithMessagef(err, "weekly job %s", res.Week))
				return
			}
			log.Infof("weekly job %s: %d promoted, root %s", res.Week, len(res.Promoted), res.Root.MerkleRoot)
		}},
		{"notify", jobs.NotifySchedule, d.Run},
	}
	for _, e := range entries {
		if err := c.AddFunc(e.schedule, e.fn); err != nil {
			return nil, errors.Wrapf(err, "schedule %s job %q", e.name, e.schedule)
		}
	}
	c.Start()
	return c, nil
}
