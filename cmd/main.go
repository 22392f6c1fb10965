package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/engine"
	"affiliate-engine/internal/app/notify"
	"affiliate-engine/internal/app/service"
	"affiliate-engine/internal/db"
)

func main() {
	config.Init()
	if config.Server.Env == "pro" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	db.Init()

	eng := engine.New(db.MysqlCli, config.EngineConf, nil)
	if err := eng.Bootstrap(); err != nil {
		log.Fatalf("bootstrap engine: %+v", err)
	}
	dispatcher := notify.New(db.MysqlCli, config.Notify.WebhookURL, config.Notify.SignSecret,
		config.Notify.BatchSize, config.Notify.MaxAttempts, nil)

	jobCtx, stopJobs := context.WithCancel(context.Background())
	ticker, err := service.EngineTicker(jobCtx, eng, dispatcher, config.EngineConf.Jobs)
	if err != nil {
		log.Fatalf("schedule jobs: %+v", err)
	}
	go service.RunHttp(eng)

	// Wait for interrupt signal to gracefully shutdown the server with
	// a timeout of 5 seconds.
	quit := make(chan os.Signal, 1)
	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown Server ...")

	ticker.Stop()
	stopJobs()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := service.GetHttp().Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	log.Info("Server exiting")
}
