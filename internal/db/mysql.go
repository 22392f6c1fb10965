package db

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"affiliate-engine/config"
	"affiliate-engine/internal/model"
)

var (
	MysqlCli *gorm.DB
)

func Init() {
	connMysql()
	if err := Migrate(MysqlCli); err != nil {
		log.Errorf("err: %+v", err)
		panic(err)
	}
}

func connMysql() {
	var err error
	mysqlCfg := config.MySql
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=%s&parseTime=true&loc=UTC", mysqlCfg.User, mysqlCfg.Password,
		mysqlCfg.Host, mysqlCfg.Database, charset(mysqlCfg.Charset))
	MysqlCli, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		log.Error("Connect mysql error: ", err, " Connect host: ", mysqlCfg.Host)
		panic(err)
	}

	sqlDB, err := MysqlCli.DB()
	if err != nil {
		panic(err)
	}
	if mysqlCfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(mysqlCfg.MaxIdleConns)
	}
	if mysqlCfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(mysqlCfg.MaxOpenConns)
	}
	log.Infof("conn mysql %s/%s success", mysqlCfg.Host, mysqlCfg.Database)
}

func charset(c string) string {
	if c == "" {
		return "utf8mb4"
	}
	return c
}

// Migrate creates or updates every engine table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(model.All()...)
}
