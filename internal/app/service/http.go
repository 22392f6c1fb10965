package service

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/engine"
	"affiliate-engine/internal/app/handler"
	"affiliate-engine/internal/pkg/middleware"
)

var srv *http.Server

// Router builds every route of the service.
func Router(eng *engine.Engine, adminToken string) *gin.Engine {
	h := handler.New(eng)
	r := gin.Default()
	pprof.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	outGroup := r.Group("/out")
	outGroup.Use(middleware.ValidateSign(eng.DB()))
	outGroup.PUT("/purchase", h.PutPurchase)
	outGroup.PUT("/referral", h.PutReferral)

	earningsGroup := r.Group("/earnings")
	earningsGroup.GET("/commissions", h.GetCommissions)
	earningsGroup.GET("/settlement", h.GetSettlements)
	earningsGroup.GET("/tree", h.GetTree)

	r.POST("/settlement/claim", h.Claim)

	adminGroup := r.Group("/admin")
	adminGroup.Use(middleware.AdminToken(adminToken))
	adminGroup.POST("/ghostbv/sweep", h.Sweep)
	adminGroup.POST("/purchases/process", h.ProcessPurchases)
	adminGroup.POST("/purchases/:id/retry", h.RetryPurchase)
	adminGroup.GET("/purchases/failed", h.ListFailedPurchases)
	adminGroup.POST("/rank/evaluate", h.EvaluateRanks)
	adminGroup.POST("/rank/override", h.OverrideRank)
	adminGroup.POST("/pool/:week", h.DistributePool)
	adminGroup.GET("/pool/:week", h.GetPool)
	adminGroup.POST("/settlement/:week/aggregate", h.AggregateSettlement)
	adminGroup.POST("/settlement/:week/finalize", h.FinalizeSettlement)
	adminGroup.GET("/settlement/:week/export", h.ExportSettlement)
	return r
}

func RunHttp(eng *engine.Engine) {
	srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port),
		Handler: Router(eng, config.Server.AdminToken),
	}

	log.Infof("Start to listen %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %s\n", err)
	}
}

func GetHttp() *http.Server {
	return srv
}
