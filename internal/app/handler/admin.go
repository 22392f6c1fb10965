package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/internal/app/pool"
	"affiliate-engine/internal/app/rank"
	"affiliate-engine/internal/app/settlement"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/generr"
	"affiliate-engine/internal/pkg/util"
)

func weekParam(c *gin.Context) (time.Time, bool) {
	w, err := util.ParseWeek(c.Param("week"))
	if err != nil {
		log.Errorf("err: %+v", err)
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return time.Time{}, false
	}
	return w, true
}

// Sweep expires due ghost bv grants now.
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.eng.Ghost.Sweep(h.eng.DB(), h.eng.Now())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

// ProcessPurchases drains the pending purchase queue.
func (h *Handler) ProcessPurchases(c *gin.Context) {
	res, err := h.eng.ProcessPending(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

// RetryPurchase moves a parked purchase back to the queue and processes it.
func (h *Handler) RetryPurchase(c *gin.Context) {
	id := c.Param("id")
	if err := dao.Purchase.ResetFailed(h.eng.DB(), id); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "reset failed purchase"))
		c.JSON(http.StatusInternalServerError, generr.UpdateDB)
		return
	}
	if err := h.eng.ProcessPurchase(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *Handler) ListFailedPurchases(c *gin.Context) {
	req := struct {
		Limit int `form:"limit"`
	}{}
	_ = c.ShouldBindQuery(&req)
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}
	ps, err := dao.Purchase.ListFailed(h.eng.DB(), req.Limit)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "list failed purchases"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	ok(c, ps)
}

// EvaluateRanks promotes every qualified user, or with ?uid= reports one
// user's metrics and qualified rank without changing anything.
func (h *Handler) EvaluateRanks(c *gin.Context) {
	if uid := c.Query("uid"); uid != "" {
		def, m, err := rank.Evaluate(h.eng.DB(), uid)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"qualified": def, "metrics": m})
		return
	}

	var promoted []string
	err := h.eng.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		promoted, err = rank.EvaluateAll(tx)
		return err
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"promoted": promoted})
}

func (h *Handler) OverrideRank(c *gin.Context) {
	req := struct {
		UID    string `json:"uid" binding:"required"`
		Level  *int   `json:"level" binding:"required"`
		Actor  string `json:"actor" binding:"required"`
		Reason string `json:"reason"`
	}{}
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "should bind"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}

	err := h.eng.DB().Transaction(func(tx *gorm.DB) error {
		return rank.Override(tx, req.UID, *req.Level, req.Actor, req.Reason)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, generr.NotFound)
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

// DistributePool recomputes a week's leadership pool.
func (h *Handler) DistributePool(c *gin.Context) {
	weekStart, valid := weekParam(c)
	if !valid {
		return
	}

	var (
		dist  model.PoolDistribution
		tiers []pool.TierSummary
	)
	err := h.eng.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		dist, tiers, err = h.eng.Pool.Distribute(tx, weekStart)
		return err
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"distribution": dist, "tiers": tiers})
}

func (h *Handler) GetPool(c *gin.Context) {
	weekStart, valid := weekParam(c)
	if !valid {
		return
	}

	dist, err := dao.Pool.Get(h.eng.DB(), weekStart)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, generr.NotFound)
		return
	}
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "get pool"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	lines, err := dao.Pool.Lines(h.eng.DB(), weekStart)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "get pool lines"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	ok(c, gin.H{"distribution": dist, "lines": lines})
}

// AggregateSettlement previews a week's in-progress settlements. Binary is projected, not recorded.
func (h *Handler) AggregateSettlement(c *gin.Context) {
	weekStart, valid := weekParam(c)
	if !valid {
		return
	}

	var rows []model.WeeklySettlement
	err := h.eng.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		rows, err = h.eng.Settlement.Aggregate(tx, weekStart)
		return err
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rows)
}

// FinalizeSettlement seals a closed week under its merkle root.
func (h *Handler) FinalizeSettlement(c *gin.Context) {
	weekStart, valid := weekParam(c)
	if !valid {
		return
	}

	root, err := h.eng.Settlement.Finalize(h.eng.DB(), weekStart)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, root)
}

// ExportSettlement downloads a finalized week's payout file.
func (h *Handler) ExportSettlement(c *gin.Context) {
	weekStart, valid := weekParam(c)
	if !valid {
		return
	}

	var buf bytes.Buffer
	if _, err := settlement.Export(h.eng.DB(), weekStart, &buf); err != nil {
		fail(c, err)
		return
	}
	filename := fmt.Sprintf("payout_%s.csv", weekStart.Format(util.WeekLayout))
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
