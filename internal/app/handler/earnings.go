package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/internal/app/settlement"
	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/pkg/generr"
)

// GetCommissions pages a user's commission records, newest first.
func (h *Handler) GetCommissions(c *gin.Context) {
	req := struct {
		UID      string `form:"uid" binding:"required"`
		LastID   int64  `form:"last_id"`
		PageSize int    `form:"page_size"`
	}{}
	if err := c.ShouldBindQuery(&req); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "should bind"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 10
	}

	cs, err := dao.Commission.ListByUser(h.eng.DB(), req.UID, req.LastID, req.PageSize)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "list commissions"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	ok(c, cs)
}

// GetSettlements lists a user's weekly settlements, latest week first.
func (h *Handler) GetSettlements(c *gin.Context) {
	req := struct {
		UID   string `form:"uid" binding:"required"`
		Limit int    `form:"limit"`
	}{}
	if err := c.ShouldBindQuery(&req); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "should bind"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	if req.Limit <= 0 || req.Limit > 52 {
		req.Limit = 12
	}

	ss, err := dao.Settlement.ListByUser(h.eng.DB(), req.UID, req.Limit)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "list settlements"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	ok(c, ss)
}

// GetTree returns the user's node, leg aggregate and ghost bv grants.
func (h *Handler) GetTree(c *gin.Context) {
	uid := c.Query("uid")
	if uid == "" {
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	if err := h.eng.EnsureDailySweep(); err != nil {
		log.Errorf("err: %+v", err)
	}

	db := h.eng.DB()
	u, err := dao.User.Get(db, uid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, generr.NotFound)
		return
	}
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "get user"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	agg, err := h.eng.Tree.Get(db, uid)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "get aggregate"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	grants, err := dao.Grant.ListByUser(db, uid)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "list grants"))
		c.JSON(http.StatusInternalServerError, generr.ReadDB)
		return
	}
	ok(c, gin.H{"user": u, "aggregate": agg, "ghost_bv": grants})
}

// Claim redeems a finalized settlement with its merkle proof.
func (h *Handler) Claim(c *gin.Context) {
	var req settlement.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "should bind"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}

	entry, err := h.eng.Settlement.Claim(h.eng.DB(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}
