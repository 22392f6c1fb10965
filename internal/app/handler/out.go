package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/generr"
)

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// PutPurchase stores a completed purchase for the pipeline.
func (h *Handler) PutPurchase(c *gin.Context) {
	req := struct {
		PurchaseID string `form:"purchase_id" binding:"required"` // 订单ID
		UID        string `form:"uid" binding:"required"`         // 购买人
		Amount     string `form:"amount_usd" binding:"required"`  // 金额(USD)
		BVPercent  string `form:"package_bv_percent"`             // 套餐 Ghost BV 比例(0-100)
		Hashrate   string `form:"hashrate"`                       // 算力
		Status     string `form:"status" binding:"required"`      // 订单状态
		CreatedAt  int64  `form:"created_at"`                     // 下单时间(unix)
	}{}

	err := c.ShouldBind(&req)
	if err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "should bind"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	log.Infof("req: %+v", req)

	p := model.Purchase{PurchaseID: req.PurchaseID, UID: req.UID, Status: req.Status}
	if p.AmountUSD, err = decimal.NewFromString(req.Amount); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "parse amount"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	if p.PackageBVPercent, err = parseDecimal(req.BVPercent); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "parse bv percent"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	if p.Hashrate, err = parseDecimal(req.Hashrate); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "parse hashrate"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}
	if req.CreatedAt > 0 {
		p.CreatedAt = time.Unix(req.CreatedAt, 0).UTC()
	}

	created, err := h.eng.IngestPurchase(p)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"created": created})
}

// PutReferral places a new user in the tree.
func (h *Handler) PutReferral(c *gin.Context) {
	req := struct {
		UID        string `json:"uid" form:"uid" binding:"required"` // 用户ID
		SponsorUID string `json:"sponsor_uid" form:"sponsor_uid"`    // 推荐人
		ParentUID  string `json:"parent_uid" form:"parent_uid"`      // 安置人, 为空则自动滑落
		Slot       string `json:"slot" form:"slot"`                  // left/right
		DefaultLeg string `json:"default_leg" form:"default_leg"`    // 新下线默认滑落方向
	}{}

	if err := c.ShouldBind(&req); err != nil {
		log.Errorf("err: %+v", errors.Wrap(err, "should bind"))
		c.JSON(http.StatusBadRequest, generr.ParseParam)
		return
	}

	u, err := h.eng.RegisterUser(model.User{
		UID:        req.UID,
		SponsorUID: req.SponsorUID,
		ParentUID:  req.ParentUID,
		Slot:       req.Slot,
		DefaultLeg: req.DefaultLeg,
		CreatedAt:  h.eng.Now(),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, u)
}
