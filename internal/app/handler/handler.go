// Package handler holds the gin handlers of the http surface.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"affiliate-engine/internal/app/engine"
	"affiliate-engine/internal/app/pool"
	"affiliate-engine/internal/app/rank"
	"affiliate-engine/internal/app/settlement"
	"affiliate-engine/internal/app/tree"
	"affiliate-engine/internal/pkg/generr"
)

type Handler struct {
	eng *engine.Engine
}

func New(eng *engine.Engine) *Handler {
	return &Handler{eng: eng}
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, struct {
		Code int         `json:"code"`
		Msg  string      `json:"msg"`
		Data interface{} `json:"data,omitempty"`
	}{200, "success", data})
}

// fail maps domain errors onto the error code table. Anything unknown is a
// server error.
func fail(c *gin.Context, err error) {
	status, body := http.StatusBadRequest, generr.ServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		body = generr.PurchaseInvalid
	case errors.Is(err, tree.ErrUnknownSponsor):
		body = generr.UserNoSponsor
	case errors.Is(err, tree.ErrUnknownParent):
		body = generr.UserNoParent
	case errors.Is(err, tree.ErrSlotTaken):
		body = generr.UserSlotTaken
	case errors.Is(err, tree.ErrUserExists):
		body = generr.UserExists
	case errors.Is(err, tree.ErrInvalidLeg):
		body = generr.ParseParam
	case errors.Is(err, settlement.ErrNotFound):
		status, body = http.StatusNotFound, generr.ClaimNotFound
	case errors.Is(err, settlement.ErrNotReady):
		body = generr.ClaimNotReady
	case errors.Is(err, settlement.ErrAlreadyClaimed):
		status, body = http.StatusConflict, generr.ClaimAlreadyClaimed
	case errors.Is(err, settlement.ErrMissingProof):
		body = generr.ClaimMissingProof
	case errors.Is(err, settlement.ErrInvalidProof):
		body = generr.ClaimInvalidProof
	case errors.Is(err, settlement.ErrInvalidWallet):
		body = generr.ClaimInvalidWallet
	case errors.Is(err, settlement.ErrInvalidTxHash):
		body = generr.ClaimInvalidTxHash
	case errors.Is(err, settlement.ErrAlreadyFinalized), errors.Is(err, pool.ErrWeekFinalized):
		status, body = http.StatusConflict, generr.WeekFinalized
	case errors.Is(err, settlement.ErrWeekOpen):
		body = generr.WeekOpen
	case errors.Is(err, settlement.ErrNoActivity):
		body = generr.WeekNoActivity
	case errors.Is(err, rank.ErrUnknownLevel):
		body = generr.RankUnknown
	default:
		status = http.StatusInternalServerError
		log.Errorf("err: %+v", err)
		c.JSON(status, body)
		return
	}
	log.Infof("request refused: %v", err)
	c.JSON(status, body)
}
