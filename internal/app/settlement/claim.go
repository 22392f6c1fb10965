package settlement

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"affiliate-engine/internal/dao"
	"affiliate-engine/internal/model"
	"affiliate-engine/internal/pkg/merkle"
	"affiliate-engine/internal/pkg/metrics"
	"affiliate-engine/internal/pkg/util"
)

var (
	ErrNotFound       = errors.New("settlement not found")
	ErrNotReady       = errors.New("settlement not ready to claim")
	ErrAlreadyClaimed = errors.New("settlement already claimed")
	ErrMissingProof   = errors.New("merkle proof missing")
	ErrInvalidProof   = errors.New("merkle proof invalid")
	ErrInvalidWallet  = errors.New("wallet address invalid")
	ErrInvalidTxHash  = errors.New("transaction hash invalid")
)

const LedgerKindClaim = "settlement_claim"

// ClaimRequest is one claim attempt. A nil Proof is missing; an empty one is
// valid only for a single-leaf week.
type ClaimRequest struct {
	SettlementID int64    `json:"settlement_id" binding:"required"`
	UID          string   `json:"uid"`
	Wallet       string   `json:"wallet_address" binding:"required"`
	Proof        []string `json:"merkle_proof"`
	TxHash       string   `json:"transaction_hash"`
}

type claimedEvent struct {
	SettlementID int64           `json:"settlement_id"`
	Amount       decimal.Decimal `json:"amount"`
	Wallet       string          `json:"wallet_address"`
	TxHash       string          `json:"transaction_hash"`
	LedgerID     string          `json:"ledger_id"`
}

func claimResult(err error) string {
	for _, e := range []error{ErrNotFound, ErrNotReady, ErrAlreadyClaimed, ErrMissingProof,
		ErrInvalidProof, ErrInvalidWallet, ErrInvalidTxHash} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	if err != nil {
		return "error"
	}
	return "ok"
}

func validTxHash(h string) bool {
	bs, err := hexutil.Decode(h)
	return err == nil && len(bs) == common.HashLength
}

// Claim moves a finalized settlement to claimed exactly once, after checking
// the supplied proof folds to the week's stored root.
func (a *Aggregator) Claim(db *gorm.DB, req ClaimRequest) (entry model.LedgerEntry, err error) {
	defer func() {
		metrics.Claims.WithLabelValues(claimResult(err)).Inc()
	}()

	row, err := dao.Settlement.Get(db, req.SettlementID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entry, errors.Wrapf(ErrNotFound, "settlement %d", req.SettlementID)
	}
	if err != nil {
		return entry, errors.Wrap(err, "get settlement")
	}
	if req.UID != "" && req.UID != row.UID {
		return entry, errors.Wrapf(ErrNotFound, "settlement %d", req.SettlementID)
	}
	if row.Status == model.SettlementClaimed {
		return entry, errors.Wrapf(ErrAlreadyClaimed, "settlement %d", row.ID)
	}
	if row.Status != model.SettlementReadyToClaim || !row.IsFinalized {
		return entry, errors.Wrapf(ErrNotReady, "settlement %d is %s", row.ID, row.Status)
	}
	if req.Proof == nil {
		return entry, ErrMissingProof
	}
	if !common.IsHexAddress(req.Wallet) {
		return entry, errors.Wrapf(ErrInvalidWallet, "%q", req.Wallet)
	}
	if req.TxHash != "" && !validTxHash(req.TxHash) {
		return entry, errors.Wrapf(ErrInvalidTxHash, "%q", req.TxHash)
	}
	proof, err := merkle.ParseProof(req.Proof)
	if err != nil {
		return entry, errors.Wrap(ErrInvalidProof, err.Error())
	}
	root, err := dao.Root.Get(db, util.WeekStart(row.WeekStart))
	if err != nil {
		return entry, errors.Wrap(err, "get settlement root")
	}
	leaf := merkle.Leaf(row.UID, row.WeekStart, row.GrandTotal)
	if !merkle.Verify(proof, common.HexToHash(root.MerkleRoot), leaf) {
		return entry, errors.Wrapf(ErrInvalidProof, "settlement %d", row.ID)
	}

	wallet := common.HexToAddress(req.Wallet).Hex()
	now := a.clock.Now().UTC()
	entry = model.LedgerEntry{
		ID:              uuid.NewString(),
		SettlementID:    row.ID,
		UID:             row.UID,
		Kind:            LedgerKindClaim,
		Amount:          row.GrandTotal,
		WalletAddress:   wallet,
		TransactionHash: req.TxHash,
		CreatedAt:       now,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		ok, err := dao.Settlement.MarkClaimed(tx, row.ID, wallet, req.TxHash, now)
		if err != nil {
			return errors.Wrap(err, "mark claimed")
		}
		if !ok {
			return errors.Wrapf(ErrAlreadyClaimed, "settlement %d", row.ID)
		}
		if err = dao.Ledger.Create(tx, entry); err != nil {
			return errors.Wrap(err, "write ledger")
		}
		return dao.Outbox.Add(tx, model.EventSettlementClaimed, row.UID, claimedEvent{
			SettlementID: row.ID,
			Amount:       row.GrandTotal,
			Wallet:       wallet,
			TxHash:       req.TxHash,
			LedgerID:     entry.ID,
		})
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	log.Infof("settlement %d claimed by %s to %s, amount %s", row.ID, row.UID, wallet, row.GrandTotal)
	return entry, nil
}
