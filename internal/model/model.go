package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	LegLeft  = "left"
	LegRight = "right"
)

// 用户节点: sponsor 为推荐人, parent/slot 为二叉树安置位置(创建后不可变)
type User struct {
	UID        string    `gorm:"primaryKey;size:64" json:"uid"`
	SponsorUID string    `gorm:"size:64;index" json:"sponsor_uid"`
	ParentUID  string    `gorm:"size:64;index" json:"parent_uid"`
	Slot       string    `gorm:"size:8" json:"slot"`
	RankLevel  int       `gorm:"not null;default:0" json:"rank_level"`
	DefaultLeg string    `gorm:"size:8;not null;default:'left'" json:"default_leg"`
	CreatedAt  time.Time `json:"created_at"`
}

// 二叉树汇总, volumes already represent subtree totals
type TreeAggregate struct {
	UID           string          `gorm:"primaryKey;size:64" json:"uid"`
	LeftVolume    decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"left_volume"`
	RightVolume   decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"right_volume"`
	LeftMembers   int64           `gorm:"not null;default:0" json:"left_members"`
	RightMembers  int64           `gorm:"not null;default:0" json:"right_members"`
	WeakLeg       string          `gorm:"size:8;not null;default:'left'" json:"weak_leg"`
	MatchedVolume decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"matched_volume"`
	Version       int64           `gorm:"not null;default:0" json:"-"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const (
	PurchaseCompleted = "COMPLETED"
)

// 购买事件(资金到账)
type Purchase struct {
	PurchaseID       string          `gorm:"primaryKey;size:64" json:"purchase_id"`
	UID              string          `gorm:"size:64;index" json:"uid"`
	AmountUSD        decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"amount_usd"`
	PackageBVPercent decimal.Decimal `gorm:"type:decimal(10,6);not null;default:0" json:"package_bv_percent"`
	Hashrate         decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"hashrate"`
	Status           string          `gorm:"size:16;not null" json:"status"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	Processed        bool            `gorm:"not null;default:false;index" json:"processed"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	FailedReason     string          `gorm:"size:255" json:"failed_reason,omitempty"`
}

const (
	GrantActive  = "active"
	GrantExpired = "expired"
)

// Ghost BV 临时业绩
type GhostGrant struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UID              string          `gorm:"size:64;index:idx_ghost_uid_status" json:"uid"`
	SourcePurchaseID string          `gorm:"size:64;uniqueIndex" json:"source_purchase_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"amount"`
	PayLeg           string          `gorm:"size:8;not null" json:"pay_leg"`
	StartDate        time.Time       `gorm:"index" json:"start_date"`
	ExpiresAt        time.Time       `gorm:"index" json:"expires_at"`
	Status           string          `gorm:"size:16;not null;index:idx_ghost_uid_status" json:"status"`
	ExpiredAt        *time.Time      `json:"expired_at,omitempty"`
}

const (
	CommissionDirect   = "direct"
	CommissionBinary   = "binary"
	CommissionOverride = "override"

	CommissionPending = "pending"
	CommissionSettled = "settled"
)

// 佣金记录, earned amounts; caps are applied by the weekly settlement only.
type Commission struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Type          string          `gorm:"size:16;not null;uniqueIndex:idx_commission_dedupe" json:"type"`
	SourceEventID string          `gorm:"size:96;not null;uniqueIndex:idx_commission_dedupe" json:"source_event_id"`
	UID           string          `gorm:"size:64;not null;uniqueIndex:idx_commission_dedupe;index:idx_commission_week" json:"uid"`
	Level         int             `gorm:"not null;uniqueIndex:idx_commission_dedupe" json:"level"`
	SourceUID     string          `gorm:"size:64" json:"source_uid"`
	Rate          decimal.Decimal `gorm:"type:decimal(10,6);not null" json:"rate"`
	BaseAmount    decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"base_amount"`
	Amount        decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"amount"`
	ScaledAmount  decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"scaled_amount"`
	WeekStart     time.Time       `gorm:"index:idx_commission_week" json:"week_start"`
	Status        string          `gorm:"size:16;not null" json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// 等级定义
type RankDefinition struct {
	Level              int             `gorm:"primaryKey;autoIncrement:false" json:"level"`
	Name               string          `gorm:"size:32;uniqueIndex" json:"name"`
	MinPersonalSales   decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"min_personal_sales"`
	MinTeamSales       decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"min_team_sales"`
	MinLeftVolume      decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"min_left_volume"`
	MinRightVolume     decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"min_right_volume"`
	MinHashrate        decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"min_hashrate"`
	MinDirectReferrals int             `gorm:"not null;default:0" json:"min_direct_referrals"`
	WeeklyCap          decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"weekly_cap"`
	BinaryCap          decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"binary_cap"`
}

const (
	RankChangePromotion = "promotion"
	RankChangeOverride  = "override"
)

// 等级变更审计
type RankChange struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UID       string    `gorm:"size:64;index" json:"uid"`
	FromLevel int       `json:"from_level"`
	ToLevel   int       `json:"to_level"`
	Kind      string    `gorm:"size:16" json:"kind"`
	Actor     string    `gorm:"size:64" json:"actor"`
	Reason    string    `gorm:"size:255" json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	SettlementInProgress   = "in_progress"
	SettlementReadyToClaim = "ready_to_claim"
	SettlementClaimed      = "claimed"
)

// 周结算
type WeeklySettlement struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UID             string          `gorm:"size:64;not null;uniqueIndex:idx_settlement_user_week" json:"uid"`
	WeekStart       time.Time       `gorm:"not null;uniqueIndex:idx_settlement_user_week;index" json:"week_start"`
	WeekEnd         time.Time       `json:"week_end"`
	DirectTotal     decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"direct_total"`
	BinaryTotal     decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"binary_total"`
	OverrideTotal   decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"override_total"`
	LeadershipTotal decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"leadership_total"`
	CarryIn         decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"carry_in"`
	RawTotal        decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"raw_total"`
	WeeklyCap       decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"weekly_cap"`
	CarryForward    decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"carry_forward"`
	GrandTotal      decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"grand_total"`
	Leaf            string          `gorm:"size:66" json:"leaf"`
	MerkleProof     string          `gorm:"type:text" json:"merkle_proof"`
	IsFinalized     bool            `gorm:"not null;default:false" json:"is_finalized"`
	Status          string          `gorm:"size:16;not null" json:"status"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	WalletAddress   string          `gorm:"size:42" json:"wallet_address,omitempty"`
	TransactionHash string          `gorm:"size:66" json:"transaction_hash,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// 周结算 Merkle 根
type SettlementRoot struct {
	WeekStart   time.Time `gorm:"primaryKey" json:"week_start"`
	MerkleRoot  string    `gorm:"size:66;not null" json:"merkle_root"`
	LeafCount   int       `json:"leaf_count"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// 领导奖池(每周一条)
type PoolDistribution struct {
	WeekStart         time.Time       `gorm:"primaryKey" json:"week_start"`
	TotalWeeklyVolume decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"total_weekly_volume"`
	TotalPoolAmount   decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"total_pool_amount"`
	DistributedAmount decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"distributed_amount"`
	TierSummary       string          `gorm:"type:text" json:"tier_summary"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type PoolDistributionLine struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	WeekStart time.Time       `gorm:"not null;uniqueIndex:idx_pool_line" json:"week_start"`
	UID       string          `gorm:"size:64;not null;uniqueIndex:idx_pool_line" json:"uid"`
	Tier      int             `json:"tier"`
	TierRate  decimal.Decimal `gorm:"type:decimal(10,6);not null" json:"tier_rate"`
	Share     decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"share"`
}

// 领取流水, immutable
type LedgerEntry struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	SettlementID    int64           `gorm:"uniqueIndex" json:"settlement_id"`
	UID             string          `gorm:"size:64;index" json:"uid"`
	Kind            string          `gorm:"size:32" json:"kind"`
	Amount          decimal.Decimal `gorm:"type:decimal(24,6);not null" json:"amount"`
	WalletAddress   string          `gorm:"size:42" json:"wallet_address"`
	TransactionHash string          `gorm:"size:66" json:"transaction_hash"`
	CreatedAt       time.Time       `json:"created_at"`
}

const (
	EventCommissionCreated   = "commission_created"
	EventRankPromotion       = "rank_promotion"
	EventSettlementClaimable = "settlement_claimable"
	EventSettlementClaimed   = "settlement_claimed"
)

// 通知事件 outbox
type OutboxEvent struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind        string     `gorm:"size:32;index" json:"kind"`
	UID         string     `gorm:"size:64" json:"uid"`
	Payload     string     `gorm:"type:text" json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `gorm:"index" json:"delivered_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

// 任务执行检查点
type JobRun struct {
	Job        string    `gorm:"primaryKey;size:32" json:"job"`
	RunKey     string    `gorm:"primaryKey;size:32" json:"run_key"`
	FinishedAt time.Time `json:"finished_at"`
}

// 第三方应用(签名密钥)
type App struct {
	AppID     string `gorm:"primaryKey;size:32" json:"app_id"`
	PaySecret string `gorm:"size:128" json:"-"`
}

// All lists every table for migration.
func All() []interface{} {
	return []interface{}{
		&User{}, &TreeAggregate{}, &Purchase{}, &GhostGrant{}, &Commission{},
		&RankDefinition{}, &RankChange{}, &WeeklySettlement{}, &SettlementRoot{},
		&PoolDistribution{}, &PoolDistributionLine{}, &LedgerEntry{}, &OutboxEvent{},
		&JobRun{}, &App{},
	}
}
