package generr

type mErr struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

var (
	ParseParam   = &mErr{400, "参数错误"}
	Unauthorized = &mErr{401, "未授权"}
	NotFound     = &mErr{404, "记录不存在"}
	ServerError  = &mErr{500, "服务错误"}
)

var (
	SignMiss     = &mErr{601, "s参数缺失"}
	SignNotMatch = &mErr{602, "s不匹配"}
	TimestampErr = &mErr{603, "t参数错误"}
	TimestampOut = &mErr{604, "t超时"}
	AppUnknown   = &mErr{605, "未知应用"}
	ReadDB       = &mErr{698, "读数据库错误"}
	UpdateDB     = &mErr{699, "更新数据库错误"}

	UserNoSponsor   = &mErr{701, "推荐人不存在"}
	UserNoParent    = &mErr{702, "安置人不存在"}
	UserSlotTaken   = &mErr{703, "安置位置已被占用"}
	UserExists      = &mErr{704, "用户已存在"}
	PurchaseInvalid = &mErr{705, "购买事件无效"}

	ClaimNotReady       = &mErr{801, "结算未就绪"}
	ClaimAlreadyClaimed = &mErr{802, "结算已领取"}
	ClaimInvalidProof   = &mErr{803, "Merkle证明无效"}
	ClaimMissingProof   = &mErr{804, "Merkle证明缺失"}
	ClaimInvalidWallet  = &mErr{805, "钱包地址无效"}
	ClaimNotFound       = &mErr{806, "结算不存在"}
	ClaimInvalidTxHash  = &mErr{807, "交易哈希无效"}

	WeekFinalized  = &mErr{901, "该周已结算"}
	RankUnknown    = &mErr{902, "未知等级"}
	WeekOpen       = &mErr{903, "该周尚未结束"}
	WeekNoActivity = &mErr{904, "该周无结算数据"}
)
