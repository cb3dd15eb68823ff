package domain

import "time"

// Direction 套利方向
type Direction string

const (
	// DirPerpToSpot 做空合约 + 买入现货（合约价高于现货价时）
	DirPerpToSpot Direction = "perp_to_spot"
	// DirSpotToPerp 卖出现货 + 做多合约（现货价高于合约价时）
	DirSpotToPerp Direction = "spot_to_perp"
)

// TradeStatus 一次开仓尝试的终态
type TradeStatus string

const (
	TradeStatusPosted    TradeStatus = "POSTED"    // 双腿成交，仓位已建立
	TradeStatusSimulated TradeStatus = "SIMULATED" // 纸交易模式，未提交真实订单
	TradeStatusSkipped   TradeStatus = "SKIPPED"   // 资金不足等原因主动放弃，非错误
	TradeStatusDelayed   TradeStatus = "DELAYED"   // 触发交易频率上限被推迟
	TradeStatusFailed    TradeStatus = "FAILED"    // 某腿失败，敞口已补偿
	TradeStatusError     TradeStatus = "ERROR"     // 执行过程抛出异常
)

// Terminal 该状态是否为终态（全部状态都是终态，保留以备扩展）
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeStatusPosted, TradeStatusSimulated, TradeStatusSkipped,
		TradeStatusDelayed, TradeStatusFailed, TradeStatusError:
		return true
	}
	return false
}

// CloseMethod 平仓方式
type CloseMethod string

const (
	CloseMethodMaker         CloseMethod = "maker"           // ALO 挂单平仓，在等待窗口内全部成交
	CloseMethodTakerFallback CloseMethod = "taker_fallback"  // maker 超时后撤单改 IOC 吃单
	CloseMethodCompensation  CloseMethod = "compensation"    // 开仓失败后的单腿敞口回补
)

// TradeIntent 一次双腿开仓意图
type TradeIntent struct {
	Direction Direction
	Size      float64 // 两腿相同的标的数量
	PerpPx    float64 // 合约腿限价
	SpotPx    float64 // 现货腿限价
	EdgeBps   float64 // 触发时的毛边际（bps）
	Spike     bool    // 是否为尖峰行情（改用 IOC 吃单开仓）
	CreatedAt time.Time
}

// TradeRecord 开仓尝试的完整记录（入账本）
type TradeRecord struct {
	ID        string // uuid
	Intent    TradeIntent
	Status    TradeStatus
	Legs      []ExecutedLeg
	Error     string
	CreatedAt time.Time
}
