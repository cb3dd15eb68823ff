package domain

import "time"

// TopOfBook 两个市场的最优买卖价快照
type TopOfBook struct {
	PerpBid float64
	PerpAsk float64
	SpotBid float64
	SpotAsk float64

	RecvLatencyMs float64 // 行情接收延迟（交易所时间戳到本地）
	Ts            time.Time
}

// Valid 快照是否可用（四个价位均为正且不交叉为负价差异常）
func (t TopOfBook) Valid() bool {
	if t.PerpBid <= 0 || t.PerpAsk <= 0 || t.SpotBid <= 0 || t.SpotAsk <= 0 {
		return false
	}
	// 同一市场内买一高于卖一是脏数据，直接丢弃
	return t.PerpBid <= t.PerpAsk && t.SpotBid <= t.SpotAsk
}

// PerpMid 合约中间价
func (t TopOfBook) PerpMid() float64 {
	return (t.PerpBid + t.PerpAsk) / 2
}

// SpotMid 现货中间价
func (t TopOfBook) SpotMid() float64 {
	return (t.SpotBid + t.SpotAsk) / 2
}

// Mid 两市场合并中间价，用于边际归一化
func (t TopOfBook) Mid() float64 {
	return (t.PerpMid() + t.SpotMid()) / 2
}

// Balances 两腿账户余额快照
type Balances struct {
	PerpWithdrawable float64 // 合约账户可用保证金
	PerpAccountValue float64 // 合约账户总权益
	PerpMarginUsed   float64 // 已占用保证金（含逐仓）
	SpotUSDC         float64 // 现货账户 USDC 可用余额
	SpotAssetSize    float64 // 现货账户标的持仓数量
	MidPx            float64 // 取数时的标的中间价（估值用）
	FetchedAt        time.Time
}

// TotalUSD 两腿合计权益（现货持仓按 MidPx 估值）
func (b Balances) TotalUSD() float64 {
	return b.PerpAccountValue + b.SpotUSDC + b.SpotAssetSize*b.MidPx
}

// FeeSchedule 费率表（单位 bps）
type FeeSchedule struct {
	PerpMakerBps float64
	PerpTakerBps float64
	SpotMakerBps float64
	SpotTakerBps float64
}

// OpenTakerFeeBps 双腿吃单开仓的费率合计
func (f FeeSchedule) OpenTakerFeeBps() float64 {
	return f.PerpTakerBps + f.SpotTakerBps
}

// OpenMakerFeeBps 双腿挂单开仓的费率合计
func (f FeeSchedule) OpenMakerFeeBps() float64 {
	return f.PerpMakerBps + f.SpotMakerBps
}

// CloseFeeBps 按平仓方式返回双腿费率合计
func (f FeeSchedule) CloseFeeBps(method CloseMethod) float64 {
	switch method {
	case CloseMethodMaker:
		return f.PerpMakerBps + f.SpotMakerBps
	default:
		return f.PerpTakerBps + f.SpotTakerBps
	}
}

// FeeUSD 将 bps 费率折算为金额
func FeeUSD(notionalUSD, feeBps float64) float64 {
	return notionalUSD * feeBps / 10000.0
}
