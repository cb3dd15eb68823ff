package domain

import "time"

// PositionStatus 仓位状态
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING" // 平仓中，防止重复触发
	PositionClosed  PositionStatus = "CLOSED"
)

// Position 一个已对冲的双腿仓位
type Position struct {
	ID          string // uuid
	Direction   Direction
	Size        float64
	EntryPerpPx float64
	EntrySpotPx float64
	EntryFeeUSD float64 // 开仓吃单费用（两腿合计）
	OpenedAt    time.Time
	Status      PositionStatus

	// 平仓信息，Status == CLOSED 时有效
	ClosedAt    time.Time
	ExitPerpPx  float64
	ExitSpotPx  float64
	ExitFeeUSD  float64
	CloseMethod CloseMethod
	CloseReason string // edge_decay / timeout / manual
	RealizedPnL float64
}

// Age 仓位已持有时长
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// PerpIsShort 合约腿是否为空头
func (p *Position) PerpIsShort() bool {
	return p.Direction == DirPerpToSpot
}

// GrossPnL 按价差计算的毛收益（不含费用）
// perp_to_spot：开仓卖合约买现货，平仓反向，合约腿赚下跌、现货腿赚上涨
func (p *Position) GrossPnL(exitPerpPx, exitSpotPx float64) float64 {
	if p.Direction == DirPerpToSpot {
		perpPnL := (p.EntryPerpPx - exitPerpPx) * p.Size
		spotPnL := (exitSpotPx - p.EntrySpotPx) * p.Size
		return perpPnL + spotPnL
	}
	perpPnL := (exitPerpPx - p.EntryPerpPx) * p.Size
	spotPnL := (p.EntrySpotPx - exitSpotPx) * p.Size
	return perpPnL + spotPnL
}
