// Package domain 定义套利机器人的核心领域类型
package domain

import "fmt"

// Venue 腿所属的交易市场
type Venue string

const (
	VenuePerp Venue = "perp" // 合约腿
	VenueSpot Venue = "spot" // 现货腿
)

// TimeInForce 订单有效方式
type TimeInForce string

const (
	TIFGtc TimeInForce = "Gtc" // 挂单直到成交或撤单
	TIFAlo TimeInForce = "Alo" // 只做 maker，会吃单的挂单直接被拒
	TIFIoc TimeInForce = "Ioc" // 立即成交否则撤销
)

// OrderStatus 订单回执状态
type OrderStatus string

const (
	OrderStatusResting OrderStatus = "resting" // 已挂入订单簿
	OrderStatusFilled  OrderStatus = "filled"  // 已成交（含部分成交后终结）
	OrderStatusError   OrderStatus = "error"   // 交易所返回错误
	OrderStatusUnknown OrderStatus = "unknown" // 回执缺失状态字段
)

// OrderSpec 单腿下单参数
type OrderSpec struct {
	Venue      Venue
	Asset      string  // 标的：合约腿为 coin，现货腿为交易对
	IsBuy      bool
	LimitPx    float64
	Size       float64
	TIF        TimeInForce
	ReduceOnly bool
	ClientID   string // 可选的客户端订单标识
}

// Notional 订单名义金额（USD）
func (s OrderSpec) Notional() float64 {
	return s.LimitPx * s.Size
}

func (s OrderSpec) String() string {
	side := "sell"
	if s.IsBuy {
		side = "buy"
	}
	return fmt.Sprintf("%s %s %s sz=%.6f px=%.6f tif=%s ro=%v", s.Venue, side, s.Asset, s.Size, s.LimitPx, s.TIF, s.ReduceOnly)
}

// ExecutedLeg 单腿执行结果
// 来自交易所回执解析：缺失状态、rejected、error 都视为该腿失败
type ExecutedLeg struct {
	Spec       OrderSpec
	OrderID    string
	Status     OrderStatus
	FilledSize float64 // 已成交数量（totalSz）
	AvgPrice   float64 // 成交均价，未成交时为 0
	ErrMsg     string  // 交易所错误消息（Status == error 时）
}

// sizeEpsilon 浮点成交量比较容差
const sizeEpsilon = 1e-9

// FullyFilled 该腿是否完整成交且无错误
// 只有完整成交的第一腿才允许继续执行第二腿
func (l ExecutedLeg) FullyFilled() bool {
	return l.Status == OrderStatusFilled && l.ErrMsg == "" && l.FilledSize+sizeEpsilon >= l.Spec.Size
}

// Failed 该腿是否失败（错误、拒绝或回执缺失）
func (l ExecutedLeg) Failed() bool {
	return l.Status == OrderStatusError || l.Status == OrderStatusUnknown || l.ErrMsg != ""
}

// HasExposure 是否存在需要补偿的成交敞口
func (l ExecutedLeg) HasExposure() bool {
	return l.FilledSize > sizeEpsilon
}

// OpenOrder 交易所侧仍在订单簿上的挂单
type OpenOrder struct {
	Venue   Venue
	Asset   string
	OrderID string
	IsBuy   bool
	Size    float64 // 剩余未成交数量
	LimitPx float64
}
