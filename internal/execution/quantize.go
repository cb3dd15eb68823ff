package execution

import (
	"github.com/shopspring/decimal"
)

// Quantizer 数量与价格的合法化处理
// 交易所对数量精度（szDecimals）和价格有效位数都有硬性要求，
// 不合法的值会被整单拒绝
type Quantizer struct {
	SzDecimals     int32 // 合约腿数量精度
	SpotSzDecimals int32 // 现货腿数量精度
	PxSigFigs      int32 // 价格有效位数
}

// NewQuantizer 创建量化器，价格有效位数固定为 5
func NewQuantizer(szDecimals, spotSzDecimals int) Quantizer {
	return Quantizer{
		SzDecimals:     int32(szDecimals),
		SpotSzDecimals: int32(spotSzDecimals),
		PxSigFigs:      5,
	}
}

// SizeFloor 向下取整数量（开仓用：宁少勿多，避免超出资金）
func (q Quantizer) SizeFloor(size float64, spot bool) float64 {
	d := q.SzDecimals
	if spot {
		d = q.SpotSzDecimals
	}
	v, _ := decimal.NewFromFloat(size).RoundFloor(d).Float64()
	return v
}

// SizeCeil 向上取整数量（平仓用：宁多勿少，保证敞口完全释放）
func (q Quantizer) SizeCeil(size float64, spot bool) float64 {
	d := q.SzDecimals
	if spot {
		d = q.SpotSzDecimals
	}
	v, _ := decimal.NewFromFloat(size).RoundCeil(d).Float64()
	return v
}

// PxDown 向下量化价格到合法有效位数（卖出报价用）
func (q Quantizer) PxDown(px float64) float64 {
	return q.quantizePx(px, false)
}

// PxUp 向上量化价格到合法有效位数（买入报价用）
func (q Quantizer) PxUp(px float64) float64 {
	return q.quantizePx(px, true)
}

// quantizePx 截取到 PxSigFigs 位有效数字
func (q Quantizer) quantizePx(px float64, up bool) float64 {
	if px <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(px)

	// 保留小数位 = 有效位数 - 小数点前的位数；小于 1 时按首个非零位起算
	intDigits := int32(len(d.Truncate(0).Abs().String()))
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		coef := d.Abs()
		shifts := int32(0)
		one := decimal.NewFromInt(1)
		ten := decimal.NewFromInt(10)
		for coef.LessThan(one) {
			coef = coef.Mul(ten)
			shifts++
		}
		intDigits = -shifts + 1
	}
	places := q.PxSigFigs - intDigits

	if up {
		v, _ := d.RoundCeil(places).Float64()
		return v
	}
	v, _ := d.RoundFloor(places).Float64()
	return v
}

// compensationOffset 补偿/吃单平仓的价格退让比例（0.05%）
const compensationOffset = 0.0005

// AggressiveSellPx 需要立即卖出时的报价：盘口买一价再退让 0.05%，向下量化
func (q Quantizer) AggressiveSellPx(bid float64) float64 {
	return q.PxDown(bid * (1 - compensationOffset))
}

// AggressiveBuyPx 需要立即买入时的报价：盘口卖一价再加价 0.05%，向上量化
func (q Quantizer) AggressiveBuyPx(ask float64) float64 {
	return q.PxUp(ask * (1 + compensationOffset))
}
