// Package capital 资金准入与两腿账户再平衡
package capital

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/pkg/cache"
)

var log = logrus.WithField("module", "capital")

// BalanceSource 余额查询抽象（生产实现为 venue 客户端）
type BalanceSource interface {
	FetchBalances(ctx context.Context) (domain.Balances, error)
}

// Decision 准入结果
type Decision struct {
	Admit  bool
	Size   float64 // 准入数量（可能被缩减）
	Scaled bool    // 是否发生过缩减
	Reason string  // 拒绝原因
}

// AdmissionController 开仓前资金校验
// 两腿各自留出安全垫；余额不足时先尝试按可用资金缩减数量，
// 缩减后名义额仍低于交易所最低限额才拒绝
type AdmissionController struct {
	balances *cache.Snapshot[domain.Balances]

	spotBuffer     float64
	perpBuffer     float64
	leverage       float64
	minNotionalUSD float64
}

// NewAdmissionController 创建准入控制器
func NewAdmissionController(src BalanceSource, ttl time.Duration, spotBuffer, perpBuffer, leverage, minNotionalUSD float64) *AdmissionController {
	return &AdmissionController{
		balances:       cache.NewSnapshot(ttl, src.FetchBalances),
		spotBuffer:     spotBuffer,
		perpBuffer:     perpBuffer,
		leverage:       leverage,
		minNotionalUSD: minNotionalUSD,
	}
}

// InvalidateBalances 使余额快照失效（转账或成交后调用）
func (a *AdmissionController) InvalidateBalances() {
	a.balances.Invalidate()
}

// Balances 返回当前余额快照
func (a *AdmissionController) Balances(ctx context.Context) (domain.Balances, error) {
	return a.balances.Get(ctx)
}

// Check 校验一笔开仓意图，返回准入数量
func (a *AdmissionController) Check(ctx context.Context, intent domain.TradeIntent) Decision {
	bal, err := a.balances.Get(ctx)
	if err != nil {
		// 余额接口抖动不应卡死交易：放行原始数量，由交易所侧拒单兜底
		log.Warnf("⚠️ 余额查询失败，按原始数量放行: %v", err)
		return Decision{Admit: true, Size: intent.Size}
	}

	maxSize := intent.Size

	// 合约腿始终占用保证金
	perpPx := intent.PerpPx
	if perpPx > 0 && a.leverage > 0 {
		marginAvail := bal.PerpWithdrawable / (1 + a.perpBuffer)
		perpMax := marginAvail * a.leverage / perpPx
		maxSize = min(maxSize, perpMax)
	}

	if intent.Direction == domain.DirPerpToSpot {
		// 现货腿买入需要 USDC
		if intent.SpotPx > 0 {
			usdcAvail := bal.SpotUSDC / (1 + a.spotBuffer)
			maxSize = min(maxSize, usdcAvail/intent.SpotPx)
		}
	} else {
		// 现货腿卖出需要库存
		maxSize = min(maxSize, bal.SpotAssetSize)
	}

	if maxSize >= intent.Size {
		return Decision{Admit: true, Size: intent.Size}
	}
	if maxSize <= 0 {
		return Decision{Reason: "insufficient_balance"}
	}

	refPx := max(intent.PerpPx, intent.SpotPx)
	if maxSize*refPx < a.minNotionalUSD {
		log.Warnf("⚠️ 缩减后名义额低于最小限额: size=%.6f px=%.4f min=%.2f", maxSize, refPx, a.minNotionalUSD)
		return Decision{Reason: "below_min_notional"}
	}

	log.Infof("🔄 资金不足，数量缩减 %.6f -> %.6f", intent.Size, maxSize)
	return Decision{Admit: true, Size: maxSize, Scaled: true}
}
