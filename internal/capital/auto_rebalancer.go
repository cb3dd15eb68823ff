package capital

import (
	"context"
	"math"
	"time"
)

// AutoRebalancer 后台自动再平衡
// 周期性检测两腿资金偏差，超过阈值且不在冷却期内时触发一次再平衡；
// 再平衡后复核偏差，改善不明显则延长冷却避免反复划转
type AutoRebalancer struct {
	rebalancer *Rebalancer
	balances   BalanceSource

	interval  time.Duration
	deviation float64 // 触发阈值，0.20 表示 20%
	cooldown  time.Duration

	lastRun time.Time
}

// NewAutoRebalancer 创建自动再平衡器
func NewAutoRebalancer(rebalancer *Rebalancer, balances BalanceSource, interval time.Duration, deviation float64, cooldown time.Duration) *AutoRebalancer {
	return &AutoRebalancer{
		rebalancer: rebalancer,
		balances:   balances,
		interval:   interval,
		deviation:  deviation,
		cooldown:   cooldown,
	}
}

// Run 启动检测循环，ctx 取消时退出
func (a *AutoRebalancer) Run(ctx context.Context) {
	log.Infof("🚀 自动再平衡启动 interval=%s deviation=%.0f%% cooldown=%s", a.interval, a.deviation*100, a.cooldown)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("⏹️ 自动再平衡退出")
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick 单次检测
func (a *AutoRebalancer) tick(ctx context.Context) {
	if time.Since(a.lastRun) < a.cooldown {
		return
	}

	before, ok := a.currentDeviation(ctx)
	if !ok || before <= a.deviation {
		return
	}

	log.Infof("🔄 资金偏差 %.1f%% 超过阈值，触发再平衡", before*100)
	a.lastRun = time.Now()

	if _, err := a.rebalancer.Rebalance(ctx, false); err != nil {
		log.Errorf("❌ 自动再平衡失败: %v", err)
		return
	}

	// 复核：偏差改善不到 5 个百分点说明划转没起作用（常见于余额接口滞后），
	// 延长一个冷却周期再试
	after, ok := a.currentDeviation(ctx)
	if ok && before-after <= 0.05 {
		log.Warnf("⚠️ 再平衡后偏差未明显改善 (%.1f%% -> %.1f%%)，延长冷却", before*100, after*100)
		a.lastRun = time.Now().Add(a.cooldown)
	}
}

// currentDeviation 计算两腿资金偏差占总权益的比例
func (a *AutoRebalancer) currentDeviation(ctx context.Context) (float64, bool) {
	bal, err := a.balances.FetchBalances(ctx)
	if err != nil {
		log.Warnf("⚠️ 余额查询失败，跳过本轮检测: %v", err)
		return 0, false
	}
	perpUSD := bal.PerpAccountValue
	spotUSD := bal.SpotUSDC + bal.SpotAssetSize*bal.MidPx
	total := perpUSD + spotUSD
	if total <= 0 {
		return 0, false
	}
	return math.Abs(perpUSD-spotUSD) / total, true
}
