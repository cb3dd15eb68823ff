package capital

import (
	"context"
	"math"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
)

// Transferer 合约与现货账户之间的 USDC 划转
type Transferer interface {
	// TransferUSD toPerp 为 true 表示从现货划入合约账户
	TransferUSD(ctx context.Context, toPerp bool, usd float64) error
}

// dustThreshold 低于该数量的现货库存视为粉尘，不做清理
const dustThreshold = 0.01

// RebalanceReport 一次再平衡的执行明细
type RebalanceReport struct {
	PerpUSD     float64 // 执行前合约侧权益
	SpotUSD     float64 // 执行前现货侧权益（USDC + 库存估值）
	DustSold    float64 // 清理掉的库存数量
	Transferred float64 // 划转金额，正数表示划入合约
	DryRun      bool
}

// Rebalancer 把两腿账户的 USDC 拉回对半分配
// 先清理现货库存残余再划转，保证现货侧余额以 USDC 计价
type Rebalancer struct {
	balances   BalanceSource
	transferer Transferer
	transport  execution.Transport
	qz         execution.Quantizer

	spotPair       string
	minTransferUSD float64
}

// NewRebalancer 创建再平衡器
func NewRebalancer(balances BalanceSource, transferer Transferer, transport execution.Transport, qz execution.Quantizer, spotPair string, minTransferUSD float64) *Rebalancer {
	return &Rebalancer{
		balances:       balances,
		transferer:     transferer,
		transport:      transport,
		qz:             qz,
		spotPair:       spotPair,
		minTransferUSD: minTransferUSD,
	}
}

// Rebalance 执行一次再平衡，dryRun 时只计算不动账
func (r *Rebalancer) Rebalance(ctx context.Context, dryRun bool) (*RebalanceReport, error) {
	bal, err := r.balances.FetchBalances(ctx)
	if err != nil {
		return nil, err
	}

	report := &RebalanceReport{
		PerpUSD: bal.PerpAccountValue,
		SpotUSD: bal.SpotUSDC + bal.SpotAssetSize*bal.MidPx,
		DryRun:  dryRun,
	}

	// 残余库存先卖掉（IOC，退让 5% 保证成交）
	if bal.SpotAssetSize > dustThreshold && bal.MidPx > 0 {
		sellSz := r.qz.SizeFloor(bal.SpotAssetSize, true)
		if sellSz > 0 {
			report.DustSold = sellSz
			if !dryRun {
				spec := domain.OrderSpec{
					Venue:   domain.VenueSpot,
					Asset:   r.spotPair,
					IsBuy:   false,
					LimitPx: r.qz.PxDown(bal.MidPx * 0.95),
					Size:    sellSz,
					TIF:     domain.TIFIoc,
				}
				log.Infof("🔄 清理现货库存: %s", spec)
				if _, err := r.transport.PlaceOrders(ctx, []domain.OrderSpec{spec}); err != nil {
					log.Warnf("⚠️ 库存清理失败，继续划转: %v", err)
				} else if fresh, err := r.balances.FetchBalances(ctx); err == nil {
					bal = fresh
					report.SpotUSD = bal.SpotUSDC + bal.SpotAssetSize*bal.MidPx
				}
			}
		}
	}

	// 目标对半分：diff 为正表示合约侧富余，需要划出
	perpUSD := bal.PerpAccountValue
	spotUSD := bal.SpotUSDC + bal.SpotAssetSize*bal.MidPx
	diff := (perpUSD - spotUSD) / 2

	if math.Abs(diff) < r.minTransferUSD {
		log.Infof("✅ 两腿资金均衡，无需划转 (perp=%.2f spot=%.2f diff=%.2f)", perpUSD, spotUSD, diff)
		return report, nil
	}

	toPerp := diff < 0
	amount := math.Abs(diff)
	report.Transferred = amount
	if !toPerp {
		report.Transferred = -amount
	}

	if dryRun {
		log.Infof("🧪 dry-run: 将划转 %.2f USDC (toPerp=%v)", amount, toPerp)
		return report, nil
	}

	log.Infof("🔄 划转 %.2f USDC (toPerp=%v)", amount, toPerp)
	if err := r.transferer.TransferUSD(ctx, toPerp, amount); err != nil {
		return nil, err
	}
	log.Infof("✅ 再平衡完成: perp=%.2f spot=%.2f 划转=%.2f", perpUSD, spotUSD, amount)
	return report, nil
}
