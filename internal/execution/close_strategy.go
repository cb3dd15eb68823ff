package execution

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/domain"
)

var closeLog = logrus.WithField("module", "close")

// CloseResult 平仓结果
type CloseResult struct {
	Method     domain.CloseMethod
	ExitPerpPx float64
	ExitSpotPx float64
	Legs       []domain.ExecutedLeg
}

// CloseStrategy maker 优先平仓
// 先用 ALO 挂单在盘口被动侧等待成交省下吃单费，超时后撤单改 IOC 吃单，
// 保证仓位在有限时间内一定被释放
type CloseStrategy struct {
	transport    Transport
	quotes       QuoteSource
	qz           Quantizer
	deadman      *DeadmanScheduler
	makerWait    time.Duration
	pollInterval time.Duration
	coin         string
	spotPair     string
}

// NewCloseStrategy 创建平仓策略
func NewCloseStrategy(transport Transport, quotes QuoteSource, qz Quantizer, deadman *DeadmanScheduler, makerWait, pollInterval time.Duration, coin, spotPair string) *CloseStrategy {
	return &CloseStrategy{
		transport:    transport,
		quotes:       quotes,
		qz:           qz,
		deadman:      deadman,
		makerWait:    makerWait,
		pollInterval: pollInterval,
		coin:         coin,
		spotPair:     spotPair,
	}
}

// closeLeg 单腿平仓任务的执行期状态
type closeLeg struct {
	spec      domain.OrderSpec
	orderID   string
	remaining float64
	exitPx    float64 // 实际出场价
}

// ClosePosition 平掉一个双腿仓位
func (c *CloseStrategy) ClosePosition(ctx context.Context, pos *domain.Position) (*CloseResult, error) {
	tob, ok := c.quotes.Top()
	if !ok {
		// 没有盘口时直接走吃单路径，用仓位入场价兜底报价
		tob = domain.TopOfBook{
			PerpBid: pos.EntryPerpPx, PerpAsk: pos.EntryPerpPx,
			SpotBid: pos.EntrySpotPx, SpotAsk: pos.EntrySpotPx,
		}
	}

	perpSz := c.qz.SizeCeil(pos.Size, false)
	spotSz := c.qz.SizeCeil(pos.Size, true)

	// 平仓方向与开仓相反；被动侧挂单：买挂买一价，卖挂卖一价
	var perpSpec, spotSpec domain.OrderSpec
	if pos.Direction == domain.DirPerpToSpot {
		perpSpec = domain.OrderSpec{Venue: domain.VenuePerp, IsBuy: true, LimitPx: c.qz.PxDown(tob.PerpBid), Size: perpSz, TIF: domain.TIFAlo, ReduceOnly: true}
		spotSpec = domain.OrderSpec{Venue: domain.VenueSpot, IsBuy: false, LimitPx: c.qz.PxUp(tob.SpotAsk), Size: spotSz, TIF: domain.TIFAlo}
	} else {
		perpSpec = domain.OrderSpec{Venue: domain.VenuePerp, IsBuy: false, LimitPx: c.qz.PxUp(tob.PerpAsk), Size: perpSz, TIF: domain.TIFAlo, ReduceOnly: true}
		spotSpec = domain.OrderSpec{Venue: domain.VenueSpot, IsBuy: true, LimitPx: c.qz.PxDown(tob.SpotBid), Size: spotSz, TIF: domain.TIFAlo}
	}
	perpSpec.Asset = c.coin
	spotSpec.Asset = c.spotPair

	result := &CloseResult{Method: domain.CloseMethodMaker}

	legs := []*closeLeg{
		{spec: perpSpec, remaining: perpSz, exitPx: perpSpec.LimitPx},
		{spec: spotSpec, remaining: spotSz, exitPx: spotSpec.LimitPx},
	}

	// deadman 是账户级 cancel-all，平仓腿在场期间不能让开仓路径触发它
	if c.deadman != nil {
		c.deadman.Suppress()
		defer c.deadman.Resume()
	}

	placed, err := c.transport.PlaceOrders(ctx, []domain.OrderSpec{perpSpec, spotSpec})
	if err != nil {
		// 挂单请求整体失败不是终点：两腿原样留给 IOC 兜底
		closeLog.Warnf("⚠️ ALO 平仓提交失败，直接走 IOC 兜底: %v", err)
	} else {
		for i, r := range placed {
			result.Legs = append(result.Legs, r)
			if r.Failed() {
				// ALO 会因吃单被拒，留给 IOC 兜底
				closeLog.Warnf("⚠️ ALO 平仓腿被拒 venue=%s err=%q", r.Spec.Venue, r.ErrMsg)
				legs[i].orderID = ""
				continue
			}
			legs[i].orderID = r.OrderID
			if r.FullyFilled() {
				legs[i].remaining = 0
			}
		}
	}

	// 轮询挂单直到全部成交或超时
	deadline := time.Now().Add(c.makerWait)
	for time.Now().Before(deadline) && anyResting(legs) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		open, err := c.transport.OpenOrders(ctx)
		if err != nil {
			closeLog.Warnf("⚠️ 查询挂单失败: %v", err)
			continue
		}
		byID := make(map[string]domain.OpenOrder, len(open))
		for _, o := range open {
			byID[o.OrderID] = o
		}
		for _, l := range legs {
			if l.orderID == "" || l.remaining <= 0 {
				continue
			}
			if o, exists := byID[l.orderID]; exists {
				l.remaining = o.Size
			} else {
				// 不在挂单列表中即已全部成交
				l.remaining = 0
			}
		}
	}

	// 撤掉残余挂单并用 IOC 吃掉剩余数量
	fellBack := false
	for _, l := range legs {
		if l.remaining <= 0 {
			continue
		}
		fellBack = true
		if l.orderID != "" {
			if err := c.transport.CancelOrder(ctx, l.spec.Venue, l.spec.Asset, l.orderID); err != nil {
				closeLog.Warnf("⚠️ 撤单失败（可能已成交）: venue=%s id=%s err=%v", l.spec.Venue, l.orderID, err)
			}
		}
		iocLeg, err := c.takerClose(ctx, l)
		if err != nil {
			return nil, err
		}
		result.Legs = append(result.Legs, iocLeg)
		if iocLeg.AvgPrice > 0 {
			l.exitPx = iocLeg.AvgPrice
		}
	}
	if fellBack {
		result.Method = domain.CloseMethodTakerFallback
	}

	for _, l := range legs {
		if l.spec.Venue == domain.VenuePerp {
			result.ExitPerpPx = l.exitPx
		} else {
			result.ExitSpotPx = l.exitPx
		}
	}

	closeLog.Infof("✅ 仓位平仓完成 id=%s method=%s perpPx=%.6f spotPx=%.6f",
		pos.ID, result.Method, result.ExitPerpPx, result.ExitSpotPx)
	return result, nil
}

// takerClose 用 IOC 吃单平掉单腿剩余数量
func (c *CloseStrategy) takerClose(ctx context.Context, l *closeLeg) (domain.ExecutedLeg, error) {
	spec := l.spec
	spec.TIF = domain.TIFIoc
	spec.Size = l.remaining

	// 重新取盘口定价，加 0.05% 退让保证成交
	if tob, ok := c.quotes.Top(); ok {
		bid, ask := tob.PerpBid, tob.PerpAsk
		if spec.Venue == domain.VenueSpot {
			bid, ask = tob.SpotBid, tob.SpotAsk
		}
		if spec.IsBuy {
			spec.LimitPx = c.qz.AggressiveBuyPx(ask)
		} else {
			spec.LimitPx = c.qz.AggressiveSellPx(bid)
		}
	} else if spec.IsBuy {
		spec.LimitPx = c.qz.AggressiveBuyPx(spec.LimitPx)
	} else {
		spec.LimitPx = c.qz.AggressiveSellPx(spec.LimitPx)
	}

	closeLog.Infof("🔄 IOC 兜底平仓: %s", spec)
	results, err := c.transport.PlaceOrders(ctx, []domain.OrderSpec{spec})
	if err != nil {
		return domain.ExecutedLeg{}, err
	}
	return results[0], nil
}

// anyResting 是否还有未成交的挂单腿
func anyResting(legs []*closeLeg) bool {
	for _, l := range legs {
		if l.orderID != "" && l.remaining > 0 {
			return true
		}
	}
	return false
}
