// Package execution 实现双腿顺序执行引擎与敞口补偿
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/domain"
)

var log = logrus.WithField("module", "execution")

// makerOpenPoll maker 开仓腿的挂单轮询间隔
// 必须远小于 deadman 延迟：轮询时持续刷新计划撤单，进程存活期间
// deadman 不会触发，挂单离场只剩"已成交"一种解释
var makerOpenPoll = time.Second

// defaultMakerWindow 未配置 deadman 时 maker 开仓腿允许在场的时间
const defaultMakerWindow = 5 * time.Second

// Result 一次开仓执行的完整结果
type Result struct {
	Status        domain.TradeStatus
	Legs          []domain.ExecutedLeg // 按执行顺序的开仓腿
	Compensations []domain.ExecutedLeg // 失败后的敞口回补腿
	Position      *domain.Position     // Status == POSTED 时有效
	Error         string
}

// Engine 双腿顺序执行引擎
// 腿按先卖后买的顺序提交：第一腿未完整成交则不提交第二腿，
// 任何已成交的敞口立即用 IOC reduce-only 订单回补。
// 非尖峰行情用 ALO 挂被动侧省吃单费，在 deadman 窗口内等成交；
// 尖峰行情直接 IOC 穿价吃单
type Engine struct {
	transport Transport
	quotes    QuoteSource
	qz        Quantizer
	fees      domain.FeeSchedule
	deadman   *DeadmanScheduler
	coin      string
	spotPair  string
}

// NewEngine 创建执行引擎
func NewEngine(transport Transport, quotes QuoteSource, qz Quantizer, fees domain.FeeSchedule, deadman *DeadmanScheduler, coin, spotPair string) *Engine {
	return &Engine{
		transport: transport,
		quotes:    quotes,
		qz:        qz,
		fees:      fees,
		deadman:   deadman,
		coin:      coin,
		spotPair:  spotPair,
	}
}

// buildLegs 构造两腿下单参数，第一腿始终是卖出腿
// 尖峰意图 IOC 穿价 0.05% 保证成交；普通意图 ALO 挂在被动侧等对手来吃
func (e *Engine) buildLegs(intent domain.TradeIntent) (leg1, leg2 domain.OrderSpec) {
	perpSz := e.qz.SizeFloor(intent.Size, false)
	spotSz := e.qz.SizeFloor(intent.Size, true)

	tif := domain.TIFAlo
	if intent.Spike {
		tif = domain.TIFIoc
	}

	// 被动价从最新盘口取：卖挂卖一、买挂买一；盘口不可得时退回意图价
	perpBid, perpAsk := intent.PerpPx, intent.PerpPx
	spotBid, spotAsk := intent.SpotPx, intent.SpotPx
	if tob, ok := e.quotes.Top(); ok {
		perpBid, perpAsk = tob.PerpBid, tob.PerpAsk
		spotBid, spotAsk = tob.SpotBid, tob.SpotAsk
	}

	var perpPx, spotPx float64
	switch intent.Direction {
	case domain.DirPerpToSpot:
		// 卖合约买现货
		if intent.Spike {
			perpPx = e.qz.AggressiveSellPx(intent.PerpPx)
			spotPx = e.qz.AggressiveBuyPx(intent.SpotPx)
		} else {
			perpPx = e.qz.PxUp(perpAsk)
			spotPx = e.qz.PxDown(spotBid)
		}
		leg1 = domain.OrderSpec{Venue: domain.VenuePerp, Asset: e.coin, IsBuy: false, LimitPx: perpPx, Size: perpSz, TIF: tif}
		leg2 = domain.OrderSpec{Venue: domain.VenueSpot, Asset: e.spotPair, IsBuy: true, LimitPx: spotPx, Size: spotSz, TIF: tif}
	default:
		// 卖现货买合约
		if intent.Spike {
			spotPx = e.qz.AggressiveSellPx(intent.SpotPx)
			perpPx = e.qz.AggressiveBuyPx(intent.PerpPx)
		} else {
			spotPx = e.qz.PxUp(spotAsk)
			perpPx = e.qz.PxDown(perpBid)
		}
		leg1 = domain.OrderSpec{Venue: domain.VenueSpot, Asset: e.spotPair, IsBuy: false, LimitPx: spotPx, Size: spotSz, TIF: tif}
		leg2 = domain.OrderSpec{Venue: domain.VenuePerp, Asset: e.coin, IsBuy: true, LimitPx: perpPx, Size: perpSz, TIF: tif}
	}
	return leg1, leg2
}

// ExecuteIntent 顺序执行双腿开仓
func (e *Engine) ExecuteIntent(ctx context.Context, intent domain.TradeIntent) Result {
	leg1Spec, leg2Spec := e.buildLegs(intent)
	if intent.Spike {
		return e.executeTaker(ctx, intent, leg1Spec, leg2Spec)
	}
	return e.executeMaker(ctx, intent, leg1Spec, leg2Spec)
}

// executeTaker IOC 双腿吃单开仓，订单不在场，不需要 deadman
func (e *Engine) executeTaker(ctx context.Context, intent domain.TradeIntent, leg1Spec, leg2Spec domain.OrderSpec) Result {
	res := Result{}

	// 第一腿（卖出腿）
	legs1, err := e.transport.PlaceOrders(ctx, []domain.OrderSpec{leg1Spec})
	if err != nil {
		// 请求整体失败，没有任何腿到达交易所，无敞口
		log.Errorf("❌ 第一腿请求失败: %v", err)
		res.Status = domain.TradeStatusError
		res.Error = fmt.Sprintf("leg1 request: %v", err)
		return res
	}
	leg1 := legs1[0]
	res.Legs = append(res.Legs, leg1)

	if !leg1.FullyFilled() {
		log.Warnf("⚠️ 第一腿未完整成交 status=%s filled=%.6f/%.6f err=%q，不提交第二腿",
			leg1.Status, leg1.FilledSize, leg1.Spec.Size, leg1.ErrMsg)
		if leg1.HasExposure() {
			res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg1))
		}
		res.Status = domain.TradeStatusFailed
		res.Error = fmt.Sprintf("leg1 %s: %s", leg1.Status, leg1.ErrMsg)
		return res
	}

	// 第二腿（买入腿）
	legs2, err := e.transport.PlaceOrders(ctx, []domain.OrderSpec{leg2Spec})
	if err != nil {
		// 第二腿没有到达交易所，只需回补第一腿
		log.Errorf("❌ 第二腿请求失败，回补第一腿: %v", err)
		res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg1))
		res.Status = domain.TradeStatusFailed
		res.Error = fmt.Sprintf("leg2 request: %v", err)
		return res
	}
	leg2 := legs2[0]
	res.Legs = append(res.Legs, leg2)

	if !leg2.FullyFilled() {
		log.Warnf("⚠️ 第二腿未完整成交 status=%s filled=%.6f/%.6f err=%q，回补两腿敞口",
			leg2.Status, leg2.FilledSize, leg2.Spec.Size, leg2.ErrMsg)
		if leg2.HasExposure() {
			res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg2))
		}
		res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg1))
		res.Status = domain.TradeStatusFailed
		res.Error = fmt.Sprintf("leg2 %s: %s", leg2.Status, leg2.ErrMsg)
		return res
	}

	res.Position = e.buildPosition(intent, leg1, leg2, true)
	res.Status = domain.TradeStatusPosted
	log.Infof("✅ 双腿成交 dir=%s size=%.6f perpPx=%.6f spotPx=%.6f",
		intent.Direction, res.Position.Size, res.Position.EntryPerpPx, res.Position.EntrySpotPx)
	return res
}

// executeMaker ALO 双腿挂单开仓
// 每腿挂入被动侧后在 deadman 窗口内轮询等成交，超时撤单；
// 两腿仍然严格顺序执行，第一腿完整成交前不会挂第二腿
func (e *Engine) executeMaker(ctx context.Context, intent domain.TradeIntent, leg1Spec, leg2Spec domain.OrderSpec) Result {
	res := Result{}
	anyArmed := false
	defer func() {
		// 流程结束时场上已无本次开仓的挂单，清掉计划撤单，
		// 免得几秒后 cancel-all 误伤其他路径的挂单
		if anyArmed && e.deadman != nil {
			e.deadman.Disarm(ctx)
		}
	}()

	leg1, armed, err := e.runMakerLeg(ctx, leg1Spec)
	anyArmed = anyArmed || armed
	if err != nil {
		log.Errorf("❌ 第一腿请求失败: %v", err)
		res.Status = domain.TradeStatusError
		res.Error = fmt.Sprintf("leg1 request: %v", err)
		return res
	}
	res.Legs = append(res.Legs, leg1)

	if !leg1.FullyFilled() {
		log.Warnf("⚠️ 第一腿挂单未完整成交 status=%s filled=%.6f/%.6f err=%q，不提交第二腿",
			leg1.Status, leg1.FilledSize, leg1.Spec.Size, leg1.ErrMsg)
		if leg1.HasExposure() {
			res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg1))
		}
		res.Status = domain.TradeStatusFailed
		res.Error = fmt.Sprintf("leg1 %s: %s", leg1.Status, leg1.ErrMsg)
		return res
	}

	leg2, armed, err := e.runMakerLeg(ctx, leg2Spec)
	anyArmed = anyArmed || armed
	if err != nil {
		log.Errorf("❌ 第二腿请求失败，回补第一腿: %v", err)
		res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg1))
		res.Status = domain.TradeStatusFailed
		res.Error = fmt.Sprintf("leg2 request: %v", err)
		return res
	}
	res.Legs = append(res.Legs, leg2)

	if !leg2.FullyFilled() {
		log.Warnf("⚠️ 第二腿挂单未完整成交 status=%s filled=%.6f/%.6f err=%q，回补两腿敞口",
			leg2.Status, leg2.FilledSize, leg2.Spec.Size, leg2.ErrMsg)
		if leg2.HasExposure() {
			res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg2))
		}
		res.Compensations = append(res.Compensations, e.compensateLeg(ctx, leg1))
		res.Status = domain.TradeStatusFailed
		res.Error = fmt.Sprintf("leg2 %s: %s", leg2.Status, leg2.ErrMsg)
		return res
	}

	res.Position = e.buildPosition(intent, leg1, leg2, false)
	res.Status = domain.TradeStatusPosted
	log.Infof("✅ 双腿挂单成交 dir=%s size=%.6f perpPx=%.6f spotPx=%.6f",
		intent.Direction, res.Position.Size, res.Position.EntryPerpPx, res.Position.EntrySpotPx)
	return res
}

// runMakerLeg 提交单条 ALO 腿并等待成交
// 挂入后设置 deadman 并在窗口内轮询挂单列表；窗口结束仍未成交则撤单，
// 把最后一次看到的剩余量折算成已成交敞口交给上层处理。
// 返回 error 仅表示下单请求本身失败（订单没有到达交易所）
func (e *Engine) runMakerLeg(ctx context.Context, spec domain.OrderSpec) (domain.ExecutedLeg, bool, error) {
	legs, err := e.transport.PlaceOrders(ctx, []domain.OrderSpec{spec})
	if err != nil {
		return domain.ExecutedLeg{Spec: spec}, false, err
	}
	leg := legs[0]
	if leg.FullyFilled() || leg.Failed() {
		// ALO 被拒（会吃单）或极端情况下立即全部成交，都不需要等待
		return leg, false, nil
	}
	if leg.Status != domain.OrderStatusResting || leg.OrderID == "" {
		return leg, false, nil
	}

	window := defaultMakerWindow
	armed := false
	if e.deadman != nil {
		window = e.deadman.Delay()
		ok, err := e.deadman.Arm(ctx)
		if err != nil {
			// 结构性失败：无人看护的挂单不能留在场上
			log.Errorf("❌ deadman 设置失败（结构性错误），撤掉开仓挂单: %v", err)
			e.cancelMakerLeg(ctx, &leg)
			leg.ErrMsg = fmt.Sprintf("deadman: %v", err)
			return leg, false, nil
		}
		armed = ok
	}

	remaining := spec.Size - leg.FilledSize
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			e.cancelMakerLeg(ctx, &leg)
			leg.FilledSize = spec.Size - remaining
			leg.ErrMsg = ctx.Err().Error()
			return leg, armed, nil
		case <-time.After(makerOpenPoll):
		}

		// 刷新 deadman：进程存活期间计划撤单永远在未来
		if armed {
			if _, err := e.deadman.Arm(ctx); err != nil {
				log.Warnf("⚠️ deadman 刷新失败: %v", err)
			}
		}

		open, err := e.transport.OpenOrders(ctx)
		if err != nil {
			log.Warnf("⚠️ 查询开仓挂单失败: %v", err)
			continue
		}
		found := false
		for _, o := range open {
			if o.OrderID == leg.OrderID {
				found = true
				remaining = o.Size
				break
			}
		}
		if !found {
			// deadman 被持续刷新、撤单只由本流程发起，离场即已全部成交
			leg.Status = domain.OrderStatusFilled
			leg.FilledSize = spec.Size
			if leg.AvgPrice <= 0 {
				leg.AvgPrice = spec.LimitPx
			}
			return leg, armed, nil
		}
	}

	// 窗口内没有成交：撤单，按已知成交量上报
	e.cancelMakerLeg(ctx, &leg)
	leg.FilledSize = spec.Size - remaining
	if leg.FilledSize > 0 && leg.AvgPrice <= 0 {
		leg.AvgPrice = spec.LimitPx
	}
	leg.ErrMsg = "maker open timeout"
	return leg, armed, nil
}

// cancelMakerLeg 撤掉在场的开仓挂单
func (e *Engine) cancelMakerLeg(ctx context.Context, leg *domain.ExecutedLeg) {
	if leg.OrderID == "" {
		return
	}
	if err := e.transport.CancelOrder(ctx, leg.Spec.Venue, leg.Spec.Asset, leg.OrderID); err != nil {
		log.Warnf("⚠️ 撤销开仓挂单失败（可能已成交）: venue=%s id=%s err=%v", leg.Spec.Venue, leg.OrderID, err)
	}
}

// compensateLeg 用 IOC reduce-only 反向订单回补单腿敞口
// 数量按实际成交量向上取整，价格在盘口基础上退让 0.05% 保证立即成交
func (e *Engine) compensateLeg(ctx context.Context, leg domain.ExecutedLeg) domain.ExecutedLeg {
	spot := leg.Spec.Venue == domain.VenueSpot
	size := e.qz.SizeCeil(leg.FilledSize, spot)

	// 盘口价不可得时退回成交均价
	bid, ask := leg.AvgPrice, leg.AvgPrice
	if tob, ok := e.quotes.Top(); ok {
		if spot {
			bid, ask = tob.SpotBid, tob.SpotAsk
		} else {
			bid, ask = tob.PerpBid, tob.PerpAsk
		}
	}

	spec := domain.OrderSpec{
		Venue:      leg.Spec.Venue,
		Asset:      leg.Spec.Asset,
		IsBuy:      !leg.Spec.IsBuy,
		Size:       size,
		TIF:        domain.TIFIoc,
		ReduceOnly: !spot, // reduce-only 仅合约腿有效
	}
	if spec.IsBuy {
		spec.LimitPx = e.qz.AggressiveBuyPx(ask)
	} else {
		spec.LimitPx = e.qz.AggressiveSellPx(bid)
	}

	log.Warnf("🔄 补偿敞口: %s", spec)

	results, err := e.transport.PlaceOrders(ctx, []domain.OrderSpec{spec})
	if err != nil {
		log.Errorf("❌ 补偿请求失败（敞口未回补，人工介入）: %v", err)
		return domain.ExecutedLeg{Spec: spec, Status: domain.OrderStatusError, ErrMsg: err.Error()}
	}
	comp := results[0]
	if comp.Failed() || !comp.FullyFilled() {
		log.Errorf("❌ 补偿未完整成交 status=%s filled=%.6f/%.6f err=%q",
			comp.Status, comp.FilledSize, comp.Spec.Size, comp.ErrMsg)
	} else {
		log.Infof("✅ 敞口已回补 %s filled=%.6f", comp.Spec.Venue, comp.FilledSize)
	}
	return comp
}

// buildPosition 双腿成交后构建仓位，入场费按实际成交方式计费
func (e *Engine) buildPosition(intent domain.TradeIntent, leg1, leg2 domain.ExecutedLeg, taker bool) *domain.Position {
	var perpLeg, spotLeg domain.ExecutedLeg
	if leg1.Spec.Venue == domain.VenuePerp {
		perpLeg, spotLeg = leg1, leg2
	} else {
		perpLeg, spotLeg = leg2, leg1
	}

	perpPx := perpLeg.AvgPrice
	if perpPx <= 0 {
		perpPx = perpLeg.Spec.LimitPx
	}
	spotPx := spotLeg.AvgPrice
	if spotPx <= 0 {
		spotPx = spotLeg.Spec.LimitPx
	}

	perpFeeBps, spotFeeBps := e.fees.PerpMakerBps, e.fees.SpotMakerBps
	if taker {
		perpFeeBps, spotFeeBps = e.fees.PerpTakerBps, e.fees.SpotTakerBps
	}

	size := min(perpLeg.FilledSize, spotLeg.FilledSize)
	entryFee := domain.FeeUSD(perpPx*size, perpFeeBps) + domain.FeeUSD(spotPx*size, spotFeeBps)

	return &domain.Position{
		ID:          uuid.NewString(),
		Direction:   intent.Direction,
		Size:        size,
		EntryPerpPx: perpPx,
		EntrySpotPx: spotPx,
		EntryFeeUSD: entryFee,
		OpenedAt:    time.Now(),
		Status:      domain.PositionOpen,
	}
}
