// Package strategy 交易决策主循环
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/capital"
	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
	"github.com/arbbot/goarb/internal/ledger"
	"github.com/arbbot/goarb/internal/metrics"
	"github.com/arbbot/goarb/internal/position"
	"github.com/arbbot/goarb/internal/runtimecfg"
	"github.com/arbbot/goarb/pkg/ratelimit"
)

var log = logrus.WithField("module", "strategy")

// Executor 开仓执行抽象（生产实现为 execution.Engine）
type Executor interface {
	ExecuteIntent(ctx context.Context, intent domain.TradeIntent) execution.Result
}

// Admitter 资金准入抽象
type Admitter interface {
	Check(ctx context.Context, intent domain.TradeIntent) capital.Decision
	InvalidateBalances()
}

// TradeSink 成交与仓位落盘
type TradeSink interface {
	RecordTrade(ctx context.Context, rec *domain.TradeRecord) error
	SavePosition(ctx context.Context, pos *domain.Position) error
}

// EdgeSink 边际样本落盘
type EdgeSink interface {
	Record(sample ledger.EdgeSample)
}

// ParamSource 运行期参数与交易开关
type ParamSource interface {
	Params(defaults runtimecfg.Params) (runtimecfg.Params, error)
	State() (runtimecfg.TradingState, error)
	SetLastEdges(snap runtimecfg.EdgeSnapshot) error
}

// OrchestratorConfig 主循环参数
type OrchestratorConfig struct {
	Defaults        runtimecfg.Params // 运行时库没有覆盖时的默认参数
	Fees            domain.FeeSchedule
	MaxOpenPos      int
	TradesPerMinute int
	FailureCooldown time.Duration // 开仓失败后的静默期
}

// Orchestrator 策略主循环
// 每个行情 tick 依次执行：算边际、检查平仓、过滤开仓条件、执行开仓。
// tick 由行情回调驱动，单 goroutine 顺序处理
type Orchestrator struct {
	cfg       OrchestratorConfig
	executor  Executor
	admitter  Admitter
	manager   *position.Manager
	sink      TradeSink
	edgeSink  EdgeSink
	params    ParamSource
	tradeRate *ratelimit.SlidingWindow

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewOrchestrator 创建主循环
func NewOrchestrator(cfg OrchestratorConfig, executor Executor, admitter Admitter, manager *position.Manager, sink TradeSink, edgeSink EdgeSink, params ParamSource) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		executor:  executor,
		admitter:  admitter,
		manager:   manager,
		sink:      sink,
		edgeSink:  edgeSink,
		params:    params,
		tradeRate: ratelimit.NewSlidingWindow(cfg.TradesPerMinute, time.Minute),
	}
}

// OnTick 处理一个盘口快照
func (o *Orchestrator) OnTick(ctx context.Context, tob domain.TopOfBook) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !tob.Valid() {
		return
	}
	metrics.TicksProcessed.Add(1)

	edges := domain.ComputeEdges(tob, o.cfg.Fees)
	if o.edgeSink != nil {
		o.edgeSink.Record(ledger.EdgeSample{Ts: time.Now(), Tob: tob, Edges: edges})
	}
	if err := o.params.SetLastEdges(runtimecfg.EdgeSnapshot{Edges: edges, Ts: time.Now()}); err != nil {
		log.Warnf("⚠️ 边际快照写入失败: %v", err)
	}

	// 平仓检查不受交易开关影响：停止交易只是不再开新仓。
	// 平仓在后台完成，余额刷新挂在 Manager 的 OnClosed 回调上
	o.manager.CheckAndClose(ctx, edges)

	state, err := o.params.State()
	if err != nil {
		log.Warnf("⚠️ 读取交易状态失败，跳过本轮开仓: %v", err)
		return
	}
	if state != runtimecfg.StateRunning {
		return
	}

	params, err := o.params.Params(o.cfg.Defaults)
	if err != nil {
		log.Warnf("⚠️ 读取运行参数失败，使用默认值: %v", err)
		params = o.cfg.Defaults
	}

	o.maybeOpen(ctx, tob, edges, params)
}

// maybeOpen 开仓条件逐级过滤
func (o *Orchestrator) maybeOpen(ctx context.Context, tob domain.TopOfBook, edges domain.Edges, params runtimecfg.Params) {
	dir, edge := edges.Best()
	if edge < params.ThresholdBps {
		return
	}

	if time.Now().Before(o.cooldownUntil) {
		return
	}

	if o.manager.OpenCount() >= o.cfg.MaxOpenPos {
		return
	}

	intent := o.buildIntent(tob, dir, edge, params)
	if intent.Size <= 0 {
		return
	}

	// 交易频率上限：超出时记一条 DELAYED 不下单
	if !o.tradeRate.Allow() {
		log.Infof("⏳ 开仓频率达到上限，推迟 (edge=%.2fbps)", edge)
		o.recordTrade(ctx, intent, domain.TradeStatusDelayed, nil, "")
		return
	}

	decision := o.admitter.Check(ctx, intent)
	if !decision.Admit {
		log.Infof("🚫 资金准入拒绝: %s (edge=%.2fbps)", decision.Reason, edge)
		o.recordTrade(ctx, intent, domain.TradeStatusSkipped, nil, decision.Reason)
		return
	}
	intent.Size = decision.Size

	if params.DryRun {
		log.Infof("🧪 dry-run 模拟开仓: dir=%s size=%.6f edge=%.2fbps spike=%v", dir, intent.Size, edge, intent.Spike)
		o.recordTrade(ctx, intent, domain.TradeStatusSimulated, nil, "")
		return
	}

	log.Infof("🚀 开仓: dir=%s size=%.6f edge=%.2fbps spike=%v", dir, intent.Size, edge, intent.Spike)
	res := o.executor.ExecuteIntent(ctx, intent)
	o.recordTrade(ctx, intent, res.Status, res.Legs, res.Error)

	o.admitter.InvalidateBalances()

	switch res.Status {
	case domain.TradeStatusPosted:
		metrics.OrdersPosted.Add(1)
		o.manager.Add(res.Position)
		if err := o.sink.SavePosition(ctx, res.Position); err != nil {
			log.Errorf("❌ 仓位落盘失败: %v", err)
		}
	case domain.TradeStatusFailed, domain.TradeStatusError:
		metrics.OrdersFailed.Add(1)
		// 连续失败通常是行情或账户状态有问题，静默一段时间
		o.cooldownUntil = time.Now().Add(o.cfg.FailureCooldown)
		log.Warnf("⚠️ 开仓失败，冷却至 %s", o.cooldownUntil.Format(time.TimeOnly))
	}
}

// buildIntent 盘口快照转开仓意图
func (o *Orchestrator) buildIntent(tob domain.TopOfBook, dir domain.Direction, edge float64, params runtimecfg.Params) domain.TradeIntent {
	var perpPx, spotPx float64
	if dir == domain.DirPerpToSpot {
		perpPx, spotPx = tob.PerpBid, tob.SpotAsk
	} else {
		perpPx, spotPx = tob.PerpAsk, tob.SpotBid
	}

	refPx := max(perpPx, spotPx)
	size := 0.0
	if refPx > 0 {
		size = params.AllocUSD / refPx
	}

	return domain.TradeIntent{
		Direction: dir,
		Size:      size,
		PerpPx:    perpPx,
		SpotPx:    spotPx,
		EdgeBps:   edge,
		Spike:     edge >= params.ThresholdBps+params.SpikeExtraBps,
		CreatedAt: time.Now(),
	}
}

// recordTrade 写一条下单记录
func (o *Orchestrator) recordTrade(ctx context.Context, intent domain.TradeIntent, status domain.TradeStatus, legs []domain.ExecutedLeg, errMsg string) {
	rec := &domain.TradeRecord{
		ID:        uuid.NewString(),
		Intent:    intent,
		Status:    status,
		Legs:      legs,
		Error:     errMsg,
		CreatedAt: time.Now(),
	}
	if err := o.sink.RecordTrade(ctx, rec); err != nil {
		log.Errorf("❌ 下单记录落盘失败: %v", err)
	}
}
