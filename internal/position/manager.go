// Package position 管理已对冲仓位的生命周期
package position

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
	"github.com/arbbot/goarb/internal/metrics"
)

var log = logrus.WithField("module", "position")

// ErrNotOpen 仓位不存在或不在 OPEN 状态
var ErrNotOpen = errors.New("position not open")

// Closer 平仓执行抽象（生产实现为 execution.CloseStrategy）
type Closer interface {
	ClosePosition(ctx context.Context, pos *domain.Position) (*execution.CloseResult, error)
}

// Manager 仓位生命周期管理器
// 每个 tick 检查平仓条件：边际衰减到阈值以下，或持有时间超限；
// CLOSING 状态保证每个仓位只会触发一次平仓
type Manager struct {
	closer       Closer
	fees         domain.FeeSchedule
	closeEdgeBps float64
	maxAge       time.Duration

	mu        sync.Mutex
	positions map[string]*domain.Position

	// onClosed 平仓完成回调（落账本）
	onClosed func(pos *domain.Position)
}

// NewManager 创建仓位管理器
func NewManager(closer Closer, fees domain.FeeSchedule, closeEdgeBps float64, maxAge time.Duration) *Manager {
	return &Manager{
		closer:       closer,
		fees:         fees,
		closeEdgeBps: closeEdgeBps,
		maxAge:       maxAge,
		positions:    make(map[string]*domain.Position),
	}
}

// OnClosed 注册平仓完成回调
func (m *Manager) OnClosed(fn func(pos *domain.Position)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = fn
}

// Add 纳入新仓位
func (m *Manager) Add(pos *domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	log.Infof("📌 新仓位纳管 id=%s dir=%s size=%.6f", pos.ID, pos.Direction, pos.Size)
}

// OpenCount 当前未平仓数量（含平仓中）
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.Status != domain.PositionClosed {
			n++
		}
	}
	return n
}

// Open 返回未平仓仓位快照
func (m *Manager) Open() []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status != domain.PositionClosed {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// CheckAndClose 按当前边际检查全部仓位，触发满足条件的平仓
// 平仓 maker 等待期可达数百秒，在后台 goroutine 执行，
// 不阻塞行情回调；CLOSING 标记保证同一仓位只会触发一次。
// 返回本轮触发平仓的仓位数
func (m *Manager) CheckAndClose(ctx context.Context, edges domain.Edges) int {
	now := time.Now()
	var due []*domain.Position

	m.mu.Lock()
	for _, p := range m.positions {
		if p.Status != domain.PositionOpen {
			continue
		}
		reason := m.closeReason(p, edges, now)
		if reason == "" {
			continue
		}
		// 先标记 CLOSING，保证同一仓位不会被重复触发
		p.Status = domain.PositionClosing
		p.CloseReason = reason
		due = append(due, p)
	}
	m.mu.Unlock()

	// tick 的 ctx 随回调返回而结束，平仓流程用剥离取消的 ctx 跑完
	bg := context.WithoutCancel(ctx)
	for _, p := range due {
		go m.runClose(bg, p)
	}
	return len(due)
}

// CloseByID 手动平仓（控制面触发），平仓在后台执行
func (m *Manager) CloseByID(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok || p.Status != domain.PositionOpen {
		m.mu.Unlock()
		return ErrNotOpen
	}
	p.Status = domain.PositionClosing
	p.CloseReason = "manual"
	m.mu.Unlock()

	// 请求 ctx 在响应返回后即被取消，不能带进平仓流程
	go m.runClose(context.WithoutCancel(ctx), p)
	return nil
}

// runClose 后台执行单仓位平仓，失败时恢复 OPEN 等待下轮重试
func (m *Manager) runClose(ctx context.Context, p *domain.Position) {
	if err := m.close(ctx, p); err != nil {
		log.Errorf("❌ 平仓失败 id=%s: %v，恢复 OPEN 等待下轮重试", p.ID, err)
		m.mu.Lock()
		p.Status = domain.PositionOpen
		p.CloseReason = ""
		m.mu.Unlock()
	}
}

// closeReason 返回触发平仓的原因，空串表示继续持有
func (m *Manager) closeReason(p *domain.Position, edges domain.Edges, now time.Time) string {
	if p.Age(now) >= m.maxAge {
		return "timeout"
	}
	edge := edges.PerpToSpotBps
	if p.Direction == domain.DirSpotToPerp {
		edge = edges.SpotToPerpBps
	}
	if edge <= m.closeEdgeBps {
		return "edge_decay"
	}
	return ""
}

// close 执行平仓并结算已实现盈亏
func (m *Manager) close(ctx context.Context, p *domain.Position) error {
	log.Infof("🔄 触发平仓 id=%s reason=%s age=%s", p.ID, p.CloseReason, p.Age(time.Now()).Round(time.Second))

	res, err := m.closer.ClosePosition(ctx, p)
	if err != nil {
		return err
	}

	exitFeeBps := m.fees.CloseFeeBps(res.Method)
	exitNotional := res.ExitPerpPx*p.Size + res.ExitSpotPx*p.Size
	exitFee := domain.FeeUSD(exitNotional, exitFeeBps/2) // bps 合计是双腿之和，按合并名义额折半计费

	m.mu.Lock()
	p.Status = domain.PositionClosed
	p.ClosedAt = time.Now()
	p.ExitPerpPx = res.ExitPerpPx
	p.ExitSpotPx = res.ExitSpotPx
	p.CloseMethod = res.Method
	p.ExitFeeUSD = exitFee
	p.RealizedPnL = p.GrossPnL(res.ExitPerpPx, res.ExitSpotPx) - p.EntryFeeUSD - exitFee
	onClosed := m.onClosed
	m.mu.Unlock()

	metrics.PositionsClosed.Add(1)
	log.Infof("✅ 仓位已平 id=%s method=%s pnl=%.4f (gross=%.4f entryFee=%.4f exitFee=%.4f)",
		p.ID, res.Method, p.RealizedPnL, p.GrossPnL(res.ExitPerpPx, res.ExitSpotPx), p.EntryFeeUSD, exitFee)

	if onClosed != nil {
		onClosed(p)
	}
	return nil
}
