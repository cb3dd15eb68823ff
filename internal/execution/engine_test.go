package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbbot/goarb/internal/domain"
)

// scripted 单次 PlaceOrders 调用的预置响应
type scripted struct {
	legs func(specs []domain.OrderSpec) []domain.ExecutedLeg
	err  error
}

// mockTransport 脚本化的订单通道
type mockTransport struct {
	mu         sync.Mutex
	script     []scripted
	placeCalls [][]domain.OrderSpec
	openOrders []domain.OpenOrder
	cancels    []string
	schedules  []time.Time
}

func (m *mockTransport) PlaceOrders(ctx context.Context, specs []domain.OrderSpec) ([]domain.ExecutedLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls = append(m.placeCalls, specs)
	if len(m.script) == 0 {
		panic("mockTransport: no scripted response left")
	}
	s := m.script[0]
	m.script = m.script[1:]
	if s.err != nil {
		return nil, s.err
	}
	return s.legs(specs), nil
}

func (m *mockTransport) CancelOrder(ctx context.Context, venue domain.Venue, asset, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, orderID)
	return nil
}

func (m *mockTransport) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrders, nil
}

func (m *mockTransport) ScheduleCancelAll(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = append(m.schedules, at)
	return nil
}

// staticQuotes 固定盘口
type staticQuotes struct {
	tob domain.TopOfBook
	ok  bool
}

func (s staticQuotes) Top() (domain.TopOfBook, bool) { return s.tob, s.ok }

func fullFill(specs []domain.OrderSpec) []domain.ExecutedLeg {
	out := make([]domain.ExecutedLeg, len(specs))
	for i, sp := range specs {
		out[i] = domain.ExecutedLeg{
			Spec:       sp,
			OrderID:    "oid-" + string(sp.Venue),
			Status:     domain.OrderStatusFilled,
			FilledSize: sp.Size,
			AvgPrice:   sp.LimitPx,
		}
	}
	return out
}

func rejectAll(specs []domain.OrderSpec) []domain.ExecutedLeg {
	out := make([]domain.ExecutedLeg, len(specs))
	for i, sp := range specs {
		out[i] = domain.ExecutedLeg{Spec: sp, Status: domain.OrderStatusError, ErrMsg: "rejected"}
	}
	return out
}

func partialFill(filled float64) func(specs []domain.OrderSpec) []domain.ExecutedLeg {
	return func(specs []domain.OrderSpec) []domain.ExecutedLeg {
		out := make([]domain.ExecutedLeg, len(specs))
		for i, sp := range specs {
			out[i] = domain.ExecutedLeg{
				Spec:       sp,
				OrderID:    "oid-partial",
				Status:     domain.OrderStatusFilled,
				FilledSize: filled,
				AvgPrice:   sp.LimitPx,
			}
		}
		return out
	}
}

// shortPoll 缩短挂单轮询间隔，让等待成交的用例跑得快
func shortPoll(t *testing.T) {
	t.Helper()
	old := makerOpenPoll
	makerOpenPoll = 5 * time.Millisecond
	t.Cleanup(func() { makerOpenPoll = old })
}

var engineFees = domain.FeeSchedule{PerpMakerBps: 1.5, PerpTakerBps: 4.5, SpotMakerBps: 4.0, SpotTakerBps: 7.0}

func newTestEngine(mt *mockTransport) *Engine {
	quotes := staticQuotes{
		tob: domain.TopOfBook{PerpBid: 25.0, PerpAsk: 25.01, SpotBid: 24.99, SpotAsk: 25.0},
		ok:  true,
	}
	qz := NewQuantizer(2, 2)
	return NewEngine(mt, quotes, qz, engineFees, nil, "HYPE", "HYPE/USDC")
}

func newMakerTestEngine(mt *mockTransport, window time.Duration) *Engine {
	quotes := staticQuotes{
		tob: domain.TopOfBook{PerpBid: 25.0, PerpAsk: 25.01, SpotBid: 24.99, SpotAsk: 25.0},
		ok:  true,
	}
	qz := NewQuantizer(2, 2)
	dm := NewDeadmanScheduler(mt, window)
	return NewEngine(mt, quotes, qz, engineFees, dm, "HYPE", "HYPE/USDC")
}

func testIntent() domain.TradeIntent {
	return domain.TradeIntent{
		Direction: domain.DirPerpToSpot,
		Size:      1.0,
		PerpPx:    25.0,
		SpotPx:    25.0,
		CreatedAt: time.Now(),
	}
}

func TestExecuteIntent_Leg1RejectedNoLeg2(t *testing.T) {
	mt := &mockTransport{script: []scripted{{legs: rejectAll}}}
	e := newTestEngine(mt)

	res := e.ExecuteIntent(context.Background(), testIntent())

	assert.Equal(t, domain.TradeStatusFailed, res.Status)
	// 第一腿无成交：不提交第二腿，也不需要补偿
	require.Len(t, mt.placeCalls, 1)
	assert.Empty(t, res.Compensations)
}

func TestExecuteIntent_Leg1PartialCompensated(t *testing.T) {
	mt := &mockTransport{script: []scripted{
		{legs: partialFill(0.4)},
		{legs: fullFill}, // 补偿腿
	}}
	e := newTestEngine(mt)

	res := e.ExecuteIntent(context.Background(), testIntent())

	assert.Equal(t, domain.TradeStatusFailed, res.Status)
	require.Len(t, mt.placeCalls, 2)
	require.Len(t, res.Compensations, 1)

	comp := mt.placeCalls[1][0]
	// 补偿腿：反向、reduce-only、IOC，数量等于实际成交量
	assert.Equal(t, domain.VenuePerp, comp.Venue)
	assert.True(t, comp.IsBuy) // 卖出腿的补偿是买入
	assert.True(t, comp.ReduceOnly)
	assert.Equal(t, domain.TIFIoc, comp.TIF)
	assert.InDelta(t, 0.4, comp.Size, 1e-9)
}

func TestExecuteIntent_Leg2FailureCompensatesBoth(t *testing.T) {
	mt := &mockTransport{script: []scripted{
		{legs: fullFill},          // 第一腿成交
		{legs: rejectAll},         // 第二腿被拒
		{legs: fullFill},          // 第一腿补偿
	}}
	e := newTestEngine(mt)

	res := e.ExecuteIntent(context.Background(), testIntent())

	assert.Equal(t, domain.TradeStatusFailed, res.Status)
	require.Len(t, mt.placeCalls, 3)
	require.Len(t, res.Compensations, 1)

	comp := mt.placeCalls[2][0]
	assert.Equal(t, domain.VenuePerp, comp.Venue)
	assert.True(t, comp.IsBuy)
	assert.InDelta(t, 1.0, comp.Size, 1e-9)
}

func TestExecuteIntent_BothLegsFilled(t *testing.T) {
	mt := &mockTransport{script: []scripted{
		{legs: fullFill},
		{legs: fullFill},
	}}
	e := newTestEngine(mt)

	res := e.ExecuteIntent(context.Background(), testIntent())

	assert.Equal(t, domain.TradeStatusPosted, res.Status)
	require.NotNil(t, res.Position)
	assert.Equal(t, domain.DirPerpToSpot, res.Position.Direction)
	assert.InDelta(t, 1.0, res.Position.Size, 1e-9)
	assert.Equal(t, domain.PositionOpen, res.Position.Status)
	assert.Greater(t, res.Position.EntryFeeUSD, 0.0)

	// 第一腿必须是卖出合约腿
	first := mt.placeCalls[0][0]
	assert.Equal(t, domain.VenuePerp, first.Venue)
	assert.False(t, first.IsBuy)
}

func TestExecuteIntent_SequentialOrdering(t *testing.T) {
	mt := &mockTransport{script: []scripted{
		{legs: fullFill},
		{legs: fullFill},
	}}
	e := newTestEngine(mt)

	intent := testIntent()
	intent.Direction = domain.DirSpotToPerp
	res := e.ExecuteIntent(context.Background(), intent)

	require.Equal(t, domain.TradeStatusPosted, res.Status)
	require.Len(t, mt.placeCalls, 2)
	// spot_to_perp 方向第一腿是卖出现货
	assert.Equal(t, domain.VenueSpot, mt.placeCalls[0][0].Venue)
	assert.False(t, mt.placeCalls[0][0].IsBuy)
	assert.Equal(t, domain.VenuePerp, mt.placeCalls[1][0].Venue)
	assert.True(t, mt.placeCalls[1][0].IsBuy)
}

func TestExecuteIntent_NonSpikeUsesAloPassive(t *testing.T) {
	mt := &mockTransport{script: []scripted{
		{legs: fullFill},
		{legs: fullFill},
	}}
	e := newTestEngine(mt)

	res := e.ExecuteIntent(context.Background(), testIntent())
	require.Equal(t, domain.TradeStatusPosted, res.Status)

	// 非尖峰：两腿都是 ALO，挂在被动侧（卖挂卖一、买挂买一）
	sell := mt.placeCalls[0][0]
	buy := mt.placeCalls[1][0]
	assert.Equal(t, domain.TIFAlo, sell.TIF)
	assert.Equal(t, domain.TIFAlo, buy.TIF)
	assert.InDelta(t, 25.01, sell.LimitPx, 1e-9) // 合约卖一
	assert.InDelta(t, 24.99, buy.LimitPx, 1e-9)  // 现货买一
}

func TestExecuteIntent_SpikeUsesIoc(t *testing.T) {
	mt := &mockTransport{script: []scripted{
		{legs: fullFill},
		{legs: fullFill},
	}}
	e := newTestEngine(mt)

	intent := testIntent()
	intent.Spike = true
	res := e.ExecuteIntent(context.Background(), intent)
	require.Equal(t, domain.TradeStatusPosted, res.Status)

	// 尖峰：IOC 穿价，卖低于盘口、买高于盘口
	sell := mt.placeCalls[0][0]
	buy := mt.placeCalls[1][0]
	assert.Equal(t, domain.TIFIoc, sell.TIF)
	assert.Equal(t, domain.TIFIoc, buy.TIF)
	assert.Less(t, sell.LimitPx, 25.0)
	assert.Greater(t, buy.LimitPx, 25.0)
}

func TestExecuteIntent_MakerRestingFilledAfterPoll(t *testing.T) {
	shortPoll(t)
	// 第一腿先挂入订单簿，轮询时已不在挂单列表里，视为成交
	mt := &mockTransport{script: []scripted{
		{legs: restingAll},
		{legs: fullFill},
	}}
	e := newMakerTestEngine(mt, 200*time.Millisecond)

	res := e.ExecuteIntent(context.Background(), testIntent())

	require.Equal(t, domain.TradeStatusPosted, res.Status)
	require.NotNil(t, res.Position)
	assert.InDelta(t, 1.0, res.Position.Size, 1e-9)
	// 挂单在场期间 deadman 已设置，结束时取消（最后一次调度为零值）
	require.NotEmpty(t, mt.schedules)
	assert.True(t, mt.schedules[len(mt.schedules)-1].IsZero())
	// maker 入场费率
	wantFee := domain.FeeUSD(25.01*1.0, engineFees.PerpMakerBps) + domain.FeeUSD(24.99*1.0, engineFees.SpotMakerBps)
	assert.InDelta(t, wantFee, res.Position.EntryFeeUSD, 1e-9)
}

func TestExecuteIntent_MakerTimeoutCancelsNoExposure(t *testing.T) {
	shortPoll(t)
	// 挂单一直留在订单簿且毫无成交，窗口结束后撤单即可，无需补偿
	mt := &mockTransport{
		script:     []scripted{{legs: restingAll}},
		openOrders: []domain.OpenOrder{{Venue: domain.VenuePerp, OrderID: "rest-perp", Size: 1.0}},
	}
	e := newMakerTestEngine(mt, 40*time.Millisecond)

	res := e.ExecuteIntent(context.Background(), testIntent())

	assert.Equal(t, domain.TradeStatusFailed, res.Status)
	assert.Contains(t, mt.cancels, "rest-perp")
	require.Len(t, mt.placeCalls, 1)
	assert.Empty(t, res.Compensations)
}

func TestExecuteIntent_MakerTimeoutPartialCompensated(t *testing.T) {
	shortPoll(t)
	// 挂单超时时只剩 0.6 未成交，撤单后回补已成交的 0.4
	mt := &mockTransport{
		script: []scripted{
			{legs: restingAll},
			{legs: fullFill}, // 补偿腿
		},
		openOrders: []domain.OpenOrder{{Venue: domain.VenuePerp, OrderID: "rest-perp", Size: 0.6}},
	}
	e := newMakerTestEngine(mt, 40*time.Millisecond)

	res := e.ExecuteIntent(context.Background(), testIntent())

	assert.Equal(t, domain.TradeStatusFailed, res.Status)
	assert.Contains(t, mt.cancels, "rest-perp")
	require.Len(t, res.Compensations, 1)

	comp := mt.placeCalls[1][0]
	assert.Equal(t, domain.VenuePerp, comp.Venue)
	assert.True(t, comp.IsBuy)
	assert.Equal(t, domain.TIFIoc, comp.TIF)
	assert.InDelta(t, 0.4, comp.Size, 1e-9)
}
