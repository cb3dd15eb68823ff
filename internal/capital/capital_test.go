package capital

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
)

// stubBalances 固定余额源
type stubBalances struct {
	mu  sync.Mutex
	bal domain.Balances
	err error
}

func (s *stubBalances) FetchBalances(ctx context.Context) (domain.Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Balances{}, s.err
	}
	return s.bal, nil
}

func (s *stubBalances) set(bal domain.Balances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bal = bal
}

// recordingTransferer 记录划转调用
type recordingTransferer struct {
	toPerp  []bool
	amounts []float64
}

func (r *recordingTransferer) TransferUSD(ctx context.Context, toPerp bool, usd float64) error {
	r.toPerp = append(r.toPerp, toPerp)
	r.amounts = append(r.amounts, usd)
	return nil
}

// nopTransport 只记录下单请求
type nopTransport struct {
	placed [][]domain.OrderSpec
}

func (n *nopTransport) PlaceOrders(ctx context.Context, specs []domain.OrderSpec) ([]domain.ExecutedLeg, error) {
	n.placed = append(n.placed, specs)
	out := make([]domain.ExecutedLeg, len(specs))
	for i, sp := range specs {
		out[i] = domain.ExecutedLeg{Spec: sp, Status: domain.OrderStatusFilled, FilledSize: sp.Size, AvgPrice: sp.LimitPx}
	}
	return out, nil
}

func (n *nopTransport) CancelOrder(ctx context.Context, venue domain.Venue, asset, orderID string) error {
	return nil
}

func (n *nopTransport) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) { return nil, nil }

func (n *nopTransport) ScheduleCancelAll(ctx context.Context, at time.Time) error { return nil }

func buyIntent(size float64) domain.TradeIntent {
	return domain.TradeIntent{
		Direction: domain.DirPerpToSpot,
		Size:      size,
		PerpPx:    25.0,
		SpotPx:    25.0,
	}
}

func TestAdmission_FullSize(t *testing.T) {
	src := &stubBalances{bal: domain.Balances{
		PerpWithdrawable: 100, SpotUSDC: 100, MidPx: 25.0,
	}}
	a := NewAdmissionController(src, time.Second, 0.03, 0.05, 3.0, 10.0)

	d := a.Check(context.Background(), buyIntent(1.0))
	assert.True(t, d.Admit)
	assert.False(t, d.Scaled)
	assert.Equal(t, 1.0, d.Size)
}

func TestAdmission_ScalesDownToAvailable(t *testing.T) {
	// 现货只有 30 USDC：目标 2.0 @25 需要 50，缩减到约 1.165
	src := &stubBalances{bal: domain.Balances{
		PerpWithdrawable: 1000, SpotUSDC: 30, MidPx: 25.0,
	}}
	a := NewAdmissionController(src, time.Second, 0.03, 0.05, 3.0, 10.0)

	d := a.Check(context.Background(), buyIntent(2.0))
	require.True(t, d.Admit)
	assert.True(t, d.Scaled)
	assert.InDelta(t, 30.0/1.03/25.0, d.Size, 1e-9)
}

func TestAdmission_RejectsBelowMinNotional(t *testing.T) {
	// 缩减后名义额 ~4.85 USD 低于最低限额 10
	src := &stubBalances{bal: domain.Balances{
		PerpWithdrawable: 1000, SpotUSDC: 5, MidPx: 25.0,
	}}
	a := NewAdmissionController(src, time.Second, 0.03, 0.05, 3.0, 10.0)

	d := a.Check(context.Background(), buyIntent(2.0))
	assert.False(t, d.Admit)
	assert.Equal(t, "below_min_notional", d.Reason)
}

func TestAdmission_PerpMarginLimits(t *testing.T) {
	// 合约侧可用 10 USDC，3 倍杠杆、5% 安全垫：上限约 1.143 个
	src := &stubBalances{bal: domain.Balances{
		PerpWithdrawable: 10, SpotUSDC: 1000, MidPx: 25.0,
	}}
	a := NewAdmissionController(src, time.Second, 0.03, 0.05, 3.0, 10.0)

	d := a.Check(context.Background(), buyIntent(2.0))
	require.True(t, d.Admit)
	assert.InDelta(t, 10.0/1.05*3.0/25.0, d.Size, 1e-9)
}

func TestAdmission_SpotSellNeedsInventory(t *testing.T) {
	src := &stubBalances{bal: domain.Balances{
		PerpWithdrawable: 1000, SpotUSDC: 1000, SpotAssetSize: 0.5, MidPx: 25.0,
	}}
	a := NewAdmissionController(src, time.Second, 0.03, 0.05, 3.0, 10.0)

	intent := buyIntent(2.0)
	intent.Direction = domain.DirSpotToPerp
	d := a.Check(context.Background(), intent)
	require.True(t, d.Admit)
	assert.InDelta(t, 0.5, d.Size, 1e-9)
}

func TestAdmission_FailOpenOnBalanceError(t *testing.T) {
	src := &stubBalances{err: assert.AnError}
	a := NewAdmissionController(src, time.Second, 0.03, 0.05, 3.0, 10.0)

	d := a.Check(context.Background(), buyIntent(1.0))
	assert.True(t, d.Admit)
	assert.Equal(t, 1.0, d.Size)
}

func TestRebalance_TransfersHalfTheGap(t *testing.T) {
	// perp 80 / spot 20：对半分需要划出 30 到现货
	src := &stubBalances{bal: domain.Balances{
		PerpAccountValue: 80, SpotUSDC: 20, MidPx: 25.0,
	}}
	tr := &recordingTransferer{}
	r := NewRebalancer(src, tr, &nopTransport{}, execution.NewQuantizer(2, 2), "HYPE/USDC", 5.0)

	report, err := r.Rebalance(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, tr.amounts, 1)
	assert.False(t, tr.toPerp[0])
	assert.InDelta(t, 30.0, tr.amounts[0], 1e-9)
	assert.InDelta(t, -30.0, report.Transferred, 1e-9)
}

func TestRebalance_SkipsSmallGap(t *testing.T) {
	src := &stubBalances{bal: domain.Balances{
		PerpAccountValue: 52, SpotUSDC: 48, MidPx: 25.0,
	}}
	tr := &recordingTransferer{}
	r := NewRebalancer(src, tr, &nopTransport{}, execution.NewQuantizer(2, 2), "HYPE/USDC", 5.0)

	report, err := r.Rebalance(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, tr.amounts)
	assert.Zero(t, report.Transferred)
}

func TestRebalance_SellsDustFirst(t *testing.T) {
	src := &stubBalances{bal: domain.Balances{
		PerpAccountValue: 50, SpotUSDC: 45, SpotAssetSize: 0.2, MidPx: 25.0,
	}}
	tr := &recordingTransferer{}
	nt := &nopTransport{}
	r := NewRebalancer(src, tr, nt, execution.NewQuantizer(2, 2), "HYPE/USDC", 5.0)

	report, err := r.Rebalance(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, nt.placed, 1)
	sell := nt.placed[0][0]
	assert.Equal(t, domain.VenueSpot, sell.Venue)
	assert.False(t, sell.IsBuy)
	assert.Equal(t, domain.TIFIoc, sell.TIF)
	assert.InDelta(t, 0.2, sell.Size, 1e-9)
	// 退让 5% 保证成交
	assert.LessOrEqual(t, sell.LimitPx, 25.0*0.95)
	assert.InDelta(t, 0.2, report.DustSold, 1e-9)
}

func TestRebalance_DryRunDoesNotMoveFunds(t *testing.T) {
	src := &stubBalances{bal: domain.Balances{
		PerpAccountValue: 80, SpotUSDC: 20, SpotAssetSize: 0.5, MidPx: 25.0,
	}}
	tr := &recordingTransferer{}
	nt := &nopTransport{}
	r := NewRebalancer(src, tr, nt, execution.NewQuantizer(2, 2), "HYPE/USDC", 5.0)

	report, err := r.Rebalance(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, tr.amounts)
	assert.Empty(t, nt.placed)
	assert.True(t, report.DryRun)
	assert.NotZero(t, report.Transferred)
}
