package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbbot/goarb/internal/domain"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "arb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestTradeRoundtrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	rec := &domain.TradeRecord{
		ID: "trade-1",
		Intent: domain.TradeIntent{
			Direction: domain.DirPerpToSpot,
			Size:      1.5,
			PerpPx:    25.05,
			SpotPx:    25.00,
			EdgeBps:   4.2,
			Spike:     true,
		},
		Status:    domain.TradeStatusPosted,
		CreatedAt: time.Now(),
		Legs: []domain.ExecutedLeg{
			{OrderID: "oid-1", Status: domain.OrderStatusFilled, FilledSize: 1.5, AvgPrice: 25.05},
		},
	}
	require.NoError(t, l.RecordTrade(ctx, rec))

	rows, err := l.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, "trade-1", got.ID)
	assert.Equal(t, "perp_to_spot", got.Direction)
	assert.Equal(t, "POSTED", got.Status)
	assert.True(t, got.Spike)
	assert.InDelta(t, 4.2, got.EdgeBps, 1e-9)
}

func TestPositionLifecycleRoundtrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	pos := &domain.Position{
		ID:          "pos-1",
		Direction:   domain.DirPerpToSpot,
		Size:        2.0,
		EntryPerpPx: 25.10,
		EntrySpotPx: 25.00,
		EntryFeeUSD: 0.06,
		OpenedAt:    time.Now(),
		Status:      domain.PositionOpen,
	}
	require.NoError(t, l.SavePosition(ctx, pos))

	rows, err := l.RecentPositions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "OPEN", rows[0].Status)
	assert.Empty(t, rows[0].CloseMethod)

	pos.Status = domain.PositionClosed
	pos.ClosedAt = time.Now()
	pos.ExitPerpPx = 25.02
	pos.ExitSpotPx = 25.03
	pos.ExitFeeUSD = 0.03
	pos.CloseMethod = domain.CloseMethodMaker
	pos.CloseReason = "edge_decay"
	pos.RealizedPnL = 0.13
	require.NoError(t, l.MarkPositionClosed(ctx, pos))

	rows, err = l.RecentPositions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CLOSED", rows[0].Status)
	assert.Equal(t, "maker", rows[0].CloseMethod)
	assert.Equal(t, "edge_decay", rows[0].CloseReason)
	assert.InDelta(t, 0.13, rows[0].RealizedPnL, 1e-9)

	total, err := l.RealizedPnLTotal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.13, total, 1e-9)
}

func TestEdgeWriter_FlushOnBufferFull(t *testing.T) {
	l := openTestLedger(t)
	w := NewEdgeWriter(l, 5, time.Hour) // 刷新间隔拉长，只靠缓冲满触发

	for i := 0; i < 5; i++ {
		w.Record(EdgeSample{
			Ts:    time.Now(),
			Tob:   domain.TopOfBook{PerpBid: 25.0, PerpAsk: 25.01, SpotBid: 24.99, SpotAsk: 25.0},
			Edges: domain.Edges{PerpToSpotBps: 1.0, SpotToPerpBps: -1.0},
		})
	}

	require.Eventually(t, func() bool {
		n, err := l.EdgeCount(context.Background())
		return err == nil && n == 5
	}, 2*time.Second, 20*time.Millisecond)

	w.Close()
}

func TestEdgeWriter_CloseFlushesRemainder(t *testing.T) {
	l := openTestLedger(t)
	w := NewEdgeWriter(l, 100, time.Hour)

	for i := 0; i < 3; i++ {
		w.Record(EdgeSample{Ts: time.Now()})
	}
	w.Close()

	n, err := l.EdgeCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
