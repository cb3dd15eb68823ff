package domain

import (
	"math"
	"testing"
)

var testFees = FeeSchedule{
	PerpMakerBps: 1.5,
	PerpTakerBps: 4.5,
	SpotMakerBps: 4.0,
	SpotTakerBps: 7.0,
}

func TestComputeEdges_BalancedBooks(t *testing.T) {
	// 两市场盘口完全对齐：毛价差为 0，两方向净边际都应等于负的费率合计
	tob := TopOfBook{
		PerpBid: 25.0, PerpAsk: 25.0,
		SpotBid: 25.0, SpotAsk: 25.0,
	}

	edges := ComputeEdges(tob, testFees)
	wantFee := -(testFees.PerpMakerBps + testFees.SpotMakerBps) // -5.5

	if math.Abs(edges.PerpToSpotBps-wantFee) > 1e-9 {
		t.Fatalf("PerpToSpotBps got=%f want=%f", edges.PerpToSpotBps, wantFee)
	}
	if math.Abs(edges.SpotToPerpBps-wantFee) > 1e-9 {
		t.Fatalf("SpotToPerpBps got=%f want=%f", edges.SpotToPerpBps, wantFee)
	}
}

func TestComputeEdges_PerpPremium(t *testing.T) {
	// 合约溢价：perp_bid 高于 spot_ask，perp_to_spot 方向应为正边际
	tob := TopOfBook{
		PerpBid: 25.05, PerpAsk: 25.06,
		SpotBid: 24.99, SpotAsk: 25.00,
	}

	edges := ComputeEdges(tob, testFees)

	mid := tob.Mid()
	wantPS := (25.05-25.00)/mid*10000 - 5.5
	if math.Abs(edges.PerpToSpotBps-wantPS) > 1e-9 {
		t.Fatalf("PerpToSpotBps got=%f want=%f", edges.PerpToSpotBps, wantPS)
	}

	dir, best := edges.Best()
	if dir != DirPerpToSpot {
		t.Fatalf("best direction got=%s want=%s", dir, DirPerpToSpot)
	}
	if best != edges.PerpToSpotBps {
		t.Fatalf("best edge got=%f want=%f", best, edges.PerpToSpotBps)
	}
}

func TestComputeEdges_ZeroMid(t *testing.T) {
	edges := ComputeEdges(TopOfBook{}, testFees)
	if edges.PerpToSpotBps != 0 || edges.SpotToPerpBps != 0 {
		t.Fatalf("invalid book should produce zero edges, got %+v", edges)
	}
}
