package domain

import "time"

// Edges 两个方向的净边际（bps，已扣除双腿 maker 费率）
type Edges struct {
	PerpToSpotBps float64 // 卖合约买现货
	SpotToPerpBps float64 // 卖现货买合约
	Ts            time.Time
}

// Best 返回边际更优的方向
func (e Edges) Best() (Direction, float64) {
	if e.PerpToSpotBps >= e.SpotToPerpBps {
		return DirPerpToSpot, e.PerpToSpotBps
	}
	return DirSpotToPerp, e.SpotToPerpBps
}

// ComputeEdges 从盘口快照计算两方向净边际
// 以两市场合并中间价归一化，再扣掉双腿 maker 费率；
// 盘口完全对齐时两方向边际都等于负的费率合计
func ComputeEdges(tob TopOfBook, fees FeeSchedule) Edges {
	mid := tob.Mid()
	if mid <= 0 {
		return Edges{Ts: tob.Ts}
	}

	feeBps := fees.OpenMakerFeeBps()
	psBps := (tob.PerpBid-tob.SpotAsk)/mid*10000 - feeBps
	spBps := (tob.SpotBid-tob.PerpAsk)/mid*10000 - feeBps

	return Edges{
		PerpToSpotBps: psBps,
		SpotToPerpBps: spBps,
		Ts:            tob.Ts,
	}
}
