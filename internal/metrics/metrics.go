// Package metrics 进程内计数器与 debug 服务
package metrics

import "expvar"

var (
	TicksProcessed     = expvar.NewInt("ticks_processed")
	OrdersPosted       = expvar.NewInt("orders_posted")
	OrdersFailed       = expvar.NewInt("orders_failed")
	PositionsClosed    = expvar.NewInt("positions_closed")
	EdgeSamplesDropped = expvar.NewInt("edge_samples_dropped")
	FeedReconnects     = expvar.NewInt("feed_reconnects")
	WsPostFallbacks    = expvar.NewInt("ws_post_fallbacks")
)
