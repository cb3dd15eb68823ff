package execution

import (
	"context"
	"time"

	"github.com/arbbot/goarb/internal/domain"
)

// Transport 订单通道抽象
// 生产实现优先走 WebSocket post 会话，失败时回退 HTTP；测试用 mock
type Transport interface {
	// PlaceOrders 批量下单并返回逐腿解析后的执行结果
	// 返回 error 表示整个请求失败（网络/签名），任何一腿都没有到达交易所
	PlaceOrders(ctx context.Context, specs []domain.OrderSpec) ([]domain.ExecutedLeg, error)

	// CancelOrder 撤销单个挂单
	CancelOrder(ctx context.Context, venue domain.Venue, asset, orderID string) error

	// OpenOrders 查询账户当前全部挂单
	OpenOrders(ctx context.Context) ([]domain.OpenOrder, error)

	// ScheduleCancelAll 设置 deadman 计划撤单；at 为零值时取消计划
	ScheduleCancelAll(ctx context.Context, at time.Time) error
}

// QuoteSource 最新盘口来源（由行情 feed 维护）
type QuoteSource interface {
	Top() (domain.TopOfBook, bool)
}
