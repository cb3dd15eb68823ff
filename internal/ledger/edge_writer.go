package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/metrics"
)

// EdgeSample 一个 tick 的盘口与边际
type EdgeSample struct {
	Ts    time.Time
	Tob   domain.TopOfBook
	Edges domain.Edges
}

// EdgeWriter 边际异步批量写入
// 每个行情 tick 都会产生一条样本，逐条写 sqlite 会拖慢主循环，
// 缓冲满或到达刷新间隔时才批量落盘
type EdgeWriter struct {
	ledger        *Ledger
	bufferSize    int
	flushInterval time.Duration

	ch   chan EdgeSample
	wg   sync.WaitGroup
	once sync.Once
}

// NewEdgeWriter 创建并启动边际写入器
func NewEdgeWriter(l *Ledger, bufferSize int, flushInterval time.Duration) *EdgeWriter {
	w := &EdgeWriter{
		ledger:        l,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		ch:            make(chan EdgeSample, bufferSize*2),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record 提交一条样本（缓冲满时丢弃，不阻塞调用方）
func (w *EdgeWriter) Record(sample EdgeSample) {
	select {
	case w.ch <- sample:
	default:
		metrics.EdgeSamplesDropped.Add(1)
		log.Warn("⚠️ 边际写入缓冲已满，丢弃样本")
	}
}

// Close 停止写入并刷掉剩余样本
func (w *EdgeWriter) Close() {
	w.once.Do(func() {
		close(w.ch)
	})
	w.wg.Wait()
}

// loop 后台批量写入循环
func (w *EdgeWriter) loop() {
	defer w.wg.Done()

	batch := make([]EdgeSample, 0, w.bufferSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flushBatch(batch); err != nil {
			log.Errorf("❌ 边际批量写入失败 (%d 条): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, sample)
			if len(batch) >= w.bufferSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch 单条 INSERT 多行值批量写入
func (w *EdgeWriter) flushBatch(batch []EdgeSample) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO edges (ts, perp_bid, perp_ask, spot_bid, spot_ask, perp_to_spot_bps, spot_to_perp_bps) VALUES `)

	args := make([]any, 0, len(batch)*7)
	for i, s := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			s.Ts.UTC().Format(time.RFC3339Nano),
			s.Tob.PerpBid, s.Tob.PerpAsk, s.Tob.SpotBid, s.Tob.SpotAsk,
			s.Edges.PerpToSpotBps, s.Edges.SpotToPerpBps,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := w.ledger.db.ExecContext(ctx, sb.String(), args...)
	return errors.Wrap(err, "批量写入 edges 失败")
}

// EdgeCount 边际样本总数
func (l *Ledger) EdgeCount(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n)
	return n, errors.Wrap(err, "统计 edges 失败")
}
