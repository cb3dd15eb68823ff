package venue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/metrics"
)

const (
	feedPingInterval  = 30 * time.Second
	feedStaleAfter    = 10 * time.Second
	maxReconnectDelay = 30 * time.Second
	postTimeout       = 10 * time.Second
)

// TickHandler 每次盘口更新的回调（策略主循环的驱动源）
type TickHandler func(tob domain.TopOfBook)

// MarketFeed 两腿盘口的 WebSocket 订阅，兼做低时延下单通道
// 合约腿和现货腿各订阅一条 bbo 流，拼成一个 TopOfBook 快照；
// 同一条连接上还承载 post 会话（按 id 配对请求与响应）；
// 断线自动重连并重新订阅
type MarketFeed struct {
	url      string
	coin     string
	spotCoin string // 交易所内部名，如 @107

	conn   *websocket.Conn
	connMu sync.Mutex

	running   bool
	runningMu sync.RWMutex

	tob   domain.TopOfBook
	tobMu sync.RWMutex

	onTick TickHandler

	postSeq   atomic.Int64
	pending   map[int64]chan postOutcome
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	reconnectAttempts int
}

// postOutcome 一次 post 请求的结局
type postOutcome struct {
	payload json.RawMessage
	err     error
}

// NewMarketFeed 创建行情订阅
func NewMarketFeed(url, coin, spotCoin string, onTick TickHandler) *MarketFeed {
	return &MarketFeed{
		url:      url,
		coin:     coin,
		spotCoin: spotCoin,
		onTick:   onTick,
		pending:  make(map[int64]chan postOutcome),
		doneCh:   make(chan struct{}),
	}
}

// Start 建立连接并开始接收行情
func (f *MarketFeed) Start(ctx context.Context) error {
	f.runningMu.Lock()
	if f.running {
		f.runningMu.Unlock()
		return errors.New("行情订阅已在运行")
	}
	f.running = true
	f.runningMu.Unlock()

	f.ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		f.runningMu.Lock()
		f.running = false
		f.runningMu.Unlock()
		return errors.Wrap(err, "初始连接失败")
	}

	go f.readLoop()
	go f.pingLoop()

	log.Infof("🚀 行情订阅已启动: %s (%s / %s)", f.url, f.coin, f.spotCoin)
	return nil
}

// Stop 关闭连接
func (f *MarketFeed) Stop() {
	f.runningMu.Lock()
	if !f.running {
		f.runningMu.Unlock()
		return
	}
	f.running = false
	f.runningMu.Unlock()

	f.cancel()

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
	f.failPending(errors.New("行情订阅已停止"))

	select {
	case <-f.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("⚠️ 行情订阅关闭超时")
	}
	log.Info("⏹️ 行情订阅已停止")
}

// Post 在行情连接上发送 post 请求并等待同 id 的响应
// 连接不可用或响应超时返回错误，调用方回退到 HTTP 通道
func (f *MarketFeed) Post(ctx context.Context, request any) (json.RawMessage, error) {
	id := f.postSeq.Add(1)
	ch := make(chan postOutcome, 1)
	f.pendingMu.Lock()
	f.pending[id] = ch
	f.pendingMu.Unlock()
	defer func() {
		f.pendingMu.Lock()
		delete(f.pending, id)
		f.pendingMu.Unlock()
	}()

	f.connMu.Lock()
	conn := f.conn
	if conn == nil {
		f.connMu.Unlock()
		return nil, errors.New("ws 连接不可用")
	}
	err := conn.WriteJSON(map[string]any{"method": "post", "id": id, "request": request})
	f.connMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "post 发送失败")
	}

	select {
	case out := <-ch:
		return out.payload, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(postTimeout):
		return nil, errors.New("post 响应超时")
	}
}

// failPending 连接断开时让全部在途 post 立即失败
func (f *MarketFeed) failPending(err error) {
	f.pendingMu.Lock()
	for id, ch := range f.pending {
		ch <- postOutcome{err: err}
		delete(f.pending, id)
	}
	f.pendingMu.Unlock()
}

// Top 当前盘口快照；行情过期或不完整时 ok 为 false
func (f *MarketFeed) Top() (domain.TopOfBook, bool) {
	f.tobMu.RLock()
	defer f.tobMu.RUnlock()
	if !f.tob.Valid() || time.Since(f.tob.Ts) > feedStaleAfter {
		return f.tob, false
	}
	return f.tob, true
}

// connect 建连并订阅两条 bbo 流
func (f *MarketFeed) connect() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.conn != nil {
		f.conn.Close()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	f.reconnectAttempts = 0

	for _, coin := range []string{f.coin, f.spotCoin} {
		msg := map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type": "bbo",
				"coin": coin,
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return errors.Wrapf(err, "订阅 %s 失败", coin)
		}
	}
	return nil
}

// readLoop 读取循环
func (f *MarketFeed) readLoop() {
	defer close(f.doneCh)

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			f.reconnect()
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			f.connMu.Lock()
			if f.conn != nil {
				f.conn.Close()
				f.conn = nil
			}
			f.connMu.Unlock()
			f.failPending(errors.Wrap(err, "ws 连接断开"))

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			log.Warnf("⚠️ 行情读取错误: %v，准备重连", err)
			f.reconnect()
			continue
		}

		f.handleMessage(message)
	}
}

// pingLoop 心跳循环（交易所要求 JSON ping）
func (f *MarketFeed) pingLoop() {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
				log.Warnf("⚠️ ping 发送失败: %v", err)
			}
		}
	}
}

// reconnect 线性退避重连
func (f *MarketFeed) reconnect() {
	f.reconnectAttempts++
	metrics.FeedReconnects.Add(1)
	delay := min(time.Duration(f.reconnectAttempts)*time.Second, maxReconnectDelay)

	log.Infof("🔄 %v 后重连行情 (尝试 %d)...", delay, f.reconnectAttempts)
	select {
	case <-f.ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := f.connect(); err != nil {
		log.Warnf("⚠️ 重连失败: %v", err)
	}
}

// bboMessage bbo 频道消息
type bboMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Coin string `json:"coin"`
		Time int64  `json:"time"`
		Bbo  [2]*struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"bbo"`
	} `json:"data"`
}

// handleMessage 处理单条消息
func (f *MarketFeed) handleMessage(data []byte) {
	var msg bboMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Channel {
	case "bbo":
		f.applyBbo(msg)
	case "post":
		f.resolvePost(data)
	case "pong", "subscriptionResponse":
		// 心跳与订阅确认不需要处理
	case "error":
		log.Warnf("⚠️ 行情错误消息: %s", string(data))
	}
}

// postMessage post 频道消息
type postMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		ID       int64           `json:"id"`
		Response json.RawMessage `json:"response"`
	} `json:"data"`
}

// resolvePost 把响应交还给等待中的 Post 调用
func (f *MarketFeed) resolvePost(data []byte) {
	var msg postMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("⚠️ post 响应解析失败: %v", err)
		return
	}

	f.pendingMu.Lock()
	ch := f.pending[msg.Data.ID]
	delete(f.pending, msg.Data.ID)
	f.pendingMu.Unlock()
	if ch == nil {
		// 调用方已超时离场
		return
	}
	ch <- postOutcome{payload: msg.Data.Response}
}

// applyBbo 把一条 bbo 更新合并进快照
func (f *MarketFeed) applyBbo(msg bboMessage) {
	if msg.Data.Bbo[0] == nil || msg.Data.Bbo[1] == nil {
		return
	}
	bid := wireToFloat(msg.Data.Bbo[0].Px)
	ask := wireToFloat(msg.Data.Bbo[1].Px)
	if bid <= 0 || ask <= 0 {
		return
	}

	now := time.Now()
	exchTs := time.UnixMilli(msg.Data.Time)

	f.tobMu.Lock()
	switch msg.Data.Coin {
	case f.coin:
		f.tob.PerpBid = bid
		f.tob.PerpAsk = ask
	case f.spotCoin:
		f.tob.SpotBid = bid
		f.tob.SpotAsk = ask
	default:
		f.tobMu.Unlock()
		return
	}
	f.tob.Ts = now
	f.tob.RecvLatencyMs = float64(now.Sub(exchTs).Microseconds()) / 1000.0
	snapshot := f.tob
	f.tobMu.Unlock()

	if f.onTick != nil && snapshot.Valid() {
		f.onTick(snapshot)
	}
}
