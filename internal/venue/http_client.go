package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
	"github.com/arbbot/goarb/internal/metrics"
	"github.com/arbbot/goarb/pkg/ratelimit"
)

var log = logrus.WithField("module", "venue")

// usdcToken 现货账户中 USDC 的代币索引固定为 0
const usdcTokenIndex = 0

// spotAssetOffset 现货资产 ID = 10000 + 交易对索引
const spotAssetOffset = 10000

// PostSession 行情 WS 连接上的 post 会话（生产实现为 MarketFeed）
type PostSession interface {
	Post(ctx context.Context, request any) (json.RawMessage, error)
}

// Client Hyperliquid 下单与查询客户端
// 同时承担下单通道、余额查询和账户间划转三个角色。
// L1 动作优先走 WS post 会话降低时延，会话不可用时回退 HTTP
type Client struct {
	http    *resty.Client
	post    PostSession // 可选的低时延通道
	signer  Signer
	limiter *ratelimit.RateLimitManager
	quotes  execution.QuoteSource // 余额估值用的盘口，可选

	coin     string // 合约腿，如 HYPE
	spotPair string // 现货腿，如 HYPE/USDC

	perpAssetID    int
	spotAssetID    int
	spotCoinName   string // 交易所内部名，如 @107
	szDecimals     int
	spotSzDecimals int
}

// NewClient 创建客户端
func NewClient(apiURL string, signer Signer, coin, spotPair string) *Client {
	httpClient := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 时优先遵守服务端给的 Retry-After
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil
		})

	return &Client{
		http:     httpClient,
		signer:   signer,
		limiter:  ratelimit.NewRateLimitManager(),
		coin:     coin,
		spotPair: spotPair,
	}
}

// SetQuotes 注入盘口源（余额快照里的中间价估值用）
func (c *Client) SetQuotes(quotes execution.QuoteSource) {
	c.quotes = quotes
}

// SetPostSession 注入 WS post 会话
func (c *Client) SetPostSession(post PostSession) {
	c.post = post
}

// Init 拉取元数据，解析两腿的资产 ID 与数量精度
func (c *Client) Init(ctx context.Context) error {
	var meta metaWire
	if err := c.postInfo(ctx, infoRequest{Type: "meta"}, &meta); err != nil {
		return errors.Wrap(err, "拉取合约元数据失败")
	}
	found := false
	for i, u := range meta.Universe {
		if u.Name == c.coin {
			c.perpAssetID = i
			c.szDecimals = u.SzDecimals
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("合约标的不存在: %s", c.coin)
	}

	var spotMeta spotMetaWire
	if err := c.postInfo(ctx, infoRequest{Type: "spotMeta"}, &spotMeta); err != nil {
		return errors.Wrap(err, "拉取现货元数据失败")
	}

	baseToken := strings.SplitN(c.spotPair, "/", 2)[0]
	baseIndex := -1
	for _, t := range spotMeta.Tokens {
		if t.Name == baseToken {
			baseIndex = t.Index
			c.spotSzDecimals = t.SzDecimals
			break
		}
	}
	if baseIndex < 0 {
		return errors.Errorf("现货代币不存在: %s", baseToken)
	}

	for _, u := range spotMeta.Universe {
		if len(u.Tokens) == 2 && u.Tokens[0] == baseIndex && u.Tokens[1] == usdcTokenIndex {
			c.spotAssetID = spotAssetOffset + u.Index
			c.spotCoinName = u.Name
			break
		}
	}
	if c.spotAssetID == 0 {
		return errors.Errorf("现货交易对不存在: %s", c.spotPair)
	}

	log.Infof("✅ 资产解析完成: %s perpID=%d szDec=%d; %s spotID=%d(%s) spotSzDec=%d",
		c.coin, c.perpAssetID, c.szDecimals, c.spotPair, c.spotAssetID, c.spotCoinName, c.spotSzDecimals)
	return nil
}

// SzDecimals 合约腿数量精度
func (c *Client) SzDecimals() int { return c.szDecimals }

// SpotSzDecimals 现货腿数量精度
func (c *Client) SpotSzDecimals() int { return c.spotSzDecimals }

// SpotCoinName 现货交易对的交易所内部名（行情订阅用）
func (c *Client) SpotCoinName() string { return c.spotCoinName }

// assetID Venue 到交易所资产 ID 的映射
func (c *Client) assetID(venue domain.Venue) int {
	if venue == domain.VenueSpot {
		return c.spotAssetID
	}
	return c.perpAssetID
}

// tifWire TimeInForce 到线格式的映射
func tifWire(tif domain.TimeInForce) string {
	switch tif {
	case domain.TIFAlo:
		return "Alo"
	case domain.TIFIoc:
		return "Ioc"
	default:
		return "Gtc"
	}
}

// PlaceOrders 批量提交订单，结果按提交顺序一一对应
func (c *Client) PlaceOrders(ctx context.Context, specs []domain.OrderSpec) ([]domain.ExecutedLeg, error) {
	if err := c.limiter.Wait(ctx, "exchange:order:post"); err != nil {
		return nil, err
	}

	wires := make([]orderWire, len(specs))
	for i, sp := range specs {
		wires[i] = orderWire{
			Asset:      c.assetID(sp.Venue),
			IsBuy:      sp.IsBuy,
			LimitPx:    floatToWire(sp.LimitPx),
			Size:       floatToWire(sp.Size),
			ReduceOnly: sp.ReduceOnly,
			Type:       orderTypeWire{Limit: limitWire{Tif: tifWire(sp.TIF)}},
			Cloid:      sp.ClientID,
		}
	}
	action := orderAction{Type: "order", Orders: wires, Grouping: "na"}

	var data exchangeResponseData
	if err := c.postExchange(ctx, action, &data); err != nil {
		return nil, err
	}
	if len(data.Data.Statuses) != len(specs) {
		return nil, errors.Errorf("订单结果数量不匹配: 提交 %d 返回 %d", len(specs), len(data.Data.Statuses))
	}

	legs := make([]domain.ExecutedLeg, len(specs))
	for i, st := range data.Data.Statuses {
		legs[i] = parseOrderStatus(specs[i], st)
	}
	return legs, nil
}

// parseOrderStatus 单笔订单结果转领域对象
func parseOrderStatus(spec domain.OrderSpec, st orderStatusWire) domain.ExecutedLeg {
	leg := domain.ExecutedLeg{Spec: spec}
	switch {
	case st.Filled != nil:
		leg.Status = domain.OrderStatusFilled
		leg.OrderID = strconv.FormatUint(st.Filled.Oid, 10)
		leg.FilledSize = wireToFloat(st.Filled.TotalSz)
		leg.AvgPrice = wireToFloat(st.Filled.AvgPx)
	case st.Resting != nil:
		leg.Status = domain.OrderStatusResting
		leg.OrderID = strconv.FormatUint(st.Resting.Oid, 10)
	case st.Error != "":
		leg.Status = domain.OrderStatusError
		leg.ErrMsg = st.Error
	default:
		leg.Status = domain.OrderStatusUnknown
	}
	return leg
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, venue domain.Venue, asset, orderID string) error {
	if err := c.limiter.Wait(ctx, "exchange:cancel:post"); err != nil {
		return err
	}

	oid, err := strconv.ParseUint(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "非法订单 ID: %s", orderID)
	}
	action := cancelAction{
		Type:    "cancel",
		Cancels: []cancelWire{{Asset: c.assetID(venue), Oid: oid}},
	}

	var data exchangeResponseData
	if err := c.postExchange(ctx, action, &data); err != nil {
		return err
	}
	for _, st := range data.Data.Statuses {
		if st.Error != "" {
			return errors.New(st.Error)
		}
	}
	return nil
}

// OpenOrders 当前全部挂单
func (c *Client) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	if err := c.limiter.Wait(ctx, "info:openorders:get"); err != nil {
		return nil, err
	}

	var wires []openOrderWire
	if err := c.postInfo(ctx, infoRequest{Type: "openOrders", User: c.signer.Address()}, &wires); err != nil {
		return nil, errors.Wrap(err, "查询挂单失败")
	}

	out := make([]domain.OpenOrder, 0, len(wires))
	for _, w := range wires {
		var venue domain.Venue
		var asset string
		switch w.Coin {
		case c.coin:
			venue, asset = domain.VenuePerp, c.coin
		case c.spotCoinName, c.spotPair:
			venue, asset = domain.VenueSpot, c.spotPair
		default:
			continue // 其他标的的挂单不归本策略管
		}
		out = append(out, domain.OpenOrder{
			Venue:   venue,
			Asset:   asset,
			OrderID: strconv.FormatUint(w.Oid, 10),
			IsBuy:   w.Side == "B",
			Size:    wireToFloat(w.Sz),
			LimitPx: wireToFloat(w.LimitPx),
		})
	}
	return out, nil
}

// ScheduleCancelAll deadman 计划撤单；at 为零值时取消已有计划
func (c *Client) ScheduleCancelAll(ctx context.Context, at time.Time) error {
	if err := c.limiter.Wait(ctx, "exchange:order:post"); err != nil {
		return err
	}

	action := scheduleCancelAction{Type: "scheduleCancel"}
	if !at.IsZero() {
		ms := at.UnixMilli()
		action.Time = &ms
	}

	var data exchangeResponseData
	return c.postExchange(ctx, action, &data)
}

// FetchBalances 两腿账户余额快照
func (c *Client) FetchBalances(ctx context.Context) (domain.Balances, error) {
	if err := c.limiter.Wait(ctx, "info:balances:get"); err != nil {
		return domain.Balances{}, err
	}

	user := c.signer.Address()

	var perp clearinghouseStateWire
	if err := c.postInfo(ctx, infoRequest{Type: "clearinghouseState", User: user}, &perp); err != nil {
		return domain.Balances{}, errors.Wrap(err, "查询合约账户失败")
	}

	var spot spotClearinghouseStateWire
	if err := c.postInfo(ctx, infoRequest{Type: "spotClearinghouseState", User: user}, &spot); err != nil {
		return domain.Balances{}, errors.Wrap(err, "查询现货账户失败")
	}

	bal := domain.Balances{
		PerpWithdrawable: wireToFloat(perp.Withdrawable),
		PerpAccountValue: wireToFloat(perp.MarginSummary.AccountValue),
		PerpMarginUsed:   wireToFloat(perp.MarginSummary.TotalMarginUsed),
		FetchedAt:        time.Now(),
	}

	baseToken := strings.SplitN(c.spotPair, "/", 2)[0]
	for _, b := range spot.Balances {
		total := wireToFloat(b.Total)
		switch b.Coin {
		case "USDC":
			bal.SpotUSDC = total
		case baseToken:
			bal.SpotAssetSize = total
		}
	}

	if c.quotes != nil {
		if tob, ok := c.quotes.Top(); ok && tob.Valid() {
			bal.MidPx = tob.Mid()
		}
	}
	return bal, nil
}

// TransferUSD 合约与现货账户之间划转 USDC
func (c *Client) TransferUSD(ctx context.Context, toPerp bool, usd float64) error {
	if err := c.limiter.Wait(ctx, "exchange:transfer:post"); err != nil {
		return err
	}

	nonce := time.Now().UnixMilli()
	amount := fmt.Sprintf("%.2f", usd)
	action := usdClassTransferAction{
		Type:             "usdClassTransfer",
		HyperliquidChain: "Mainnet",
		SignatureChainID: "0xa4b1",
		Amount:           amount,
		ToPerp:           toPerp,
		Nonce:            nonce,
	}

	sig, err := c.signer.SignUserAction(
		[]apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "toPerp", Type: "bool"},
			{Name: "nonce", Type: "uint64"},
		},
		"HyperliquidTransaction:UsdClassTransfer",
		apitypes.TypedDataMessage{
			"hyperliquidChain": action.HyperliquidChain,
			"amount":           action.Amount,
			"toPerp":           action.ToPerp,
			"nonce":            strconv.FormatInt(nonce, 10),
		},
	)
	if err != nil {
		return err
	}

	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	return c.doExchange(ctx, req, nil)
}

// postExchange 签名并提交 L1 动作
func (c *Client) postExchange(ctx context.Context, action any, out *exchangeResponseData) error {
	nonce := time.Now().UnixMilli()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return err
	}
	req := exchangeRequest{Action: action, Nonce: nonce, Signature: sig}
	return c.doExchange(ctx, req, out)
}

// doExchange 提交 L1 动作：优先 WS post 会话，通道不可用时回退 HTTP
func (c *Client) doExchange(ctx context.Context, req exchangeRequest, out *exchangeResponseData) error {
	if c.post != nil {
		handled, err := c.wsExchange(ctx, req, out)
		if handled {
			return err
		}
		metrics.WsPostFallbacks.Add(1)
		log.Warnf("⚠️ WS post 通道不可用，回退 HTTP: %v", err)
	}
	return c.httpExchange(ctx, req, out)
}

// wsExchange 经 WS post 会话提交动作
// handled 为 true 表示交易所给出了格式完好的回应（含业务拒绝），
// 此时绝不能再走 HTTP 重发，否则同一动作会提交两次
func (c *Client) wsExchange(ctx context.Context, req exchangeRequest, out *exchangeResponseData) (bool, error) {
	payload, err := c.post.Post(ctx, map[string]any{"type": "action", "payload": req})
	if err != nil {
		return false, err
	}

	var wrapper struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return false, errors.Wrap(err, "解析 post 响应失败")
	}
	if wrapper.Type == "error" {
		// 交易所明确拒绝：动作可能已被处理，不能重发
		var msg string
		if err := json.Unmarshal(wrapper.Payload, &msg); err != nil {
			msg = string(wrapper.Payload)
		}
		return true, errors.New(msg)
	}

	var resp exchangeResponse
	if err := json.Unmarshal(wrapper.Payload, &resp); err != nil {
		return false, errors.Wrap(err, "解析 post 响应失败")
	}
	return true, parseExchangeResponse(resp, out)
}

// httpExchange 提交 /exchange 请求并解析响应
func (c *Client) httpExchange(ctx context.Context, req exchangeRequest, out *exchangeResponseData) error {
	var resp exchangeResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&resp).
		Post("/exchange")
	if err != nil {
		return errors.Wrap(err, "exchange 请求失败")
	}
	if r.StatusCode() != http.StatusOK {
		return errors.Errorf("exchange HTTP %d: %s", r.StatusCode(), r.String())
	}
	return parseExchangeResponse(resp, out)
}

// parseExchangeResponse 解析交易所回执，两个通道共用
func parseExchangeResponse(resp exchangeResponse, out *exchangeResponseData) error {
	if resp.Status != "ok" {
		// 失败时 response 是字符串消息
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return errors.New(msg)
	}
	if out != nil && len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, out); err != nil {
			return errors.Wrap(err, "解析 exchange 响应失败")
		}
	}
	return nil
}

// postInfo 提交 /info 查询
func (c *Client) postInfo(ctx context.Context, req infoRequest, out any) error {
	r, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(out).
		Post("/info")
	if err != nil {
		return errors.Wrap(err, "info 请求失败")
	}
	if r.StatusCode() != http.StatusOK {
		return errors.Errorf("info HTTP %d: %s", r.StatusCode(), r.String())
	}
	return nil
}
