// Package venue Hyperliquid 接入层：REST 下单通道与 WebSocket 行情
package venue

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
)

// floatToWire 浮点转线格式字符串（去掉尾随零，交易所要求规范化表示）
func floatToWire(v float64) string {
	d := decimal.NewFromFloat(v)
	return d.String()
}

// wireToFloat 线格式字符串转浮点
func wireToFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// orderWire 单笔订单的提交格式（字段名与序列化顺序即协议要求，不可调整）
type orderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	LimitPx    string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	Type       orderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderTypeWire struct {
	Limit limitWire `json:"limit" msgpack:"limit"`
}

type limitWire struct {
	Tif string `json:"tif" msgpack:"tif"` // Gtc / Alo / Ioc
}

// orderAction 批量下单动作
type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

// cancelWire 单笔撤单
type cancelWire struct {
	Asset int    `json:"a" msgpack:"a"`
	Oid   uint64 `json:"o" msgpack:"o"`
}

// cancelAction 批量撤单动作
type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

// scheduleCancelAction deadman 计划撤单，Time 为 nil 表示取消已有计划
type scheduleCancelAction struct {
	Type string `json:"type" msgpack:"type"`
	Time *int64 `json:"time,omitempty" msgpack:"time,omitempty"`
}

// usdClassTransferAction 合约与现货账户之间划转 USDC
type usdClassTransferAction struct {
	Type             string `json:"type" msgpack:"type"`
	HyperliquidChain string `json:"hyperliquidChain" msgpack:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId" msgpack:"signatureChainId"`
	Amount           string `json:"amount" msgpack:"amount"`
	ToPerp           bool   `json:"toPerp" msgpack:"toPerp"`
	Nonce            int64  `json:"nonce" msgpack:"nonce"`
}

// signatureWire 链上签名
type signatureWire struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// exchangeRequest /exchange 请求体
type exchangeRequest struct {
	Action       any           `json:"action"`
	Nonce        int64         `json:"nonce"`
	Signature    signatureWire `json:"signature"`
	VaultAddress *string       `json:"vaultAddress"`
}

// exchangeResponse /exchange 响应体
// 失败时 response 是字符串错误消息，成功时是结构体，所以先留作 RawMessage
type exchangeResponse struct {
	Status   string          `json:"status"` // "ok" 或 "err"
	Response json.RawMessage `json:"response"`
}

// exchangeResponseData 成功响应的负载
type exchangeResponseData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatusWire `json:"statuses"`
	} `json:"data"`
}

// orderStatusWire 单笔订单的结果，三种互斥状态
type orderStatusWire struct {
	Resting *struct {
		Oid uint64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     uint64 `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// infoRequest /info 请求体
type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// openOrderWire /info openOrders 响应中的单笔挂单
type openOrderWire struct {
	Coin    string `json:"coin"`
	Oid     uint64 `json:"oid"`
	Side    string `json:"side"` // "B" 买 "A" 卖
	Sz      string `json:"sz"`   // 剩余数量
	LimitPx string `json:"limitPx"`
}

// clearinghouseStateWire 合约账户状态
type clearinghouseStateWire struct {
	Withdrawable       string            `json:"withdrawable"`
	MarginSummary      marginSummaryWire `json:"marginSummary"`
	CrossMarginSummary marginSummaryWire `json:"crossMarginSummary"`
}

type marginSummaryWire struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

// spotClearinghouseStateWire 现货账户状态
type spotClearinghouseStateWire struct {
	Balances []spotBalanceWire `json:"balances"`
}

type spotBalanceWire struct {
	Coin  string `json:"coin"`
	Total string `json:"total"`
	Hold  string `json:"hold"`
}

// metaWire /info meta 响应（合约标的列表）
type metaWire struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"universe"`
}

// spotMetaWire /info spotMeta 响应（现货交易对列表）
type spotMetaWire struct {
	Universe []struct {
		Name   string `json:"name"` // 内部名，如 "@107"
		Tokens []int  `json:"tokens"`
		Index  int    `json:"index"`
	} `json:"universe"`
	Tokens []struct {
		Name       string `json:"name"`
		Index      int    `json:"index"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"tokens"`
}
