package market

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrQuoteUnavailable 表示聚合器无法给出报价（无路由或服务异常）。
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrInvalidQuote 表示报价数据本身不可用，例如输出数量为 0。
	ErrInvalidQuote = errors.New("invalid quote")
	// ErrNotConfirmed 表示交易已提交但未确认成功。
	ErrNotConfirmed = errors.New("transaction not confirmed")
)

// QuoteRequest 为一次兑换报价请求，Amount 为输入资产的最小单位数量。
type QuoteRequest struct {
	InputAsset  string
	OutputAsset string
	Amount      uint64
	SlippageBps int
}

// Quote 为聚合器返回的报价，只在单次执行中使用，不持久化。
type Quote struct {
	InputAsset         string          `json:"inputMint"`
	OutputAsset        string          `json:"outputMint"`
	InAmount           uint64          `json:"inAmount,string"`
	OutAmount          uint64          `json:"outAmount,string"`
	PriceImpactPercent decimal.Decimal `json:"priceImpactPct"`
	Route              []byte          `json:"-"`
}

// UnsignedTx 为聚合器构建的待签名交易。
type UnsignedTx struct {
	Payload []byte
	Quote   Quote
}

// SignedTx 为签名后的交易。
type SignedTx struct {
	Payload   []byte
	Signature []byte
	Signer    string
}

// Confirmation 为链上确认结果。OutAmount 为实际收到的输出资产数量。
type Confirmation struct {
	Signature string `json:"signature"`
	Confirmed bool   `json:"confirmed"`
	Err       string `json:"err,omitempty"`
	OutAmount uint64 `json:"outAmount,string"`
}

// Venue 是实盘执行依赖的外部市场：报价、构建、提交、确认与余额查询。
type Venue interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	BuildSwap(ctx context.Context, quote Quote, owner string) (UnsignedTx, error)
	Submit(ctx context.Context, tx SignedTx) (string, error)
	Confirm(ctx context.Context, signature string) (Confirmation, error)
	Balance(ctx context.Context, owner, asset string) (uint64, error)
	DecimalsFetcher
}

// DecimalsFetcher 查询资产精度。
type DecimalsFetcher interface {
	Decimals(ctx context.Context, asset string) (int32, error)
}

var hundred = decimal.NewFromInt(100)

// Degradation 返回新报价相对原报价输出减少的百分比，负值表示报价变好。
// 原报价输出为 0 时返回 ErrInvalidQuote。
func Degradation(originalOut, freshOut uint64) (decimal.Decimal, error) {
	if originalOut == 0 {
		return decimal.Zero, ErrInvalidQuote
	}
	orig := decimal.NewFromUint64(originalOut)
	fresh := decimal.NewFromUint64(freshOut)
	return orig.Sub(fresh).Div(orig).Mul(hundred), nil
}
