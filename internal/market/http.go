package market

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 512

// HTTPVenue 通过聚合器 REST 接口报价/构建交易，通过节点网关提交与查询。
type HTTPVenue struct {
	quoteURL   string
	rpcURL     string
	httpClient *http.Client
	limiter    *Limiter
	logger     *zap.Logger
}

var _ Venue = (*HTTPVenue)(nil)

// NewHTTPVenue 创建 HTTP 实现，limiter 在所有调用前等待。
func NewHTTPVenue(quoteURL, rpcURL string, timeout time.Duration, limiter *Limiter, logger *zap.Logger) *HTTPVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVenue{
		quoteURL:   strings.TrimRight(quoteURL, "/"),
		rpcURL:     strings.TrimRight(rpcURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// Quote 请求兑换报价。无可用路由时返回 ErrQuoteUnavailable。
func (v *HTTPVenue) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	params := url.Values{}
	params.Set("inputMint", req.InputAsset)
	params.Set("outputMint", req.OutputAsset)
	params.Set("amount", strconv.FormatUint(req.Amount, 10))
	if req.SlippageBps > 0 {
		params.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	}

	status, body, err := v.do(ctx, http.MethodGet, v.quoteURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("market: quote: %w", err)
	}
	if status == http.StatusNotFound || status == http.StatusBadRequest {
		return Quote{}, fmt.Errorf("market: quote %s->%s: %w: %s", req.InputAsset, req.OutputAsset, ErrQuoteUnavailable, truncate(body))
	}
	if status != http.StatusOK {
		return Quote{}, fmt.Errorf("market: quote: status %d: %s", status, truncate(body))
	}

	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return Quote{}, fmt.Errorf("market: decode quote: %w", err)
	}
	if q.OutAmount == 0 {
		return Quote{}, fmt.Errorf("market: quote %s->%s: %w", req.InputAsset, req.OutputAsset, ErrInvalidQuote)
	}
	q.Route = body
	return q, nil
}

type swapRequest struct {
	QuoteResponse json.RawMessage `json:"quoteResponse"`
	UserPublicKey string          `json:"userPublicKey"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// BuildSwap 根据报价构建待签名交易。
func (v *HTTPVenue) BuildSwap(ctx context.Context, quote Quote, owner string) (UnsignedTx, error) {
	if len(quote.Route) == 0 {
		return UnsignedTx{}, fmt.Errorf("market: build swap: %w: 缺少原始报价", ErrInvalidQuote)
	}
	reqBody, err := json.Marshal(swapRequest{QuoteResponse: quote.Route, UserPublicKey: owner})
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("market: encode swap request: %w", err)
	}

	status, body, err := v.do(ctx, http.MethodPost, v.quoteURL+"/swap", reqBody)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("market: build swap: %w", err)
	}
	if status != http.StatusOK {
		return UnsignedTx{}, fmt.Errorf("market: build swap: status %d: %s", status, truncate(body))
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return UnsignedTx{}, fmt.Errorf("market: decode swap: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("market: decode swap transaction: %w", err)
	}
	return UnsignedTx{Payload: payload, Quote: quote}, nil
}

type submitRequest struct {
	Transaction string `json:"transaction"`
	Signature   string `json:"signature"`
	Signer      string `json:"signer"`
}

type submitResponse struct {
	Signature string `json:"signature"`
}

// Submit 提交签名交易并返回交易签名。
func (v *HTTPVenue) Submit(ctx context.Context, tx SignedTx) (string, error) {
	reqBody, err := json.Marshal(submitRequest{
		Transaction: base64.StdEncoding.EncodeToString(tx.Payload),
		Signature:   hex.EncodeToString(tx.Signature),
		Signer:      tx.Signer,
	})
	if err != nil {
		return "", fmt.Errorf("market: encode submit: %w", err)
	}

	status, body, err := v.do(ctx, http.MethodPost, v.rpcURL+"/transactions", reqBody)
	if err != nil {
		return "", fmt.Errorf("market: submit: %w", err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return "", fmt.Errorf("market: submit: status %d: %s", status, truncate(body))
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("market: decode submit: %w", err)
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("market: submit: 响应缺少签名")
	}
	return resp.Signature, nil
}

// Confirm 查询交易确认状态。
func (v *HTTPVenue) Confirm(ctx context.Context, signature string) (Confirmation, error) {
	status, body, err := v.do(ctx, http.MethodGet, v.rpcURL+"/transactions/"+url.PathEscape(signature), nil)
	if err != nil {
		return Confirmation{}, fmt.Errorf("market: confirm: %w", err)
	}
	if status != http.StatusOK {
		return Confirmation{}, fmt.Errorf("market: confirm: status %d: %s", status, truncate(body))
	}

	var c Confirmation
	if err := json.Unmarshal(body, &c); err != nil {
		return Confirmation{}, fmt.Errorf("market: decode confirmation: %w", err)
	}
	if c.Signature == "" {
		c.Signature = signature
	}
	return c, nil
}

type balanceResponse struct {
	Amount   uint64 `json:"amount,string"`
	Decimals int32  `json:"decimals"`
}

// Balance 查询 owner 持有 asset 的最小单位数量。
func (v *HTTPVenue) Balance(ctx context.Context, owner, asset string) (uint64, error) {
	params := url.Values{}
	params.Set("asset", asset)
	status, body, err := v.do(ctx, http.MethodGet, v.rpcURL+"/balances/"+url.PathEscape(owner)+"?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("market: balance: %w", err)
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("market: balance: status %d: %s", status, truncate(body))
	}

	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("market: decode balance: %w", err)
	}
	return resp.Amount, nil
}

// Decimals 查询资产精度。
func (v *HTTPVenue) Decimals(ctx context.Context, asset string) (int32, error) {
	status, body, err := v.do(ctx, http.MethodGet, v.rpcURL+"/assets/"+url.PathEscape(asset), nil)
	if err != nil {
		return 0, fmt.Errorf("market: decimals: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("market: decimals: status %d: %s", status, truncate(body))
	}

	var resp struct {
		Decimals int32 `json:"decimals"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("market: decode decimals: %w", err)
	}
	return resp.Decimals, nil
}

func (v *HTTPVenue) do(ctx context.Context, method, rawURL string, body []byte) (int, []byte, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	v.logger.Debug("市场接口调用",
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.StatusCode, data, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
