package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// ErrMaintenance 表示交易所处于维护状态，本周期跳过该资产。
var ErrMaintenance = errors.New("exchange on maintenance")

// failureClass 决定行情调用失败后的处理方式。
type failureClass int

const (
	failFatal failureClass = iota
	failRetry
	failMaintenance
)

// classifyError 归类错误；维护错误会被包装为 ErrMaintenance。
func classifyError(err error) (error, failureClass) {
	if err == nil {
		return nil, failFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, failFatal
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), failMaintenance
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, failRetry
		default:
			return err, failFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, failRetry
	}
	return err, failFatal
}

// IsRetryable 判断行情调用错误是否值得重试：网络、限频与交易所暂不可用。
func IsRetryable(err error) bool {
	_, class := classifyError(err)
	return class == failRetry
}
