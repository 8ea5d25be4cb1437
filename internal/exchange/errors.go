package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrGatewayUnavailable 表示网络、限频或维护等暂时性故障。
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrGatewayRejected 表示交易所拒绝了请求，例如保证金不足。
	ErrGatewayRejected = errors.New("gateway rejected")
	// ErrOrderNotFound 表示订单不存在或已处于终态。
	ErrOrderNotFound = errors.New("order not found")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify 将底层错误归类为 ErrGatewayUnavailable、ErrGatewayRejected 或 ErrOrderNotFound。
// 已归类的错误原样返回。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayRejected) || errors.Is(err, ErrOrderNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = err.Error()
		}
		switch {
		case ccxtErr.Type == ccxt.OnMaintenanceErrType:
			return fmt.Errorf("%w: exchange under maintenance: %s", ErrGatewayUnavailable, message)
		case ccxtErr.Type == ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, message)
		case IsRetryable(err):
			return fmt.Errorf("%w: %s", ErrGatewayUnavailable, message)
		default:
			return fmt.Errorf("%w: %s", ErrGatewayRejected, message)
		}
	}

	if IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrGatewayRejected, err)
}
