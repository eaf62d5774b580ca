package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// 错误分类。网关返回的 *exchange.ExchangeError 通过 errors.Is 匹配对应的分类
var (
	// ErrAuthentication 凭证交换失败或 token 缺失/过期，私有接口在重新认证前都不可用
	ErrAuthentication = errors.New("authentication error")
	// ErrTransport 网络错误、超时或非 2xx 响应
	ErrTransport = errors.New("transport error")
	// ErrProtocol 响应体格式错误或不符合预期
	ErrProtocol = errors.New("protocol error")
	// ErrRejected 交易所返回了 JSON-RPC error（请求被交易所拒绝）
	ErrRejected = errors.New("rejected by exchange")
	// ErrOrderNotFound 本地订单表中不存在该订单
	ErrOrderNotFound = errors.New("order not found")
	// ErrValidation 调用方传入的参数不合法
	ErrValidation = errors.New("validation error")
)

// ValidationError 参数校验错误
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError 创建参数校验错误
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Is 使 errors.Is(err, ErrValidation) 成立
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// OrderNotFound 包装订单不存在错误，携带订单 ID
func OrderNotFound(orderID string) error {
	return errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
}
