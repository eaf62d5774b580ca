package exchange

import (
	"encoding/json"
	"fmt"

	"github.com/betbot/goquant/internal/domain"
)

// ErrorKind 网关错误分类
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindTransport      ErrorKind = "transport"
	KindProtocol       ErrorKind = "protocol"
	KindRejected       ErrorKind = "rejected"
)

// Deribit 认证相关错误码
const (
	codeUnauthorized       = 13009
	codeInvalidCredentials = 13004
	codeInvalidToken       = 13010
	codeTokenExpired       = 13011
)

// ExchangeError 网关调用失败
// Code/Message/Data 在交易所返回 JSON-RPC error 时填充
type ExchangeError struct {
	Kind       ErrorKind
	Method     string
	StatusCode int
	Code       int
	Message    string
	Data       json.RawMessage
	Err        error
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("exchange %s error: %s", e.Kind, e.Method)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Code != 0 || e.Message != "" {
		msg += fmt.Sprintf(": [%d] %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Is 按分类匹配 domain 包中的错误哨兵
func (e *ExchangeError) Is(target error) bool {
	switch target {
	case domain.ErrAuthentication:
		return e.Kind == KindAuthentication
	case domain.ErrTransport:
		return e.Kind == KindTransport
	case domain.ErrProtocol:
		return e.Kind == KindProtocol
	case domain.ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

func transportError(method string, status int, err error) *ExchangeError {
	return &ExchangeError{Kind: KindTransport, Method: method, StatusCode: status, Err: err}
}

func protocolError(method string, status int, err error) *ExchangeError {
	return &ExchangeError{Kind: KindProtocol, Method: method, StatusCode: status, Err: err}
}

func authError(method, message string) *ExchangeError {
	return &ExchangeError{Kind: KindAuthentication, Method: method, Message: message}
}

// rpcError 把交易所返回的 JSON-RPC error 转换为网关错误
func rpcError(method string, status int, e *rpcErrorBody) *ExchangeError {
	kind := KindRejected
	switch e.Code {
	case codeUnauthorized, codeInvalidCredentials, codeInvalidToken, codeTokenExpired:
		kind = KindAuthentication
	}
	return &ExchangeError{
		Kind:       kind,
		Method:     method,
		StatusCode: status,
		Code:       e.Code,
		Message:    e.Message,
		Data:       e.Data,
	}
}
