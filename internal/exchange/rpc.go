package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/betbot/goquant/internal/metrics"
)

// rpcRequest JSON-RPC 2.0 请求体
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcResponse JSON-RPC 2.0 响应体
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
	UsIn    int64           `json:"usIn"`
	UsOut   int64           `json:"usOut"`
	Testnet bool            `json:"testnet"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// maxErrorBody 错误信息中保留的响应体长度
const maxErrorBody = 512

// call 执行一次 JSON-RPC 调用（阻塞，无重试）
// bearer 为空表示公共接口；out 为 nil 时不解析 result
func (g *Gateway) call(ctx context.Context, method string, params interface{}, bearer string, out interface{}) (err error) {
	metrics.GatewayRequests.Add(method, 1)
	defer func() {
		if err != nil {
			var xe *ExchangeError
			if errors.As(err, &xe) {
				metrics.GatewayErrors.Add(string(xe.Kind), 1)
			}
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, method); err != nil {
			return transportError(method, 0, errors.Wrap(err, "rate limiter"))
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	body := rpcRequest{
		JSONRPC: "2.0",
		ID:      g.seq.Add(1),
		Method:  method,
		Params:  params,
	}

	req := g.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(body)
	if bearer != "" {
		req.SetAuthToken(bearer)
	}

	resp, err := req.Post("/" + method)
	if err != nil {
		return transportError(method, 0, err)
	}

	status := resp.StatusCode()
	raw := resp.Body()

	var rr rpcResponse
	if decodeErr := json.Unmarshal(raw, &rr); decodeErr != nil {
		if !resp.IsSuccess() {
			return transportError(method, status, errors.Errorf("http non-2xx: %s", truncate(raw)))
		}
		return protocolError(method, status, errors.Wrapf(decodeErr, "decode response %s", truncate(raw)))
	}
	if rr.Error != nil {
		return rpcError(method, status, rr.Error)
	}
	if !resp.IsSuccess() {
		return transportError(method, status, errors.Errorf("http non-2xx: %s", truncate(raw)))
	}
	if len(rr.Result) == 0 || bytes.Equal(rr.Result, []byte("null")) {
		return protocolError(method, status, errors.New("response carries neither result nor error"))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return protocolError(method, status, errors.Wrapf(err, "decode result %s", truncate(rr.Result)))
	}
	return nil
}

// privateCall 私有接口：先检查 token，再携带 Bearer 发起请求
// token 缺失或过期时直接返回认证错误，不发出任何请求
func (g *Gateway) privateCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	token, ok := g.cred.BearerToken(g.now())
	if !ok {
		metrics.GatewayErrors.Add(string(KindAuthentication), 1)
		return authError(method, "access token missing or expired, authenticate first")
	}
	return g.call(ctx, method, params, token, out)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return fmt.Sprintf("%s...(%d bytes)", b[:maxErrorBody], len(b))
	}
	return string(b)
}
