package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goquant/internal/domain"
)

type recordedCall struct {
	Path   string
	Method string
	Params map[string]interface{}
	Auth   string
}

type fakeReply struct {
	status int
	body   string
	delay  time.Duration
}

// fakeExchange 模拟 Deribit JSON-RPC HTTP 接口
type fakeExchange struct {
	mu       sync.Mutex
	calls    []recordedCall
	handlers map[string]func(params map[string]interface{}) fakeReply
	srv      *httptest.Server
}

func newFakeExchange(t *testing.T) *fakeExchange {
	fx := &fakeExchange{handlers: make(map[string]func(map[string]interface{}) fakeReply)}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req rpcRequest
		var params map[string]interface{}
		if err := json.Unmarshal(raw, &req); err == nil {
			b, _ := json.Marshal(req.Params)
			_ = json.Unmarshal(b, &params)
		}
		fx.mu.Lock()
		fx.calls = append(fx.calls, recordedCall{
			Path:   r.URL.Path,
			Method: req.Method,
			Params: params,
			Auth:   r.Header.Get("Authorization"),
		})
		h := fx.handlers[req.Method]
		fx.mu.Unlock()

		if h == nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, rpcErrorJSON(-32601, "Method not found"))
			return
		}
		reply := h(params)
		if reply.delay > 0 {
			time.Sleep(reply.delay)
		}
		if reply.status == 0 {
			reply.status = http.StatusOK
		}
		w.WriteHeader(reply.status)
		_, _ = io.WriteString(w, reply.body)
	}))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) handle(method string, h func(params map[string]interface{}) fakeReply) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.handlers[method] = h
}

func (fx *fakeExchange) reply(method string, status int, body string) {
	fx.handle(method, func(map[string]interface{}) fakeReply { return fakeReply{status: status, body: body} })
}

func (fx *fakeExchange) recorded() []recordedCall {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]recordedCall(nil), fx.calls...)
}

func rpcResultJSON(result interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": result})
	return string(b)
}

func rpcErrorJSON(code int, message string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1,
		"error": map[string]interface{}{"code": code, "message": message, "data": map[string]string{"reason": message}},
	})
	return string(b)
}

func newTestGateway(fx *fakeExchange) *Gateway {
	return NewGateway(Config{BaseURL: fx.srv.URL, RequestTimeout: 2 * time.Second}, NewCredential("key", "secret"), nil)
}

func withToken(g *Gateway) {
	g.cred.store(TokenSet{AccessToken: "tok-1", RefreshToken: "ref-1", Expiry: time.Now().Add(time.Hour)})
}

func authOK(token string, expiresIn int) string {
	return rpcResultJSON(map[string]interface{}{
		"access_token": token, "refresh_token": "ref-" + token, "expires_in": expiresIn,
		"scope": "connection", "token_type": "bearer",
	})
}

func TestAuthenticate_StoresToken(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("public/auth", 200, authOK("abc", 900))
	g := newTestGateway(fx)

	require.True(t, g.Authenticate(context.Background()))

	token, ok := g.Credential().BearerToken(time.Now())
	require.True(t, ok)
	assert.Equal(t, "abc", token)
	assert.Equal(t, "ref-abc", g.Credential().Tokens().RefreshToken)
	assert.WithinDuration(t, time.Now().Add(900*time.Second), g.Credential().Expiry(), 5*time.Second)

	calls := fx.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/public/auth", calls[0].Path)
	assert.Empty(t, calls[0].Auth, "公共接口不应携带 Authorization")
	assert.Equal(t, "client_credentials", calls[0].Params["grant_type"])
	assert.Equal(t, "key", calls[0].Params["client_id"])
	assert.Equal(t, "secret", calls[0].Params["client_secret"])
}

func TestAuthenticate_FailureKeepsPriorState(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("public/auth", 200, authOK("first", 900))
	g := newTestGateway(fx)
	require.True(t, g.Authenticate(context.Background()))
	before := g.Credential().Tokens()

	fx.reply("public/auth", 400, rpcErrorJSON(13004, "invalid_credentials"))
	assert.False(t, g.Authenticate(context.Background()))
	assert.Equal(t, before, g.Credential().Tokens())

	err := g.AuthenticateErr(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuthentication))
}

func TestAuthenticate_TransportFailure(t *testing.T) {
	fx := newFakeExchange(t)
	g := newTestGateway(fx)
	fx.srv.Close()

	assert.False(t, g.Authenticate(context.Background()))
	assert.False(t, g.Credential().Authenticated(time.Now()))
	assert.True(t, errors.Is(g.AuthenticateErr(context.Background()), domain.ErrTransport))
}

func TestAuthenticate_ClientSignature(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("public/auth", 200, authOK("sig", 900))
	g := NewGateway(Config{BaseURL: fx.srv.URL, GrantType: GrantClientSignature}, NewCredential("key", "secret"), nil)

	require.True(t, g.Authenticate(context.Background()))

	p := fx.recorded()[0].Params
	assert.Equal(t, "client_signature", p["grant_type"])
	assert.NotContains(t, p, "client_secret", "签名模式不应发送 secret")

	ts := int64(p["timestamp"].(float64))
	nonce := p["nonce"].(string)
	want := BuildClientSignature("secret", ts, nonce, "")
	assert.Equal(t, want.Signature, p["signature"])
}

func TestRefresh(t *testing.T) {
	fx := newFakeExchange(t)
	g := newTestGateway(fx)

	err := g.Refresh(context.Background())
	assert.True(t, errors.Is(err, domain.ErrAuthentication), "没有 refresh token 时应返回认证错误")

	withToken(g)
	fx.reply("public/auth", 200, authOK("renewed", 900))
	require.NoError(t, g.Refresh(context.Background()))

	calls := fx.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "refresh_token", calls[0].Params["grant_type"])
	assert.Equal(t, "ref-1", calls[0].Params["refresh_token"])
	assert.Equal(t, "renewed", g.Credential().Tokens().AccessToken)
}

func TestPrivateCall_RequiresToken(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("private/buy", 200, rpcResultJSON(map[string]interface{}{}))
	g := newTestGateway(fx)

	_, err := g.PlaceOrder(context.Background(), PlaceOrderRequest{
		Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(10), Type: domain.OrderTypeLimit, Price: decimal.NewFromInt(50000),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuthentication))

	_, err = g.GetPositions(context.Background(), "BTC")
	assert.True(t, errors.Is(err, domain.ErrAuthentication))

	assert.Empty(t, fx.recorded(), "没有 token 时不应发出请求")
}

func TestPrivateCall_ExpiredToken(t *testing.T) {
	fx := newFakeExchange(t)
	g := newTestGateway(fx)
	withToken(g)
	g.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err := g.CancelOrder(context.Background(), "ETH-1")
	assert.True(t, errors.Is(err, domain.ErrAuthentication))
	assert.Empty(t, fx.recorded())
}

func orderAckJSON(id, state, instrument string, amount, price interface{}) map[string]interface{} {
	return map[string]interface{}{
		"order_id": id, "order_state": state, "instrument_name": instrument,
		"amount": amount, "filled_amount": 0, "price": price, "direction": "buy",
		"order_type": "limit", "creation_timestamp": 1700000000000,
	}
}

func TestPlaceOrder(t *testing.T) {
	tests := []struct {
		name       string
		req        PlaceOrderRequest
		wantMethod string
		wantPrice  bool
	}{
		{
			name:       "限价买单携带价格",
			req:        PlaceOrderRequest{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(10), Type: domain.OrderTypeLimit, Price: decimal.NewFromInt(50000)},
			wantMethod: "private/buy",
			wantPrice:  true,
		},
		{
			name:       "市价单不发送价格",
			req:        PlaceOrderRequest{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(10), Type: domain.OrderTypeMarket},
			wantMethod: "private/buy",
			wantPrice:  false,
		},
		{
			name:       "卖单走 private/sell",
			req:        PlaceOrderRequest{Instrument: "ETH-PERPETUAL", Amount: decimal.NewFromInt(3), Type: domain.OrderTypeLimit, Price: decimal.NewFromInt(2000), Side: domain.SideSell},
			wantMethod: "private/sell",
			wantPrice:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFakeExchange(t)
			fx.reply(tt.wantMethod, 200, rpcResultJSON(map[string]interface{}{
				"order":  orderAckJSON("ID-1", "open", tt.req.Instrument, 10, "market_price"),
				"trades": []interface{}{},
			}))
			g := newTestGateway(fx)
			withToken(g)

			ack, err := g.PlaceOrder(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, "ID-1", ack.OrderID)
			status, ok := ack.Status()
			require.True(t, ok)
			assert.Equal(t, domain.OrderStatusOpen, status)
			assert.True(t, ack.Price.IsZero(), "market_price 应解析为 0")

			calls := fx.recorded()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.wantMethod, calls[0].Method)
			assert.Equal(t, "/"+tt.wantMethod, calls[0].Path)
			assert.Equal(t, "Bearer tok-1", calls[0].Auth)
			assert.Equal(t, tt.req.Instrument, calls[0].Params["instrument_name"])
			_, hasPrice := calls[0].Params["price"]
			assert.Equal(t, tt.wantPrice, hasPrice)
		})
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	fx := newFakeExchange(t)
	g := newTestGateway(fx)
	withToken(g)

	bad := []PlaceOrderRequest{
		{Instrument: "BTC-PERPETUAL", Amount: decimal.Zero, Type: domain.OrderTypeLimit, Price: decimal.NewFromInt(1)},
		{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(-1), Type: domain.OrderTypeMarket},
		{Instrument: "", Amount: decimal.NewFromInt(1), Type: domain.OrderTypeMarket},
		{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(1), Type: domain.OrderTypeLimit},
		{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(1), Type: domain.OrderTypeMarket, Price: decimal.NewFromInt(-5)},
		{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(1), Type: "stop"},
		{Instrument: "BTC-PERPETUAL", Amount: decimal.NewFromInt(1), Type: domain.OrderTypeMarket, Side: "short"},
	}
	for _, req := range bad {
		_, err := g.PlaceOrder(context.Background(), req)
		assert.True(t, errors.Is(err, domain.ErrValidation), "req=%+v err=%v", req, err)
	}
	assert.Empty(t, fx.recorded())
}

func TestCallErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		delay    time.Duration
		wantKind ErrorKind
		wantCode int
	}{
		{name: "非 2xx 纯文本", status: 502, body: "bad gateway", wantKind: KindTransport},
		{name: "非 JSON 响应体", status: 200, body: "<html>oops</html>", wantKind: KindProtocol},
		{name: "缺少 result", status: 200, body: `{"jsonrpc":"2.0","id":1}`, wantKind: KindProtocol},
		{name: "result 类型不符", status: 200, body: rpcResultJSON("not-an-object"), wantKind: KindProtocol},
		{name: "交易所拒绝", status: 400, body: rpcErrorJSON(10009, "not_enough_funds"), wantKind: KindRejected, wantCode: 10009},
		{name: "token 无效", status: 400, body: rpcErrorJSON(13009, "unauthorized"), wantKind: KindAuthentication, wantCode: 13009},
		{name: "超时", status: 200, body: rpcResultJSON(map[string]interface{}{}), delay: 300 * time.Millisecond, wantKind: KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFakeExchange(t)
			fx.handle("private/cancel", func(map[string]interface{}) fakeReply {
				return fakeReply{status: tt.status, body: tt.body, delay: tt.delay}
			})
			g := NewGateway(Config{BaseURL: fx.srv.URL, RequestTimeout: 100 * time.Millisecond}, NewCredential("key", "secret"), nil)
			withToken(g)

			_, err := g.CancelOrder(context.Background(), "ETH-1")
			require.Error(t, err)

			var xe *ExchangeError
			require.True(t, errors.As(err, &xe), "err=%v", err)
			assert.Equal(t, tt.wantKind, xe.Kind)
			assert.Equal(t, "private/cancel", xe.Method)
			assert.Equal(t, tt.wantCode, xe.Code)
			if tt.wantCode != 0 {
				assert.NotEmpty(t, xe.Data, "应保留交易所错误载荷")
			}
		})
	}
}

func TestModifyOrder(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("private/edit", 200, rpcResultJSON(map[string]interface{}{
		"order": orderAckJSON("ETH-9", "open", "ETH-PERPETUAL", 5, 2100),
	}))
	g := newTestGateway(fx)
	withToken(g)

	ack, err := g.ModifyOrder(context.Background(), "ETH-9", decimal.NewFromInt(5), decimal.NewFromInt(2100))
	require.NoError(t, err)
	assert.True(t, ack.Amount.Equal(decimal.NewFromInt(5)))
	assert.True(t, ack.Price.Equal(decimal.NewFromInt(2100)))

	p := fx.recorded()[0].Params
	assert.Equal(t, "ETH-9", p["order_id"])
	assert.EqualValues(t, 5, p["amount"])
	assert.EqualValues(t, 2100, p["price"])

	_, err = g.ModifyOrder(context.Background(), "ETH-9", decimal.Zero, decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestPublicQueries(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("public/get_order_book", 200, rpcResultJSON(map[string]interface{}{
		"instrument_name": "BTC-PERPETUAL",
		"timestamp":       1700000000000,
		"bids":            [][]float64{{49990, 100}, {49980, 50}},
		"asks":            [][]float64{{50010, 70}},
		"best_bid_price":  49990,
		"best_ask_price":  50010,
		"mark_price":      50000.5,
	}))
	fx.reply("public/get_instruments", 200, rpcResultJSON([]map[string]interface{}{
		{"instrument_name": "BTC-PERPETUAL", "kind": "future", "base_currency": "BTC", "tick_size": 0.5, "min_trade_amount": 10, "is_active": true},
	}))
	g := newTestGateway(fx)

	book, err := g.GetOrderBook(context.Background(), "BTC-PERPETUAL", 5)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	assert.True(t, book.Bids[0].Price().Equal(decimal.NewFromInt(49990)))
	assert.True(t, book.Asks[0].Amount().Equal(decimal.NewFromInt(70)))
	assert.Equal(t, "50000.5", book.MarkPrice.String())

	instruments, err := g.GetInstruments(context.Background(), "btc", "future")
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "BTC-PERPETUAL", instruments[0].InstrumentName)
	assert.Equal(t, "0.5", instruments[0].TickSize.String())

	calls := fx.recorded()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Empty(t, c.Auth, "公共接口不需要认证")
	}
	assert.EqualValues(t, 5, calls[0].Params["depth"])
	assert.Equal(t, "BTC", calls[1].Params["currency"])

	_, err = g.GetOrderBook(context.Background(), " ", 0)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestGetPositions(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("private/get_positions", 200, rpcResultJSON([]map[string]interface{}{
		{"instrument_name": "BTC-PERPETUAL", "size": -120, "direction": "sell", "average_price": 50100},
	}))
	g := newTestGateway(fx)
	withToken(g)

	positions, err := g.GetPositions(context.Background(), "btc")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(decimal.NewFromInt(-120)))
	assert.Equal(t, "BTC", fx.recorded()[0].Params["currency"])
}

func TestExchangeErrorMessage(t *testing.T) {
	err := &ExchangeError{Kind: KindRejected, Method: "private/buy", StatusCode: 400, Code: 10009, Message: "not_enough_funds"}
	assert.True(t, strings.Contains(err.Error(), "not_enough_funds"))
	assert.True(t, errors.Is(err, domain.ErrRejected))
	assert.False(t, errors.Is(err, domain.ErrTransport))
}

func TestGetInstrumentsCached(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("public/get_instruments", 200, rpcResultJSON([]map[string]interface{}{
		{"instrument_name": "ETH-PERPETUAL", "kind": "future"},
	}))
	g := NewGateway(Config{BaseURL: fx.srv.URL, InstrumentsTTL: time.Minute}, NewCredential("key", "secret"), nil)

	for i := 0; i < 3; i++ {
		got, err := g.GetInstruments(context.Background(), "eth", "future")
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Len(t, fx.recorded(), 1, "缓存期内只请求一次")

	_, err := g.GetInstruments(context.Background(), "eth", "option")
	require.NoError(t, err)
	assert.Len(t, fx.recorded(), 2, "不同 kind 分别缓存")
}
