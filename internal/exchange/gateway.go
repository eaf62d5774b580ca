// Package exchange 实现 Deribit JSON-RPC over HTTPS 网关：认证、下单、撤单、改单以及行情/持仓查询
package exchange

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/metrics"
	"github.com/betbot/goquant/pkg/cache"
	"github.com/betbot/goquant/pkg/ratelimit"
)

const (
	TestnetBaseURL = "https://test.deribit.com/api/v2"
	MainnetBaseURL = "https://www.deribit.com/api/v2"

	// 授权方式
	GrantClientCredentials = "client_credentials"
	GrantClientSignature   = "client_signature"
	grantRefreshToken      = "refresh_token"

	defaultRequestTimeout = 10 * time.Second
)

// Config 网关配置
type Config struct {
	BaseURL        string           // 为空使用测试网
	RequestTimeout time.Duration    // 单次调用超时（<=0 使用默认 10s）
	GrantType      string           // client_credentials（默认）或 client_signature
	Limits         ratelimit.Limits // 速率限制；零值使用默认限速
	InstrumentsTTL time.Duration    // 合约列表缓存时间（<=0 不缓存）
}

// Gateway Deribit 网关
// 构造后不可变，可在多个组件之间共享
type Gateway struct {
	cred      *Credential
	http      *resty.Client
	limiter   *ratelimit.RateLimitManager
	timeout   time.Duration
	grantType string
	log       *logrus.Entry
	now       func() time.Time
	seq       atomic.Int64

	instruments    *cache.InMemoryCache[string, []Instrument]
	instrumentsTTL time.Duration
}

// NewGateway 创建网关
func NewGateway(cfg Config, cred *Credential, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.WithField("component", "exchange_gateway")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = TestnetBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	grant := cfg.GrantType
	if grant == "" {
		grant = GrantClientCredentials
	}
	limits := cfg.Limits
	if limits == (ratelimit.Limits{}) {
		limits = ratelimit.DefaultLimits()
	}

	// 连接复用由 resty 内部的 http.Transport 负责；不做自动重试，由调用方决定重试策略
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "goquant-gateway").
		SetLogger(log)

	return &Gateway{
		cred:           cred,
		http:           client,
		limiter:        ratelimit.NewRateLimitManager(limits),
		timeout:        timeout,
		grantType:      grant,
		log:            log,
		now:            time.Now,
		instruments:    cache.NewInMemoryCache[string, []Instrument](cfg.InstrumentsTTL),
		instrumentsTTL: cfg.InstrumentsTTL,
	}
}

// Credential 返回网关共享的凭证
func (g *Gateway) Credential() *Credential { return g.cred }

// Authenticate 用 API key/secret 换取 bearer token
// 失败时返回 false，已有的 token 保持不变
func (g *Gateway) Authenticate(ctx context.Context) bool {
	if err := g.AuthenticateErr(ctx); err != nil {
		g.log.Errorf("❌ 认证失败: %v", err)
		return false
	}
	return true
}

// AuthenticateErr 与 Authenticate 相同，但返回分类后的错误
func (g *Gateway) AuthenticateErr(ctx context.Context) error {
	params := map[string]interface{}{
		"grant_type": g.grantType,
		"client_id":  g.cred.APIKey(),
	}
	switch g.grantType {
	case GrantClientSignature:
		sig := BuildClientSignature(g.cred.secret(), g.now().UnixMilli(), newNonce(), "")
		params["timestamp"] = sig.Timestamp
		params["nonce"] = sig.Nonce
		params["data"] = sig.Data
		params["signature"] = sig.Signature
	default:
		params["client_secret"] = g.cred.secret()
	}
	return g.authenticate(ctx, params)
}

// Refresh 使用 refresh token 续期
func (g *Gateway) Refresh(ctx context.Context) error {
	refresh := g.cred.Tokens().RefreshToken
	if refresh == "" {
		return authError("public/auth", "no refresh token available")
	}
	return g.authenticate(ctx, map[string]interface{}{
		"grant_type":    grantRefreshToken,
		"refresh_token": refresh,
	})
}

func (g *Gateway) authenticate(ctx context.Context, params map[string]interface{}) error {
	const method = "public/auth"
	var res authResult
	if err := g.call(ctx, method, params, "", &res); err != nil {
		metrics.AuthFailures.Add(1)
		var xe *ExchangeError
		if errors.As(err, &xe) && xe.Kind == KindRejected {
			// 凭证被交易所拒绝一律视为认证错误
			xe.Kind = KindAuthentication
		}
		return err
	}
	if res.AccessToken == "" || res.ExpiresIn <= 0 {
		metrics.AuthFailures.Add(1)
		return protocolError(method, 0, errors.New("auth result without access_token/expires_in"))
	}

	g.cred.store(TokenSet{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Scope:        res.Scope,
		Expiry:       g.now().Add(time.Duration(res.ExpiresIn) * time.Second),
	})
	metrics.AuthSuccess.Add(1)
	g.log.Infof("✅ 认证成功，token 有效期 %ds (scope=%s)", res.ExpiresIn, res.Scope)
	return nil
}

// PlaceOrder 下单（private/buy 或 private/sell）
// 价格 <= 0 时不发送 price 字段，由交易所按市价处理
func (g *Gateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	if err := domain.ValidateOrderParams(req.Instrument, req.Amount, req.Type, req.Price); err != nil {
		return nil, err
	}
	side, err := domain.ParseSide(string(req.Side))
	if err != nil {
		return nil, err
	}
	method := "private/" + string(side)

	params := map[string]interface{}{
		"instrument_name": req.Instrument,
		"amount":          req.Amount.InexactFloat64(),
		"type":            string(req.Type),
	}
	if req.Price.IsPositive() {
		params["price"] = req.Price.InexactFloat64()
	}
	if req.Label != "" {
		params["label"] = req.Label
	}

	var env orderEnvelope
	if err := g.privateCall(ctx, method, params, &env); err != nil {
		return nil, err
	}
	if env.Order == nil || env.Order.OrderID == "" {
		return nil, protocolError(method, 0, errors.New("order missing in response"))
	}
	g.log.Debugf("下单确认: id=%s state=%s %s %s@%s", env.Order.OrderID, env.Order.OrderState,
		env.Order.InstrumentName, env.Order.Amount, env.Order.Price)
	return env.Order, nil
}

// CancelOrder 撤单
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	const method = "private/cancel"
	if strings.TrimSpace(orderID) == "" {
		return nil, domain.NewValidationError("order_id", "order id is required")
	}
	var ack OrderAck
	if err := g.privateCall(ctx, method, map[string]interface{}{"order_id": orderID}, &ack); err != nil {
		return nil, err
	}
	if ack.OrderID == "" {
		return nil, protocolError(method, 0, errors.New("order missing in response"))
	}
	return &ack, nil
}

// ModifyOrder 改单（数量/价格）
func (g *Gateway) ModifyOrder(ctx context.Context, orderID string, amount, price decimal.Decimal) (*OrderAck, error) {
	const method = "private/edit"
	if strings.TrimSpace(orderID) == "" {
		return nil, domain.NewValidationError("order_id", "order id is required")
	}
	if err := domain.ValidateAmendParams(amount, price); err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"order_id": orderID,
		"amount":   amount.InexactFloat64(),
	}
	if price.IsPositive() {
		params["price"] = price.InexactFloat64()
	}
	var env orderEnvelope
	if err := g.privateCall(ctx, method, params, &env); err != nil {
		return nil, err
	}
	if env.Order == nil || env.Order.OrderID == "" {
		return nil, protocolError(method, 0, errors.New("order missing in response"))
	}
	return env.Order, nil
}

// GetOrderState 查询单个订单的最新状态（用于对账）
func (g *Gateway) GetOrderState(ctx context.Context, orderID string) (*OrderAck, error) {
	const method = "private/get_order_state"
	var ack OrderAck
	if err := g.privateCall(ctx, method, map[string]interface{}{"order_id": orderID}, &ack); err != nil {
		return nil, err
	}
	if ack.OrderID == "" {
		return nil, protocolError(method, 0, errors.New("order missing in response"))
	}
	return &ack, nil
}

// GetOrderBook 获取订单簿快照（公共接口，depth <= 0 使用交易所默认深度）
func (g *Gateway) GetOrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error) {
	if strings.TrimSpace(instrument) == "" {
		return nil, domain.NewValidationError("instrument", "instrument name is required")
	}
	params := map[string]interface{}{"instrument_name": instrument}
	if depth > 0 {
		params["depth"] = depth
	}
	var book OrderBook
	if err := g.call(ctx, "public/get_order_book", params, "", &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// GetPositions 获取持仓（currency 为空时查询全部币种）
func (g *Gateway) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	params := map[string]interface{}{}
	if currency != "" {
		params["currency"] = strings.ToUpper(currency)
	}
	var positions []Position
	if err := g.privateCall(ctx, "private/get_positions", params, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetInstruments 获取合约列表（公共接口）
// 配置了 InstrumentsTTL 时按 currency+kind 缓存结果
func (g *Gateway) GetInstruments(ctx context.Context, currency, kind string) ([]Instrument, error) {
	if strings.TrimSpace(currency) == "" {
		return nil, domain.NewValidationError("currency", "currency is required")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	key := currency + "|" + kind
	if g.instrumentsTTL > 0 {
		if cached, ok := g.instruments.Get(key); ok {
			return cached, nil
		}
	}

	params := map[string]interface{}{"currency": currency}
	if kind != "" {
		params["kind"] = kind
	}
	var instruments []Instrument
	if err := g.call(ctx, "public/get_instruments", params, "", &instruments); err != nil {
		return nil, err
	}
	if g.instrumentsTTL > 0 {
		g.instruments.Set(key, instruments, g.instrumentsTTL)
	}
	return instruments, nil
}
