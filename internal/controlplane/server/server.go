// Package server 控制面 REST API：下单、撤单、改单、订单/持仓/行情查询
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/exchange"
)

// OrderService 订单相关能力（*services.OrderRegistry 实现）
type OrderService interface {
	PlaceOrderWithSide(ctx context.Context, instrument string, amount decimal.Decimal, typ domain.OrderType, price decimal.Decimal, side domain.Side) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	ModifyOrder(ctx context.Context, orderID string, amount, price decimal.Decimal) (bool, error)
	GetOrder(orderID string) (domain.Order, error)
	GetOpenOrders() []domain.Order
	GetOrderHistory() []domain.Order
	GetPositions(ctx context.Context, currency string) ([]exchange.Position, error)
	GetPositionSize(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// MarketData 公共行情查询（*exchange.Gateway 实现）
type MarketData interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (*exchange.OrderBook, error)
	GetInstruments(ctx context.Context, currency, kind string) ([]exchange.Instrument, error)
}

type Config struct {
	Listen string
}

type Server struct {
	cfg    Config
	orders OrderService
	market MarketData
	log    *logrus.Entry

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, orders OrderService, market MarketData, log *logrus.Entry) (*Server, error) {
	if orders == nil {
		return nil, errors.New("order service is required")
	}
	if market == nil {
		return nil, errors.New("market data is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8081"
	}
	if log == nil {
		log = logrus.WithField("component", "controlplane")
	}
	return &Server{cfg: cfg, orders: orders, market: market, log: log}, nil
}

// Start 开始监听（非阻塞），ctx 取消时优雅关闭
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("controlplane already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("❌ 控制面服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	s.log.Infof("🛠️ 控制面已启动: http://%s", ln.Addr())
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	api := r.Group("/api")

	orders := api.Group("/orders")
	orders.POST("", s.wrap(s.handleOrderPlace))
	orders.GET("", s.wrap(s.handleOrdersOpen))
	orders.GET("/history", s.wrap(s.handleOrdersHistory))
	orders.GET("/:orderID", s.wrap(s.handleOrderGet))
	orders.PUT("/:orderID", s.wrap(s.handleOrderModify))
	orders.DELETE("/:orderID", s.wrap(s.handleOrderCancel))

	positions := api.Group("/positions")
	positions.GET("", s.wrap(s.handlePositionsList))
	positions.GET("/:instrument", s.wrap(s.handlePositionSize))

	api.GET("/orderbook/:instrument", s.wrap(s.handleOrderBook))
	api.GET("/instruments", s.wrap(s.handleInstruments))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "goquant_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}
