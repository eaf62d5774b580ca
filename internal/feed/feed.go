// Package feed 把交易所行情与本地订单变更推送到订阅中心
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/exchange"
	"github.com/betbot/goquant/internal/hub"
	"github.com/betbot/goquant/internal/metrics"
)

// OrderBookSource 订单簿数据源（*exchange.Gateway 实现）
type OrderBookSource interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (*exchange.OrderBook, error)
}

// Publisher 推送目标（*hub.Hub 实现）
type Publisher interface {
	Publish(symbol string, msg []byte) int
	Symbols() []string
}

// Config 行情推送配置
type Config struct {
	PollInterval time.Duration // 轮询间隔，默认 1s
	Depth        int           // 订单簿深度，默认 10
	Concurrency  int           // 同时拉取的合约数，默认 4
}

// MarketFeed 轮询有订阅者的合约订单簿并推送
type MarketFeed struct {
	pub   Publisher
	books OrderBookSource
	cfg   Config
	log   *logrus.Entry
}

// New 创建行情推送
func New(ob OrderBookSource, pub Publisher, cfg Config, log *logrus.Entry) *MarketFeed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = logrus.WithField("component", "market_feed")
	}
	return &MarketFeed{pub: pub, books: ob, cfg: cfg, log: log}
}

// Run 阻塞运行直到 ctx 取消
func (f *MarketFeed) Run(ctx context.Context) {
	f.log.Infof("📈 行情推送启动（间隔 %v，深度 %d）", f.cfg.PollInterval, f.cfg.Depth)
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.log.Info("📈 行情推送停止")
			return
		case <-ticker.C:
			f.PollOnce(ctx)
		}
	}
}

// PollOnce 拉取一轮订单簿，返回成功推送的合约数
// 单个合约失败只记录日志，不影响其他合约
func (f *MarketFeed) PollOnce(ctx context.Context) int {
	symbols := f.pub.Symbols()
	if len(symbols) == 0 {
		return 0
	}
	metrics.FeedPolls.Add(1)

	var (
		g   errgroup.Group
		okN atomic.Int32
	)
	g.SetLimit(f.cfg.Concurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if err := f.publishBook(ctx, symbol); err != nil {
				metrics.FeedPollErrors.Add(1)
				f.log.Warnf("获取订单簿失败: %s: %v", symbol, err)
				return nil
			}
			okN.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(okN.Load())
}

func (f *MarketFeed) publishBook(ctx context.Context, symbol string) error {
	book, err := f.books.GetOrderBook(ctx, symbol, f.cfg.Depth)
	if err != nil {
		return err
	}
	msg, err := hub.EncodeFrame(hub.TypeOrderBook, symbol, NewBookView(book))
	if err != nil {
		return err
	}
	f.pub.Publish(symbol, msg)
	return nil
}

// OrderUpdates 把订单快照推送到订单所属合约的订阅者
// 用作 OrderRegistry.OnOrderUpdate 回调
func (f *MarketFeed) OrderUpdates(order domain.Order) {
	msg, err := hub.EncodeFrame(hub.TypeOrder, order.InstrumentName, NewOrderView(order))
	if err != nil {
		f.log.Errorf("订单推送编码失败: %s: %v", order.OrderID, err)
		return
	}
	f.pub.Publish(order.InstrumentName, msg)
}

// Level 订单簿档位
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// BookView 推送给客户端的订单簿
type BookView struct {
	Instrument string          `json:"instrument"`
	Timestamp  int64           `json:"timestamp"`
	Bids       []Level         `json:"bids"`
	Asks       []Level         `json:"asks"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	IndexPrice decimal.Decimal `json:"index_price"`
}

// NewBookView 转换交易所订单簿
func NewBookView(b *exchange.OrderBook) BookView {
	v := BookView{
		Instrument: b.InstrumentName,
		Timestamp:  b.Timestamp,
		Bids:       make([]Level, 0, len(b.Bids)),
		Asks:       make([]Level, 0, len(b.Asks)),
		MarkPrice:  b.MarkPrice.Decimal,
		IndexPrice: b.IndexPrice.Decimal,
	}
	for _, l := range b.Bids {
		v.Bids = append(v.Bids, Level{Price: l.Price(), Amount: l.Amount()})
	}
	for _, l := range b.Asks {
		v.Asks = append(v.Asks, Level{Price: l.Price(), Amount: l.Amount()})
	}
	return v
}

// OrderView 推送/接口返回的订单
type OrderView struct {
	OrderID      string          `json:"order_id"`
	Instrument   string          `json:"instrument"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Price        decimal.Decimal `json:"price"`
	Label        string          `json:"label,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewOrderView 转换订单快照
func NewOrderView(o domain.Order) OrderView {
	return OrderView{
		OrderID:      o.OrderID,
		Instrument:   o.InstrumentName,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Status:       string(o.Status),
		Amount:       o.Amount,
		FilledAmount: o.FilledAmount,
		Price:        o.Price,
		Label:        o.Label,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}
