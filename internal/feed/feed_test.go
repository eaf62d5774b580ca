package feed

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/exchange"
	"github.com/betbot/goquant/internal/hub"
)

type stubBooks struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (s *stubBooks) GetOrderBook(_ context.Context, instrument string, depth int) (*exchange.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, instrument)
	if s.fail[instrument] {
		return nil, &exchange.ExchangeError{Kind: exchange.KindTransport, Method: "public/get_order_book", Err: errors.New("boom")}
	}
	bid := exchange.PriceLevel{
		exchange.Number{Decimal: decimal.NewFromInt(100)},
		exchange.Number{Decimal: decimal.NewFromInt(int64(depth))},
	}
	return &exchange.OrderBook{InstrumentName: instrument, Bids: []exchange.PriceLevel{bid}}, nil
}

type published struct {
	symbol string
	frame  hub.Frame
	raw    json.RawMessage
}

type stubPublisher struct {
	mu      sync.Mutex
	symbols []string
	out     []published
}

func (p *stubPublisher) Publish(symbol string, msg []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f hub.Frame
	_ = json.Unmarshal(msg, &f)
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(msg, &env)
	p.out = append(p.out, published{symbol: symbol, frame: f, raw: env.Data})
	return 1
}

func (p *stubPublisher) Symbols() []string { return p.symbols }

func (p *stubPublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.out...)
}

func TestPollOncePublishesSubscribedSymbols(t *testing.T) {
	books := &stubBooks{fail: map[string]bool{"SOL-PERPETUAL": true}}
	pub := &stubPublisher{symbols: []string{"BTC-PERPETUAL", "ETH-PERPETUAL", "SOL-PERPETUAL"}}
	f := New(books, pub, Config{Depth: 5}, nil)

	assert.Equal(t, 2, f.PollOnce(context.Background()))

	out := pub.sent()
	require.Len(t, out, 2)
	symbols := []string{out[0].symbol, out[1].symbol}
	sort.Strings(symbols)
	assert.Equal(t, []string{"BTC-PERPETUAL", "ETH-PERPETUAL"}, symbols)

	for _, p := range out {
		assert.Equal(t, hub.TypeOrderBook, p.frame.Type)
		assert.Equal(t, p.symbol, p.frame.Symbol)
		var view BookView
		require.NoError(t, json.Unmarshal(p.raw, &view))
		require.Len(t, view.Bids, 1)
		assert.True(t, view.Bids[0].Amount.Equal(decimal.NewFromInt(5)), "深度参数应透传")
	}
	assert.Len(t, books.calls, 3)
}

func TestPollOnceWithoutSubscribers(t *testing.T) {
	books := &stubBooks{}
	f := New(books, &stubPublisher{}, Config{}, nil)
	assert.Equal(t, 0, f.PollOnce(context.Background()))
	assert.Empty(t, books.calls, "无订阅者时不请求交易所")
}

func TestOrderUpdatesPublishOnInstrument(t *testing.T) {
	pub := &stubPublisher{}
	f := New(&stubBooks{}, pub, Config{}, nil)

	f.OrderUpdates(domain.Order{
		OrderID:        "ETH-1",
		InstrumentName: "ETH-PERPETUAL",
		Amount:         decimal.NewFromInt(3),
		Price:          decimal.NewFromInt(2000),
		Status:         domain.OrderStatusOpen,
		Side:           domain.SideSell,
		Type:           domain.OrderTypeLimit,
	})

	out := pub.sent()
	require.Len(t, out, 1)
	assert.Equal(t, "ETH-PERPETUAL", out[0].symbol)
	assert.Equal(t, hub.TypeOrder, out[0].frame.Type)

	var view OrderView
	require.NoError(t, json.Unmarshal(out[0].raw, &view))
	assert.Equal(t, "ETH-1", view.OrderID)
	assert.Equal(t, "open", view.Status)
	assert.Equal(t, "sell", view.Side)
	assert.True(t, view.Price.Equal(decimal.NewFromInt(2000)))
}

func TestRunStopsOnCancel(t *testing.T) {
	books := &stubBooks{}
	pub := &stubPublisher{symbols: []string{"BTC-PERPETUAL"}}
	f := New(books, pub, Config{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(pub.sent()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run 未在取消后退出")
	}
}
