package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/feed"
)

type positionView struct {
	Instrument   string          `json:"instrument"`
	Direction    string          `json:"direction,omitempty"`
	Size         decimal.Decimal `json:"size"`
	AveragePrice decimal.Decimal `json:"average_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
}

type instrumentView struct {
	Name           string          `json:"name"`
	Kind           string          `json:"kind"`
	BaseCurrency   string          `json:"base_currency"`
	TickSize       decimal.Decimal `json:"tick_size"`
	MinTradeAmount decimal.Decimal `json:"min_trade_amount"`
	IsActive       bool            `json:"is_active"`
}

func (s *Server) handlePositionsList(w http.ResponseWriter, r *http.Request) {
	positions, err := s.orders.GetPositions(r.Context(), strings.TrimSpace(r.URL.Query().Get("currency")))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Instrument:   p.InstrumentName,
			Direction:    p.Direction,
			Size:         p.Size.Decimal,
			AveragePrice: p.AveragePrice.Decimal,
			MarkPrice:    p.MarkPrice.Decimal,
			TotalPnL:     p.TotalProfitLoss.Decimal,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositionSize(w http.ResponseWriter, r *http.Request) {
	instrument := pathParam(r, "instrument")
	size, err := s.orders.GetPositionSize(r.Context(), instrument)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView{Instrument: instrument, Size: size})
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if v := strings.TrimSpace(r.URL.Query().Get("depth")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeErr(w, r, domain.NewValidationError("depth", "invalid depth %q", v))
			return
		}
		depth = n
	}
	book, err := s.market.GetOrderBook(r.Context(), pathParam(r, "instrument"), depth)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed.NewBookView(book))
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	currency := strings.TrimSpace(q.Get("currency"))
	if currency == "" {
		currency = "BTC"
	}
	instruments, err := s.market.GetInstruments(r.Context(), currency, strings.TrimSpace(q.Get("kind")))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]instrumentView, 0, len(instruments))
	for _, in := range instruments {
		out = append(out, instrumentView{
			Name:           in.InstrumentName,
			Kind:           in.Kind,
			BaseCurrency:   in.BaseCurrency,
			TickSize:       in.TickSize.Decimal,
			MinTradeAmount: in.MinTradeAmount.Decimal,
			IsActive:       in.IsActive,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
