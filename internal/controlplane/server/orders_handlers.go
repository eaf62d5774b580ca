package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/feed"
)

type placeOrderRequest struct {
	Instrument string          `json:"instrument"`
	Amount     decimal.Decimal `json:"amount"`
	Type       string          `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Side       string          `json:"side"`
}

type modifyOrderRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

type mutationResponse struct {
	OrderID string          `json:"order_id"`
	OK      bool            `json:"ok"`
	Order   *feed.OrderView `json:"order,omitempty"`
}

func orderViews(orders []domain.Order) []feed.OrderView {
	out := make([]feed.OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, feed.NewOrderView(o))
	}
	return out
}

func (s *Server) handleOrderPlace(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	typ, err := domain.ParseOrderType(req.Type)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	order, err := s.orders.PlaceOrderWithSide(r.Context(), strings.TrimSpace(req.Instrument), req.Amount, typ, req.Price, side)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, feed.NewOrderView(order))
}

func (s *Server) handleOrdersOpen(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orderViews(s.orders.GetOpenOrders()))
}

func (s *Server) handleOrdersHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orderViews(s.orders.GetOrderHistory()))
}

func (s *Server) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetOrder(pathParam(r, "orderID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed.NewOrderView(order))
}

func (s *Server) handleOrderModify(w http.ResponseWriter, r *http.Request) {
	orderID := pathParam(r, "orderID")
	var req modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ok, err := s.orders.ModifyOrder(r.Context(), orderID, req.Amount, req.Price)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeMutation(w, orderID, ok)
}

func (s *Server) handleOrderCancel(w http.ResponseWriter, r *http.Request) {
	orderID := pathParam(r, "orderID")
	ok, err := s.orders.CancelOrder(r.Context(), orderID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeMutation(w, orderID, ok)
}

// writeMutation 撤单/改单结果：交易所拒绝时返回 409 且 ok=false
func (s *Server) writeMutation(w http.ResponseWriter, orderID string, ok bool) {
	resp := mutationResponse{OrderID: orderID, OK: ok}
	if order, err := s.orders.GetOrder(orderID); err == nil {
		v := feed.NewOrderView(order)
		resp.Order = &v
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}
