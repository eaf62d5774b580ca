package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/exchange"
	"github.com/betbot/goquant/internal/metrics"
)

// ExchangeGateway 订单注册表依赖的交易所能力（*exchange.Gateway 实现）
type ExchangeGateway interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) (*exchange.OrderAck, error)
	ModifyOrder(ctx context.Context, orderID string, amount, price decimal.Decimal) (*exchange.OrderAck, error)
	GetOrderState(ctx context.Context, orderID string) (*exchange.OrderAck, error)
	GetPositions(ctx context.Context, currency string) ([]exchange.Position, error)
}

// OrderUpdateHandler 订单变更回调，参数为提交后的快照
type OrderUpdateHandler func(order domain.Order)

// orderEntry 注册表中的一条订单
// op 串行化同一订单上的撤单/改单/对账，持有期间可以发起网络请求；
// order 字段只在持有 registry.mu 写锁时修改
type orderEntry struct {
	op    sync.Mutex
	order domain.Order
}

// OrderRegistry 本地订单表
// 所有变更先经过交易所确认再提交，读操作只看到已提交的快照
type OrderRegistry struct {
	gw  ExchangeGateway
	log *logrus.Entry
	now func() time.Time

	mu     sync.RWMutex
	orders map[string]*orderEntry

	handlersMu sync.RWMutex
	handlers   []OrderUpdateHandler
}

// NewOrderRegistry 创建订单注册表
func NewOrderRegistry(gw ExchangeGateway, log *logrus.Entry) *OrderRegistry {
	if log == nil {
		log = logrus.WithField("component", "order_registry")
	}
	return &OrderRegistry{
		gw:     gw,
		log:    log,
		now:    time.Now,
		orders: make(map[string]*orderEntry),
	}
}

// OnOrderUpdate 注册订单变更回调
// 回调在变更提交后同步调用，不持有任何注册表锁
func (r *OrderRegistry) OnOrderUpdate(handler OrderUpdateHandler) {
	if handler == nil {
		return
	}
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, handler)
	r.handlersMu.Unlock()
}

func (r *OrderRegistry) notify(order domain.Order) {
	r.handlersMu.RLock()
	handlers := append([]OrderUpdateHandler(nil), r.handlers...)
	r.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Errorf("订单回调 panic: order=%s err=%v", order.OrderID, p)
				}
			}()
			h(order)
		}()
	}
}

// PlaceOrder 下买单
func (r *OrderRegistry) PlaceOrder(ctx context.Context, instrument string, amount decimal.Decimal, typ domain.OrderType, price decimal.Decimal) (domain.Order, error) {
	return r.PlaceOrderWithSide(ctx, instrument, amount, typ, price, domain.SideBuy)
}

// PlaceOrderWithSide 下单并登记到注册表
// 交易所返回失败时原样返回错误，注册表不做任何修改
func (r *OrderRegistry) PlaceOrderWithSide(ctx context.Context, instrument string, amount decimal.Decimal, typ domain.OrderType, price decimal.Decimal, side domain.Side) (domain.Order, error) {
	instrument = strings.TrimSpace(instrument)
	if err := domain.ValidateOrderParams(instrument, amount, typ, price); err != nil {
		return domain.Order{}, err
	}
	side, err := domain.ParseSide(string(side))
	if err != nil {
		return domain.Order{}, err
	}

	label := "gq-" + uuid.NewString()
	ack, err := r.gw.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Instrument: instrument,
		Amount:     amount,
		Type:       typ,
		Price:      price,
		Side:       side,
		Label:      label,
	})
	if err != nil {
		r.log.Warnf("❌ 下单失败: %s %s %s@%s: %v", side, instrument, amount, price, err)
		return domain.Order{}, err
	}

	now := r.now()
	order := domain.Order{
		OrderID:        ack.OrderID,
		InstrumentName: instrument,
		Amount:         amount,
		FilledAmount:   ack.FilledAmount.Decimal,
		Price:          price,
		Type:           typ,
		Side:           side,
		Status:         domain.OrderStatusPending,
		Label:          label,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status, ok := ack.Status(); ok {
		order.Status = status
	} else {
		r.log.Warnf("未知订单状态 %q: order=%s，按 pending 登记", ack.OrderState, ack.OrderID)
	}
	if created := ack.CreatedAt(); !created.IsZero() {
		order.CreatedAt = created
	}

	r.mu.Lock()
	if _, exists := r.orders[order.OrderID]; exists {
		r.log.Warnf("订单 ID 重复，覆盖旧记录: %s", order.OrderID)
	}
	r.orders[order.OrderID] = &orderEntry{order: order}
	r.mu.Unlock()

	metrics.OrdersPlaced.Add(1)
	r.log.Infof("📝 下单成功: id=%s %s %s %s@%s status=%s", order.OrderID, side, instrument, amount, price, order.Status)
	r.notify(order)
	return order, nil
}

// CancelOrder 撤单
// 本地不存在返回 OrderNotFound；交易所拒绝撤单返回 (false, nil)；
// 其余网关错误返回 (false, err)
func (r *OrderRegistry) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	entry := r.lookup(orderID)
	if entry == nil {
		return false, domain.OrderNotFound(orderID)
	}

	entry.op.Lock()
	defer entry.op.Unlock()

	ack, err := r.gw.CancelOrder(ctx, orderID)
	if err != nil {
		return r.gatewayFailure("撤单", orderID, err)
	}

	order := r.commit(entry, func(o *domain.Order) {
		if !o.Status.IsTerminal() {
			o.Status = domain.OrderStatusCancelled
		}
		if ack != nil && ack.FilledAmount.GreaterThan(o.FilledAmount) {
			o.FilledAmount = ack.FilledAmount.Decimal
		}
	})
	metrics.OrdersCancelled.Add(1)
	r.log.Infof("🗑️ 撤单成功: id=%s", orderID)
	r.notify(order)
	return true, nil
}

// ModifyOrder 改单（数量/价格），错误约定与 CancelOrder 相同
func (r *OrderRegistry) ModifyOrder(ctx context.Context, orderID string, amount, price decimal.Decimal) (bool, error) {
	if err := domain.ValidateAmendParams(amount, price); err != nil {
		return false, err
	}
	entry := r.lookup(orderID)
	if entry == nil {
		return false, domain.OrderNotFound(orderID)
	}

	entry.op.Lock()
	defer entry.op.Unlock()

	ack, err := r.gw.ModifyOrder(ctx, orderID, amount, price)
	if err != nil {
		return r.gatewayFailure("改单", orderID, err)
	}

	order := r.commit(entry, func(o *domain.Order) {
		o.Amount = amount
		if price.IsPositive() {
			o.Price = price
		}
		if ack == nil {
			return
		}
		o.FilledAmount = ack.FilledAmount.Decimal
		if status, ok := ack.Status(); ok && !o.Status.IsTerminal() {
			o.Status = status
		}
	})
	metrics.OrdersModified.Add(1)
	r.log.Infof("✏️ 改单成功: id=%s amount=%s price=%s", orderID, amount, price)
	r.notify(order)
	return true, nil
}

// gatewayFailure 统一处理撤单/改单的网关错误
func (r *OrderRegistry) gatewayFailure(action, orderID string, err error) (bool, error) {
	if errors.Is(err, domain.ErrRejected) {
		r.log.Warnf("⚠️ %s被交易所拒绝: id=%s: %v", action, orderID, err)
		return false, nil
	}
	r.log.Errorf("❌ %s失败: id=%s: %v", action, orderID, err)
	return false, err
}

// ApplyExchangeUpdate 应用交易所侧的订单状态（对账或推送）
// 终态不会被非终态覆盖；本地未知的订单直接忽略
// 与同一订单的撤单/改单串行执行，回调中不要再修改同一订单
func (r *OrderRegistry) ApplyExchangeUpdate(ack *exchange.OrderAck) (domain.Order, bool) {
	if ack == nil || ack.OrderID == "" {
		return domain.Order{}, false
	}
	entry := r.lookup(ack.OrderID)
	if entry == nil {
		return domain.Order{}, false
	}
	entry.op.Lock()
	defer entry.op.Unlock()
	return r.applyAck(entry, ack)
}

func (r *OrderRegistry) applyAck(entry *orderEntry, ack *exchange.OrderAck) (domain.Order, bool) {
	status, ok := ack.Status()
	if !ok {
		return domain.Order{}, false
	}

	changed := false
	order := r.commit(entry, func(o *domain.Order) {
		if o.Status.IsTerminal() && !status.IsTerminal() {
			return
		}
		if o.Status != status {
			o.Status = status
			changed = true
		}
		if ack.FilledAmount.GreaterThan(o.FilledAmount) {
			o.FilledAmount = ack.FilledAmount.Decimal
			changed = true
		}
		if ack.Amount.IsPositive() && !ack.Amount.Equal(o.Amount) {
			o.Amount = ack.Amount.Decimal
			changed = true
		}
	})
	if changed {
		r.notify(order)
	}
	return order, changed
}

// Reconcile 逐个查询挂单的交易所状态并同步到本地
// 单个订单失败不影响其他订单，返回第一个错误
func (r *OrderRegistry) Reconcile(ctx context.Context) error {
	metrics.ReconcileRuns.Add(1)

	r.mu.RLock()
	entries := make([]*orderEntry, 0, len(r.orders))
	for _, e := range r.orders {
		if !e.order.Status.IsTerminal() {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.reconcileOne(ctx, entry); err != nil {
			metrics.ReconcileErrors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *OrderRegistry) reconcileOne(ctx context.Context, entry *orderEntry) error {
	entry.op.Lock()
	defer entry.op.Unlock()

	r.mu.RLock()
	id, terminal := entry.order.OrderID, entry.order.Status.IsTerminal()
	r.mu.RUnlock()
	if terminal {
		return nil
	}

	ack, err := r.gw.GetOrderState(ctx, id)
	if err != nil {
		r.log.Warnf("对账查询失败: id=%s: %v", id, err)
		return errors.Wrapf(err, "reconcile order %s", id)
	}
	if order, changed := r.applyAck(entry, ack); changed {
		r.log.Infof("🔄 对账更新: id=%s status=%s filled=%s", id, order.Status, order.FilledAmount)
	}
	return nil
}

// commit 在写锁下修改订单并返回提交后的快照
func (r *OrderRegistry) commit(entry *orderEntry, mutate func(o *domain.Order)) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := entry.order
	mutate(&entry.order)
	if entry.order != before {
		entry.order.UpdatedAt = r.now()
	}
	return entry.order
}

func (r *OrderRegistry) lookup(orderID string) *orderEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orders[orderID]
}

// GetOrder 获取订单快照
func (r *OrderRegistry) GetOrder(orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, domain.OrderNotFound(orderID)
	}
	return e.order, nil
}

// GetOpenOrders 挂单中的订单（按创建时间排序）
func (r *OrderRegistry) GetOpenOrders() []domain.Order {
	return r.filter(func(o domain.Order) bool { return o.IsOpen() })
}

// GetOrderHistory 已结束的订单（filled/cancelled/rejected）
func (r *OrderRegistry) GetOrderHistory() []domain.Order {
	return r.filter(func(o domain.Order) bool { return o.IsTerminal() })
}

// HasOpenOrders 是否存在未结束的订单
func (r *OrderRegistry) HasOpenOrders() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.orders {
		if !e.order.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (r *OrderRegistry) filter(keep func(domain.Order) bool) []domain.Order {
	r.mu.RLock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, e := range r.orders {
		if keep(e.order) {
			out = append(out, e.order)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetPositions 查询交易所持仓（以交易所为准）
func (r *OrderRegistry) GetPositions(ctx context.Context, currency string) ([]exchange.Position, error) {
	return r.gw.GetPositions(ctx, currency)
}

// GetPositionSize 查询单个合约的持仓数量（无持仓为 0）
func (r *OrderRegistry) GetPositionSize(ctx context.Context, instrument string) (decimal.Decimal, error) {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return decimal.Zero, domain.NewValidationError("instrument", "instrument name is required")
	}
	positions, err := r.gw.GetPositions(ctx, settlementCurrency(instrument))
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		if p.InstrumentName == instrument {
			return p.Size.Decimal, nil
		}
	}
	return decimal.Zero, nil
}

// settlementCurrency 合约的结算币种
// 反向合约按基础币结算（BTC-PERPETUAL -> BTC），
// 线性合约按报价币结算（BTC_USDC-PERPETUAL -> USDC）
func settlementCurrency(instrument string) string {
	pair := instrument
	if i := strings.IndexByte(instrument, '-'); i > 0 {
		pair = instrument[:i]
	}
	if i := strings.IndexByte(pair, '_'); i >= 0 && i < len(pair)-1 {
		return pair[i+1:]
	}
	return pair
}
