package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order 订单领域模型（只由 OrderRegistry 持有，对外只返回值拷贝）
type Order struct {
	OrderID        string          // 订单 ID（交易所分配）
	InstrumentName string          // 合约名称，例如 BTC-PERPETUAL
	Amount         decimal.Decimal // 下单数量（> 0）
	FilledAmount   decimal.Decimal // 已成交数量
	Price          decimal.Decimal // 价格（0 表示市价单）
	Type           OrderType       // 订单类型
	Side           Side            // 订单方向
	Status         OrderStatus     // 订单状态
	Label          string          // 客户端标签（随下单请求发送给交易所）
	CreatedAt      time.Time       // 创建时间
	UpdatedAt      time.Time       // 最近一次状态变更时间
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // 已发出请求，尚未收到交易所确认
	OrderStatusOpen      OrderStatus = "open"      // 挂单中
	OrderStatusFilled    OrderStatus = "filled"    // 已成交
	OrderStatusCancelled OrderStatus = "cancelled" // 已取消
	OrderStatusRejected  OrderStatus = "rejected"  // 被拒绝
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseOrderType 解析订单类型（大小写不敏感）
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToLower(strings.TrimSpace(s))) {
	case OrderTypeMarket:
		return OrderTypeMarket, nil
	case OrderTypeLimit:
		return OrderTypeLimit, nil
	}
	return "", NewValidationError("type", "unsupported order type %q", s)
}

// ParseSide 解析订单方向，空字符串默认买入
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case "", SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", NewValidationError("side", "unsupported side %q", s)
}

// IsOpen 检查订单是否挂单中
func (o Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// IsTerminal 检查订单是否为最终状态（filled/cancelled/rejected）
// 最终状态不应该被中间状态（pending/open）覆盖
func (o Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsTerminal 检查状态是否为最终状态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// ValidateOrderParams 校验下单参数
// 数量必须为正；价格不能为负；限价单必须带正价格
func ValidateOrderParams(instrument string, amount decimal.Decimal, typ OrderType, price decimal.Decimal) error {
	if strings.TrimSpace(instrument) == "" {
		return NewValidationError("instrument", "instrument name is required")
	}
	if !amount.IsPositive() {
		return NewValidationError("amount", "amount must be positive, got %s", amount)
	}
	if price.IsNegative() {
		return NewValidationError("price", "price must not be negative, got %s", price)
	}
	switch typ {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !price.IsPositive() {
			return NewValidationError("price", "limit order requires a positive price")
		}
	default:
		return NewValidationError("type", "unsupported order type %q", typ)
	}
	return nil
}

// ValidateAmendParams 校验改单参数
func ValidateAmendParams(amount, price decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "amount must be positive, got %s", amount)
	}
	if price.IsNegative() {
		return NewValidationError("price", "price must not be negative, got %s", price)
	}
	return nil
}
