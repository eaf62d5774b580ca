package exchange

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/goquant/internal/domain"
)

// Number 宽松的数值类型
// 交易所在市价单上会返回 "price": "market_price"，这类非数字值按 0 处理
type Number struct {
	decimal.Decimal
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		n.Decimal = decimal.Zero
		return nil
	}
	if err := n.Decimal.UnmarshalJSON(b); err != nil {
		if b[0] == '"' {
			n.Decimal = decimal.Zero
			return nil
		}
		return err
	}
	return nil
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	Instrument string
	Amount     decimal.Decimal
	Type       domain.OrderType
	Price      decimal.Decimal // <= 0 时不发送（市价）
	Side       domain.Side     // 为空默认买入
	Label      string          // 可选客户端标签
}

// OrderAck 交易所返回的订单记录
type OrderAck struct {
	OrderID             string `json:"order_id"`
	OrderState          string `json:"order_state"`
	InstrumentName      string `json:"instrument_name"`
	Amount              Number `json:"amount"`
	FilledAmount        Number `json:"filled_amount"`
	Price               Number `json:"price"`
	AveragePrice        Number `json:"average_price"`
	Direction           string `json:"direction"`
	OrderType           string `json:"order_type"`
	Label               string `json:"label"`
	CreationTimestamp   int64  `json:"creation_timestamp"`
	LastUpdateTimestamp int64  `json:"last_update_timestamp"`
}

// Status 把交易所订单状态映射为本地状态
// untriggered（条件单未触发）视为挂单中
func (a *OrderAck) Status() (domain.OrderStatus, bool) {
	switch a.OrderState {
	case "open", "untriggered":
		return domain.OrderStatusOpen, true
	case "filled":
		return domain.OrderStatusFilled, true
	case "cancelled":
		return domain.OrderStatusCancelled, true
	case "rejected":
		return domain.OrderStatusRejected, true
	}
	return "", false
}

// CreatedAt 交易所创建时间（缺失时为零值）
func (a *OrderAck) CreatedAt() time.Time {
	if a.CreationTimestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.CreationTimestamp)
}

// orderEnvelope private/buy、private/sell、private/edit 的返回结构
type orderEnvelope struct {
	Order  *OrderAck         `json:"order"`
	Trades []json.RawMessage `json:"trades"`
}

// PriceLevel 订单簿档位 [price, amount]
type PriceLevel [2]Number

// Price 档位价格
func (l PriceLevel) Price() decimal.Decimal { return l[0].Decimal }

// Amount 档位数量
func (l PriceLevel) Amount() decimal.Decimal { return l[1].Decimal }

// OrderBook 订单簿快照
type OrderBook struct {
	InstrumentName string       `json:"instrument_name"`
	Timestamp      int64        `json:"timestamp"`
	State          string       `json:"state"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	BestBidPrice   Number       `json:"best_bid_price"`
	BestBidAmount  Number       `json:"best_bid_amount"`
	BestAskPrice   Number       `json:"best_ask_price"`
	BestAskAmount  Number       `json:"best_ask_amount"`
	MarkPrice      Number       `json:"mark_price"`
	IndexPrice     Number       `json:"index_price"`
	LastPrice      Number       `json:"last_price"`
}

// Position 持仓
type Position struct {
	InstrumentName     string `json:"instrument_name"`
	Kind               string `json:"kind"`
	Direction          string `json:"direction"`
	Size               Number `json:"size"` // 带符号：空头为负
	SizeCurrency       Number `json:"size_currency"`
	AveragePrice       Number `json:"average_price"`
	MarkPrice          Number `json:"mark_price"`
	FloatingProfitLoss Number `json:"floating_profit_loss"`
	TotalProfitLoss    Number `json:"total_profit_loss"`
}

// Instrument 合约信息
type Instrument struct {
	InstrumentName      string `json:"instrument_name"`
	Kind                string `json:"kind"`
	BaseCurrency        string `json:"base_currency"`
	QuoteCurrency       string `json:"quote_currency"`
	TickSize            Number `json:"tick_size"`
	MinTradeAmount      Number `json:"min_trade_amount"`
	ContractSize        Number `json:"contract_size"`
	IsActive            bool   `json:"is_active"`
	ExpirationTimestamp int64  `json:"expiration_timestamp"`
	SettlementPeriod    string `json:"settlement_period"`
}

// authResult public/auth 返回结构
type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // 秒
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}
