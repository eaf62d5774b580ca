package hub

import (
	"bytes"
	"encoding/json"
	"time"
)

// 客户端控制指令
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// 下行帧类型
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
	TypeOrderBook    = "orderbook"
	TypeOrder        = "order"
)

// ControlFrame 客户端发来的控制帧
type ControlFrame struct {
	Action string `json:"action"`
	Symbol string `json:"symbol,omitempty"`
}

// Frame 下行帧（回复与推送共用）
type Frame struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"ts"`
}

// EncodeFrame 编码推送帧
func EncodeFrame(typ, symbol string, data interface{}) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Symbol: symbol, Data: data, Timestamp: time.Now().UnixMilli()})
}

func encodeReply(typ, symbol, errMsg string) []byte {
	b, _ := json.Marshal(Frame{Type: typ, Symbol: symbol, Error: errMsg, Timestamp: time.Now().UnixMilli()})
	return b
}

// parseControl 解析控制帧；不是 JSON 对象或没有 action 字段时返回 false
func parseControl(raw []byte) (ControlFrame, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ControlFrame{}, false
	}
	var f ControlFrame
	if err := json.Unmarshal(trimmed, &f); err != nil || f.Action == "" {
		return ControlFrame{}, false
	}
	return f, true
}
