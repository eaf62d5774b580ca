package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	gorillaWS "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/feed"
	"github.com/betbot/goquant/internal/hub"
	"github.com/betbot/goquant/pkg/logger"
)

const (
	orderbookDepth = 5  // 显示订单簿的深度（买五、卖五）
	maxOrderRows   = 10 // 最近订单显示条数
	reconnectDelay = 3 * time.Second
)

var decimalTwo = decimal.NewFromInt(2)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238"))

	bidStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")) // 绿色

	askStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	priceStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

// wireFrame 下行帧，data 延迟解析
type wireFrame struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Timestamp int64           `json:"ts"`
}

// model 是应用程序的状态
type model struct {
	url     string
	symbols []string

	books  map[string]feed.BookView
	orders []feed.OrderView

	connected  bool
	lastUpdate time.Time
	frames     int
	err        error

	conn   *gorillaWS.Conn
	frameC chan wireFrame
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

type tickMsg time.Time

type connectedMsg struct {
	conn   *gorillaWS.Conn
	frameC chan wireFrame
}

type frameMsg wireFrame

type disconnectedMsg struct{ err error }

type reconnectMsg struct{}

func initialModel(url string, symbols []string, log *logrus.Entry) model {
	ctx, cancel := context.WithCancel(context.Background())
	return model{
		url:     url,
		symbols: symbols,
		books:   make(map[string]feed.BookView),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), connectCmd(m.ctx, m.url, m.symbols, m.log))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			if m.conn != nil {
				_ = m.conn.Close()
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickCmd()

	case connectedMsg:
		m.conn = msg.conn
		m.frameC = msg.frameC
		m.connected = true
		m.err = nil
		return m, waitForFrame(m.frameC)

	case frameMsg:
		m.apply(wireFrame(msg))
		return m, waitForFrame(m.frameC)

	case disconnectedMsg:
		m.connected = false
		m.conn = nil
		m.err = msg.err
		if m.ctx.Err() != nil {
			return m, nil
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, connectCmd(m.ctx, m.url, m.symbols, m.log)

	case error:
		m.err = msg
		return m, nil
	}
	return m, nil
}

func (m *model) apply(f wireFrame) {
	m.frames++
	m.lastUpdate = time.Now()
	switch f.Type {
	case hub.TypeOrderBook:
		var book feed.BookView
		if err := json.Unmarshal(f.Data, &book); err != nil {
			m.log.Warnf("解析订单簿失败: %v", err)
			return
		}
		m.books[f.Symbol] = book
	case hub.TypeOrder:
		var o feed.OrderView
		if err := json.Unmarshal(f.Data, &o); err != nil {
			m.log.Warnf("解析订单失败: %v", err)
			return
		}
		m.upsertOrder(o)
	case hub.TypeError:
		m.err = fmt.Errorf("hub: %s", f.Error)
	}
}

func (m *model) upsertOrder(o feed.OrderView) {
	for i := range m.orders {
		if m.orders[i].OrderID == o.OrderID {
			m.orders[i] = o
			return
		}
	}
	m.orders = append([]feed.OrderView{o}, m.orders...)
	if len(m.orders) > maxOrderRows {
		m.orders = m.orders[:maxOrderRows]
	}
}

func (m model) View() string {
	var s strings.Builder

	status := "🔴 未连接"
	if m.connected {
		status = "🟢 已连接"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("Deribit 行情监控  %s  %s", m.url, status)))
	s.WriteString("\n\n")

	symbols := append([]string(nil), m.symbols...)
	sort.Strings(symbols)
	var boxes []string
	for _, sym := range symbols {
		book, ok := m.books[sym]
		if !ok {
			boxes = append(boxes, borderStyle.Render(titleStyle.Render(sym)+"\n\n  等待数据..."))
			continue
		}
		boxes = append(boxes, renderOrderbook(sym, book))
	}
	if len(boxes) > 0 {
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		s.WriteString("\n\n")
	}

	s.WriteString(titleStyle.Render("最近订单"))
	s.WriteString("\n")
	if len(m.orders) == 0 {
		s.WriteString(dimStyle.Render("  --"))
		s.WriteString("\n")
	}
	for _, o := range m.orders {
		line := fmt.Sprintf("  %-12s %-18s %-4s %-6s %8s @ %-10s %s/%s",
			o.OrderID, o.Instrument, o.Side, o.Type, o.Amount.String(), o.Price.String(), o.FilledAmount.String(), o.Status)
		if o.Side == "sell" {
			s.WriteString(askStyle.Render(line))
		} else {
			s.WriteString(bidStyle.Render(line))
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	footer := fmt.Sprintf("帧数: %d", m.frames)
	if !m.lastUpdate.IsZero() {
		footer += "  最后更新: " + m.lastUpdate.Format("15:04:05")
	}
	if m.err != nil {
		footer += "  错误: " + m.err.Error()
	}
	s.WriteString(dimStyle.Render(footer))
	s.WriteString("\n")
	s.WriteString(dimStyle.Render("按 q 退出"))
	return s.String()
}

func renderOrderbook(title string, book feed.BookView) string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(title))
	s.WriteString("\n\n")

	// 卖单从高到低显示，最接近盘口的在下
	s.WriteString(askStyle.Render("卖单 (Asks)"))
	s.WriteString("\n")
	asks := book.Asks
	if len(asks) > orderbookDepth {
		asks = asks[:orderbookDepth]
	}
	if len(asks) == 0 {
		s.WriteString("  --\n")
	}
	for i := len(asks) - 1; i >= 0; i-- {
		s.WriteString(fmt.Sprintf("  %12s  %10s\n", asks[i].Price.StringFixed(2), asks[i].Amount.String()))
	}

	s.WriteString("\n")
	switch {
	case len(book.Bids) > 0 && len(book.Asks) > 0:
		mid := book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimalTwo)
		s.WriteString(priceStyle.Render("中间价: " + mid.StringFixed(2)))
	case !book.MarkPrice.IsZero():
		s.WriteString(priceStyle.Render("标记价: " + book.MarkPrice.StringFixed(2)))
	default:
		s.WriteString("中间价: --")
	}
	s.WriteString("\n\n")

	s.WriteString(bidStyle.Render("买单 (Bids)"))
	s.WriteString("\n")
	if len(book.Bids) == 0 {
		s.WriteString("  --\n")
	}
	for i := 0; i < len(book.Bids) && i < orderbookDepth; i++ {
		s.WriteString(fmt.Sprintf("  %12s  %10s\n", book.Bids[i].Price.StringFixed(2), book.Bids[i].Amount.String()))
	}
	return borderStyle.Render(s.String())
}

// Commands

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// connectCmd 连接订阅中心并订阅所有合约，读循环把帧写入 frameC
func connectCmd(ctx context.Context, url string, symbols []string, log *logrus.Entry) tea.Cmd {
	return func() tea.Msg {
		dialer := gorillaWS.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Errorf("连接失败 %s: %v", url, err)
			return disconnectedMsg{err: err}
		}
		for _, sym := range symbols {
			if err := conn.WriteJSON(hub.ControlFrame{Action: hub.ActionSubscribe, Symbol: sym}); err != nil {
				_ = conn.Close()
				return disconnectedMsg{err: err}
			}
		}
		log.Infof("✅ 已连接 %s，订阅 %v", url, symbols)

		frameC := make(chan wireFrame, 64)
		go readLoop(conn, frameC, log)
		return connectedMsg{conn: conn, frameC: frameC}
	}
}

func readLoop(conn *gorillaWS.Conn, frameC chan<- wireFrame, log *logrus.Entry) {
	defer close(frameC)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("读取失败: %v", err)
			return
		}
		var f wireFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warnf("无法解析的帧: %s", string(raw))
			continue
		}
		frameC <- f
	}
}

func waitForFrame(frameC <-chan wireFrame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-frameC
		if !ok {
			return disconnectedMsg{err: fmt.Errorf("连接已断开")}
		}
		return frameMsg(f)
	}
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "订阅中心 WebSocket 地址")
	symbolsFlag := flag.String("symbols", "BTC-PERPETUAL,ETH-PERPETUAL", "订阅的合约（逗号分隔）")
	logFile := flag.String("log", "logs/feed-monitor.log", "日志文件（TUI 模式下不输出到终端）")
	flag.Parse()

	var symbols []string
	for _, s := range strings.Split(*symbolsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}

	console := false
	base, closer, err := logger.New(logger.Config{Level: "info", OutputFile: *logFile, Console: &console})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	p := tea.NewProgram(initialModel(*url, symbols, logger.Component(base, "feed_monitor")), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "运行程序失败: %v\n", err)
		os.Exit(1)
	}
}
