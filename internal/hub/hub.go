// Package hub 管理下游 WebSocket 客户端及其按合约的订阅关系
package hub

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/domain"
	"github.com/betbot/goquant/internal/metrics"
)

var (
	// ErrClientNotFound 客户端不存在或已断开
	ErrClientNotFound = errors.New("client not found")
	// ErrSendQueueFull 客户端发送队列已满，消息被丢弃
	ErrSendQueueFull = errors.New("client send queue full")
	// ErrHubClosed hub 已停止，不能再次启动
	ErrHubClosed = errors.New("hub closed")
)

// MessageHandler 非控制帧回调
type MessageHandler func(clientID string, msg []byte)

// ConnHandler 连接/断开回调
type ConnHandler func(clientID string)

// Config hub 配置
type Config struct {
	Addr           string        // 监听地址，例如 :8080
	SendQueueSize  int           // 每个客户端的发送队列长度
	WriteTimeout   time.Duration // 单帧写超时
	PongWait       time.Duration // 读超时（收到 pong 后续期）
	MaxMessageSize int64         // 客户端上行帧最大字节数
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Hub 订阅中心
// mu 同时保护 clients 与 symbols 两个索引，接入、断开、广播、单发都经过它
type Hub struct {
	cfg      Config
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	symbols map[string]map[string]*Client // symbol -> clientID -> client
	closed  bool

	handlersMu   sync.RWMutex
	onMessage    []MessageHandler
	onConnect    []ConnHandler
	onDisconnect []ConnHandler

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	srv         *http.Server
	ln          net.Listener
	done        chan struct{}
}

// New 创建 hub（尚未监听）
func New(cfg Config, log *logrus.Entry) *Hub {
	cfg.setDefaults()
	if log == nil {
		log = logrus.WithField("component", "hub")
	}
	return &Hub{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
		symbols: make(map[string]map[string]*Client),
		done:    make(chan struct{}),
	}
}

// Start 开始监听并接受连接；ctx 取消时自动 Stop
func (h *Hub) Start(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	if h.stopped {
		return ErrHubClosed
	}
	if h.started {
		return errors.New("hub already started")
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", h.cfg.Addr)
	}
	h.ln = ln
	h.srv = &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.started = true

	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorf("❌ hub 服务异常退出: %v", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Stop()
		case <-h.done:
		}
	}()

	h.log.Infof("📡 hub 已启动: ws://%s/ws", ln.Addr())
	return nil
}

// Router 返回 hub 的 HTTP 路由（/ws 与 /healthz）
func (h *Hub) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": h.ClientCount()})
	})
	r.GET("/ws", h.handleWS)
	return r
}

// Addr 实际监听地址（未启动时为空）
func (h *Hub) Addr() string {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Stop 关闭所有客户端连接并释放监听端口；可重复调用
// 断开回调在释放 lifecycleMu 之后触发，回调内可以调用 Addr/Stop
func (h *Hub) Stop() error {
	h.lifecycleMu.Lock()
	if h.stopped {
		h.lifecycleMu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.done)
	srv := h.srv

	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	h.lifecycleMu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return errors.Wrap(err, "shutdown hub server")
	}
	h.log.Infof("📡 hub 已停止（断开 %d 个客户端）", len(clients))
	return nil
}

func (h *Hub) handleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("WebSocket 升级失败: %v", err)
		return
	}
	client := newClient(uuid.NewString(), c.Request.RemoteAddr, conn, h.cfg.SendQueueSize, h.log)
	if !h.register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"))
		_ = conn.Close()
		return
	}

	go client.writePump(h.cfg.WriteTimeout, h.cfg.PongWait*9/10)
	h.fireConnect(client.id)

	client.readPump(h.cfg.MaxMessageSize, h.cfg.PongWait, func(raw []byte) {
		h.handleFrame(client, raw)
	})
	h.remove(client)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	metrics.HubClients.Add(1)
	h.log.Infof("🔌 客户端接入: id=%s remote=%s", c.id, c.remote)
	return true
}

// remove 注销客户端：先从所有索引中移除，再关闭发送队列
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; !ok || cur != c {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c.id)
	for symbol := range c.symbols {
		h.dropSubscriberLocked(symbol, c.id)
	}
	c.symbols = nil
	h.mu.Unlock()

	c.closeSend()
	metrics.HubClients.Add(-1)
	h.log.Infof("🔌 客户端断开: id=%s", c.id)
	h.fireDisconnect(c.id)
	return true
}

func (h *Hub) dropSubscriberLocked(symbol, clientID string) {
	subs := h.symbols[symbol]
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.symbols, symbol)
	}
}

func (h *Hub) handleFrame(c *Client, raw []byte) {
	ctrl, ok := parseControl(raw)
	if !ok {
		h.fireMessage(c.id, raw)
		return
	}

	var reply []byte
	switch strings.ToLower(ctrl.Action) {
	case ActionSubscribe:
		if err := h.Subscribe(c.id, ctrl.Symbol); err != nil {
			reply = encodeReply(TypeError, ctrl.Symbol, err.Error())
		} else {
			reply = encodeReply(TypeSubscribed, strings.TrimSpace(ctrl.Symbol), "")
		}
	case ActionUnsubscribe:
		if err := h.Unsubscribe(c.id, ctrl.Symbol); err != nil {
			reply = encodeReply(TypeError, ctrl.Symbol, err.Error())
		} else {
			reply = encodeReply(TypeUnsubscribed, strings.TrimSpace(ctrl.Symbol), "")
		}
	case ActionPing:
		reply = encodeReply(TypePong, "", "")
	default:
		reply = encodeReply(TypeError, ctrl.Symbol, "unknown action: "+ctrl.Action)
	}
	c.enqueue(reply)
}

// Subscribe 订阅合约；重复订阅无副作用
func (h *Hub) Subscribe(clientID, symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return domain.NewValidationError("symbol", "symbol is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return errors.Wrapf(ErrClientNotFound, "client %s", clientID)
	}
	if _, dup := c.symbols[symbol]; dup {
		return nil
	}
	c.symbols[symbol] = struct{}{}
	subs := h.symbols[symbol]
	if subs == nil {
		subs = make(map[string]*Client)
		h.symbols[symbol] = subs
	}
	subs[clientID] = c
	h.log.Debugf("订阅: client=%s symbol=%s", clientID, symbol)
	return nil
}

// Unsubscribe 取消订阅；未订阅时无副作用
func (h *Hub) Unsubscribe(clientID, symbol string) error {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return domain.NewValidationError("symbol", "symbol is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return errors.Wrapf(ErrClientNotFound, "client %s", clientID)
	}
	if _, had := c.symbols[symbol]; !had {
		return nil
	}
	delete(c.symbols, symbol)
	h.dropSubscriberLocked(symbol, clientID)
	return nil
}

// Broadcast 发给所有已连接客户端（不看订阅），返回成功入队的客户端数
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		if ok, _ := c.enqueue(msg); ok {
			delivered++
		}
	}
	return delivered
}

// Publish 发给订阅了 symbol 的客户端，每个客户端恰好一次
func (h *Hub) Publish(symbol string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.symbols[symbol] {
		if ok, _ := c.enqueue(msg); ok {
			delivered++
		}
	}
	return delivered
}

// SendToClient 发给单个客户端
func (h *Hub) SendToClient(clientID string, msg []byte) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		h.log.Debugf("单发失败，客户端不存在: %s", clientID)
		return errors.Wrapf(ErrClientNotFound, "client %s", clientID)
	}
	sent, closed := c.enqueue(msg)
	switch {
	case closed:
		h.log.Debugf("单发失败，客户端已断开: %s", clientID)
		return errors.Wrapf(ErrClientNotFound, "client %s", clientID)
	case !sent:
		return errors.Wrapf(ErrSendQueueFull, "client %s", clientID)
	}
	return nil
}

// OnMessage 注册非控制帧回调（在客户端读协程中调用）
func (h *Hub) OnMessage(handler MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.onMessage = append(h.onMessage, handler)
}

// OnConnect 注册连接回调
func (h *Hub) OnConnect(handler ConnHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.onConnect = append(h.onConnect, handler)
}

// OnDisconnect 注册断开回调（客户端已从所有订阅中移除）
func (h *Hub) OnDisconnect(handler ConnHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.onDisconnect = append(h.onDisconnect, handler)
}

func (h *Hub) fireMessage(clientID string, msg []byte) {
	h.handlersMu.RLock()
	handlers := append([]MessageHandler(nil), h.onMessage...)
	h.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(clientID, msg)
	}
}

func (h *Hub) fireConnect(clientID string) {
	h.handlersMu.RLock()
	handlers := append([]ConnHandler(nil), h.onConnect...)
	h.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(clientID)
	}
}

func (h *Hub) fireDisconnect(clientID string) {
	h.handlersMu.RLock()
	handlers := append([]ConnHandler(nil), h.onDisconnect...)
	h.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(clientID)
	}
}

// Clients 当前连接的客户端 ID（已排序）
func (h *Hub) Clients() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers 订阅了 symbol 的客户端 ID（已排序）
func (h *Hub) Subscribers(symbol string) []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.symbols[symbol]))
	for id := range h.symbols[symbol] {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Symbols 至少有一个订阅者的合约（已排序）
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.symbols))
	for s := range h.symbols {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}
