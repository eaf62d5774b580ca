package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/metrics"
)

// Client 一个 WebSocket 客户端连接
// send 队列只有 writePump 一个消费者；关闭队列在 mu 下进行，且发生在客户端从 hub 中移除之后
type Client struct {
	id          string
	remote      string
	connectedAt time.Time
	conn        *websocket.Conn
	log         *logrus.Entry

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// symbols 由 Hub.mu 保护
	symbols map[string]struct{}
}

func newClient(id, remote string, conn *websocket.Conn, queueSize int, log *logrus.Entry) *Client {
	return &Client{
		id:          id,
		remote:      remote,
		connectedAt: time.Now(),
		conn:        conn,
		log:         log.WithField("client", id),
		send:        make(chan []byte, queueSize),
		symbols:     make(map[string]struct{}),
	}
}

// ID 客户端 ID
func (c *Client) ID() string { return c.id }

// enqueue 非阻塞入队；队列满时丢弃该帧，只影响这个客户端
func (c *Client) enqueue(msg []byte) (ok bool, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, true
	}
	select {
	case c.send <- msg:
		return true, false
	default:
		metrics.HubDroppedFrames.Add(1)
		c.log.Warnf("⚠️ 发送队列已满，丢弃消息 (%d bytes)", len(msg))
		return false, false
	}
}

// closeSend 关闭发送队列，writePump 发送关闭帧后断开连接
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debugf("写入失败: %v", err)
				return
			}
			metrics.HubMessagesSent.Add(1)
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debugf("ping 失败: %v", err)
				return
			}
		}
	}
}

// readPump 阻塞读取直到连接出错；返回后由 hub 负责注销
func (c *Client) readPump(maxMessageSize int64, pongWait time.Duration, handle func(raw []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnf("连接异常断开: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(raw)
	}
}
