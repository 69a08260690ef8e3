package server

import (
	"encoding/json"
	"sync"
	"time"

	"Prerelease/core/profile"
	"Prerelease/logger"

	"github.com/gorilla/websocket"
)

// MessageType 消息类型
type MessageType string

const (
	MsgTypeStatus         MessageType = "status"          // 同步状态推送
	MsgTypeUsername       MessageType = "username"        // 用户名输入（客户端 -> 服务端）
	MsgTypeUsernameCancel MessageType = "username_cancel" // 离开设置页面，放弃检查
	MsgTypeUsernameCheck  MessageType = "username_check"  // 用户名检查结果
	MsgTypePing           MessageType = "ping"
	MsgTypePong           MessageType = "pong"
	MsgTypeError          MessageType = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Value     string          `json:"value,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client 一个展示层连接，持有自己的用户名检查器
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	checker *profile.UsernameChecker

	mu     sync.Mutex
	closed bool
}

// Hub WebSocket 连接管理中心
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.enqueue(msg) {
					logger.Debug("websocket 发送缓冲区已满，丢弃消息")
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				client.shutdown()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
	}
	h.mu.Unlock()
	client.shutdown()
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.shutdown()
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast 向所有连接广播
func (h *Hub) Broadcast(msg *WSMessage) {
	data, err := encodeMessage(msg)
	if err != nil {
		logger.Error("编码广播消息失败", logger.ErrorField(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// CancelChecks 取消所有连接上的用户名检查（重置时调用）
func (h *Hub) CancelChecks() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.checker != nil {
			client.checker.Cancel()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeMessage(msg *WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UnixMilli()
	return json.Marshal(msg)
}

// enqueue 非阻塞写入发送队列，连接已关闭或队列已满时返回 false
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendMessage 发送消息给客户端
func (c *Client) SendMessage(msg *WSMessage) {
	data, err := encodeMessage(msg)
	if err != nil {
		logger.Error("编码消息失败", logger.ErrorField(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) shutdown() {
	if c.checker != nil {
		c.checker.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump 读取消息循环
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format", logger.ErrorField(err))
			c.SendMessage(&WSMessage{Type: MsgTypeError, Value: "invalid message format"})
			continue
		}

		switch msg.Type {
		case MsgTypePing:
			c.SendMessage(&WSMessage{Type: MsgTypePong})
		case MsgTypeUsername:
			c.checker.Submit(msg.Value)
		case MsgTypeUsernameCancel:
			c.checker.Cancel()
		default:
			c.SendMessage(&WSMessage{Type: MsgTypeError, Value: "unknown message type " + string(msg.Type)})
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
