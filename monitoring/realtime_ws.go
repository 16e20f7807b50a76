package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 消息类型
type MessageType string

const (
	PredictionMade MessageType = "prediction"
	ModelStatus    MessageType = "model_status"
	Heartbeat      MessageType = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Message 推送消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// PredictionEvent 一次评分结果
type PredictionEvent struct {
	RequestID        string             `json:"request_id"`
	Class            int                `json:"class"`
	ProbabilityTrue  float64            `json:"probability_true"`
	ProbabilityFalse float64            `json:"probability_false"`
	Features         map[string]float64 `json:"features"`
	Cached           bool               `json:"cached"`
}

// ModelStatusEvent 当前服务的模型
type ModelStatusEvent struct {
	Path     string    `json:"path"`
	Features []string  `json:"features"`
	LoadedAt time.Time `json:"loaded_at"`
}

// HeartbeatEvent 心跳
type HeartbeatEvent struct {
	Clients int `json:"clients"`
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
}

// PredictionFeed 实时评分推送中心
type PredictionFeed struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger

	heartbeat time.Duration
	status    []byte
}

// NewPredictionFeed 创建推送中心；origins 为空或含 "*" 时不检查来源
func NewPredictionFeed(logger *zap.Logger, origins []string) *PredictionFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[origin] = true
	}

	return &PredictionFeed{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		heartbeat: pingInterval,
	}
}

// SetHeartbeatInterval 设置心跳间隔，须在 Start 之前调用
func (h *PredictionFeed) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}

// Start 运行推送循环，直到 Stop
func (h *PredictionFeed) Start() {
	defer h.logger.Info("prediction feed stopped")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			if h.status != nil {
				client.send <- h.status
			}
			h.mu.Unlock()
			h.logger.Info("feed client connected", zap.String("client", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("feed client disconnected", zap.String("client", client.clientID), zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			h.fanOut(message)
			h.mu.Unlock()

		case <-ticker.C:
			h.mu.Lock()
			if len(h.clients) > 0 {
				message, err := encodeMessage(Heartbeat, HeartbeatEvent{Clients: len(h.clients)})
				if err == nil {
					h.fanOut(message)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// fanOut 发送给所有客户端，写不进去的客户端被断开。调用方持有 h.mu
func (h *PredictionFeed) fanOut(message []byte) {
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Stop 停止推送中心并断开所有客户端
func (h *PredictionFeed) Stop() {
	h.cancel()
}

// ClientCount 当前连接数
func (h *PredictionFeed) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func (h *PredictionFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		clientID: uuid.NewString(),
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

// Publish 编码并广播一条消息；队列满时丢弃
func (h *PredictionFeed) Publish(msgType MessageType, data interface{}) error {
	message, err := encodeMessage(msgType, data)
	if err != nil {
		return err
	}
	h.enqueue(msgType, message)
	return nil
}

func (h *PredictionFeed) enqueue(msgType MessageType, message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("prediction feed queue is full, dropping message", zap.String("type", string(msgType)))
	}
}

func encodeMessage(msgType MessageType, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      payload,
		ID:        uuid.NewString(),
	})
}

// PublishPrediction 广播评分结果
func (h *PredictionFeed) PublishPrediction(event PredictionEvent) error {
	return h.Publish(PredictionMade, event)
}

// SetModelStatus 广播模型状态，并在之后每个新连接建立时先推送一次
func (h *PredictionFeed) SetModelStatus(event ModelStatusEvent) error {
	message, err := encodeMessage(ModelStatus, event)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.status = message
	h.mu.Unlock()
	h.enqueue(ModelStatus, message)
	return nil
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
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
				logger.Debug("websocket write failed", zap.String("client", c.clientID), zap.Error(err))
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

// readPump 只读取控制帧，客户端断开时注销
func (c *Client) readPump(h *PredictionFeed) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}
	}
}
