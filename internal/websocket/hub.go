// Package websocket 向等待付款确认的客户端推送结算事件。
//
// 客户端按支付哈希订阅，收款确认（或发票过期）时收到一条终态
// 消息后连接即关闭。轮询仍然可用，推送只是锦上添花。
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lnemail/backend/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 跨域由 HTTP 层的 CORS 配置统一控制
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SettlementEvent 推送给订阅方的消息。
type SettlementEvent struct {
	PaymentHash string               `json:"payment_hash"`
	Status      domain.PaymentStatus `json:"status"`
	Paid        bool                 `json:"paid"`
}

// Hub 按支付哈希管理订阅连接。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]*websocket.Conn
	log         *zap.Logger
}

// NewHub 创建推送中心。
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string][]*websocket.Conn),
		log:         log,
	}
}

// Subscribe 将 HTTP 请求升级为 WebSocket 并登记到指定支付哈希。
func (h *Hub) Subscribe(c *gin.Context, paymentHash string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.subscribers[paymentHash] = append(h.subscribers[paymentHash], conn)
	h.mu.Unlock()

	// 读循环只为感知客户端断开，任何读错误都触发清理
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(paymentHash, conn)
				conn.Close()
				return
			}
		}
	}()
}

// NotifySettlement 向订阅了该支付哈希的全部连接推送终态并关闭。
func (h *Hub) NotifySettlement(paymentHash string, status domain.PaymentStatus) {
	h.mu.Lock()
	conns := h.subscribers[paymentHash]
	delete(h.subscribers, paymentHash)
	h.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	event := SettlementEvent{
		PaymentHash: paymentHash,
		Status:      status,
		Paid:        status == domain.PaymentStatusPaid,
	}
	deadline := time.Now().Add(5 * time.Second)
	for _, conn := range conns {
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteJSON(event); err != nil {
			h.log.Debug("failed to push settlement event", zap.Error(err))
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	h.log.Debug("settlement pushed",
		zap.String("payment_hash", paymentHash),
		zap.Int("subscribers", len(conns)),
	)
}

// Shutdown 关闭全部连接。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for hash, conns := range h.subscribers {
		for _, conn := range conns {
			conn.Close()
		}
		delete(h.subscribers, hash)
	}
}

func (h *Hub) remove(paymentHash string, target *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.subscribers[paymentHash]
	for i, conn := range conns {
		if conn == target {
			h.subscribers[paymentHash] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.subscribers[paymentHash]) == 0 {
		delete(h.subscribers, paymentHash)
	}
}
