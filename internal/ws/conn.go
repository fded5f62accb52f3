package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/service"
	"chatcore/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Client 是一条已认证的 websocket 连接，可同时加入多个房间。
// 入站事件在 readPump 中逐条处理，不同连接之间并发。
type Client struct {
	gw        *Gateway
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	connID    string
	userID    uint
	uname     string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundEvent 是客户端发来的事件。join 支持 room_ids 批量加入。
type inboundEvent struct {
	Type    string `json:"type"`
	RoomID  uint   `json:"room_id,omitempty"`
	RoomIDs []uint `json:"room_ids,omitempty"`
	Content string `json:"content,omitempty"`
	SinceID uint   `json:"since_id,omitempty"`
}

type errorEvent struct {
	Type   string `json:"type"`
	RoomID uint   `json:"room_id,omitempty"`
	Reason string `json:"reason"`
}

type ackEvent struct {
	Type      string    `json:"type"`
	RoomID    uint      `json:"room_id"`
	ID        uint      `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type roomEvent struct {
	Type   string `json:"type"`
	RoomID uint   `json:"room_id"`
}

type historyEvent struct {
	Type     string               `json:"type"`
	RoomID   uint                 `json:"room_id"`
	Messages []service.MessageDTO `json:"messages"`
}

// Gateway 聚合 ws 端点依赖的服务与注册表。
type Gateway struct {
	hub      *Hub
	db       *gorm.DB
	cfg      config.Config
	sessions *session.Registry
	rooms    *service.RoomService
	msgs     *service.MessageService
}

func NewGateway(hub *Hub, db *gorm.DB, cfg config.Config, sessions *session.Registry,
	rooms *service.RoomService, msgs *service.MessageService) *Gateway {
	return &Gateway{hub: hub, db: db, cfg: cfg, sessions: sessions, rooms: rooms, msgs: msgs}
}

// Serve 处理 /ws 握手：校验 token、建立会话、启动收发泵。
// 加入房间走连接建立后的 join 事件，不在握手阶段处理。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, g.cfg.JWTSecret)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := g.db.First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		connID := uuid.NewString()
		if err := g.sessions.Register(connID, user.ID, user.Username); err != nil {
			_ = conn.Close()
			return
		}
		metrics.WsConnections.Inc()

		client := &Client{
			gw:     g,
			conn:   conn,
			send:   make(chan []byte, 256),
			done:   make(chan struct{}),
			connID: connID,
			userID: user.ID,
			uname:  user.Username,
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue 非阻塞投递，缓冲打满的慢消费者直接断开，靠重连后的
// history 补齐错过的消息。
func (c *Client) enqueue(b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		log.Warn().Str("conn_id", c.connID).Msg("slow consumer, dropping connection")
		c.close()
	}
}

func (c *Client) emit(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) emitError(roomID uint, reason string) {
	c.emit(errorEvent{Type: "error", RoomID: roomID, Reason: reason})
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		rooms := c.gw.sessions.Unregister(c.connID)
		c.gw.hub.LeaveAll(c, rooms)
		metrics.WsConnections.Dec()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in inboundEvent
		if err := json.Unmarshal(data, &in); err != nil {
			c.emitError(0, "bad_payload")
			continue
		}
		c.dispatch(in)
	}
}

// dispatch 把入站事件映射到会话状态变更与服务调用。所有拒绝只回给
// 本连接，绝不广播。
func (c *Client) dispatch(in inboundEvent) {
	switch in.Type {
	case "join":
		ids := in.RoomIDs
		if len(ids) == 0 && in.RoomID != 0 {
			ids = []uint{in.RoomID}
		}
		if len(ids) == 0 {
			c.emitError(0, "bad_payload")
			return
		}
		for _, roomID := range ids {
			c.handleJoin(roomID)
		}
	case "leave":
		if in.RoomID == 0 {
			c.emitError(0, "bad_payload")
			return
		}
		_ = c.gw.sessions.LeaveRoom(c.connID, in.RoomID)
		c.gw.hub.Leave(c, in.RoomID)
		c.emit(roomEvent{Type: "left", RoomID: in.RoomID})
	case "message":
		res := c.gw.msgs.Post(c.connID, in.RoomID, in.Content)
		if !res.Delivered {
			c.emitError(in.RoomID, string(res.Reason))
			return
		}
		c.emit(ackEvent{Type: "ack", RoomID: in.RoomID, ID: res.ID, CreatedAt: res.CreatedAt})
	case "history":
		msgs, rej := c.gw.msgs.Replay(c.connID, in.RoomID, in.SinceID)
		if rej != "" {
			c.emitError(in.RoomID, string(rej))
			return
		}
		c.emit(historyEvent{Type: "history", RoomID: in.RoomID, Messages: msgs})
	default:
		c.emitError(0, "bad_payload")
	}
}

// handleJoin 完成一次房间加入：成员关系授权 -> 会话登记 -> 扇出表
// 订阅 -> 历史回放。任何一步失败都回滚前面的会话状态。
func (c *Client) handleJoin(roomID uint) {
	d, err := c.gw.rooms.Join(roomID, c.userID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.emitError(roomID, "room_not_found")
			return
		}
		log.Error().Err(err).Uint("room_id", roomID).Uint("user_id", c.userID).Msg("ws join")
		c.emitError(roomID, "store_error")
		return
	}
	if !d.Allow {
		c.emitError(roomID, string(d.Reason))
		return
	}
	if err := c.gw.sessions.JoinRoom(c.connID, roomID); err != nil {
		c.emitError(roomID, "store_error")
		return
	}
	if err := c.gw.hub.Join(c, roomID); err != nil {
		_ = c.gw.sessions.LeaveRoom(c.connID, roomID)
		log.Error().Err(err).Uint("room_id", roomID).Msg("backplane subscribe")
		c.emitError(roomID, "store_error")
		return
	}
	c.emit(roomEvent{Type: "joined", RoomID: roomID})
	msgs, rej := c.gw.msgs.Replay(c.connID, roomID, 0)
	if rej != "" {
		c.emitError(roomID, string(rej))
		return
	}
	c.emit(historyEvent{Type: "history", RoomID: roomID, Messages: msgs})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
