package service

import (
	"encoding/json"
	"strings"
	"time"

	"chatcore/internal/authz"
	"chatcore/internal/backplane"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/render"
	"chatcore/internal/session"
	"chatcore/internal/store"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RejectReason 是消息管道的稳定拒绝原因码。
type RejectReason string

const (
	RejectNotInRoom  RejectReason = "not_in_room"
	RejectEmpty      RejectReason = "empty"
	RejectTooLong    RejectReason = "too_long"
	RejectStoreError RejectReason = "store_error"
)

// PostResult 是 Post 的结果：要么 Delivered 带上分配的 id 与时间戳，
// 要么 Rejected 带原因码。
type PostResult struct {
	Delivered bool
	Reason    RejectReason
	ID        uint
	CreatedAt time.Time
}

func rejected(r RejectReason) PostResult { return PostResult{Reason: r} }

// MessageDTO 是对外输出与 backplane 广播共用的消息数据。
type MessageDTO struct {
	Type      string    `json:"type"`
	ID        uint      `json:"id"`
	RoomID    uint      `json:"room_id"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageService 实现消息管道：校验 -> 授权 -> 持久化 -> 广播。
type MessageService struct {
	db       *gorm.DB
	msgs     *store.MessageStore
	members  *store.MembershipStore
	sessions *session.Registry
	bus      backplane.Bus
	maxLen   int
	pageSize int
}

func NewMessageService(db *gorm.DB, msgs *store.MessageStore, members *store.MembershipStore,
	sessions *session.Registry, bus backplane.Bus, maxLen, pageSize int) *MessageService {
	if maxLen <= 0 {
		maxLen = 4096
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &MessageService{
		db: db, msgs: msgs, members: members,
		sessions: sessions, bus: bus, maxLen: maxLen, pageSize: pageSize,
	}
}

// Post 处理一条入站消息。每一步都是硬门槛：
// 会话必须已加入目标房间；消息体非空且不超长；持久化失败绝不广播。
// 发布成功后所有订阅该房间的进程（含本进程、含发送者自己的连接）
// 都会经由同一条广播路径收到这条消息。
func (s *MessageService) Post(connID string, roomID uint, rawBody string) PostResult {
	sess, err := s.sessions.Lookup(connID)
	if err != nil || !sess.Joined(roomID) {
		return rejected(RejectNotInRoom)
	}
	if strings.TrimSpace(rawBody) == "" {
		return rejected(RejectEmpty)
	}
	if len(rawBody) > s.maxLen {
		return rejected(RejectTooLong)
	}

	safe := render.Message(rawBody)

	msg, err := s.msgs.Append(roomID, sess.UserID, safe)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Uint("user_id", sess.UserID).Msg("append message")
		return rejected(RejectStoreError)
	}

	dto := MessageDTO{
		Type:      "message",
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		Username:  sess.Username,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	payload, err := json.Marshal(dto)
	if err == nil {
		// 已持久化的消息即使发布失败也算送达，掉线的订阅方靠 history 补齐。
		if err := s.bus.Publish(roomID, payload); err != nil {
			log.Warn().Err(err).Uint("room_id", roomID).Uint("msg_id", msg.ID).Msg("backplane publish")
		}
	}
	metrics.WsMessagesTotal.Inc()

	return PostResult{Delivered: true, ID: msg.ID, CreatedAt: msg.CreatedAt}
}

// Replay 按 id 升序返回某连接已加入房间的历史消息，从 sinceID 之后开始，
// 单页最多 pageSize 条。加入时回放传 0，断线重连传最后见到的 id 增量补齐。
func (s *MessageService) Replay(connID string, roomID, sinceID uint) ([]MessageDTO, RejectReason) {
	sess, err := s.sessions.Lookup(connID)
	if err != nil || !sess.Joined(roomID) {
		return nil, RejectNotInRoom
	}
	msgs, err := s.msgs.ListSince(roomID, sinceID, s.pageSize)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("replay history")
		return nil, RejectStoreError
	}
	out, err := s.toDTOs(msgs)
	if err != nil {
		return nil, RejectStoreError
	}
	return out, ""
}

// HistoryForUser 是 REST 侧的历史查询，按成员关系而非连接状态授权。
func (s *MessageService) HistoryForUser(roomID, userID, sinceID uint, limit int) (authz.Decision, []MessageDTO, error) {
	d, err := authz.Authorize(s.members, roomID, userID, authz.ActionRead, 0)
	if err != nil || !d.Allow {
		return d, nil, err
	}
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}
	msgs, err := s.msgs.ListSince(roomID, sinceID, limit)
	if err != nil {
		return d, nil, err
	}
	out, err := s.toDTOs(msgs)
	return d, out, err
}

func (s *MessageService) toDTOs(msgs []models.Message) ([]MessageDTO, error) {
	names, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			Type:      "message",
			ID:        m.ID,
			RoomID:    m.RoomID,
			UserID:    m.UserID,
			Username:  names[m.UserID],
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
