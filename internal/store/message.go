package store

import (
	"chatcore/internal/models"

	"gorm.io/gorm"
)

// MessageStore 是房间消息的追加日志。自增主键即消息顺序的唯一权威：
// 同一房间内并发写入由数据库串行化，id 严格递增。
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append 持久化一条消息并返回带 id 与时间戳的完整行。
func (s *MessageStore) Append(roomID, senderID uint, body string) (*models.Message, error) {
	msg := models.Message{RoomID: roomID, UserID: senderID, Content: body}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListSince 返回 id 大于 sinceID 的消息，按 id 升序，最多 limit 条。
func (s *MessageStore) ListSince(roomID, sinceID uint, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var msgs []models.Message
	err := s.db.Where("room_id = ? AND id > ?", roomID, sinceID).
		Order("id asc").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
