package store

import (
	"errors"

	"chatcore/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotOwner          = errors.New("not current owner")
	ErrTargetNotEligible = errors.New("target not an eligible member")
)

// MembershipStore 封装 (房间, 用户) -> 角色 的持久化操作。
type MembershipStore struct {
	db       *gorm.DB
	lockRows bool
}

func NewMembershipStore(db *gorm.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

// WithTx 返回绑定到事务 tx 的视图，点查带 FOR UPDATE 行锁。授权判定与
// 随后的写入共处同一事务时，判定读到的成员行在提交前不会被并发的
// 转移或封禁改掉。sqlite 方言没有行锁，忽略该子句。
func (s *MembershipStore) WithTx(tx *gorm.DB) *MembershipStore {
	return &MembershipStore{db: tx, lockRows: true}
}

// Get 点查成员关系，不存在返回 (nil, nil)。
func (s *MembershipStore) Get(roomID, userID uint) (*models.Membership, error) {
	q := s.db
	if s.lockRows {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m models.Membership
	err := q.Where("room_id = ? AND user_id = ?", roomID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Upsert 写入或更新角色，(room_id, user_id) 唯一索引保证不会出现重复行。
func (s *MembershipStore) Upsert(roomID, userID uint, role models.Role) error {
	m := models.Membership{RoomID: roomID, UserID: userID, Role: role}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&m).Error
}

func (s *MembershipStore) Delete(roomID, userID uint) error {
	return s.db.Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.Membership{}).Error
}

// ListMembers 返回房间全部成员（含 banned 行），按加入顺序。
func (s *MembershipStore) ListMembers(roomID uint) ([]models.Membership, error) {
	var ms []models.Membership
	if err := s.db.Where("room_id = ?", roomID).Order("id asc").Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// Transfer 在单个事务内完成所有权转移：旧 owner 降为 member，新 owner 升级，
// rooms.owner_id 同步更新。事务内以行锁复核双方角色，两个并发转移中
// 后到的那个在锁上等待，醒来后读到已降级的角色而失败，
// 任意时刻恰好一个 owner。
func (s *MembershipStore) Transfer(roomID, fromUserID, toUserID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var from models.Membership
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ? AND user_id = ?", roomID, fromUserID).First(&from).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotOwner
			}
			return err
		}
		if from.Role != models.RoleOwner {
			return ErrNotOwner
		}
		var to models.Membership
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ? AND user_id = ?", roomID, toUserID).First(&to).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTargetNotEligible
			}
			return err
		}
		if to.Role == models.RoleBanned {
			return ErrTargetNotEligible
		}
		if err := tx.Model(&models.Membership{}).Where("id = ?", from.ID).
			Update("role", models.RoleMember).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Membership{}).Where("id = ?", to.ID).
			Update("role", models.RoleOwner).Error; err != nil {
			return err
		}
		return tx.Model(&models.Room{}).Where("id = ?", roomID).
			Update("owner_id", toUserID).Error
	})
}
