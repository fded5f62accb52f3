package service

import (
	"errors"

	"chatcore/internal/authz"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"gorm.io/gorm"
)

// Presence 报告房间当前在线连接数，由 ws.Hub 实现。
type Presence interface {
	Online(roomID uint) int
}

// RoomService 封装房间与成员管理的业务逻辑。每个操作先走授权引擎，
// Deny 原样返回给调用方，store 错误单独返回。改变成员关系的操作把
// 授权判定与写入放进同一个事务，判定读到的成员行带行锁，
// 与并发的所有权转移互斥。
type RoomService struct {
	db       *gorm.DB
	members  *store.MembershipStore
	presence Presence
}

func NewRoomService(db *gorm.DB, members *store.MembershipStore, presence Presence) *RoomService {
	return &RoomService{db: db, members: members, presence: presence}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     uint   `json:"owner_id"`
	Online      int    `json:"online"`
}

// MemberDTO 是对外输出的成员数据。
type MemberDTO struct {
	UserID   uint        `json:"user_id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

// Create 建房。房间行与建房者的 owner 成员行在同一事务内写入，
// 房间自诞生起就满足"恰好一个 owner"。
func (s *RoomService) Create(name, description string, ownerID uint) (*RoomDTO, error) {
	var room models.Room
	err := s.db.Transaction(func(tx *gorm.DB) error {
		room = models.Room{Name: name, Description: description, OwnerID: ownerID}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		m := models.Membership{RoomID: room.ID, UserID: ownerID, Role: models.RoleOwner}
		return tx.Create(&m).Error
	})
	if err != nil {
		return nil, err
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, Description: room.Description, OwnerID: ownerID}, nil
}

// List 返回房间列表，附带各房间的在线人数。
func (s *RoomService) List(limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := s.db.Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			OwnerID:     r.OwnerID,
			Online:      s.presence.Online(r.ID),
		})
	}
	return out, nil
}

// Exists 检查房间是否存在。
func (s *RoomService) Exists(roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Delete 删房，仅 owner 可操作。授权判定、消息、成员关系、房间行
// 在同一事务内完成。
func (s *RoomService) Delete(roomID, actorID uint) (authz.Decision, error) {
	if _, err := s.Exists(roomID); err != nil {
		return authz.Decision{}, err
	}
	var d authz.Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		d, err = authz.Authorize(s.members.WithTx(tx), roomID, actorID, authz.ActionDeleteRoom, 0)
		if err != nil || !d.Allow {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Membership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Room{}, roomID).Error
	})
	return d, err
}

// Update 修改房间元数据，admin 及以上可操作。
func (s *RoomService) Update(roomID, actorID uint, name, description string) (authz.Decision, error) {
	if _, err := s.Exists(roomID); err != nil {
		return authz.Decision{}, err
	}
	d, err := authz.Authorize(s.members, roomID, actorID, authz.ActionUpdateRoom, 0)
	if err != nil || !d.Allow {
		return d, err
	}
	updates := map[string]interface{}{}
	if name != "" {
		updates["name"] = name
	}
	if description != "" {
		updates["description"] = description
	}
	if len(updates) == 0 {
		return d, nil
	}
	err = s.db.Model(&models.Room{}).Where("id = ?", roomID).Updates(updates).Error
	return d, err
}

// Join 加入房间。无成员关系时写入 member 行；banned 拒绝；
// 已是成员时按幂等处理，直接放行且不重复写行。
func (s *RoomService) Join(roomID, userID uint) (authz.Decision, error) {
	if _, err := s.Exists(roomID); err != nil {
		return authz.Decision{}, err
	}
	var d authz.Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ms := s.members.WithTx(tx)
		var err error
		d, err = authz.Authorize(ms, roomID, userID, authz.ActionJoinRoom, 0)
		if err != nil {
			return err
		}
		if !d.Allow {
			if d.Reason == authz.ReasonAlreadyMember {
				d = authz.Decision{Allow: true}
			}
			return nil
		}
		return ms.Upsert(roomID, userID, models.RoleMember)
	})
	return d, err
}

// Leave 退出房间，owner 必须先转移或删房。
func (s *RoomService) Leave(roomID, userID uint) (authz.Decision, error) {
	var d authz.Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ms := s.members.WithTx(tx)
		var err error
		d, err = authz.Authorize(ms, roomID, userID, authz.ActionLeaveRoom, 0)
		if err != nil || !d.Allow {
			return err
		}
		return ms.Delete(roomID, userID)
	})
	return d, err
}

// Kick 移除成员。自己移除自己总是允许（owner 除外），
// 移除他人需要 admin 及以上，owner 行从不被移除。
func (s *RoomService) Kick(roomID, actorID, targetID uint) (authz.Decision, error) {
	var d authz.Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ms := s.members.WithTx(tx)
		var err error
		d, err = authz.Authorize(ms, roomID, actorID, authz.ActionKick, targetID)
		if err != nil || !d.Allow {
			return err
		}
		return ms.Delete(roomID, targetID)
	})
	return d, err
}

// SetRole 修改成员角色。升为 owner 等价于所有权转移，走 Transfer 的
// 原子路径；banned 只能通过 Ban 设置；目标为 owner 一律拒绝，
// owner 行不经 change_role 变化。
func (s *RoomService) SetRole(roomID, actorID, targetID uint, role models.Role) (authz.Decision, error) {
	switch role {
	case models.RoleOwner:
		return s.Transfer(roomID, actorID, targetID)
	case models.RoleAdmin, models.RoleMember:
	default:
		return authz.Decision{}, ErrInvalidRole
	}
	var d authz.Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ms := s.members.WithTx(tx)
		var err error
		d, err = authz.Authorize(ms, roomID, actorID, authz.ActionChangeRole, targetID)
		if err != nil || !d.Allow {
			return err
		}
		return ms.Upsert(roomID, targetID, role)
	})
	return d, err
}

// Transfer 所有权转移：授权通过后由 store 在单事务内完成双行翻转。
func (s *RoomService) Transfer(roomID, actorID, targetID uint) (authz.Decision, error) {
	d, err := authz.Authorize(s.members, roomID, actorID, authz.ActionTransfer, targetID)
	if err != nil || !d.Allow {
		return d, err
	}
	err = s.members.Transfer(roomID, actorID, targetID)
	if errors.Is(err, store.ErrNotOwner) {
		return authz.Decision{Reason: authz.ReasonInsufficientRole}, nil
	}
	if errors.Is(err, store.ErrTargetNotEligible) {
		return authz.Decision{Reason: authz.ReasonTargetNotMember}, nil
	}
	return d, err
}

// Ban 封禁成员。行保留并改为 banned，阻止其再次加入。判定与写入同
// 事务，目标行被锁住，并发转移无法在判定后把目标升成 owner。
func (s *RoomService) Ban(roomID, actorID, targetID uint) (authz.Decision, error) {
	var d authz.Decision
	err := s.db.Transaction(func(tx *gorm.DB) error {
		ms := s.members.WithTx(tx)
		var err error
		d, err = authz.Authorize(ms, roomID, actorID, authz.ActionBan, targetID)
		if err != nil || !d.Allow {
			return err
		}
		return ms.Upsert(roomID, targetID, models.RoleBanned)
	})
	return d, err
}

// Members 返回成员列表，非 banned 成员可读。
func (s *RoomService) Members(roomID, actorID uint) (authz.Decision, []MemberDTO, error) {
	if _, err := s.Exists(roomID); err != nil {
		return authz.Decision{}, nil, err
	}
	d, err := authz.Authorize(s.members, roomID, actorID, authz.ActionRead, 0)
	if err != nil || !d.Allow {
		return d, nil, err
	}
	ms, err := s.members.ListMembers(roomID)
	if err != nil {
		return d, nil, err
	}
	ids := make([]uint, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.UserID)
	}
	names := make(map[uint]string, len(ids))
	if len(ids) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", ids).Find(&users).Error; err != nil {
			return d, nil, err
		}
		for _, u := range users {
			names[u.ID] = u.Username
		}
	}
	out := make([]MemberDTO, 0, len(ms))
	for _, m := range ms {
		out = append(out, MemberDTO{UserID: m.UserID, Username: names[m.UserID], Role: m.Role})
	}
	return d, out, nil
}
