package models

import "time"

// Role 是成员在房间内的角色，持久化为字符串。
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleBanned Role = "banned"

	// RoleNone 表示没有成员关系，仅作为查询结果使用，不入库。
	RoleNone Role = ""
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;size:128;not null"`
	Description string `gorm:"size:512"`
	OwnerID     uint   `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership 记录 (房间, 用户) 的角色。banned 行保留不删，用于阻止再次加入。
type Membership struct {
	ID        uint `gorm:"primaryKey"`
	RoomID    uint `gorm:"uniqueIndex:idx_member_room_user;not null"`
	UserID    uint `gorm:"uniqueIndex:idx_member_room_user;not null"`
	Role      Role `gorm:"size:16;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index:idx_msg_room_id;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
