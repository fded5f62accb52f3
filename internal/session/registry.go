package session

import (
	"errors"
	"sync"
)

var (
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotFound          = errors.New("session not found")
)

// Session 绑定一条连接与其认证身份及已加入的房间集合。进程内状态，
// 重启即失效，客户端需要重新认证并重新加入。
type Session struct {
	ConnID   string
	UserID   uint
	Username string
	rooms    map[uint]struct{}
}

// Joined 报告该连接当前是否加入了指定房间。
func (s *Session) Joined(roomID uint) bool {
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms 返回已加入房间的快照。
func (s *Session) Rooms() []uint {
	out := make([]uint, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// Registry 是 connID -> Session 的并发安全注册表，"这条连接有权收到
// 哪些房间的广播"以这里为准。锁内不做任何 I/O。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register 创建会话，重复的 connID 返回 ErrAlreadyRegistered，
// 防御重复的 connect 事件。
func (r *Registry) Register(connID string, userID uint, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; ok {
		return ErrAlreadyRegistered
	}
	r.sessions[connID] = &Session{
		ConnID:   connID,
		UserID:   userID,
		Username: username,
		rooms:    make(map[uint]struct{}),
	}
	return nil
}

// JoinRoom 把房间记入会话，重复加入是无害的幂等操作。
// 授权检查必须在调用前完成。
func (r *Registry) JoinRoom(connID string, roomID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrNotFound
	}
	s.rooms[roomID] = struct{}{}
	return nil
}

// LeaveRoom 把房间移出会话，离开未加入的房间同样幂等成功。
func (r *Registry) LeaveRoom(connID string, roomID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

// Lookup 返回会话快照。返回值中的房间集合是拷贝，调用方可安全使用。
func (r *Registry) Lookup(connID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil, ErrNotFound
	}
	snap := &Session{
		ConnID:   s.ConnID,
		UserID:   s.UserID,
		Username: s.Username,
		rooms:    make(map[uint]struct{}, len(s.rooms)),
	}
	for id := range s.rooms {
		snap.rooms[id] = struct{}{}
	}
	return snap, nil
}

// Unregister 删除会话并返回其曾加入的房间，供调用方释放对应的
// backplane 订阅。未注册的 connID 返回 nil。
func (r *Registry) Unregister(connID string) []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	delete(r.sessions, connID)
	rooms := make([]uint, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// Len 返回当前会话数，供指标上报。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
