package service

import (
	"encoding/json"
	"strings"
	"testing"

	"chatcore/internal/authz"
	"chatcore/internal/backplane"
	"chatcore/internal/db"
	"chatcore/internal/models"
	"chatcore/internal/session"
	"chatcore/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type noPresence struct{}

func (noPresence) Online(uint) int { return 0 }

type fixture struct {
	db       *gorm.DB
	sessions *session.Registry
	bus      *backplane.Loopback
	rooms    *RoomService
	msgs     *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sessions := session.NewRegistry()
	bus := backplane.NewLoopback()
	members := store.NewMembershipStore(gdb)
	msgStore := store.NewMessageStore(gdb)
	return &fixture{
		db:       gdb,
		sessions: sessions,
		bus:      bus,
		rooms:    NewRoomService(gdb, members, noPresence{}),
		msgs:     NewMessageService(gdb, msgStore, members, sessions, bus, 4096, 100),
	}
}

func (f *fixture) user(t *testing.T, name string) uint {
	t.Helper()
	u := models.User{Username: name, PasswordHash: "x"}
	if err := f.db.Create(&u).Error; err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func (f *fixture) connect(t *testing.T, connID string, userID uint, name string, roomIDs ...uint) {
	t.Helper()
	if err := f.sessions.Register(connID, userID, name); err != nil {
		t.Fatal(err)
	}
	for _, id := range roomIDs {
		if err := f.sessions.JoinRoom(connID, id); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) role(t *testing.T, roomID, userID uint) models.Role {
	t.Helper()
	var m models.Membership
	err := f.db.Where("room_id = ? AND user_id = ?", roomID, userID).First(&m).Error
	if err != nil {
		return models.RoleNone
	}
	return m.Role
}

// 场景 A：建房者即 owner，发第一条消息，回放能读回。
func TestScenario_CreatePostReplay(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("general", "", u)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.role(t, room.ID, u); got != models.RoleOwner {
		t.Fatalf("creator role = %q, want owner", got)
	}

	f.connect(t, "c1", u, "alice", room.ID)

	res := f.msgs.Post("c1", room.ID, "hello")
	if !res.Delivered {
		t.Fatalf("Post() rejected: %q", res.Reason)
	}
	if res.ID == 0 || res.CreatedAt.IsZero() {
		t.Errorf("Post() = id %d at %v, want assigned id and timestamp", res.ID, res.CreatedAt)
	}

	msgs, rej := f.msgs.Replay("c1", room.ID, 0)
	if rej != "" {
		t.Fatalf("Replay() rejected: %q", rej)
	}
	if len(msgs) != 1 {
		t.Fatalf("Replay() returned %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != res.ID || m.UserID != u || m.Username != "alice" || !strings.Contains(m.Content, "hello") {
		t.Errorf("Replay()[0] = %+v", m)
	}
}

// 场景 B：转移所有权后旧 owner 变 member，删房被拒。
func TestScenario_TransferOwnership(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "u")
	v := f.user(t, "v")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	if d, err := f.rooms.Join(room.ID, v); err != nil || !d.Allow {
		t.Fatalf("Join() = (%+v, %v)", d, err)
	}

	d, err := f.rooms.Transfer(room.ID, u, v)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("Transfer() denied: %q", d.Reason)
	}
	if got := f.role(t, room.ID, u); got != models.RoleMember {
		t.Errorf("old owner role = %q, want member", got)
	}
	if got := f.role(t, room.ID, v); got != models.RoleOwner {
		t.Errorf("new owner role = %q, want owner", got)
	}

	d, err = f.rooms.Delete(room.ID, u)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != authz.ReasonInsufficientRole {
		t.Errorf("old owner Delete() = (%v, %q), want deny insufficient_role", d.Allow, d.Reason)
	}
}

// 场景 C：admin 封禁 member，行保留为 banned，再次加入被拒。
func TestScenario_BanBlocksRejoin(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner")
	a := f.user(t, "admin")
	m := f.user(t, "mallory")
	room, err := f.rooms.Create("r", "", owner)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []uint{a, m} {
		if d, err := f.rooms.Join(room.ID, id); err != nil || !d.Allow {
			t.Fatalf("Join(%d) = (%+v, %v)", id, d, err)
		}
	}
	if d, err := f.rooms.SetRole(room.ID, owner, a, models.RoleAdmin); err != nil || !d.Allow {
		t.Fatalf("SetRole() = (%+v, %v)", d, err)
	}

	d, err := f.rooms.Ban(room.ID, a, m)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("Ban() denied: %q", d.Reason)
	}
	if got := f.role(t, room.ID, m); got != models.RoleBanned {
		t.Errorf("banned role = %q, want banned (row retained)", got)
	}

	d, err = f.rooms.Join(room.ID, m)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != authz.ReasonBanned {
		t.Errorf("banned rejoin = (%v, %q), want deny banned", d.Allow, d.Reason)
	}
}

func TestPost_NotInRoomNeverPersists(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	// 已注册但没有加入该房间。
	f.connect(t, "c1", u, "alice")

	res := f.msgs.Post("c1", room.ID, "sneaky")
	if res.Delivered || res.Reason != RejectNotInRoom {
		t.Fatalf("Post() = %+v, want Rejected(not_in_room)", res)
	}
	var n int64
	f.db.Model(&models.Message{}).Count(&n)
	if n != 0 {
		t.Errorf("message rows = %d, want 0", n)
	}

	// 根本没注册的连接同样拒绝。
	res = f.msgs.Post("ghost", room.ID, "hi")
	if res.Delivered || res.Reason != RejectNotInRoom {
		t.Errorf("Post(ghost) = %+v, want Rejected(not_in_room)", res)
	}
}

func TestPost_Validation(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t, "c1", u, "alice", room.ID)
	f.msgs.maxLen = 10

	if res := f.msgs.Post("c1", room.ID, "   "); res.Delivered || res.Reason != RejectEmpty {
		t.Errorf("blank Post() = %+v, want Rejected(empty)", res)
	}
	if res := f.msgs.Post("c1", room.ID, strings.Repeat("x", 11)); res.Delivered || res.Reason != RejectTooLong {
		t.Errorf("long Post() = %+v, want Rejected(too_long)", res)
	}
	if res := f.msgs.Post("c1", room.ID, "ok"); !res.Delivered {
		t.Errorf("valid Post() rejected: %q", res.Reason)
	}
}

func TestPost_PublishesToBackplane(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t, "c1", u, "alice", room.ID)

	var got []MessageDTO
	if _, err := f.bus.Subscribe(room.ID, func(p []byte) {
		var dto MessageDTO
		if err := json.Unmarshal(p, &dto); err != nil {
			t.Error(err)
			return
		}
		got = append(got, dto)
	}); err != nil {
		t.Fatal(err)
	}

	res := f.msgs.Post("c1", room.ID, "hello")
	if !res.Delivered {
		t.Fatalf("Post() rejected: %q", res.Reason)
	}
	if len(got) != 1 {
		t.Fatalf("backplane received %d payloads, want 1", len(got))
	}
	if got[0].ID != res.ID || got[0].Username != "alice" || got[0].RoomID != room.ID {
		t.Errorf("broadcast payload = %+v", got[0])
	}
}

func TestJoinLeave_Idempotent(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	v := f.user(t, "bob")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		d, err := f.rooms.Join(room.ID, v)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allow {
			t.Fatalf("Join() #%d denied: %q", i+1, d.Reason)
		}
	}
	var n int64
	f.db.Model(&models.Membership{}).Where("room_id = ? AND user_id = ?", room.ID, v).Count(&n)
	if n != 1 {
		t.Errorf("membership rows after double join = %d, want 1", n)
	}

	if d, err := f.rooms.Leave(room.ID, v); err != nil || !d.Allow {
		t.Fatalf("Leave() = (%+v, %v)", d, err)
	}
	// 第二次退出：已无成员关系。
	d, err := f.rooms.Leave(room.ID, v)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != authz.ReasonNotAMember {
		t.Errorf("second Leave() = (%v, %q), want deny not_a_member", d.Allow, d.Reason)
	}
}

// owner 行不经 change_role 变化，owner 自降级会留下零个 owner。
func TestSetRole_OwnerSelfDemotionDenied(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}

	d, err := f.rooms.SetRole(room.ID, u, u, models.RoleMember)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != authz.ReasonTargetIsOwner {
		t.Errorf("owner self demotion = (%v, %q), want deny target_is_owner", d.Allow, d.Reason)
	}
	var owners int64
	f.db.Model(&models.Membership{}).
		Where("room_id = ? AND role = ?", room.ID, models.RoleOwner).Count(&owners)
	if owners != 1 {
		t.Errorf("owner rows = %d, want exactly 1", owners)
	}
	if got := f.role(t, room.ID, u); got != models.RoleOwner {
		t.Errorf("creator role = %q, want owner", got)
	}
}

func TestLeave_OwnerDenied(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	d, err := f.rooms.Leave(room.ID, u)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != authz.ReasonOwnerMustTransfer {
		t.Errorf("owner Leave() = (%v, %q), want deny owner_must_transfer", d.Allow, d.Reason)
	}
}

func TestHistoryForUser_RequiresMembership(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	outsider := f.user(t, "eve")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t, "c1", u, "alice", room.ID)
	for i := 0; i < 3; i++ {
		if res := f.msgs.Post("c1", room.ID, "m"); !res.Delivered {
			t.Fatal(res.Reason)
		}
	}

	d, msgs, err := f.msgs.HistoryForUser(room.ID, u, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow || len(msgs) != 3 {
		t.Fatalf("HistoryForUser() = (%+v, %d msgs)", d, len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Error("history not ascending")
		}
	}

	d, _, err = f.msgs.HistoryForUser(room.ID, outsider, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.Reason != authz.ReasonNotAMember {
		t.Errorf("outsider history = (%v, %q), want deny not_a_member", d.Allow, d.Reason)
	}
}

func TestDelete_RemovesEverything(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "alice")
	room, err := f.rooms.Create("r", "", u)
	if err != nil {
		t.Fatal(err)
	}
	f.connect(t, "c1", u, "alice", room.ID)
	if res := f.msgs.Post("c1", room.ID, "bye"); !res.Delivered {
		t.Fatal(res.Reason)
	}

	if d, err := f.rooms.Delete(room.ID, u); err != nil || !d.Allow {
		t.Fatalf("Delete() = (%+v, %v)", d, err)
	}
	var rooms, members, messages int64
	f.db.Model(&models.Room{}).Count(&rooms)
	f.db.Model(&models.Membership{}).Count(&members)
	f.db.Model(&models.Message{}).Count(&messages)
	if rooms != 0 || members != 0 || messages != 0 {
		t.Errorf("leftover rows: rooms=%d members=%d messages=%d", rooms, members, messages)
	}
}
