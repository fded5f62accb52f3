package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatcore/internal/backplane"
	"chatcore/internal/config"
	"chatcore/internal/db"
	"chatcore/internal/service"
	"chatcore/internal/session"
	"chatcore/internal/store"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Config{
		JWTSecret:             "test-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		MaxMessageLen:         4096,
		HistoryPageSize:       100,
	}
	bus := backplane.NewLoopback()
	sessions := session.NewRegistry()
	hub := ws.NewHub(bus)
	members := store.NewMembershipStore(gdb)
	msgStore := store.NewMessageStore(gdb)
	userSvc := service.NewUserService(gdb, cfg)
	roomSvc := service.NewRoomService(gdb, members, hub)
	msgSvc := service.NewMessageService(gdb, msgStore, members, sessions, bus, cfg.MaxMessageLen, cfg.HistoryPageSize)
	h := NewHandler(userSvc, roomSvc, msgSvc)
	gw := ws.NewGateway(hub, gdb, cfg, sessions, roomSvc, msgSvc)
	return SetupRouter(cfg, gdb, h, gw)
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", w.Code)
	}
}

func TestRooms_RequireAuth(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/rooms", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("GET /rooms without token = %d, want 401", w.Code)
	}
}

func registerAndLogin(t *testing.T, r *gin.Engine, name string) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": name, "password": "pass1234"})
	if w.Code != http.StatusOK {
		t.Fatalf("register %s = %d: %s", name, w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": name, "password": "pass1234"})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s = %d: %s", name, w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessToken == "" {
		t.Fatal("empty access token")
	}
	return resp.AccessToken
}

func TestRoomLifecycle(t *testing.T) {
	r := newTestRouter(t)
	owner := registerAndLogin(t, r, "owner")
	guest := registerAndLogin(t, r, "guest")

	w := doJSON(t, r, http.MethodPost, "/api/v1/rooms", owner, gin.H{"name": "general", "description": "talk"})
	if w.Code != http.StatusOK {
		t.Fatalf("create room = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Room struct {
			ID uint `json:"id"`
		} `json:"room"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	roomID := created.Room.ID
	if roomID == 0 {
		t.Fatal("room id missing")
	}

	// guest 加入后能读成员列表。
	if w := doJSON(t, r, http.MethodPost, "/api/v1/rooms/1/join", guest, nil); w.Code != http.StatusOK {
		t.Fatalf("join = %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodGet, "/api/v1/rooms/1/members", guest, nil); w.Code != http.StatusOK {
		t.Fatalf("members = %d: %s", w.Code, w.Body.String())
	}

	// guest 不能删房。
	if w := doJSON(t, r, http.MethodDelete, "/api/v1/rooms/1", guest, nil); w.Code != http.StatusForbidden {
		t.Errorf("guest delete = %d, want 403", w.Code)
	}

	// owner 封禁 guest 后，guest 读历史被拒。
	if w := doJSON(t, r, http.MethodPost, "/api/v1/rooms/1/ban", owner, gin.H{"user_id": 2}); w.Code != http.StatusOK {
		t.Fatalf("ban = %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodGet, "/api/v1/rooms/1/messages", guest, nil); w.Code != http.StatusForbidden {
		t.Errorf("banned history = %d, want 403", w.Code)
	}

	// owner 删房。
	if w := doJSON(t, r, http.MethodDelete, "/api/v1/rooms/1", owner, nil); w.Code != http.StatusOK {
		t.Fatalf("owner delete = %d: %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, r, http.MethodGet, "/api/v1/rooms/1/members", owner, nil); w.Code != http.StatusNotFound {
		t.Errorf("members of deleted room = %d, want 404", w.Code)
	}
}

func TestWS_RejectsMissingToken(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/ws", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("GET /ws without token = %d, want 401", w.Code)
	}
}
