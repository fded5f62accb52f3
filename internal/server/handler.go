package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chatcore/internal/auth"
	"chatcore/internal/authz"
	"chatcore/internal/models"
	"chatcore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc}
}

// respondDeny 把授权拒绝映射为 HTTP 状态码，reason 原样回传。
func respondDeny(c *gin.Context, d authz.Decision) {
	status := http.StatusForbidden
	switch d.Reason {
	case authz.ReasonTargetNotMember:
		status = http.StatusNotFound
	case authz.ReasonAlreadyBanned, authz.ReasonAlreadyMember:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": string(d.Reason)})
}

func roomIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return uint(id), true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateRoom 处理创建房间请求，建房者成为 owner。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Create(req.Name, req.Description, auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("owner_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(100)
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// UpdateRoom 修改房间元数据。
func (h *Handler) UpdateRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	d, err := h.roomSvc.Update(roomID, auth.GetUserID(c), strings.TrimSpace(req.Name), req.Description)
	if h.finishDecision(c, d, err, roomID, "update room") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// DeleteRoom 删除房间及其全部消息与成员关系。
func (h *Handler) DeleteRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	d, err := h.roomSvc.Delete(roomID, auth.GetUserID(c))
	if h.finishDecision(c, d, err, roomID, "delete room") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// JoinRoom 建立成员关系（默认 member），banned 用户被拒。
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	d, err := h.roomSvc.Join(roomID, auth.GetUserID(c))
	if h.finishDecision(c, d, err, roomID, "join room") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// LeaveRoom 删除自己的成员关系，owner 需要先转移或删房。
func (h *Handler) LeaveRoom(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	d, err := h.roomSvc.Leave(roomID, auth.GetUserID(c))
	if h.finishDecision(c, d, err, roomID, "leave room") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type targetReq struct {
	UserID uint `json:"user_id"`
}

func bindTarget(c *gin.Context) (uint, bool) {
	var req targetReq
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return 0, false
	}
	return req.UserID, true
}

// KickMember 移除成员。
func (h *Handler) KickMember(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	target, ok := bindTarget(c)
	if !ok {
		return
	}
	d, err := h.roomSvc.Kick(roomID, auth.GetUserID(c), target)
	if h.finishDecision(c, d, err, roomID, "kick member") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// SetRole 修改成员角色，升为 owner 时等价于所有权转移。
func (h *Handler) SetRole(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	var req struct {
		UserID uint   `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 || req.Role == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	d, err := h.roomSvc.SetRole(roomID, auth.GetUserID(c), req.UserID, models.Role(req.Role))
	if errors.Is(err, service.ErrInvalidRole) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}
	if h.finishDecision(c, d, err, roomID, "set role") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// TransferOwnership 原子转移房间所有权。
func (h *Handler) TransferOwnership(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	target, ok := bindTarget(c)
	if !ok {
		return
	}
	d, err := h.roomSvc.Transfer(roomID, auth.GetUserID(c), target)
	if h.finishDecision(c, d, err, roomID, "transfer ownership") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// BanMember 封禁成员，成员行保留为 banned。
func (h *Handler) BanMember(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	target, ok := bindTarget(c)
	if !ok {
		return
	}
	d, err := h.roomSvc.Ban(roomID, auth.GetUserID(c), target)
	if h.finishDecision(c, d, err, roomID, "ban member") {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// ListMembers 返回房间成员列表。
func (h *Handler) ListMembers(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	d, members, err := h.roomSvc.Members(roomID, auth.GetUserID(c))
	if !h.finishDecision(c, d, err, roomID, "list members") {
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// ListMessages 按 since_id 增量返回房间历史消息，id 升序。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	var sinceID uint
	if v := c.Query("since_id"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sinceID = uint(n)
		}
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	d, msgs, err := h.msgSvc.HistoryForUser(roomID, auth.GetUserID(c), sinceID, limit)
	if !h.finishDecision(c, d, err, roomID, "list messages") {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// finishDecision 统一处理 (Decision, error) 返回：报告 store 错误、
// 映射拒绝原因，放行时返回 true 由调用方写成功响应。
func (h *Handler) finishDecision(c *gin.Context, d authz.Decision, err error, roomID uint, op string) bool {
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return false
		}
		log.Error().Err(err).Uint("room_id", roomID).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store error"})
		return false
	}
	if !d.Allow {
		respondDeny(c, d)
		return false
	}
	return true
}
