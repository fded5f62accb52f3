package authz

import "chatcore/internal/models"

// Action 是房间权限模型覆盖的全部操作。
type Action string

const (
	ActionCreateRoom Action = "create_room"
	ActionDeleteRoom Action = "delete_room"
	ActionUpdateRoom Action = "update_room"
	ActionJoinRoom   Action = "join_room"
	ActionLeaveRoom  Action = "leave_room"
	ActionKick       Action = "kick"
	ActionChangeRole Action = "change_role"
	ActionTransfer   Action = "transfer_ownership"
	ActionBan        Action = "ban"

	// ActionRead 覆盖成员列表与历史消息读取。
	ActionRead Action = "read"
	ActionPost Action = "post"
)

// Reason 是稳定的拒绝原因码，直接回传给客户端。
type Reason string

const (
	ReasonNotAMember          Reason = "not_a_member"
	ReasonInsufficientRole    Reason = "insufficient_role"
	ReasonTargetIsOwner       Reason = "target_is_owner"
	ReasonTargetNotMember     Reason = "target_not_member"
	ReasonOwnerMustTransfer   Reason = "owner_must_transfer"
	ReasonBanned              Reason = "banned"
	ReasonAlreadyBanned       Reason = "already_banned"
	ReasonAlreadyMember       Reason = "already_member"
	ReasonSelfTargetForbidden Reason = "self_target_forbidden"
)

// Decision 是授权判定结果：Allow 为真时 Reason 为空。
type Decision struct {
	Allow  bool
	Reason Reason
}

func allow() Decision        { return Decision{Allow: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

// rank 把角色映射到可比较的等级，banned 与无成员关系都没有等级。
func rank(r models.Role) int {
	switch r {
	case models.RoleOwner:
		return 3
	case models.RoleAdmin:
		return 2
	case models.RoleMember:
		return 1
	}
	return 0
}

// Decide 是纯函数的角色判定表。actor 与 target 均为查库得到的当前角色，
// 无成员关系用 RoleNone 表示。与身份相关的补充规则（对自己操作等）
// 由 Authorize 在调用前处理。
func Decide(actor, target models.Role, action Action) Decision {
	switch action {
	case ActionCreateRoom:
		// 任何已认证用户都可以建房，建房者成为 owner。
		return allow()

	case ActionDeleteRoom:
		if actor != models.RoleOwner {
			return insufficient(actor)
		}
		return allow()

	case ActionUpdateRoom:
		if rank(actor) < rank(models.RoleAdmin) {
			return insufficient(actor)
		}
		return allow()

	case ActionJoinRoom:
		switch actor {
		case models.RoleNone:
			return allow()
		case models.RoleBanned:
			return deny(ReasonBanned)
		default:
			return deny(ReasonAlreadyMember)
		}

	case ActionLeaveRoom:
		switch actor {
		case models.RoleNone, models.RoleBanned:
			return deny(ReasonNotAMember)
		case models.RoleOwner:
			return deny(ReasonOwnerMustTransfer)
		default:
			return allow()
		}

	case ActionKick:
		// owner 行从不因移除操作而删除，目标是 owner 一律拒绝。
		if target == models.RoleOwner {
			return deny(ReasonTargetIsOwner)
		}
		if target == models.RoleNone {
			return deny(ReasonTargetNotMember)
		}
		if rank(actor) < rank(models.RoleAdmin) {
			return insufficient(actor)
		}
		return allow()

	case ActionChangeRole:
		if rank(actor) < rank(models.RoleAdmin) {
			return insufficient(actor)
		}
		if target == models.RoleNone {
			return deny(ReasonTargetNotMember)
		}
		// owner 行只经由所有权转移或删房变化，change_role 一律拒绝，
		// owner 给自己降级也不例外。
		if target == models.RoleOwner {
			return deny(ReasonTargetIsOwner)
		}
		return allow()

	case ActionTransfer:
		if actor != models.RoleOwner {
			return insufficient(actor)
		}
		switch target {
		case models.RoleNone:
			return deny(ReasonTargetNotMember)
		case models.RoleBanned:
			return deny(ReasonBanned)
		}
		return allow()

	case ActionBan:
		if target == models.RoleOwner {
			return deny(ReasonTargetIsOwner)
		}
		if target == models.RoleBanned {
			return deny(ReasonAlreadyBanned)
		}
		if target == models.RoleNone {
			return deny(ReasonTargetNotMember)
		}
		if rank(actor) < rank(models.RoleAdmin) {
			return insufficient(actor)
		}
		return allow()

	case ActionRead, ActionPost:
		switch actor {
		case models.RoleNone:
			return deny(ReasonNotAMember)
		case models.RoleBanned:
			return deny(ReasonBanned)
		default:
			return allow()
		}
	}
	return deny(ReasonInsufficientRole)
}

func insufficient(actor models.Role) Decision {
	if actor == models.RoleNone {
		return deny(ReasonNotAMember)
	}
	if actor == models.RoleBanned {
		return deny(ReasonBanned)
	}
	return deny(ReasonInsufficientRole)
}

// MembershipReader 是 Authorize 需要的最小查询面。
type MembershipReader interface {
	// Get 返回当前成员关系，不存在时返回 (nil, nil)。
	Get(roomID, userID uint) (*models.Membership, error)
}

// Authorize 查出双方当前角色后走 Decide，并在判定表之外补充与身份相关的规则：
// 自己移除自己总是允许（owner 除外），封禁自己一律拒绝。
// targetID 为 0 表示该操作没有目标成员。
func Authorize(ms MembershipReader, roomID, actorID uint, action Action, targetID uint) (Decision, error) {
	actorRole := models.RoleNone
	if m, err := ms.Get(roomID, actorID); err != nil {
		return Decision{}, err
	} else if m != nil {
		actorRole = m.Role
	}

	targetRole := models.RoleNone
	if targetID != 0 {
		if m, err := ms.Get(roomID, targetID); err != nil {
			return Decision{}, err
		} else if m != nil {
			targetRole = m.Role
		}
	}

	if targetID != 0 && targetID == actorID {
		switch action {
		case ActionKick:
			if targetRole == models.RoleOwner {
				return deny(ReasonTargetIsOwner), nil
			}
			if targetRole == models.RoleNone {
				return deny(ReasonTargetNotMember), nil
			}
			return allow(), nil
		case ActionBan:
			return deny(ReasonSelfTargetForbidden), nil
		}
	}

	return Decide(actorRole, targetRole, action), nil
}
