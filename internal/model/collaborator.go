package model

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

type Permission string

const (
	PermEditItems    Permission = "can_edit_items"
	PermAddItems     Permission = "can_add_items"
	PermDeleteItems  Permission = "can_delete_items"
	PermAssignItems  Permission = "can_assign_items"
	PermInviteOthers Permission = "can_invite_others"
	PermEditList     Permission = "can_edit_list"
)

// Permissions is the explicit capability set granted to a collaborator.
type Permissions map[Permission]bool

// DefaultPermissions returns the capability set the backend grants a role
// when none is specified.
func DefaultPermissions(role Role) Permissions {
	switch role {
	case RoleOwner:
		return Permissions{
			PermEditItems:    true,
			PermAddItems:     true,
			PermDeleteItems:  true,
			PermAssignItems:  true,
			PermInviteOthers: true,
			PermEditList:     true,
		}
	case RoleEditor:
		return Permissions{
			PermEditItems:    true,
			PermAddItems:     true,
			PermDeleteItems:  false,
			PermAssignItems:  true,
			PermInviteOthers: false,
			PermEditList:     false,
		}
	default:
		return Permissions{
			PermEditItems:    false,
			PermAddItems:     false,
			PermDeleteItems:  false,
			PermAssignItems:  false,
			PermInviteOthers: false,
			PermEditList:     false,
		}
	}
}

// Collaborator is a member of a list. Name, Email and AvatarURL are a
// denormalized copy of the user profile and are not authoritative.
type Collaborator struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Name        string      `json:"name,omitempty"`
	Email       string      `json:"email,omitempty"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	ListID      string      `json:"list_id"`
	Role        Role        `json:"role"`
	Permissions Permissions `json:"permissions,omitempty"`
	InvitedAt   time.Time   `json:"invited_at"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
}

func (c Collaborator) Clone() Collaborator {
	out := c
	if c.Permissions != nil {
		out.Permissions = make(Permissions, len(c.Permissions))
		for k, v := range c.Permissions {
			out.Permissions[k] = v
		}
	}
	out.AcceptedAt = cloneTime(c.AcceptedAt)
	return out
}
