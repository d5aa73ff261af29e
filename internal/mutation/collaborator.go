package mutation

import (
	"context"
	"time"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/syncerr"
)

type NewCollaborator struct {
	UserID string
	Role   model.Role
	// Permissions overrides the role defaults when set.
	Permissions model.Permissions
	Name        string
	Email       string
}

// AddCollaborator invites a user to a list.
func (p *Pipeline) AddCollaborator(listID string, in NewCollaborator) (*Pending, error) {
	return p.submit(&addCollaborator{listID: listID, in: in, tempID: newTempID(), now: p.now()})
}

type addCollaborator struct {
	listID string
	in     NewCollaborator
	tempID string
	now    time.Time
	server *model.Collaborator
}

func (s *addCollaborator) kind() Kind       { return KindAddCollaborator }
func (s *addCollaborator) keys() []string   { return []string{CollaboratorsKey(s.listID)} }
func (s *addCollaborator) entityID() string { return s.in.UserID }

func (s *addCollaborator) resolve(alias func(string) string) { s.listID = alias(s.listID) }

func (s *addCollaborator) role() model.Role {
	if s.in.Role == "" {
		return model.RoleViewer
	}
	return s.in.Role
}

func (s *addCollaborator) validate(v view) error {
	const op = "add collaborator"
	l, err := v.list(op, s.listID)
	if err != nil {
		return err
	}
	if err := v.require(op, l, model.PermInviteOthers); err != nil {
		return err
	}
	if s.in.UserID == "" {
		return syncerr.Validation(op, "user id is required")
	}
	if r := s.role(); !r.Valid() || r == model.RoleOwner {
		return syncerr.Validation(op, "invalid role %q", r)
	}
	if l.IsMember(s.in.UserID) {
		return syncerr.Validation(op, "user %s is already a member of list %s", s.in.UserID, l.ID)
	}
	return nil
}

func (s *addCollaborator) capture(*entity.Store) {}

func (s *addCollaborator) apply(st *entity.Store) {
	perms := s.in.Permissions
	if len(perms) == 0 {
		perms = model.DefaultPermissions(s.role())
	}
	st.AddCollaborator(s.listID, model.Collaborator{
		ID:          s.tempID,
		UserID:      s.in.UserID,
		Name:        s.in.Name,
		Email:       s.in.Email,
		ListID:      s.listID,
		Role:        s.role(),
		Permissions: perms,
		InvitedAt:   s.now,
	})
}

func (s *addCollaborator) send(ctx context.Context, r Remote) error {
	resp := r.AddCollaborator(ctx, s.listID, api.CollaboratorInput{
		UserID:      s.in.UserID,
		Role:        s.role(),
		Permissions: s.in.Permissions,
	})
	if err := resp.Err(); err != nil {
		return sendErr(ctx, err)
	}
	c := resp.Data.ToModel()
	if c.Name == "" {
		c.Name = s.in.Name
	}
	if c.Email == "" {
		c.Email = s.in.Email
	}
	if c.UserID == "" {
		c.UserID = s.in.UserID
	}
	s.server = &c
	return nil
}

func (s *addCollaborator) confirm(st *entity.Store, _ func(tmp, real string)) {
	st.AddCollaborator(s.listID, *s.server)
}

func (s *addCollaborator) rollback(st *entity.Store) {
	st.RemoveCollaborator(s.listID, s.in.UserID)
}

// RemoveCollaborator removes a member from a list. Members may always remove
// themselves; removing others requires the invite permission. Items assigned
// to the removed user keep their assignee.
func (p *Pipeline) RemoveCollaborator(listID, userID string) (*Pending, error) {
	return p.submit(&removeCollaborator{listID: listID, userID: userID})
}

type removeCollaborator struct {
	listID  string
	userID  string
	prev    model.Collaborator
	index   int
	removed bool
}

func (s *removeCollaborator) kind() Kind       { return KindRemoveCollaborator }
func (s *removeCollaborator) keys() []string   { return []string{CollaboratorsKey(s.listID)} }
func (s *removeCollaborator) entityID() string { return s.userID }

func (s *removeCollaborator) resolve(alias func(string) string) { s.listID = alias(s.listID) }

func (s *removeCollaborator) validate(v view) error {
	const op = "remove collaborator"
	l, err := v.list(op, s.listID)
	if err != nil {
		return err
	}
	if s.userID == l.OwnerID {
		return syncerr.Validation(op, "the owner of list %s cannot be removed", l.ID)
	}
	if l.CollaboratorIndex(s.userID) < 0 {
		return syncerr.Validation(op, "user %s is not a member of list %s", s.userID, l.ID)
	}
	if s.userID == v.userID {
		return nil
	}
	return v.require(op, l, model.PermInviteOthers)
}

func (s *removeCollaborator) capture(*entity.Store) {}

func (s *removeCollaborator) apply(st *entity.Store) {
	s.prev, s.index, s.removed = st.RemoveCollaborator(s.listID, s.userID)
}

func (s *removeCollaborator) send(ctx context.Context, r Remote) error {
	resp := r.RemoveCollaborator(ctx, s.listID, s.userID)
	return sendErr(ctx, resp.Err())
}

func (s *removeCollaborator) confirm(*entity.Store, func(tmp, real string)) {}

func (s *removeCollaborator) rollback(st *entity.Store) {
	if s.removed {
		st.InsertCollaboratorAt(s.listID, s.prev, s.index)
	}
}
