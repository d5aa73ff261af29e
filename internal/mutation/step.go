package mutation

import (
	"context"
	"strings"

	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/syncerr"
)

// step is one mutation kind. The pipeline calls resolve and validate, then
// capture, apply and send; finally confirm or rollback.
type step interface {
	kind() Kind
	keys() []string
	entityID() string
	resolve(alias func(string) string)
	validate(v view) error
	capture(st *entity.Store)
	apply(st *entity.Store)
	send(ctx context.Context, r Remote) error
	confirm(st *entity.Store, alias func(tmp, real string))
	rollback(st *entity.Store)
}

// ListKey, ItemKey and CollaboratorsKey name the serialization units.
func ListKey(listID string) string          { return "list:" + listID }
func ItemKey(listID, itemID string) string  { return "item:" + listID + "/" + itemID }
func CollaboratorsKey(listID string) string { return "collabs:" + listID }

// itemKeys serializes item mutations on the item, and also on the list
// while the list itself is still unconfirmed.
func itemKeys(listID, itemID string) []string {
	keys := []string{ItemKey(listID, itemID)}
	if IsTemporary(listID) {
		keys = append(keys, ListKey(listID))
	}
	return keys
}

type view struct {
	store  *entity.Store
	userID string
}

func (v view) list(op, listID string) (model.ShoppingList, error) {
	l, ok := v.store.List(listID)
	if !ok {
		return l, syncerr.Validation(op, "list %s not found", listID)
	}
	return l, nil
}

func (v view) item(op, listID, itemID string) (model.ShoppingList, model.ShoppingItem, error) {
	l, err := v.list(op, listID)
	if err != nil {
		return l, model.ShoppingItem{}, err
	}
	i := l.ItemIndex(itemID)
	if i < 0 {
		return l, model.ShoppingItem{}, syncerr.Validation(op, "item %s not found in list %s", itemID, listID)
	}
	return l, l.Items[i], nil
}

// require checks that the acting user holds perm on l. Owners hold every
// permission; collaborators without an explicit set fall back to the role
// defaults.
func (v view) require(op string, l model.ShoppingList, perm model.Permission) error {
	if v.userID == "" {
		return syncerr.New(syncerr.KindAuth, op, ErrNotAuthenticated)
	}
	if l.OwnerID == v.userID {
		return nil
	}
	i := l.CollaboratorIndex(v.userID)
	if i < 0 {
		return syncerr.Validation(op, "not a member of list %s", l.ID)
	}
	c := l.Collaborators[i]
	perms := c.Permissions
	if perms == nil {
		perms = model.DefaultPermissions(c.Role)
	}
	if !perms[perm] {
		return syncerr.Validation(op, "missing permission %s on list %s", perm, l.ID)
	}
	return nil
}

func requireName(op, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return syncerr.Validation(op, "name is required")
	}
	if len(name) > maxNameLength {
		return syncerr.Validation(op, "name longer than %d characters", maxNameLength)
	}
	return nil
}

const maxNameLength = 255

func requirePositive(op, field string, v *float64) error {
	if v != nil && *v <= 0 {
		return syncerr.Validation(op, "%s must be positive", field)
	}
	return nil
}

func requireNonNegative(op, field string, v *float64) error {
	if v != nil && *v < 0 {
		return syncerr.Validation(op, "%s must not be negative", field)
	}
	return nil
}

// sendErr converts a REST failure; a cancelled context is reported as such.
func sendErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return syncerr.New(syncerr.KindTransient, "send", ctx.Err())
	}
	return err
}
