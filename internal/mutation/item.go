package mutation

import (
	"context"
	"strings"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/category"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/syncerr"
)

const defaultUnit = "piece"

type NewItem struct {
	Name        string
	Description string
	Quantity    float64
	Unit        string
	// CategoryID is sent to the server. Without one the item is
	// categorized locally by name for display.
	CategoryID string
	AssignedTo string
	Price      *float64
	Notes      string
	Barcode    string
}

// ItemPatch holds the item fields to change; nil fields are left alone.
type ItemPatch struct {
	Name            *string
	Description     *string
	Quantity        *float64
	Unit            *string
	Completed       *bool
	Price           *float64
	PurchasedAmount *float64
	Notes           *string
}

func (p ItemPatch) empty() bool {
	return p.Name == nil && p.Description == nil && p.Quantity == nil && p.Unit == nil &&
		p.Completed == nil && p.Price == nil && p.PurchasedAmount == nil && p.Notes == nil
}

// keepLocalCategory carries the locally derived category over when the
// server item has none.
func keepLocalCategory(srv *model.ShoppingItem, local *model.Category) {
	if srv.Category == nil && local != nil {
		c := *local
		srv.Category = &c
	}
}

// AddItem appends an item under a temporary id.
func (p *Pipeline) AddItem(listID string, in NewItem) (*Pending, error) {
	return p.submit(&addItem{listID: listID, tempID: newTempID(), in: in})
}

type addItem struct {
	listID string
	tempID string
	in     NewItem
	local  *model.Category
	server *model.ShoppingItem
}

func (s *addItem) kind() Kind     { return KindAddItem }
func (s *addItem) keys() []string { return itemKeys(s.listID, s.tempID) }

func (s *addItem) entityID() string {
	if s.server != nil {
		return s.server.ID
	}
	return s.tempID
}

func (s *addItem) resolve(alias func(string) string) { s.listID = alias(s.listID) }

func (s *addItem) quantity() float64 {
	if s.in.Quantity == 0 {
		return 1
	}
	return s.in.Quantity
}

func (s *addItem) validate(v view) error {
	const op = "add item"
	l, err := v.list(op, s.listID)
	if err != nil {
		return err
	}
	if err := v.require(op, l, model.PermAddItems); err != nil {
		return err
	}
	if err := requireName(op, s.in.Name); err != nil {
		return err
	}
	q := s.quantity()
	if err := requirePositive(op, "quantity", &q); err != nil {
		return err
	}
	if err := requireNonNegative(op, "price", s.in.Price); err != nil {
		return err
	}
	if s.in.AssignedTo != "" && !l.IsMember(s.in.AssignedTo) {
		return syncerr.Validation(op, "assignee %s is not a member of list %s", s.in.AssignedTo, l.ID)
	}
	return nil
}

func (s *addItem) capture(*entity.Store) {}

func (s *addItem) apply(st *entity.Store) {
	unit := s.in.Unit
	if unit == "" {
		unit = defaultUnit
	}
	var c model.Category
	if s.in.CategoryID != "" {
		c = category.Lookup(s.in.CategoryID)
	} else {
		c = category.Guess(s.in.Name)
	}
	s.local = &c

	it := model.ShoppingItem{
		ID:          s.tempID,
		ListID:      s.listID,
		Name:        strings.TrimSpace(s.in.Name),
		Description: s.in.Description,
		Quantity:    s.quantity(),
		Unit:        unit,
		Category:    &c,
		Price:       s.in.Price,
		Notes:       s.in.Notes,
		Barcode:     s.in.Barcode,
	}
	if s.in.AssignedTo != "" {
		a := s.in.AssignedTo
		it.AssignedTo = &a
	}
	st.UpsertItem(s.listID, it)
}

func (s *addItem) send(ctx context.Context, r Remote) error {
	in := api.ItemInput{
		Name:           strings.TrimSpace(s.in.Name),
		Quantity:       s.quantity(),
		Unit:           s.in.Unit,
		EstimatedPrice: s.in.Price,
		Description:    optional(s.in.Description),
		CategoryID:     optional(s.in.CategoryID),
		AssignedTo:     optional(s.in.AssignedTo),
		Notes:          optional(s.in.Notes),
		Barcode:        optional(s.in.Barcode),
	}
	resp := r.AddItem(ctx, s.listID, in)
	if err := resp.Err(); err != nil {
		return sendErr(ctx, err)
	}
	it := resp.Data.ToModel()
	keepLocalCategory(&it, s.local)
	s.server = &it
	return nil
}

func (s *addItem) confirm(st *entity.Store, alias func(tmp, real string)) {
	st.ReplaceItem(s.listID, s.tempID, *s.server)
	alias(s.tempID, s.server.ID)
}

func (s *addItem) rollback(st *entity.Store) { st.RemoveItem(s.listID, s.tempID) }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// itemStep holds what every mutation of an existing item shares.
type itemStep struct {
	listID string
	itemID string
	prev   model.ShoppingItem
	server *model.ShoppingItem
}

func (s *itemStep) keys() []string   { return itemKeys(s.listID, s.itemID) }
func (s *itemStep) entityID() string { return s.itemID }

func (s *itemStep) resolve(alias func(string) string) {
	s.listID = alias(s.listID)
	s.itemID = alias(s.itemID)
}

func (s *itemStep) capture(st *entity.Store) {
	if it, ok := st.Item(s.listID, s.itemID); ok {
		s.prev = it
	}
}

func (s *itemStep) received(resp api.Response[api.ItemDTO]) {
	it := resp.Data.ToModel()
	keepLocalCategory(&it, s.prev.Category)
	s.server = &it
}

func (s *itemStep) confirm(st *entity.Store, _ func(tmp, real string)) {
	srv := s.server.Clone()
	st.UpdateItem(s.listID, s.itemID, func(it *model.ShoppingItem) bool {
		*it = srv
		return true
	})
}

func (s *itemStep) rollback(st *entity.Store) {
	prev := s.prev.Clone()
	st.UpdateItem(s.listID, s.itemID, func(it *model.ShoppingItem) bool {
		*it = prev
		return true
	})
}

// UpdateItem changes quantity, price, completion, notes and the other plain
// item fields.
func (p *Pipeline) UpdateItem(listID, itemID string, patch ItemPatch) (*Pending, error) {
	return p.submit(&updateItem{itemStep: itemStep{listID: listID, itemID: itemID}, patch: patch})
}

type updateItem struct {
	itemStep
	patch ItemPatch
}

func (s *updateItem) kind() Kind { return KindUpdateItem }

func (s *updateItem) validate(v view) error {
	const op = "update item"
	l, _, err := v.item(op, s.listID, s.itemID)
	if err != nil {
		return err
	}
	if err := v.require(op, l, model.PermEditItems); err != nil {
		return err
	}
	if s.patch.empty() {
		return syncerr.Validation(op, "nothing to update")
	}
	if s.patch.Name != nil {
		if err := requireName(op, *s.patch.Name); err != nil {
			return err
		}
	}
	if err := requirePositive(op, "quantity", s.patch.Quantity); err != nil {
		return err
	}
	if err := requireNonNegative(op, "price", s.patch.Price); err != nil {
		return err
	}
	return requireNonNegative(op, "purchased amount", s.patch.PurchasedAmount)
}

func (s *updateItem) apply(st *entity.Store) {
	p := s.patch
	st.UpdateItem(s.listID, s.itemID, func(it *model.ShoppingItem) bool {
		if p.Name != nil {
			it.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			it.Description = *p.Description
		}
		if p.Quantity != nil {
			it.Quantity = *p.Quantity
		}
		if p.Unit != nil {
			it.Unit = *p.Unit
		}
		if p.Completed != nil {
			it.Completed = *p.Completed
		}
		if p.Price != nil {
			v := *p.Price
			it.Price = &v
		}
		if p.PurchasedAmount != nil {
			v := *p.PurchasedAmount
			it.PurchasedAmount = &v
		}
		if p.Notes != nil {
			it.Notes = *p.Notes
		}
		return true
	})
}

func (s *updateItem) send(ctx context.Context, r Remote) error {
	p := s.patch
	resp := r.UpdateItem(ctx, s.listID, s.itemID, api.ItemUpdate{
		Name:           p.Name,
		Description:    p.Description,
		Quantity:       p.Quantity,
		Unit:           p.Unit,
		Completed:      p.Completed,
		EstimatedPrice: p.Price,
		ActualPrice:    p.PurchasedAmount,
		Notes:          p.Notes,
	})
	if err := resp.Err(); err != nil {
		return sendErr(ctx, err)
	}
	s.received(resp)
	return nil
}

// AssignItem assigns the item to a member of its list.
func (p *Pipeline) AssignItem(listID, itemID, userID string) (*Pending, error) {
	if userID == "" {
		return nil, syncerr.Validation("assign item", "assignee is required")
	}
	return p.submit(&assignItem{itemStep: itemStep{listID: listID, itemID: itemID}, userID: userID})
}

// UnassignItem clears the item's assignee.
func (p *Pipeline) UnassignItem(listID, itemID string) (*Pending, error) {
	return p.submit(&assignItem{itemStep: itemStep{listID: listID, itemID: itemID}})
}

// assignItem sets or clears AssignedTo. Its pre-image is the previous
// assignee alone.
type assignItem struct {
	itemStep
	userID   string
	assigned *string
}

func (s *assignItem) kind() Kind { return KindAssignItem }

func (s *assignItem) validate(v view) error {
	const op = "assign item"
	l, _, err := v.item(op, s.listID, s.itemID)
	if err != nil {
		return err
	}
	if err := v.require(op, l, model.PermAssignItems); err != nil {
		return err
	}
	if s.userID != "" && !l.IsMember(s.userID) {
		return syncerr.Validation(op, "assignee %s is not a member of list %s", s.userID, l.ID)
	}
	return nil
}

func (s *assignItem) capture(st *entity.Store) {
	s.itemStep.capture(st)
	s.assigned = s.prev.AssignedTo
}

func (s *assignItem) apply(st *entity.Store) {
	st.UpdateItem(s.listID, s.itemID, func(it *model.ShoppingItem) bool {
		if s.userID == "" {
			it.AssignedTo = nil
		} else {
			u := s.userID
			it.AssignedTo = &u
		}
		return true
	})
}

func (s *assignItem) send(ctx context.Context, r Remote) error {
	in := api.ItemUpdate{ClearAssignee: s.userID == ""}
	if s.userID != "" {
		in.AssignedTo = &s.userID
	}
	resp := r.UpdateItem(ctx, s.listID, s.itemID, in)
	if err := resp.Err(); err != nil {
		return sendErr(ctx, err)
	}
	s.received(resp)
	return nil
}

func (s *assignItem) rollback(st *entity.Store) {
	var prev *string
	if s.assigned != nil {
		v := *s.assigned
		prev = &v
	}
	st.UpdateItem(s.listID, s.itemID, func(it *model.ShoppingItem) bool {
		it.AssignedTo = prev
		return true
	})
}

// RemoveItem deletes an item from its list.
func (p *Pipeline) RemoveItem(listID, itemID string) (*Pending, error) {
	return p.submit(&removeItem{itemStep: itemStep{listID: listID, itemID: itemID}})
}

type removeItem struct {
	itemStep
	index   int
	removed bool
}

func (s *removeItem) kind() Kind { return KindRemoveItem }

func (s *removeItem) validate(v view) error {
	const op = "remove item"
	l, _, err := v.item(op, s.listID, s.itemID)
	if err != nil {
		return err
	}
	return v.require(op, l, model.PermDeleteItems)
}

// The removed item and its position are captured by apply.
func (s *removeItem) capture(*entity.Store) {}

func (s *removeItem) apply(st *entity.Store) {
	s.prev, s.index, s.removed = st.RemoveItem(s.listID, s.itemID)
}

func (s *removeItem) send(ctx context.Context, r Remote) error {
	resp := r.DeleteItem(ctx, s.listID, s.itemID)
	return sendErr(ctx, resp.Err())
}

func (s *removeItem) confirm(*entity.Store, func(tmp, real string)) {}

func (s *removeItem) rollback(st *entity.Store) {
	if s.removed {
		st.InsertItemAt(s.listID, s.prev, s.index)
	}
}
