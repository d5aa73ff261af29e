package mutation

import (
	"context"
	"strings"
	"time"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/syncerr"
)

const defaultCurrency = "USD"

type NewList struct {
	Name        string
	Description string
	Budget      *float64
	Currency    string
}

// ListPatch holds the list fields to change; nil fields are left alone.
type ListPatch struct {
	Name        *string
	Description *string
	Budget      *float64
	Currency    *string
}

func (p ListPatch) empty() bool {
	return p.Name == nil && p.Description == nil && p.Budget == nil && p.Currency == nil
}

// CreateList adds a list under a temporary id. The server id replaces it on
// confirmation; Pending.EntityID reports whichever is current.
func (p *Pipeline) CreateList(in NewList) (*Pending, error) {
	return p.submit(&createList{
		in:      in,
		tempID:  newTempID(),
		ownerID: p.auth.UserID(),
		now:     p.now(),
	})
}

type createList struct {
	in      NewList
	tempID  string
	ownerID string
	now     time.Time
	server  *model.ShoppingList
}

func (s *createList) kind() Kind                 { return KindCreateList }
func (s *createList) keys() []string             { return []string{ListKey(s.tempID)} }
func (s *createList) resolve(func(string) string) {}

func (s *createList) entityID() string {
	if s.server != nil {
		return s.server.ID
	}
	return s.tempID
}

func (s *createList) validate(v view) error {
	const op = "create list"
	if v.userID == "" {
		return syncerr.New(syncerr.KindAuth, op, ErrNotAuthenticated)
	}
	if err := requireName(op, s.in.Name); err != nil {
		return err
	}
	return requireNonNegative(op, "budget", s.in.Budget)
}

// The pre-image of a create is absence; nothing to capture.
func (s *createList) capture(*entity.Store) {}

func (s *createList) apply(st *entity.Store) {
	l := model.ShoppingList{
		ID:          s.tempID,
		Name:        strings.TrimSpace(s.in.Name),
		Description: s.in.Description,
		OwnerID:     s.ownerID,
		Status:      model.ListActive,
		CreatedAt:   s.now,
	}
	if s.in.Budget != nil {
		l.Budget = &model.Budget{Total: *s.in.Budget, Currency: currencyOr(s.in.Currency)}
	}
	st.UpsertList(l)
}

func (s *createList) send(ctx context.Context, r Remote) error {
	in := api.ListInput{Name: strings.TrimSpace(s.in.Name), BudgetAmount: s.in.Budget}
	if s.in.Description != "" {
		in.Description = &s.in.Description
	}
	if s.in.Budget != nil {
		cur := currencyOr(s.in.Currency)
		in.BudgetCurrency = &cur
	}
	resp := r.CreateList(ctx, in)
	if err := resp.Err(); err != nil {
		return sendErr(ctx, err)
	}
	l := resp.Data.ToModel()
	s.server = &l
	return nil
}

func (s *createList) confirm(st *entity.Store, alias func(tmp, real string)) {
	st.ReplaceList(s.tempID, *s.server)
	alias(s.tempID, s.server.ID)
}

func (s *createList) rollback(st *entity.Store) { st.RemoveList(s.tempID) }

func currencyOr(c string) string {
	if c == "" {
		return defaultCurrency
	}
	return c
}

// UpdateList changes the name, description or budget of a list.
func (p *Pipeline) UpdateList(listID string, patch ListPatch) (*Pending, error) {
	return p.submit(&updateList{listID: listID, patch: patch, k: KindUpdateList})
}

// ArchiveList moves a list to the archived status.
func (p *Pipeline) ArchiveList(listID string) (*Pending, error) {
	archived := model.ListArchived
	return p.submit(&updateList{listID: listID, status: &archived, k: KindArchiveList})
}

// listFields is the pre-image of a list update.
type listFields struct {
	name        string
	description string
	status      model.ListStatus
	budget      *model.Budget
}

type updateList struct {
	k      Kind
	listID string
	patch  ListPatch
	status *model.ListStatus
	prev   listFields
	server *model.ShoppingList
}

func (s *updateList) kind() Kind       { return s.k }
func (s *updateList) keys() []string   { return []string{ListKey(s.listID)} }
func (s *updateList) entityID() string { return s.listID }

func (s *updateList) resolve(alias func(string) string) { s.listID = alias(s.listID) }

func (s *updateList) validate(v view) error {
	op := strings.ReplaceAll(string(s.k), "_", " ")
	l, err := v.list(op, s.listID)
	if err != nil {
		return err
	}
	if err := v.require(op, l, model.PermEditList); err != nil {
		return err
	}
	if s.status != nil {
		if l.Status == *s.status {
			return syncerr.Validation(op, "list %s is already %s", l.ID, l.Status)
		}
		return nil
	}
	if s.patch.empty() {
		return syncerr.Validation(op, "nothing to update")
	}
	if s.patch.Name != nil {
		if err := requireName(op, *s.patch.Name); err != nil {
			return err
		}
	}
	return requireNonNegative(op, "budget", s.patch.Budget)
}

func (s *updateList) capture(st *entity.Store) {
	l, ok := st.List(s.listID)
	if !ok {
		return
	}
	s.prev = listFields{name: l.Name, description: l.Description, status: l.Status, budget: l.Budget}
}

func (s *updateList) apply(st *entity.Store) {
	st.UpdateList(s.listID, func(l *model.ShoppingList) bool {
		if s.status != nil {
			l.Status = *s.status
		}
		if s.patch.Name != nil {
			l.Name = strings.TrimSpace(*s.patch.Name)
		}
		if s.patch.Description != nil {
			l.Description = *s.patch.Description
		}
		if s.patch.Budget != nil || s.patch.Currency != nil {
			b := model.Budget{Currency: defaultCurrency, Spent: l.Stats.TotalSpent}
			if l.Budget != nil {
				b = *l.Budget
			}
			if s.patch.Budget != nil {
				b.Total = *s.patch.Budget
			}
			if s.patch.Currency != nil {
				b.Currency = currencyOr(*s.patch.Currency)
			}
			l.Budget = &b
		}
		return true
	})
}

func (s *updateList) send(ctx context.Context, r Remote) error {
	in := api.ListUpdate{
		Name:           s.patch.Name,
		Description:    s.patch.Description,
		Status:         s.status,
		BudgetAmount:   s.patch.Budget,
		BudgetCurrency: s.patch.Currency,
	}
	resp := r.UpdateList(ctx, s.listID, in)
	if err := resp.Err(); err != nil {
		return sendErr(ctx, err)
	}
	l := resp.Data.ToModel()
	s.server = &l
	return nil
}

// confirm takes the list-level fields from the server. Items and
// collaborators are left alone; they have their own mutations in flight.
func (s *updateList) confirm(st *entity.Store, _ func(tmp, real string)) {
	srv := s.server
	st.UpdateList(s.listID, func(l *model.ShoppingList) bool {
		l.Name = srv.Name
		l.Description = srv.Description
		l.Status = srv.Status
		l.Budget = srv.Budget
		if !srv.UpdatedAt.IsZero() {
			l.UpdatedAt = srv.UpdatedAt
		}
		return true
	})
}

func (s *updateList) rollback(st *entity.Store) {
	st.UpdateList(s.listID, func(l *model.ShoppingList) bool {
		l.Name = s.prev.name
		l.Description = s.prev.description
		l.Status = s.prev.status
		l.Budget = s.prev.budget
		return true
	})
}
