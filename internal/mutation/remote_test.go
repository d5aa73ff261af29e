package mutation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/api"
)

var stamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRemote is an in-memory backend. Operations can be made to fail with a
// status or held until released.
type fakeRemote struct {
	mu     sync.Mutex
	lists  map[string]*api.ListDTO
	fail   map[string]int
	hold   map[string]chan struct{}
	calls  []call
	seq    int
	listID string
}

type call struct {
	op     string
	listID string
	id     string
}

func newFakeRemote(lists ...api.ListDTO) *fakeRemote {
	f := &fakeRemote{
		lists: make(map[string]*api.ListDTO),
		fail:  make(map[string]int),
		hold:  make(map[string]chan struct{}),
	}
	for i := range lists {
		l := lists[i]
		f.lists[l.ID] = &l
	}
	return f
}

func (f *fakeRemote) failWith(op string, status int) {
	f.mu.Lock()
	f.fail[op] = status
	f.mu.Unlock()
}

// holdOp blocks op until the returned func is called.
func (f *fakeRemote) holdOp(op string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold[op] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeRemote) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call{}, f.calls...)
}

func (f *fakeRemote) enter(ctx context.Context, op, listID, id string) int {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: op, listID: listID, id: id})
	status := f.fail[op]
	hold := f.hold[op]
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return -1
		}
	}
	return status
}

func (f *fakeRemote) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-srv-%d", prefix, f.seq)
}

func failure[T any](status int) api.Response[T] {
	if status < 0 {
		status = 0
	}
	return api.Response[T]{Status: status, Detail: "fake failure"}
}

func (f *fakeRemote) CreateList(ctx context.Context, in api.ListInput) api.Response[api.ListDTO] {
	if st := f.enter(ctx, "create_list", "", ""); st != 0 {
		return failure[api.ListDTO](st)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.listID
	if id == "" {
		id = f.nextID("L")
	}
	l := api.ListDTO{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		OwnerID:     "U1",
		Status:      "active",
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
	}
	if in.BudgetAmount != nil {
		n := api.Number(*in.BudgetAmount)
		l.BudgetAmount = &n
		l.BudgetCurrency = in.BudgetCurrency
	}
	f.lists[id] = &l
	out := l
	return api.Response[api.ListDTO]{Data: &out, Status: 201}
}

func (f *fakeRemote) UpdateList(ctx context.Context, listID string, in api.ListUpdate) api.Response[api.ListDTO] {
	if st := f.enter(ctx, "update_list", listID, ""); st != 0 {
		return failure[api.ListDTO](st)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return failure[api.ListDTO](404)
	}
	if in.Name != nil {
		l.Name = *in.Name
	}
	if in.Description != nil {
		l.Description = in.Description
	}
	if in.Status != nil {
		l.Status = string(*in.Status)
	}
	if in.BudgetAmount != nil {
		n := api.Number(*in.BudgetAmount)
		l.BudgetAmount = &n
	}
	if in.BudgetCurrency != nil {
		l.BudgetCurrency = in.BudgetCurrency
	}
	l.UpdatedAt = l.UpdatedAt.Add(time.Minute)
	out := *l
	return api.Response[api.ListDTO]{Data: &out, Status: 200}
}

func (f *fakeRemote) AddItem(ctx context.Context, listID string, in api.ItemInput) api.Response[api.ItemDTO] {
	if st := f.enter(ctx, "add_item", listID, ""); st != 0 {
		return failure[api.ItemDTO](st)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	unit := in.Unit
	if unit == "" {
		unit = "piece"
	}
	it := api.ItemDTO{
		ID:         f.nextID("I"),
		ListID:     listID,
		Name:       in.Name,
		Quantity:   api.Number(in.Quantity),
		Unit:       &unit,
		AssignedTo: in.AssignedTo,
		Notes:      in.Notes,
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}
	if in.EstimatedPrice != nil {
		n := api.Number(*in.EstimatedPrice)
		it.EstimatedPrice = &n
	}
	if l, ok := f.lists[listID]; ok {
		l.Items = append(l.Items, it)
	}
	return api.Response[api.ItemDTO]{Data: &it, Status: 201}
}

func (f *fakeRemote) UpdateItem(ctx context.Context, listID, itemID string, in api.ItemUpdate) api.Response[api.ItemDTO] {
	if st := f.enter(ctx, "update_item", listID, itemID); st != 0 {
		return failure[api.ItemDTO](st)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return failure[api.ItemDTO](404)
	}
	for i := range l.Items {
		it := &l.Items[i]
		if it.ID != itemID {
			continue
		}
		if in.Name != nil {
			it.Name = *in.Name
		}
		if in.Quantity != nil {
			it.Quantity = api.Number(*in.Quantity)
		}
		if in.Completed != nil {
			it.Completed = *in.Completed
		}
		if in.Notes != nil {
			it.Notes = in.Notes
		}
		if in.EstimatedPrice != nil {
			n := api.Number(*in.EstimatedPrice)
			it.EstimatedPrice = &n
		}
		if in.ActualPrice != nil {
			n := api.Number(*in.ActualPrice)
			it.ActualPrice = &n
		}
		switch {
		case in.ClearAssignee:
			it.AssignedTo = nil
		case in.AssignedTo != nil:
			u := *in.AssignedTo
			it.AssignedTo = &u
		}
		it.UpdatedAt = it.UpdatedAt.Add(time.Minute)
		out := *it
		return api.Response[api.ItemDTO]{Data: &out, Status: 200}
	}
	return failure[api.ItemDTO](404)
}

func (f *fakeRemote) DeleteItem(ctx context.Context, listID, itemID string) api.Response[api.MessageDTO] {
	if st := f.enter(ctx, "delete_item", listID, itemID); st != 0 {
		return failure[api.MessageDTO](st)
	}
	return api.Response[api.MessageDTO]{Data: &api.MessageDTO{Message: "deleted"}, Status: 200}
}

func (f *fakeRemote) AddCollaborator(ctx context.Context, listID string, in api.CollaboratorInput) api.Response[api.CollaboratorDTO] {
	if st := f.enter(ctx, "add_collaborator", listID, in.UserID); st != 0 {
		return failure[api.CollaboratorDTO](st)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := api.CollaboratorDTO{
		ID:        f.nextID("C"),
		ListID:    listID,
		UserID:    in.UserID,
		Role:      string(in.Role),
		InvitedAt: stamp,
	}
	return api.Response[api.CollaboratorDTO]{Data: &c, Status: 201}
}

func (f *fakeRemote) RemoveCollaborator(ctx context.Context, listID, userID string) api.Response[api.MessageDTO] {
	if st := f.enter(ctx, "remove_collaborator", listID, userID); st != 0 {
		return failure[api.MessageDTO](st)
	}
	return api.Response[api.MessageDTO]{Data: &api.MessageDTO{Message: "removed"}, Status: 200}
}

type actor string

func (a actor) Authenticated() bool { return a != "" }
func (a actor) UserID() string      { return string(a) }
