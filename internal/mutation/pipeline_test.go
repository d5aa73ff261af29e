package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/syncerr"
)

func ptr[T any](v T) *T { return &v }

func fixture() api.ListDTO {
	liter := "liter"
	return api.ListDTO{
		ID:        "L1",
		Name:      "Groceries",
		OwnerID:   "U1",
		Status:    "active",
		CreatedAt: stamp,
		UpdatedAt: stamp,
		Items: []api.ItemDTO{
			{ID: "I1", ListID: "L1", Name: "Milk", Quantity: 2, Unit: &liter, CreatedAt: stamp, UpdatedAt: stamp},
			{ID: "I2", ListID: "L1", Name: "Bread", Quantity: 1, AssignedTo: ptr("U2"), EstimatedPrice: ptr(api.Number(3.5)), CreatedAt: stamp, UpdatedAt: stamp},
		},
		Collaborators: []api.CollaboratorDTO{
			{ID: "C2", ListID: "L1", UserID: "U2", Role: "editor", InvitedAt: stamp},
			{ID: "C3", ListID: "L1", UserID: "U3", Role: "viewer", InvitedAt: stamp},
		},
	}
}

type harness struct {
	store  *entity.Store
	remote *fakeRemote
	pipe   *Pipeline
}

func newHarness(t *testing.T, user string, lists ...api.ListDTO) *harness {
	t.Helper()
	store := entity.NewStore(logging.Discard())
	for _, l := range lists {
		store.UpsertList(l.ToModel())
	}
	remote := newFakeRemote(lists...)
	p := New(store, remote, actor(user), logging.Discard())
	t.Cleanup(p.Close)
	return &harness{store: store, remote: remote, pipe: p}
}

func settle(t *testing.T, p *Pending) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-p.Done():
		return p.Err()
	case <-ctx.Done():
		t.Fatalf("%s did not settle, state %s", p.Kind(), p.State())
		return nil
	}
}

func item(t *testing.T, s *entity.Store, listID, itemID string) model.ShoppingItem {
	t.Helper()
	it, ok := s.Item(listID, itemID)
	require.True(t, ok, "item %s/%s missing", listID, itemID)
	return it
}

func TestCreateListConfirmsWithServerID(t *testing.T) {
	h := newHarness(t, "U1")
	h.remote.listID = "L1"
	release := h.remote.holdOp("create_list")

	pend, err := h.pipe.CreateList(NewList{Name: "Groceries"})
	require.NoError(t, err)

	lists := h.store.Lists()
	require.Len(t, lists, 1)
	tmp := lists[0]
	assert.True(t, IsTemporary(tmp.ID))
	assert.Equal(t, "Groceries", tmp.Name)
	assert.Equal(t, 0, tmp.Stats.ItemsCount)
	assert.Equal(t, AwaitingServer, pend.State())

	release()
	require.NoError(t, settle(t, pend))
	assert.Equal(t, Confirmed, pend.State())

	l, ok := h.store.List("L1")
	require.True(t, ok)
	assert.Equal(t, "Groceries", l.Name)
	_, ok = h.store.List(tmp.ID)
	assert.False(t, ok, "temporary list must be replaced")
	assert.Len(t, h.store.Lists(), 1)
	assert.Equal(t, "L1", pend.EntityID())
}

func TestRollbackRestoresPreImage(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		submit func(p *Pipeline) (*Pending, error)
	}{
		{"create list", "create_list", func(p *Pipeline) (*Pending, error) {
			return p.CreateList(NewList{Name: "Party", Budget: ptr(40.0)})
		}},
		{"update list", "update_list", func(p *Pipeline) (*Pending, error) {
			return p.UpdateList("L1", ListPatch{Name: ptr("Weekly"), Budget: ptr(50.0)})
		}},
		{"archive list", "update_list", func(p *Pipeline) (*Pending, error) {
			return p.ArchiveList("L1")
		}},
		{"add item", "add_item", func(p *Pipeline) (*Pending, error) {
			return p.AddItem("L1", NewItem{Name: "Eggs", Quantity: 12})
		}},
		{"update item", "update_item", func(p *Pipeline) (*Pending, error) {
			return p.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(3.0), Completed: ptr(true), Notes: ptr("organic")})
		}},
		{"assign item", "update_item", func(p *Pipeline) (*Pending, error) {
			return p.AssignItem("L1", "I1", "U2")
		}},
		{"unassign item", "update_item", func(p *Pipeline) (*Pending, error) {
			return p.UnassignItem("L1", "I2")
		}},
		{"remove item", "delete_item", func(p *Pipeline) (*Pending, error) {
			return p.RemoveItem("L1", "I1")
		}},
		{"add collaborator", "add_collaborator", func(p *Pipeline) (*Pending, error) {
			return p.AddCollaborator("L1", NewCollaborator{UserID: "U4", Role: model.RoleEditor})
		}},
		{"remove collaborator", "remove_collaborator", func(p *Pipeline) (*Pending, error) {
			return p.RemoveCollaborator("L1", "U2")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "U1", fixture())
			h.remote.failWith(tt.op, 503)
			before := h.store.Lists()

			pend, err := tt.submit(h.pipe)
			require.NoError(t, err)
			assert.NotEqual(t, before, h.store.Lists(), "optimistic change must be visible")

			err = settle(t, pend)
			require.Error(t, err)
			assert.True(t, syncerr.IsTransient(err), "err = %v", err)
			assert.Equal(t, RolledBack, pend.State())
			assert.Equal(t, before, h.store.Lists())
		})
	}
}

func TestAssignFailureRestoresPriorAssignee(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	h.remote.failWith("update_item", 500)

	pend, err := h.pipe.AssignItem("L1", "I1", "U2")
	require.NoError(t, err)
	assert.Equal(t, "U2", *item(t, h.store, "L1", "I1").AssignedTo)
	require.Error(t, settle(t, pend))
	assert.Nil(t, item(t, h.store, "L1", "I1").AssignedTo)

	pend, err = h.pipe.AssignItem("L1", "I2", "U3")
	require.NoError(t, err)
	require.Error(t, settle(t, pend))
	assert.Equal(t, ptr("U2"), item(t, h.store, "L1", "I2").AssignedTo)
}

func TestConfirmTakesServerFields(t *testing.T) {
	h := newHarness(t, "U1", fixture())

	pend, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Completed: ptr(true), PurchasedAmount: ptr(2.4)})
	require.NoError(t, err)
	require.NoError(t, settle(t, pend))

	it := item(t, h.store, "L1", "I1")
	assert.True(t, it.Completed)
	assert.Equal(t, stamp.Add(time.Minute), it.UpdatedAt)
	l, _ := h.store.List("L1")
	assert.Equal(t, 1, l.Stats.CompletedCount)
	assert.InDelta(t, 2.4, l.Stats.TotalSpent, 0.001)
}

func TestValidationRejectsBeforeApply(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		submit func(p *Pipeline) (*Pending, error)
	}{
		{"assignee not a member", "U1", func(p *Pipeline) (*Pending, error) { return p.AssignItem("L1", "I1", "U9") }},
		{"viewer cannot add", "U3", func(p *Pipeline) (*Pending, error) { return p.AddItem("L1", NewItem{Name: "Eggs"}) }},
		{"editor cannot delete", "U2", func(p *Pipeline) (*Pending, error) { return p.RemoveItem("L1", "I1") }},
		{"editor cannot rename list", "U2", func(p *Pipeline) (*Pending, error) {
			return p.UpdateList("L1", ListPatch{Name: ptr("Mine")})
		}},
		{"empty name", "U1", func(p *Pipeline) (*Pending, error) { return p.AddItem("L1", NewItem{Name: "  "}) }},
		{"negative quantity", "U1", func(p *Pipeline) (*Pending, error) {
			return p.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(-1.0)})
		}},
		{"empty patch", "U1", func(p *Pipeline) (*Pending, error) { return p.UpdateItem("L1", "I1", ItemPatch{}) }},
		{"unknown list", "U1", func(p *Pipeline) (*Pending, error) { return p.AddItem("L9", NewItem{Name: "Eggs"}) }},
		{"unknown item", "U1", func(p *Pipeline) (*Pending, error) { return p.RemoveItem("L1", "I9") }},
		{"owner cannot be removed", "U1", func(p *Pipeline) (*Pending, error) { return p.RemoveCollaborator("L1", "U1") }},
		{"already a member", "U1", func(p *Pipeline) (*Pending, error) {
			return p.AddCollaborator("L1", NewCollaborator{UserID: "U2"})
		}},
		{"second owner", "U1", func(p *Pipeline) (*Pending, error) {
			return p.AddCollaborator("L1", NewCollaborator{UserID: "U5", Role: model.RoleOwner})
		}},
		{"already archived", "U1", func(p *Pipeline) (*Pending, error) {
			if _, err := p.ArchiveList("L1"); err != nil {
				return nil, err
			}
			return p.ArchiveList("L1")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.user, fixture())
			release := h.remote.holdOp("update_list")
			defer release()
			before := h.store.Lists()

			pend, err := tt.submit(h.pipe)
			require.Error(t, err)
			assert.Nil(t, pend)
			assert.True(t, syncerr.IsValidation(err), "err = %v", err)
			if tt.name != "already archived" {
				assert.Equal(t, before, h.store.Lists())
				assert.Empty(t, h.remote.recorded())
			}
		})
	}
}

func TestSubmitRequiresSession(t *testing.T) {
	h := newHarness(t, "", fixture())
	_, err := h.pipe.CreateList(NewList{Name: "Groceries"})
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.Len(t, h.store.Lists(), 1)
}

func TestMembersMayLeave(t *testing.T) {
	h := newHarness(t, "U3", fixture())
	pend, err := h.pipe.RemoveCollaborator("L1", "U3")
	require.NoError(t, err)
	require.NoError(t, settle(t, pend))
	l, _ := h.store.List("L1")
	assert.False(t, l.IsMember("U3"))
}

func TestSameItemMutationsSerialize(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	release := h.remote.holdOp("update_item")

	first, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(3.0)})
	require.NoError(t, err)
	second, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(4.0)})
	require.NoError(t, err)

	assert.Equal(t, AwaitingServer, first.State())
	assert.Equal(t, Initiated, second.State())
	assert.Equal(t, 3.0, item(t, h.store, "L1", "I1").Quantity, "queued mutation must not apply yet")
	assert.Len(t, h.remote.recorded(), 1)

	release()
	require.NoError(t, settle(t, first))
	require.NoError(t, settle(t, second))
	assert.Equal(t, 4.0, item(t, h.store, "L1", "I1").Quantity)
	assert.Len(t, h.remote.recorded(), 2)
}

func TestDisjointMutationsRunInParallel(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	release := h.remote.holdOp("update_item")

	a, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(5.0)})
	require.NoError(t, err)
	b, err := h.pipe.AssignItem("L1", "I2", "U3")
	require.NoError(t, err)

	assert.Equal(t, AwaitingServer, a.State())
	assert.Equal(t, AwaitingServer, b.State())
	require.Eventually(t, func() bool { return len(h.remote.recorded()) == 2 }, time.Second, 5*time.Millisecond)

	release()
	require.NoError(t, settle(t, a))
	require.NoError(t, settle(t, b))
}

func TestDrainWaitsForQueuedMutations(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	release := h.remote.holdOp("update_item")

	first, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(3.0)})
	require.NoError(t, err)
	second, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(4.0)})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.pipe.Drain(short), context.DeadlineExceeded)

	release()
	require.NoError(t, h.pipe.Drain(context.Background()))
	assert.Equal(t, Confirmed, first.State())
	assert.Equal(t, Confirmed, second.State())
	assert.False(t, h.pipe.Pending(ItemKey("L1", "I1")))
	assert.Equal(t, 4.0, item(t, h.store, "L1", "I1").Quantity)
}

func TestQueuedMutationsFollowConfirmedIDs(t *testing.T) {
	h := newHarness(t, "U1")
	h.remote.listID = "L7"
	releaseList := h.remote.holdOp("create_list")

	create, err := h.pipe.CreateList(NewList{Name: "Party"})
	require.NoError(t, err)
	tmpList := create.EntityID()

	add, err := h.pipe.AddItem(tmpList, NewItem{Name: "Chips"})
	require.NoError(t, err)
	assert.Equal(t, Initiated, add.State())

	releaseItem := h.remote.holdOp("add_item")
	releaseList()
	require.NoError(t, settle(t, create))
	require.Eventually(t, func() bool { return add.State() == AwaitingServer }, time.Second, 5*time.Millisecond)

	tmpItem := add.EntityID()
	require.True(t, IsTemporary(tmpItem))
	upd, err := h.pipe.UpdateItem("L7", tmpItem, ItemPatch{Quantity: ptr(3.0)})
	require.NoError(t, err)
	assert.Equal(t, Initiated, upd.State(), "update must queue behind the unconfirmed add")

	releaseItem()
	require.NoError(t, settle(t, add))
	require.NoError(t, settle(t, upd))

	l, ok := h.store.List("L7")
	require.True(t, ok)
	require.Len(t, l.Items, 1)
	assert.Equal(t, add.EntityID(), l.Items[0].ID)
	assert.False(t, IsTemporary(l.Items[0].ID))
	assert.Equal(t, 3.0, l.Items[0].Quantity)

	calls := h.remote.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, call{op: "add_item", listID: "L7"}, calls[1])
	assert.Equal(t, call{op: "update_item", listID: "L7", id: add.EntityID()}, calls[2])
}

func TestQueuedMutationFailsWhenPredecessorRollsBack(t *testing.T) {
	h := newHarness(t, "U1")
	h.remote.failWith("create_list", 503)
	release := h.remote.holdOp("create_list")

	create, err := h.pipe.CreateList(NewList{Name: "Party"})
	require.NoError(t, err)
	add, err := h.pipe.AddItem(create.EntityID(), NewItem{Name: "Chips"})
	require.NoError(t, err)

	release()
	require.Error(t, settle(t, create))
	err = settle(t, add)
	require.Error(t, err)
	assert.True(t, syncerr.IsValidation(err))
	assert.Equal(t, RolledBack, add.State())
	assert.Empty(t, h.store.Lists())
}

func TestAbandonKeepsOptimisticState(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	release := h.remote.holdOp("update_item")
	defer release()

	pend, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(9.0)})
	require.NoError(t, err)
	pend.Abandon()

	require.NoError(t, settle(t, pend))
	assert.Equal(t, Abandoned, pend.State())
	assert.Equal(t, 9.0, item(t, h.store, "L1", "I1").Quantity)
	assert.False(t, h.pipe.Pending(ItemKey("L1", "I1")))
}

func TestAuthFailureRollsBackAndNotifies(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	h.remote.failWith("update_item", 401)
	notified := make(chan error, 1)
	h.pipe.OnAuthFailure(func(err error) { notified <- err })

	pend, err := h.pipe.AssignItem("L1", "I1", "U2")
	require.NoError(t, err)
	err = settle(t, pend)
	assert.True(t, syncerr.IsAuth(err))
	assert.Nil(t, item(t, h.store, "L1", "I1").AssignedTo)

	select {
	case got := <-notified:
		assert.True(t, syncerr.IsAuth(got))
	case <-time.After(time.Second):
		t.Fatal("auth failure hook not called")
	}
}

func TestDeferredReplaysRunInOrderAfterSettle(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	release := h.remote.holdOp("update_item")

	pend, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Quantity: ptr(3.0)})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	deferred := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	assert.False(t, h.pipe.Guard([]string{ItemKey("L1", "I1")}, deferred("apply a"), deferred("a")))
	assert.False(t, h.pipe.Guard([]string{ListKey("L1"), ItemKey("L1", "I1")}, deferred("apply b"), deferred("b")))
	assert.True(t, h.pipe.Guard([]string{ItemKey("L1", "I2")}, deferred("apply c"), deferred("c")))

	mu.Lock()
	assert.Equal(t, []string{"apply c"}, order)
	order = nil
	mu.Unlock()

	release()
	require.NoError(t, settle(t, pend))
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, order)
	mu.Unlock()
}

func TestSettleHookReportsOutcome(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	h.remote.listID = "L2"
	got := make(chan Settlement, 4)
	h.pipe.OnSettle(func(s Settlement) { got <- s })

	pend, err := h.pipe.CreateList(NewList{Name: "Hardware"})
	require.NoError(t, err)
	require.NoError(t, settle(t, pend))

	s := <-got
	assert.Equal(t, KindCreateList, s.Kind)
	assert.Equal(t, Confirmed, s.State)
	assert.Equal(t, "L2", s.EntityID)
	assert.NoError(t, s.Err)
	assert.GreaterOrEqual(t, s.Elapsed, time.Duration(0))
}

func TestGuardAppliesOrDefers(t *testing.T) {
	h := newHarness(t, "U1", fixture())
	key := []string{ItemKey("L1", "I1")}

	ran, replayed := false, make(chan struct{})
	assert.True(t, h.pipe.Guard(key, func() { ran = true }, func() { t.Error("replay of idle key") }))
	assert.True(t, ran)

	release := h.remote.holdOp("update_item")
	pend, err := h.pipe.UpdateItem("L1", "I1", ItemPatch{Notes: ptr("skim")})
	require.NoError(t, err)

	assert.False(t, h.pipe.Guard(key, func() { t.Error("apply while pending") }, func() { close(replayed) }))
	release()
	require.NoError(t, settle(t, pend))
	select {
	case <-replayed:
	default:
		t.Fatal("replay did not run before settlement completed")
	}
}
