package realtime

import (
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/mutation"
)

// Reconcile folds a full list refresh into the store. Entities with
// unsettled mutations keep their local state, and local entities newer than
// the refreshed copy are kept. When complete is set, lists missing from the
// refresh are removed unless a mutation on them is still unsettled, which
// drops abandoned temporary lists too.
func (m *Merger) Reconcile(lists []model.ShoppingList, complete bool) {
	m.pending.Locked(func(pending func(string) bool) {
		fetched := make(map[string]bool, len(lists))
		for _, in := range lists {
			fetched[in.ID] = true
			m.reconcileList(in, pending)
		}
		if !complete {
			return
		}
		for _, l := range m.store.Lists() {
			if fetched[l.ID] || listPending(l, pending) {
				continue
			}
			m.store.RemoveList(l.ID)
		}
	})
}

func listPending(l model.ShoppingList, pending func(string) bool) bool {
	if pending(mutation.ListKey(l.ID)) || pending(mutation.CollaboratorsKey(l.ID)) {
		return true
	}
	for _, it := range l.Items {
		if pending(mutation.ItemKey(l.ID, it.ID)) {
			return true
		}
	}
	return false
}

func (m *Merger) reconcileList(in model.ShoppingList, pending func(string) bool) {
	local, ok := m.store.List(in.ID)
	if !ok {
		m.store.UpsertList(in)
		return
	}

	out := in.Clone()
	if pending(mutation.ListKey(in.ID)) || local.UpdatedAt.After(in.UpdatedAt) {
		out.Name = local.Name
		out.Description = local.Description
		out.Status = local.Status
		out.Budget = local.Clone().Budget
		out.UpdatedAt = local.UpdatedAt
	}
	if pending(mutation.CollaboratorsKey(in.ID)) {
		out.Collaborators = local.Clone().Collaborators
	}

	localItems := make(map[string]model.ShoppingItem, len(local.Items))
	for _, it := range local.Items {
		localItems[it.ID] = it
	}
	items := make([]model.ShoppingItem, 0, len(in.Items))
	seen := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		seen[it.ID] = true
		key := mutation.ItemKey(in.ID, it.ID)
		mine, have := localItems[it.ID]
		switch {
		case pending(key):
			// Local state wins, including a pending removal.
			if have {
				items = append(items, mine.Clone())
			}
		case have && mine.UpdatedAt.After(it.UpdatedAt):
			items = append(items, mine.Clone())
		default:
			if dead, ok := m.tombstones.Peek(key); ok && dead.After(it.UpdatedAt) {
				continue
			}
			if it.Category == nil && have {
				it.Category = mine.Category
			}
			items = append(items, it)
		}
	}
	for _, it := range local.Items {
		if !seen[it.ID] && pending(mutation.ItemKey(in.ID, it.ID)) {
			items = append(items, it.Clone())
		}
	}
	out.Items = items
	if out.Budget != nil {
		out.RecomputeStats()
		out.Budget.Spent = out.Stats.TotalSpent
	}
	m.store.UpsertList(out)
}
