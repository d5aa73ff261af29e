// Package entity holds the authoritative in-memory copy of shopping lists,
// their items and collaborators.
//
// Every operation runs to completion under the store lock and never fails:
// a missing target is logged and ignored. Reads hand out deep copies, so the
// only way to change a list is through the operations below.
package entity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/model"
)

type ChangeKind string

const (
	ChangeList        ChangeKind = "list"
	ChangeListRemoved ChangeKind = "list_removed"
	ChangeCurrentList ChangeKind = "current_list"
	ChangeSocial      ChangeKind = "social"
	ChangeReset       ChangeKind = "reset"
)

// Change describes a committed store mutation. For ChangeCurrentList,
// ListID is the new focus and Previous the old one.
type Change struct {
	Kind     ChangeKind
	ListID   string
	Previous string
}

// State is the serializable part of the store.
type State struct {
	Lists         []model.ShoppingList `json:"lists"`
	CurrentListID string               `json:"current_list_id,omitempty"`
}

const typingTTL = 5 * time.Second

type Store struct {
	mu      sync.RWMutex
	lists   []*model.ShoppingList
	current string
	social  social

	obsMu     sync.RWMutex
	observers []func(Change)

	logger *slog.Logger
	now    func() time.Time
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{
		social: newSocial(),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers fn to be called after every committed change. fn runs
// on the mutating goroutine after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) emit(changes ...Change) {
	s.obsMu.RLock()
	obs := make([]func(Change), len(s.observers))
	copy(obs, s.observers)
	s.obsMu.RUnlock()

	for _, ch := range changes {
		for _, fn := range obs {
			fn(ch)
		}
	}
}

func (s *Store) anomaly(op string, attrs ...any) {
	s.logger.Warn("entity store: target not found, ignoring", append([]any{"op", op}, attrs...)...)
}

func (s *Store) indexOf(id string) int {
	for i, l := range s.lists {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) find(id string) *model.ShoppingList {
	if i := s.indexOf(id); i >= 0 {
		return s.lists[i]
	}
	return nil
}

// --- Reads ---

// Lists returns every list in store order.
func (s *Store) Lists() []model.ShoppingList {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ShoppingList, len(s.lists))
	for i, l := range s.lists {
		out[i] = l.Clone()
	}
	return out
}

func (s *Store) List(id string) (model.ShoppingList, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.find(id)
	if l == nil {
		return model.ShoppingList{}, false
	}
	return l.Clone(), true
}

func (s *Store) Item(listID, itemID string) (model.ShoppingItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.find(listID)
	if l == nil {
		return model.ShoppingItem{}, false
	}
	i := l.ItemIndex(itemID)
	if i < 0 {
		return model.ShoppingItem{}, false
	}
	return l.Items[i].Clone(), true
}

func (s *Store) CurrentList() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// --- List operations ---

// UpsertList inserts the list or replaces the stored list with the same id in
// place.
func (s *Store) UpsertList(list model.ShoppingList) {
	l := list.Clone()
	l.Normalize()

	s.mu.Lock()
	if i := s.indexOf(l.ID); i >= 0 {
		s.lists[i] = &l
	} else {
		s.lists = append(s.lists, &l)
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: l.ID})
}

// ReplaceList swaps the list stored under oldID for list, keeping its
// position. Used when a temporary id is confirmed by the server. The current
// focus follows the replacement.
func (s *Store) ReplaceList(oldID string, list model.ShoppingList) {
	l := list.Clone()
	l.Normalize()

	s.mu.Lock()
	i := s.indexOf(oldID)
	if i < 0 {
		s.mu.Unlock()
		s.anomaly("replace_list", "list_id", oldID)
		s.UpsertList(l)
		return
	}
	// A realtime event may already have inserted the confirmed list.
	if dup := s.indexOf(l.ID); dup >= 0 && dup != i {
		s.lists = append(s.lists[:dup], s.lists[dup+1:]...)
		if dup < i {
			i--
		}
	}
	s.lists[i] = &l
	changes := []Change{{Kind: ChangeListRemoved, ListID: oldID}, {Kind: ChangeList, ListID: l.ID}}
	if s.current == oldID {
		s.current = l.ID
		changes = append(changes, Change{Kind: ChangeCurrentList, ListID: l.ID, Previous: oldID})
	}
	s.mu.Unlock()

	s.emit(changes...)
}

// RemoveList deletes the list and clears the focus if it pointed at it.
func (s *Store) RemoveList(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		s.anomaly("remove_list", "list_id", id)
		return false
	}
	s.lists = append(s.lists[:i], s.lists[i+1:]...)
	changes := []Change{{Kind: ChangeListRemoved, ListID: id}}
	if s.current == id {
		s.current = ""
		changes = append(changes, Change{Kind: ChangeCurrentList, Previous: id})
	}
	s.mu.Unlock()

	s.emit(changes...)
	return true
}

// UpdateList runs fn against the stored list under the lock. fn reports
// whether it changed anything; stats are recomputed when it did.
func (s *Store) UpdateList(id string, fn func(*model.ShoppingList) bool) bool {
	s.mu.Lock()
	l := s.find(id)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("update_list", "list_id", id)
		return false
	}
	changed := fn(l)
	if changed {
		l.ID = id
		l.Normalize()
	}
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeList, ListID: id})
	}
	return changed
}

// SetCurrentList moves the focus. An empty id clears it. Focusing an unknown
// list is allowed; the list may arrive later from a refresh.
func (s *Store) SetCurrentList(id string) {
	s.mu.Lock()
	prev := s.current
	s.current = id
	s.mu.Unlock()

	if prev != id {
		s.emit(Change{Kind: ChangeCurrentList, ListID: id, Previous: prev})
	}
}

// --- Item operations ---

// UpsertItem inserts the item at the end of the list or replaces the item
// with the same id in place.
func (s *Store) UpsertItem(listID string, item model.ShoppingItem) {
	it := item.Clone()
	it.ListID = listID

	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("upsert_item", "list_id", listID, "item_id", item.ID)
		return
	}
	if i := l.ItemIndex(it.ID); i >= 0 {
		l.Items[i] = it
	} else {
		l.Items = append(l.Items, it)
	}
	l.RecomputeStats()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
}

// InsertItemAt places the item at index, clamped to the list bounds. An item
// with the same id is removed first.
func (s *Store) InsertItemAt(listID string, item model.ShoppingItem, index int) {
	it := item.Clone()
	it.ListID = listID

	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("insert_item", "list_id", listID, "item_id", item.ID)
		return
	}
	if i := l.ItemIndex(it.ID); i >= 0 {
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
	}
	l.Items = insertAt(l.Items, it, index)
	l.RecomputeStats()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
}

// ReplaceItem swaps the item stored under oldID for item, keeping its
// position.
func (s *Store) ReplaceItem(listID, oldID string, item model.ShoppingItem) {
	it := item.Clone()
	it.ListID = listID

	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("replace_item", "list_id", listID, "item_id", oldID)
		return
	}
	i := l.ItemIndex(oldID)
	if dup := l.ItemIndex(it.ID); i < 0 {
		i = dup
	} else if dup >= 0 && dup != i {
		l.Items = append(l.Items[:dup], l.Items[dup+1:]...)
		if i > dup {
			i--
		}
	}
	if i >= 0 {
		l.Items[i] = it
	} else {
		l.Items = append(l.Items, it)
	}
	l.RecomputeStats()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
}

// RemoveItem deletes the item and returns it with its former position.
func (s *Store) RemoveItem(listID, itemID string) (model.ShoppingItem, int, bool) {
	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("remove_item", "list_id", listID, "item_id", itemID)
		return model.ShoppingItem{}, -1, false
	}
	i := l.ItemIndex(itemID)
	if i < 0 {
		s.mu.Unlock()
		s.anomaly("remove_item", "list_id", listID, "item_id", itemID)
		return model.ShoppingItem{}, -1, false
	}
	removed := l.Items[i]
	l.Items = append(l.Items[:i], l.Items[i+1:]...)
	l.RecomputeStats()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
	return removed, i, true
}

// UpdateItem runs fn against the stored item under the lock.
func (s *Store) UpdateItem(listID, itemID string, fn func(*model.ShoppingItem) bool) bool {
	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("update_item", "list_id", listID, "item_id", itemID)
		return false
	}
	i := l.ItemIndex(itemID)
	if i < 0 {
		s.mu.Unlock()
		s.anomaly("update_item", "list_id", listID, "item_id", itemID)
		return false
	}
	changed := fn(&l.Items[i])
	if changed {
		l.Items[i].ID = itemID
		l.Items[i].ListID = listID
		l.RecomputeStats()
	}
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeList, ListID: listID})
	}
	return changed
}

// --- Collaborator operations ---

// AddCollaborator appends the collaborator, or replaces the existing entry
// for the same user in place.
func (s *Store) AddCollaborator(listID string, c model.Collaborator) {
	col := c.Clone()
	col.ListID = listID

	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("add_collaborator", "list_id", listID, "user_id", c.UserID)
		return
	}
	if i := l.CollaboratorIndex(col.UserID); i >= 0 {
		l.Collaborators[i] = col
	} else {
		l.Collaborators = append(l.Collaborators, col)
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
}

// InsertCollaboratorAt places the collaborator at index, clamped to bounds.
func (s *Store) InsertCollaboratorAt(listID string, c model.Collaborator, index int) {
	col := c.Clone()
	col.ListID = listID

	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("insert_collaborator", "list_id", listID, "user_id", c.UserID)
		return
	}
	if i := l.CollaboratorIndex(col.UserID); i >= 0 {
		l.Collaborators = append(l.Collaborators[:i], l.Collaborators[i+1:]...)
	}
	l.Collaborators = insertAt(l.Collaborators, col, index)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
}

// RemoveCollaborator deletes the collaborator for userID and returns it with
// its former position. The owner cannot be removed. Items assigned to the
// user keep their assignment; the server reconciles them.
func (s *Store) RemoveCollaborator(listID, userID string) (model.Collaborator, int, bool) {
	s.mu.Lock()
	l := s.find(listID)
	if l == nil {
		s.mu.Unlock()
		s.anomaly("remove_collaborator", "list_id", listID, "user_id", userID)
		return model.Collaborator{}, -1, false
	}
	if userID == l.OwnerID {
		s.mu.Unlock()
		s.logger.Warn("entity store: refusing to remove list owner", "list_id", listID, "user_id", userID)
		return model.Collaborator{}, -1, false
	}
	i := l.CollaboratorIndex(userID)
	if i < 0 {
		s.mu.Unlock()
		s.anomaly("remove_collaborator", "list_id", listID, "user_id", userID)
		return model.Collaborator{}, -1, false
	}
	removed := l.Collaborators[i]
	l.Collaborators = append(l.Collaborators[:i], l.Collaborators[i+1:]...)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeList, ListID: listID})
	return removed, i, true
}

// --- Whole-store operations ---

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{CurrentListID: s.current, Lists: make([]model.ShoppingList, len(s.lists))}
	for i, l := range s.lists {
		st.Lists[i] = l.Clone()
	}
	return st
}

// Restore replaces the store contents with st.
func (s *Store) Restore(st State) {
	lists := make([]*model.ShoppingList, 0, len(st.Lists))
	for _, l := range st.Lists {
		c := l.Clone()
		c.Normalize()
		lists = append(lists, &c)
	}

	s.mu.Lock()
	s.lists = lists
	s.current = st.CurrentListID
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeReset, ListID: st.CurrentListID})
}

// Reset empties the store, including social state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.lists = nil
	s.current = ""
	s.social = newSocial()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeReset})
}

func insertAt[T any](xs []T, v T, index int) []T {
	if index < 0 {
		index = 0
	}
	if index >= len(xs) {
		return append(xs, v)
	}
	xs = append(xs, v)
	copy(xs[index+1:], xs[index:])
	xs[index] = v
	return xs
}
