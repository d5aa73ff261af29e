package model

import "time"

type ListStatus string

const (
	ListActive    ListStatus = "active"
	ListCompleted ListStatus = "completed"
	ListArchived  ListStatus = "archived"
)

// Valid reports whether s is one of the known list statuses.
func (s ListStatus) Valid() bool {
	switch s {
	case ListActive, ListCompleted, ListArchived:
		return true
	}
	return false
}

type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

type Budget struct {
	Total    float64 `json:"total"`
	Spent    float64 `json:"spent"`
	Currency string  `json:"currency"`
}

type Stats struct {
	ItemsCount     int     `json:"items_count"`
	CompletedCount int     `json:"completed_count"`
	Progress       float64 `json:"progress"`
	TotalSpent     float64 `json:"total_spent"`
}

type ShoppingItem struct {
	ID              string     `json:"id"`
	ListID          string     `json:"list_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Quantity        float64    `json:"quantity"`
	Unit            string     `json:"unit"`
	Category        *Category  `json:"category,omitempty"`
	AssignedTo      *string    `json:"assigned_to,omitempty"`
	Completed       bool       `json:"completed"`
	Price           *float64   `json:"price,omitempty"`
	PurchasedAmount *float64   `json:"purchased_amount,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Barcode         string     `json:"barcode,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type ShoppingList struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	OwnerID       string         `json:"owner_id"`
	Collaborators []Collaborator `json:"collaborators"`
	Items         []ShoppingItem `json:"items"`
	Status        ListStatus     `json:"status"`
	Budget        *Budget        `json:"budget,omitempty"`
	Stats         Stats          `json:"stats"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RecomputeStats derives the list statistics from its items. It must run
// after every write that touches Items.
func (l *ShoppingList) RecomputeStats() {
	var st Stats
	st.ItemsCount = len(l.Items)
	for _, it := range l.Items {
		if it.Completed {
			st.CompletedCount++
		}
		if it.PurchasedAmount != nil {
			st.TotalSpent += *it.PurchasedAmount
		}
	}
	if st.ItemsCount > 0 {
		st.Progress = float64(st.CompletedCount) / float64(st.ItemsCount) * 100
	}
	l.Stats = st
}

// ItemIndex returns the position of the item with the given id, or -1.
func (l *ShoppingList) ItemIndex(id string) int {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// CollaboratorIndex returns the position of the collaborator for userID, or -1.
func (l *ShoppingList) CollaboratorIndex(userID string) int {
	for i := range l.Collaborators {
		if l.Collaborators[i].UserID == userID {
			return i
		}
	}
	return -1
}

// IsMember reports whether userID owns the list or is one of its collaborators.
func (l *ShoppingList) IsMember(userID string) bool {
	if userID == "" {
		return false
	}
	return l.OwnerID == userID || l.CollaboratorIndex(userID) >= 0
}

// EnsureOwner materializes the owner as an implicit collaborator when the
// server collaborators array omitted it. The owner is always placed first.
func (l *ShoppingList) EnsureOwner() {
	if l.OwnerID == "" || l.CollaboratorIndex(l.OwnerID) >= 0 {
		return
	}
	owner := Collaborator{
		ID:          "owner-" + l.OwnerID,
		UserID:      l.OwnerID,
		ListID:      l.ID,
		Role:        RoleOwner,
		Permissions: DefaultPermissions(RoleOwner),
		InvitedAt:   l.CreatedAt,
	}
	if !l.CreatedAt.IsZero() {
		accepted := l.CreatedAt
		owner.AcceptedAt = &accepted
	}
	l.Collaborators = append([]Collaborator{owner}, l.Collaborators...)
}

// Normalize restores the structural invariants of a list received from
// outside the store: non-nil slices, the implicit owner, fresh stats.
func (l *ShoppingList) Normalize() {
	if l.Items == nil {
		l.Items = []ShoppingItem{}
	}
	if l.Collaborators == nil {
		l.Collaborators = []Collaborator{}
	}
	if l.Status == "" {
		l.Status = ListActive
	}
	for i := range l.Items {
		l.Items[i].ListID = l.ID
	}
	for i := range l.Collaborators {
		l.Collaborators[i].ListID = l.ID
	}
	l.EnsureOwner()
	l.RecomputeStats()
}

// Clone returns a deep copy of the list.
func (l ShoppingList) Clone() ShoppingList {
	out := l
	if l.Budget != nil {
		b := *l.Budget
		out.Budget = &b
	}
	if l.Items != nil {
		out.Items = make([]ShoppingItem, len(l.Items))
		for i, it := range l.Items {
			out.Items[i] = it.Clone()
		}
	}
	if l.Collaborators != nil {
		out.Collaborators = make([]Collaborator, len(l.Collaborators))
		for i, c := range l.Collaborators {
			out.Collaborators[i] = c.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the item.
func (it ShoppingItem) Clone() ShoppingItem {
	out := it
	if it.Category != nil {
		c := *it.Category
		out.Category = &c
	}
	out.AssignedTo = cloneString(it.AssignedTo)
	out.Price = cloneFloat(it.Price)
	out.PurchasedAmount = cloneFloat(it.PurchasedAmount)
	out.CompletedAt = cloneTime(it.CompletedAt)
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
