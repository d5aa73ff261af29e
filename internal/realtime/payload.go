package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/websocket"
)

var (
	errNoPayload = errors.New("event has no data")
	errNoID      = errors.New("event data has no id")
	errNoClock   = errors.New("event has neither updated_at nor timestamp")
	errListID    = errors.New("event list_id disagrees with data")
)

// timeLayouts accepts RFC 3339 and the zone-less ISO form the backend uses
// for envelope timestamps. Zone-less values are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// fields is a decoded payload that remembers which keys were present.
type fields map[string]json.RawMessage

func decodeFields(raw json.RawMessage) (fields, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errNoPayload
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return f, nil
}

func (f fields) present(key string) bool {
	_, ok := f[key]
	return ok
}

func (f fields) null(key string) bool {
	return string(f[key]) == "null"
}

// str returns the value of a string field. A present null reads as "".
func (f fields) str(key string) (*string, error) {
	raw, ok := f[key]
	if !ok {
		return nil, nil
	}
	var v string
	if f.null(key) {
		return &v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("field %s: %w", key, err)
	}
	return &v, nil
}

// num returns a numeric field; numbers encoded as strings are accepted. The
// bool reports presence, so a present null can clear a value.
func (f fields) num(key string) (*float64, bool, error) {
	raw, ok := f[key]
	if !ok {
		return nil, false, nil
	}
	if f.null(key) {
		return nil, true, nil
	}
	var n api.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, true, fmt.Errorf("field %s: %w", key, err)
	}
	v := float64(n)
	return &v, true, nil
}

func (f fields) boolean(key string) (*bool, error) {
	raw, ok := f[key]
	if !ok || f.null(key) {
		return nil, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("field %s: %w", key, err)
	}
	return &v, nil
}

func (f fields) time(key string) (*time.Time, error) {
	s, err := f.str(key)
	if err != nil || s == nil || *s == "" {
		return nil, err
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", key, err)
	}
	return &t, nil
}

// clock is the entity's updated_at, falling back to the envelope timestamp.
func clock(f fields, ev websocket.Event) (time.Time, error) {
	t, err := f.time("updated_at")
	if err != nil {
		return time.Time{}, err
	}
	if t != nil {
		return *t, nil
	}
	if ev.Timestamp == "" {
		return time.Time{}, errNoClock
	}
	return parseTime(ev.Timestamp)
}

func requiredID(f fields) (string, error) {
	id, err := f.str("id")
	if err != nil {
		return "", err
	}
	if id == nil || *id == "" {
		return "", errNoID
	}
	return *id, nil
}

// itemPatch is a normalized item_update. Nil fields were absent from the
// payload and keep their local value.
type itemPatch struct {
	ID     string
	ListID string
	Action string
	Clock  time.Time

	Name        *string
	Description *string
	Quantity    *float64
	Unit        *string
	CategoryID  *string
	Completed   *bool
	CompletedAt *time.Time
	Notes       *string
	Barcode     *string

	assignSet bool
	assignee  *string
	priceSet  bool
	price     *float64
	spentSet  bool
	spent     *float64
}

func parseItem(ev websocket.Event) (itemPatch, error) {
	var p itemPatch
	f, err := decodeFields(ev.Data)
	if err != nil {
		return p, err
	}
	if p.ID, err = requiredID(f); err != nil {
		return p, err
	}
	if p.ListID, err = eventListID(f, ev); err != nil {
		return p, err
	}
	if p.Clock, err = clock(f, ev); err != nil {
		return p, err
	}
	action, err := f.str("action")
	if err != nil {
		return p, err
	}
	if action != nil {
		p.Action = *action
	}

	for key, dst := range map[string]**string{
		"name":        &p.Name,
		"description": &p.Description,
		"unit":        &p.Unit,
		"category_id": &p.CategoryID,
		"notes":       &p.Notes,
		"barcode":     &p.Barcode,
	} {
		if *dst, err = f.str(key); err != nil {
			return p, err
		}
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return p, errors.New("field name: empty")
	}
	if p.Quantity, _, err = f.num("quantity"); err != nil {
		return p, err
	}
	if p.Completed, err = f.boolean("completed"); err != nil {
		return p, err
	}
	if p.CompletedAt, err = f.time("completed_at"); err != nil {
		return p, err
	}
	if f.present("assigned_to") {
		p.assignSet = true
		if p.assignee, err = f.str("assigned_to"); err != nil {
			return p, err
		}
		if p.assignee != nil && *p.assignee == "" {
			p.assignee = nil
		}
	}
	price, set, err := firstNum(f, "estimated_price", "price")
	if err != nil {
		return p, err
	}
	p.price, p.priceSet = price, set
	spent, set, err := firstNum(f, "actual_price", "purchased_amount")
	if err != nil {
		return p, err
	}
	p.spent, p.spentSet = spent, set
	return p, nil
}

func firstNum(f fields, keys ...string) (*float64, bool, error) {
	for _, k := range keys {
		v, set, err := f.num(k)
		if err != nil || set {
			return v, set, err
		}
	}
	return nil, false, nil
}

func eventListID(f fields, ev websocket.Event) (string, error) {
	inner, err := f.str("list_id")
	if err != nil {
		return "", err
	}
	switch {
	case inner == nil || *inner == "":
		if ev.ListID == "" {
			return "", errors.New("event has no list_id")
		}
		return ev.ListID, nil
	case ev.ListID != "" && ev.ListID != *inner:
		return "", errListID
	default:
		return *inner, nil
	}
}

// merge applies the present fields to it.
func (p itemPatch) merge(it *model.ShoppingItem) {
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.Description != nil {
		it.Description = *p.Description
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	if p.Unit != nil && *p.Unit != "" {
		it.Unit = *p.Unit
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	if p.Barcode != nil {
		it.Barcode = *p.Barcode
	}
	if p.Completed != nil {
		it.Completed = *p.Completed
		if !it.Completed {
			it.CompletedAt = nil
		}
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		it.CompletedAt = &t
	}
	if p.assignSet {
		it.AssignedTo = copyString(p.assignee)
	}
	if p.priceSet {
		it.Price = copyFloat(p.price)
	}
	if p.spentSet {
		it.PurchasedAmount = copyFloat(p.spent)
	}
	it.UpdatedAt = p.Clock
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// listPatch is a normalized list_update.
type listPatch struct {
	ID     string
	Action string
	Clock  time.Time

	Name        *string
	Description *string
	OwnerID     *string
	Status      *model.ListStatus
	Currency    *string

	budgetSet     bool
	budget        *float64
	collaborators []model.Collaborator
	collabsSet    bool
}

func parseList(ev websocket.Event) (listPatch, error) {
	var p listPatch
	f, err := decodeFields(ev.Data)
	if err != nil {
		return p, err
	}
	id, err := f.str("id")
	if err != nil {
		return p, err
	}
	switch {
	case id != nil && *id != "":
		if ev.ListID != "" && ev.ListID != *id {
			return p, errListID
		}
		p.ID = *id
	case ev.ListID != "":
		p.ID = ev.ListID
	default:
		return p, errNoID
	}
	if p.Clock, err = clock(f, ev); err != nil {
		return p, err
	}
	action, err := f.str("action")
	if err != nil {
		return p, err
	}
	if action != nil {
		p.Action = *action
	}
	if p.Name, err = f.str("name"); err != nil {
		return p, err
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return p, errors.New("field name: empty")
	}
	if p.Description, err = f.str("description"); err != nil {
		return p, err
	}
	if p.OwnerID, err = f.str("owner_id"); err != nil {
		return p, err
	}
	if p.Currency, err = f.str("budget_currency"); err != nil {
		return p, err
	}
	status, err := f.str("status")
	if err != nil {
		return p, err
	}
	if status != nil {
		s := model.ListStatus(*status)
		if !s.Valid() {
			return p, fmt.Errorf("field status: unknown %q", *status)
		}
		p.Status = &s
	}
	if p.budget, p.budgetSet, err = f.num("budget_amount"); err != nil {
		return p, err
	}
	if raw, ok := f["collaborators"]; ok && !f.null("collaborators") {
		var dtos []api.CollaboratorDTO
		if err := json.Unmarshal(raw, &dtos); err != nil {
			return p, fmt.Errorf("field collaborators: %w", err)
		}
		p.collabsSet = true
		p.collaborators = make([]model.Collaborator, 0, len(dtos))
		for _, d := range dtos {
			if d.UserID == "" {
				return p, errors.New("field collaborators: entry without user_id")
			}
			p.collaborators = append(p.collaborators, d.ToModel())
		}
	}
	return p, nil
}

// removal reports whether the event deletes the list.
func (p listPatch) removal() bool {
	return p.Action == "deleted" || p.Action == "removed"
}

// merge applies the present fields to l. Collaborators replace the local
// set; profile fields the event does not carry are kept from the local copy.
func (p listPatch) merge(l *model.ShoppingList) {
	if p.Name != nil {
		l.Name = *p.Name
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.OwnerID != nil && *p.OwnerID != "" {
		l.OwnerID = *p.OwnerID
	}
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.budgetSet {
		if p.budget == nil {
			l.Budget = nil
		} else {
			b := model.Budget{Currency: "USD"}
			if l.Budget != nil {
				b = *l.Budget
			}
			b.Total = *p.budget
			l.Budget = &b
		}
	}
	if p.Currency != nil && *p.Currency != "" && l.Budget != nil {
		l.Budget.Currency = *p.Currency
	}
	if p.collabsSet {
		l.Collaborators = mergeCollaborators(l.Collaborators, p.collaborators)
	}
	l.UpdatedAt = p.Clock
}

func mergeCollaborators(local, incoming []model.Collaborator) []model.Collaborator {
	byUser := make(map[string]model.Collaborator, len(local))
	for _, c := range local {
		byUser[c.UserID] = c
	}
	out := make([]model.Collaborator, 0, len(incoming))
	for _, c := range incoming {
		if old, ok := byUser[c.UserID]; ok {
			if c.ID == "" {
				c.ID = old.ID
			}
			if c.Name == "" {
				c.Name = old.Name
			}
			if c.Email == "" {
				c.Email = old.Email
			}
			if c.AvatarURL == "" {
				c.AvatarURL = old.AvatarURL
			}
			if c.InvitedAt.IsZero() {
				c.InvitedAt = old.InvitedAt
			}
			if c.AcceptedAt == nil {
				c.AcceptedAt = old.AcceptedAt
			}
		}
		out = append(out, c)
	}
	return out
}
