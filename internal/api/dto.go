package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dukerupert/listsync/internal/category"
	"github.com/dukerupert/listsync/internal/model"
)

// Number decodes a JSON number or a numeric string. The backend serializes
// decimal columns as strings.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (n *Number) ptr() *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

type UserDTO struct {
	ID        string  `json:"id"`
	Email     *string `json:"email"`
	Phone     *string `json:"phone"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

func (u UserDTO) ToModel() model.User {
	return model.User{
		ID:        u.ID,
		Email:     deref(u.Email),
		Phone:     deref(u.Phone),
		Name:      u.Name,
		AvatarURL: deref(u.AvatarURL),
	}
}

type TokensDTO struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ToModel converts relative expiry into an absolute deadline.
func (t TokensDTO) ToModel(now time.Time) model.Tokens {
	tt := t.TokenType
	if tt == "" {
		tt = "bearer"
	}
	out := model.Tokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tt,
	}
	if t.ExpiresIn > 0 {
		out.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return out
}

type LoginResult struct {
	User   UserDTO   `json:"user"`
	Tokens TokensDTO `json:"tokens"`
}

type CollaboratorDTO struct {
	ID          string          `json:"id"`
	ListID      string          `json:"list_id"`
	UserID      string          `json:"user_id"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
	InvitedAt   time.Time       `json:"invited_at"`
	AcceptedAt  *time.Time      `json:"accepted_at"`
	User        *UserDTO        `json:"user"`
}

func (c CollaboratorDTO) ToModel() model.Collaborator {
	role := model.Role(c.Role)
	if !role.Valid() {
		role = model.RoleViewer
	}
	out := model.Collaborator{
		ID:         c.ID,
		UserID:     c.UserID,
		ListID:     c.ListID,
		Role:       role,
		InvitedAt:  c.InvitedAt,
		AcceptedAt: c.AcceptedAt,
	}
	if len(c.Permissions) > 0 {
		out.Permissions = make(model.Permissions, len(c.Permissions))
		for k, v := range c.Permissions {
			out.Permissions[model.Permission(k)] = v
		}
	} else {
		out.Permissions = model.DefaultPermissions(role)
	}
	if c.User != nil {
		out.Name = c.User.Name
		out.Email = deref(c.User.Email)
		out.AvatarURL = deref(c.User.AvatarURL)
	}
	return out
}

type ItemDTO struct {
	ID             string     `json:"id"`
	ListID         string     `json:"list_id"`
	Name           string     `json:"name"`
	Description    *string    `json:"description"`
	Quantity       Number     `json:"quantity"`
	Unit           *string    `json:"unit"`
	CategoryID     *string    `json:"category_id"`
	AssignedTo     *string    `json:"assigned_to"`
	Completed      bool       `json:"completed"`
	EstimatedPrice *Number    `json:"estimated_price"`
	ActualPrice    *Number    `json:"actual_price"`
	Notes          *string    `json:"notes"`
	Barcode        *string    `json:"barcode"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (d ItemDTO) ToModel() model.ShoppingItem {
	it := model.ShoppingItem{
		ID:              d.ID,
		ListID:          d.ListID,
		Name:            d.Name,
		Description:     deref(d.Description),
		Quantity:        float64(d.Quantity),
		Unit:            deref(d.Unit),
		AssignedTo:      d.AssignedTo,
		Completed:       d.Completed,
		Price:           d.EstimatedPrice.ptr(),
		PurchasedAmount: d.ActualPrice.ptr(),
		Notes:           deref(d.Notes),
		Barcode:         deref(d.Barcode),
		CompletedAt:     d.CompletedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if it.Unit == "" {
		it.Unit = "piece"
	}
	if d.CategoryID != nil {
		c := category.Lookup(*d.CategoryID)
		it.Category = &c
	}
	return it
}

type ListDTO struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    *string           `json:"description"`
	OwnerID        string            `json:"owner_id"`
	Status         string            `json:"status"`
	BudgetAmount   *Number           `json:"budget_amount"`
	BudgetCurrency *string           `json:"budget_currency"`
	Items          []ItemDTO         `json:"items"`
	Collaborators  []CollaboratorDTO `json:"collaborators"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ToModel converts a server list into the canonical shape with the owner
// materialized and stats derived.
func (d ListDTO) ToModel() model.ShoppingList {
	l := model.ShoppingList{
		ID:            d.ID,
		Name:          d.Name,
		Description:   deref(d.Description),
		OwnerID:       d.OwnerID,
		Status:        model.ListStatus(d.Status),
		Items:         make([]model.ShoppingItem, 0, len(d.Items)),
		Collaborators: make([]model.Collaborator, 0, len(d.Collaborators)),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if !l.Status.Valid() {
		l.Status = model.ListActive
	}
	for _, it := range d.Items {
		l.Items = append(l.Items, it.ToModel())
	}
	for _, c := range d.Collaborators {
		l.Collaborators = append(l.Collaborators, c.ToModel())
	}
	l.Normalize()
	if d.BudgetAmount != nil {
		cur := "USD"
		if d.BudgetCurrency != nil && *d.BudgetCurrency != "" {
			cur = *d.BudgetCurrency
		}
		l.Budget = &model.Budget{
			Total:    float64(*d.BudgetAmount),
			Spent:    l.Stats.TotalSpent,
			Currency: cur,
		}
	}
	return l
}

// ListInput is the body of a create-list request.
type ListInput struct {
	Name           string   `json:"name"`
	Description    *string  `json:"description,omitempty"`
	BudgetAmount   *float64 `json:"budget_amount,omitempty"`
	BudgetCurrency *string  `json:"budget_currency,omitempty"`
}

// ListUpdate carries only the fields being changed.
type ListUpdate struct {
	Name           *string           `json:"name,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Status         *model.ListStatus `json:"status,omitempty"`
	BudgetAmount   *float64          `json:"budget_amount,omitempty"`
	BudgetCurrency *string           `json:"budget_currency,omitempty"`
}

type ItemInput struct {
	Name           string   `json:"name"`
	Description    *string  `json:"description,omitempty"`
	Quantity       float64  `json:"quantity"`
	Unit           string   `json:"unit,omitempty"`
	CategoryID     *string  `json:"category_id,omitempty"`
	AssignedTo     *string  `json:"assigned_to,omitempty"`
	EstimatedPrice *float64 `json:"estimated_price,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
	Barcode        *string  `json:"barcode,omitempty"`
}

// ItemUpdate carries only the fields being changed. Setting ClearAssignee
// sends an explicit null for assigned_to.
type ItemUpdate struct {
	Name           *string
	Description    *string
	Quantity       *float64
	Unit           *string
	CategoryID     *string
	AssignedTo     *string
	ClearAssignee  bool
	Completed      *bool
	EstimatedPrice *float64
	ActualPrice    *float64
	Notes          *string
}

func (u ItemUpdate) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	put := func(key string, v any, set bool) {
		if set {
			m[key] = v
		}
	}
	put("name", u.Name, u.Name != nil)
	put("description", u.Description, u.Description != nil)
	put("quantity", u.Quantity, u.Quantity != nil)
	put("unit", u.Unit, u.Unit != nil)
	put("category_id", u.CategoryID, u.CategoryID != nil)
	put("completed", u.Completed, u.Completed != nil)
	put("estimated_price", u.EstimatedPrice, u.EstimatedPrice != nil)
	put("actual_price", u.ActualPrice, u.ActualPrice != nil)
	put("notes", u.Notes, u.Notes != nil)
	switch {
	case u.ClearAssignee:
		m["assigned_to"] = nil
	case u.AssignedTo != nil:
		m["assigned_to"] = u.AssignedTo
	}
	return json.Marshal(m)
}

type CollaboratorInput struct {
	UserID      string            `json:"user_id"`
	Role        model.Role        `json:"role"`
	Permissions model.Permissions `json:"permissions,omitempty"`
}

type MessageDTO struct {
	Message string `json:"message"`
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
