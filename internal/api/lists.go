package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

const listsPath = "/shopping-lists"

// Login exchanges credentials for a user profile and token pair.
func (c *Client) Login(ctx context.Context, emailOrPhone, password string) Response[LoginResult] {
	body := map[string]string{"email_or_phone": emailOrPhone, "password": password}
	return call[LoginResult](ctx, c, request{op: "login", method: http.MethodPost, path: "/auth/login", body: body})
}

// Refresh trades a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) Response[TokensDTO] {
	q := url.Values{"refresh_token": {refreshToken}}
	return call[TokensDTO](ctx, c, request{op: "refresh", method: http.MethodPost, path: "/auth/refresh", query: q})
}

func (c *Client) Logout(ctx context.Context) Response[MessageDTO] {
	return call[MessageDTO](ctx, c, request{op: "logout", method: http.MethodPost, path: "/auth/logout", auth: true})
}

// Lists fetches one page of the lists the user can see, with items and
// collaborators. Pages are ordered by the server; skip counts lists already
// read.
func (c *Client) Lists(ctx context.Context, skip, limit int) Response[[]ListDTO] {
	q := url.Values{}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return call[[]ListDTO](ctx, c, request{op: "list lists", method: http.MethodGet, path: listsPath + "/", query: q, auth: true})
}

func (c *Client) GetList(ctx context.Context, listID string) Response[ListDTO] {
	return call[ListDTO](ctx, c, request{op: "get list", method: http.MethodGet, path: listPath(listID), auth: true})
}

func (c *Client) CreateList(ctx context.Context, in ListInput) Response[ListDTO] {
	return call[ListDTO](ctx, c, request{op: "create list", method: http.MethodPost, path: listsPath + "/", body: in, auth: true})
}

func (c *Client) UpdateList(ctx context.Context, listID string, in ListUpdate) Response[ListDTO] {
	return call[ListDTO](ctx, c, request{op: "update list", method: http.MethodPut, path: listPath(listID), body: in, auth: true})
}

func (c *Client) DeleteList(ctx context.Context, listID string) Response[MessageDTO] {
	return call[MessageDTO](ctx, c, request{op: "delete list", method: http.MethodDelete, path: listPath(listID), auth: true})
}

func (c *Client) AddItem(ctx context.Context, listID string, in ItemInput) Response[ItemDTO] {
	return call[ItemDTO](ctx, c, request{op: "add item", method: http.MethodPost, path: listPath(listID) + "/items", body: in, auth: true})
}

func (c *Client) UpdateItem(ctx context.Context, listID, itemID string, in ItemUpdate) Response[ItemDTO] {
	return call[ItemDTO](ctx, c, request{op: "update item", method: http.MethodPut, path: itemPath(listID, itemID), body: in, auth: true})
}

func (c *Client) DeleteItem(ctx context.Context, listID, itemID string) Response[MessageDTO] {
	return call[MessageDTO](ctx, c, request{op: "delete item", method: http.MethodDelete, path: itemPath(listID, itemID), auth: true})
}

func (c *Client) AddCollaborator(ctx context.Context, listID string, in CollaboratorInput) Response[CollaboratorDTO] {
	return call[CollaboratorDTO](ctx, c, request{op: "add collaborator", method: http.MethodPost, path: listPath(listID) + "/collaborators", body: in, auth: true})
}

func (c *Client) RemoveCollaborator(ctx context.Context, listID, userID string) Response[MessageDTO] {
	path := listPath(listID) + "/collaborators/" + url.PathEscape(userID)
	return call[MessageDTO](ctx, c, request{op: "remove collaborator", method: http.MethodDelete, path: path, auth: true})
}

func listPath(listID string) string {
	return listsPath + "/" + url.PathEscape(listID)
}

func itemPath(listID, itemID string) string {
	return listPath(listID) + "/items/" + url.PathEscape(itemID)
}
