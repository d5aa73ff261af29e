package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/database"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/mutation"
	"github.com/dukerupert/listsync/internal/syncerr"
)

const groceriesJSON = `{
	"id": "L1", "name": "Groceries", "owner_id": "U1", "status": "active",
	"created_at": "2026-01-02T10:00:00Z", "updated_at": "2026-01-02T10:00:00Z",
	"items": [
		{"id": "I1", "list_id": "L1", "name": "Milk", "quantity": 2, "unit": "liter",
		 "completed": false, "created_at": "2026-01-02T10:00:00Z", "updated_at": "2026-01-02T10:00:00Z"},
		{"id": "I2", "list_id": "L1", "name": "Bread", "quantity": 1, "unit": "piece",
		 "completed": false, "created_at": "2026-01-02T10:00:00Z", "updated_at": "2026-01-02T10:00:00Z"}
	],
	"collaborators": []
}`

const hardwareJSON = `{
	"id": "L2", "name": "Hardware", "owner_id": "U2", "status": "active",
	"created_at": "2026-01-02T10:00:00Z", "updated_at": "2026-01-02T10:00:00Z",
	"items": [],
	"collaborators": [
		{"id": "C1", "list_id": "L2", "user_id": "U1", "role": "editor", "permissions": {},
		 "invited_at": "2026-01-02T10:00:00Z", "user": {"id": "U1", "name": "Ann"}}
	]
}`

// backend serves the REST API and the realtime endpoint from one server.
// The list endpoint returns the visible lists; every list is reachable by id.
type backend struct {
	srv       *httptest.Server
	reject    atomic.Bool
	listCalls atomic.Int32
	getCalls  atomic.Int32
	itemDelay atomic.Int64

	mu      sync.Mutex
	visible []string
	lists   map[string]string
	conns   []*ws.Conn
	joins   chan string
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		visible: []string{"L1"},
		lists:   map[string]string{"L1": groceriesJSON, "L2": hardwareJSON},
		joins:   make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"user": {"id": "U1", "name": "Ann"},
			"tokens": {"access_token": "A1", "refresh_token": "R1", "token_type": "bearer", "expires_in": 1800}}`)
	})
	mux.HandleFunc("POST /api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message": "ok"}`)
	})
	mux.HandleFunc("GET /api/v1/shopping-lists/{$}", func(w http.ResponseWriter, r *http.Request) {
		b.listCalls.Add(1)
		if !b.authorized(w, r) {
			return
		}
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		b.mu.Lock()
		bodies := make([]string, 0, len(b.visible))
		for i, id := range b.visible {
			if i < skip || (limit > 0 && len(bodies) == limit) {
				continue
			}
			bodies = append(bodies, b.lists[id])
		}
		b.mu.Unlock()
		io.WriteString(w, "["+strings.Join(bodies, ",")+"]")
	})
	mux.HandleFunc("GET /api/v1/shopping-lists/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.getCalls.Add(1)
		if !b.authorized(w, r) {
			return
		}
		b.mu.Lock()
		body, ok := b.lists[r.PathValue("id")]
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"detail": "Shopping list not found"}`)
			return
		}
		io.WriteString(w, body)
	})
	mux.HandleFunc("POST /api/v1/shopping-lists/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		if !b.authorized(w, r) {
			return
		}
		time.Sleep(time.Duration(b.itemDelay.Load()))
		var in struct {
			Name     string  `json:"name"`
			Quantity float64 `json:"quantity"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		item := fmt.Sprintf(`{"id": "I9", "list_id": %q, "name": %q, "quantity": %v, "unit": "piece",
			"completed": false, "created_at": "2026-01-02T12:00:00Z", "updated_at": "2026-01-02T12:00:00Z"}`,
			r.PathValue("id"), in.Name, in.Quantity)
		b.addItem(r.PathValue("id"), item)
		io.WriteString(w, item)
	})
	mux.HandleFunc("GET /api/v1/realtime/ws/{token}", b.realtime)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) addItem(listID, item string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body := b.lists[listID]
	if strings.Contains(body, `"items": []`) {
		b.lists[listID] = strings.Replace(body, `"items": []`, `"items": [`+item+`]`, 1)
		return
	}
	b.lists[listID] = strings.Replace(body, `"items": [`, `"items": [`+item+`,`, 1)
}

// share makes listID visible to the caller, as an invitation would.
func (b *backend) share(listID string) {
	b.mu.Lock()
	b.visible = append(b.visible, listID)
	b.mu.Unlock()
}

func (b *backend) authorized(w http.ResponseWriter, r *http.Request) bool {
	if b.reject.Load() || r.Header.Get("Authorization") != "Bearer A1" {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail": "Could not validate credentials"}`)
		return false
	}
	return true
}

func (b *backend) realtime(w http.ResponseWriter, r *http.Request) {
	if b.reject.Load() || r.PathValue("token") != "A1" {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	conn, err := ws.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		var f struct {
			Type   string `json:"type"`
			ListID string `json:"list_id"`
		}
		if err := wsjson.Read(r.Context(), conn, &f); err != nil {
			return
		}
		if f.Type == "join_list_room" {
			b.joins <- f.ListID
		}
	}
}

func (b *backend) broadcast(v any) {
	b.mu.Lock()
	conns := append([]*ws.Conn{}, b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		wsjson.Write(ctx, c, v)
		cancel()
	}
}

func (b *backend) nextJoin(t *testing.T) string {
	t.Helper()
	select {
	case id := <-b.joins:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a room join")
		return ""
	}
}

func (b *backend) config(dbPath string) *config.Config {
	return &config.Config{
		APIURL:       b.srv.URL + "/api/v1",
		WSURL:        "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/api/v1/realtime/ws",
		DBPath:       dbPath,
		DeviceID:     "dev-1",
		RefreshSkew:  time.Minute,
		ReconnectMax: 50 * time.Millisecond,
		HTTPTimeout:  2 * time.Second,
	}
}

type harness struct {
	engine *Engine
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, b *backend, dbPath string) *harness {
	t.Helper()
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	e, err := New(b.config(dbPath), db, reg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return &harness{engine: e, reg: reg}
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	restored, err := h.engine.Start(context.Background())
	require.NoError(t, err)
	require.False(t, restored)
	require.NoError(t, h.engine.Login(context.Background(), "ann@example.com", "secret"))
}

func nextError(t *testing.T, e *Engine) error {
	t.Helper()
	select {
	case err := <-e.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reported error")
		return nil
	}
}

func itemName(e *Engine, listID, itemID string) string {
	l, ok := e.List(listID)
	if !ok {
		return ""
	}
	for _, it := range l.Items {
		if it.ID == itemID {
			return it.Name
		}
	}
	return ""
}

func TestLoginLoadsListsAndFollowsFocusedRoom(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, b, ":memory:")
	h.login(t)

	lists := h.engine.Lists()
	require.Len(t, lists, 1)
	assert.Equal(t, "Groceries", lists[0].Name)
	assert.Len(t, lists[0].Items, 2)
	assert.Equal(t, "U1", h.engine.Session().User.ID)

	h.engine.Focus("L1")
	assert.Equal(t, "L1", b.nextJoin(t))

	b.broadcast(map[string]any{
		"type":      "item_update",
		"list_id":   "L1",
		"data":      map[string]any{"id": "I2", "name": "Sourdough", "action": "updated"},
		"timestamp": "2026-01-02T11:00:00",
	})
	require.Eventually(t, func() bool { return itemName(h.engine, "L1", "I2") == "Sourdough" },
		2*time.Second, 10*time.Millisecond)
}

func TestRefreshPagesThroughEveryList(t *testing.T) {
	b := newBackend(t)
	b.share("L2")
	h := newHarness(t, b, ":memory:")
	h.engine.pageSize = 1
	h.engine.store.UpsertList(model.ShoppingList{ID: "L7", Name: "Deleted elsewhere", OwnerID: "U1"})
	h.login(t)

	ids := []string{}
	for _, l := range h.engine.Lists() {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []string{"L1", "L2"}, ids)
	// One request per full page plus the empty one that ends the walk.
	assert.GreaterOrEqual(t, b.listCalls.Load(), int32(3))
}

func TestEventForUnknownListFetchesIt(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, b, ":memory:")
	h.login(t)
	// Login refreshes once and the first connect once more.
	require.Eventually(t, func() bool { return b.listCalls.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.engine.Status().State == "connected" },
		3*time.Second, 10*time.Millisecond)

	b.share("L2")
	b.broadcast(map[string]any{
		"type":      "item_update",
		"list_id":   "L2",
		"data":      map[string]any{"id": "I5", "name": "Nails", "action": "created"},
		"timestamp": "2026-01-02T11:00:00",
	})

	require.Eventually(t, func() bool {
		l, ok := h.engine.List("L2")
		return ok && l.Name == "Hardware"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), b.getCalls.Load())
	l, _ := h.engine.List("L2")
	// The owner is materialized ahead of the listed collaborator.
	require.Len(t, l.Collaborators, 2)
	assert.Equal(t, model.RoleOwner, l.Collaborators[0].Role)
	assert.Equal(t, model.RoleEditor, l.Collaborators[1].Role)
}

func TestSettledMutationsAreJournaled(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, b, ":memory:")
	h.login(t)

	pend, err := h.engine.AddItem("L1", mutation.NewItem{Name: "Eggs", Quantity: 12})
	require.NoError(t, err)
	require.NoError(t, pend.Wait(context.Background()))
	assert.Equal(t, "Eggs", itemName(h.engine, "L1", "I9"))
	assert.False(t, h.engine.Syncing("L1", "I9"))

	var history []model.SyncRecord
	require.Eventually(t, func() bool {
		history, err = h.engine.History(context.Background())
		return err == nil && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "add_item", history[0].Kind)
	assert.Equal(t, model.OutcomeConfirmed, history[0].Outcome)

	expected := `
# HELP listsync_mutations_total Settled optimistic mutations by kind and outcome
# TYPE listsync_mutations_total counter
listsync_mutations_total{kind="add_item",outcome="confirmed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected), "listsync_mutations_total"))
}

func TestRejectedOperationsAreReported(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, b, ":memory:")
	h.login(t)

	name := "Rye"
	_, err := h.engine.UpdateItem("L1", "missing", mutation.ItemPatch{Name: &name})
	require.Error(t, err)
	assert.True(t, syncerr.IsValidation(err))
	assert.Equal(t, err, nextError(t, h.engine))
}

func TestRejectedTokenLogsOutAndPurgesSnapshot(t *testing.T) {
	b := newBackend(t)
	dbPath := filepath.Join(t.TempDir(), "listsync.db")
	h := newHarness(t, b, dbPath)
	h.login(t)

	b.reject.Store(true)
	pend, err := h.engine.AddItem("L1", mutation.NewItem{Name: "Eggs"})
	require.NoError(t, err)
	assert.Error(t, pend.Wait(context.Background()))

	assert.True(t, syncerr.IsAuth(nextError(t, h.engine)))
	require.Eventually(t, func() bool { return len(h.engine.Lists()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.engine.Session().IsAuthenticated)
	require.NoError(t, h.engine.Close(context.Background()))

	b.reject.Store(false)
	next := newHarness(t, b, dbPath)
	restored, err := next.engine.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Empty(t, next.engine.Lists())
}

func TestRestartRestoresSnapshot(t *testing.T) {
	b := newBackend(t)
	dbPath := filepath.Join(t.TempDir(), "listsync.db")
	first := newHarness(t, b, dbPath)
	first.login(t)
	first.engine.Focus("L1")
	b.nextJoin(t)

	pend, err := first.engine.AddItem("L1", mutation.NewItem{Name: "Eggs", Quantity: 12})
	require.NoError(t, err)
	require.NoError(t, pend.Wait(context.Background()))
	require.NoError(t, first.engine.Close(context.Background()))

	second := newHarness(t, b, dbPath)
	restored, err := second.engine.Start(context.Background())
	require.NoError(t, err)
	require.True(t, restored)

	assert.Equal(t, "U1", second.engine.Session().User.ID)
	assert.Equal(t, "Eggs", itemName(second.engine, "L1", "I9"))
	// The restored focus rejoins its room once the channel is up.
	assert.Equal(t, "L1", b.nextJoin(t))
}

func TestCloseLetsInFlightMutationsSettle(t *testing.T) {
	b := newBackend(t)
	dbPath := filepath.Join(t.TempDir(), "listsync.db")
	first := newHarness(t, b, dbPath)
	first.login(t)

	b.itemDelay.Store(int64(200 * time.Millisecond))
	pend, err := first.engine.AddItem("L1", mutation.NewItem{Name: "Eggs", Quantity: 12})
	require.NoError(t, err)
	require.NoError(t, first.engine.Close(context.Background()))

	assert.Equal(t, mutation.Confirmed, pend.State())
	second := newHarness(t, b, dbPath)
	restored, err := second.engine.Start(context.Background())
	require.NoError(t, err)
	require.True(t, restored)
	assert.Equal(t, "Eggs", itemName(second.engine, "L1", "I9"))
}

func TestLogoutDiscardsLocalState(t *testing.T) {
	b := newBackend(t)
	h := newHarness(t, b, ":memory:")
	h.login(t)
	pend, err := h.engine.AddItem("L1", mutation.NewItem{Name: "Eggs"})
	require.NoError(t, err)
	require.NoError(t, pend.Wait(context.Background()))

	h.engine.Logout(context.Background())

	assert.Empty(t, h.engine.Lists())
	assert.False(t, h.engine.Session().IsAuthenticated)
	_, err = h.engine.AddItem("L1", mutation.NewItem{Name: "Jam"})
	assert.True(t, syncerr.IsAuth(err))
	require.Eventually(t, func() bool {
		history, err := h.engine.History(context.Background())
		return err == nil && len(history) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
