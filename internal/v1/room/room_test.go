package room

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomkit-dev/roomkit/internal/v1/session"
	"github.com/roomkit-dev/roomkit/internal/v1/signal"
	"github.com/roomkit-dev/roomkit/internal/v1/state"
	"github.com/roomkit-dev/roomkit/internal/v1/storage"
	"github.com/roomkit-dev/roomkit/internal/v1/transport"
)

// fakeConn records everything the room sends, decoded to generic JSON so
// assertions look like what a client would see on the wire.
type fakeConn struct {
	mu      sync.Mutex
	packets []map[string]any
	closed  bool
	state   transport.SessionState
}

func (c *fakeConn) Send(data []byte) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	c.mu.Lock()
	c.packets = append(c.packets, m)
	c.mu.Unlock()
}

func (c *fakeConn) SendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Send(b)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) State() transport.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) SetState(s transport.SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.packets))
	copy(out, c.packets)
	return out
}

// ofType returns the payloads of every packet with the given type, in order.
func (c *fakeConn) ofType(t string) []map[string]any {
	var out []map[string]any
	for _, p := range c.all() {
		if p["type"] == t {
			v, _ := p["value"].(map[string]any)
			out = append(out, v)
		}
	}
	return out
}

func (c *fakeConn) lastSync() map[string]any {
	syncs := c.ofType("sync")
	if len(syncs) == 0 {
		return nil
	}
	return syncs[len(syncs)-1]
}

// hasSync reports whether any received sync payload satisfies pred. With
// zero throttle every mutation flushes separately, so assertions scan all
// packets rather than assuming one merged frame.
func (c *fakeConn) hasSync(pred func(map[string]any) bool) bool {
	for _, v := range c.ofType("sync") {
		if v != nil && pred(v) {
			return true
		}
	}
	return false
}

func hasCount(n float64) func(map[string]any) bool {
	return func(v map[string]any) bool {
		got, ok := v["count"].(float64)
		return ok && got == n
	}
}

func hasUserField(publicID, field string, want float64) func(map[string]any) bool {
	return func(v map[string]any) bool {
		users, _ := v["users"].(map[string]any)
		if users == nil {
			return false
		}
		me, _ := users[publicID].(map[string]any)
		if me == nil {
			return false
		}
		got, ok := me[field].(float64)
		return ok && got == want
	}
}

// testPlayer and testRoot mirror the minimal shape the runtime requires: an
// id, a connected flag, and a users map with a class type.
type testPlayer struct {
	state.Node
	ID        *signal.Scalar
	Name      *signal.Scalar
	Connected *signal.Scalar
	Score     *signal.Scalar
}

func newTestPlayer() *testPlayer {
	return &testPlayer{
		ID:        signal.NewScalar(""),
		Name:      signal.NewScalar(""),
		Connected: signal.NewScalar(false),
		Score:     signal.NewScalar(0),
	}
}

func (p *testPlayer) Fields() []state.Field {
	return []state.Field{
		{Name: "id", Kind: state.KindScalar, Role: state.RoleID, Sig: p.ID},
		{Name: "name", Kind: state.KindScalar, Role: state.RoleSync, Sig: p.Name},
		{Name: "connected", Kind: state.KindScalar, Role: state.RoleConnected, Sig: p.Connected},
		{Name: "score", Kind: state.KindScalar, Role: state.RoleSync, Sig: p.Score},
	}
}

type testRoot struct {
	state.Node
	Count *signal.Scalar
	Users *signal.Map
}

func newTestRoot() *testRoot {
	return &testRoot{
		Count: signal.NewScalar(0),
		Users: signal.NewMap(signal.WithClassType(func() any { return newTestPlayer() })),
	}
}

func (r *testRoot) Fields() []state.Field {
	return []state.Field{
		{Name: "count", Kind: state.KindScalar, Role: state.RoleSync, Sig: r.Count},
		{Name: "users", Kind: state.KindMap, Role: state.RoleUsers, Sig: r.Users},
	}
}

type testLogic struct {
	mu        sync.Mutex
	joins     []string
	leaves    []string
	transfers []map[string]any
}

func (l *testLogic) NewRoot() state.Entity { return newTestRoot() }

func (l *testLogic) Register(r *Room) {
	root := func() *testRoot { return r.Root().(*testRoot) }

	r.RegisterAction(&Action{
		Name: "increment",
		Handler: func(ctx context.Context, user state.Entity, value any, conn Connection) error {
			root().Count.Update(func(v any) any {
				n, _ := v.(int)
				return n + 1
			})
			if p, ok := user.(*testPlayer); ok {
				p.Score.Update(func(v any) any {
					n, _ := v.(int)
					return n + 1
				})
			}
			return nil
		},
	})

	r.RegisterAction(&Action{
		Name: "setName",
		Validate: func(value any) error {
			s, ok := value.(string)
			if !ok || s == "" {
				return errors.New("name must be a non-empty string")
			}
			return nil
		},
		Handler: func(ctx context.Context, user state.Entity, value any, conn Connection) error {
			if p, ok := user.(*testPlayer); ok {
				p.Name.Set(value)
			}
			return nil
		},
	})

	r.RegisterAction(&Action{
		Name: "fail",
		Handler: func(ctx context.Context, user state.Entity, value any, conn Connection) error {
			return errors.New("boom")
		},
	})

	r.RegisterRequest(&Request{
		Method:   http.MethodGet,
		Template: "/count",
		Handler: func(ctx context.Context, params map[string]string, body []byte, req *http.Request) (*Response, error) {
			return &Response{Body: map[string]any{"count": root().Count.Get()}}, nil
		},
	})

	r.RegisterRequest(&Request{
		Method:   http.MethodGet,
		Template: "/state/{key}",
		Handler: func(ctx context.Context, params map[string]string, body []byte, req *http.Request) (*Response, error) {
			return &Response{Body: map[string]any{"key": params["key"]}}, nil
		},
	})

	r.RegisterRequest(&Request{
		Method:   http.MethodPost,
		Template: "/echo",
		Validate: func(value any) error {
			if value == nil {
				return errors.New("body required")
			}
			return nil
		},
		Handler: func(ctx context.Context, params map[string]string, body []byte, req *http.Request) (*Response, error) {
			return &Response{Status: http.StatusCreated, Body: json.RawMessage(body)}, nil
		},
	})
}

func (l *testLogic) OnJoin(ctx context.Context, user state.Entity, conn Connection) {
	p := user.(*testPlayer)
	id, _ := p.ID.Peek().(string)
	l.mu.Lock()
	l.joins = append(l.joins, id)
	l.mu.Unlock()
}

func (l *testLogic) OnLeave(ctx context.Context, user state.Entity, conn Connection) {
	p := user.(*testPlayer)
	id, _ := p.ID.Peek().(string)
	l.mu.Lock()
	l.leaves = append(l.leaves, id)
	l.mu.Unlock()
}

func (l *testLogic) OnSessionTransfer(ctx context.Context, user state.Entity, conn Connection, transferData map[string]any) {
	l.mu.Lock()
	l.transfers = append(l.transfers, transferData)
	l.mu.Unlock()
}

func testNamespacer(shared storage.Store) session.Namespacer {
	return func(roomID string) storage.Store {
		return storage.NewPrefixStore(shared, "room:"+roomID+":")
	}
}

// newTestRoom builds a room with synchronous sync/persist (zero throttles) on
// an in-memory store. The returned logic records lifecycle callbacks.
func newTestRoom(t *testing.T, cfg Config) (*Room, *testLogic) {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "test-room"
	}
	shared := storage.NewMemoryStore()
	logic := &testLogic{}
	r := NewRoom(context.Background(), cfg, logic, shared, testNamespacer(shared), nil, "replica-1", nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, logic
}

// barrier waits until every event queued before it has run, so throttled sync
// broadcasts posted by earlier mutations are observable.
func barrier(r *Room) {
	r.call(func() {})
}

func dispatch(r *Room, conn Connection, name string, value any) Result {
	var res Result
	r.call(func() {
		res = r.dispatchAction(context.Background(), conn, name, value)
	})
	barrier(r)
	return res
}

func userCount(r *Room) int {
	var n int
	r.call(func() { n = r.UserCount() })
	return n
}

func TestConnectSendsInitialSync(t *testing.T) {
	r, logic := newTestRoom(t, Config{})
	conn := &fakeConn{}

	res := r.Connect(context.Background(), conn, "priv-1", "")
	require.Equal(t, ResultOK, res)

	syncs := conn.ofType("sync")
	require.NotEmpty(t, syncs)
	first := syncs[0]

	pub, _ := first["pId"].(string)
	assert.NotEmpty(t, pub)
	assert.Equal(t, "priv-1", first["privateId"])
	assert.Equal(t, pub, conn.State().PublicID)

	users, _ := first["users"].(map[string]any)
	require.Contains(t, users, pub)
	me := users[pub].(map[string]any)
	assert.Equal(t, pub, me["id"])
	assert.Equal(t, true, me["connected"])

	assert.Equal(t, []string{pub}, logic.joins)
}

func TestConnectWithoutPrivateIDGeneratesOne(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	conn := &fakeConn{}

	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))
	assert.NotEmpty(t, conn.State().PrivateID)
	assert.NotEmpty(t, conn.State().PublicID)
}

func TestGuardRejectsConnection(t *testing.T) {
	r, logic := newTestRoom(t, Config{
		Guards: []Guard{func(conn Connection, value any) bool { return false }},
	})
	conn := &fakeConn{}

	assert.Equal(t, ResultClosed, r.Connect(context.Background(), conn, "", ""))
	assert.True(t, conn.isClosed())
	assert.Empty(t, logic.joins)
	assert.Equal(t, 0, userCount(r))
}

func TestMaxUsersRejectsOverflow(t *testing.T) {
	r, _ := newTestRoom(t, Config{MaxUsers: 1})
	ctx := context.Background()

	require.Equal(t, ResultOK, r.Connect(ctx, &fakeConn{}, "", ""))

	second := &fakeConn{}
	assert.Equal(t, ResultClosed, r.Connect(ctx, second, "", ""))
	assert.True(t, second.isClosed())
	assert.Equal(t, 1, userCount(r))
}

func TestActionMutationBroadcastsSync(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	a, b := &fakeConn{}, &fakeConn{}
	ctx := context.Background()

	require.Equal(t, ResultOK, r.Connect(ctx, a, "", ""))
	require.Equal(t, ResultOK, r.Connect(ctx, b, "", ""))

	require.Equal(t, ResultOK, dispatch(r, a, "increment", nil))

	for _, conn := range []*fakeConn{a, b} {
		assert.True(t, conn.hasSync(hasCount(1)), "count update must reach every connection")
	}

	// The sender's score moved too, and that update also fanned out.
	pub := a.State().PublicID
	assert.True(t, a.hasSync(hasUserField(pub, "score", 1)))
	assert.True(t, b.hasSync(hasUserField(pub, "score", 1)))
}

func TestUnknownActionIsDropped(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))

	assert.Equal(t, ResultDropped, dispatch(r, conn, "teleport", nil))
	assert.False(t, conn.isClosed())
}

func TestActionValidationDrops(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))

	assert.Equal(t, ResultDropped, dispatch(r, conn, "setName", ""))
	assert.Equal(t, ResultDropped, dispatch(r, conn, "setName", 42))
	assert.False(t, conn.isClosed())

	assert.Equal(t, ResultOK, dispatch(r, conn, "setName", "Alice"))
}

func TestActionGuardDropsWithoutClosing(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))

	r.call(func() {
		r.RegisterAction(&Action{
			Name:   "admin",
			Guards: []Guard{func(conn Connection, value any) bool { return false }},
			Handler: func(ctx context.Context, user state.Entity, value any, conn Connection) error {
				t.Error("handler must not run")
				return nil
			},
		})
	})

	assert.Equal(t, ResultDropped, dispatch(r, conn, "admin", nil))
	assert.False(t, conn.isClosed())
}

func TestRoomGuardClosesConnectionOnAction(t *testing.T) {
	// Passes the connect-time check (nil value), rejects any action payload.
	r, _ := newTestRoom(t, Config{
		Guards: []Guard{func(conn Connection, value any) bool { return value == nil }},
	})
	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))

	assert.Equal(t, ResultClosed, dispatch(r, conn, "setName", "Alice"))
	assert.True(t, conn.isClosed())
}

func TestHandlerErrorKeepsConnectionOpen(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))

	assert.Equal(t, ResultDropped, dispatch(r, conn, "fail", nil))
	assert.False(t, conn.isClosed())

	// The room keeps serving afterwards.
	assert.Equal(t, ResultOK, dispatch(r, conn, "increment", nil))
}

func TestMalformedFrameIsDropped(t *testing.T) {
	r, _ := newTestRoom(t, Config{})
	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(context.Background(), conn, "", ""))

	var res Result
	r.call(func() {
		res = r.dispatchFrame(context.Background(), conn, []byte("{not json"))
	})
	assert.Equal(t, ResultDropped, res)

	r.call(func() {
		res = r.dispatchFrame(context.Background(), conn, []byte(`{"value": 1}`))
	})
	assert.Equal(t, ResultDropped, res, "frame without an action is dropped")
}

func TestImmediateDisconnectCleansUp(t *testing.T) {
	r, logic := newTestRoom(t, Config{}) // SessionExpiry 0
	a, b := &fakeConn{}, &fakeConn{}
	ctx := context.Background()

	require.Equal(t, ResultOK, r.Connect(ctx, a, "priv-1", ""))
	require.Equal(t, ResultOK, r.Connect(ctx, b, "", ""))
	pubA := a.State().PublicID

	r.call(func() { r.disconnect(ctx, a) })
	barrier(r)

	assert.Equal(t, 1, userCount(r))
	assert.Equal(t, []string{pubA}, logic.leaves)

	gone := b.ofType("user_disconnected")
	require.NotEmpty(t, gone)
	assert.Equal(t, pubA, gone[0]["publicId"])

	_, err := r.sessions.Get(ctx, "priv-1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestGraceReconnectKeepsIdentityAndState(t *testing.T) {
	r, logic := newTestRoom(t, Config{SessionExpiry: time.Hour})
	ctx := context.Background()

	first := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(ctx, first, "priv-1", ""))
	pub := first.State().PublicID
	require.Equal(t, ResultOK, dispatch(r, first, "setName", "Alice"))

	other := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(ctx, other, "", ""))

	r.call(func() { r.disconnect(ctx, first) })
	barrier(r)

	// Within the grace window the user stays in the tree, marked offline.
	assert.Equal(t, 2, userCount(r))
	assert.Empty(t, logic.leaves)
	offline := other.ofType("user_offline")
	require.NotEmpty(t, offline)
	assert.Equal(t, pub, offline[0]["publicId"])

	// Reconnect under the same privateId: same publicId, name preserved.
	again := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(ctx, again, "priv-1", ""))
	assert.Equal(t, pub, again.State().PublicID)

	snap := again.ofType("sync")[0]
	users := snap["users"].(map[string]any)
	me := users[pub].(map[string]any)
	assert.Equal(t, "Alice", me["name"])
	assert.Equal(t, true, me["connected"])
}

func TestGraceExpiryRemovesUser(t *testing.T) {
	r, logic := newTestRoom(t, Config{SessionExpiry: 20 * time.Millisecond})
	ctx := context.Background()

	conn := &fakeConn{}
	require.Equal(t, ResultOK, r.Connect(ctx, conn, "priv-1", ""))

	r.call(func() { r.disconnect(ctx, conn) })

	require.Eventually(t, func() bool {
		return userCount(r) == 0
	}, 2*time.Second, 10*time.Millisecond)

	logic.mu.Lock()
	defer logic.mu.Unlock()
	assert.Len(t, logic.leaves, 1)
}

func TestMatchTemplate(t *testing.T) {
	tests := []struct {
		template string
		path     string
		ok       bool
		params   map[string]string
	}{
		{"/count", "/count", true, map[string]string{}},
		{"/count", "/count/", true, map[string]string{}},
		{"/count", "/other", false, nil},
		{"/state/{key}", "/state/score", true, map[string]string{"key": "score"}},
		{"/state/{key}", "/state", false, nil},
		{"/a/{x}/b/{y}", "/a/1/b/2", true, map[string]string{"x": "1", "y": "2"}},
		{"/a/{x}", "/b/1", false, nil},
	}

	for _, tc := range tests {
		params, ok := matchTemplate(tc.template, tc.path)
		assert.Equal(t, tc.ok, ok, "%s vs %s", tc.template, tc.path)
		if tc.ok {
			assert.Equal(t, tc.params, params)
		}
	}
}

func TestServeRequestRoutes(t *testing.T) {
	r, _ := newTestRoom(t, Config{})

	status, body := r.ServeRequest(httptest.NewRequest(http.MethodGet, "/count", nil), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"count": 0}, body)

	status, body = r.ServeRequest(httptest.NewRequest(http.MethodGet, "/state/score", nil), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"key": "score"}, body)

	status, _ = r.ServeRequest(httptest.NewRequest(http.MethodGet, "/nope", nil), nil)
	assert.Equal(t, http.StatusNotFound, status)

	// Method matters.
	status, _ = r.ServeRequest(httptest.NewRequest(http.MethodDelete, "/count", nil), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServeRequestValidation(t *testing.T) {
	r, _ := newTestRoom(t, Config{})

	status, _ := r.ServeRequest(httptest.NewRequest(http.MethodPost, "/echo", nil), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = r.ServeRequest(httptest.NewRequest(http.MethodPost, "/echo", nil), []byte("{oops"))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := r.ServeRequest(httptest.NewRequest(http.MethodPost, "/echo", nil), []byte(`{"a":1}`))
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, json.RawMessage(`{"a":1}`), body)
}
