package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"marketsync/cmd/internal/pushgw"
)

// ---- fakes ----

type fakeAPI struct {
	mu        sync.Mutex
	count     int
	countErr  error
	list      []Notification
	listErr   error
	listGate  chan struct{}
	listCalls int
	// heldGate makes count and list reads capture their answer on entry and
	// return it only once the gate is closed.
	heldGate chan struct{}
	started  int
	markErr  error
	marked   []string
	markAll  int
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	f.started++
	n, err, held := f.count, f.countErr, f.heldGate
	f.mu.Unlock()

	if err := waitGate(ctx, held); err != nil {
		return 0, err
	}
	return n, err
}

func (f *fakeAPI) List(ctx context.Context, limit int) ([]Notification, error) {
	f.mu.Lock()
	f.started++
	gate, held := f.listGate, f.heldGate
	if held != nil {
		f.listCalls++
		items, err := slices.Clone(f.list), f.listErr
		f.mu.Unlock()
		if err := waitGate(ctx, held); err != nil {
			return nil, err
		}
		return items, err
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return slices.Clone(f.list), f.listErr
}

func waitGate(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeAPI) readsStarted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeAPI) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	for i := range f.list {
		if f.list[i].ID == id && !f.list[i].IsRead {
			f.list[i].IsRead = true
			f.count = max(f.count-1, 0)
		}
	}
	return nil
}

func (f *fakeAPI) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markAll++
	for i := range f.list {
		f.list[i].IsRead = true
	}
	f.count = 0
	return nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) calls() (list int, marked []string, markAll int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, slices.Clone(f.marked), f.markAll
}

// manualConnector hands out sessions whose events the test drives.
type manualConnector struct {
	mu       sync.Mutex
	sessions []*Session
}

func (c *manualConnector) Connect(ctx context.Context, userID, credential string) (*Session, error) {
	s := &Session{userID: userID, credential: credential, events: make(chan Event, 16), done: make(chan struct{})}
	s.cancel = func() {
		close(s.events)
		close(s.done)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *manualConnector) last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[len(c.sessions)-1]
}

func newTestStore(t *testing.T, api *fakeAPI) (*Store, *manualConnector) {
	t.Helper()

	conn := &manualConnector{}
	s := NewStore(testLogger(), conn, func(string) RemoteAPI { return api }, WithRESTTimeout(time.Second))
	t.Cleanup(func() {
		s.Deactivate()
		s.Wait()
	})
	return s, conn
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item(id string, minute int, read bool) Notification {
	return Notification{ID: id, Title: id, Type: defaultType, IsRead: read, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

func itemIDs(items []Notification) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func push(sess *Session, n Notification) {
	sess.events <- Event{Kind: EventNotification, Notification: n}
}

// ---- tests ----

func TestStore_InitialLoad(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{count: 2, list: []Notification{item("a", 1, false), item("b", 2, false), item("c", 0, true)}}
	s, _ := newTestStore(t, api)

	if err := s.Activate(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })

	st := s.State()
	if got := itemIDs(st.Items); !slices.Equal(got, []string{"b", "a", "c"}) {
		t.Fatalf("items=%v want newest first [b a c]", got)
	}
	if st.UnreadCount != 2 || st.UserID != "u1" {
		t.Fatalf("state=%+v", st)
	}
}

func TestStore_PushBeforeSnapshotIsKeptOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{list: []Notification{item("a", 1, false), item("b", 2, false)}, count: 2}
	s, conn := newTestStore(t, api)
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded && s.State().UnreadCount == 2 })

	push(conn.last(), item("c", 3, false))
	waitFor(t, 2*time.Second, func() bool { return s.State().UnreadCount == 3 })

	// The server snapshot now contains the pushed item too.
	api.set(func(f *fakeAPI) {
		f.list = []Notification{item("c", 3, false), item("b", 2, false), item("a", 1, false)}
		f.count = 3
	})
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	st := s.State()
	if got := itemIDs(st.Items); !slices.Equal(got, []string{"c", "b", "a"}) {
		t.Fatalf("items=%v want [c b a] each once", got)
	}
	if st.UnreadCount != 3 {
		t.Fatalf("unread=%d want=3", st.UnreadCount)
	}
}

func TestStore_PushArrivingBeforeListIsNotOverwritten(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	api := &fakeAPI{list: []Notification{item("a", 1, false)}, count: 1, listGate: gate}
	s, conn := newTestStore(t, api)

	if err := s.Activate(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	push(conn.last(), item("p", 5, false))
	waitFor(t, 2*time.Second, func() bool { return len(s.State().Items) == 1 })

	close(gate)
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })

	st := s.State()
	if got := itemIDs(st.Items); !slices.Equal(got, []string{"p", "a"}) {
		t.Fatalf("items=%v want [p a]", got)
	}
	if st.UnreadCount != 2 {
		t.Fatalf("unread=%d want=2", st.UnreadCount)
	}
}

func TestStore_DuplicatePushCountsOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	s, conn := newTestStore(t, api)

	if err := s.Activate(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })

	sess := conn.last()
	push(sess, item("x", 1, false))
	push(sess, item("x", 1, false))
	push(sess, item("y", 2, false))
	waitFor(t, 2*time.Second, func() bool { return len(s.State().Items) == 2 })

	if got := s.State().UnreadCount; got != 2 {
		t.Fatalf("unread=%d want=2", got)
	}
}

func TestStore_MarkAsReadIsIdempotent(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{count: 2, list: []Notification{item("a", 1, false), item("b", 2, false)}}
	s, _ := newTestStore(t, api)
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded && s.State().UnreadCount == 2 })

	for range 2 {
		if err := s.MarkAsRead(ctx, "a"); err != nil {
			t.Fatalf("MarkAsRead: %v", err)
		}
	}
	if got := s.State().UnreadCount; got != 1 {
		t.Fatalf("unread=%d want=1", got)
	}

	for range 2 {
		if err := s.MarkAllAsRead(ctx); err != nil {
			t.Fatalf("MarkAllAsRead: %v", err)
		}
	}
	st := s.State()
	if st.UnreadCount != 0 || len(st.Items) != 2 {
		t.Fatalf("state=%+v want 2 items, 0 unread", st)
	}
	for _, it := range st.Items {
		if !it.IsRead {
			t.Fatalf("item %s still unread", it.ID)
		}
	}

	_, marked, markAll := api.calls()
	if len(marked) != 2 || markAll != 2 {
		t.Fatalf("marked=%v markAll=%d", marked, markAll)
	}
}

func TestStore_FailedMarkIsKeptAndReplayed(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{count: 1, list: []Notification{item("a", 1, false)}}
	s, _ := newTestStore(t, api)
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })

	boom := errors.New("boom")
	api.set(func(f *fakeAPI) { f.markErr = boom })
	if err := s.MarkAsRead(ctx, "a"); !errors.Is(err, boom) {
		t.Fatalf("MarkAsRead err=%v want=%v", err, boom)
	}
	if st := s.State(); st.UnreadCount != 0 || !st.Items[0].IsRead {
		t.Fatalf("optimistic mark rolled back: %+v", st)
	}

	// The server still reports the item unread until the replay succeeds.
	api.set(func(f *fakeAPI) { f.markErr = nil })
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	_, marked, _ := api.calls()
	if !slices.Equal(marked, []string{"a"}) {
		t.Fatalf("replayed marks=%v want=[a]", marked)
	}
	if st := s.State(); st.UnreadCount != 0 || !st.Items[0].IsRead {
		t.Fatalf("state after refresh=%+v", st)
	}
}

func TestStore_MarkAllBeforeInitialLoadSurvivesLateResponses(t *testing.T) {
	t.Parallel()

	held := make(chan struct{})
	api := &fakeAPI{count: 2, list: []Notification{item("a", 1, false), item("b", 2, false)}, heldGate: held}
	s, _ := newTestStore(t, api)
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return api.readsStarted() == 2 })

	if err := s.MarkAllAsRead(ctx); err != nil {
		t.Fatalf("MarkAllAsRead: %v", err)
	}
	close(held)
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })

	st := s.State()
	if st.UnreadCount != 0 {
		t.Fatalf("unread=%d want=0", st.UnreadCount)
	}
	if len(st.Items) != 2 {
		t.Fatalf("items=%v want=[b a]", itemIDs(st.Items))
	}
	for _, it := range st.Items {
		if !it.IsRead {
			t.Fatalf("item %s unread after mark-all", it.ID)
		}
	}
}

func TestStore_MarkBeforeLoadSurvivesLateResponses(t *testing.T) {
	t.Parallel()

	held := make(chan struct{})
	api := &fakeAPI{count: 2, list: []Notification{item("a", 1, false), item("b", 2, false)}, heldGate: held}
	s, _ := newTestStore(t, api)
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return api.readsStarted() == 2 })

	if err := s.MarkAsRead(ctx, "a"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	close(held)
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })

	check := func(when string) {
		t.Helper()
		st := s.State()
		if st.UnreadCount != 1 {
			t.Fatalf("%s: unread=%d want=1", when, st.UnreadCount)
		}
		for _, it := range st.Items {
			if want := it.ID == "a"; it.IsRead != want {
				t.Fatalf("%s: item %s is_read=%v want=%v", when, it.ID, it.IsRead, want)
			}
		}
	}
	check("late load")

	// Reads started after the server confirmed the mark are taken as is.
	if err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	check("refresh")
}

func TestStore_ListEntriesWithoutIDAreNotDuplicated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notifications/my-count":
			_, _ = w.Write([]byte(`{"data":1}`))
		default:
			_, _ = w.Write([]byte(`{"data":[{"title":"Payment released","created_at":"2026-03-01T12:00:00Z"}]}`))
		}
	}))
	defer srv.Close()

	conn := &manualConnector{}
	s := NewStore(testLogger(), conn, func(tok string) RemoteAPI { return NewAPI(srv.URL, tok, nil) }, WithRESTTimeout(time.Second))
	t.Cleanup(func() {
		s.Deactivate()
		s.Wait()
	})
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })
	for range 2 {
		if err := s.Refresh(ctx); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}

	st := s.State()
	if len(st.Items) != 1 || st.UnreadCount != 1 {
		t.Fatalf("items=%v unread=%d want one item, 1 unread", itemIDs(st.Items), st.UnreadCount)
	}
}

func TestStore_RESTFailureLeavesStateEmpty(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{countErr: errors.New("down"), listErr: errors.New("down")}
	s, conn := newTestStore(t, api)

	if err := s.Activate(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		list, _, _ := api.calls()
		return list == 1
	})
	if st := s.State(); st.Loaded || len(st.Items) != 0 || st.UnreadCount != 0 {
		t.Fatalf("state=%+v want empty", st)
	}

	push(conn.last(), item("a", 1, false))
	waitFor(t, 2*time.Second, func() bool { return s.State().UnreadCount == 1 })

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatalf("Refresh succeeded against a failing API")
	}
	if got := s.State().UnreadCount; got != 1 {
		t.Fatalf("unread=%d want=1", got)
	}
}

func TestStore_ReconnectTriggersResync(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{count: 1, list: []Notification{item("a", 1, false)}}
	s, conn := newTestStore(t, api)

	if err := s.Activate(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	sess := conn.last()
	sess.events <- Event{Kind: EventConnect, Transport: transportWS}
	waitFor(t, 2*time.Second, func() bool { return s.State().Connection == StateConnected && s.State().Loaded })

	push(sess, item("b", 2, false))
	sess.events <- Event{Kind: EventDisconnect, Err: errors.New("reset")}
	waitFor(t, 2*time.Second, func() bool { return s.State().Connection == StateConnecting })

	// Missed while disconnected: c. Already seen: a and b.
	api.set(func(f *fakeAPI) {
		f.list = []Notification{item("c", 3, false), item("b", 2, false), item("a", 1, false)}
		f.count = 3
	})
	sess.events <- Event{Kind: EventConnect, Transport: transportWS}
	waitFor(t, 2*time.Second, func() bool {
		list, _, _ := api.calls()
		return list == 2 && len(s.State().Items) == 3
	})

	st := s.State()
	if got := itemIDs(st.Items); !slices.Equal(got, []string{"c", "b", "a"}) {
		t.Fatalf("items=%v want [c b a]", got)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().UnreadCount == 3 })
}

func TestStore_DeactivateClearsAndDropsLateEvents(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{count: 1, list: []Notification{item("a", 1, false)}}
	s, conn := newTestStore(t, api)

	var mu sync.Mutex
	var seen []State
	s.onChange = func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}

	if err := s.Activate(context.Background(), "u1", "tok"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.State().Loaded })
	sess := conn.last()

	s.Deactivate()
	s.Deactivate()

	select {
	case <-sess.Done():
	default:
		t.Fatalf("session not disconnected")
	}
	st := s.State()
	if st.UserID != "" || len(st.Items) != 0 || st.UnreadCount != 0 || st.Loaded || st.Connection != StateDisconnected {
		t.Fatalf("state after Deactivate=%+v", st)
	}
	if err := s.MarkAllAsRead(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("MarkAllAsRead err=%v want=%v", err, ErrNotActive)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1].UserID != "" {
		t.Fatalf("last observed state is not the cleared one")
	}
}

func TestStore_ActivateReplacesUser(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	s, conn := newTestStore(t, api)
	ctx := context.Background()

	if err := s.Activate(ctx, "u1", "tok-1"); err != nil {
		t.Fatalf("Activate u1: %v", err)
	}
	first := conn.last()
	push(first, item("a", 1, false))
	waitFor(t, 2*time.Second, func() bool { return s.State().UnreadCount == 1 })

	if err := s.Activate(ctx, "u1", "tok-1"); err != nil || conn.last() != first {
		t.Fatalf("re-activating the same user opened a new session (err=%v)", err)
	}

	if err := s.Activate(ctx, "u2", "tok-2"); err != nil {
		t.Fatalf("Activate u2: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Fatalf("u1 session still open")
	}
	st := s.State()
	if st.UserID != "u2" || len(st.Items) != 0 || st.UnreadCount != 0 {
		t.Fatalf("state=%+v want clean u2 view", st)
	}

	if err := s.Activate(ctx, "", "tok"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty user err=%v want=%v", err, ErrInvalidInput)
	}
}

// TestStore_AgainstGateway runs the full client stack against the development gateway:
// websocket push, REST load, forced reconnect and server-side marks.
func TestStore_AgainstGateway(t *testing.T) {
	t.Parallel()

	gw, ts := startGateway(t, nil)
	ch := newTestChannel(t, ts.URL, true)
	s := NewStore(testLogger(), ch, func(cred string) RemoteAPI { return NewAPI(ts.URL, cred, nil) })
	t.Cleanup(func() {
		s.Deactivate()
		s.Wait()
	})
	ctx := context.Background()

	before, _ := gw.Publish("u1", pushgw.Notification{Title: "before activation"})

	if err := s.Activate(ctx, "u1", "tok-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		st := s.State()
		return st.Loaded && st.Connection == StateConnected && st.UnreadCount == 1
	})

	live, _ := gw.Publish("u1", pushgw.Notification{Title: "live"})
	waitFor(t, 5*time.Second, func() bool { return len(s.State().Items) == 2 })

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/notifications/sessions/drop", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	_ = resp.Body.Close()

	// Published while the session may be down: only the resync can deliver it.
	missed, _ := gw.Publish("u1", pushgw.Notification{Title: "missed"})
	waitFor(t, 5*time.Second, func() bool {
		st := s.State()
		return st.Connection == StateConnected && len(st.Items) == 3 && st.UnreadCount == 3
	})

	got := itemIDs(s.State().Items)
	for _, id := range []string{before.ID, live.ID, missed.ID} {
		if n := len(slices.DeleteFunc(slices.Clone(got), func(x string) bool { return x != id })); n != 1 {
			t.Fatalf("id %s appears %d times in %v", id, n, got)
		}
	}

	if err := s.MarkAsRead(ctx, live.ID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if n := gw.Inbox().UnreadCount("u1"); n != 2 {
		t.Fatalf("server unread=%d want=2", n)
	}
	if err := s.MarkAllAsRead(ctx); err != nil {
		t.Fatalf("MarkAllAsRead: %v", err)
	}
	if n := gw.Inbox().UnreadCount("u1"); n != 0 {
		t.Fatalf("server unread=%d want=0", n)
	}
	if st := s.State(); st.UnreadCount != 0 {
		t.Fatalf("local unread=%d want=0", st.UnreadCount)
	}
}
