package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"marketsync/cmd/internal/metrics"
	"marketsync/cmd/internal/reconcile"
)

const (
	// DefaultRESTTimeout bounds every REST call issued by the Store.
	DefaultRESTTimeout = 5 * time.Second
	// DefaultListLimit is the page size of the recent notification list.
	DefaultListLimit = 50
)

// ErrNotActive is returned by operations that need an active user.
var ErrNotActive = errors.New("notify: store not active")

// Connector opens push sessions. *Channel implements it.
type Connector interface {
	Connect(ctx context.Context, userID, credential string) (*Session, error)
}

// APIFactory returns the REST client for one credential.
type APIFactory func(credential string) RemoteAPI

// State is an immutable copy of the Store view.
type State struct {
	UserID      string
	Items       []Notification
	UnreadCount int
	Connection  SessionState
	// Loaded is set once both the REST count and the REST list have been applied.
	Loaded bool
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreMetrics records store activity on m.
func WithStoreMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithOnChange registers fn, called with a fresh State after every change.
// Calls may arrive from several goroutines; fn must not block.
func WithOnChange(fn func(State)) StoreOption {
	return func(s *Store) { s.onChange = fn }
}

// WithRESTTimeout overrides DefaultRESTTimeout.
func WithRESTTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.restTimeout = d
		}
	}
}

// WithListLimit overrides DefaultListLimit.
func WithListLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.listLimit = n
		}
	}
}

// Store is the local view of the current user's notifications.
//
// Truth sources are the REST count, the REST list and the push stream. They race freely:
//   - REST lists are merged by id, never replacing pushed items; read state only moves to read.
//   - A push for a known id is dropped, so an event delivered before and after a reconnect counts once.
//   - The counter is never below the unread entries materialized locally.
//   - Mark operations are optimistic and not rolled back. Failed marks are replayed
//     before the next resync (reconnect or Refresh).
//   - A REST read started before a mark was confirmed by the server cannot undo that mark.
type Store struct {
	log         *slog.Logger
	conn        Connector
	newAPI      APIFactory
	metrics     *metrics.Metrics
	onChange    func(State)
	restTimeout time.Duration
	listLimit   int

	mu         sync.Mutex
	gen        uint64
	userID     string
	api        RemoteAPI
	session    *Session
	items      []Notification
	unread     int
	connection SessionState
	connects   int

	countLoaded bool
	listLoaded  bool

	// failed marks waiting for replay
	retryIDs map[string]struct{}
	retryAll bool

	// Marks issued during this activation, keyed to the markSeq value at which the server
	// confirmed them. Zero means not confirmed yet.
	markSeq   uint64
	marked    map[string]uint64
	allMarked bool
	allDone   uint64

	bg sync.WaitGroup

	// serializes Activate and Deactivate
	life sync.Mutex
}

// NewStore builds an inactive Store.
func NewStore(log *slog.Logger, conn Connector, newAPI APIFactory, opts ...StoreOption) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		log:         log,
		conn:        conn,
		newAPI:      newAPI,
		restTimeout: DefaultRESTTimeout,
		listLimit:   DefaultListLimit,
		retryIDs:    make(map[string]struct{}),
		marked:      make(map[string]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Activate binds the store to userID: it opens the push session and starts the count and list
// reads concurrently. Activating the already active user is a no-op; another user replaces it.
func (s *Store) Activate(ctx context.Context, userID, credential string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(credential) == "" {
		return fmt.Errorf("%w: user id and credential are required", ErrInvalidInput)
	}

	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.userID == userID && s.session != nil && !s.session.finished() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// The previous session must be gone before a new one can attribute events.
	s.deactivate()

	sess, err := s.conn.Connect(ctx, userID, credential)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.userID = userID
	s.api = s.newAPI(credential)
	s.session = sess
	s.connection = StateConnecting
	s.connects = 0
	api := s.api
	st := s.stateLocked()
	s.mu.Unlock()

	s.log.Info("notify.store.activate", "user_id", userID)
	s.notify(st)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.consume(gen, sess)
	}()
	s.startLoad(gen, api)
	return nil
}

// Deactivate clears the view and closes the push session.
func (s *Store) Deactivate() {
	s.life.Lock()
	defer s.life.Unlock()
	s.deactivate()
}

func (s *Store) deactivate() {
	s.mu.Lock()
	sess := s.session
	was := s.userID
	s.gen++
	s.userID = ""
	s.api = nil
	s.session = nil
	s.items = nil
	s.unread = 0
	s.countLoaded = false
	s.listLoaded = false
	s.connects = 0
	s.connection = StateDisconnected
	clear(s.retryIDs)
	s.retryAll = false
	clear(s.marked)
	s.allMarked = false
	s.allDone = 0
	st := s.stateLocked()
	s.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	s.metrics.SetUnread(0)
	if was != "" {
		s.log.Info("notify.store.deactivate", "user_id", was)
		s.notify(st)
	}
}

// State returns a copy of the current view.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// MarkAsRead flags id read locally and then on the server.
// The local change stays even if the server call fails; the failure is returned.
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.api == nil {
		s.mu.Unlock()
		return ErrNotActive
	}
	api := s.api
	gen := s.gen
	changed := false
	i := slices.IndexFunc(s.items, func(n Notification) bool { return n.ID == id })
	if !IsLocalID(id) && (i < 0 || !s.items[i].IsRead) {
		// Unknown ids may still be unread in a REST response that is in flight.
		s.marked[id] = 0
	}
	if i >= 0 && !s.items[i].IsRead {
		s.items[i].IsRead = true
		s.unread = max(s.unread-1, 0)
		changed = true
	}
	st := s.stateLocked()
	s.mu.Unlock()

	if changed {
		s.metrics.SetUnread(st.UnreadCount)
		s.notify(st)
	}
	if IsLocalID(id) {
		// The server never saw this id.
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.restTimeout)
	defer cancel()
	if err := api.MarkRead(ctx, id); err != nil {
		s.metrics.RESTFailure("mark_read")
		s.log.Warn("notify.store.mark_read.failed", "notification_id", id, "err", err)
		s.mu.Lock()
		if s.gen == gen {
			s.retryIDs[id] = struct{}{}
		}
		s.mu.Unlock()
		return err
	}
	s.confirmMarks(gen, false, id)
	return nil
}

// MarkAllAsRead flags every entry read and zeroes the counter, then tells the server.
// The local change stays even if the server call fails; the failure is returned.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	if s.api == nil {
		s.mu.Unlock()
		return ErrNotActive
	}
	api := s.api
	gen := s.gen
	for i := range s.items {
		s.items[i].IsRead = true
	}
	s.unread = 0
	s.allMarked = true
	s.allDone = 0
	st := s.stateLocked()
	s.mu.Unlock()

	s.metrics.SetUnread(0)
	s.notify(st)

	ctx, cancel := context.WithTimeout(ctx, s.restTimeout)
	defer cancel()
	if err := api.MarkAllRead(ctx); err != nil {
		s.metrics.RESTFailure("mark_all_read")
		s.log.Warn("notify.store.mark_all_read.failed", "err", err)
		s.mu.Lock()
		if s.gen == gen {
			s.retryAll = true
		}
		s.mu.Unlock()
		return err
	}
	s.confirmMarks(gen, true)
	return nil
}

// confirmMarks records that the server has applied the given marks.
// REST reads started after this point already reflect them.
func (s *Store) confirmMarks(gen uint64, all bool, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.markSeq++
	if all && s.allMarked && s.allDone == 0 {
		s.allDone = s.markSeq
	}
	for _, id := range ids {
		if done, ok := s.marked[id]; ok && done == 0 {
			s.marked[id] = s.markSeq
		}
	}
}

// markWins reports whether a mark confirmed at done is missing from a REST read started at since.
func markWins(done, since uint64) bool {
	return done == 0 || done > since
}

// markCursor returns the mark sequence a REST read starting now is consistent with.
func (s *Store) markCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markSeq
}

// Refresh replays failed marks, then re-reads count and list and merges them.
// State is left as it was for reads that fail; their errors are returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.api == nil {
		s.mu.Unlock()
		return ErrNotActive
	}
	gen, api := s.gen, s.api
	s.mu.Unlock()

	return s.resync(ctx, gen, api)
}

// Wait blocks until background loads and the event consumer of past activations are done.
func (s *Store) Wait() { s.bg.Wait() }

// ---- sources ----

func (s *Store) consume(gen uint64, sess *Session) {
	for ev := range sess.Events() {
		s.safeHandle(gen, sess, ev)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.connection = StateDisconnected
	st := s.stateLocked()
	s.mu.Unlock()

	if err := sess.Err(); err != nil {
		s.log.Error("notify.store.session_ended", "user_id", sess.UserID(), "err", err)
	}
	s.notify(st)
}

func (s *Store) safeHandle(gen uint64, sess *Session, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notify.store.panic", "event", ev.Kind, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.handle(gen, sess, ev)
}

func (s *Store) handle(gen uint64, sess *Session, ev Event) {
	switch ev.Kind {
	case EventNotification:
		s.applyPush(gen, ev.Notification)

	case EventConnect:
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.connection = StateConnected
		s.connects++
		resync := s.connects > 1
		api := s.api
		st := s.stateLocked()
		s.mu.Unlock()

		s.log.Info("notify.store.connected", "user_id", sess.UserID(), "transport", ev.Transport, "resync", resync)
		s.notify(st)
		if resync {
			// Events sent while disconnected are only visible through REST.
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				_ = s.resync(context.Background(), gen, api)
			}()
		}

	case EventConnectError, EventDisconnect:
		// Existing state keeps serving while the session reconnects.
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.connection = StateConnecting
		st := s.stateLocked()
		s.mu.Unlock()

		s.log.Warn("notify.store."+string(ev.Kind), "user_id", sess.UserID(), "err", ev.Err)
		s.notify(st)
	}
}

// applyPush prepends n and counts it once. Known ids are dropped.
func (s *Store) applyPush(gen uint64, n Notification) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if reconcile.Contains(s.items, n.ID, notificationID) {
		s.mu.Unlock()
		s.metrics.NotificationReceived(true)
		s.log.Debug("notify.store.push.duplicate", "notification_id", n.ID)
		return
	}
	s.items = slices.Insert(s.items, 0, n)
	if !n.IsRead {
		s.unread++
	}
	st := s.stateLocked()
	s.mu.Unlock()

	s.metrics.NotificationReceived(false)
	s.metrics.SetUnread(st.UnreadCount)
	s.log.Info("notify.store.push", "notification_id", n.ID, "type", n.Type)
	s.notify(st)
}

func (s *Store) startLoad(gen uint64, api RemoteAPI) {
	s.bg.Add(2)
	go func() {
		defer s.bg.Done()
		_ = s.loadCount(context.Background(), gen, api)
	}()
	go func() {
		defer s.bg.Done()
		_ = s.loadList(context.Background(), gen, api)
	}()
}

func (s *Store) resync(ctx context.Context, gen uint64, api RemoteAPI) error {
	s.replayMarks(ctx, gen, api)

	var wg sync.WaitGroup
	var countErr, listErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		countErr = s.loadCount(ctx, gen, api)
	}()
	go func() {
		defer wg.Done()
		listErr = s.loadList(ctx, gen, api)
	}()
	wg.Wait()
	return errors.Join(countErr, listErr)
}

func (s *Store) loadCount(ctx context.Context, gen uint64, api RemoteAPI) error {
	ctx, cancel := context.WithTimeout(ctx, s.restTimeout)
	defer cancel()

	since := s.markCursor()
	n, err := api.UnreadCount(ctx)
	if err != nil {
		s.metrics.RESTFailure("count")
		s.log.Warn("notify.store.count.failed", "err", err)
		return err
	}
	s.applyCount(gen, since, n)
	return nil
}

func (s *Store) loadList(ctx context.Context, gen uint64, api RemoteAPI) error {
	ctx, cancel := context.WithTimeout(ctx, s.restTimeout)
	defer cancel()

	since := s.markCursor()
	items, err := api.List(ctx, s.listLimit)
	if err != nil {
		s.metrics.RESTFailure("list")
		s.log.Warn("notify.store.list.failed", "err", err)
		return err
	}
	s.applyList(gen, since, items)
	return nil
}

// applyCount takes a REST count read when the mark sequence was at since.
// Marks the server had not confirmed by then are taken off the count.
func (s *Store) applyCount(gen, since uint64, n int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.allMarked && markWins(s.allDone, since) {
		n = 0
	} else {
		for _, done := range s.marked {
			if markWins(done, since) {
				n--
			}
		}
	}
	s.unread = max(n, 0, s.materializedUnreadLocked())
	s.countLoaded = true
	st := s.stateLocked()
	s.mu.Unlock()

	s.metrics.SetUnread(st.UnreadCount)
	s.notify(st)
}

// applyList merges a REST list read when the mark sequence was at since into the view by id.
// Entries covered by a mark the server had not confirmed by then are merged as read.
func (s *Store) applyList(gen, since uint64, remote []Notification) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	all := s.allMarked && markWins(s.allDone, since)
	for i := range remote {
		if all {
			remote[i].IsRead = true
			continue
		}
		if done, ok := s.marked[remote[i].ID]; ok && markWins(done, since) {
			remote[i].IsRead = true
		}
	}
	s.items = reconcile.MergeByID(s.items, remote, notificationID, mergeNotification)
	reconcile.SortNewestFirst(s.items, notificationTime)
	s.unread = max(s.unread, s.materializedUnreadLocked())
	s.listLoaded = true
	st := s.stateLocked()
	s.mu.Unlock()

	s.metrics.SetUnread(st.UnreadCount)
	s.log.Debug("notify.store.list.applied", "items", len(st.Items), "unread", st.UnreadCount)
	s.notify(st)
}

// mergeNotification keeps the server fields and the most advanced read state.
func mergeNotification(local, remote Notification) Notification {
	out := remote
	out.IsRead = local.IsRead || remote.IsRead
	return out
}

// replayMarks re-sends marks whose server call failed earlier.
func (s *Store) replayMarks(ctx context.Context, gen uint64, api RemoteAPI) {
	s.mu.Lock()
	if s.gen != gen || (len(s.retryIDs) == 0 && !s.retryAll) {
		s.mu.Unlock()
		return
	}
	all := s.retryAll
	pending := make([]string, 0, len(s.retryIDs))
	for id := range s.retryIDs {
		pending = append(pending, id)
	}
	s.retryAll = false
	clear(s.retryIDs)
	s.mu.Unlock()

	var failedIDs []string
	failedAll := false

	ctx, cancel := context.WithTimeout(ctx, s.restTimeout)
	defer cancel()

	if all {
		// Marking everything read covers every pending single mark.
		if err := api.MarkAllRead(ctx); err != nil {
			s.metrics.RESTFailure("mark_all_read")
			failedAll = true
			failedIDs = pending
		}
	} else {
		for _, id := range pending {
			if err := api.MarkRead(ctx, id); err != nil {
				s.metrics.RESTFailure("mark_read")
				failedIDs = append(failedIDs, id)
			}
		}
	}

	if failedAll || len(failedIDs) > 0 {
		s.log.Warn("notify.store.mark_replay.failed", "all", failedAll, "ids", len(failedIDs))
	}
	switch {
	case all && !failedAll:
		s.confirmMarks(gen, true, pending...)
	case !all:
		s.confirmMarks(gen, false, slices.DeleteFunc(pending, func(id string) bool {
			return slices.Contains(failedIDs, id)
		})...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.retryAll = s.retryAll || failedAll
	for _, id := range failedIDs {
		s.retryIDs[id] = struct{}{}
	}
}

func (s *Store) materializedUnreadLocked() int {
	n := 0
	for _, it := range s.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

func (s *Store) stateLocked() State {
	return State{
		UserID:      s.userID,
		Items:       slices.Clone(s.items),
		UnreadCount: s.unread,
		Connection:  s.connection,
		Loaded:      s.countLoaded && s.listLoaded,
	}
}

func (s *Store) notify(st State) {
	if s.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notify.store.on_change.panic", "panic", r)
		}
	}()
	s.onChange(st)
}
