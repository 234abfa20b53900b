// Package redistransport implements transport.Transport on Redis. Records
// live in plain keys, child indexes in sorted sets, and changes fan out over
// a single pub/sub channel. Each client keeps a liveness key alive with a
// heartbeat; any live client sweeps the disconnect cleanups of sessions whose
// key expired.
package redistransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultPrefix    = "chatsync"
	DefaultHeartbeat = 2 * time.Second
	DefaultSweep     = 5 * time.Second

	opTimeout   = 5 * time.Second
	maxTxnRetry = 8
)

// Options configures a Transport.
type Options struct {
	Prefix        string
	Heartbeat     time.Duration
	SweepInterval time.Duration
	// SessionTTL is how long a session survives without a heartbeat.
	// Defaults to three heartbeats.
	SessionTTL time.Duration
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweep
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 3 * o.Heartbeat
	}
}

// event is published on every mutation.
type event struct {
	Path  string  `json:"path"`
	Added []added `json:"added,omitempty"`
}

// added names a child key that did not exist before the mutation.
type added struct {
	Parent string `json:"parent"`
	Key    string `json:"key"`
}

type childSub struct {
	cb   func(transport.Child)
	seen map[string]bool
}

// Transport is a transport.Transport backed by Redis.
type Transport struct {
	rdb     *redis.Client
	opts    Options
	session string
	logger  *zap.Logger

	mu        sync.Mutex
	connected bool
	started   bool
	valueSubs map[string]map[int]func(transport.Snapshot)
	childSubs map[string]map[int]*childSub
	nextID    int

	// Callbacks run one at a time, in the order they were scheduled. A
	// callback that triggers another delivery returns before it runs.
	qmu      sync.Mutex
	queue    []func()
	draining bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient dials Redis and checks the connection.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// New creates a transport on rdb. It reports disconnected until Start.
func New(rdb *redis.Client, opts Options, logger *zap.Logger) *Transport {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	session := uuid.NewString()
	return &Transport{
		rdb:       rdb,
		opts:      opts,
		session:   session,
		logger:    logger.With(zap.String("session", session)),
		valueSubs: make(map[string]map[int]func(transport.Snapshot)),
		childSubs: make(map[string]map[int]*childSub),
	}
}

// Session returns the id this client heartbeats under.
func (t *Transport) Session() string { return t.session }

// Start subscribes to change events and starts the heartbeat and sweep loops.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("redis transport already started")
	}
	t.started = true
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	ps := t.rdb.Subscribe(ctx, t.channel())
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", t.channel(), err)
	}

	t.wg.Add(3)
	go t.listen(ctx, ps)
	go t.heartbeat(ctx)
	go t.sweeper(ctx)
	t.beat(ctx)
	return nil
}

// Close stops the loops and applies this session's cleanups, since a clean
// shutdown is a disconnect too.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := t.runCleanups(ctx, t.session)
	if delErr := t.rdb.Del(ctx, t.aliveKey(t.session)).Err(); err == nil {
		err = delErr
	}
	t.setConnected(false)
	return err
}

func (t *Transport) Write(ctx context.Context, path string, value any) error {
	if !t.IsConnected() {
		return transport.ErrDisconnected
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return transport.Invalid("value", err.Error())
	}
	if err := t.store(ctx, path, func(json.RawMessage) (json.RawMessage, error) { return raw, nil }); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *Transport) Update(ctx context.Context, path string, patch map[string]any) error {
	if !t.IsConnected() {
		return transport.ErrDisconnected
	}
	if err := t.update(ctx, path, patch); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *Transport) update(ctx context.Context, path string, patch map[string]any) error {
	return t.store(ctx, path, func(cur json.RawMessage) (json.RawMessage, error) {
		return transport.ApplyPatch(cur, patch)
	})
}

// OnDisconnect merges patch into this session's cleanup for path.
func (t *Transport) OnDisconnect(ctx context.Context, path string, patch map[string]any) error {
	if !t.IsConnected() {
		return transport.ErrDisconnected
	}
	key := t.cleanupKey(t.session)
	err := t.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, path).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		merged := map[string]any{}
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &merged); err != nil {
				return fmt.Errorf("decode cleanup for %s: %w", path, err)
			}
		}
		for k, v := range patch {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return transport.Invalid("patch", err.Error())
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, path, raw)
			p.SAdd(ctx, t.sessionsKey(), t.session)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return t.classify(err)
	}
	return nil
}

// SubscribeValue implements transport.Transport. Subscriptions survive link
// drops and are refreshed with a fresh snapshot on reconnect.
func (t *Transport) SubscribeValue(path string, cb func(transport.Snapshot)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.valueSubs[path] == nil {
		t.valueSubs[path] = make(map[int]func(transport.Snapshot))
	}
	t.valueSubs[path][id] = cb
	t.mu.Unlock()

	t.schedule(func() { t.pushValue(path, []int{id}) })

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.valueSubs[path], id)
			if len(t.valueSubs[path]) == 0 {
				delete(t.valueSubs, path)
			}
			t.mu.Unlock()
		})
	}
}

// SubscribeChildAdded implements transport.Transport. Existing children are
// delivered in insertion order.
func (t *Transport) SubscribeChildAdded(path string, cb func(transport.Child)) func() {
	sub := &childSub{cb: cb, seen: make(map[string]bool)}
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.childSubs[path] == nil {
		t.childSubs[path] = make(map[int]*childSub)
	}
	t.childSubs[path][id] = sub
	t.mu.Unlock()

	t.schedule(func() { t.catchUp(path, id) })

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.childSubs[path], id)
			if len(t.childSubs[path]) == 0 {
				delete(t.childSubs, path)
			}
			t.mu.Unlock()
		})
	}
}

// IsConnected reports whether the last heartbeat succeeded.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Get returns the record stored at path.
func (t *Transport) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	raw, err := t.rdb.Get(ctx, t.nodeKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Sweep applies the cleanups of every session whose liveness key expired and
// returns how many sessions it reaped.
func (t *Transport) Sweep(ctx context.Context) (int, error) {
	sessions, err := t.rdb.SMembers(ctx, t.sessionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	reaped := 0
	for _, s := range sessions {
		if s == t.session {
			continue
		}
		n, err := t.rdb.Exists(ctx, t.aliveKey(s)).Result()
		if err != nil {
			return reaped, fmt.Errorf("check session %s: %w", s, err)
		}
		if n > 0 {
			continue
		}
		if err := t.runCleanups(ctx, s); err != nil {
			return reaped, err
		}
		reaped++
		t.logger.Info("reaped expired session", zap.String("expired", s))
	}
	return reaped, nil
}

// runCleanups applies and removes every cleanup registered by session.
func (t *Transport) runCleanups(ctx context.Context, session string) error {
	key := t.cleanupKey(session)
	cleanups, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load cleanups of %s: %w", session, err)
	}
	for path, raw := range cleanups {
		var patch map[string]any
		if err := json.Unmarshal([]byte(raw), &patch); err != nil {
			t.logger.Warn("dropping undecodable cleanup", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := t.update(ctx, path, patch); err != nil {
			return fmt.Errorf("apply cleanup at %s: %w", path, err)
		}
	}
	_, err = t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.SRem(ctx, t.sessionsKey(), session)
		return nil
	})
	return err
}

// store runs next against the current record at path inside an optimistic
// transaction, indexes the path under its ancestors and publishes the change.
func (t *Transport) store(ctx context.Context, path string, next func(json.RawMessage) (json.RawMessage, error)) error {
	node := t.nodeKey(path)
	var ev event
	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, node).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		raw, err := next(cur)
		if err != nil {
			return err
		}
		ev = event{Path: path}
		var adds []*redis.IntCmd
		var links []added
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, node, []byte(raw), 0)
			for child := path; ; {
				parent, key := transport.Split(child)
				if parent == "" {
					break
				}
				adds = append(adds, p.ZAddNX(ctx, t.childrenKey(parent), redis.Z{
					Score:  float64(time.Now().UnixNano()),
					Member: key,
				}))
				links = append(links, added{Parent: parent, Key: key})
				child = parent
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, cmd := range adds {
			if cmd.Val() > 0 {
				ev.Added = append(ev.Added, links[i])
			}
		}
		return nil
	}

	var err error
	for range maxTxnRetry {
		err = t.rdb.Watch(ctx, txn, node)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return err
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, t.channel(), msg).Err()
}

func (t *Transport) snapshot(path string) (transport.Snapshot, error) {
	if path == transport.ConnectedPath {
		raw, _ := json.Marshal(t.IsConnected())
		return transport.Snapshot{Path: path, Value: raw}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	snap := transport.Snapshot{Path: path}
	raw, err := t.rdb.Get(ctx, t.nodeKey(path)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, err
	}
	if len(raw) > 0 {
		snap.Value = raw
	}
	children, err := t.children(ctx, path)
	if err != nil {
		return snap, err
	}
	for _, c := range children {
		if snap.Children == nil {
			snap.Children = make(map[string]json.RawMessage)
		}
		snap.Children[c.Key] = c.Value
	}
	return snap, nil
}

// children returns the records directly below path in insertion order.
// Index entries without a record of their own are skipped.
func (t *Transport) children(ctx context.Context, path string) ([]transport.Child, error) {
	keys, err := t.rdb.ZRange(ctx, t.childrenKey(path), 0, -1).Result()
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	nodes := make([]string, len(keys))
	for i, k := range keys {
		nodes[i] = t.nodeKey(transport.Join(path, k))
	}
	vals, err := t.rdb.MGet(ctx, nodes...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]transport.Child, 0, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, transport.Child{Key: keys[i], Value: json.RawMessage(s)})
	}
	return out, nil
}

func (t *Transport) listen(ctx context.Context, ps *redis.PubSub) {
	defer t.wg.Done()
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Warn("undecodable change event", zap.Error(err))
				continue
			}
			t.dispatch(ev)
		}
	}
}

func (t *Transport) dispatch(ev event) {
	for _, p := range transport.Ancestors(ev.Path) {
		t.refreshValue(p)
	}
	for _, a := range ev.Added {
		t.schedule(func() { t.pushChild(a.Parent, a.Key) })
	}
}

// refreshValue schedules a fresh snapshot of path for its subscribers.
func (t *Transport) refreshValue(path string) {
	t.mu.Lock()
	ids := make([]int, 0, len(t.valueSubs[path]))
	for id := range t.valueSubs[path] {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	t.schedule(func() { t.pushValue(path, ids) })
}

// schedule queues fn behind every pending delivery and runs the queue unless
// another goroutine already does.
func (t *Transport) schedule(fn func()) {
	t.qmu.Lock()
	t.queue = append(t.queue, fn)
	if t.draining {
		t.qmu.Unlock()
		return
	}
	t.draining = true
	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue = t.queue[1:]
		t.qmu.Unlock()
		next()
		t.qmu.Lock()
	}
	t.draining = false
	t.qmu.Unlock()
}

// pushValue reads path and hands the snapshot to the given subscribers that
// are still registered.
func (t *Transport) pushValue(path string, ids []int) {
	snap, err := t.snapshot(path)
	if err != nil {
		t.logger.Debug("snapshot unavailable", zap.String("path", path), zap.Error(err))
		return
	}
	for _, id := range ids {
		t.mu.Lock()
		cb, ok := t.valueSubs[path][id]
		t.mu.Unlock()
		if ok {
			cb(snap)
		}
	}
}

func (t *Transport) pushChild(parent, key string) {
	t.mu.Lock()
	n := len(t.childSubs[parent])
	t.mu.Unlock()
	if n == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	raw, err := t.rdb.Get(ctx, t.nodeKey(transport.Join(parent, key))).Bytes()
	cancel()
	if err != nil {
		return
	}
	t.mu.Lock()
	ids := make([]int, 0, len(t.childSubs[parent]))
	for id := range t.childSubs[parent] {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.deliverChild(parent, id, transport.Child{Key: key, Value: raw})
	}
}

// catchUp delivers children of path that subscriber id has not seen yet.
func (t *Transport) catchUp(path string, id int) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	children, err := t.children(ctx, path)
	if err != nil {
		t.logger.Debug("children unavailable", zap.String("path", path), zap.Error(err))
		return
	}
	for _, c := range children {
		t.deliverChild(path, id, c)
	}
}

func (t *Transport) deliverChild(path string, id int, c transport.Child) {
	t.mu.Lock()
	sub, ok := t.childSubs[path][id]
	if ok && sub.seen[c.Key] {
		ok = false
	}
	if ok {
		sub.seen[c.Key] = true
	}
	t.mu.Unlock()
	if ok {
		sub.cb(c)
	}
}

func (t *Transport) heartbeat(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

// beat refreshes the liveness key. A key that had already expired means our
// cleanups may have run, so the link is reported as having flapped.
func (t *Transport) beat(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, t.opts.Heartbeat)
	defer cancel()
	key := t.aliveKey(t.session)
	fresh, err := t.rdb.SetNX(bctx, key, 1, t.opts.SessionTTL).Result()
	if err == nil && !fresh {
		err = t.rdb.Expire(bctx, key, t.opts.SessionTTL).Err()
	}
	if err == nil {
		err = t.rdb.SAdd(bctx, t.sessionsKey(), t.session).Err()
	}
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Debug("heartbeat failed", zap.Error(err))
		}
		t.setConnected(false)
		return
	}
	if fresh && t.IsConnected() {
		t.logger.Warn("session expired while connected")
		t.setConnected(false)
	}
	t.setConnected(true)
}

func (t *Transport) sweeper(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.IsConnected() {
				continue
			}
			if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// setConnected records the link state. On a connect edge every subscription
// is refreshed since change events published meanwhile were lost.
func (t *Transport) setConnected(up bool) {
	t.mu.Lock()
	changed := t.connected != up
	t.connected = up
	var values []string
	var kids []struct {
		path string
		id   int
	}
	if changed && up {
		for p := range t.valueSubs {
			if p != transport.ConnectedPath {
				values = append(values, p)
			}
		}
		for p, subs := range t.childSubs {
			for id := range subs {
				kids = append(kids, struct {
					path string
					id   int
				}{p, id})
			}
		}
	}
	t.mu.Unlock()
	if !changed {
		return
	}
	t.logger.Info("link state changed", zap.Bool("connected", up))
	t.refreshValue(transport.ConnectedPath)
	for _, p := range values {
		t.refreshValue(p)
	}
	for _, k := range kids {
		t.schedule(func() { t.catchUp(k.path, k.id) })
	}
}

// classify maps Redis failures onto the transport's error set.
func (t *Transport) classify(err error) error {
	var verr *transport.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, transport.ErrPermissionDenied):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case !t.IsConnected():
		return fmt.Errorf("%w: %v", transport.ErrDisconnected, err)
	default:
		return fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}
}

func (t *Transport) nodeKey(path string) string     { return t.opts.Prefix + ":node:" + path }
func (t *Transport) childrenKey(path string) string { return t.opts.Prefix + ":children:" + path }
func (t *Transport) cleanupKey(session string) string {
	return t.opts.Prefix + ":ondisconnect:" + session
}
func (t *Transport) aliveKey(session string) string { return t.opts.Prefix + ":alive:" + session }
func (t *Transport) sessionsKey() string            { return t.opts.Prefix + ":sessions" }
func (t *Transport) channel() string                { return t.opts.Prefix + ":events" }

var _ transport.Transport = (*Transport)(nil)
