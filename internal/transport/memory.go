package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// OpKind names a mutation recorded by Memory.
type OpKind string

const (
	OpWrite   OpKind = "write"
	OpUpdate  OpKind = "update"
	OpCleanup OpKind = "on_disconnect"
)

// Op is an accepted mutation, in acceptance order.
type Op struct {
	Kind  OpKind
	Path  string
	Value json.RawMessage
}

// Hook can fail an operation before Memory applies it.
type Hook func(kind OpKind, path string) error

// Memory is an in-process Transport. It plays both the client link and the
// backend: losing the link runs the registered disconnect cleanups the way a
// server would.
type Memory struct {
	mu        sync.Mutex
	connected bool
	data      map[string]json.RawMessage
	valueSubs map[string]map[int]func(Snapshot)
	childSubs map[string]map[int]func(Child)
	cleanups  map[string]map[string]any // merged per path
	order     []string                  // paths in first registration order
	ops       []Op
	hook      Hook
	next      int
}

// NewMemory returns a disconnected in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		data:      make(map[string]json.RawMessage),
		valueSubs: make(map[string]map[int]func(Snapshot)),
		childSubs: make(map[string]map[int]func(Child)),
		cleanups:  make(map[string]map[string]any),
	}
}

type notification struct {
	value []func()
}

func (n *notification) fire() {
	for _, f := range n.value {
		f()
	}
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	m.mu.Lock()
	if err := m.admit(OpWrite, path); err != nil {
		m.mu.Unlock()
		return err
	}
	n := m.store(OpWrite, path, raw)
	m.mu.Unlock()

	n.fire()
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.admit(OpUpdate, path); err != nil {
		m.mu.Unlock()
		return err
	}
	raw, err := ApplyPatch(m.data[path], patch)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	n := m.store(OpUpdate, path, raw)
	m.mu.Unlock()

	n.fire()
	return nil
}

// OnDisconnect merges patch into the cleanup registered for path, so a later
// registration overrides the fields of an earlier one.
func (m *Memory) OnDisconnect(ctx context.Context, path string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admit(OpCleanup, path); err != nil {
		return err
	}
	merged, ok := m.cleanups[path]
	if !ok {
		merged = make(map[string]any, len(patch))
		m.cleanups[path] = merged
		m.order = append(m.order, path)
	}
	for k, v := range patch {
		merged[k] = v
	}
	return nil
}

func (m *Memory) SubscribeValue(path string, cb func(Snapshot)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	if m.valueSubs[path] == nil {
		m.valueSubs[path] = make(map[int]func(Snapshot))
	}
	m.valueSubs[path][id] = cb
	snap := m.snapshot(path)
	m.mu.Unlock()

	cb(snap)

	return func() {
		m.mu.Lock()
		delete(m.valueSubs[path], id)
		m.mu.Unlock()
	}
}

func (m *Memory) SubscribeChildAdded(path string, cb func(Child)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	if m.childSubs[path] == nil {
		m.childSubs[path] = make(map[int]func(Child))
	}
	m.childSubs[path][id] = cb
	existing := m.snapshot(path).Children
	m.mu.Unlock()

	for k, v := range existing {
		cb(Child{Key: k, Value: v})
	}

	return func() {
		m.mu.Lock()
		delete(m.childSubs[path], id)
		m.mu.Unlock()
	}
}

// SetConnected changes the link state and publishes it on ConnectedPath.
// Losing the link applies and clears every registered disconnect cleanup.
func (m *Memory) SetConnected(connected bool) {
	var pending []notification

	m.mu.Lock()
	wasConnected := m.connected
	m.connected = connected
	if wasConnected && !connected {
		for _, path := range m.order {
			raw, err := ApplyPatch(m.data[path], m.cleanups[path])
			if err != nil {
				continue
			}
			pending = append(pending, m.store(OpCleanup, path, raw))
		}
		m.cleanups = make(map[string]map[string]any)
		m.order = nil
	}
	pending = append(pending, m.notifyValue(ConnectedPath))
	m.mu.Unlock()

	for i := range pending {
		pending[i].fire()
	}
}

// Connected reports the current link state.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetHook installs a hook consulted before every mutation. nil removes it.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// Get returns the record stored at path.
func (m *Memory) Get(path string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[path]
	return v, ok
}

// Ops returns a copy of the accepted mutations.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

// PendingCleanups returns the number of paths with a registered disconnect
// cleanup.
func (m *Memory) PendingCleanups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cleanups)
}

func (m *Memory) admit(kind OpKind, path string) error {
	if !m.connected {
		return ErrDisconnected
	}
	if m.hook != nil {
		return m.hook(kind, path)
	}
	return nil
}

// store must be called with m.mu held.
func (m *Memory) store(kind OpKind, path string, raw json.RawMessage) notification {
	_, existed := m.data[path]
	m.data[path] = raw
	m.ops = append(m.ops, Op{Kind: kind, Path: path, Value: raw})

	var n notification
	for _, p := range Ancestors(path) {
		sub := m.notifyValue(p)
		n.value = append(n.value, sub.value...)
	}
	if !existed {
		parent, key := Split(path)
		for _, cb := range m.childSubs[parent] {
			child := Child{Key: key, Value: raw}
			n.value = append(n.value, func() { cb(child) })
		}
	}
	return n
}

// notifyValue must be called with m.mu held.
func (m *Memory) notifyValue(path string) notification {
	subs := m.valueSubs[path]
	if len(subs) == 0 {
		return notification{}
	}
	snap := m.snapshot(path)
	var n notification
	for _, cb := range subs {
		n.value = append(n.value, func() { cb(snap) })
	}
	return n
}

// snapshot must be called with m.mu held.
func (m *Memory) snapshot(path string) Snapshot {
	if path == ConnectedPath {
		raw, _ := json.Marshal(m.connected)
		return Snapshot{Path: path, Value: raw}
	}
	snap := Snapshot{Path: path, Value: m.data[path]}
	for k, v := range m.data {
		parent, key := Split(k)
		if parent != path {
			continue
		}
		if snap.Children == nil {
			snap.Children = make(map[string]json.RawMessage)
		}
		snap.Children[key] = v
	}
	return snap
}
