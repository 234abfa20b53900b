package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Well-known queue names.
const (
	Messages   = "messages"
	Activities = "activities"
	Presence   = "presence"
)

// Operation is one buffered outbound operation.
type Operation struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Decode unmarshals the payload into v.
func (op Operation) Decode(v any) error {
	return json.Unmarshal(op.Payload, v)
}

// Handler delivers one operation to the transport. A nil error means the
// transport accepted it.
type Handler func(ctx context.Context, op Operation) error

// Connectivity reports whether the transport link is up.
type Connectivity interface {
	IsConnected() bool
}

// Failure is reported once for every operation that will not be delivered.
type Failure struct {
	Op  Operation
	Err error
}

// ExhaustedRetryError is returned for an operation that failed on every
// attempt of its retry budget.
type ExhaustedRetryError struct {
	Queue    string
	OpID     string
	Attempts int
	Err      error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("%s operation %s failed after %d attempts: %v", e.Queue, e.OpID, e.Attempts, e.Err)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.Err }

// Options bounds retrying of a failed delivery.
type Options struct {
	MaxRetries  uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions is used for zero fields of Options.
var DefaultOptions = Options{
	MaxRetries:  5,
	BaseBackoff: 100 * time.Millisecond,
	MaxBackoff:  5 * time.Second,
}

// Queue holds named FIFO queues of operations produced while the transport
// was unreachable and drains them in order once it is back. Queues live in
// memory only.
type Queue struct {
	conn   Connectivity
	db     *store.DB
	bus    *bus.Bus
	env    env.Environment
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	queues   map[string][]*Operation
	handlers map[string]Handler
	order    []string
	dead     []store.DeadLetter // kept when there is no db

	drains   singleflight.Group
	failures *bus.Listeners[Failure]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. db may be nil, in which case dead letters are only
// kept in memory.
func New(conn Connectivity, db *store.DB, b *bus.Bus, e env.Environment, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultOptions.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions.MaxBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		conn:     conn,
		db:       db,
		bus:      b,
		env:      e,
		logger:   logger,
		opts:     opts,
		queues:   make(map[string][]*Operation),
		handlers: make(map[string]Handler),
		failures: bus.NewListeners[Failure](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds the delivery handler of a queue. DrainAll visits queues in
// registration order.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[name]; !ok {
		q.order = append(q.order, name)
	}
	q.handlers[name] = h
}

// OnError registers cb for operations that will not be delivered.
func (q *Queue) OnError(cb func(Failure)) func() {
	return q.failures.Add(cb)
}

// Enqueue appends payload to the named queue.
func (q *Queue) Enqueue(name string, payload any) (Operation, error) {
	op, err := q.newOperation(name, payload)
	if err != nil {
		return Operation{}, err
	}
	q.push(op)
	return *op, nil
}

// Submit enqueues payload and, when the transport is up, starts draining
// the queue right away. Every operation of a queue goes through the same
// FIFO, so a direct send can never overtake an older queued one. A transient
// failure leaves the operation queued for the next drain. Submit never waits
// on the network.
func (q *Queue) Submit(name string, payload any) (Operation, error) {
	op, err := q.newOperation(name, payload)
	if err != nil {
		return Operation{}, err
	}
	q.push(op)
	if q.conn.IsConnected() {
		q.kick(name)
	}
	return *op, nil
}

// kick drains name in the background until it is empty or the link drops.
// A push that races with the end of a running drain joins that drain and is
// picked up by the next loop iteration.
func (q *Queue) kick(name string) {
	if q.ctx.Err() != nil {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			if _, err := q.Drain(q.ctx, name); err != nil {
				return
			}
			if q.Len(name) == 0 || !q.conn.IsConnected() || q.ctx.Err() != nil {
				return
			}
		}
	}()
}

// Len returns the number of operations waiting in a queue.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[name])
}

// Stats returns the length of every registered queue.
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.order))
	for _, name := range q.order {
		out[name] = len(q.queues[name])
	}
	return out
}

// Pending returns a copy of the operations waiting in a queue, oldest first.
func (q *Queue) Pending(name string) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0, len(q.queues[name]))
	for _, op := range q.queues[name] {
		out = append(out, *op)
	}
	return out
}

// Drain delivers the named queue in FIFO order and returns how many
// operations were accepted. Only one drain per queue runs at a time; a
// concurrent call joins the running drain and shares its result. Draining
// stops, keeping the head entry, if the transport goes away.
func (q *Queue) Drain(ctx context.Context, name string) (int, error) {
	v, err, _ := q.drains.Do(name, func() (any, error) {
		return q.drain(ctx, name)
	})
	n, _ := v.(int)
	return n, err
}

// Resume starts draining every registered queue in the background, in
// registration order, and returns at once. Deliveries run under the queue's
// own context, so Close stops them.
func (q *Queue) Resume() {
	if q.ctx.Err() != nil {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.DrainAll(q.ctx)
	}()
}

// DrainAll drains every registered queue in registration order.
func (q *Queue) DrainAll(ctx context.Context) {
	q.mu.Lock()
	names := append([]string(nil), q.order...)
	q.mu.Unlock()

	for _, name := range names {
		if _, err := q.Drain(ctx, name); err != nil {
			q.logger.Warn("drain stopped", zap.String("queue", name), zap.Error(err))
		}
	}
}

// DeadLetters returns dead letters of a queue, all queues when name is empty.
func (q *Queue) DeadLetters(name string, limit int) ([]store.DeadLetter, error) {
	if q.db != nil {
		return q.db.ListDeadLetters(name, limit)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.DeadLetter
	for _, d := range q.dead {
		if name == "" || d.Queue == name {
			out = append(out, d)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeadLetterCounts returns the number of dead letters per queue.
func (q *Queue) DeadLetterCounts() (map[string]int, error) {
	if q.db != nil {
		return q.db.CountDeadLetters()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int)
	for _, d := range q.dead {
		counts[d.Queue]++
	}
	return counts, nil
}

// DiscardDeadLetter forgets the dead letter with the given operation id.
func (q *Queue) DiscardDeadLetter(id string) error {
	found := false
	if q.db != nil {
		var err error
		if found, err = q.db.DeleteDeadLetter(id); err != nil {
			return err
		}
	} else {
		q.mu.Lock()
		for i, d := range q.dead {
			if d.ID == id {
				q.dead = append(q.dead[:i], q.dead[i+1:]...)
				found = true
				break
			}
		}
		q.mu.Unlock()
	}
	if !found {
		return transport.Invalid("id", fmt.Sprintf("no dead letter %q", id))
	}
	return nil
}

// Close cancels in-flight deliveries and waits for direct sends to return.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
	q.failures.Clear()
}

func (q *Queue) drain(ctx context.Context, name string) (int, error) {
	q.mu.Lock()
	h, ok := q.handlers[name]
	q.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no handler registered for queue %q", name)
	}

	delivered := 0
	for {
		op, ok := q.head(name)
		if !ok {
			break
		}
		err := q.deliver(ctx, name, h, op)
		if err == nil {
			q.remove(name, op.ID)
			delivered++
			continue
		}
		if errors.Is(err, transport.ErrDisconnected) || ctx.Err() != nil {
			q.logger.Info("drain interrupted", zap.String("queue", name), zap.Int("delivered", delivered), zap.Error(err))
			return delivered, err
		}
		q.remove(name, op.ID)
		q.fail(op, err)
	}

	if q.db != nil {
		key := "outbox." + name + ".last_drain"
		if err := q.db.SetCheckpoint(key, strconv.FormatInt(q.env.Now().UnixMilli(), 10)); err != nil {
			q.logger.Warn("failed to store drain checkpoint", zap.String("queue", name), zap.Error(err))
		}
	}
	if delivered > 0 {
		q.logger.Info("queue drained", zap.String("queue", name), zap.Int("delivered", delivered))
	}
	q.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxDrained,
		Timestamp: q.env.Now(),
		Payload:   map[string]any{"queue": name, "delivered": delivered},
	})
	return delivered, nil
}

// deliver runs h with bounded exponential backoff. Permanent errors and a
// lost link end the attempts early.
func (q *Queue) deliver(ctx context.Context, name string, h Handler, op *Operation) error {
	b := retry.NewExponential(q.opts.BaseBackoff)
	b = retry.WithCappedDuration(q.opts.MaxBackoff, b)
	b = retry.WithMaxRetries(q.opts.MaxRetries, b)

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		err := h(ctx, *op)
		if err == nil {
			return nil
		}
		if transport.IsPermanent(err) || errors.Is(err, transport.ErrDisconnected) {
			return err
		}
		q.bumpRetry(name, op.ID)
		q.logger.Debug("delivery failed, retrying", zap.String("queue", name), zap.String("op_id", op.ID), zap.Int("attempt", attempts), zap.Error(err))
		return retry.RetryableError(err)
	})
	if err == nil || transport.IsPermanent(err) || errors.Is(err, transport.ErrDisconnected) || ctx.Err() != nil {
		return err
	}
	return &ExhaustedRetryError{Queue: name, OpID: op.ID, Attempts: attempts, Err: err}
}

func (q *Queue) newOperation(name string, payload any) (*Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, transport.Invalid("payload", err.Error())
	}
	return &Operation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Queue:      name,
		Payload:    raw,
		EnqueuedAt: q.env.Now(),
	}, nil
}

func (q *Queue) push(op *Operation) {
	q.mu.Lock()
	q.queues[op.Queue] = append(q.queues[op.Queue], op)
	depth := len(q.queues[op.Queue])
	q.mu.Unlock()

	q.logger.Debug("operation queued", zap.String("queue", op.Queue), zap.String("op_id", op.ID), zap.Int("depth", depth))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxQueued,
		Timestamp: op.EnqueuedAt,
		Payload:   map[string]any{"queue": op.Queue, "op_id": op.ID, "depth": depth},
	})
}

func (q *Queue) head(name string) (*Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.queues[name]
	if len(ops) == 0 {
		return nil, false
	}
	return ops[0], true
}

func (q *Queue) remove(name, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.queues[name]
	for i, op := range ops {
		if op.ID == id {
			q.queues[name] = append(ops[:i:i], ops[i+1:]...)
			return
		}
	}
}

func (q *Queue) bumpRetry(name, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.queues[name] {
		if op.ID == id {
			op.RetryCount++
			return
		}
	}
}

// fail dead-letters op and reports it once.
func (q *Queue) fail(op *Operation, cause error) {
	q.mu.Lock()
	attempts := op.RetryCount
	q.mu.Unlock()
	var exhausted *ExhaustedRetryError
	if !errors.As(cause, &exhausted) {
		attempts++
	}

	d := store.DeadLetter{
		ID:         op.ID,
		Queue:      op.Queue,
		Payload:    op.Payload,
		Attempts:   attempts,
		LastError:  cause.Error(),
		EnqueuedAt: op.EnqueuedAt.UnixMilli(),
		FailedAt:   q.env.Now().UnixMilli(),
	}
	if q.db != nil {
		if err := q.db.SaveDeadLetter(&d); err != nil {
			q.logger.Error("failed to save dead letter", zap.String("op_id", op.ID), zap.Error(err))
		}
	} else {
		q.mu.Lock()
		q.dead = append(q.dead, d)
		q.mu.Unlock()
	}

	q.logger.Error("operation dead-lettered", zap.String("queue", op.Queue), zap.String("op_id", op.ID), zap.Int("attempts", attempts), zap.Error(cause))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxDeadLetter,
		Timestamp: q.env.Now(),
		Payload:   map[string]any{"queue": op.Queue, "op_id": op.ID, "error": cause.Error()},
	})
	q.failures.Emit(Failure{Op: *op, Err: cause})
}
