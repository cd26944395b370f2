package mongomirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownOperation marks an operation kind the worker cannot
	// dispatch. Such operations are audited and dropped, never retried.
	ErrUnknownOperation = errors.New("unknown operation kind")

	// ErrNotConfigured is returned by Configure when replication is enabled
	// but the secondary target is incomplete.
	ErrNotConfigured = errors.New("replication enabled but secondary target is incomplete")
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second

	connectTimeout = 10 * time.Second
	closeTimeout   = 5 * time.Second
	applyTimeout   = 30 * time.Second
)

// Stats are the manager's aggregate counters. They are process-local and
// reset on restart.
type Stats struct {
	Enqueued    uint64    `json:"enqueued"`
	Processed   uint64    `json:"processed"`
	Errors      uint64    `json:"errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// ManagerOptions configures a Manager. Store and Audit are required.
type ManagerOptions struct {
	Store *ConfigStore
	Audit *AuditLog

	// Connect opens secondary connections. Defaults to ConnectMongo.
	Connect Connector

	// Logger receives the manager's own diagnostics. Defaults to a no-op
	// logger; the audit log is written regardless.
	Logger *zerolog.Logger

	// BaseBackoff and MaxBackoff bound the retry delay after secondary
	// failures. Zero values select the defaults (500ms and 5s).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

/*
Manager owns the secondary connection and the queue of pending operations. A
single background worker drains the queue and replays each operation against
the secondary, retrying failures with a doubling, capped backoff.

The backoff state is shared across the whole worker loop and resets to the
base delay after any success. A failed operation re-enqueues at the tail, so
once any failure occurs the secondary may apply operations out of the
primary's write order.
*/
type Manager struct {
	store   *ConfigStore
	audit   *AuditLog
	connect Connector
	log     zerolog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration

	queue *opQueue

	mu        sync.Mutex
	enabled   bool
	secondary Database
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// NewManager builds a stopped Manager. Call Start to load the persisted
// config and launch the worker.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		store:       opts.Store,
		audit:       opts.Audit,
		connect:     opts.Connect,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		queue:       newOpQueue(),
	}
	if m.connect == nil {
		m.connect = ConnectMongo
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	} else {
		m.log = zerolog.Nop()
	}
	if m.baseBackoff <= 0 {
		m.baseBackoff = defaultBaseBackoff
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = defaultMaxBackoff
	}
	return m
}

// Start loads the persisted replication config, applies it, and launches the
// worker. Calling Start on a running manager does nothing.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if err := m.Configure(m.store.Load()); err != nil {
		m.log.Warn().Err(err).Msg("replication starts disabled")
	}
	go m.run(ctx, done)
}

// Stop cancels the worker at its current blocking point and waits for it to
// exit. Stopping a stopped manager does nothing; a later Start relaunches
// the worker.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
}

/*
Configure replaces the secondary connection according to cfg. On any failure
the manager is left disabled with no secondary connection, the error counter
and last-error message are updated, and the reason is returned. Configure
never panics; callers on a best-effort path may ignore the return value.
*/
func (m *Manager) Configure(cfg ReplicationConfig) error {
	m.mu.Lock()
	old := m.secondary
	m.secondary = nil
	m.enabled = false
	m.mu.Unlock()

	if old != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = old.Close(ctx)
		cancel()
	}

	if !cfg.Active() {
		if cfg.Enabled {
			m.recordError(ErrNotConfigured)
			m.audit.Event("warn", "replication target incomplete, staying disabled")
			return ErrNotConfigured
		}
		m.audit.Event("info", "replication disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	sec, err := m.connect(ctx, cfg.MongoURL, cfg.DBName)
	if err != nil {
		err = fmt.Errorf("connect secondary: %w", err)
		m.recordError(err)
		m.audit.Event("error", "secondary connection failed: "+err.Error())
		return err
	}

	m.mu.Lock()
	m.secondary = sec
	m.enabled = true
	m.mu.Unlock()
	m.audit.Event("info", "replication enabled for database "+cfg.DBName)
	return nil
}

// Enqueue hands a write description to the worker. It never blocks: callers
// on the synchronous write path pay only a counter bump and a mutex append.
func (m *Manager) Enqueue(op Operation) {
	m.statsMu.Lock()
	m.stats.Enqueued++
	m.statsMu.Unlock()
	m.queue.push(&queuedOp{id: uuid.NewString(), op: op, enqueued: time.Now()})
}

// Enabled reports whether a secondary is configured and replication is on.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Pending is the number of operations waiting in the queue.
func (m *Manager) Pending() int {
	return m.queue.len()
}

// Stats returns a snapshot of the aggregate counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) recordError(err error) {
	m.statsMu.Lock()
	m.stats.Errors++
	m.stats.LastError = err.Error()
	m.statsMu.Unlock()
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := m.baseBackoff
	for {
		item, err := m.queue.pop(ctx)
		if err != nil {
			return
		}

		m.mu.Lock()
		sec, enabled := m.secondary, m.enabled
		m.mu.Unlock()
		if !enabled || sec == nil {
			// Replication is off: discard. The enqueued counter already
			// accounted for the operation.
			continue
		}

		item.attempts++
		applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
		err = applyOperation(applyCtx, sec, item.op)
		cancel()

		if err == nil {
			m.statsMu.Lock()
			m.stats.Processed++
			m.stats.LastSuccess = time.Now()
			m.statsMu.Unlock()
			m.audit.Success(item.op.Kind(), item.op.target(), item.id, item.attempts)
			backoff = m.baseBackoff
			continue
		}

		if errors.Is(err, ErrUnknownOperation) {
			m.audit.Dropped(item.op.Kind(), item.op.target(), item.id, err.Error())
			continue
		}

		m.recordError(err)
		m.audit.Failure(item.op.Kind(), item.op.target(), item.id, item.attempts, err)
		m.log.Warn().Err(err).Str("op", opString(item.op)).Dur("backoff", backoff).Msg("replication attempt failed")

		select {
		case <-ctx.Done():
			m.queue.push(item)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
		m.queue.push(item)
	}
}

// applyOperation replays op against the secondary, dispatching on the closed
// operation set.
func applyOperation(ctx context.Context, db Database, op Operation) error {
	coll := db.Collection(op.target())
	switch op := op.(type) {
	case InsertOneOp:
		_, err := coll.InsertOne(ctx, op.Document)
		return err
	case InsertManyOp:
		_, err := coll.InsertMany(ctx, op.Documents)
		return err
	case UpdateOneOp:
		_, err := coll.UpdateOne(ctx, op.Filter, op.Update)
		return err
	case UpdateManyOp:
		_, err := coll.UpdateMany(ctx, op.Filter, op.Update)
		return err
	case ReplaceOneOp:
		_, err := coll.ReplaceOne(ctx, op.Filter, op.Replacement)
		return err
	case DeleteOneOp:
		_, err := coll.DeleteOne(ctx, op.Filter)
		return err
	case DeleteManyOp:
		_, err := coll.DeleteMany(ctx, op.Filter)
		return err
	case BulkWriteOp:
		_, err := coll.BulkWrite(ctx, op.Models)
		return err
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
}
