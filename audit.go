package mongomirror

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	auditMaxSizeMB  = 10
	auditMaxBackups = 5
)

// AuditEvent is the in-process form of one audit entry, delivered to
// subscribers of the live tail.
type AuditEvent struct {
	Time       time.Time `json:"time"`
	Level      string    `json:"level"`
	Op         string    `json:"op,omitempty"`
	Collection string    `json:"collection,omitempty"`
	OpID       string    `json:"op_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}

/*
AuditLog records every replication attempt and outcome, independent of the
application's own logging. Entries are single key=value lines with RFC-3339
timestamps, appended to a size-rotated file. Writing is best-effort: a sink
failure never reaches the replication path.

Events also fan out to in-process subscribers; a slow subscriber drops events
rather than blocking the worker.
*/
type AuditLog struct {
	logger zerolog.Logger
	out    io.WriteCloser

	mu   sync.Mutex
	subs map[chan AuditEvent]struct{}
}

// OpenAuditLog appends to the file at path, rotating at a fixed size and
// keeping a fixed number of backups.
func OpenAuditLog(path string) *AuditLog {
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    auditMaxSizeMB,
		MaxBackups: auditMaxBackups,
	}
	a := NewAuditLog(out)
	a.out = out
	return a
}

// NewAuditLog writes key=value entries to w. Used directly in tests.
func NewAuditLog(w io.Writer) *AuditLog {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	return &AuditLog{
		logger: zerolog.New(cw).With().Timestamp().Logger(),
		subs:   make(map[chan AuditEvent]struct{}),
	}
}

// Success records a completed replication of one operation.
func (a *AuditLog) Success(op, collection, opID string, attempt int) {
	a.logger.Info().
		Str("op", op).
		Str("collection", collection).
		Str("op_id", opID).
		Int("attempt", attempt).
		Msg("replicated")
	a.publish(AuditEvent{
		Time: time.Now(), Level: "info",
		Op: op, Collection: collection, OpID: opID, Attempt: attempt,
		Status: "ok",
	})
}

// Failure records a failed attempt that will be retried.
func (a *AuditLog) Failure(op, collection, opID string, attempt int, err error) {
	a.logger.Error().
		Str("op", op).
		Str("collection", collection).
		Str("op_id", opID).
		Int("attempt", attempt).
		Err(err).
		Msg("replication failed")
	a.publish(AuditEvent{
		Time: time.Now(), Level: "error",
		Op: op, Collection: collection, OpID: opID, Attempt: attempt,
		Status: "error", Detail: err.Error(),
	})
}

// Dropped records an operation that was discarded without retry.
func (a *AuditLog) Dropped(op, collection, opID, reason string) {
	a.logger.Warn().
		Str("op", op).
		Str("collection", collection).
		Str("op_id", opID).
		Str("reason", reason).
		Msg("operation dropped")
	a.publish(AuditEvent{
		Time: time.Now(), Level: "warn",
		Op: op, Collection: collection, OpID: opID,
		Status: "dropped", Detail: reason,
	})
}

// Event records a lifecycle message such as a configuration change.
func (a *AuditLog) Event(level, msg string) {
	switch level {
	case "warn":
		a.logger.Warn().Msg(msg)
	case "error":
		a.logger.Error().Msg(msg)
	default:
		a.logger.Info().Msg(msg)
	}
	a.publish(AuditEvent{Time: time.Now(), Level: level, Status: "event", Detail: msg})
}

// Subscribe registers a live-tail consumer. The returned cancel function
// unregisters it and closes the channel; calling cancel more than once is
// safe.
func (a *AuditLog) Subscribe() (<-chan AuditEvent, func()) {
	ch := make(chan AuditEvent, 16)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, ch)
			a.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (a *AuditLog) publish(ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close flushes and closes the rotated file, if any.
func (a *AuditLog) Close() error {
	if a.out != nil {
		return a.out.Close()
	}
	return nil
}
