package mongomirror

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the worker goroutine to write while
// the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// fixedConnector returns db for every connection attempt.
func fixedConnector(db Database) Connector {
	return func(ctx context.Context, uri, dbName string) (Database, error) {
		return db, nil
	}
}

// newTestManager builds a stopped manager with a temp-dir config store, an
// in-memory audit sink, fast backoff, and a connector that always hands out
// db.
func newTestManager(t *testing.T, db Database) (*Manager, *syncBuffer) {
	t.Helper()
	store, err := OpenConfigStore(t.TempDir())
	if err != nil {
		t.Fatalf("open config store: %v", err)
	}
	buf := &syncBuffer{}
	mgr := NewManager(ManagerOptions{
		Store:       store,
		Audit:       NewAuditLog(buf),
		Connect:     fixedConnector(db),
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	})
	return mgr, buf
}

// enabledConfig is a valid enabled target for tests using fixedConnector.
func enabledConfig() ReplicationConfig {
	return ReplicationConfig{
		MongoURL: "mongodb://secondary:27017",
		DBName:   "mirror_test",
		Enabled:  true,
	}
}
