package mongomirror

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// scriptedDatabase wraps a MemoryDatabase and fails InsertOne a configured
// number of times per _id, recording attempt times and successful apply
// order.
type scriptedDatabase struct {
	inner *MemoryDatabase

	mu       sync.Mutex
	failures map[any]int
	attempts []time.Time
	applied  []any
}

func newScriptedDatabase() *scriptedDatabase {
	return &scriptedDatabase{inner: OpenMemoryDatabase(), failures: make(map[any]int)}
}

func (d *scriptedDatabase) failTimes(id any, n int) {
	d.mu.Lock()
	d.failures[id] = n
	d.mu.Unlock()
}

func (d *scriptedDatabase) appliedIDs() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.applied...)
}

func (d *scriptedDatabase) attemptTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attempts...)
}

func (d *scriptedDatabase) Collection(name string) Collection {
	return &scriptedCollection{db: d, inner: d.inner.Collection(name)}
}

func (d *scriptedDatabase) RunCommand(ctx context.Context, cmd any) (bson.M, error) {
	return d.inner.RunCommand(ctx, cmd)
}

func (d *scriptedDatabase) Close(ctx context.Context) error { return d.inner.Close(ctx) }

type scriptedCollection struct {
	db    *scriptedDatabase
	inner Collection
}

func (c *scriptedCollection) InsertOne(ctx context.Context, document any) (*mongo.InsertOneResult, error) {
	doc, err := toDoc(document)
	if err != nil {
		return nil, err
	}
	id := doc["_id"]

	c.db.mu.Lock()
	c.db.attempts = append(c.db.attempts, time.Now())
	if n := c.db.failures[id]; n > 0 {
		c.db.failures[id] = n - 1
		c.db.mu.Unlock()
		return nil, errors.New("injected secondary failure")
	}
	c.db.mu.Unlock()

	res, err := c.inner.InsertOne(ctx, document)
	if err == nil {
		c.db.mu.Lock()
		c.db.applied = append(c.db.applied, id)
		c.db.mu.Unlock()
	}
	return res, err
}

func (c *scriptedCollection) InsertMany(ctx context.Context, documents []any) (*mongo.InsertManyResult, error) {
	return c.inner.InsertMany(ctx, documents)
}

func (c *scriptedCollection) UpdateOne(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.inner.UpdateOne(ctx, filter, update)
}

func (c *scriptedCollection) UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.inner.UpdateMany(ctx, filter, update)
}

func (c *scriptedCollection) ReplaceOne(ctx context.Context, filter, replacement any) (*mongo.UpdateResult, error) {
	return c.inner.ReplaceOne(ctx, filter, replacement)
}

func (c *scriptedCollection) DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	return c.inner.DeleteOne(ctx, filter)
}

func (c *scriptedCollection) DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	return c.inner.DeleteMany(ctx, filter)
}

func (c *scriptedCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error) {
	return c.inner.BulkWrite(ctx, models)
}

func (c *scriptedCollection) Find(ctx context.Context, filter any) (Cursor, error) {
	return c.inner.Find(ctx, filter)
}

func (c *scriptedCollection) FindOne(ctx context.Context, filter any) SingleResult {
	return c.inner.FindOne(ctx, filter)
}

func (c *scriptedCollection) Aggregate(ctx context.Context, pipeline any) (Cursor, error) {
	return c.inner.Aggregate(ctx, pipeline)
}

func TestManagerDisabledDiscardsOperations(t *testing.T) {
	sec := OpenMemoryDatabase()
	mgr, _ := newTestManager(t, sec)
	mgr.Start()
	defer mgr.Stop()

	for i := 0; i < 3; i++ {
		mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": i}})
	}
	waitFor(t, time.Second, func() bool { return mgr.Pending() == 0 })
	time.Sleep(20 * time.Millisecond)

	stats := mgr.Stats()
	if stats.Enqueued != 3 {
		t.Errorf("enqueued = %d, want 3", stats.Enqueued)
	}
	if stats.Processed != 0 || stats.Errors != 0 {
		t.Errorf("disabled manager touched counters: %+v", stats)
	}
	if sec.Count("users") != 0 {
		t.Error("disabled manager wrote to the secondary")
	}
}

func TestManagerReplicatesQueuedOperations(t *testing.T) {
	sec := OpenMemoryDatabase()
	mgr, buf := newTestManager(t, sec)
	if err := mgr.store.Save(enabledConfig()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	mgr.Start()
	defer mgr.Stop()

	if !mgr.Enabled() {
		t.Fatal("manager should be enabled after loading persisted config")
	}

	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": 1, "v": "x"}})
	mgr.Enqueue(UpdateOneOp{Collection: "users", Filter: bson.M{"_id": 1}, Update: bson.M{"$set": bson.M{"v": "y"}}})

	waitFor(t, time.Second, func() bool { return mgr.Stats().Processed == 2 })

	var got struct {
		V string `bson:"v"`
	}
	if err := sec.Collection("users").FindOne(context.Background(), bson.M{"_id": 1}).Decode(&got); err != nil {
		t.Fatalf("secondary lookup: %v", err)
	}
	if got.V != "y" {
		t.Errorf("secondary v = %q, want y", got.V)
	}
	if !strings.Contains(buf.String(), "op=insert_one") {
		t.Error("audit log missing insert_one success entry")
	}
}

func TestManagerConfigureIncompleteTarget(t *testing.T) {
	mgr, _ := newTestManager(t, OpenMemoryDatabase())

	err := mgr.Configure(ReplicationConfig{Enabled: true})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if mgr.Enabled() {
		t.Error("manager enabled despite incomplete target")
	}
	stats := mgr.Stats()
	if stats.Errors != 1 || stats.LastError == "" {
		t.Errorf("configure failure not counted: %+v", stats)
	}
}

func TestManagerConfigureConnectFailure(t *testing.T) {
	store, err := OpenConfigStore(t.TempDir())
	if err != nil {
		t.Fatalf("open config store: %v", err)
	}
	mgr := NewManager(ManagerOptions{
		Store: store,
		Audit: NewAuditLog(&syncBuffer{}),
		Connect: func(ctx context.Context, uri, dbName string) (Database, error) {
			return nil, errors.New("secondary unreachable")
		},
	})

	if err := mgr.Configure(enabledConfig()); err == nil {
		t.Fatal("expected a connect error")
	}
	if mgr.Enabled() {
		t.Error("manager enabled despite connect failure")
	}
	if stats := mgr.Stats(); stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
}

func TestManagerStartStopIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t, OpenMemoryDatabase())

	mgr.Start()
	mgr.Start()
	mgr.Stop()
	mgr.Stop()

	// A stopped manager can be relaunched.
	mgr.Start()
	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": 1}})
	waitFor(t, time.Second, func() bool { return mgr.Pending() == 0 })
	mgr.Stop()
}

func TestManagerRetryBackoff(t *testing.T) {
	sec := newScriptedDatabase()
	sec.failTimes("x", 2)

	mgr, _ := newTestManager(t, sec)
	if err := mgr.store.Save(enabledConfig()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	mgr.Start()
	defer mgr.Stop()

	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": "x"}})
	waitFor(t, 5*time.Second, func() bool { return mgr.Stats().Processed == 1 })

	stats := mgr.Stats()
	if stats.Errors != 2 {
		t.Errorf("errors = %d, want 2", stats.Errors)
	}
	attempts := sec.attemptTimes()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	if gap1 < mgr.baseBackoff {
		t.Errorf("first retry delay %v below base %v", gap1, mgr.baseBackoff)
	}
	if gap2 < 2*mgr.baseBackoff {
		t.Errorf("second retry delay %v did not escalate past %v", gap2, 2*mgr.baseBackoff)
	}
}

func TestManagerBackoffResetsAfterSuccess(t *testing.T) {
	sec := newScriptedDatabase()
	sec.failTimes("x", 3)
	sec.failTimes("y", 1)

	store, err := OpenConfigStore(t.TempDir())
	if err != nil {
		t.Fatalf("open config store: %v", err)
	}
	mgr := NewManager(ManagerOptions{
		Store:       store,
		Audit:       NewAuditLog(&syncBuffer{}),
		Connect:     fixedConnector(sec),
		BaseBackoff: 60 * time.Millisecond,
		MaxBackoff:  130 * time.Millisecond,
	})
	if err := store.Save(enabledConfig()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	mgr.Start()
	defer mgr.Stop()

	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": "x"}})
	waitFor(t, 5*time.Second, func() bool { return mgr.Stats().Processed == 1 })

	attempts := sec.attemptTimes()
	if len(attempts) != 4 {
		t.Fatalf("attempts = %d, want 4", len(attempts))
	}
	// The third delay hits the cap; uncapped doubling would be 4x base.
	if gap := attempts[3].Sub(attempts[2]); gap >= 3*mgr.baseBackoff {
		t.Errorf("third retry delay %v ignored the cap %v", gap, mgr.maxBackoff)
	}

	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": "y"}})
	waitFor(t, 5*time.Second, func() bool { return mgr.Stats().Processed == 2 })

	attempts = sec.attemptTimes()
	if len(attempts) != 6 {
		t.Fatalf("attempts = %d, want 6", len(attempts))
	}
	// The success on x returned the delay to base; y's single failure must
	// not inherit the escalated (let alone capped) delay.
	gap := attempts[5].Sub(attempts[4])
	if gap < mgr.baseBackoff {
		t.Errorf("retry delay %v below base %v", gap, mgr.baseBackoff)
	}
	if gap >= 2*mgr.baseBackoff {
		t.Errorf("retry delay %v did not return to base after a success", gap)
	}
}

func TestManagerReordersAfterFailure(t *testing.T) {
	sec := newScriptedDatabase()
	sec.failTimes("a", 1)

	mgr, _ := newTestManager(t, sec)
	if err := mgr.store.Save(enabledConfig()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	mgr.Start()
	defer mgr.Stop()

	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": "a"}})
	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": "b"}})

	waitFor(t, 5*time.Second, func() bool { return mgr.Stats().Processed == 2 })

	applied := sec.appliedIDs()
	if len(applied) != 2 {
		t.Fatalf("applied = %v, want both operations", applied)
	}
	// The failed operation retried at the tail, behind b.
	if applied[0] != "b" || applied[1] != "a" {
		t.Errorf("apply order = %v, want [b a]", applied)
	}
}

type bogusOp struct{}

func (bogusOp) Kind() string   { return "bogus" }
func (bogusOp) target() string { return "none" }

func TestManagerDropsUnknownOperations(t *testing.T) {
	sec := OpenMemoryDatabase()
	mgr, buf := newTestManager(t, sec)
	if err := mgr.store.Save(enabledConfig()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	mgr.Start()
	defer mgr.Stop()

	mgr.Enqueue(bogusOp{})
	mgr.Enqueue(InsertOneOp{Collection: "users", Document: bson.M{"_id": 1}})

	waitFor(t, time.Second, func() bool { return mgr.Stats().Processed == 1 })

	stats := mgr.Stats()
	if stats.Errors != 0 {
		t.Errorf("unknown op must not count as a replication error: %+v", stats)
	}
	if !strings.Contains(buf.String(), "operation dropped") {
		t.Error("audit log missing drop entry")
	}
}
