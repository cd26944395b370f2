/*
Package mongomirror shadows the writes of a MongoDB-backed application onto a
secondary database without adding latency to the request path.

A ReplicatedDatabase wraps the primary handle. Every write executes against
the primary first and returns the primary's result unchanged; a description
of the write is then queued for a background Manager, which replays it
against the secondary and records the outcome in an independent, size-rotated
audit log. Reads always go to the primary. The secondary target is persisted
encrypted at rest and can be changed at runtime.

# Usage

	stack, err := mongomirror.NewStack(mongomirror.Options{DataDir: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	stack.Start()
	defer stack.Stop()

	primary, err := mongomirror.ConnectMongo(ctx, "mongodb://localhost:27017", "app")
	if err != nil {
	    log.Fatal(err)
	}
	db := stack.Wrap(primary)

	users := db.Collection("users")
	_, err = users.InsertOne(ctx, bson.M{"_id": 1, "name": "ada"})

# Consistency model

Replication is asynchronous and best-effort. The secondary lags the primary
and converges only while the worker keeps up. Failed operations are retried
with a doubling, capped backoff and re-enqueued at the tail of the queue, so
after any failure the secondary may apply operations in a different order
than the primary committed them. There is no exactly-once delivery, no
conflict resolution, and no transactional coupling of primary and secondary.

Replication faults are never surfaced to callers of the wrapped handle; the
audit log and the Manager's Stats are the only places they show up.
*/
package mongomirror
