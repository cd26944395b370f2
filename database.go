package mongomirror

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

/*
ReplicatedDatabase wraps a primary Database and mirrors every successful
write through a Manager. It satisfies Database itself, so it can replace the
raw primary handle wherever one is used.

Writes execute against the primary first and return the primary's result
unchanged; only after the primary succeeds is an equivalent operation
enqueued for the secondary. A primary error propagates verbatim, along with
any partial result the driver produced (InsertMany and BulkWrite can fail
partway), and enqueues nothing. Reads and administrative commands go straight
to the primary and never touch replication state.
*/
type ReplicatedDatabase struct {
	primary Database
	mgr     *Manager
}

// NewReplicatedDatabase binds primary to mgr.
func NewReplicatedDatabase(primary Database, mgr *Manager) *ReplicatedDatabase {
	return &ReplicatedDatabase{primary: primary, mgr: mgr}
}

// Collection returns a replicating handle for the named collection.
func (d *ReplicatedDatabase) Collection(name string) Collection {
	return &ReplicatedCollection{name: name, primary: d.primary.Collection(name), mgr: d.mgr}
}

// RunCommand passes administrative commands through to the primary.
func (d *ReplicatedDatabase) RunCommand(ctx context.Context, cmd any) (bson.M, error) {
	return d.primary.RunCommand(ctx, cmd)
}

// Close closes the primary handle. The secondary is owned by the Manager.
func (d *ReplicatedDatabase) Close(ctx context.Context) error {
	return d.primary.Close(ctx)
}

// ReplicatedCollection is the per-collection write interceptor returned by
// ReplicatedDatabase.Collection.
type ReplicatedCollection struct {
	name    string
	primary Collection
	mgr     *Manager
}

func (c *ReplicatedCollection) InsertOne(ctx context.Context, document any) (*mongo.InsertOneResult, error) {
	res, err := c.primary.InsertOne(ctx, document)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(InsertOneOp{Collection: c.name, Document: document})
	return res, nil
}

func (c *ReplicatedCollection) InsertMany(ctx context.Context, documents []any) (*mongo.InsertManyResult, error) {
	res, err := c.primary.InsertMany(ctx, documents)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(InsertManyOp{Collection: c.name, Documents: documents})
	return res, nil
}

func (c *ReplicatedCollection) UpdateOne(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	res, err := c.primary.UpdateOne(ctx, filter, update)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(UpdateOneOp{Collection: c.name, Filter: filter, Update: update})
	return res, nil
}

func (c *ReplicatedCollection) UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	res, err := c.primary.UpdateMany(ctx, filter, update)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(UpdateManyOp{Collection: c.name, Filter: filter, Update: update})
	return res, nil
}

func (c *ReplicatedCollection) ReplaceOne(ctx context.Context, filter, replacement any) (*mongo.UpdateResult, error) {
	res, err := c.primary.ReplaceOne(ctx, filter, replacement)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(ReplaceOneOp{Collection: c.name, Filter: filter, Replacement: replacement})
	return res, nil
}

func (c *ReplicatedCollection) DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	res, err := c.primary.DeleteOne(ctx, filter)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(DeleteOneOp{Collection: c.name, Filter: filter})
	return res, nil
}

func (c *ReplicatedCollection) DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	res, err := c.primary.DeleteMany(ctx, filter)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(DeleteManyOp{Collection: c.name, Filter: filter})
	return res, nil
}

func (c *ReplicatedCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error) {
	res, err := c.primary.BulkWrite(ctx, models)
	if err != nil {
		return res, err
	}
	c.mgr.Enqueue(BulkWriteOp{Collection: c.name, Models: models})
	return res, nil
}

func (c *ReplicatedCollection) Find(ctx context.Context, filter any) (Cursor, error) {
	return c.primary.Find(ctx, filter)
}

func (c *ReplicatedCollection) FindOne(ctx context.Context, filter any) SingleResult {
	return c.primary.FindOne(ctx, filter)
}

func (c *ReplicatedCollection) Aggregate(ctx context.Context, pipeline any) (Cursor, error) {
	return c.primary.Aggregate(ctx, pipeline)
}
