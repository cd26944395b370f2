package mongomirror

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ConnectMongo opens a MongoDB-backed Database. It is the default Connector
// used by the Manager for secondary connections and can also open the primary
// handle that NewReplicatedDatabase wraps.
func ConnectMongo(ctx context.Context, uri, dbName string) (Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &mongoDatabase{client: client, db: client.Database(dbName)}, nil
}

type mongoDatabase struct {
	client *mongo.Client
	db     *mongo.Database
}

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{coll: d.db.Collection(name)}
}

func (d *mongoDatabase) RunCommand(ctx context.Context, cmd any) (bson.M, error) {
	var out bson.M
	if err := d.db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *mongoDatabase) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) InsertOne(ctx context.Context, document any) (*mongo.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document)
}

func (c *mongoCollection) InsertMany(ctx context.Context, documents []any) (*mongo.InsertManyResult, error) {
	return c.coll.InsertMany(ctx, documents)
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update)
}

func (c *mongoCollection) UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update)
}

func (c *mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any) (*mongo.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement)
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter)
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter)
}

func (c *mongoCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error) {
	return c.coll.BulkWrite(ctx, models)
}

func (c *mongoCollection) Find(ctx context.Context, filter any) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c *mongoCollection) FindOne(ctx context.Context, filter any) SingleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline any) (Cursor, error) {
	cur, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return cur, nil
}
