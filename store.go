package mongomirror

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

/*
Database is the capability set the replication layer requires from a backing
document store. It is deliberately explicit: any operation not listed here is
out of scope and is never forwarded to a backend.

Two implementations ship with the package: the MongoDB adapter returned by
ConnectMongo, and the in-memory store returned by OpenMemoryDatabase.
*/
type Database interface {
	// Collection returns a handle to the named collection.
	Collection(name string) Collection

	// RunCommand executes an administrative command against the database.
	RunCommand(ctx context.Context, cmd any) (bson.M, error)

	// Close tears down the underlying connection.
	Close(ctx context.Context) error
}

/*
Collection is the per-collection operation set. Result types are the mongo
driver's own so that a wrapped handle returns exactly what the raw driver
would. Driver-level options are intentionally absent; see the package
documentation.
*/
type Collection interface {
	InsertOne(ctx context.Context, document any) (*mongo.InsertOneResult, error)
	InsertMany(ctx context.Context, documents []any) (*mongo.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter, update any) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error)
	BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error)

	Find(ctx context.Context, filter any) (Cursor, error)
	FindOne(ctx context.Context, filter any) SingleResult
	Aggregate(ctx context.Context, pipeline any) (Cursor, error)
}

// Cursor is the subset of the driver cursor the package depends on.
// *mongo.Cursor satisfies it directly.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	All(ctx context.Context, results any) error
	Close(ctx context.Context) error
	Err() error
}

// SingleResult is satisfied by *mongo.SingleResult.
type SingleResult interface {
	Decode(val any) error
	Err() error
}

// Connector opens a Database for a connection string and database name. The
// Manager uses one to (re)create its secondary handle whenever the
// replication target changes.
type Connector func(ctx context.Context, uri, dbName string) (Database, error)
