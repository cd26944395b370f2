package mongomirror

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

/*
Operation describes one write to replay against the secondary. The set of
implementations is closed: the worker dispatches by exhaustive type switch,
and anything outside the set is audited and dropped.
*/
type Operation interface {
	// Kind is the snake_case operation name used in audit entries.
	Kind() string

	target() string
}

// InsertOneOp mirrors Collection.InsertOne.
type InsertOneOp struct {
	Collection string
	Document   any
}

// InsertManyOp mirrors Collection.InsertMany.
type InsertManyOp struct {
	Collection string
	Documents  []any
}

// UpdateOneOp mirrors Collection.UpdateOne.
type UpdateOneOp struct {
	Collection string
	Filter     any
	Update     any
}

// UpdateManyOp mirrors Collection.UpdateMany.
type UpdateManyOp struct {
	Collection string
	Filter     any
	Update     any
}

// ReplaceOneOp mirrors Collection.ReplaceOne.
type ReplaceOneOp struct {
	Collection  string
	Filter      any
	Replacement any
}

// DeleteOneOp mirrors Collection.DeleteOne.
type DeleteOneOp struct {
	Collection string
	Filter     any
}

// DeleteManyOp mirrors Collection.DeleteMany.
type DeleteManyOp struct {
	Collection string
	Filter     any
}

// BulkWriteOp mirrors Collection.BulkWrite.
type BulkWriteOp struct {
	Collection string
	Models     []mongo.WriteModel
}

func (o InsertOneOp) Kind() string  { return "insert_one" }
func (o InsertManyOp) Kind() string { return "insert_many" }
func (o UpdateOneOp) Kind() string  { return "update_one" }
func (o UpdateManyOp) Kind() string { return "update_many" }
func (o ReplaceOneOp) Kind() string { return "replace_one" }
func (o DeleteOneOp) Kind() string  { return "delete_one" }
func (o DeleteManyOp) Kind() string { return "delete_many" }
func (o BulkWriteOp) Kind() string  { return "bulk_write" }

func (o InsertOneOp) target() string  { return o.Collection }
func (o InsertManyOp) target() string { return o.Collection }
func (o UpdateOneOp) target() string  { return o.Collection }
func (o UpdateManyOp) target() string { return o.Collection }
func (o ReplaceOneOp) target() string { return o.Collection }
func (o DeleteOneOp) target() string  { return o.Collection }
func (o DeleteManyOp) target() string { return o.Collection }
func (o BulkWriteOp) target() string  { return o.Collection }

// opString is the representation used in log messages.
func opString(op Operation) string {
	return fmt.Sprintf("%s(%s)", op.Kind(), op.target())
}
