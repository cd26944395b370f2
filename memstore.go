package mongomirror

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

/*
MemoryDatabase is an in-memory implementation of Database for tests and
local development. Documents are keyed by _id. Filters match on field
equality; update documents support $set, $unset and $inc. Aggregation
pipelines are not evaluated: Aggregate returns every document.
*/
type MemoryDatabase struct {
	mu    sync.Mutex
	colls map[string]*MemoryCollection
}

// OpenMemoryDatabase creates an empty MemoryDatabase.
func OpenMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{colls: make(map[string]*MemoryCollection)}
}

func (d *MemoryDatabase) Collection(name string) Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll, ok := d.colls[name]
	if !ok {
		coll = &MemoryCollection{docs: make(map[any]bson.M)}
		d.colls[name] = coll
	}
	return coll
}

func (d *MemoryDatabase) RunCommand(ctx context.Context, cmd any) (bson.M, error) {
	return bson.M{"ok": 1}, nil
}

func (d *MemoryDatabase) Close(ctx context.Context) error { return nil }

// Count returns the number of documents in the named collection.
func (d *MemoryDatabase) Count(name string) int {
	d.mu.Lock()
	coll, ok := d.colls[name]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	coll.mu.Lock()
	defer coll.mu.Unlock()
	return len(coll.docs)
}

// MemoryCollection is the collection handle of a MemoryDatabase.
type MemoryCollection struct {
	mu   sync.Mutex
	docs map[any]bson.M
}

func (c *MemoryCollection) InsertOne(ctx context.Context, document any) (*mongo.InsertOneResult, error) {
	doc, err := toDoc(document)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.insertLocked(doc)
	if err != nil {
		return nil, err
	}
	return &mongo.InsertOneResult{InsertedID: id}, nil
}

func (c *MemoryCollection) InsertMany(ctx context.Context, documents []any) (*mongo.InsertManyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]any, 0, len(documents))
	for _, document := range documents {
		doc, err := toDoc(document)
		if err != nil {
			return nil, err
		}
		id, err := c.insertLocked(doc)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return &mongo.InsertManyResult{InsertedIDs: ids}, nil
}

func (c *MemoryCollection) UpdateOne(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.update(filter, update, true)
}

func (c *MemoryCollection) UpdateMany(ctx context.Context, filter, update any) (*mongo.UpdateResult, error) {
	return c.update(filter, update, false)
}

func (c *MemoryCollection) ReplaceOne(ctx context.Context, filter, replacement any) (*mongo.UpdateResult, error) {
	repl, err := toDoc(replacement)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.matchLocked(filter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &mongo.UpdateResult{}, nil
	}
	id := ids[0]
	if _, ok := repl["_id"]; !ok {
		repl["_id"] = id
	}
	c.docs[id] = repl
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *MemoryCollection) DeleteOne(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	return c.delete(filter, true)
}

func (c *MemoryCollection) DeleteMany(ctx context.Context, filter any) (*mongo.DeleteResult, error) {
	return c.delete(filter, false)
}

func (c *MemoryCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error) {
	res := &mongo.BulkWriteResult{}
	for _, model := range models {
		switch model := model.(type) {
		case *mongo.InsertOneModel:
			if _, err := c.InsertOne(ctx, model.Document); err != nil {
				return nil, err
			}
			res.InsertedCount++
		case *mongo.UpdateOneModel:
			r, err := c.UpdateOne(ctx, model.Filter, model.Update)
			if err != nil {
				return nil, err
			}
			res.MatchedCount += r.MatchedCount
			res.ModifiedCount += r.ModifiedCount
		case *mongo.UpdateManyModel:
			r, err := c.UpdateMany(ctx, model.Filter, model.Update)
			if err != nil {
				return nil, err
			}
			res.MatchedCount += r.MatchedCount
			res.ModifiedCount += r.ModifiedCount
		case *mongo.ReplaceOneModel:
			r, err := c.ReplaceOne(ctx, model.Filter, model.Replacement)
			if err != nil {
				return nil, err
			}
			res.MatchedCount += r.MatchedCount
			res.ModifiedCount += r.ModifiedCount
		case *mongo.DeleteOneModel:
			r, err := c.DeleteOne(ctx, model.Filter)
			if err != nil {
				return nil, err
			}
			res.DeletedCount += r.DeletedCount
		case *mongo.DeleteManyModel:
			r, err := c.DeleteMany(ctx, model.Filter)
			if err != nil {
				return nil, err
			}
			res.DeletedCount += r.DeletedCount
		default:
			return nil, fmt.Errorf("memory store: unsupported bulk model %T", model)
		}
	}
	return res, nil
}

func (c *MemoryCollection) Find(ctx context.Context, filter any) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.matchLocked(filter)
	if err != nil {
		return nil, err
	}
	docs := make([]bson.M, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, c.docs[id])
	}
	return &memCursor{docs: docs}, nil
}

func (c *MemoryCollection) FindOne(ctx context.Context, filter any) SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.matchLocked(filter)
	if err != nil {
		return &memSingleResult{err: err}
	}
	if len(ids) == 0 {
		return &memSingleResult{err: mongo.ErrNoDocuments}
	}
	return &memSingleResult{doc: c.docs[ids[0]]}
}

func (c *MemoryCollection) Aggregate(ctx context.Context, pipeline any) (Cursor, error) {
	return c.Find(ctx, bson.M{})
}

func (c *MemoryCollection) insertLocked(doc bson.M) (any, error) {
	id, ok := doc["_id"]
	if !ok {
		id = bson.NewObjectID()
		doc["_id"] = id
	}
	if _, exists := c.docs[id]; exists {
		return nil, fmt.Errorf("memory store: duplicate _id %v", id)
	}
	c.docs[id] = doc
	return id, nil
}

func (c *MemoryCollection) update(filter, update any, one bool) (*mongo.UpdateResult, error) {
	spec, err := toDoc(update)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.matchLocked(filter)
	if err != nil {
		return nil, err
	}
	if one && len(ids) > 1 {
		ids = ids[:1]
	}
	res := &mongo.UpdateResult{}
	for _, id := range ids {
		res.MatchedCount++
		changed, err := applyUpdateSpec(c.docs[id], spec)
		if err != nil {
			return nil, err
		}
		if changed {
			res.ModifiedCount++
		}
	}
	return res, nil
}

func (c *MemoryCollection) delete(filter any, one bool) (*mongo.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.matchLocked(filter)
	if err != nil {
		return nil, err
	}
	if one && len(ids) > 1 {
		ids = ids[:1]
	}
	for _, id := range ids {
		delete(c.docs, id)
	}
	return &mongo.DeleteResult{DeletedCount: int64(len(ids))}, nil
}

// matchLocked returns the ids of documents matching filter by field
// equality. An empty filter matches everything.
func (c *MemoryCollection) matchLocked(filter any) ([]any, error) {
	f, err := toDoc(filter)
	if err != nil {
		return nil, err
	}
	// Fast path: _id equality lookup.
	if id, ok := f["_id"]; ok && len(f) == 1 {
		if _, exists := c.docs[id]; exists {
			return []any{id}, nil
		}
		return nil, nil
	}
	var ids []any
	for id, doc := range c.docs {
		matched := true
		for k, want := range f {
			if !reflect.DeepEqual(doc[k], want) {
				matched = false
				break
			}
		}
		if matched {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func applyUpdateSpec(doc, spec bson.M) (bool, error) {
	changed := false
	for op, arg := range spec {
		fields, ok := arg.(bson.M)
		if !ok {
			if d, err := toDoc(arg); err == nil {
				fields = d
			} else {
				return changed, fmt.Errorf("memory store: bad %s argument", op)
			}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				if !reflect.DeepEqual(doc[k], v) {
					doc[k] = v
					changed = true
				}
			}
		case "$unset":
			for k := range fields {
				if _, ok := doc[k]; ok {
					delete(doc, k)
					changed = true
				}
			}
		case "$inc":
			for k, v := range fields {
				doc[k] = numAdd(doc[k], v)
				changed = true
			}
		default:
			return changed, fmt.Errorf("memory store: unsupported update operator %s", op)
		}
	}
	return changed, nil
}

func numAdd(a, b any) any {
	return toInt64(a) + toInt64(b)
}

func toInt64(v any) int64 {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// toDoc normalizes any document-shaped value to bson.M through the driver's
// codec, so filters and documents compare consistently.
func toDoc(v any) (bson.M, error) {
	if v == nil {
		return bson.M{}, nil
	}
	if m, ok := v.(bson.M); ok {
		out := make(bson.M, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memory store: encode document: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("memory store: decode document: %w", err)
	}
	return doc, nil
}

type memCursor struct {
	docs []bson.M
	i    int
	cur  bson.M
}

func (c *memCursor) Next(ctx context.Context) bool {
	if c.i >= len(c.docs) {
		return false
	}
	c.cur = c.docs[c.i]
	c.i++
	return true
}

func (c *memCursor) Decode(val any) error {
	if c.cur == nil {
		return errors.New("memory store: Decode before Next")
	}
	return decodeInto(c.cur, val)
}

func (c *memCursor) All(ctx context.Context, results any) error {
	rv := reflect.ValueOf(results)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return errors.New("memory store: All requires a pointer to a slice")
	}
	slice := rv.Elem()
	elemType := slice.Type().Elem()
	for ; c.i < len(c.docs); c.i++ {
		ev := reflect.New(elemType)
		if err := decodeInto(c.docs[c.i], ev.Interface()); err != nil {
			return err
		}
		slice = reflect.Append(slice, ev.Elem())
	}
	rv.Elem().Set(slice)
	return nil
}

func (c *memCursor) Close(ctx context.Context) error { return nil }
func (c *memCursor) Err() error                      { return nil }

type memSingleResult struct {
	doc bson.M
	err error
}

func (r *memSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return decodeInto(r.doc, val)
}

func (r *memSingleResult) Err() error { return r.err }

func decodeInto(doc bson.M, val any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}
