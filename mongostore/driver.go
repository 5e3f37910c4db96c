// Package mongostore implements dockache.StorageDriver over
// go.mongodb.org/mongo-driver, using version-filtered ReplaceOne,
// upserting FindOneAndUpdate and Watch patterns adapted to dockache's
// Document/StorageDriver contracts.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dockache/dockache"
)

// Options configures a Driver.
type Options struct {
	// KeyField is the BSON field name for the primary key; defaults to "_id".
	KeyField string
	// VersionField is the BSON field name for the version counter; defaults
	// to "version".
	VersionField string
}

func (o Options) keyField() string {
	if o.KeyField == "" {
		return "_id"
	}
	return o.KeyField
}

func (o Options) versionField() string {
	if o.VersionField == "" {
		return "version"
	}
	return o.VersionField
}

// Driver is a dockache.StorageDriver backed by a MongoDB database. One
// Driver instance is shared across collections; the collection name is
// supplied per-call, matching the StorageDriver interface.
type Driver[K comparable, D dockache.Document[K, D]] struct {
	db      *mongo.Database
	opts    Options
	codec   dockache.KeyCodec[K]
	indexes map[string]map[string]string // collection -> fieldName -> index name
}

// New constructs a Driver against db, encoding primary keys with codec.
func New[K comparable, D dockache.Document[K, D]](db *mongo.Database, codec dockache.KeyCodec[K], opts Options) *Driver[K, D] {
	return &Driver[K, D]{db: db, opts: opts, codec: codec, indexes: make(map[string]map[string]string)}
}

func (d *Driver[K, D]) coll(collection string) *mongo.Collection { return d.db.Collection(collection) }

// Insert implements dockache.StorageDriver.
func (d *Driver[K, D]) Insert(ctx context.Context, collection string, doc D) error {
	_, err := d.coll(collection).InsertOne(ctx, doc)
	if err != nil {
		return d.classifyWriteError(collection, err)
	}
	return nil
}

// Read implements dockache.StorageDriver.
func (d *Driver[K, D]) Read(ctx context.Context, collection string, key K) (D, bool, error) {
	var doc D
	filter := bson.M{d.opts.keyField(): d.codec.ToString(key)}
	err := d.coll(collection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("mongostore: reading %v: %w", key, err)
	}
	return doc, true, nil
}

// Delete implements dockache.StorageDriver.
func (d *Driver[K, D]) Delete(ctx context.Context, collection string, key K) (bool, error) {
	filter := bson.M{d.opts.keyField(): d.codec.ToString(key)}
	res, err := d.coll(collection).DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("mongostore: deleting %v: %w", key, err)
	}
	return res.DeletedCount > 0, nil
}

// ReadAll implements dockache.StorageDriver.
func (d *Driver[K, D]) ReadAll(ctx context.Context, collection string, yield func(D) (bool, error)) error {
	cur, err := d.coll(collection).Find(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("mongostore: ReadAll %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc D
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("mongostore: decoding document in %s: %w", collection, err)
		}
		cont, err := yield(doc)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return cur.Err()
}

// Count implements dockache.StorageDriver.
func (d *Driver[K, D]) Count(ctx context.Context, collection string) (int64, error) {
	return d.coll(collection).CountDocuments(ctx, bson.D{})
}

// HasKey implements dockache.StorageDriver.
func (d *Driver[K, D]) HasKey(ctx context.Context, collection string, key K) (bool, error) {
	filter := bson.M{d.opts.keyField(): d.codec.ToString(key)}
	n, err := d.coll(collection).CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear implements dockache.StorageDriver.
func (d *Driver[K, D]) Clear(ctx context.Context, collection string) (int64, error) {
	res, err := d.coll(collection).DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ReadKeys implements dockache.StorageDriver.
func (d *Driver[K, D]) ReadKeys(ctx context.Context, collection string, yield func(K) (bool, error)) error {
	keyField := d.opts.keyField()
	cur, err := d.coll(collection).Find(ctx, bson.D{}, options.Find().SetProjection(bson.M{keyField: 1}))
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var row bson.M
		if err := cur.Decode(&row); err != nil {
			return err
		}
		raw, _ := row[keyField].(string)
		key, err := d.codec.FromString(raw)
		if err != nil {
			return fmt.Errorf("mongostore: decoding key %q: %w", raw, err)
		}
		cont, err := yield(key)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return cur.Err()
}

// ReplaceIfVersionMatches implements dockache.StorageDriver, the store
// side of the optimistic-versioned compare-and-swap update.
func (d *Driver[K, D]) ReplaceIfVersionMatches(ctx context.Context, collection string, expectedKey K, expectedVersion int64, newDoc D) (dockache.ReplaceResult, error) {
	filter := bson.M{
		d.opts.keyField():     d.codec.ToString(expectedKey),
		d.opts.versionField(): expectedVersion,
	}
	res, err := d.coll(collection).ReplaceOne(ctx, filter, newDoc)
	if err != nil {
		return dockache.ReplaceResult{}, d.classifyWriteError(collection, err)
	}
	return dockache.ReplaceResult{Matched: res.MatchedCount > 0, Modified: res.ModifiedCount > 0}, nil
}

// InsertIfAbsent implements dockache.StorageDriver's CreateIfAbsent
// backing, via an upsert with $setOnInsert.
func (d *Driver[K, D]) InsertIfAbsent(ctx context.Context, collection string, doc D) (D, bool, error) {
	filter := bson.M{d.opts.keyField(): d.codec.ToString(doc.Key())}
	update := bson.M{"$setOnInsert": doc}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var result D
	err := d.coll(collection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, true, nil
	}
	if err != nil {
		return result, false, fmt.Errorf("mongostore: InsertIfAbsent %v: %w", doc.Key(), err)
	}
	return result, false, nil
}

// RegisterUniqueIndex implements dockache.StorageDriver.
func (d *Driver[K, D]) RegisterUniqueIndex(ctx context.Context, collection, fieldName string) error {
	name := fieldName + "_unique"
	_, err := d.coll(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: fieldName, Value: 1}},
		Options: options.Index().SetUnique(true).SetName(name),
	})
	if err != nil {
		return fmt.Errorf("mongostore: registering unique index %s.%s: %w", collection, fieldName, err)
	}
	if d.indexes[collection] == nil {
		d.indexes[collection] = make(map[string]string)
	}
	d.indexes[collection][name] = fieldName
	return nil
}

// ReadByUniqueIndex implements dockache.StorageDriver.
func (d *Driver[K, D]) ReadByUniqueIndex(ctx context.Context, collection, fieldName string, value any) (D, bool, error) {
	var doc D
	err := d.coll(collection).FindOne(ctx, bson.M{fieldName: value}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("mongostore: ReadByUniqueIndex %s=%v: %w", fieldName, value, err)
	}
	return doc, true, nil
}

// CurrentOperationTime implements dockache.StorageDriver, capturing the
// server's current cluster time via an isMaster/hello round trip so the
// replicator has a fallback start point if the resume token is lost.
func (d *Driver[K, D]) CurrentOperationTime(ctx context.Context) (dockache.OperationTime, error) {
	var result bson.M
	if err := d.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&result); err != nil {
		return nil, fmt.Errorf("mongostore: capturing operation time: %w", err)
	}
	ts, ok := result["operationTime"]
	if !ok {
		return nil, nil
	}
	raw, err := bson.Marshal(bson.M{"t": ts})
	if err != nil {
		return nil, err
	}
	return dockache.OperationTime(raw), nil
}

// classifyWriteError wraps a raw mongo write error, attaching
// DuplicateKeyClassifier support so update.go and cache.go can tell a
// primary-key collision from a named unique-index collision.
func (d *Driver[K, D]) classifyWriteError(collection string, err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	return &duplicateKeyError{cause: err, indexName: d.violatedIndexFieldName(collection, err)}
}

// violatedIndexFieldName best-effort-parses the server's duplicate-key
// error message for a registered index name, falling back to "" (meaning:
// treat it as a primary-key violation) when it can't identify one.
func (d *Driver[K, D]) violatedIndexFieldName(collection string, err error) string {
	msg := err.Error()
	for indexName, fieldName := range d.indexes[collection] {
		if strings.Contains(msg, indexName) {
			return fieldName
		}
	}
	return ""
}

// duplicateKeyError implements dockache.DuplicateKeyClassifier.
type duplicateKeyError struct {
	cause     error
	indexName string
}

func (e *duplicateKeyError) Error() string { return e.cause.Error() }
func (e *duplicateKeyError) Unwrap() error { return e.cause }

func (e *duplicateKeyError) ViolatedUniqueIndex() (string, bool) {
	if e.indexName == "" {
		return "", false
	}
	return e.indexName, true
}
