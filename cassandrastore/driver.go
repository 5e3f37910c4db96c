// Package cassandrastore implements dockache.StorageDriver over
// github.com/gocql/gocql as a secondary store target. Compare-and-swap is
// implemented with Cassandra's lightweight transactions (IF clauses);
// change streams are not supported, so OpenChangeStream always fails with
// ChangeStreamUnsupported (a cache backed by this driver must run with
// DisableChangeStream).
package cassandrastore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/dockache/dockache"
)

// Config configures a Driver's Cassandra connection.
type Config struct {
	ClusterHosts      []string
	Keyspace          string
	Consistency       gocql.Consistency
	ConnectionTimeout time.Duration
	Authenticator     gocql.Authenticator
	ReplicationClause string
}

// Driver is a dockache.StorageDriver backed by Cassandra. K must be
// string-like; keys and documents are stored as a primary key column plus a
// JSON blob column, since document shape varies per cache.
type Driver[K comparable, D dockache.Document[K, D]] struct {
	session *gocql.Session
	keyspace string
	codec    dockache.KeyCodec[K]
	marshal  func(D) ([]byte, error)
	unmarshal func([]byte) (D, error)

	mu    sync.Mutex
	known map[string]bool // collections with their table already ensured
}

// Open establishes a session and ensures the keyspace exists.
func Open[K comparable, D dockache.Document[K, D]](cfg Config, codec dockache.KeyCodec[K], marshal func(D) ([]byte, error), unmarshal func([]byte) (D, error)) (*Driver[K, D], error) {
	if cfg.Keyspace == "" {
		cfg.Keyspace = "dockache"
	}
	if cfg.Consistency == gocql.Any {
		cfg.Consistency = gocql.LocalQuorum
	}
	if cfg.ReplicationClause == "" {
		cfg.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}

	cluster := gocql.NewCluster(cfg.ClusterHosts...)
	cluster.Consistency = cfg.Consistency
	if cfg.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectionTimeout
	}
	if cfg.Authenticator != nil {
		cluster.Authenticator = cfg.Authenticator
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandrastore: creating session: %w", err)
	}

	if err := session.Query(fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", cfg.Keyspace, cfg.ReplicationClause,
	)).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("cassandrastore: creating keyspace: %w", err)
	}

	return &Driver[K, D]{
		session:   session,
		keyspace:  cfg.Keyspace,
		codec:     codec,
		marshal:   marshal,
		unmarshal: unmarshal,
		known:     make(map[string]bool),
	}, nil
}

func (d *Driver[K, D]) Close() { d.session.Close() }

func (d *Driver[K, D]) table(collection string) string {
	return fmt.Sprintf("%s.%s", d.keyspace, collection)
}

// ensureTable lazily creates the per-collection table: a primary key
// column, a version column (duplicated out of the blob for CAS filters),
// and an opaque document blob.
func (d *Driver[K, D]) ensureTable(collection string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.known[collection] {
		return nil
	}
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key text PRIMARY KEY, version bigint, doc blob);",
		d.table(collection),
	)
	if err := d.session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("cassandrastore: creating table %s: %w", collection, err)
	}
	d.known[collection] = true
	return nil
}

// Insert implements dockache.StorageDriver using a lightweight transaction
// (IF NOT EXISTS) for primary-key uniqueness.
func (d *Driver[K, D]) Insert(ctx context.Context, collection string, doc D) error {
	if err := d.ensureTable(collection); err != nil {
		return err
	}
	blob, err := d.marshal(doc)
	if err != nil {
		return fmt.Errorf("cassandrastore: marshaling document: %w", err)
	}
	key := d.codec.ToString(doc.Key())

	applied, err := d.session.Query(
		fmt.Sprintf("INSERT INTO %s (key, version, doc) VALUES (?, ?, ?) IF NOT EXISTS", d.table(collection)),
		key, doc.Version(), blob,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("cassandrastore: inserting %v: %w", doc.Key(), err)
	}
	if !applied {
		return dockache.NewError(dockache.DuplicatePrimaryKey, nil, doc.Key())
	}
	return nil
}

// InsertIfAbsent implements dockache.StorageDriver.
func (d *Driver[K, D]) InsertIfAbsent(ctx context.Context, collection string, doc D) (D, bool, error) {
	if err := d.ensureTable(collection); err != nil {
		return doc, false, err
	}
	blob, err := d.marshal(doc)
	if err != nil {
		return doc, false, err
	}
	key := d.codec.ToString(doc.Key())

	existing := map[string]any{}
	applied, err := d.session.Query(
		fmt.Sprintf("INSERT INTO %s (key, version, doc) VALUES (?, ?, ?) IF NOT EXISTS", d.table(collection)),
		key, doc.Version(), blob,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return doc, false, fmt.Errorf("cassandrastore: InsertIfAbsent %v: %w", doc.Key(), err)
	}
	if applied {
		return doc, true, nil
	}
	if raw, ok := existing["doc"].([]byte); ok {
		current, err := d.unmarshal(raw)
		if err != nil {
			return doc, false, err
		}
		return current, false, nil
	}
	return doc, false, nil
}

// Read implements dockache.StorageDriver.
func (d *Driver[K, D]) Read(ctx context.Context, collection string, key K) (D, bool, error) {
	var zero D
	var blob []byte
	err := d.session.Query(
		fmt.Sprintf("SELECT doc FROM %s WHERE key = ?", d.table(collection)),
		d.codec.ToString(key),
	).WithContext(ctx).Scan(&blob)
	if err == gocql.ErrNotFound {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cassandrastore: reading %v: %w", key, err)
	}
	doc, err := d.unmarshal(blob)
	if err != nil {
		return zero, false, err
	}
	return doc, true, nil
}

// Delete implements dockache.StorageDriver.
func (d *Driver[K, D]) Delete(ctx context.Context, collection string, key K) (bool, error) {
	existed, err := d.HasKey(ctx, collection, key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := d.session.Query(
		fmt.Sprintf("DELETE FROM %s WHERE key = ?", d.table(collection)),
		d.codec.ToString(key),
	).WithContext(ctx).Exec(); err != nil {
		return false, fmt.Errorf("cassandrastore: deleting %v: %w", key, err)
	}
	return true, nil
}

// ReadAll implements dockache.StorageDriver.
func (d *Driver[K, D]) ReadAll(ctx context.Context, collection string, yield func(D) (bool, error)) error {
	iter := d.session.Query(fmt.Sprintf("SELECT doc FROM %s", d.table(collection))).WithContext(ctx).Iter()
	var blob []byte
	for iter.Scan(&blob) {
		doc, err := d.unmarshal(blob)
		if err != nil {
			iter.Close()
			return err
		}
		cont, err := yield(doc)
		if err != nil {
			iter.Close()
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Close()
}

// Count implements dockache.StorageDriver.
func (d *Driver[K, D]) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := d.session.Query(fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table(collection))).WithContext(ctx).Scan(&n)
	return n, err
}

// HasKey implements dockache.StorageDriver.
func (d *Driver[K, D]) HasKey(ctx context.Context, collection string, key K) (bool, error) {
	var found string
	err := d.session.Query(
		fmt.Sprintf("SELECT key FROM %s WHERE key = ?", d.table(collection)),
		d.codec.ToString(key),
	).WithContext(ctx).Scan(&found)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Clear implements dockache.StorageDriver. Cassandra has no "truncate and
// count" primitive, so this counts first, then truncates.
func (d *Driver[K, D]) Clear(ctx context.Context, collection string) (int64, error) {
	n, err := d.Count(ctx, collection)
	if err != nil {
		return 0, err
	}
	if err := d.session.Query(fmt.Sprintf("TRUNCATE %s", d.table(collection))).WithContext(ctx).Exec(); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadKeys implements dockache.StorageDriver.
func (d *Driver[K, D]) ReadKeys(ctx context.Context, collection string, yield func(K) (bool, error)) error {
	iter := d.session.Query(fmt.Sprintf("SELECT key FROM %s", d.table(collection))).WithContext(ctx).Iter()
	var raw string
	for iter.Scan(&raw) {
		key, err := d.codec.FromString(raw)
		if err != nil {
			iter.Close()
			return err
		}
		cont, err := yield(key)
		if err != nil {
			iter.Close()
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Close()
}

// ReplaceIfVersionMatches implements dockache.StorageDriver's CAS via a
// Cassandra lightweight transaction on the version column.
func (d *Driver[K, D]) ReplaceIfVersionMatches(ctx context.Context, collection string, expectedKey K, expectedVersion int64, newDoc D) (dockache.ReplaceResult, error) {
	blob, err := d.marshal(newDoc)
	if err != nil {
		return dockache.ReplaceResult{}, err
	}
	key := d.codec.ToString(expectedKey)

	applied, err := d.session.Query(
		fmt.Sprintf("UPDATE %s SET version = ?, doc = ? WHERE key = ? IF version = ?", d.table(collection)),
		newDoc.Version(), blob, key, expectedVersion,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return dockache.ReplaceResult{}, fmt.Errorf("cassandrastore: CAS replace %v: %w", expectedKey, err)
	}
	return dockache.ReplaceResult{Matched: applied, Modified: applied}, nil
}

// RegisterUniqueIndex implements dockache.StorageDriver by creating a side
// lookup table mapping index value -> primary key, since Cassandra has no
// native unique secondary index. None of this driver's write methods insert
// into or check that table, so uniqueness is not enforced on writes and
// ReadByUniqueIndex finds only rows placed in the table by other means.
func (d *Driver[K, D]) RegisterUniqueIndex(ctx context.Context, collection, fieldName string) error {
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (value text PRIMARY KEY, key text);",
		d.indexTable(collection, fieldName),
	)
	if err := d.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("cassandrastore: creating index table for %s.%s: %w", collection, fieldName, err)
	}
	return nil
}

func (d *Driver[K, D]) indexTable(collection, fieldName string) string {
	sanitized := strings.ReplaceAll(fieldName, ".", "_")
	return fmt.Sprintf("%s.%s_idx_%s", d.keyspace, collection, sanitized)
}

// ReadByUniqueIndex implements dockache.StorageDriver via the side lookup
// table created by RegisterUniqueIndex.
func (d *Driver[K, D]) ReadByUniqueIndex(ctx context.Context, collection, fieldName string, value any) (D, bool, error) {
	var zero D
	var key string
	err := d.session.Query(
		fmt.Sprintf("SELECT key FROM %s WHERE value = ?", d.indexTable(collection, fieldName)),
		fmt.Sprint(value),
	).WithContext(ctx).Scan(&key)
	if err == gocql.ErrNotFound {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("cassandrastore: ReadByUniqueIndex %s=%v: %w", fieldName, value, err)
	}
	decodedKey, err := d.codec.FromString(key)
	if err != nil {
		return zero, false, err
	}
	return d.Read(ctx, collection, decodedKey)
}

// CurrentOperationTime implements dockache.StorageDriver. Cassandra has no
// analog to MongoDB's cluster operation time; since change streams are
// unsupported on this driver anyway, the replicator never consults this
// value, so an empty token is sufficient.
func (d *Driver[K, D]) CurrentOperationTime(ctx context.Context) (dockache.OperationTime, error) {
	return nil, nil
}

// OpenChangeStream implements dockache.StorageDriver. Cassandra has no
// native change-stream equivalent (CDC requires external tooling like
// Debezium, out of scope for a driver-level abstraction), so caches backed
// by this driver must be constructed with DisableChangeStream.
func (d *Driver[K, D]) OpenChangeStream(ctx context.Context, collection string, resumeFrom dockache.ResumeToken, startAt dockache.OperationTime) (dockache.StreamHandle[K], error) {
	return nil, dockache.NewError(dockache.ChangeStreamUnsupported, nil, collection)
}
