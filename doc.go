// Package dockache implements an embeddable, strongly-consistent document
// cache layer fronting a document store. For each registered collection it
// keeps a fully-loaded in-memory mirror of typed, immutable documents keyed
// by a primary key. Applications perform CRUD through the cache; writes are
// persisted under optimistic concurrency control and an asynchronous change
// stream reconciles the mirror when mutations happen elsewhere.
//
// The three load-bearing pieces are the Cache engine (per-collection
// key->document map with versioned CRUD), the update transaction loop
// (compare-and-swap replace with retry/backoff) and the change-stream
// Replicator (bounded-buffer consumer with resume-token persistence).
// Everything else - the storage driver, the registry, unique indexes,
// metrics and logging - exists to support that triad.
//
// Concrete storage drivers live in subpackages (mongostore, cassandrastore).
// This package never imports them; it only depends on the StorageDriver
// interface defined here.
package dockache
