package dockache

import (
	"encoding/json"
	"os"
	"time"
)

// StorageMode names which concrete StorageDriver a Configuration expects the
// host application to wire up. dockache itself never branches on this value;
// it exists so a JSON config file can name the intended backend for the
// application's own wiring code.
type StorageMode string

const (
	StorageModeMongo     StorageMode = "mongo"
	StorageModeCassandra StorageMode = "cassandra"
)

// RedisOptions configures the optional Redis-backed durable resume-token
// store / L2 lookup cache.
type RedisOptions struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Configuration is the host-supplied, JSON-loadable configuration.
// Parsing configuration files and environment variables is a host concern;
// dockache only defines the shape and one convenience file loader.
type Configuration struct {
	// NamespacePrefix is prepended exactly once to every database name
	// registered through the registry.
	NamespacePrefix string `json:"namespacePrefix"`
	// Debug is carried for the host; nothing in this package reads it.
	Debug bool `json:"debug"`
	// StorageMode names the intended concrete driver; informational only.
	StorageMode StorageMode `json:"storageMode"`
	// StoreURI is the connection string for the concrete driver (Mongo URI,
	// Cassandra contact points joined by comma, etc.) - interpreted by the
	// driver package, not by this package.
	StoreURI string `json:"storeURI"`
	// Redis configures the optional durable resume-token store / L2 cache.
	Redis RedisOptions `json:"redis"`
	// CassandraHosts lists contact points when StorageMode is cassandra.
	CassandraHosts []string `json:"cassandraHosts"`
}

// LoadConfiguration reads and parses a JSON configuration file.
func LoadConfiguration(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

// CacheConfig holds per-cache behavioral flags from the data model.
type CacheConfig struct {
	// OptimisticCaching, when true, refuses to overwrite a locally held
	// document with an incoming one of an older version. When false, the
	// cache always accepts whatever the store/replicator hands it, which is
	// acceptable only for hosts that guarantee external monotonicity.
	OptimisticCaching bool
	// EnableMassDestructiveOps gates ClearAll.
	EnableMassDestructiveOps bool
}

// DefaultCacheConfig returns the conservative default: optimistic caching on,
// destructive bulk ops off.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{OptimisticCaching: true, EnableMassDestructiveOps: false}
}

// ChangeStreamConfig configures the per-stream Replicator.
type ChangeStreamConfig struct {
	InitialRetryDelay      time.Duration
	MaxRetryDelay          time.Duration
	MaxRetries             int // 0 means unlimited
	EventProcessingTimeout time.Duration
	MaxBufferedEvents      int
}

// ProductionChangeStreamConfig returns conservative production defaults.
func ProductionChangeStreamConfig() ChangeStreamConfig {
	return ChangeStreamConfig{
		InitialRetryDelay:      2 * time.Second,
		MaxRetryDelay:          60 * time.Second,
		MaxRetries:             0,
		EventProcessingTimeout: 30 * time.Second,
		MaxBufferedEvents:      1000,
	}
}

// DevChangeStreamConfig returns faster-failing defaults suited to local
// development.
func DevChangeStreamConfig() ChangeStreamConfig {
	return ChangeStreamConfig{
		InitialRetryDelay:      500 * time.Millisecond,
		MaxRetryDelay:          5 * time.Second,
		MaxRetries:             20,
		EventProcessingTimeout: 10 * time.Second,
		MaxBufferedEvents:      100,
	}
}
