package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/mqadmin/common"
)

// ErrKeyNotFound the requested key is not in the store
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore durable key-value store holding the configuration and the durable
// runtime records
type KeyValueStore interface {
	// Set record a K/V pair
	Set(ctxt context.Context, key string, value driver.Valuer) error
	// Get read a K/V pair. Returns ErrKeyNotFound if the key is unknown.
	Get(ctxt context.Context, key string, result sql.Scanner) error
	// Delete delete a key. Deleting an unknown key is not an error.
	Delete(ctxt context.Context, key string) error
	// List visit every K/V pair whose key starts with prefix, in key order
	List(ctxt context.Context, prefix string, visit func(key string, value []byte) error) error
	// Commit apply every operation in the batch atomically
	Commit(ctxt context.Context, batch *Batch) error
	// Close close the store
	Close() error
}

// BatchOp one operation in a batch
type BatchOp struct {
	Key    string
	Value  []byte
	Delete bool
}

// Batch a set of operations applied atomically
type Batch struct {
	ops []BatchOp
}

// NewBatch define a new empty batch
func NewBatch() *Batch {
	return &Batch{ops: []BatchOp{}}
}

// Set add a set operation to the batch
func (b *Batch) Set(key string, value driver.Valuer) error {
	asBytes, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("batch set %s: %w", key, err)
	}
	b.ops = append(b.ops, BatchOp{Key: key, Value: asBytes})
	return nil
}

// Delete add a delete operation to the batch
func (b *Batch) Delete(key string) {
	b.ops = append(b.ops, BatchOp{Key: key, Delete: true})
}

// Len number of operations in the batch
func (b *Batch) Len() int {
	return len(b.ops)
}

// Ops the batch operations in submission order
func (b *Batch) Ops() []BatchOp {
	return b.ops
}

// encodeValue serialize a value for storage
func encodeValue(value driver.Valuer) ([]byte, error) {
	serialized, err := value.Value()
	if err != nil {
		return nil, err
	}
	switch v := serialized.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, fmt.Errorf("unable to convert value output to []byte for storage")
}

// ===============================================================================

// GetKeyValueStore define the KV store selected by the config
func GetKeyValueStore(
	rootCtxt context.Context, cfg common.StorageConfig, wg *sync.WaitGroup,
) (KeyValueStore, error) {
	switch cfg.Driver {
	case "badger":
		if cfg.Badger == nil {
			return nil, fmt.Errorf("badger driver selected without its parameters")
		}
		return GetBadgerStore(rootCtxt, *cfg.Badger, wg)
	case "bolt":
		if cfg.Bolt == nil {
			return nil, fmt.Errorf("bolt driver selected without its parameters")
		}
		return GetBoltStore(*cfg.Bolt)
	case "pebble":
		if cfg.Pebble == nil {
			return nil, fmt.Errorf("pebble driver selected without its parameters")
		}
		return GetPebbleStore(*cfg.Pebble)
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis driver selected without its parameters")
		}
		return GetRedisStore(rootCtxt, *cfg.Redis)
	}
	return nil, fmt.Errorf("unknown storage driver '%s'", cfg.Driver)
}
