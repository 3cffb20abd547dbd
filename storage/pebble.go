package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	pebbledb "github.com/cockroachdb/pebble"
)

// pebbleStore KeyValueStore backed by pebble
type pebbleStore struct {
	common.Component
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions
}

// GetPebbleStore define a pebble backed KV store
func GetPebbleStore(cfg common.PebbleConfig) (KeyValueStore, error) {
	logTags := log.Fields{"module": "storage", "component": "pebble", "instance": cfg.Path}
	db, err := pebbledb.Open(cfg.Path, &pebbledb.Options{})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open pebble DB")
		return nil, err
	}
	mode := pebbledb.NoSync
	if cfg.Sync {
		mode = pebbledb.Sync
	}
	log.WithFields(logTags).Info("Opened pebble DB")
	return &pebbleStore{Component: common.Component{LogTags: logTags}, db: db, mode: mode}, nil
}

// keyUpperBound the smallest key greater than every key with the given prefix. nil if
// there is no such key.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Set record a K/V pair
func (s *pebbleStore) Set(_ context.Context, key string, value driver.Valuer) error {
	asBytes, err := encodeValue(value)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	if err := s.db.Set([]byte(key), asBytes, s.mode); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	return nil
}

// Get read a K/V pair
func (s *pebbleStore) Get(_ context.Context, key string, result sql.Scanner) error {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebbledb.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	defer func() {
		_ = closer.Close()
	}()
	return result.Scan(append([]byte{}, value...))
}

// Delete delete a key
func (s *pebbleStore) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), s.mode); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	return nil
}

// List visit every K/V pair under a prefix
func (s *pebbleStore) List(
	ctxt context.Context, prefix string, visit func(key string, value []byte) error,
) error {
	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = iter.Close()
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctxt.Err(); err != nil {
			return err
		}
		key := string(append([]byte{}, iter.Key()...))
		if err := visit(key, append([]byte{}, iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Commit apply a batch atomically
func (s *pebbleStore) Commit(_ context.Context, batch *Batch) error {
	pb := s.db.NewBatch()
	defer func() {
		_ = pb.Close()
	}()
	for _, op := range batch.Ops() {
		var err error
		if op.Delete {
			err = pb.Delete([]byte(op.Key), nil)
		} else {
			err = pb.Set([]byte(op.Key), op.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("batch op on %s: %w", op.Key, err)
		}
	}
	if err := pb.Commit(s.mode); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to commit batch of %d", batch.Len())
		return err
	}
	return nil
}

// Close close the DB
func (s *pebbleStore) Close() error {
	return s.db.Close()
}
