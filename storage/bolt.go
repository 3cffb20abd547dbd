package storage

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	"go.etcd.io/bbolt"
)

// boltStore KeyValueStore backed by bbolt
type boltStore struct {
	common.Component
	db     *bbolt.DB
	bucket []byte
}

// GetBoltStore define a bbolt backed KV store
func GetBoltStore(cfg common.BoltConfig) (KeyValueStore, error) {
	logTags := log.Fields{"module": "storage", "component": "bolt", "instance": cfg.Path}
	timeout := time.Second * time.Duration(cfg.OpenTimeout)
	if timeout <= 0 {
		timeout = time.Second * 5
	}
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: timeout, NoSync: false})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open bolt DB")
		return nil, err
	}
	bucket := []byte(cfg.Bucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to create bucket %s", cfg.Bucket)
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened bolt DB")
	return &boltStore{Component: common.Component{LogTags: logTags}, db: db, bucket: bucket}, nil
}

// Set record a K/V pair
func (s *boltStore) Set(_ context.Context, key string, value driver.Valuer) error {
	asBytes, err := encodeValue(value)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), asBytes)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
	}
	return err
}

// Get read a K/V pair
func (s *boltStore) Get(_ context.Context, key string, result sql.Scanner) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(s.bucket).Get([]byte(key))
		if value == nil {
			return ErrKeyNotFound
		}
		// bbolt values are only valid for the life of the transaction
		return result.Scan(append([]byte{}, value...))
	})
}

// Delete delete a key
func (s *boltStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to DELETE %s", key)
	}
	return err
}

// List visit every K/V pair under a prefix
func (s *boltStore) List(
	ctxt context.Context, prefix string, visit func(key string, value []byte) error,
) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(s.bucket).Cursor()
		asPrefix := []byte(prefix)
		for k, v := cursor.Seek(asPrefix); k != nil && bytes.HasPrefix(k, asPrefix); k, v = cursor.Next() {
			if err := ctxt.Err(); err != nil {
				return err
			}
			if err := visit(string(k), append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit apply a batch in one transaction
func (s *boltStore) Commit(_ context.Context, batch *Batch) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		for _, op := range batch.Ops() {
			var err error
			if op.Delete {
				err = bucket.Delete([]byte(op.Key))
			} else {
				err = bucket.Put([]byte(op.Key), op.Value)
			}
			if err != nil {
				return fmt.Errorf("batch op on %s: %w", op.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to commit batch of %d", batch.Len())
	}
	return err
}

// Close close the DB
func (s *boltStore) Close() error {
	return s.db.Close()
}
