package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	badgerdb "github.com/dgraph-io/badger/v4"
)

// badgerStore KeyValueStore backed by badger
type badgerStore struct {
	common.Component
	db      *badgerdb.DB
	gcTimer common.IntervalTimer
}

// badgerLogger routes badger's own logging into apex log
type badgerLogger struct {
	common.Component
}

func (l badgerLogger) Errorf(m string, v ...interface{}) {
	log.WithFields(l.LogTags).Errorf(strings.TrimSpace(m), v...)
}

func (l badgerLogger) Warningf(m string, v ...interface{}) {
	log.WithFields(l.LogTags).Warnf(strings.TrimSpace(m), v...)
}

func (l badgerLogger) Infof(m string, v ...interface{}) {
	log.WithFields(l.LogTags).Debugf(strings.TrimSpace(m), v...)
}

func (l badgerLogger) Debugf(m string, v ...interface{}) {
	log.WithFields(l.LogTags).Debugf(strings.TrimSpace(m), v...)
}

// GetBadgerStore define a badger backed KV store. Unless running in memory, the value
// log is garbage collected periodically until rootCtxt is cancelled.
func GetBadgerStore(
	rootCtxt context.Context, cfg common.BadgerConfig, wg *sync.WaitGroup,
) (KeyValueStore, error) {
	logTags := log.Fields{"module": "storage", "component": "badger", "instance": cfg.Path}
	opts := badgerdb.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = badgerLogger{Component: common.Component{LogTags: logTags}}
	db, err := badgerdb.Open(opts)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open badger DB")
		return nil, err
	}
	instance := &badgerStore{Component: common.Component{LogTags: logTags}, db: db}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		instance.gcTimer, err = common.GetIntervalTimerInstance(rootCtxt, "badger-gc", wg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		discardRatio := cfg.GCDiscardRatio
		err = instance.gcTimer.Start(
			time.Second*time.Duration(cfg.GCInterval), func() error {
				for {
					if err := db.RunValueLogGC(discardRatio); err != nil {
						if errors.Is(err, badgerdb.ErrNoRewrite) {
							return nil
						}
						return err
					}
				}
			}, false,
		)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.WithFields(logTags).Info("Opened badger DB")
	return instance, nil
}

// Set record a K/V pair
func (s *badgerStore) Set(_ context.Context, key string, value driver.Valuer) error {
	asBytes, err := encodeValue(value)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), asBytes)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
	}
	return err
}

// Get read a K/V pair
func (s *badgerStore) Get(_ context.Context, key string, result sql.Scanner) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return result.Scan(value)
	})
}

// Delete delete a key
func (s *badgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to DELETE %s", key)
	}
	return err
}

// List visit every K/V pair under a prefix
func (s *badgerStore) List(
	ctxt context.Context, prefix string, visit func(key string, value []byte) error,
) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		iterator := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer iterator.Close()
		for iterator.Seek([]byte(prefix)); iterator.ValidForPrefix([]byte(prefix)); iterator.Next() {
			if err := ctxt.Err(); err != nil {
				return err
			}
			item := iterator.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := visit(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit apply a batch in one transaction
func (s *badgerStore) Commit(_ context.Context, batch *Batch) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		for _, op := range batch.Ops() {
			var err error
			if op.Delete {
				err = txn.Delete([]byte(op.Key))
			} else {
				err = txn.Set([]byte(op.Key), op.Value)
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
func (s *badgerStore) Close() error {
	if s.gcTimer != nil {
		_ = s.gcTimer.Stop()
	}
	return s.db.Close()
}
