package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sort"
	"strings"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	"github.com/go-redis/redis/v8"
)

// redisStore KeyValueStore backed by one redis hash
type redisStore struct {
	common.Component
	db      *redis.Client
	hashKey string
}

// GetRedisStore define a redis backed KV store
func GetRedisStore(ctxt context.Context, cfg common.RedisConfig) (KeyValueStore, error) {
	logTags := log.Fields{"module": "storage", "component": "redis", "instance": cfg.Address}
	db := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := db.Ping(ctxt).Result(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach redis")
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected with redis, using hash %s", cfg.HashKey)
	return &redisStore{
		Component: common.Component{LogTags: logTags}, db: db, hashKey: cfg.HashKey,
	}, nil
}

// Set record a K/V pair
func (s *redisStore) Set(ctxt context.Context, key string, value driver.Valuer) error {
	asBytes, err := encodeValue(value)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	if err := s.db.HSet(ctxt, s.hashKey, key, asBytes).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	return nil
}

// Get read a K/V pair
func (s *redisStore) Get(ctxt context.Context, key string, result sql.Scanner) error {
	value, err := s.db.HGet(ctxt, s.hashKey, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrKeyNotFound
		}
		return err
	}
	return result.Scan(value)
}

// Delete delete a key
func (s *redisStore) Delete(ctxt context.Context, key string) error {
	if err := s.db.HDel(ctxt, s.hashKey, key).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	return nil
}

// List visit every K/V pair under a prefix
func (s *redisStore) List(
	ctxt context.Context, prefix string, visit func(key string, value []byte) error,
) error {
	rows, err := s.db.HGetAll(ctxt, s.hashKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to HGetAll")
		return err
	}
	keys := make([]string, 0, len(rows))
	for key := range rows {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := visit(key, []byte(rows[key])); err != nil {
			return err
		}
	}
	return nil
}

// Commit apply a batch in one MULTI / EXEC transaction
func (s *redisStore) Commit(ctxt context.Context, batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	_, err := s.db.TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		for _, op := range batch.Ops() {
			if op.Delete {
				pipe.HDel(ctxt, s.hashKey, op.Key)
			} else {
				pipe.HSet(ctxt, s.hashKey, op.Key, op.Value)
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to commit batch of %d", batch.Len())
	}
	return err
}

// Close close the client
func (s *redisStore) Close() error {
	return s.db.Close()
}
