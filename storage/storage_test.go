package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Scan implements the sql.Scanner interface
func (r *testRecord) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r testRecord) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

// exerciseKeyValueStore common checks every KV store driver must pass
func exerciseKeyValueStore(t *testing.T, uut KeyValueStore) {
	assert := assert.New(t)
	utCtxt := context.Background()

	prefix := fmt.Sprintf("ut/%s/", uuid.NewString())

	// Case 0: unknown key
	{
		var read testRecord
		assert.Equal(ErrKeyNotFound, uut.Get(utCtxt, prefix+"missing", &read))
	}

	// Case 1: set and get
	{
		assert.Nil(uut.Set(utCtxt, prefix+"a", testRecord{Name: "a", Count: 1}))
		var read testRecord
		assert.Nil(uut.Get(utCtxt, prefix+"a", &read))
		assert.Equal(testRecord{Name: "a", Count: 1}, read)
	}

	// Case 2: overwrite
	{
		assert.Nil(uut.Set(utCtxt, prefix+"a", testRecord{Name: "a", Count: 2}))
		var read testRecord
		assert.Nil(uut.Get(utCtxt, prefix+"a", &read))
		assert.Equal(2, read.Count)
	}

	// Case 3: batch commit
	{
		batch := NewBatch()
		assert.Nil(batch.Set(prefix+"c", testRecord{Name: "c"}))
		assert.Nil(batch.Set(prefix+"b", testRecord{Name: "b"}))
		batch.Delete(prefix + "a")
		assert.Equal(3, batch.Len())
		assert.Nil(uut.Commit(utCtxt, batch))

		var read testRecord
		assert.Equal(ErrKeyNotFound, uut.Get(utCtxt, prefix+"a", &read))
		assert.Nil(uut.Get(utCtxt, prefix+"b", &read))
		assert.Equal("b", read.Name)
	}

	// Case 4: list in key order, other prefixes excluded
	{
		assert.Nil(uut.Set(utCtxt, "other/"+prefix+"z", testRecord{Name: "z"}))
		keys := []string{}
		names := []string{}
		assert.Nil(uut.List(utCtxt, prefix, func(key string, value []byte) error {
			var read testRecord
			assert.Nil(read.Scan(value))
			keys = append(keys, key)
			names = append(names, read.Name)
			return nil
		}))
		assert.Equal([]string{prefix + "b", prefix + "c"}, keys)
		assert.Equal([]string{"b", "c"}, names)
	}

	// Case 5: visitor errors stop the listing
	{
		visited := 0
		err := uut.List(utCtxt, prefix, func(key string, value []byte) error {
			visited++
			return fmt.Errorf("stop")
		})
		assert.NotNil(err)
		assert.Equal(1, visited)
	}

	// Case 6: delete, and delete again
	{
		assert.Nil(uut.Delete(utCtxt, prefix+"b"))
		assert.Nil(uut.Delete(utCtxt, prefix+"b"))
		var read testRecord
		assert.Equal(ErrKeyNotFound, uut.Get(utCtxt, prefix+"b", &read))
	}

	// Case 7: empty batch
	{
		assert.Nil(uut.Commit(utCtxt, NewBatch()))
	}
}

func TestBadgerStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Case 1: in memory
	{
		uut, err := GetBadgerStore(utCtxt, common.BadgerConfig{InMemory: true}, &wg)
		assert.Nil(err)
		exerciseKeyValueStore(t, uut)
		assert.Nil(uut.Close())
	}

	// Case 2: on disk, reopened
	{
		cfg := common.BadgerConfig{Path: t.TempDir(), GCInterval: 60, GCDiscardRatio: 0.5}
		uut, err := GetBadgerStore(utCtxt, cfg, &wg)
		assert.Nil(err)
		exerciseKeyValueStore(t, uut)
		assert.Nil(uut.Set(utCtxt, "persist", testRecord{Name: "p"}))
		assert.Nil(uut.Close())

		uut, err = GetBadgerStore(utCtxt, cfg, &wg)
		assert.Nil(err)
		var read testRecord
		assert.Nil(uut.Get(utCtxt, "persist", &read))
		assert.Equal("p", read.Name)
		assert.Nil(uut.Close())
	}
}

func TestBoltStore(t *testing.T) {
	assert := assert.New(t)

	cfg := common.BoltConfig{
		Path: filepath.Join(t.TempDir(), "ut.db"), Bucket: "mqadmin", OpenTimeout: 1,
	}
	uut, err := GetBoltStore(cfg)
	assert.Nil(err)
	exerciseKeyValueStore(t, uut)
	assert.Nil(uut.Close())
}

func TestPebbleStore(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetPebbleStore(common.PebbleConfig{Path: t.TempDir()})
	assert.Nil(err)
	exerciseKeyValueStore(t, uut)
	assert.Nil(uut.Close())
}

func TestRedisStore(t *testing.T) {
	assert := assert.New(t)

	server := miniredis.RunT(t)
	uut, err := GetRedisStore(context.Background(), common.RedisConfig{
		Address: server.Addr(), HashKey: "mqadmin",
	})
	assert.Nil(err)
	exerciseKeyValueStore(t, uut)
	assert.Nil(uut.Close())

	// Case 1: unreachable server
	{
		addr := server.Addr()
		server.Close()
		_, err := GetRedisStore(context.Background(), common.RedisConfig{
			Address: addr, HashKey: "mqadmin",
		})
		assert.NotNil(err)
	}
}

func TestGetKeyValueStore(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Case 1: unknown driver
	{
		_, err := GetKeyValueStore(utCtxt, common.StorageConfig{Driver: "etcd"}, &wg)
		assert.NotNil(err)
	}

	// Case 2: missing parameters
	{
		_, err := GetKeyValueStore(utCtxt, common.StorageConfig{Driver: "pebble"}, &wg)
		assert.NotNil(err)
	}

	// Case 3: badger
	{
		uut, err := GetKeyValueStore(utCtxt, common.StorageConfig{
			Driver: "badger", Badger: &common.BadgerConfig{InMemory: true},
		}, &wg)
		assert.Nil(err)
		assert.Nil(uut.Close())
	}
}

func TestKeyUpperBound(t *testing.T) {
	assert := assert.New(t)
	assert.Equal([]byte("ab"), keyUpperBound([]byte("aa")))
	assert.Equal([]byte{0x02}, keyUpperBound([]byte{0x01, 0xff}))
	assert.Nil(keyUpperBound([]byte{0xff, 0xff}))
}
