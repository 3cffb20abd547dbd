// Package management owns the broker configuration: the durable object store, the
// transactional apply engine, the certificate keystore and the live application of
// configuration changes.
package management

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/schema"
	"github.com/alwitt/mqadmin/storage"
	"github.com/apex/log"
)

const configKeyPrefix = "config/"

// storedObject persisted form of a configuration object
type storedObject struct {
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Generation uint64                 `json:"generation"`
}

// Scan implements the sql.Scanner interface
func (o *storedObject) Scan(src interface{}) error {
	raw, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(o)
}

// Value implements the sql/driver.Valuer interface
func (o storedObject) Value() (driver.Value, error) {
	return json.Marshal(&o)
}

func (o *storedObject) object() schema.Object {
	return schema.Object{Type: o.Type, Name: o.Name, Properties: o.Properties}.Copy()
}

func objectKey(objType, name string) string {
	return fmt.Sprintf("%s%s/%s", configKeyPrefix, objType, name)
}

// ObjectStore cache of the configuration objects backed by the durable KV store.
// Writes go to the KV store first; the cache only reflects committed state.
type ObjectStore struct {
	common.Component
	kv       storage.KeyValueStore
	registry *schema.Registry
	lock     sync.RWMutex
	objects  map[string]map[string]*storedObject
}

// GetObjectStore define a new configuration object store. Call Load to populate it.
func GetObjectStore(kv storage.KeyValueStore, registry *schema.Registry) *ObjectStore {
	return &ObjectStore{
		Component: common.Component{
			LogTags: log.Fields{"module": "management", "component": "object-store"},
		},
		kv:       kv,
		registry: registry,
		objects:  map[string]map[string]*storedObject{},
	}
}

// Load replace the cache with the content of the KV store
func (s *ObjectStore) Load(ctxt context.Context) error {
	loaded := map[string]map[string]*storedObject{}
	count := 0
	err := s.kv.List(ctxt, configKeyPrefix, func(key string, value []byte) error {
		record := &storedObject{}
		if err := record.Scan(value); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		objSchema, ok := s.registry.Lookup(record.Type)
		if !ok {
			log.WithFields(s.LogTags).Warnf("Skipping %s of unknown type %s", key, record.Type)
			return nil
		}
		record.Properties = objSchema.Normalize(record.Properties)
		if _, ok := loaded[record.Type]; !ok {
			loaded[record.Type] = map[string]*storedObject{}
		}
		loaded[record.Type][record.Name] = record
		count++
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to load configuration")
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objects = loaded
	log.WithFields(s.LogTags).Infof("Loaded %d configuration objects", count)
	return nil
}

// Get fetch one object
func (s *ObjectStore) Get(objType, name string) (schema.Object, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	record, ok := s.objects[objType][name]
	if !ok {
		return schema.Object{}, false
	}
	return record.object(), true
}

// Generation the generation of one object, zero when absent
func (s *ObjectStore) Generation(objType, name string) uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if record, ok := s.objects[objType][name]; ok {
		return record.Generation
	}
	return 0
}

// List fetch every object of a type, sorted by name
func (s *ObjectStore) List(objType string) []schema.Object {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]schema.Object, 0, len(s.objects[objType]))
	for _, record := range s.objects[objType] {
		result = append(result, record.object())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names the names of every object of a type
func (s *ObjectStore) Names(objType string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]string, 0, len(s.objects[objType]))
	for name := range s.objects[objType] {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Count total number of stored objects
func (s *ObjectStore) Count() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	count := 0
	for _, objects := range s.objects {
		count += len(objects)
	}
	return count
}

// ObjectRef identifies one object
type ObjectRef struct {
	Type string
	Name string
}

// Commit atomically write and delete a set of objects
func (s *ObjectStore) Commit(ctxt context.Context, upserts []schema.Object, deletes []ObjectRef) error {
	now := time.Now().UTC()
	batch := storage.NewBatch()
	records := make([]*storedObject, 0, len(upserts))

	s.lock.RLock()
	for _, obj := range upserts {
		record := &storedObject{
			Type:       obj.Type,
			Name:       obj.Name,
			Properties: obj.Copy().Properties,
			CreatedAt:  now,
			UpdatedAt:  now,
			Generation: 1,
		}
		if existing, ok := s.objects[obj.Type][obj.Name]; ok {
			record.CreatedAt = existing.CreatedAt
			record.Generation = existing.Generation + 1
		}
		if err := batch.Set(objectKey(obj.Type, obj.Name), record); err != nil {
			s.lock.RUnlock()
			return err
		}
		records = append(records, record)
	}
	s.lock.RUnlock()
	for _, ref := range deletes {
		batch.Delete(objectKey(ref.Type, ref.Name))
	}

	if err := s.kv.Commit(ctxt, batch); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Configuration commit failed")
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	for _, record := range records {
		if _, ok := s.objects[record.Type]; !ok {
			s.objects[record.Type] = map[string]*storedObject{}
		}
		s.objects[record.Type][record.Name] = record
	}
	for _, ref := range deletes {
		delete(s.objects[ref.Type], ref.Name)
	}
	return nil
}

// Wipe delete every configuration object
func (s *ObjectStore) Wipe(ctxt context.Context) error {
	batch := storage.NewBatch()
	if err := s.kv.List(ctxt, configKeyPrefix, func(key string, _ []byte) error {
		batch.Delete(key)
		return nil
	}); err != nil {
		return err
	}
	if err := s.kv.Commit(ctxt, batch); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Configuration wipe failed")
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objects = map[string]map[string]*storedObject{}
	log.WithFields(s.LogTags).Info("Configuration wiped")
	return nil
}
