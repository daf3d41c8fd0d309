package connect

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// an in-memory store of normalized entities, written by both transports.
// this is the single source of truth consumers read from.
//
// writes are merges: the field sets are unioned and overwritten by key.
// a partial push never erases fields known from an earlier write.
// deletes are explicit tombstones, never inferred from absence.
//
// merges are atomic per entity key. `Apply` is atomic for the whole batch,
// so a reader never observes half of one response.


type EntityType string

// comparable
type EntityKey struct {
	Type EntityType
	Id   string
}

func (self EntityKey) String() string {
	return fmt.Sprintf("%s/%s", self.Type, self.Id)
}


type Entity struct {
	Type   EntityType
	Id     string
	Fields map[string]any
	// backend version stamp, 0 when the backend does not supply one
	Version int64
	// store revision of the last change to this entity
	Revision uint64
}

func (self *Entity) Key() EntityKey {
	return EntityKey{
		Type: self.Type,
		Id:   self.Id,
	}
}

func (self *Entity) String(field string) string {
	if v, ok := self.Fields[field].(string); ok {
		return v
	}
	return ""
}


type EntityWrite struct {
	Type    EntityType
	Id      string
	Fields  map[string]any
	Version int64
	Delete  bool
}

func (self *EntityWrite) Key() EntityKey {
	return EntityKey{
		Type: self.Type,
		Id:   self.Id,
	}
}


type EntityChangeKind int

const (
	EntityChangeMerged EntityChangeKind = iota + 1
	EntityChangeDeleted
)

type EntityChange struct {
	Kind EntityChangeKind
	// for a delete, the entity as it was before the delete
	Entity Entity
}

type EntityChangeFunction = func(change *EntityChange)

type EntityPredicate = func(entity *Entity) bool

type EntityCompare = func(a *Entity, b *Entity) int


type entityRecord struct {
	fields   map[string]any
	version  int64
	revision uint64
	deleted  bool
}


type EntityStore struct {
	stateLock sync.RWMutex
	keyspaces map[EntityType]map[string]*entityRecord
	revision  uint64

	callbackLock    sync.Mutex
	changeCallbacks map[EntityType]*CallbackList[EntityChangeFunction]

	// changes are dispatched in write order by whichever writer is dispatching
	dispatchLock   sync.Mutex
	pendingChanges []*EntityChange
	dispatching    bool

	metrics MetricsCollector
	log     LogFunction
}

func NewEntityStore() *EntityStore {
	return NewEntityStoreWithMetrics(NewNoopMetrics())
}

func NewEntityStoreWithMetrics(metrics MetricsCollector) *EntityStore {
	return &EntityStore{
		keyspaces:       map[EntityType]map[string]*entityRecord{},
		changeCallbacks: map[EntityType]*CallbackList[EntityChangeFunction]{},
		metrics:         metrics,
		log:             LogFn(LogLevelDebug, "[store]"),
	}
}

func (self *EntityStore) Merge(entityType EntityType, id string, fields map[string]any) bool {
	return self.Apply([]EntityWrite{{Type: entityType, Id: id, Fields: fields}}) == 1
}

// a write with a version older than the stored version is dropped
func (self *EntityStore) MergeVersioned(entityType EntityType, id string, version int64, fields map[string]any) bool {
	return self.Apply([]EntityWrite{{Type: entityType, Id: id, Fields: fields, Version: version}}) == 1
}

func (self *EntityStore) Delete(entityType EntityType, id string) bool {
	return self.Apply([]EntityWrite{{Type: entityType, Id: id, Delete: true}}) == 1
}

func (self *EntityStore) DeleteVersioned(entityType EntityType, id string, version int64) bool {
	return self.Apply([]EntityWrite{{Type: entityType, Id: id, Version: version, Delete: true}}) == 1
}

// applies all writes under one lock and returns the number of entities that changed.
// change callbacks run after the lock is released.
func (self *EntityStore) Apply(writes []EntityWrite) int {
	changeCount, _ := self.ApplyIf(writes, nil)
	return changeCount
}

// like `Apply`, but only if `guard` returns true. `guard` runs under the store lock,
// so a `Clear` either happens before the guard or after all writes.
// `guard` must not call back into the store. A nil guard always applies.
func (self *EntityStore) ApplyIf(writes []EntityWrite, guard func() bool) (int, bool) {
	for _, write := range writes {
		if write.Type == "" || write.Id == "" {
			panic(fmt.Errorf("entity write requires a type and id: %s", write.Key()))
		}
	}

	applied := false
	changes := []*EntityChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if guard != nil && !guard() {
			return
		}
		applied = true

		for _, write := range writes {
			var change *EntityChange
			if write.Delete {
				change = self.delete(&write)
			} else {
				change = self.merge(&write)
			}
			if change != nil {
				changes = append(changes, change)
			}
		}

		// enqueue inside the state lock so that dispatch order is write order
		if 0 < len(changes) {
			self.dispatchLock.Lock()
			self.pendingChanges = append(self.pendingChanges, changes...)
			self.dispatchLock.Unlock()
		}
	}()

	for _, change := range changes {
		self.metrics.RecordStoreMerge(string(change.Entity.Type), change.Kind == EntityChangeDeleted)
	}
	self.dispatch()
	return len(changes), applied
}

// must be called with the state lock
func (self *EntityStore) merge(write *EntityWrite) *EntityChange {
	keyspace := self.keyspace(write.Type)
	record, ok := keyspace[write.Id]
	if ok {
		if 0 < write.Version && write.Version < record.version {
			self.log("drop stale %s v%d < v%d", write.Key(), write.Version, record.version)
			return nil
		}
		if record.deleted {
			// tombstones only yield to a strictly newer version
			if write.Version == 0 || write.Version <= record.version {
				self.log("drop write to deleted %s", write.Key())
				return nil
			}
			record.deleted = false
			record.fields = map[string]any{}
		}
	} else {
		record = &entityRecord{
			fields: map[string]any{},
		}
		keyspace[write.Id] = record
	}

	changed := !ok
	for key, value := range write.Fields {
		if current, present := record.fields[key]; !present || !reflect.DeepEqual(current, value) {
			record.fields[key] = copyValue(value)
			changed = true
		}
	}
	if record.version < write.Version {
		record.version = write.Version
		changed = true
	}
	if !changed {
		return nil
	}

	self.revision += 1
	record.revision = self.revision
	return &EntityChange{
		Kind:   EntityChangeMerged,
		Entity: record.entity(write.Type, write.Id),
	}
}

// must be called with the state lock
func (self *EntityStore) delete(write *EntityWrite) *EntityChange {
	keyspace := self.keyspace(write.Type)
	record, ok := keyspace[write.Id]
	if !ok {
		// keep a tombstone so that a late unversioned push cannot re-create the entity
		keyspace[write.Id] = &entityRecord{
			fields:  map[string]any{},
			version: write.Version,
			deleted: true,
		}
		return nil
	}
	if record.deleted {
		if record.version < write.Version {
			record.version = write.Version
		}
		return nil
	}
	if 0 < write.Version && write.Version < record.version {
		self.log("drop stale delete %s v%d < v%d", write.Key(), write.Version, record.version)
		return nil
	}

	before := record.entity(write.Type, write.Id)
	record.deleted = true
	record.fields = map[string]any{}
	if record.version < write.Version {
		record.version = write.Version
	}
	self.revision += 1
	record.revision = self.revision
	before.Revision = record.revision
	return &EntityChange{
		Kind:   EntityChangeDeleted,
		Entity: before,
	}
}

// must be called with the state lock
func (self *EntityStore) keyspace(entityType EntityType) map[string]*entityRecord {
	keyspace, ok := self.keyspaces[entityType]
	if !ok {
		keyspace = map[string]*entityRecord{}
		self.keyspaces[entityType] = keyspace
	}
	return keyspace
}

func (self *EntityStore) Get(entityType EntityType, id string) (*Entity, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	record, ok := self.keyspaces[entityType][id]
	if !ok || record.deleted {
		return nil, false
	}
	entity := record.entity(entityType, id)
	return &entity, true
}

func (self *EntityStore) IsDeleted(entityType EntityType, id string) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	record, ok := self.keyspaces[entityType][id]
	return ok && record.deleted
}

// matching entities ordered by id
func (self *EntityStore) Query(entityType EntityType, predicate EntityPredicate) []*Entity {
	return self.QueryOrdered(entityType, predicate, CompareById)
}

// a nil predicate matches all entities
func (self *EntityStore) QueryOrdered(entityType EntityType, predicate EntityPredicate, compare EntityCompare) []*Entity {
	entities := []*Entity{}
	func() {
		self.stateLock.RLock()
		defer self.stateLock.RUnlock()

		keyspace := self.keyspaces[entityType]
		for _, id := range maps.Keys(keyspace) {
			record := keyspace[id]
			if record.deleted {
				continue
			}
			entity := record.entity(entityType, id)
			if predicate == nil || predicate(&entity) {
				entities = append(entities, &entity)
			}
		}
	}()

	slices.SortFunc(entities, func(a *Entity, b *Entity) int {
		if c := compare(a, b); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
	return entities
}

func (self *EntityStore) Count(entityType EntityType) int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	count := 0
	for _, record := range self.keyspaces[entityType] {
		if !record.deleted {
			count += 1
		}
	}
	return count
}

func (self *EntityStore) Revision() uint64 {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.revision
}

// removes all entities and tombstones. A delete change is emitted for each live entity.
func (self *EntityStore) Clear() {
	changes := []*EntityChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for entityType, keyspace := range self.keyspaces {
			ids := maps.Keys(keyspace)
			slices.Sort(ids)
			for _, id := range ids {
				record := keyspace[id]
				if record.deleted {
					continue
				}
				self.revision += 1
				entity := record.entity(entityType, id)
				entity.Revision = self.revision
				changes = append(changes, &EntityChange{
					Kind:   EntityChangeDeleted,
					Entity: entity,
				})
			}
		}
		self.keyspaces = map[EntityType]map[string]*entityRecord{}

		if 0 < len(changes) {
			self.dispatchLock.Lock()
			self.pendingChanges = append(self.pendingChanges, changes...)
			self.dispatchLock.Unlock()
		}
	}()
	self.dispatch()
}

func (self *EntityStore) OnChange(entityType EntityType, callback EntityChangeFunction) func() {
	changeCallbacks := func() *CallbackList[EntityChangeFunction] {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()

		changeCallbacks, ok := self.changeCallbacks[entityType]
		if !ok {
			changeCallbacks = NewCallbackList[EntityChangeFunction]()
			self.changeCallbacks[entityType] = changeCallbacks
		}
		return changeCallbacks
	}()
	callbackId := changeCallbacks.Add(callback)
	return func() {
		changeCallbacks.Remove(callbackId)
	}
}

// drains pending changes in order. If another writer is already dispatching,
// that writer delivers the changes enqueued here. This also makes writes from
// inside a change callback safe.
func (self *EntityStore) dispatch() {
	self.dispatchLock.Lock()
	if self.dispatching {
		self.dispatchLock.Unlock()
		return
	}
	self.dispatching = true
	self.dispatchLock.Unlock()

	for {
		var change *EntityChange
		func() {
			self.dispatchLock.Lock()
			defer self.dispatchLock.Unlock()
			if len(self.pendingChanges) == 0 {
				self.dispatching = false
				return
			}
			change = self.pendingChanges[0]
			self.pendingChanges[0] = nil
			self.pendingChanges = self.pendingChanges[1:]
		}()
		if change == nil {
			return
		}

		var callbacks []EntityChangeFunction
		func() {
			self.callbackLock.Lock()
			defer self.callbackLock.Unlock()
			if changeCallbacks, ok := self.changeCallbacks[change.Entity.Type]; ok {
				callbacks = changeCallbacks.Get()
			}
		}()
		for _, callback := range callbacks {
			HandleError(func() {
				callback(change)
			})
		}
	}
}


func (self *entityRecord) entity(entityType EntityType, id string) Entity {
	return Entity{
		Type:     entityType,
		Id:       id,
		Fields:   copyFields(self.fields),
		Version:  self.version,
		Revision: self.revision,
	}
}


func CompareById(a *Entity, b *Entity) int {
	return cmp.Compare(a.Id, b.Id)
}

// orders by a string field, e.g. an RFC 3339 `created_at`, then by id
func CompareByField(field string) EntityCompare {
	return func(a *Entity, b *Entity) int {
		return cmp.Compare(a.String(field), b.String(field))
	}
}

func FieldEquals(field string, value any) EntityPredicate {
	return func(entity *Entity) bool {
		v, ok := entity.Fields[field]
		return ok && reflect.DeepEqual(v, value)
	}
}


func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return copyFields(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
