package monitor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/schema"
	"github.com/alwitt/mqadmin/storage"
	"github.com/apex/log"
	"github.com/rs/xid"
)

// KV key prefixes of the durable runtime records
const (
	runtimePrefix      = "runtime/"
	clientKeyPrefix    = runtimePrefix + "client/"
	subKeyPrefix       = runtimePrefix + "sub/"
	retainedKeyPrefix  = runtimePrefix + "retained/"
	subKeyNameSplitter = "\x00"
)

// Registry live view of the broker operational state
type Registry interface {
	// Connect record a new connection. A connection with the same ClientID is taken over.
	Connect(ctxt context.Context, event ConnectEvent) (Connection, error)
	// Disconnect drop a connection. Non durable subscriptions of the client are dropped.
	Disconnect(ctxt context.Context, event DisconnectEvent) (Connection, error)
	// Subscribe record a subscription of a connected client
	Subscribe(ctxt context.Context, event SubscribeEvent) (Subscription, error)
	// Unsubscribe remove a subscription
	Unsubscribe(ctxt context.Context, event UnsubscribeEvent) error
	// Retain record or clear the origin of a retained message
	Retain(ctxt context.Context, event RetainEvent) error

	// ListConnections list connections whose ClientID matches the wildcard filter. An
	// empty filter lists all. Served from the periodic snapshot when enabled.
	ListConnections(clientFilter string) []Connection
	// ListSubscriptions list subscriptions whose ClientID matches the wildcard filter
	ListSubscriptions(clientFilter string) []Subscription
	// ListMQTTClients list durable clients whose ClientID matches the wildcard filter
	ListMQTTClients(clientFilter string) []MQTTClient
	// FindConnections list the live connections accepted by match
	FindConnections(match func(Connection) bool) []Connection
	// RefreshSnapshot refresh the connection list snapshot now
	RefreshSnapshot() error

	// TombstoneClients hide the durable clients accepted by match, pending purge. Returns
	// the IDs of the newly hidden clients, in insertion order.
	TombstoneClients(match func(clientID string) bool) []string
	// PurgeClient remove a client with its connection and subscriptions, plus the
	// retained topics it originated whose topic matches retain
	PurgeClient(ctxt context.Context, clientID string, retain *regexp.Regexp) (PurgeResult, error)
	// ReleaseClients make tombstoned clients visible again, after a failed purge
	ReleaseClients(clientIDs ...string)

	// LiveReferences number of live entities referring to a configuration object
	LiveReferences(objType, name string) int
	// Counts size of the live state
	Counts() Counts

	// Load reload the durable records from the KV store, replacing the in memory state
	Load(ctxt context.Context) error
	// DropLive drop all connections and non durable subscriptions. With cleanStore, the
	// durable records are wiped as well.
	DropLive(ctxt context.Context, cleanStore bool) error
}

type connectionEntry struct {
	seq  uint64
	conn Connection
}

type clientEntry struct {
	seq    uint64
	client MQTTClient
}

type subscriptionEntry struct {
	seq uint64
	sub Subscription
}

type retainedEntry struct {
	seq      uint64
	clientID string
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	store storage.KeyValueStore

	lock          sync.RWMutex
	seq           uint64
	connections   map[string]*connectionEntry
	byClient      map[string]string
	clients       map[string]*clientEntry
	subscriptions map[string]*subscriptionEntry
	retained      map[string]*retainedEntry
	tombstones    map[string]bool

	snapshotEnabled bool
	snapshotLock    sync.RWMutex
	snapshot        []Connection
	refreshTimer    common.IntervalTimer
}

// GetRegistry define a new runtime status registry. The durable records are loaded
// from store. When the connection snapshot is enabled, the snapshot refresh runs until
// rootCtxt is cancelled.
func GetRegistry(
	rootCtxt context.Context,
	store storage.KeyValueStore,
	cfg common.MonitorConfig,
	wg *sync.WaitGroup,
) (Registry, error) {
	logTags := log.Fields{"module": "monitor", "component": "registry"}
	instance := &registryImpl{
		Component:     common.Component{LogTags: logTags},
		store:         store,
		connections:   map[string]*connectionEntry{},
		byClient:      map[string]string{},
		clients:       map[string]*clientEntry{},
		subscriptions: map[string]*subscriptionEntry{},
		retained:      map[string]*retainedEntry{},
		tombstones:    map[string]bool{},
		snapshot:      []Connection{},
	}
	if err := instance.Load(rootCtxt); err != nil {
		return nil, err
	}
	if cfg.ConnectionRefreshInterval > 0 {
		timer, err := common.GetIntervalTimerInstance(rootCtxt, "connection-snapshot", wg)
		if err != nil {
			return nil, err
		}
		instance.snapshotEnabled = true
		instance.refreshTimer = timer
		if err := timer.Start(
			time.Millisecond*time.Duration(cfg.ConnectionRefreshInterval),
			instance.RefreshSnapshot,
			false,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start snapshot refresh")
			return nil, err
		}
	}
	return instance, nil
}

func (r *registryImpl) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func subscriptionKey(clientID, subName string) string {
	return clientID + subKeyNameSplitter + subName
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ===============================================================================
// Ingestion

// Connect record a new connection
func (r *registryImpl) Connect(ctxt context.Context, event ConnectEvent) (Connection, error) {
	if event.ClientID == "" {
		return Connection{}, fmt.Errorf("connect event without ClientID")
	}
	if event.ConnectionID == "" {
		event.ConnectionID = xid.New().String()
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	// Takeover
	if oldID, ok := r.byClient[event.ClientID]; ok {
		log.WithFields(r.LogTags).Infof(
			"Client %s connection %s taken over by %s", event.ClientID, oldID, event.ConnectionID,
		)
		if err := r.dropConnection(ctxt, oldID); err != nil {
			return Connection{}, err
		}
	}

	conn := Connection{
		Name:              event.ClientID,
		ConnectionID:      event.ConnectionID,
		Endpoint:          event.Endpoint,
		Port:              event.Port,
		Protocol:          event.Protocol,
		UserID:            event.UserID,
		ClientAddr:        event.ClientAddr,
		ConnectionPolicy:  event.ConnectionPolicy,
		MessagingPolicies: append([]string{}, event.MessagingPolicies...),
		ConnectTime:       timestamp(),
		Durable:           !event.CleanSession,
	}

	if conn.Durable {
		entry, ok := r.clients[conn.Name]
		if !ok {
			entry = &clientEntry{seq: r.nextSeq(), client: MQTTClient{ClientID: conn.Name}}
		}
		entry.client.IsConnected = true
		entry.client.LastConnectedTime = conn.ConnectTime
		entry.client.Endpoint = conn.Endpoint
		record := clientRecord{
			Seq:               entry.seq,
			ClientID:          entry.client.ClientID,
			LastConnectedTime: entry.client.LastConnectedTime,
			Endpoint:          entry.client.Endpoint,
		}
		if err := r.store.Set(ctxt, clientKeyPrefix+conn.Name, record); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to persist client %s", conn.Name)
			return Connection{}, err
		}
		r.clients[conn.Name] = entry
	} else if entry, ok := r.clients[conn.Name]; ok {
		// A clean session discards the previous durable session
		if _, err := r.removeClient(ctxt, conn.Name, entry); err != nil {
			return Connection{}, err
		}
	}

	r.connections[conn.ConnectionID] = &connectionEntry{seq: r.nextSeq(), conn: conn}
	r.byClient[conn.Name] = conn.ConnectionID
	log.WithFields(r.LogTags).Debugf("Client %s connected as %s", conn.Name, conn.ConnectionID)
	if !r.snapshotEnabled {
		r.refreshSnapshotLocked()
	}
	return conn, nil
}

// Disconnect drop a connection
func (r *registryImpl) Disconnect(ctxt context.Context, event DisconnectEvent) (Connection, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	connID := event.ConnectionID
	if connID == "" {
		var ok bool
		if connID, ok = r.byClient[event.ClientID]; !ok {
			return Connection{}, common.NewConnectionNotFoundError()
		}
	}
	entry, ok := r.connections[connID]
	if !ok {
		return Connection{}, common.NewConnectionNotFoundError()
	}
	conn := entry.conn
	if err := r.dropConnection(ctxt, connID); err != nil {
		return Connection{}, err
	}
	if !r.snapshotEnabled {
		r.refreshSnapshotLocked()
	}
	return conn, nil
}

// dropConnection remove a connection and the non durable subscriptions of its client.
// Caller holds the write lock.
func (r *registryImpl) dropConnection(_ context.Context, connID string) error {
	entry, ok := r.connections[connID]
	if !ok {
		return nil
	}
	delete(r.connections, connID)
	if r.byClient[entry.conn.Name] == connID {
		delete(r.byClient, entry.conn.Name)
	}
	if client, ok := r.clients[entry.conn.Name]; ok {
		client.client.IsConnected = false
	}
	for key, sub := range r.subscriptions {
		if sub.sub.ClientID == entry.conn.Name && !sub.sub.IsDurable {
			delete(r.subscriptions, key)
		}
	}
	log.WithFields(r.LogTags).Debugf("Client %s connection %s dropped", entry.conn.Name, connID)
	return nil
}

// removeClient remove a durable client and all its subscriptions. Caller holds the
// write lock.
func (r *registryImpl) removeClient(ctxt context.Context, clientID string, entry *clientEntry) (int, error) {
	batch := storage.NewBatch()
	batch.Delete(clientKeyPrefix + clientID)
	removed := []string{}
	for key, sub := range r.subscriptions {
		if sub.sub.ClientID == clientID {
			removed = append(removed, key)
			if sub.sub.IsDurable {
				batch.Delete(subKeyPrefix + key)
			}
		}
	}
	if err := r.store.Commit(ctxt, batch); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to remove client %s", clientID)
		return 0, err
	}
	for _, key := range removed {
		delete(r.subscriptions, key)
	}
	if entry != nil {
		delete(r.clients, clientID)
	}
	return len(removed), nil
}

// Subscribe record a subscription of a connected client
func (r *registryImpl) Subscribe(ctxt context.Context, event SubscribeEvent) (Subscription, error) {
	if event.SubName == "" {
		event.SubName = event.TopicString
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	connID, ok := r.byClient[event.ClientID]
	if !ok {
		return Subscription{}, common.NewConnectionNotFoundError()
	}
	conn := r.connections[connID].conn
	sub := Subscription{
		SubName:         event.SubName,
		TopicString:     event.TopicString,
		ClientID:        event.ClientID,
		IsDurable:       conn.Durable,
		MaxMessages:     event.MaxMessages,
		MessagingPolicy: event.MessagingPolicy,
		BufferedMsgs:    event.BufferedMsgs,
	}
	key := subscriptionKey(sub.ClientID, sub.SubName)
	entry, ok := r.subscriptions[key]
	if !ok {
		entry = &subscriptionEntry{seq: r.nextSeq()}
	}
	if sub.IsDurable {
		if err := r.store.Set(
			ctxt, subKeyPrefix+key, subscriptionRecord{Seq: entry.seq, Subscription: sub},
		); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to persist subscription %s", key)
			return Subscription{}, err
		}
	}
	entry.sub = sub
	r.subscriptions[key] = entry
	return sub, nil
}

// Unsubscribe remove a subscription
func (r *registryImpl) Unsubscribe(ctxt context.Context, event UnsubscribeEvent) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := subscriptionKey(event.ClientID, event.SubName)
	entry, ok := r.subscriptions[key]
	if !ok {
		return nil
	}
	if entry.sub.IsDurable {
		if err := r.store.Delete(ctxt, subKeyPrefix+key); err != nil {
			return err
		}
	}
	delete(r.subscriptions, key)
	return nil
}

// Retain record or clear the origin of a retained message
func (r *registryImpl) Retain(ctxt context.Context, event RetainEvent) error {
	if event.TopicString == "" {
		return fmt.Errorf("retain event without topic")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	key := retainedKeyPrefix + event.TopicString
	if event.Clear {
		if err := r.store.Delete(ctxt, key); err != nil {
			return err
		}
		delete(r.retained, event.TopicString)
		return nil
	}
	entry, ok := r.retained[event.TopicString]
	if !ok {
		entry = &retainedEntry{seq: r.nextSeq()}
	}
	record := retainedRecord{Seq: entry.seq, TopicString: event.TopicString, ClientID: event.ClientID}
	if err := r.store.Set(ctxt, key, record); err != nil {
		return err
	}
	entry.clientID = event.ClientID
	r.retained[event.TopicString] = entry
	return nil
}

// ===============================================================================
// Queries

func matchClient(filter, clientID string) bool {
	return filter == "" || common.WildcardMatch(filter, clientID)
}

// ListConnections list connections
func (r *registryImpl) ListConnections(clientFilter string) []Connection {
	r.snapshotLock.RLock()
	defer r.snapshotLock.RUnlock()
	result := []Connection{}
	for _, conn := range r.snapshot {
		if matchClient(clientFilter, conn.Name) {
			result = append(result, conn)
		}
	}
	return result
}

// ListSubscriptions list subscriptions
func (r *registryImpl) ListSubscriptions(clientFilter string) []Subscription {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entries := make([]*subscriptionEntry, 0, len(r.subscriptions))
	for _, entry := range r.subscriptions {
		if r.tombstones[entry.sub.ClientID] || !matchClient(clientFilter, entry.sub.ClientID) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	result := make([]Subscription, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry.sub)
	}
	return result
}

// ListMQTTClients list durable clients
func (r *registryImpl) ListMQTTClients(clientFilter string) []MQTTClient {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entries := make([]*clientEntry, 0, len(r.clients))
	for clientID, entry := range r.clients {
		if r.tombstones[clientID] || !matchClient(clientFilter, clientID) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	result := make([]MQTTClient, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry.client)
	}
	return result
}

// sortedConnections the live connections in insertion order. Caller holds the lock.
func (r *registryImpl) sortedConnections() []*connectionEntry {
	entries := make([]*connectionEntry, 0, len(r.connections))
	for _, entry := range r.connections {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// FindConnections list the live connections accepted by match
func (r *registryImpl) FindConnections(match func(Connection) bool) []Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := []Connection{}
	for _, entry := range r.sortedConnections() {
		if match(entry.conn) {
			result = append(result, entry.conn)
		}
	}
	return result
}

// RefreshSnapshot refresh the connection list snapshot
func (r *registryImpl) RefreshSnapshot() error {
	r.lock.RLock()
	defer r.lock.RUnlock()
	r.refreshSnapshotLocked()
	return nil
}

// refreshSnapshotLocked caller holds the registry lock
func (r *registryImpl) refreshSnapshotLocked() {
	live := []Connection{}
	for _, entry := range r.sortedConnections() {
		if !r.tombstones[entry.conn.Name] {
			live = append(live, entry.conn)
		}
	}
	snapshot := []Connection{}
	if err := common.DeepCopy(live, &snapshot); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Connection snapshot copy failed")
		return
	}
	r.snapshotLock.Lock()
	r.snapshot = snapshot
	r.snapshotLock.Unlock()
}

// ===============================================================================
// Client set deletion support

// TombstoneClients hide the durable clients accepted by match
func (r *registryImpl) TombstoneClients(match func(clientID string) bool) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	entries := []*clientEntry{}
	for clientID, entry := range r.clients {
		if !r.tombstones[clientID] && match(clientID) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		r.tombstones[entry.client.ClientID] = true
		result = append(result, entry.client.ClientID)
	}
	if len(result) > 0 {
		log.WithFields(r.LogTags).Infof("Tombstoned %d clients", len(result))
		if !r.snapshotEnabled {
			r.refreshSnapshotLocked()
		}
	}
	return result
}

// PurgeClient remove a client and everything tied to it
func (r *registryImpl) PurgeClient(
	ctxt context.Context, clientID string, retain *regexp.Regexp,
) (PurgeResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := PurgeResult{}

	if connID, ok := r.byClient[clientID]; ok {
		if err := r.dropConnection(ctxt, connID); err != nil {
			return result, err
		}
		result.Disconnected = true
	}

	removedSubs, err := r.removeClient(ctxt, clientID, r.clients[clientID])
	if err != nil {
		return result, err
	}
	result.Subscriptions = removedSubs

	if retain != nil {
		batch := storage.NewBatch()
		topics := []string{}
		for topic, entry := range r.retained {
			if entry.clientID == clientID && retain.MatchString(topic) {
				batch.Delete(retainedKeyPrefix + topic)
				topics = append(topics, topic)
			}
		}
		if err := r.store.Commit(ctxt, batch); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to remove retained topics of %s", clientID,
			)
			return result, err
		}
		for _, topic := range topics {
			delete(r.retained, topic)
		}
		result.Retained = len(topics)
	}

	delete(r.tombstones, clientID)
	if !r.snapshotEnabled {
		r.refreshSnapshotLocked()
	}
	log.WithFields(r.LogTags).Debugf(
		"Purged client %s: disconnected %v, subscriptions %d, retained %d",
		clientID, result.Disconnected, result.Subscriptions, result.Retained,
	)
	return result, nil
}

// ReleaseClients make tombstoned clients visible again
func (r *registryImpl) ReleaseClients(clientIDs ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, clientID := range clientIDs {
		delete(r.tombstones, clientID)
	}
	if !r.snapshotEnabled {
		r.refreshSnapshotLocked()
	}
}

// ===============================================================================
// References

// LiveReferences number of live entities referring to a configuration object
func (r *registryImpl) LiveReferences(objType, name string) int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	count := 0
	switch objType {
	case schema.TypeEndpoint:
		for _, entry := range r.connections {
			if entry.conn.Endpoint == name {
				count++
			}
		}
	case schema.TypeConnectionPolicy:
		for _, entry := range r.connections {
			if entry.conn.ConnectionPolicy == name {
				count++
			}
		}
	case schema.TypeMessagingPolicy:
		for _, entry := range r.subscriptions {
			if entry.sub.MessagingPolicy == name {
				count++
			}
		}
		for _, entry := range r.connections {
			for _, policy := range entry.conn.MessagingPolicies {
				if policy == name {
					count++
					break
				}
			}
		}
	}
	return count
}

// Counts size of the live state
func (r *registryImpl) Counts() Counts {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return Counts{
		Connections:   len(r.connections),
		Subscriptions: len(r.subscriptions),
		MQTTClients:   len(r.clients),
		Retained:      len(r.retained),
	}
}

// ===============================================================================
// Lifecycle

// Load reload the durable records from the KV store
func (r *registryImpl) Load(ctxt context.Context) error {
	clients := map[string]*clientEntry{}
	subscriptions := map[string]*subscriptionEntry{}
	retained := map[string]*retainedEntry{}
	maxSeq := uint64(0)
	track := func(seq uint64) {
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	if err := r.store.List(ctxt, clientKeyPrefix, func(key string, value []byte) error {
		var record clientRecord
		if err := record.Scan(value); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		track(record.Seq)
		clients[record.ClientID] = &clientEntry{
			seq: record.Seq,
			client: MQTTClient{
				ClientID:          record.ClientID,
				LastConnectedTime: record.LastConnectedTime,
				Endpoint:          record.Endpoint,
			},
		}
		return nil
	}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to load durable clients")
		return err
	}

	if err := r.store.List(ctxt, subKeyPrefix, func(key string, value []byte) error {
		var record subscriptionRecord
		if err := record.Scan(value); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		track(record.Seq)
		subscriptions[subscriptionKey(record.Subscription.ClientID, record.Subscription.SubName)] =
			&subscriptionEntry{seq: record.Seq, sub: record.Subscription}
		return nil
	}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to load durable subscriptions")
		return err
	}

	if err := r.store.List(ctxt, retainedKeyPrefix, func(key string, value []byte) error {
		var record retainedRecord
		if err := record.Scan(value); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		track(record.Seq)
		retained[record.TopicString] = &retainedEntry{seq: record.Seq, clientID: record.ClientID}
		return nil
	}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to load retained topics")
		return err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.clients = clients
	r.subscriptions = subscriptions
	r.retained = retained
	r.connections = map[string]*connectionEntry{}
	r.byClient = map[string]string{}
	r.tombstones = map[string]bool{}
	if maxSeq > r.seq {
		r.seq = maxSeq
	}
	r.refreshSnapshotLocked()
	log.WithFields(r.LogTags).Infof(
		"Loaded %d clients, %d subscriptions, %d retained topics",
		len(clients), len(subscriptions), len(retained),
	)
	return nil
}

// DropLive drop all connections and non durable subscriptions
func (r *registryImpl) DropLive(ctxt context.Context, cleanStore bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for connID := range r.connections {
		if err := r.dropConnection(ctxt, connID); err != nil {
			return err
		}
	}
	if cleanStore {
		batch := storage.NewBatch()
		if err := r.store.List(ctxt, runtimePrefix, func(key string, _ []byte) error {
			batch.Delete(key)
			return nil
		}); err != nil {
			return err
		}
		if err := r.store.Commit(ctxt, batch); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to clean durable runtime records")
			return err
		}
		r.clients = map[string]*clientEntry{}
		r.subscriptions = map[string]*subscriptionEntry{}
		r.retained = map[string]*retainedEntry{}
		r.tombstones = map[string]bool{}
		log.WithFields(r.LogTags).Info("Durable runtime records wiped")
	}
	r.refreshSnapshotLocked()
	return nil
}
