package monitor

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/schema"
	"github.com/alwitt/mqadmin/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func defineTestStore(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) storage.KeyValueStore {
	store, err := storage.GetBadgerStore(ctxt, common.BadgerConfig{InMemory: true}, wg)
	assert.Nil(t, err)
	return store
}

func clientIDs(clients []MQTTClient) []string {
	result := []string{}
	for _, client := range clients {
		result = append(result, client.ClientID)
	}
	return result
}

func TestRegistryConnections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := defineTestStore(t, utCtxt, &wg)
	defer func() {
		_ = store.Close()
	}()

	uut, err := GetRegistry(utCtxt, store, common.MonitorConfig{}, &wg)
	assert.Nil(err)

	// Case 0: empty lists are not nil
	{
		assert.NotNil(uut.ListConnections(""))
		assert.Empty(uut.ListConnections(""))
		assert.NotNil(uut.ListSubscriptions(""))
		assert.NotNil(uut.ListMQTTClients(""))
	}

	// Case 1: connect clients, listed in insertion order
	{
		for _, clientID := range []string{"d-client-2", "a-client-1", "d-client-3"} {
			conn, err := uut.Connect(utCtxt, ConnectEvent{
				ClientID: clientID, Endpoint: "DemoEndpoint", Port: 16102, Protocol: "mqtt",
				UserID: "user", ClientAddr: "127.0.0.1", CleanSession: clientID == "a-client-1",
			})
			assert.Nil(err)
			assert.NotEmpty(conn.ConnectionID)
		}
		conns := uut.ListConnections("")
		assert.Len(conns, 3)
		assert.Equal("d-client-2", conns[0].Name)
		assert.Equal("a-client-1", conns[1].Name)
		assert.Equal("d-client-3", conns[2].Name)
		assert.False(conns[1].Durable)

		// Only durable clients are MQTT clients
		assert.Equal([]string{"d-client-2", "d-client-3"}, clientIDs(uut.ListMQTTClients("")))
	}

	// Case 2: wildcard filters
	{
		assert.Len(uut.ListConnections("d-*"), 2)
		assert.Len(uut.ListConnections("a-client-1"), 1)
		assert.Len(uut.ListConnections("a-client"), 0)
		assert.Equal([]string{"d-client-3"}, clientIDs(uut.ListMQTTClients("d-client-3")))
	}

	// Case 3: takeover keeps one connection per ClientID
	{
		_, err := uut.Connect(utCtxt, ConnectEvent{ClientID: "d-client-2", Endpoint: "Other"})
		assert.Nil(err)
		conns := uut.ListConnections("d-client-2")
		assert.Len(conns, 1)
		assert.Equal("Other", conns[0].Endpoint)
		assert.Equal(3, uut.Counts().Connections)
	}

	// Case 4: live references
	{
		assert.Equal(1, uut.LiveReferences(schema.TypeEndpoint, "Other"))
		assert.Equal(2, uut.LiveReferences(schema.TypeEndpoint, "DemoEndpoint"))
		assert.Equal(0, uut.LiveReferences(schema.TypeQueue, "DemoEndpoint"))
	}

	// Case 5: disconnect
	{
		_, err := uut.Disconnect(utCtxt, DisconnectEvent{ClientID: "a-client-1"})
		assert.Nil(err)
		_, err = uut.Disconnect(utCtxt, DisconnectEvent{ClientID: "a-client-1"})
		assert.True(common.IsErrorKind(err, common.ErrKindConnectionNotFound))
		assert.Len(uut.ListConnections(""), 2)
	}

	// Case 6: find connections
	{
		found := uut.FindConnections(func(conn Connection) bool { return conn.Endpoint == "Other" })
		assert.Len(found, 1)
		assert.Equal("d-client-2", found[0].Name)
	}
}

func TestRegistrySubscriptionsAndReload(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := defineTestStore(t, utCtxt, &wg)
	defer func() {
		_ = store.Close()
	}()

	uut, err := GetRegistry(utCtxt, store, common.MonitorConfig{}, &wg)
	assert.Nil(err)

	_, err = uut.Connect(utCtxt, ConnectEvent{ClientID: "durable", Endpoint: "E"})
	assert.Nil(err)
	_, err = uut.Connect(utCtxt, ConnectEvent{ClientID: "clean", Endpoint: "E", CleanSession: true})
	assert.Nil(err)

	// Case 0: subscription of unknown client
	{
		_, err := uut.Subscribe(utCtxt, SubscribeEvent{ClientID: "ghost", TopicString: "a"})
		assert.True(common.IsErrorKind(err, common.ErrKindConnectionNotFound))
	}

	// Case 1: subscriptions
	{
		sub, err := uut.Subscribe(utCtxt, SubscribeEvent{
			ClientID: "durable", TopicString: "sensors/#", MessagingPolicy: "DemoTopicPolicy",
			MaxMessages: 5000,
		})
		assert.Nil(err)
		assert.True(sub.IsDurable)
		assert.Equal("sensors/#", sub.SubName)
		sub, err = uut.Subscribe(utCtxt, SubscribeEvent{
			ClientID: "clean", TopicString: "alerts", MessagingPolicy: "DemoTopicPolicy",
		})
		assert.Nil(err)
		assert.False(sub.IsDurable)
		assert.Len(uut.ListSubscriptions(""), 2)
		assert.Equal(2, uut.LiveReferences(schema.TypeMessagingPolicy, "DemoTopicPolicy"))
	}

	// Case 2: retained topics
	{
		assert.Nil(uut.Retain(utCtxt, RetainEvent{TopicString: "sensors/1", ClientID: "durable"}))
		assert.Nil(uut.Retain(utCtxt, RetainEvent{TopicString: "sensors/2", ClientID: "durable"}))
		assert.Nil(uut.Retain(utCtxt, RetainEvent{TopicString: "sensors/2", Clear: true}))
		assert.Equal(1, uut.Counts().Retained)
	}

	// Case 3: disconnect drops only non durable subscriptions
	{
		_, err := uut.Disconnect(utCtxt, DisconnectEvent{ClientID: "durable"})
		assert.Nil(err)
		_, err = uut.Disconnect(utCtxt, DisconnectEvent{ClientID: "clean"})
		assert.Nil(err)
		subs := uut.ListSubscriptions("")
		assert.Len(subs, 1)
		assert.Equal("durable", subs[0].ClientID)
		clients := uut.ListMQTTClients("")
		assert.Len(clients, 1)
		assert.False(clients[0].IsConnected)
	}

	// Case 4: durable state survives a reload
	{
		reloaded, err := GetRegistry(utCtxt, store, common.MonitorConfig{}, &wg)
		assert.Nil(err)
		assert.Equal([]string{"durable"}, clientIDs(reloaded.ListMQTTClients("")))
		assert.Len(reloaded.ListSubscriptions(""), 1)
		assert.Empty(reloaded.ListConnections(""))
		assert.Equal(1, reloaded.Counts().Retained)
	}

	// Case 5: unsubscribe
	{
		assert.Nil(uut.Unsubscribe(utCtxt, UnsubscribeEvent{ClientID: "durable", SubName: "sensors/#"}))
		assert.Nil(uut.Unsubscribe(utCtxt, UnsubscribeEvent{ClientID: "durable", SubName: "sensors/#"}))
		assert.Empty(uut.ListSubscriptions(""))
		assert.Nil(uut.Load(utCtxt))
		assert.Empty(uut.ListSubscriptions(""))
	}

	// Case 6: clean session discards the durable client
	{
		_, err := uut.Connect(utCtxt, ConnectEvent{ClientID: "durable", CleanSession: true})
		assert.Nil(err)
		assert.Empty(uut.ListMQTTClients(""))
	}
}

func TestRegistryClientPurge(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := defineTestStore(t, utCtxt, &wg)
	defer func() {
		_ = store.Close()
	}()

	uut, err := GetRegistry(utCtxt, store, common.MonitorConfig{}, &wg)
	assert.Nil(err)

	for _, clientID := range []string{"c1", "c2", "c3", "c4"} {
		_, err := uut.Connect(utCtxt, ConnectEvent{ClientID: clientID})
		assert.Nil(err)
		_, err = uut.Subscribe(utCtxt, SubscribeEvent{ClientID: clientID, TopicString: "t/" + clientID})
		assert.Nil(err)
		assert.Nil(uut.Retain(utCtxt, RetainEvent{TopicString: "t/" + clientID, ClientID: clientID}))
		assert.Nil(uut.Retain(utCtxt, RetainEvent{TopicString: "keep/" + clientID, ClientID: clientID}))
	}
	_, err = uut.Disconnect(utCtxt, DisconnectEvent{ClientID: "c4"})
	assert.Nil(err)

	// Case 0: tombstone hides the clients
	{
		hidden := uut.TombstoneClients(func(clientID string) bool { return clientID != "c3" })
		assert.Equal([]string{"c1", "c2", "c4"}, hidden)
		assert.Equal([]string{"c3"}, clientIDs(uut.ListMQTTClients("")))
		assert.Len(uut.ListSubscriptions(""), 1)
		assert.Len(uut.ListConnections(""), 1)

		// Already hidden clients are not found again
		assert.Empty(uut.TombstoneClients(func(clientID string) bool { return clientID == "c1" }))
	}

	// Case 1: released clients are visible again
	{
		uut.ReleaseClients("c2")
		assert.Equal([]string{"c2", "c3"}, clientIDs(uut.ListMQTTClients("")))
	}

	// Case 2: released clients can be tombstoned again
	{
		hidden := uut.TombstoneClients(func(clientID string) bool { return clientID == "c2" })
		assert.Equal([]string{"c2"}, hidden)
	}

	// Case 3: purge a connected client
	{
		result, err := uut.PurgeClient(utCtxt, "c1", regexp.MustCompile("^t/"))
		assert.Nil(err)
		assert.True(result.Disconnected)
		assert.Equal(1, result.Subscriptions)
		assert.Equal(1, result.Retained)
	}

	// Case 4: purge a disconnected client
	{
		result, err := uut.PurgeClient(utCtxt, "c4", regexp.MustCompile("^"))
		assert.Nil(err)
		assert.False(result.Disconnected)
		assert.Equal(1, result.Subscriptions)
		assert.Equal(2, result.Retained)
	}

	// Case 5: purged clients are gone after reload, tombstoned but unpurged come back
	{
		assert.Nil(uut.Load(utCtxt))
		assert.Equal([]string{"c2", "c3"}, clientIDs(uut.ListMQTTClients("")))
		assert.Equal(5, uut.Counts().Retained)
	}

	// Case 6: drop live state, keeping the store
	{
		_, err := uut.Connect(utCtxt, ConnectEvent{ClientID: "c2"})
		assert.Nil(err)
		assert.Nil(uut.DropLive(utCtxt, false))
		assert.Empty(uut.ListConnections(""))
		assert.Len(uut.ListMQTTClients(""), 2)
	}

	// Case 7: drop live state, cleaning the store
	{
		assert.Nil(uut.DropLive(utCtxt, true))
		assert.Empty(uut.ListMQTTClients(""))
		assert.Nil(uut.Load(utCtxt))
		assert.Equal(Counts{}, uut.Counts())
	}
}

func TestRegistryConnectionSnapshot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := defineTestStore(t, utCtxt, &wg)
	defer func() {
		_ = store.Close()
	}()

	// Long interval, the test drives the refresh
	uut, err := GetRegistry(
		utCtxt, store, common.MonitorConfig{ConnectionRefreshInterval: 3600000}, &wg,
	)
	assert.Nil(err)

	_, err = uut.Connect(utCtxt, ConnectEvent{ClientID: "c1"})
	assert.Nil(err)

	// Case 0: the snapshot lags
	assert.Empty(uut.ListConnections(""))
	assert.Len(uut.FindConnections(func(Connection) bool { return true }), 1)

	// Case 1: refreshed
	assert.Nil(uut.RefreshSnapshot())
	assert.Len(uut.ListConnections(""), 1)
}
