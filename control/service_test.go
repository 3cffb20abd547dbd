package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/core"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/alwitt/mqadmin/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type recordingPublisher struct {
	lock      sync.Mutex
	closed    []string
	purged    []string
	failPurge bool
}

func (p *recordingPublisher) PublishClose(_ context.Context, cmd core.CloseCommand) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = append(p.closed, cmd.ClientID)
	return nil
}

func (p *recordingPublisher) PublishPurge(_ context.Context, cmd core.PurgeCommand) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.failPurge {
		return fmt.Errorf("broker unreachable")
	}
	p.purged = append(p.purged, cmd.ClientID)
	return nil
}

func (p *recordingPublisher) PublishApply(_ context.Context, _ core.ApplyCommand) error {
	return nil
}

func decodeFilter(t *testing.T, raw string) map[string]interface{} {
	result := map[string]interface{}{}
	assert.Nil(t, json.Unmarshal([]byte(raw), &result))
	return result
}

type controlTestEnv struct {
	registry  monitor.Registry
	publisher *recordingPublisher
	uut       Service
}

func defineControlTestEnv(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, store storage.KeyValueStore,
) controlTestEnv {
	registry, err := monitor.GetRegistry(ctxt, store, common.MonitorConfig{}, wg)
	assert.Nil(t, err)
	publisher := &recordingPublisher{}
	uut, err := GetService(ctxt, registry, publisher, nil, common.ControlConfig{
		MaxListMembers: 3, PurgeWorkers: 2, TaskBuffer: 8, TaskRetention: 60,
	}, wg)
	assert.Nil(t, err)
	return controlTestEnv{registry: registry, publisher: publisher, uut: uut}
}

func TestCloseConnections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store, err := storage.GetBadgerStore(utCtxt, common.BadgerConfig{InMemory: true}, &wg)
	assert.Nil(err)
	defer func() {
		_ = store.Close()
	}()
	env := defineControlTestEnv(t, utCtxt, &wg, store)

	connect := func(clientID, userID, addr string) {
		_, err := env.registry.Connect(utCtxt, monitor.ConnectEvent{
			ClientID: clientID, UserID: userID, ClientAddr: addr, CleanSession: true,
		})
		assert.Nil(err)
	}
	connect("a-org-uid-1", "alice", "10.0.0.1")
	connect("a-org-uid-2", "bob", "10.0.0.2")
	connect("^a-org-uid", "", "10.0.0.3")
	connect("b-org-uid-1", "alice", "10.0.1.1")

	// Case 0: no criteria
	{
		for _, body := range []string{`{}`, `{"ClientAddress":""}`, `{"ClientID":[]}`} {
			_, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, body))
			assert.True(common.IsErrorKind(err, common.ErrKindMissingFilterCriteria), body)
			assert.Equal("CWLNA6204", common.AsAdminError(err).Code())
		}
	}

	// Case 0a: an empty ClientID is a literal value
	{
		for _, body := range []string{`{"ClientID":""}`, `{"ClientID":"","UserID":"alice"}`} {
			_, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, body))
			assert.True(common.IsErrorKind(err, common.ErrKindConnectionNotFound), body)
			assert.Equal("CWLNA6136", common.AsAdminError(err).Code())
		}
		assert.Len(env.registry.ListConnections(""), 4)
	}

	// Case 1: unknown field and wrong types
	{
		_, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"Endpoint":"x"}`))
		assert.True(common.IsErrorKind(err, common.ErrKindInvalidArgumentName))
		_, err = env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"ClientID":5}`))
		assert.True(common.IsErrorKind(err, common.ErrKindInvalidPropertyType))
		_, err = env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"ClientID":["a",true]}`))
		assert.True(common.IsErrorKind(err, common.ErrKindInvalidPropertyType))
	}

	// Case 2: wildcard characters other than a trailing '*' are literal
	{
		closed, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"ClientID":"^a-org-uid"}`))
		assert.Nil(err)
		assert.Equal(1, closed)
		assert.Len(env.registry.ListConnections(""), 3)
	}

	// Case 3: closing again finds nothing
	{
		_, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"ClientID":"^a-org-uid"}`))
		assert.True(common.IsErrorKind(err, common.ErrKindConnectionNotFound))
		assert.Equal("CWLNA6136", common.AsAdminError(err).Code())
	}

	// Case 4: oversize list matches nothing
	{
		_, err := env.uut.CloseConnections(
			utCtxt, decodeFilter(t, `{"ClientID":["a","b","c","a-org-uid-1"]}`),
		)
		assert.True(common.IsErrorKind(err, common.ErrKindConnectionNotFound))
		assert.Len(env.registry.ListConnections(""), 3)
	}

	// Case 5: fields are AND'ed, list members OR'ed
	{
		closed, err := env.uut.CloseConnections(
			utCtxt, decodeFilter(t, `{"UserID":["alice","carol"],"ClientAddress":"10.0.0.*"}`),
		)
		assert.Nil(err)
		assert.Equal(1, closed)
		remaining := env.registry.ListConnections("")
		assert.Len(remaining, 2)
		assert.Equal("a-org-uid-2", remaining[0].Name)
		assert.Equal("b-org-uid-1", remaining[1].Name)
	}

	// Case 6: prefix match
	{
		closed, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"ClientID":"*"}`))
		assert.Nil(err)
		assert.Equal(2, closed)
		assert.Empty(env.registry.ListConnections(""))
		assert.Len(env.publisher.closed, 4)
	}
}

func TestCloseConnectionsEmptyUserID(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store, err := storage.GetBadgerStore(utCtxt, common.BadgerConfig{InMemory: true}, &wg)
	assert.Nil(err)
	defer func() {
		_ = store.Close()
	}()
	env := defineControlTestEnv(t, utCtxt, &wg, store)

	_, err = env.registry.Connect(utCtxt, monitor.ConnectEvent{ClientID: "anon"})
	assert.Nil(err)
	_, err = env.registry.Connect(utCtxt, monitor.ConnectEvent{ClientID: "named", UserID: "u"})
	assert.Nil(err)

	// An empty UserID selects connections without a user
	closed, err := env.uut.CloseConnections(utCtxt, decodeFilter(t, `{"UserID":""}`))
	assert.Nil(err)
	assert.Equal(1, closed)
	remaining := env.registry.ListConnections("")
	assert.Len(remaining, 1)
	assert.Equal("named", remaining[0].Name)
}

func TestDeleteClientSet(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store, err := storage.GetBadgerStore(utCtxt, common.BadgerConfig{InMemory: true}, &wg)
	assert.Nil(err)
	defer func() {
		_ = store.Close()
	}()
	env := defineControlTestEnv(t, utCtxt, &wg, store)

	for _, clientID := range []string{"c1", "c2", "c3", "c4"} {
		_, err := env.registry.Connect(utCtxt, monitor.ConnectEvent{ClientID: clientID})
		assert.Nil(err)
		_, err = env.registry.Subscribe(
			utCtxt, monitor.SubscribeEvent{ClientID: clientID, TopicString: "t/" + clientID},
		)
		assert.Nil(err)
	}
	_, err = env.registry.Disconnect(utCtxt, monitor.DisconnectEvent{ClientID: "c2"})
	assert.Nil(err)

	// Case 0: bad parameters
	{
		_, err := env.uut.DeleteClientSet(utCtxt, map[string][]string{"ClientID": {"^"}})
		assert.True(common.IsErrorKind(err, common.ErrKindMissingFilterCriteria))
		_, err = env.uut.DeleteClientSet(
			utCtxt, map[string][]string{"ClientID": {"^"}, "Retain": {"^"}, "Force": {"true"}},
		)
		assert.True(common.IsErrorKind(err, common.ErrKindInvalidArgumentName))
		_, err = env.uut.DeleteClientSet(
			utCtxt, map[string][]string{"ClientID": {"(unclosed"}, "Retain": {"^"}},
		)
		assert.True(common.IsErrorKind(err, common.ErrKindInvalidPropertyValue))
	}

	// Case 1: delete every client
	var taskID string
	{
		result, err := env.uut.DeleteClientSet(
			utCtxt, map[string][]string{"ClientID": {"^"}, "Retain": {"^"}},
		)
		assert.Nil(err)
		assert.Equal(4, result.Found)
		assert.Equal(4, result.Deleted)
		assert.Equal("Clients found: 4, Clients deleted: 4, Deletion errors: 0", result.Message())
		assert.Empty(env.registry.ListMQTTClients(""))
		assert.Empty(env.registry.ListSubscriptions(""))
		taskID = result.TaskID
	}

	// Case 2: task completes
	{
		assert.Eventually(func() bool {
			status, err := env.uut.GetTask(taskID)
			return err == nil && status.State == TaskStateComplete
		}, time.Second*2, time.Millisecond*10)
		status, err := env.uut.GetTask(taskID)
		assert.Nil(err)
		assert.Equal(0, status.Pending)
		assert.Equal(4, status.Deleted)
		assert.Empty(env.registry.ListConnections(""))
		assert.Equal(0, env.registry.Counts().MQTTClients)
	}

	// Case 3: repeat call finds nothing
	{
		result, err := env.uut.DeleteClientSet(
			utCtxt, map[string][]string{"ClientID": {"^"}, "Retain": {"^"}},
		)
		assert.Nil(err)
		assert.Equal("Clients found: 0, Clients deleted: 0, Deletion errors: 0", result.Message())
		status, err := env.uut.GetTask(result.TaskID)
		assert.Nil(err)
		assert.Equal(TaskStateComplete, status.State)
	}

	// Case 4: unknown task
	{
		_, err := env.uut.GetTask("unknown")
		assert.True(common.IsErrorKind(err, common.ErrKindNotFound))
	}
}

func TestDeleteClientSetPurgeFailure(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store, err := storage.GetBadgerStore(utCtxt, common.BadgerConfig{InMemory: true}, &wg)
	assert.Nil(err)
	defer func() {
		_ = store.Close()
	}()
	env := defineControlTestEnv(t, utCtxt, &wg, store)
	env.publisher.failPurge = true

	_, err = env.registry.Connect(utCtxt, monitor.ConnectEvent{ClientID: "c1"})
	assert.Nil(err)

	result, err := env.uut.DeleteClientSet(
		utCtxt, map[string][]string{"ClientID": {"^c"}, "Retain": {"^"}},
	)
	assert.Nil(err)
	assert.Equal(1, result.Found)

	assert.Eventually(func() bool {
		status, err := env.uut.GetTask(result.TaskID)
		return err == nil && status.State == TaskStateComplete
	}, time.Second*3, time.Millisecond*20)
	status, err := env.uut.GetTask(result.TaskID)
	assert.Nil(err)
	assert.Equal(1, status.Errors)
	assert.Equal(0, status.Deleted)

	// The client is visible again for a retry
	assert.Len(env.registry.ListMQTTClients(""), 1)
}

func TestExpireTasks(t *testing.T) {
	assert := assert.New(t)

	uut := &serviceImpl{tasks: map[string]*TaskStatus{}}
	done := &TaskStatus{TaskID: "done"}
	uut.finishIfDone(done)
	uut.tasks["done"] = done
	uut.tasks["running"] = &TaskStatus{TaskID: "running", State: TaskStatePending, Pending: 1}

	uut.expireTasks(time.Now().Add(time.Second))
	_, err := uut.GetTask("done")
	assert.NotNil(err)
	_, err = uut.GetTask("running")
	assert.Nil(err)
}
