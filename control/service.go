// Package control executes administrative actions against the live broker state:
// closing connections by filter and deleting client sets.
package control

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/core"
	"github.com/alwitt/mqadmin/metrics"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Client set deletion parameters
const (
	ParamClientID = "ClientID"
	ParamRetain   = "Retain"
)

// purgeAttempts max attempts at purging one client
const purgeAttempts = 3

// Task states
const (
	TaskStatePending  = "Pending"
	TaskStateComplete = "Complete"
)

// ClientSetResult immediate outcome of a client set deletion
type ClientSetResult struct {
	TaskID  string
	Found   int
	Deleted int
	Errors  int
	Pending int
}

// Message the summary line reported for the deletion
func (r ClientSetResult) Message() string {
	return fmt.Sprintf(
		"Clients found: %d, Clients deleted: %d, Deletion errors: %d", r.Found, r.Deleted, r.Errors,
	)
}

// TaskStatus progress of an asynchronous client set deletion
type TaskStatus struct {
	TaskID   string `json:"TaskID"`
	State    string `json:"State"`
	ClientID string `json:"ClientID"`
	Retain   string `json:"Retain"`
	Found    int    `json:"Found"`
	Deleted  int    `json:"Deleted"`
	Errors   int    `json:"Errors"`
	Pending  int    `json:"Pending"`
	Created  string `json:"Created"`
	Finished string `json:"Finished,omitempty"`
	finishAt time.Time
}

// Service connection control operations
type Service interface {
	// CloseConnections close the live connections matching the filter. Returns the
	// number of closed connections.
	CloseConnections(ctxt context.Context, filter map[string]interface{}) (int, error)
	// DeleteClientSet hide the durable clients matching the parameters, and purge them in
	// the background
	DeleteClientSet(ctxt context.Context, params map[string][]string) (ClientSetResult, error)
	// GetTask fetch the status of a client set deletion task
	GetTask(taskID string) (TaskStatus, error)
}

// purgeRequest request to purge one client
type purgeRequest struct {
	taskID   string
	clientID string
	retain   *regexp.Regexp
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	registry  monitor.Registry
	publisher core.CommandPublisher
	metrics   *metrics.Collector
	cfg       common.ControlConfig
	workers   common.TaskProcessor

	taskLock sync.Mutex
	tasks    map[string]*TaskStatus
	gcTimer  common.IntervalTimer
}

// GetService define a new connection control service. The purge workers and the task
// record GC run until rootCtxt is cancelled.
func GetService(
	rootCtxt context.Context,
	registry monitor.Registry,
	publisher core.CommandPublisher,
	collector *metrics.Collector,
	cfg common.ControlConfig,
	wg *sync.WaitGroup,
) (Service, error) {
	logTags := log.Fields{"module": "control", "component": "connection-control"}

	workers, err := common.GetNewTaskDemuxProcessorInstance(
		rootCtxt, "client-purge", cfg.TaskBuffer, cfg.PurgeWorkers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define purge workers")
		return nil, err
	}
	gcTimer, err := common.GetIntervalTimerInstance(rootCtxt, "task-gc", wg)
	if err != nil {
		return nil, err
	}

	instance := &serviceImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		publisher: publisher,
		metrics:   collector,
		cfg:       cfg,
		workers:   workers,
		tasks:     map[string]*TaskStatus{},
		gcTimer:   gcTimer,
	}

	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(purgeRequest{}), instance.processPurgeRequest,
	); err != nil {
		return nil, err
	}
	if err := workers.StartEventLoop(wg); err != nil {
		return nil, err
	}

	retention := time.Second * time.Duration(cfg.TaskRetention)
	gcInterval := retention / 2
	if gcInterval < time.Second {
		gcInterval = time.Second
	}
	if err := gcTimer.Start(gcInterval, func() error {
		instance.expireTasks(time.Now().Add(-retention))
		return nil
	}, false); err != nil {
		return nil, err
	}
	return instance, nil
}

// ===============================================================================
// Close connections

// CloseConnections close the live connections matching the filter
func (s *serviceImpl) CloseConnections(
	ctxt context.Context, filter map[string]interface{},
) (int, error) {
	parsed, err := parseConnectionFilter(filter, s.cfg.MaxListMembers)
	if err != nil {
		return 0, err
	}
	if parsed.oversize {
		log.WithFields(s.LogTags).Warnf(
			"Close connection filter list exceeds %d members, nothing matches", s.cfg.MaxListMembers,
		)
	}
	matched := s.registry.FindConnections(parsed.matches)
	if len(matched) == 0 {
		return 0, common.NewConnectionNotFoundError()
	}

	closed := 0
	for _, conn := range matched {
		if err := s.publisher.PublishClose(ctxt, core.CloseCommand{
			ConnectionID: conn.ConnectionID, ClientID: conn.Name, Reason: "administrative close",
		}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to forward close of %s", conn.ConnectionID,
			)
			return closed, common.NewInternalError(err)
		}
		if _, err := s.registry.Disconnect(
			ctxt, monitor.DisconnectEvent{ConnectionID: conn.ConnectionID},
		); err != nil {
			// Already gone
			if common.IsErrorKind(err, common.ErrKindConnectionNotFound) {
				continue
			}
			return closed, err
		}
		closed++
	}
	s.metrics.RecordConnectionsClosed(closed)
	log.WithFields(s.LogTags).Infof("Closed %d connections", closed)
	if closed == 0 {
		return 0, common.NewConnectionNotFoundError()
	}
	return closed, nil
}

// ===============================================================================
// Client set deletion

// parseClientSetParams parse the client set deletion parameters
func parseClientSetParams(params map[string][]string) (*regexp.Regexp, *regexp.Regexp, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name != ParamClientID && name != ParamRetain {
			return nil, nil, common.NewInvalidArgumentNameError("ClientSet", name)
		}
	}

	compile := func(param string) (*regexp.Regexp, error) {
		values, ok := params[param]
		if !ok || len(values) == 0 || values[0] == "" {
			return nil, common.NewMissingFilterCriteriaError("ClientID and Retain")
		}
		if len(values) > 1 {
			return nil, common.NewInvalidPropertyValueError("ClientSet", "", param, values)
		}
		expr, err := regexp.Compile(values[0])
		if err != nil {
			return nil, common.NewInvalidPropertyValueError("ClientSet", "", param, values[0])
		}
		return expr, nil
	}

	clientExpr, err := compile(ParamClientID)
	if err != nil {
		return nil, nil, err
	}
	retainExpr, err := compile(ParamRetain)
	if err != nil {
		return nil, nil, err
	}
	return clientExpr, retainExpr, nil
}

// DeleteClientSet hide the matching durable clients, and purge them in the background
func (s *serviceImpl) DeleteClientSet(
	ctxt context.Context, params map[string][]string,
) (ClientSetResult, error) {
	clientExpr, retainExpr, err := parseClientSetParams(params)
	if err != nil {
		return ClientSetResult{}, err
	}

	hidden := s.registry.TombstoneClients(clientExpr.MatchString)
	taskID := uuid.NewString()
	task := &TaskStatus{
		TaskID:   taskID,
		State:    TaskStatePending,
		ClientID: clientExpr.String(),
		Retain:   retainExpr.String(),
		Found:    len(hidden),
		Deleted:  len(hidden),
		Pending:  len(hidden),
		Created:  time.Now().UTC().Format(time.RFC3339),
	}
	s.taskLock.Lock()
	s.tasks[taskID] = task
	s.taskLock.Unlock()

	for idx, clientID := range hidden {
		if err := s.workers.Submit(ctxt, purgeRequest{
			taskID: taskID, clientID: clientID, retain: retainExpr,
		}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to queue purge of %s", clientID)
			// The remaining clients were never queued
			s.registry.ReleaseClients(hidden[idx:]...)
			s.taskLock.Lock()
			task.Deleted -= len(hidden) - idx
			task.Errors += len(hidden) - idx
			task.Pending -= len(hidden) - idx
			s.finishIfDone(task)
			s.taskLock.Unlock()
			break
		}
	}

	s.taskLock.Lock()
	defer s.taskLock.Unlock()
	if len(hidden) == 0 {
		s.finishIfDone(task)
	}
	log.WithFields(s.LogTags).Infof(
		"Client set deletion %s: ClientID=%s Retain=%s found %d",
		taskID, task.ClientID, task.Retain, task.Found,
	)
	return ClientSetResult{
		TaskID:  taskID,
		Found:   task.Found,
		Deleted: task.Deleted,
		Errors:  task.Errors,
		Pending: task.Pending,
	}, nil
}

// processPurgeRequest purge one client. Runs on a purge worker.
func (s *serviceImpl) processPurgeRequest(param interface{}) error {
	request, ok := param.(purgeRequest)
	if !ok {
		return fmt.Errorf("unexpected purge request type %s", reflect.TypeOf(param))
	}
	ctxt := context.Background()

	var err error
	for attempt := 1; attempt <= purgeAttempts; attempt++ {
		if err = s.publisher.PublishPurge(ctxt, core.PurgeCommand{
			ClientID: request.clientID, Retain: request.retain.String(), TaskID: request.taskID,
		}); err == nil {
			_, err = s.registry.PurgeClient(ctxt, request.clientID, request.retain)
		}
		if err == nil {
			break
		}
		log.WithError(err).WithFields(s.LogTags).Warnf(
			"Purge of %s failed on attempt %d", request.clientID, attempt,
		)
		if attempt < purgeAttempts {
			time.Sleep(time.Millisecond * 100 * time.Duration(attempt))
		}
	}
	failed := err != nil
	if failed {
		s.registry.ReleaseClients(request.clientID)
	}
	s.metrics.RecordClientPurge(failed)

	s.taskLock.Lock()
	defer s.taskLock.Unlock()
	if task, ok := s.tasks[request.taskID]; ok {
		task.Pending--
		if failed {
			task.Deleted--
			task.Errors++
		}
		s.finishIfDone(task)
	}
	return err
}

// finishIfDone mark a task complete once nothing is pending. Caller holds taskLock.
func (s *serviceImpl) finishIfDone(task *TaskStatus) {
	if task.Pending > 0 || task.State == TaskStateComplete {
		return
	}
	task.State = TaskStateComplete
	task.finishAt = time.Now()
	task.Finished = task.finishAt.UTC().Format(time.RFC3339)
}

// GetTask fetch the status of a client set deletion task
func (s *serviceImpl) GetTask(taskID string) (TaskStatus, error) {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return TaskStatus{}, common.NewNotFoundError("Task", taskID)
	}
	return *task, nil
}

// expireTasks drop the records of tasks finished before the cutoff
func (s *serviceImpl) expireTasks(cutoff time.Time) {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()
	for taskID, task := range s.tasks {
		if task.State == TaskStateComplete && task.finishAt.Before(cutoff) {
			delete(s.tasks, taskID)
		}
	}
}
