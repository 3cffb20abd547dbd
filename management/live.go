package management

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/core"
	"github.com/apex/log"
)

// Live components
const (
	ComponentEndpoint       = "Endpoint"
	ComponentMQConnectivity = "MQConnectivity"
	ComponentSNMP           = "SNMP"
)

// Live component states
const (
	LiveStatusActive   = "Active"
	LiveStatusInactive = "Inactive"
	LiveStatusPending  = "Pending"
	LiveStatusFailed   = "Failed"
)

// ComponentStatus configured and operational state of one live component
type ComponentStatus struct {
	Component            string `json:"Component"`
	Name                 string `json:"Name,omitempty"`
	Enabled              bool   `json:"Enabled"`
	Status               string `json:"Status"`
	ConfiguredGeneration uint64 `json:"ConfiguredGeneration"`
	AppliedGeneration    uint64 `json:"AppliedGeneration"`
	LastError            string `json:"LastError,omitempty"`
}

// liveChange one queued live change
type liveChange struct {
	key     string
	remove  bool
	command core.ApplyCommand
}

// LiveState applies the live configuration changes to the broker in the background,
// tracking which generation of each component is configured and which is in effect
type LiveState struct {
	common.Component
	publisher core.CommandPublisher
	processor common.TaskProcessor
	lock      sync.RWMutex
	status    map[string]*ComponentStatus
}

// GetLiveState define a new live state tracker. Changes are applied until rootCtxt
// is cancelled.
func GetLiveState(
	rootCtxt context.Context, publisher core.CommandPublisher, taskBuffer int, wg *sync.WaitGroup,
) (*LiveState, error) {
	logTags := log.Fields{"module": "management", "component": "live-state"}
	processor, err := common.GetNewTaskProcessorInstance(rootCtxt, "live-apply", taskBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live apply processor")
		return nil, err
	}
	instance := &LiveState{
		Component: common.Component{LogTags: logTags},
		publisher: publisher,
		processor: processor,
		status:    map[string]*ComponentStatus{},
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(liveChange{}), instance.processChange,
	); err != nil {
		return nil, err
	}
	if err := processor.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instance, nil
}

func liveKey(component, name string) string {
	if name == "" {
		return component
	}
	return fmt.Sprintf("%s/%s", component, name)
}

// Submit queue a change of a live component
func (l *LiveState) Submit(
	ctxt context.Context, component, name string, enabled bool, props map[string]interface{},
) error {
	key := liveKey(component, name)
	l.lock.Lock()
	entry, ok := l.status[key]
	if !ok {
		entry = &ComponentStatus{Component: component, Name: name}
		l.status[key] = entry
	}
	entry.Enabled = enabled
	entry.ConfiguredGeneration++
	entry.Status = LiveStatusPending
	change := liveChange{
		key: key,
		command: core.ApplyCommand{
			Component:  component,
			Name:       name,
			Enabled:    enabled,
			Properties: props,
			Generation: entry.ConfiguredGeneration,
		},
	}
	l.lock.Unlock()
	return l.processor.Submit(ctxt, change)
}

// Remove queue the shutdown of a live component which no longer exists
func (l *LiveState) Remove(ctxt context.Context, component, name string) error {
	key := liveKey(component, name)
	l.lock.Lock()
	entry, ok := l.status[key]
	if !ok {
		l.lock.Unlock()
		return nil
	}
	entry.Enabled = false
	entry.ConfiguredGeneration++
	entry.Status = LiveStatusPending
	change := liveChange{
		key:    key,
		remove: true,
		command: core.ApplyCommand{
			Component: component, Name: name, Generation: entry.ConfiguredGeneration,
		},
	}
	l.lock.Unlock()
	return l.processor.Submit(ctxt, change)
}

// processChange apply one change. Runs on the live apply processor.
func (l *LiveState) processChange(param interface{}) error {
	change, ok := param.(liveChange)
	if !ok {
		return fmt.Errorf("unexpected live change type %s", reflect.TypeOf(param))
	}
	err := l.publisher.PublishApply(context.Background(), change.command)

	l.lock.Lock()
	defer l.lock.Unlock()
	entry, ok := l.status[change.key]
	if !ok {
		return err
	}
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to apply generation %d of %s", change.command.Generation, change.key,
		)
		entry.LastError = err.Error()
		entry.Status = LiveStatusFailed
		return err
	}
	entry.LastError = ""
	entry.AppliedGeneration = change.command.Generation
	if change.remove && entry.AppliedGeneration == entry.ConfiguredGeneration {
		delete(l.status, change.key)
		return nil
	}
	if entry.AppliedGeneration == entry.ConfiguredGeneration {
		if entry.Enabled {
			entry.Status = LiveStatusActive
		} else {
			entry.Status = LiveStatusInactive
		}
	}
	log.WithFields(l.LogTags).Debugf("Applied generation %d of %s", change.command.Generation, change.key)
	return nil
}

// Status list the state of every live component, optionally limited to one component
func (l *LiveState) Status(component string) []ComponentStatus {
	l.lock.RLock()
	defer l.lock.RUnlock()
	keys := make([]string, 0, len(l.status))
	for key, entry := range l.status {
		if component == "" || entry.Component == component {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	result := make([]ComponentStatus, 0, len(keys))
	for _, key := range keys {
		result = append(result, *l.status[key])
	}
	return result
}

// Converged whether every configured change is in effect
func (l *LiveState) Converged() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()
	for _, entry := range l.status {
		if entry.AppliedGeneration != entry.ConfiguredGeneration {
			return false
		}
	}
	return true
}
