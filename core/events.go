package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Broker event kinds. The event subject is <prefix>.events.<kind>.
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventRetain      = "retain"
)

// EventListener feeds broker events into the runtime status registry
type EventListener struct {
	common.Component
	registry monitor.Registry
	sub      *nats.Subscription
}

// GetEventListener define a new event listener
func GetEventListener(registry monitor.Registry) *EventListener {
	return &EventListener{
		Component: common.Component{
			LogTags: log.Fields{"module": "core", "component": "event-listener"},
		},
		registry: registry,
	}
}

// HandleEvent apply one broker event to the registry
func (l *EventListener) HandleEvent(ctxt context.Context, kind string, data []byte) error {
	var err error
	switch kind {
	case EventConnect:
		var event monitor.ConnectEvent
		if err = json.Unmarshal(data, &event); err == nil {
			_, err = l.registry.Connect(ctxt, event)
		}
	case EventDisconnect:
		var event monitor.DisconnectEvent
		if err = json.Unmarshal(data, &event); err == nil {
			_, err = l.registry.Disconnect(ctxt, event)
		}
	case EventSubscribe:
		var event monitor.SubscribeEvent
		if err = json.Unmarshal(data, &event); err == nil {
			_, err = l.registry.Subscribe(ctxt, event)
		}
	case EventUnsubscribe:
		var event monitor.UnsubscribeEvent
		if err = json.Unmarshal(data, &event); err == nil {
			err = l.registry.Unsubscribe(ctxt, event)
		}
	case EventRetain:
		var event monitor.RetainEvent
		if err = json.Unmarshal(data, &event); err == nil {
			err = l.registry.Retain(ctxt, event)
		}
	default:
		err = fmt.Errorf("unknown broker event kind '%s'", kind)
	}
	return err
}

// Subscribe start receiving broker events from NATS. Events are applied until ctxt is
// cancelled or Stop is called.
func (l *EventListener) Subscribe(ctxt context.Context, client NatsClient) error {
	eventPrefix := fmt.Sprintf("%s.events.", client.SubjectPrefix())
	sub, err := client.Conn().Subscribe(eventPrefix+">", func(msg *nats.Msg) {
		kind := strings.TrimPrefix(msg.Subject, eventPrefix)
		if err := l.HandleEvent(ctxt, kind, msg.Data); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf("Failed to process %s event", kind)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Unable to subscribe to %s>", eventPrefix)
		return err
	}
	l.sub = sub
	log.WithFields(l.LogTags).Infof("Listening for broker events on %s>", eventPrefix)
	return nil
}

// Stop stop receiving broker events
func (l *EventListener) Stop() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Unsubscribe()
}
