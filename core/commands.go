package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/mqadmin/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// CloseCommand request the broker to close a connection
type CloseCommand struct {
	ConnectionID string `json:"ConnectionID"`
	ClientID     string `json:"ClientID"`
	Reason       string `json:"Reason"`
}

// PurgeCommand request the broker to discard a client's durable state
type PurgeCommand struct {
	ClientID string `json:"ClientID"`
	// Retain retained topics originated by the client matching this expression are dropped
	Retain string `json:"Retain"`
	TaskID string `json:"TaskID"`
}

// ApplyCommand request the broker to apply a live configuration change
type ApplyCommand struct {
	// Component the affected component, e.g. Endpoint, MQConnectivity or SNMP
	Component string `json:"Component"`
	// Name the affected object name, when the component has many
	Name string `json:"Name,omitempty"`
	// Enabled the desired state
	Enabled bool `json:"Enabled"`
	// Properties the full configuration of the object
	Properties map[string]interface{} `json:"Properties,omitempty"`
	// Generation configuration generation being applied
	Generation uint64 `json:"Generation"`
}

// CommandPublisher forwards administrative commands to the broker
type CommandPublisher interface {
	// PublishClose request a connection close
	PublishClose(ctxt context.Context, cmd CloseCommand) error
	// PublishPurge request a client purge
	PublishPurge(ctxt context.Context, cmd PurgeCommand) error
	// PublishApply request a live configuration change
	PublishApply(ctxt context.Context, cmd ApplyCommand) error
}

// Command subject suffixes
const (
	closeSubject = "cmd.close"
	purgeSubject = "cmd.purge"
	applySubject = "cmd.apply"
)

// natsCommandPublisher CommandPublisher on top of NATS
type natsCommandPublisher struct {
	common.Component
	client NatsClient
}

// GetNATSCommandPublisher define a CommandPublisher publishing on NATS subjects
func GetNATSCommandPublisher(client NatsClient) CommandPublisher {
	logTags := log.Fields{
		"module": "core", "component": "command-publisher", "instance": client.SubjectPrefix(),
	}
	return &natsCommandPublisher{
		Component: common.Component{LogTags: logTags}, client: client,
	}
}

func (p *natsCommandPublisher) publish(ctxt context.Context, suffix string, cmd interface{}) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", p.client.SubjectPrefix(), suffix)
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if err := p.client.Conn().PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to publish on %s", subject)
		return err
	}
	if err := p.client.Conn().FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to flush %s", subject)
		return err
	}
	return nil
}

// PublishClose request a connection close
func (p *natsCommandPublisher) PublishClose(ctxt context.Context, cmd CloseCommand) error {
	return p.publish(ctxt, closeSubject, cmd)
}

// PublishPurge request a client purge
func (p *natsCommandPublisher) PublishPurge(ctxt context.Context, cmd PurgeCommand) error {
	return p.publish(ctxt, purgeSubject, cmd)
}

// PublishApply request a live configuration change
func (p *natsCommandPublisher) PublishApply(ctxt context.Context, cmd ApplyCommand) error {
	return p.publish(ctxt, applySubject, cmd)
}

// ===============================================================================

// loggingCommandPublisher CommandPublisher used when no broker bridge is configured
type loggingCommandPublisher struct {
	common.Component
}

// GetLoggingCommandPublisher define a CommandPublisher which only logs the commands
func GetLoggingCommandPublisher() CommandPublisher {
	return &loggingCommandPublisher{
		Component: common.Component{
			LogTags: log.Fields{"module": "core", "component": "command-publisher", "instance": "log"},
		},
	}
}

// PublishClose request a connection close
func (p *loggingCommandPublisher) PublishClose(_ context.Context, cmd CloseCommand) error {
	log.WithFields(p.LogTags).Infof("Close connection %s of %s", cmd.ConnectionID, cmd.ClientID)
	return nil
}

// PublishPurge request a client purge
func (p *loggingCommandPublisher) PublishPurge(_ context.Context, cmd PurgeCommand) error {
	log.WithFields(p.LogTags).Infof("Purge client %s", cmd.ClientID)
	return nil
}

// PublishApply request a live configuration change
func (p *loggingCommandPublisher) PublishApply(_ context.Context, cmd ApplyCommand) error {
	log.WithFields(p.LogTags).Infof(
		"Apply %s '%s' enabled=%v generation %d", cmd.Component, cmd.Name, cmd.Enabled, cmd.Generation,
	)
	return nil
}
