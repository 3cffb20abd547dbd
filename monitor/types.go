// Package monitor tracks the live operational state of the broker: connections,
// subscriptions, durable MQTT client identities and retained topics.
package monitor

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Connection one active transport connection
type Connection struct {
	// Name the ClientID of the connection
	Name string `json:"Name"`
	// ConnectionID unique ID of this connection
	ConnectionID string `json:"ConnectionID"`
	// Endpoint the endpoint the client connected through
	Endpoint string `json:"Endpoint"`
	// Port the endpoint port
	Port int `json:"Port"`
	// Protocol the client protocol
	Protocol string `json:"Protocol"`
	// UserID the authenticated user
	UserID string `json:"UserId"`
	// ClientAddr the client network address
	ClientAddr string `json:"ClientAddr"`
	// ConnectionPolicy the connection policy admitting the client
	ConnectionPolicy string `json:"ConnectionPolicy,omitempty"`
	// MessagingPolicies the messaging policies in effect for the connection
	MessagingPolicies []string `json:"MessagingPolicies,omitempty"`
	// ConnectTime connection time, RFC3339
	ConnectTime string `json:"ConnectTime"`
	// Durable whether the client session outlives the connection
	Durable bool `json:"Durable"`
}

// Subscription one topic subscription
type Subscription struct {
	SubName         string `json:"SubName"`
	TopicString     string `json:"TopicString"`
	ClientID        string `json:"ClientID"`
	IsDurable       bool   `json:"IsDurable"`
	MaxMessages     int64  `json:"MaxMessages"`
	MessagingPolicy string `json:"MessagingPolicy"`
	BufferedMsgs    int64  `json:"BufferedMsgs"`
}

// MQTTClient one durable MQTT client identity
type MQTTClient struct {
	ClientID          string `json:"ClientID"`
	IsConnected       bool   `json:"IsConnected"`
	LastConnectedTime string `json:"LastConnectedTime"`
	Endpoint          string `json:"Endpoint"`
}

// Counts size of the live state
type Counts struct {
	Connections   int
	Subscriptions int
	MQTTClients   int
	Retained      int
}

// PurgeResult what was removed when purging one client
type PurgeResult struct {
	// Disconnected whether a live connection was dropped
	Disconnected bool
	// Subscriptions number of subscriptions removed
	Subscriptions int
	// Retained number of retained topics removed
	Retained int
}

// ===============================================================================
// Ingestion events

// ConnectEvent a client connected
type ConnectEvent struct {
	ConnectionID      string   `json:"ConnectionID"`
	ClientID          string   `json:"ClientID"`
	Endpoint          string   `json:"Endpoint"`
	Port              int      `json:"Port"`
	Protocol          string   `json:"Protocol"`
	UserID            string   `json:"UserID"`
	ClientAddr        string   `json:"ClientAddr"`
	ConnectionPolicy  string   `json:"ConnectionPolicy"`
	MessagingPolicies []string `json:"MessagingPolicies"`
	// CleanSession non durable session
	CleanSession bool `json:"CleanSession"`
}

// DisconnectEvent a client disconnected. Either field identifies the connection.
type DisconnectEvent struct {
	ConnectionID string `json:"ConnectionID"`
	ClientID     string `json:"ClientID"`
}

// SubscribeEvent a client subscribed
type SubscribeEvent struct {
	ClientID        string `json:"ClientID"`
	SubName         string `json:"SubName"`
	TopicString     string `json:"TopicString"`
	MessagingPolicy string `json:"MessagingPolicy"`
	MaxMessages     int64  `json:"MaxMessages"`
	BufferedMsgs    int64  `json:"BufferedMsgs"`
}

// UnsubscribeEvent a client removed a subscription
type UnsubscribeEvent struct {
	ClientID string `json:"ClientID"`
	SubName  string `json:"SubName"`
}

// RetainEvent a retained message was set on, or cleared from, a topic
type RetainEvent struct {
	TopicString string `json:"TopicString"`
	ClientID    string `json:"ClientID"`
	Clear       bool   `json:"Clear"`
}

// ===============================================================================
// Persisted records

// clientRecord persisted durable client
type clientRecord struct {
	Seq               uint64 `json:"seq"`
	ClientID          string `json:"client_id"`
	LastConnectedTime string `json:"last_connected"`
	Endpoint          string `json:"endpoint"`
}

// Scan implements the sql.Scanner interface
func (r *clientRecord) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// Value implements the sql/driver.Valuer interface
func (r clientRecord) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

// subscriptionRecord persisted durable subscription
type subscriptionRecord struct {
	Seq          uint64       `json:"seq"`
	Subscription Subscription `json:"subscription"`
}

// Scan implements the sql.Scanner interface
func (r *subscriptionRecord) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// Value implements the sql/driver.Valuer interface
func (r subscriptionRecord) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

// retainedRecord persisted retained topic origin
type retainedRecord struct {
	Seq         uint64 `json:"seq"`
	TopicString string `json:"topic"`
	ClientID    string `json:"client_id"`
}

// Scan implements the sql.Scanner interface
func (r *retainedRecord) Scan(src interface{}) error {
	return scanJSON(src, r)
}

// Value implements the sql/driver.Valuer interface
func (r retainedRecord) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

func scanJSON(src interface{}, target interface{}) error {
	raw, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(raw, target)
}
