package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to the NATS server bridging the broker
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
	// SubjectPrefix is the prefix of the broker event and command subjects
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config"`
}

// AdminEndpointConfig defines admin API endpoint config
type AdminEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the admin APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is the path serving the Prometheus metrics. Empty disables it.
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path"`
}

// ===============================================================================
// Storage Related Config

// BadgerConfig defines the badger KV store parameters
type BadgerConfig struct {
	// Path is the directory holding the badger files
	Path string `mapstructure:"path" json:"path" validate:"required_without=InMemory"`
	// InMemory run badger without touching disk
	InMemory bool `mapstructure:"in_memory" json:"in_memory"`
	// GCInterval is the value log GC interval in seconds
	GCInterval int `mapstructure:"gc_interval_sec" json:"gc_interval_sec" validate:"gte=1"`
	// GCDiscardRatio is the value log GC discard ratio
	GCDiscardRatio float64 `mapstructure:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

// BoltConfig defines the bbolt KV store parameters
type BoltConfig struct {
	// Path is the bbolt DB file
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// Bucket is the bucket holding the records
	Bucket string `mapstructure:"bucket" json:"bucket" validate:"required"`
	// OpenTimeout is the max wait for the DB file lock in seconds
	OpenTimeout int `mapstructure:"open_timeout_sec" json:"open_timeout_sec" validate:"gte=1"`
}

// PebbleConfig defines the pebble KV store parameters
type PebbleConfig struct {
	// Path is the directory holding the pebble files
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// Sync whether every write is synced to disk
	Sync bool `mapstructure:"sync" json:"sync"`
}

// RedisConfig defines the redis KV store parameters
type RedisConfig struct {
	// Address is the redis server host:port
	Address string `mapstructure:"address" json:"address" validate:"required"`
	// Password is the redis AUTH password
	Password string `mapstructure:"password" json:"-"`
	// DB is the redis DB index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// HashKey is the redis hash holding the records
	HashKey string `mapstructure:"hash_key" json:"hash_key" validate:"required"`
}

// StorageConfig defines the durable KV store parameters
type StorageConfig struct {
	// Driver selects the KV store implementation
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=badger bolt pebble redis"`
	// Badger badger driver parameters
	Badger *BadgerConfig `mapstructure:"badger,omitempty" json:"badger,omitempty" validate:"required_if=Driver badger"`
	// Bolt bbolt driver parameters
	Bolt *BoltConfig `mapstructure:"bolt,omitempty" json:"bolt,omitempty" validate:"required_if=Driver bolt"`
	// Pebble pebble driver parameters
	Pebble *PebbleConfig `mapstructure:"pebble,omitempty" json:"pebble,omitempty" validate:"required_if=Driver pebble"`
	// Redis redis driver parameters
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"required_if=Driver redis"`
}

// ===============================================================================
// File Store Related Config

// LocalFilesConfig defines local directory file store parameters
type LocalFilesConfig struct {
	// StagingDir is where uploaded files land before a configuration object claims them
	StagingDir string `mapstructure:"staging_dir" json:"staging_dir" validate:"required"`
	// KeystoreDir is where claimed certificate and key files are kept
	KeystoreDir string `mapstructure:"keystore_dir" json:"keystore_dir" validate:"required"`
}

// S3FilesConfig defines S3 backed file store parameters
type S3FilesConfig struct {
	// Bucket is the S3 bucket
	Bucket string `mapstructure:"bucket" json:"bucket" validate:"required"`
	// Prefix is prepended to all object keys
	Prefix string `mapstructure:"prefix" json:"prefix"`
	// Region is the S3 region
	Region string `mapstructure:"region" json:"region" validate:"required"`
	// Endpoint is an optional S3 compatible endpoint URL
	Endpoint string `mapstructure:"endpoint" json:"endpoint" validate:"omitempty,url"`
	// AccessKeyID is the S3 access key
	AccessKeyID string `mapstructure:"access_key_id" json:"-"`
	// SecretAccessKey is the S3 secret key
	SecretAccessKey string `mapstructure:"secret_access_key" json:"-"`
	// UsePathStyle use path style addressing
	UsePathStyle bool `mapstructure:"use_path_style" json:"use_path_style"`
}

// FilesConfig defines where uploaded certificate and key files live
type FilesConfig struct {
	// Driver selects the file store implementation
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=local s3"`
	// Local local directory parameters
	Local *LocalFilesConfig `mapstructure:"local,omitempty" json:"local,omitempty" validate:"required_if=Driver local"`
	// S3 S3 parameters
	S3 *S3FilesConfig `mapstructure:"s3,omitempty" json:"s3,omitempty" validate:"required_if=Driver s3"`
}

// ===============================================================================
// Live Control Related Config

// ControlConfig defines connection control parameters
type ControlConfig struct {
	// MaxListMembers is the max number of values a close connection filter list may carry
	MaxListMembers int `mapstructure:"max_list_members" json:"max_list_members" validate:"gte=1"`
	// PurgeWorkers is the number of parallel client-set purge workers
	PurgeWorkers int `mapstructure:"purge_workers" json:"purge_workers" validate:"gte=1"`
	// TaskBuffer is the depth of the purge task queue
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// TaskRetention is how long finished task records are kept in seconds
	TaskRetention int `mapstructure:"task_retention_sec" json:"task_retention_sec" validate:"gte=1"`
}

// MonitorConfig defines runtime status registry parameters
type MonitorConfig struct {
	// ConnectionRefreshInterval is the connection list snapshot refresh interval in
	// milliseconds. Zero serves the live list.
	ConnectionRefreshInterval int `mapstructure:"connection_refresh_ms" json:"connection_refresh_ms" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the admin server
type SystemConfig struct {
	// NATS are the NATS related config parameters. Without it, the broker bridge is disabled.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	// HTTPSetting is the HTTP API / server parameters for the admin API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server"`
	// Endpoints is the API endpoint config parameters for the admin API server
	Endpoints AdminEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config"`
	// Storage is the durable KV store config
	Storage StorageConfig `mapstructure:"storage" json:"storage"`
	// Files is the certificate and key file store config
	Files FilesConfig `mapstructure:"files" json:"files"`
	// Control is the connection control config
	Control ControlConfig `mapstructure:"control" json:"control"`
	// Monitor is the runtime status registry config
	Monitor MonitorConfig `mapstructure:"monitor" json:"monitor"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default admin server settings
	viper.SetDefault("endpoint_config.path_prefix", "/ima/v1")
	viper.SetDefault("endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 9089)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Mqadmin-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default storage settings
	viper.SetDefault("storage.driver", "badger")
	viper.SetDefault("storage.badger.path", "./data/config")
	viper.SetDefault("storage.badger.in_memory", false)
	viper.SetDefault("storage.badger.gc_interval_sec", 300)
	viper.SetDefault("storage.badger.gc_discard_ratio", 0.5)

	// Default file store settings
	viper.SetDefault("files.driver", "local")
	viper.SetDefault("files.local.staging_dir", "./data/userfiles")
	viper.SetDefault("files.local.keystore_dir", "./data/keystore")

	// Default control settings
	viper.SetDefault("control.max_list_members", 100)
	viper.SetDefault("control.purge_workers", 2)
	viper.SetDefault("control.task_buffer", 64)
	viper.SetDefault("control.task_retention_sec", 600)

	// Default monitor settings
	viper.SetDefault("monitor.connection_refresh_ms", 500)
}

// InstallDefaultNATSConfigValues installs default NATS parameters in viper. Only called
// when the broker bridge is enabled.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "mqadmin")
}
