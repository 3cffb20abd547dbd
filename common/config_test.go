package common

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("badger", cfg.Storage.Driver)
		assert.NotNil(cfg.Storage.Badger)
		assert.Equal(100, cfg.Control.MaxListMembers)
		assert.Equal("/ima/v1", cfg.Endpoints.PathPrefix)
		assert.Nil(cfg.NATS)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
api_server:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
api_server:
  server_config:
    write_timeout_sec: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: driver selected without its parameters
	{
		config := []byte(`---
storage:
  driver: redis`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: redis driver
	{
		config := []byte(`---
storage:
  driver: redis
  redis:
    address: 127.0.0.1:6379
    hash_key: mqadmin`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("127.0.0.1:6379", cfg.Storage.Redis.Address)
	}

	// Case 6: enable the broker bridge
	{
		config := []byte(`---
nats:
  server_uri: nats://127.0.0.1:4222`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		InstallDefaultNATSConfigValues()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.NATS)
		assert.Equal("mqadmin", cfg.NATS.SubjectPrefix)
	}
}

func TestWildcardMatch(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		pattern string
		value   string
		match   bool
	}
	for idx, oneTest := range []testCase{
		{pattern: "client1", value: "client1", match: true},
		{pattern: "client1", value: "client10", match: false},
		{pattern: "client*", value: "client10", match: true},
		{pattern: "client*", value: "client", match: true},
		{pattern: "*", value: "anything", match: true},
		{pattern: "*", value: "", match: true},
		{pattern: "^a-org-uid", value: "a-org-uid", match: false},
		{pattern: "^a-org-uid", value: "^a-org-uid", match: true},
		{pattern: "a*b", value: "a*b", match: true},
		{pattern: "a*b", value: "axxb", match: false},
		{pattern: "a.*", value: "abc", match: false},
		{pattern: "a.*", value: "a.bc", match: true},
		{pattern: "", value: "", match: true},
	} {
		assert.Equalf(oneTest.match, WildcardMatch(oneTest.pattern, oneTest.value), "Case %d", idx)
	}
}

func TestAdminErrorRendering(t *testing.T) {
	assert := assert.New(t)

	// Case 1: invalid value
	{
		err := NewInvalidPropertyValueError("Queue", "TestQueue", "MaxMessages", int64(0))
		assert.Equal("CWLNA0112", err.Code())
		assert.Equal(400, err.HTTPStatus())
		assert.Equal(`The property value is not valid: Property: MaxMessages Value: "0".`, err.Error())
	}

	// Case 2: wrapped errors are recognized
	{
		var err error = NewConnectionNotFoundError()
		assert.True(IsErrorKind(err, ErrKindConnectionNotFound))
		assert.False(IsErrorKind(err, ErrKindNotFound))
		assert.Equal("CWLNA6136", AsAdminError(err).Code())
	}

	// Case 3: plain errors become internal
	{
		converted := AsAdminError(errors.New("disk failure"))
		assert.Equal(ErrKindInternal, converted.Kind)
		assert.Equal(500, converted.HTTPStatus())
	}

	// Case 4: not found
	{
		err := NewNotFoundError("Queue", "missing")
		assert.Equal(404, err.HTTPStatus())
		assert.Equal("CWLNA0136", err.Code())
	}
}

func TestRequestParamContext(t *testing.T) {
	assert := assert.New(t)

	// Case 0: nothing attached
	{
		_, ok := RequestParamFromContext(context.Background())
		assert.False(ok)
	}

	// Case 1: attached parameters become log tags
	{
		ctxt := WithRequestParam(
			context.Background(), RequestParam{ID: "req-1", Method: "GET", URI: "/ima/v1/alive"},
		)
		param, ok := RequestParamFromContext(ctxt)
		assert.True(ok)
		tags := log.Fields{}
		param.UpdateLogTags(tags)
		assert.Equal("req-1", tags["request_id"])
		assert.Equal("GET", tags["request_method"])
		assert.Equal("'/ima/v1/alive'", tags["request_uri"])
	}
}
