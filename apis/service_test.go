// Copyright 2021-2022 The mqadmin Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mqadmin/control"
	"github.com/alwitt/mqadmin/management"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestMonitorAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	env := defineAPITestEnv(t, utCtxt, &wg)

	// Case 0: nothing connected
	{
		for _, objType := range []string{MonitorConnection, MonitorSubscription, MonitorMQTTClient} {
			code, body := env.call(t, "GET", "/monitor/"+objType, "")
			assert.Equal(http.StatusOK, code, body)
			assert.Equal(fmt.Sprintf(`{"%s":[],"Version":"v1"}`, objType), body)
		}
	}

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.registry.Connect(utCtxt, monitor.ConnectEvent{
			ClientID: clientID, Endpoint: "DemoEndpoint", Port: 16102, Protocol: "mqtt",
		})
		assert.Nil(err)
		_, err = env.registry.Subscribe(utCtxt, monitor.SubscribeEvent{
			ClientID: clientID, SubName: "sub", TopicString: "t/" + clientID,
		})
		assert.Nil(err)
	}

	// Case 1: list connections
	{
		code, body := env.call(t, "GET", "/monitor/Connection", "")
		assert.Equal(http.StatusOK, code, body)
		var resp struct {
			Connection []monitor.Connection `json:"Connection"`
		}
		assert.Nil(json.Unmarshal([]byte(body), &resp))
		assert.Len(resp.Connection, 2)
	}

	// Case 2: filter by client
	{
		code, body := env.call(t, "GET", "/monitor/Subscription?ClientID=c2", "")
		assert.Equal(http.StatusOK, code, body)
		var resp struct {
			Subscription []monitor.Subscription `json:"Subscription"`
		}
		assert.Nil(json.Unmarshal([]byte(body), &resp))
		assert.Len(resp.Subscription, 1)
		assert.Equal("t/c2", resp.Subscription[0].TopicString)
	}

	// Case 3: unknown type and filter
	{
		code, body := env.call(t, "GET", "/monitor/Topic", "")
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA0138", errorCode(t, body))
		code, body = env.call(t, "GET", "/monitor/Connection?UserID=u", "")
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA0138", errorCode(t, body))
	}
}

func TestConnectionControlAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	env := defineAPITestEnv(t, utCtxt, &wg)

	for _, clientID := range []string{"c1", "c2", "c3"} {
		_, err := env.registry.Connect(utCtxt, monitor.ConnectEvent{ClientID: clientID})
		assert.Nil(err)
	}

	// Case 0: no criteria
	{
		code, body := env.call(t, "POST", "/service/close/connection", `{}`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA6204", errorCode(t, body))
		code, body = env.call(t, "POST", "/service/close/connection", "")
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA6204", errorCode(t, body))
	}

	// Case 1: not an object
	{
		code, body := env.call(t, "POST", "/service/close/connection", `["c1"]`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA0137", errorCode(t, body))
	}

	// Case 2: close one
	{
		code, body := env.call(t, "POST", "/service/close/connection", `{"ClientID":"c1"}`)
		assert.Equal(http.StatusOK, code, body)
		var resp CloseConnectionResponse
		assert.Nil(json.Unmarshal([]byte(body), &resp))
		assert.Equal(1, resp.Closed)
		assert.Len(env.registry.ListConnections(""), 2)
	}

	// Case 3: nothing matches
	{
		code, body := env.call(t, "POST", "/service/close/connection", `{"ClientID":"c1"}`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA6136", errorCode(t, body))
	}

	// Case 4: delete the client set
	{
		code, body := env.call(t, "DELETE", "/service/ClientSet?ClientID=%5Ec&Retain=%5E", "")
		assert.Equal(http.StatusOK, code, body)
		var resp ClientSetResponse
		assert.Nil(json.Unmarshal([]byte(body), &resp))
		assert.Equal(3, resp.Found)
		assert.Equal("Clients found: 3, Clients deleted: 3, Deletion errors: 0", resp.Message)
		assert.NotEmpty(resp.TaskID)

		assert.Eventually(func() bool {
			code, body := env.call(t, "GET", "/service/task/"+resp.TaskID, "")
			if code != http.StatusOK {
				return false
			}
			var task TaskResponse
			if err := json.Unmarshal([]byte(body), &task); err != nil {
				return false
			}
			return task.Task.State == control.TaskStateComplete
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 5: unknown task
	{
		code, body := env.call(t, "GET", "/service/task/unknown", "")
		assert.Equal(http.StatusNotFound, code)
		assert.Equal("CWLNA0136", errorCode(t, body))
	}
}

func TestServiceAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	env := defineAPITestEnv(t, utCtxt, &wg)

	// Case 0: health
	{
		code, _ := env.call(t, "GET", "/alive", "")
		assert.Equal(http.StatusOK, code)
		code, _ = env.call(t, "GET", "/ready", "")
		assert.Equal(http.StatusOK, code)
	}

	// Case 1: server status
	{
		code, body := env.call(t, "GET", "/service/status/Server", "")
		assert.Equal(http.StatusOK, code, body)
		var resp struct {
			Server management.ServerStatus `json:"Server"`
		}
		assert.Nil(json.Unmarshal([]byte(body), &resp))
		assert.Equal(management.ServerStateRunning, resp.Server.State)
		assert.Greater(resp.Server.ConfigObjects, 0)
	}

	// Case 2: component status
	{
		code, body := env.call(t, "GET", "/service/status/Endpoint", "")
		assert.Equal(http.StatusOK, code, body)
		assert.True(strings.HasPrefix(body, `{"Endpoint":[`), body)
		code, body = env.call(t, "GET", "/service/status/Bogus", "")
		assert.Equal(http.StatusNotFound, code, body)
		code, body = env.call(t, "GET", "/service/status", "")
		assert.Equal(http.StatusOK, code, body)
		assert.True(strings.HasPrefix(body, `{"Server":{`), body)
	}

	// Case 3: bad restart requests
	{
		code, body := env.call(t, "POST", "/service/restart", `{"Service":"Bogus"}`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA0112", errorCode(t, body))
		code, body = env.call(t, "POST", "/service/restart", `{"Service":"Server","Reset":"all"}`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA0112", errorCode(t, body))
		code, body = env.call(t, "POST", "/service/restart", `not json`)
		assert.Equal(http.StatusBadRequest, code)
		assert.Equal("CWLNA0137", errorCode(t, body))
	}

	// Case 4: restart with configuration reset
	{
		code, body := env.call(t, "POST", "/configuration", `{"Queue":{"Q1":{}}}`)
		assert.Equal(http.StatusOK, code, body)
		code, body = env.call(t, "POST", "/service/restart", `{"Service":"Server","Reset":"config"}`)
		assert.Equal(http.StatusOK, code, body)
		assert.Eventually(func() bool {
			code, _ := env.call(t, "GET", "/ready", "")
			return code == http.StatusOK && env.engine.Status().RestartCount == 1
		}, time.Second*5, time.Millisecond*20)
		code, body = env.call(t, "GET", "/configuration/Queue", "")
		assert.Equal(http.StatusOK, code)
		assert.Equal(`{"Queue":{},"Version":"v1"}`, body)
	}

	// Case 5: re-apply a live service
	{
		code, body := env.call(t, "POST", "/service/restart", `{"Service":"SNMP"}`)
		assert.Equal(http.StatusOK, code, body)
	}
}

func TestMetricsAPI(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	env := defineAPITestEnv(t, utCtxt, &wg)

	// Case 0: an error is counted
	{
		code, _ := env.call(t, "GET", "/configuration/Queue/Missing", "")
		assert.Equal(http.StatusNotFound, code)
	}

	// Case 1: metrics are served outside the API prefix
	{
		req, err := http.NewRequest("GET", "/metrics", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		env.router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Contains(respRecorder.Body.String(), "CWLNA0136")
	}
}
