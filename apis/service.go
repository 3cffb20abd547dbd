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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/control"
	"github.com/alwitt/mqadmin/management"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// Monitor object types
const (
	MonitorConnection   = "Connection"
	MonitorSubscription = "Subscription"
	MonitorMQTTClient   = "MQTTClient"
)

// ClientSetResponse response for a client set deletion
type ClientSetResponse struct {
	StandardResponse
	TaskID  string `json:"TaskID"`
	Found   int    `json:"Found"`
	Deleted int    `json:"Deleted"`
	Errors  int    `json:"Errors"`
	Pending int    `json:"Pending"`
}

// DeleteClientSet godoc
// @Summary Delete a set of durable clients
// @Description Delete the disconnected MQTT clients whose ClientID matches the ClientID
// pattern. Clients are hidden at once, and purged in the background.
// @tags Service
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param ClientID query string true "ClientID pattern"
// @Param Retain query string false "Retained message topic pattern to keep"
// @Success 200 {object} ClientSetResponse "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Header 200,400,500 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /service/ClientSet [delete]
func (h APIRestAdminHandler) DeleteClientSet(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.serving(); err != nil {
		h.replyError(r.Context(), w, err, "Client set deletion rejected")
		return
	}
	result, err := h.control.DeleteClientSet(r.Context(), r.URL.Query())
	if err != nil {
		h.replyError(r.Context(), w, err, "Client set deletion rejected")
		return
	}
	log.WithFields(localLogTags).Infof("Client set deletion %s: %s", result.TaskID, result.Message())
	h.reply(r.Context(), w, http.StatusOK, ClientSetResponse{
		StandardResponse: StandardResponse{
			Version: management.APIVersion, Code: SuccessCode, Message: result.Message(),
		},
		TaskID:  result.TaskID,
		Found:   result.Found,
		Deleted: result.Deleted,
		Errors:  result.Errors,
		Pending: result.Pending,
	})
}

// DeleteClientSetHandler Wrapper around DeleteClientSet
func (h APIRestAdminHandler) DeleteClientSetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteClientSet(w, r)
	}
}

// -----------------------------------------------------------------------

// TaskResponse response for a task query
type TaskResponse struct {
	Version string             `json:"Version"`
	Task    control.TaskStatus `json:"Task"`
}

// GetTask godoc
// @Summary Query a client set deletion task
// @Description Query the progress of a client set deletion
// @tags Service
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param taskID path string true "Task ID"
// @Success 200 {object} TaskResponse "success"
// @Failure 404 {object} ErrorResponse "error"
// @Header 200,404 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /service/task/{taskID} [get]
func (h APIRestAdminHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.control.GetTask(mux.Vars(r)["taskID"])
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to read task")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, TaskResponse{Version: management.APIVersion, Task: task})
}

// GetTaskHandler Wrapper around GetTask
func (h APIRestAdminHandler) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetTask(w, r)
	}
}

// -----------------------------------------------------------------------

// CloseConnectionResponse response for a connection close
type CloseConnectionResponse struct {
	StandardResponse
	Closed int `json:"Closed"`
}

// CloseConnection godoc
// @Summary Close live connections
// @Description Close every live connection matching all of the given criteria
// @tags Service
// @Accept json
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param filter body map[string]interface{} true "Connection filter criteria"
// @Success 200 {object} CloseConnectionResponse "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 404 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Header 200,400,404,500 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /service/close/connection [post]
func (h APIRestAdminHandler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.serving(); err != nil {
		h.replyError(r.Context(), w, err, "Connection close rejected")
		return
	}
	content, err := readBody(r, maxRequestBody)
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to read request body")
		return
	}
	filter := map[string]interface{}{}
	if len(bytes.TrimSpace(content)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.UseNumber()
		if err := decoder.Decode(&filter); err != nil {
			h.replyError(
				r.Context(), w, common.NewMalformedRequestError("the filter must be a JSON object"),
				"Unable to parse connection filter",
			)
			return
		}
	}
	delete(filter, "Version")

	closed, err := h.control.CloseConnections(r.Context(), filter)
	if err != nil {
		h.replyError(r.Context(), w, err, "Connection close rejected")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, CloseConnectionResponse{
		StandardResponse: StandardResponse{
			Version: management.APIVersion,
			Code:    SuccessCode,
			Message: fmt.Sprintf("Connections closed: %d", closed),
		},
		Closed: closed,
	})
}

// CloseConnectionHandler Wrapper around CloseConnection
func (h APIRestAdminHandler) CloseConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CloseConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// RestartService godoc
// @Summary Restart a service
// @Description Restart the server, or re-apply the MQConnectivity or SNMP service
// @tags Service
// @Accept json
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param request body management.RestartRequest true "Restart parameters"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Failure 503 {object} ErrorResponse "error"
// @Header 200,400,500,503 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /service/restart [post]
func (h APIRestAdminHandler) RestartService(w http.ResponseWriter, r *http.Request) {
	content, err := readBody(r, maxRequestBody)
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to read request body")
		return
	}
	var request management.RestartRequest
	if err := json.Unmarshal(content, &request); err != nil {
		h.replyError(
			r.Context(), w, common.NewMalformedRequestError("the restart request is not valid JSON"),
			"Unable to parse restart request",
		)
		return
	}
	if err := h.engine.Restart(r.Context(), request); err != nil {
		h.replyError(r.Context(), w, err, "Restart rejected")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, getStdRESTSuccessMsg())
}

// RestartServiceHandler Wrapper around RestartService
func (h APIRestAdminHandler) RestartServiceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RestartService(w, r)
	}
}

// -----------------------------------------------------------------------

// ServiceStatus godoc
// @Summary Query service status
// @Description Query the state of the server, or of the live components
// @tags Service
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param component path string false "Server, Endpoint, MQConnectivity or SNMP"
// @Success 200 {object} map[string]interface{} "success"
// @Failure 404 {object} ErrorResponse "error"
// @Header 200,404 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /service/status/{component} [get]
func (h APIRestAdminHandler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	component, single := mux.Vars(r)["component"]
	if !single {
		all, err := h.engine.ComponentStatus("")
		if err != nil {
			h.replyError(r.Context(), w, err, "Unable to read component status")
			return
		}
		h.reply(r.Context(), w, http.StatusOK, versioned(
			orderedField{key: management.ServiceServer, value: h.engine.Status()},
			orderedField{key: "Components", value: all},
		))
		return
	}
	if component == management.ServiceServer {
		h.reply(r.Context(), w, http.StatusOK, versioned(
			orderedField{key: management.ServiceServer, value: h.engine.Status()},
		))
		return
	}
	status, err := h.engine.ComponentStatus(component)
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to read component status")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, versioned(orderedField{key: component, value: status}))
}

// ServiceStatusHandler Wrapper around ServiceStatus
func (h APIRestAdminHandler) ServiceStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServiceStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// MonitorObjects godoc
// @Summary Query runtime status
// @Description Query the live connections, the subscriptions, or the MQTT clients
// @tags Monitor
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param objectType path string true "Connection, Subscription or MQTTClient"
// @Param ClientID query string false "Only list entries of this ClientID"
// @Success 200 {object} map[string]interface{} "success"
// @Failure 400 {object} ErrorResponse "error"
// @Header 200,400 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /monitor/{objectType} [get]
func (h APIRestAdminHandler) MonitorObjects(w http.ResponseWriter, r *http.Request) {
	objType := mux.Vars(r)["objectType"]
	for param := range r.URL.Query() {
		if param != "ClientID" {
			h.replyError(
				r.Context(), w, common.NewInvalidArgumentNameError(objType, param),
				"Unknown monitor filter",
			)
			return
		}
	}
	clientFilter := r.URL.Query().Get("ClientID")

	var entries interface{}
	switch objType {
	case MonitorConnection:
		entries = h.registry.ListConnections(clientFilter)
	case MonitorSubscription:
		entries = h.registry.ListSubscriptions(clientFilter)
	case MonitorMQTTClient:
		entries = h.registry.ListMQTTClients(clientFilter)
	default:
		h.replyError(
			r.Context(), w, common.NewInvalidArgumentNameError("", objType), "Unknown monitor type",
		)
		return
	}
	h.reply(r.Context(), w, http.StatusOK, versioned(orderedField{key: objType, value: entries}))
}

// MonitorObjectsHandler Wrapper around MonitorObjects
func (h APIRestAdminHandler) MonitorObjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.MonitorObjects(w, r)
	}
}

// =======================================================================
// Health

// serving whether the server accepts runtime operations
func (h APIRestAdminHandler) serving() error {
	if h.engine.Status().State != management.ServerStateRunning {
		return common.NewServerBusyError()
	}
	return nil
}

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Router /alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(r.Context(), w, http.StatusOK, StandardResponse{
		Version: management.APIVersion, Code: SuccessCode, Message: "alive",
	})
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the server is running, not restarting
// @tags Health
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 503 {object} ErrorResponse "error"
// @Router /ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.serving(); err != nil {
		h.replyError(r.Context(), w, err, "Server not ready")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, StandardResponse{
		Version: management.APIVersion, Code: SuccessCode, Message: "ready",
	})
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
