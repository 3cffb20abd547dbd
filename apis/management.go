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
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/control"
	"github.com/alwitt/mqadmin/files"
	"github.com/alwitt/mqadmin/management"
	"github.com/alwitt/mqadmin/metrics"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/alwitt/mqadmin/schema"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestAdminHandler REST handler for broker administration
type APIRestAdminHandler struct {
	APIRestHandler
	engine   management.Engine
	control  control.Service
	registry monitor.Registry
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	engine management.Engine,
	controlSvc control.Service,
	registry monitor.Registry,
	collector *metrics.Collector,
	httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "admin",
	}
	return APIRestAdminHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig, collector),
		engine:         engine,
		control:        controlSvc,
		registry:       registry,
	}, nil
}

// readBody read the request body
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, common.NewMalformedRequestError("the request body is empty")
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, common.NewMalformedRequestError(fmt.Sprintf("unable to read request body: %s", err))
	}
	if int64(len(content)) > limit {
		return nil, common.NewMalformedRequestError("the request body is too large")
	}
	return content, nil
}

// renderProperties render an object's properties in schema order
func renderProperties(objSchema *schema.ObjectSchema, obj schema.Object) orderedObject {
	result := orderedObject{}
	for _, prop := range objSchema.Properties {
		if prop.Transient {
			continue
		}
		if value, ok := obj.Properties[prop.Name]; ok {
			result = append(result, orderedField{key: prop.Name, value: value})
		}
	}
	return result
}

// renderObjects render a set of objects of one type
func renderObjects(objSchema *schema.ObjectSchema, objs []schema.Object) orderedObject {
	var body interface{}
	switch objSchema.Shape {
	case schema.ShapeNamed:
		named := orderedObject{}
		for _, obj := range objs {
			named = append(named, orderedField{key: obj.Name, value: renderProperties(objSchema, obj)})
		}
		body = named
	case schema.ShapeSingleton:
		if len(objs) > 0 {
			body = renderProperties(objSchema, objs[0])
		} else {
			body = orderedObject{}
		}
	case schema.ShapeScalar:
		if len(objs) > 0 {
			body = objs[0].Properties[objSchema.Type]
		}
	}
	return versioned(orderedField{key: objSchema.Type, value: body})
}

// -----------------------------------------------------------------------

// GetConfiguration godoc
// @Summary Query configuration objects
// @Description Query all objects of a configuration type, or one named object
// @tags Configuration
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param objectType path string true "Configuration object type"
// @Param objectName path string false "Configuration object name"
// @Success 200 {object} map[string]interface{} "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 404 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Header 200,400,404,500 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /configuration/{objectType}/{objectName} [get]
func (h APIRestAdminHandler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	objType := vars["objectType"]
	objName, single := vars["objectName"]

	objSchema, ok := h.engine.Registry().Lookup(objType)
	if !ok {
		h.replyError(
			r.Context(), w, common.NewInvalidArgumentNameError("", objType),
			"Unknown configuration object type",
		)
		return
	}

	var objs []schema.Object
	if single && objSchema.Shape == schema.ShapeNamed {
		obj, err := h.engine.Get(objType, objName)
		if err != nil {
			h.replyError(r.Context(), w, err, "Unable to read configuration object")
			return
		}
		objs = []schema.Object{obj}
	} else {
		var err error
		if objs, err = h.engine.List(objType); err != nil {
			h.replyError(r.Context(), w, err, "Unable to read configuration objects")
			return
		}
	}

	h.reply(r.Context(), w, http.StatusOK, renderObjects(objSchema, objs))
}

// GetConfigurationHandler Wrapper around GetConfiguration
func (h APIRestAdminHandler) GetConfigurationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConfiguration(w, r)
	}
}

// -----------------------------------------------------------------------

// ApplyConfiguration godoc
// @Summary Create or update configuration objects
// @Description Create or update any number of configuration objects. The change is
// applied in full or not at all.
// @tags Configuration
// @Accept json
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param objects body map[string]interface{} true "Configuration objects keyed by type"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 404 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Failure 503 {object} ErrorResponse "error"
// @Header 200,400,404,500,503 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /configuration [post]
func (h APIRestAdminHandler) ApplyConfiguration(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	content, err := readBody(r, maxRequestBody)
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to read request body")
		return
	}
	requests, err := management.DecodeMutation(h.engine.Registry(), content)
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to parse configuration request")
		return
	}
	result, err := h.engine.Apply(r.Context(), requests)
	if err != nil {
		h.replyError(r.Context(), w, err, "Configuration change rejected")
		return
	}

	log.WithFields(localLogTags).Debugf(
		"Configuration applied: %d created, %d updated", len(result.Created), len(result.Updated),
	)
	h.reply(r.Context(), w, http.StatusOK, getStdRESTSuccessMsg())
}

// ApplyConfigurationHandler Wrapper around ApplyConfiguration
func (h APIRestAdminHandler) ApplyConfigurationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ApplyConfiguration(w, r)
	}
}

// -----------------------------------------------------------------------

// parseBoolParam parse an optional "true" / "false" query parameter
func parseBoolParam(r *http.Request, param string) (bool, error) {
	raw := r.URL.Query().Get(param)
	switch strings.ToLower(raw) {
	case "":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, common.NewInvalidPropertyValueError("", "", param, raw)
}

// DeleteConfiguration godoc
// @Summary Delete a configuration object
// @Description Delete one named configuration object. Objects still referenced are only
// deleted when Force is set.
// @tags Configuration
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param objectType path string true "Configuration object type"
// @Param objectName path string true "Configuration object name"
// @Param Force query bool false "Delete even if the object is in use"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 404 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Failure 503 {object} ErrorResponse "error"
// @Header 200,400,404,500,503 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /configuration/{objectType}/{objectName} [delete]
func (h APIRestAdminHandler) DeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	objType := vars["objectType"]
	objName := vars["objectName"]

	force, err := parseBoolParam(r, "Force")
	if err != nil {
		h.replyError(r.Context(), w, err, "Invalid Force parameter")
		return
	}
	if err := h.engine.Delete(r.Context(), objType, objName, force); err != nil {
		h.replyError(r.Context(), w, err, "Configuration delete rejected")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, getStdRESTSuccessMsg())
}

// DeleteConfigurationHandler Wrapper around DeleteConfiguration
func (h APIRestAdminHandler) DeleteConfigurationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteConfiguration(w, r)
	}
}

// -----------------------------------------------------------------------

// UploadFile godoc
// @Summary Upload a file
// @Description Upload a certificate or key file to the staging area, where a
// CertificateProfile can claim it
// @tags Configuration
// @Accept octet-stream
// @Produce json
// @Param Mqadmin-Request-ID header string false "User provided request ID to match against logs"
// @Param fileName path string true "File name"
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {object} ErrorResponse "error"
// @Failure 500 {object} ErrorResponse "error"
// @Header 200,400,500 {string} Mqadmin-Request-ID "Request ID to match against logs"
// @Router /file/{fileName} [put]
func (h APIRestAdminHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	fileName := mux.Vars(r)["fileName"]
	content, err := readBody(r, files.MaxFileSize+1)
	if err != nil {
		h.replyError(r.Context(), w, err, "Unable to read uploaded file")
		return
	}
	if err := h.engine.Upload(r.Context(), fileName, content); err != nil {
		h.replyError(r.Context(), w, err, "File upload rejected")
		return
	}
	h.reply(r.Context(), w, http.StatusOK, getStdRESTSuccessMsg())
}

// UploadFileHandler Wrapper around UploadFile
func (h APIRestAdminHandler) UploadFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UploadFile(w, r)
	}
}
