package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/management"
	"github.com/alwitt/mqadmin/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Success response
const (
	SuccessCode    = "CWLNA6011"
	SuccessMessage = "The requested configuration change has completed successfully."
)

// maxRequestBody largest accepted JSON request body
const maxRequestBody = 4 << 20

// StandardResponse standard success response
type StandardResponse struct {
	Version string `json:"Version"`
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// ErrorResponse standard error response
type ErrorResponse struct {
	Status   int    `json:"status"`
	Code     string `json:"Code"`
	Message  string `json:"Message"`
	Object   string `json:"Object,omitempty"`
	Name     string `json:"Name,omitempty"`
	Property string `json:"Property,omitempty"`
	Value    string `json:"Value,omitempty"`
	Type     string `json:"Type,omitempty"`
}

// getStdRESTSuccessMsg define a standard success message
func getStdRESTSuccessMsg() StandardResponse {
	return StandardResponse{Version: management.APIVersion, Code: SuccessCode, Message: SuccessMessage}
}

// getStdRESTErrorMsg define a standard error message
func getStdRESTErrorMsg(err error) (int, ErrorResponse) {
	adminErr := common.AsAdminError(err)
	return adminErr.HTTPStatus(), ErrorResponse{
		Status:   adminErr.HTTPStatus(),
		Code:     adminErr.Code(),
		Message:  adminErr.Error(),
		Object:   adminErr.Object,
		Name:     adminErr.Name,
		Property: adminErr.Property,
		Value:    adminErr.Value,
		Type:     adminErr.Type,
	}
}

// ========================================================================================

// orderedField one member of an orderedObject
type orderedField struct {
	key   string
	value interface{}
}

// orderedObject JSON object whose members are rendered in insertion order
type orderedObject []orderedField

// MarshalJSON implements json.Marshaler
func (o orderedObject) MarshalJSON() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for idx, field := range o {
		if idx > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(field.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// versioned wrap a set of response members with the API version
func versioned(fields ...orderedField) orderedObject {
	return append(orderedObject(fields), orderedField{key: "Version", value: management.APIVersion})
}

// ========================================================================================

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
		router.Methods(method).Path("/").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// modifyLogMetadataByRequestParam add the request metadata to the log tags
func modifyLogMetadataByRequestParam(ctxt context.Context, theTags log.Fields) {
	if param, ok := common.RequestParamFromContext(ctxt); ok {
		param.UpdateLogTags(theTags)
	}
}

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
	metrics         *metrics.Collector
}

// defineAPIRestHandler define the base REST handler
func defineAPIRestHandler(
	logTags log.Fields, httpConfig *common.HTTPConfig, collector *metrics.Collector,
) APIRestHandler {
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					modifyLogMetadataByRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
		metrics:         collector,
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", bytes.TrimSpace(p))
	return len(p), nil
}

// AttachRequestID middleware attaching a request ID to an API request. The caller
// provided ID is reused, and echoed on the response.
func (h APIRestHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		if h.requestIDHeader != "" {
			rw.Header().Set(h.requestIDHeader, reqID)
		}
		ctx := common.WithRequestParam(
			r.Context(), common.RequestParam{ID: reqID, Method: r.Method, URI: r.URL.String()},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// reply write a response
func (h APIRestHandler) reply(
	ctxt context.Context, w http.ResponseWriter, respCode int, resp interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(ctxt)).Error("Failed to form response")
	}
}

// replyError write an error response
func (h APIRestHandler) replyError(
	ctxt context.Context, w http.ResponseWriter, err error, msg string,
) {
	respCode, respBody := getStdRESTErrorMsg(err)
	logger := log.WithError(err).WithFields(h.GetLogTagsForContext(ctxt))
	if respCode >= http.StatusInternalServerError {
		logger.Error(msg)
	} else {
		logger.Info(msg)
	}
	h.metrics.RecordAPIError(respBody.Code)
	h.reply(ctxt, w, respCode, respBody)
}
