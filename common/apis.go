package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// RequestParam is a helper object for logging an admin API request's parameters into
// its context
type RequestParam struct {
	// ID is the request ID, either caller supplied or generated
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET
	Method string `json:"method" `
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

type requestParamKey struct{}

// WithRequestParam attach the request parameters to a context
func WithRequestParam(ctxt context.Context, param RequestParam) context.Context {
	return context.WithValue(ctxt, requestParamKey{}, param)
}

// RequestParamFromContext fetch the request parameters attached to a context
func RequestParamFromContext(ctxt context.Context) (RequestParam, bool) {
	param, ok := ctxt.Value(requestParamKey{}).(RequestParam)
	return param, ok
}
