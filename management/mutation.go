package management

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/schema"
)

// APIVersion version tag carried by every request and response body
const APIVersion = "v1"

// versionKey top level key holding the API version
const versionKey = "Version"

// DecodeMutation decode a configuration POST body into a list of object requests.
//
// Named types map object names to property bags; singleton types carry one property
// bag; scalar types carry the value directly.
func DecodeMutation(registry *schema.Registry, raw []byte) ([]schema.Request, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var body interface{}
	if err := decoder.Decode(&body); err != nil {
		return nil, common.NewMalformedRequestError("the request body is not valid JSON")
	}
	topLevel, ok := body.(map[string]interface{})
	if !ok {
		return nil, common.NewMalformedRequestError("the request body must be a JSON object")
	}

	types := make([]string, 0, len(topLevel))
	for objType := range topLevel {
		if objType == versionKey {
			continue
		}
		types = append(types, objType)
	}
	sort.Strings(types)
	if len(types) == 0 {
		return nil, common.NewMalformedRequestError("no configuration object is specified")
	}

	requests := []schema.Request{}
	for _, objType := range types {
		objSchema, ok := registry.Lookup(objType)
		if !ok {
			return nil, common.NewInvalidArgumentNameError("", objType)
		}
		value := topLevel[objType]
		switch objSchema.Shape {
		case schema.ShapeNamed:
			entries, ok := value.(map[string]interface{})
			if !ok {
				return nil, common.NewMalformedRequestError(
					fmt.Sprintf("%s must map object names to properties", objType),
				)
			}
			names := make([]string, 0, len(entries))
			for name := range entries {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				props, ok := entries[name].(map[string]interface{})
				if !ok {
					return nil, common.NewMalformedRequestError(
						fmt.Sprintf("the properties of %s %s must be a JSON object", objType, name),
					)
				}
				requests = append(requests, schema.Request{Type: objType, Name: name, Properties: props})
			}

		case schema.ShapeSingleton:
			props, ok := value.(map[string]interface{})
			if !ok {
				return nil, common.NewMalformedRequestError(
					fmt.Sprintf("the properties of %s must be a JSON object", objType),
				)
			}
			requests = append(requests, schema.Request{Type: objType, Properties: props})

		case schema.ShapeScalar:
			requests = append(requests, schema.Request{
				Type: objType, Properties: map[string]interface{}{objSchema.Properties[0].Name: value},
			})
		}
	}
	return requests, nil
}
