// Package schema holds the declarative description of every configuration object type
// and validates create / update requests against it.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind property value kind
type Kind int

// Supported property value kinds
const (
	KindBool Kind = iota
	KindInt
	KindString
	KindEnum
	KindStringList
)

// Shape how the objects of a type are addressed
type Shape int

// Supported object shapes
const (
	// ShapeNamed many objects per type, addressed by name
	ShapeNamed Shape = iota
	// ShapeSingleton exactly one object per type with many properties
	ShapeSingleton
	// ShapeScalar exactly one value per type
	ShapeScalar
)

// PropertySpec the rules governing one property of an object type
type PropertySpec struct {
	// Name property name
	Name string
	// Kind value kind
	Kind Kind
	// Required must be given on create, and may not be reset
	Required bool
	// Default value applied on create, and when reset with null. nil means no default.
	Default interface{}
	// HasRange whether Min and Max apply
	HasRange bool
	// Min inclusive lower bound for KindInt
	Min int64
	// Max inclusive upper bound for KindInt
	Max int64
	// MaxLen max rune count of a string value. Zero is unlimited.
	MaxLen int
	// Enum allowed values for KindEnum, or list members for KindStringList
	Enum []string
	// NotSettable may never appear in a request
	NotSettable bool
	// ReadOnly computed by the server, rendered but never accepted
	ReadOnly bool
	// Transient accepted in a request, never persisted
	Transient bool
	// Ref the object type this property refers to by name
	Ref string
	// LiveApplied changes take effect on the running broker without restart
	LiveApplied bool
}

// ObjectSchema the rules governing one configuration object type
type ObjectSchema struct {
	// Type object type name
	Type string
	// Shape addressing shape
	Shape Shape
	// NameMaxLen max rune count of an object name, for ShapeNamed
	NameMaxLen int
	// ResetExempt not restored to a default on configuration reset
	ResetExempt bool
	// Properties ordered property rules
	Properties []PropertySpec
	index      map[string]int
}

// Property lookup the rule of a property
func (s *ObjectSchema) Property(name string) (*PropertySpec, bool) {
	idx, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return &s.Properties[idx], true
}

// References the properties holding references to other objects
func (s *ObjectSchema) References() []PropertySpec {
	result := []PropertySpec{}
	for _, prop := range s.Properties {
		if prop.Ref != "" {
			result = append(result, prop)
		}
	}
	return result
}

// Defaults the property bag of a freshly created object with no supplied properties
func (s *ObjectSchema) Defaults() map[string]interface{} {
	result := map[string]interface{}{}
	for _, prop := range s.Properties {
		if prop.Default != nil && !prop.Transient {
			result[prop.Name] = copyValue(prop.Default)
		}
	}
	return result
}

// Normalize converts property values decoded from storage back to their canonical Go
// types: int64 for KindInt and []string for KindStringList.
func (s *ObjectSchema) Normalize(props map[string]interface{}) map[string]interface{} {
	result := map[string]interface{}{}
	for name, value := range props {
		spec, ok := s.Property(name)
		if !ok {
			result[name] = value
			continue
		}
		switch spec.Kind {
		case KindInt:
			if parsed, ok := toInt64(value); ok {
				result[name] = parsed
				continue
			}
		case KindStringList:
			if parsed, ok := toStringList(value); ok {
				result[name] = parsed
				continue
			}
		}
		result[name] = value
	}
	return result
}

// Object one configuration object
type Object struct {
	// Type object type
	Type string `json:"type"`
	// Name object name. Empty for singleton and scalar types.
	Name string `json:"name"`
	// Properties property bag
	Properties map[string]interface{} `json:"properties"`
}

// Copy deep copy the object
func (o Object) Copy() Object {
	props := make(map[string]interface{}, len(o.Properties))
	for k, v := range o.Properties {
		props[k] = copyValue(v)
	}
	return Object{Type: o.Type, Name: o.Name, Properties: props}
}

// StringValue fetch a string property. Empty if absent.
func (o Object) StringValue(property string) string {
	if v, ok := o.Properties[property].(string); ok {
		return v
	}
	return ""
}

// BoolValue fetch a boolean property
func (o Object) BoolValue(property string) (bool, bool) {
	v, ok := o.Properties[property].(bool)
	return v, ok
}

// ListValue fetch a string list property
func (o Object) ListValue(property string) []string {
	if v, ok := toStringList(o.Properties[property]); ok {
		return v
	}
	return nil
}

// ===============================================================================

// Registry the set of known object schemas
type Registry struct {
	schemas map[string]*ObjectSchema
	order   []string
}

// NewRegistry define a registry from a set of schemas
func NewRegistry(schemas ...ObjectSchema) (*Registry, error) {
	reg := &Registry{schemas: map[string]*ObjectSchema{}, order: []string{}}
	for _, oneSchema := range schemas {
		entry := oneSchema
		if _, ok := reg.schemas[entry.Type]; ok {
			return nil, fmt.Errorf("object type %s defined twice", entry.Type)
		}
		entry.index = map[string]int{}
		for idx, prop := range entry.Properties {
			if _, ok := entry.index[prop.Name]; ok {
				return nil, fmt.Errorf("property %s.%s defined twice", entry.Type, prop.Name)
			}
			entry.index[prop.Name] = idx
		}
		if entry.Shape == ShapeScalar && len(entry.Properties) != 1 {
			return nil, fmt.Errorf("scalar type %s must have exactly one property", entry.Type)
		}
		reg.schemas[entry.Type] = &entry
		reg.order = append(reg.order, entry.Type)
	}
	for _, oneSchema := range reg.schemas {
		for _, prop := range oneSchema.References() {
			if _, ok := reg.schemas[prop.Ref]; !ok {
				return nil, fmt.Errorf(
					"%s.%s refers to unknown type %s", oneSchema.Type, prop.Name, prop.Ref,
				)
			}
		}
	}
	return reg, nil
}

// Lookup fetch the schema of an object type
func (r *Registry) Lookup(objType string) (*ObjectSchema, bool) {
	s, ok := r.schemas[objType]
	return s, ok
}

// Types the known object types, in definition order
func (r *Registry) Types() []string {
	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// ReferencedBy list the (type, property) pairs referring to the given type
func (r *Registry) ReferencedBy(target string) map[string][]string {
	result := map[string][]string{}
	for _, objType := range r.order {
		for _, prop := range r.schemas[objType].References() {
			if prop.Ref == target {
				result[objType] = append(result[objType], prop.Name)
			}
		}
	}
	for objType := range result {
		sort.Strings(result[objType])
	}
	return result
}

// ===============================================================================

func copyValue(v interface{}) interface{} {
	if list, ok := v.([]string); ok {
		dup := make([]string, len(list))
		copy(dup, list)
		return dup
	}
	return v
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func toStringList(value interface{}) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, entry := range v {
			asString, ok := entry.(string)
			if !ok {
				return nil, false
			}
			result = append(result, asString)
		}
		return result, true
	case string:
		return splitList(v), true
	}
	return nil, false
}

// splitList split a comma separated list, dropping blank members
func splitList(value string) []string {
	result := []string{}
	for _, entry := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// JSONTypeTag the JSON type tag of a decoded JSON value
func JSONTypeTag(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "JSON_NULL"
	case bool:
		if v {
			return "JSON_TRUE"
		}
		return "JSON_FALSE"
	case json.Number:
		if _, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return "JSON_INTEGER"
		}
		return "JSON_REAL"
	case float64:
		if v == float64(int64(v)) {
			return "JSON_INTEGER"
		}
		return "JSON_REAL"
	case int, int32, int64:
		return "JSON_INTEGER"
	case string:
		return "JSON_STRING"
	case map[string]interface{}:
		return "JSON_OBJECT"
	case []interface{}, []string:
		return "JSON_ARRAY"
	}
	return "JSON_NULL"
}
