package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alwitt/mqadmin/common"
	"github.com/go-playground/validator/v10"
)

// Request one create or update request for a configuration object
type Request struct {
	// Type object type
	Type string
	// Name object name. Empty for singleton and scalar types.
	Name string
	// Properties supplied properties, as decoded from JSON with UseNumber. A present key
	// with a nil value resets the property to its default.
	Properties map[string]interface{}
}

// Result outcome of a successful validation
type Result struct {
	// Object the object as it will be stored
	Object Object
	// Created whether the request creates the object
	Created bool
	// Transient transient properties supplied with the request
	Transient map[string]interface{}
	// Changed names of the properties whose stored value changed, sorted
	Changed []string
}

// Validator validates configuration requests against a schema registry
type Validator struct {
	registry *Registry
	validate *validator.Validate
}

// NewValidator define a new validator
func NewValidator(registry *Registry) *Validator {
	validate := validator.New()
	// Names may not carry surrounding whitespace or control characters
	_ = validate.RegisterValidation("objname", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if strings.TrimSpace(name) != name {
			return false
		}
		return strings.IndexFunc(name, unicode.IsControl) < 0
	})
	return &Validator{registry: registry, validate: validate}
}

// Registry the schema registry in use
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate validate a request. current is the stored object with the same exact name,
// nil on create. siblings are the names of the other stored objects of the same type.
//
// References to other objects are not resolved here.
func (v *Validator) Validate(req Request, current *Object, siblings []string) (Result, error) {
	objSchema, ok := v.registry.Lookup(req.Type)
	if !ok {
		return Result{}, common.NewInvalidArgumentNameError("", req.Type)
	}

	name := req.Name
	if objSchema.Shape == ShapeNamed {
		if err := v.validateName(objSchema, name); err != nil {
			return Result{}, err
		}
		if current == nil {
			for _, sibling := range siblings {
				if sibling != name && strings.EqualFold(sibling, name) {
					return Result{}, common.NewDuplicateNameError(req.Type, name)
				}
			}
		}
	} else {
		name = ""
	}

	result := Result{
		Created:   current == nil,
		Transient: map[string]interface{}{},
		Changed:   []string{},
	}
	var props map[string]interface{}
	if current == nil {
		props = objSchema.Defaults()
	} else {
		props = current.Copy().Properties
	}

	supplied := make([]string, 0, len(req.Properties))
	for propName := range req.Properties {
		supplied = append(supplied, propName)
	}
	sort.Strings(supplied)

	for _, propName := range supplied {
		raw := req.Properties[propName]
		spec, ok := objSchema.Property(propName)
		if !ok {
			return Result{}, common.NewInvalidArgumentNameError(req.Type, propName)
		}
		if spec.NotSettable || spec.ReadOnly {
			return Result{}, common.NewPropertyNotSettableError(req.Type, name, propName)
		}
		if raw == nil {
			if spec.Required {
				return Result{}, common.NewRequiredPropertyMissingError(req.Type, name, propName)
			}
			if spec.Transient {
				continue
			}
			if spec.Default != nil {
				props[propName] = copyValue(spec.Default)
			} else {
				delete(props, propName)
			}
			continue
		}
		value, err := coerce(req.Type, name, spec, raw)
		if err != nil {
			return Result{}, err
		}
		if spec.Transient {
			result.Transient[propName] = value
			continue
		}
		props[propName] = value
	}

	for _, spec := range objSchema.Properties {
		if spec.Required && !spec.Transient {
			if _, ok := props[spec.Name]; !ok {
				return Result{}, common.NewRequiredPropertyMissingError(req.Type, name, spec.Name)
			}
		}
	}

	// Scalar types without a default have no meaning until given a value
	if objSchema.Shape == ShapeScalar {
		if _, ok := props[objSchema.Properties[0].Name]; !ok {
			return Result{}, common.NewRequiredPropertyMissingError(
				req.Type, name, objSchema.Properties[0].Name,
			)
		}
	}

	var before map[string]interface{}
	if current != nil {
		before = current.Properties
	}
	result.Changed = diffProperties(before, props)
	result.Object = Object{Type: req.Type, Name: name, Properties: props}
	return result, nil
}

// ValidateName validate an object name against the type's rules
func (v *Validator) ValidateName(objType, name string) error {
	objSchema, ok := v.registry.Lookup(objType)
	if !ok {
		return common.NewNotFoundError(objType, name)
	}
	if objSchema.Shape != ShapeNamed {
		return nil
	}
	return v.validateName(objSchema, name)
}

func (v *Validator) validateName(objSchema *ObjectSchema, name string) error {
	err := v.validate.Var(name, fmt.Sprintf("required,max=%d,objname", objSchema.NameMaxLen))
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Tag() == "max" {
		return common.NewNameTooLongError(objSchema.Type, name)
	}
	return common.NewInvalidPropertyValueError(objSchema.Type, name, "Name", name)
}

// coerce check the type and value of one supplied property, returning its canonical form
func coerce(objType, name string, spec *PropertySpec, raw interface{}) (interface{}, error) {
	wrongType := func() error {
		return common.NewInvalidPropertyTypeError(objType, name, spec.Name, JSONTypeTag(raw))
	}
	switch spec.Kind {
	case KindBool:
		value, ok := raw.(bool)
		if !ok {
			return nil, wrongType()
		}
		return value, nil

	case KindInt:
		switch raw.(type) {
		case json.Number, float64, int, int32, int64:
		default:
			return nil, wrongType()
		}
		value, ok := toInt64(raw)
		if !ok {
			return nil, wrongType()
		}
		if spec.HasRange && (value < spec.Min || value > spec.Max) {
			return nil, common.NewInvalidPropertyValueError(objType, name, spec.Name, value)
		}
		return value, nil

	case KindString:
		value, ok := raw.(string)
		if !ok {
			return nil, wrongType()
		}
		if spec.MaxLen > 0 && utf8.RuneCountInString(value) > spec.MaxLen {
			return nil, common.NewValueTooLongError(objType, name, spec.Name, value)
		}
		return value, nil

	case KindEnum:
		value, ok := raw.(string)
		if !ok {
			return nil, wrongType()
		}
		canonical, ok := matchEnum(spec.Enum, value)
		if !ok {
			return nil, common.NewInvalidPropertyValueError(objType, name, spec.Name, value)
		}
		return canonical, nil

	case KindStringList:
		switch raw.(type) {
		case string, []interface{}, []string:
		default:
			return nil, wrongType()
		}
		values, ok := toStringList(raw)
		if !ok {
			return nil, wrongType()
		}
		result := make([]string, 0, len(values))
		seen := map[string]bool{}
		for _, entry := range values {
			if len(spec.Enum) > 0 {
				canonical, ok := matchEnum(spec.Enum, entry)
				if !ok {
					return nil, common.NewInvalidPropertyValueError(objType, name, spec.Name, entry)
				}
				entry = canonical
			}
			if entry == "" {
				return nil, common.NewInvalidPropertyValueError(objType, name, spec.Name, entry)
			}
			if seen[entry] {
				continue
			}
			seen[entry] = true
			result = append(result, entry)
		}
		if spec.Required && len(result) == 0 {
			return nil, common.NewInvalidPropertyValueError(objType, name, spec.Name, "")
		}
		return result, nil
	}
	return nil, wrongType()
}

func matchEnum(allowed []string, value string) (string, bool) {
	for _, option := range allowed {
		if strings.EqualFold(option, value) {
			return option, true
		}
	}
	return "", false
}

// diffProperties names of the properties which differ between two property bags
func diffProperties(before, after map[string]interface{}) []string {
	changed := []string{}
	keys := map[string]bool{}
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}
	for k := range keys {
		if !sameValue(before[k], after[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func sameValue(a, b interface{}) bool {
	listA, aIsList := a.([]string)
	listB, bIsList := b.([]string)
	if aIsList || bIsList {
		if !aIsList || !bIsList || len(listA) != len(listB) {
			return false
		}
		for idx := range listA {
			if listA[idx] != listB[idx] {
				return false
			}
		}
		return true
	}
	return a == b
}
