package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies an administrative operation failure
type ErrorKind int

// Administrative error kinds
const (
	ErrKindInternal ErrorKind = iota
	ErrKindMalformedRequest
	ErrKindInvalidArgumentName
	ErrKindInvalidPropertyType
	ErrKindInvalidPropertyValue
	ErrKindRequiredPropertyMissing
	ErrKindPropertyNotSettable
	ErrKindNameTooLong
	ErrKindValueTooLong
	ErrKindDuplicateName
	ErrKindResourceInUse
	ErrKindNotFound
	ErrKindConnectionNotFound
	ErrKindMissingFilterCriteria
	ErrKindCertificateVerificationFailed
	ErrKindKeyMismatch
	ErrKindPasswordRequired
	ErrKindServerBusy
)

type errorTemplate struct {
	code   string
	status int
	format func(e *AdminError) string
}

var errorCatalog = map[ErrorKind]errorTemplate{
	ErrKindInternal: {
		code: "CWLNA6001", status: http.StatusInternalServerError,
		format: func(e *AdminError) string {
			return fmt.Sprintf("An internal error occurred: %s.", e.Detail)
		},
	},
	ErrKindMalformedRequest: {
		code: "CWLNA0137", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf("The REST API call is not valid: %s.", e.Detail)
		},
	},
	ErrKindInvalidArgumentName: {
		code: "CWLNA0138", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf("The property name is not valid: Property: %s.", e.Property)
		},
	},
	ErrKindInvalidPropertyType: {
		code: "CWLNA0127", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The property type is not valid. Object: %s Name: %s Property: %s Type: %s.",
				e.Object, e.Name, e.Property, e.Type,
			)
		},
	},
	ErrKindInvalidPropertyValue: {
		code: "CWLNA0112", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The property value is not valid: Property: %s Value: \"%s\".", e.Property, e.Value,
			)
		},
	},
	ErrKindRequiredPropertyMissing: {
		code: "CWLNA0115", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"A required property is missing. Object: %s Name: %s Property: %s.",
				e.Object, e.Name, e.Property,
			)
		},
	},
	ErrKindPropertyNotSettable: {
		code: "CWLNA0133", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The property cannot be set. Object: %s Name: %s Property: %s.",
				e.Object, e.Name, e.Property,
			)
		},
	},
	ErrKindNameTooLong: {
		code: "CWLNA0134", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The name of the configuration object is too long. Object: %s Property: Name Value: %s.",
				e.Object, e.Value,
			)
		},
	},
	ErrKindValueTooLong: {
		code: "CWLNA0135", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The value that is specified for the property is too long. Property: %s Value: %s.",
				e.Property, e.Value,
			)
		},
	},
	ErrKindDuplicateName: {
		code: "CWLNA0132", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf("The object name already exists. Object: %s Name: %s.", e.Object, e.Name)
		},
	},
	ErrKindResourceInUse: {
		code: "CWLNA0118", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The object is in use and cannot be modified or deleted. Object: %s Name: %s.",
				e.Object, e.Name,
			)
		},
	},
	ErrKindNotFound: {
		code: "CWLNA0136", status: http.StatusNotFound,
		format: func(e *AdminError) string {
			return fmt.Sprintf("The item or object cannot be found. Type: %s Name: %s", e.Object, e.Name)
		},
	},
	ErrKindConnectionNotFound: {
		code: "CWLNA6136", status: http.StatusBadRequest,
		format: func(e *AdminError) string { return "The requested item is not found." },
	},
	ErrKindMissingFilterCriteria: {
		code: "CWLNA6204", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			if e.Detail != "" {
				return fmt.Sprintf("At least one filter criteria must be specified: %s.", e.Detail)
			}
			return "At least one filter criteria must be specified: ClientID, UserID or ClientAddress."
		},
	},
	ErrKindCertificateVerificationFailed: {
		code: "CWLNA6187", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf("The certificate cannot be verified. Object: %s Name: %s.", e.Object, e.Name)
		},
	},
	ErrKindKeyMismatch: {
		code: "CWLNA6188", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"The certificate and the key do not match. Object: %s Name: %s.", e.Object, e.Name,
			)
		},
	},
	ErrKindPasswordRequired: {
		code: "CWLNA6189", status: http.StatusBadRequest,
		format: func(e *AdminError) string {
			return fmt.Sprintf(
				"A password is required for the key file. Object: %s Name: %s.", e.Object, e.Name,
			)
		},
	},
	ErrKindServerBusy: {
		code: "CWLNA6210", status: http.StatusServiceUnavailable,
		format: func(e *AdminError) string {
			return "The server is restarting. Retry the request later."
		},
	},
}

// AdminError is a structured administrative operation failure
type AdminError struct {
	Kind     ErrorKind
	Object   string
	Name     string
	Property string
	Value    string
	Type     string
	Detail   string
}

// Code the message code of the error
func (e *AdminError) Code() string {
	return e.template().code
}

// HTTPStatus the HTTP status the error maps to
func (e *AdminError) HTTPStatus() int {
	return e.template().status
}

// Error implements error
func (e *AdminError) Error() string {
	return e.template().format(e)
}

func (e *AdminError) template() errorTemplate {
	if t, ok := errorCatalog[e.Kind]; ok {
		return t
	}
	return errorCatalog[ErrKindInternal]
}

// AsAdminError converts any error into an AdminError. Errors which are not already
// AdminErrors become Internal.
func AsAdminError(err error) *AdminError {
	var adminErr *AdminError
	if errors.As(err, &adminErr) {
		return adminErr
	}
	return &AdminError{Kind: ErrKindInternal, Detail: err.Error()}
}

// IsErrorKind whether err is an AdminError of the given kind
func IsErrorKind(err error, kind ErrorKind) bool {
	var adminErr *AdminError
	if errors.As(err, &adminErr) {
		return adminErr.Kind == kind
	}
	return false
}

// FormatValue renders a property value the way it appears in error messages
func FormatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ------------------------------------------------------------------------------

// NewMalformedRequestError define a MalformedRequest error
func NewMalformedRequestError(detail string) *AdminError {
	return &AdminError{Kind: ErrKindMalformedRequest, Detail: detail}
}

// NewInvalidArgumentNameError define a InvalidArgumentName error
func NewInvalidArgumentNameError(objType, property string) *AdminError {
	return &AdminError{Kind: ErrKindInvalidArgumentName, Object: objType, Property: property}
}

// NewInvalidPropertyTypeError define a InvalidPropertyType error
func NewInvalidPropertyTypeError(objType, name, property, jsonType string) *AdminError {
	return &AdminError{
		Kind: ErrKindInvalidPropertyType, Object: objType, Name: name, Property: property, Type: jsonType,
	}
}

// NewInvalidPropertyValueError define a InvalidPropertyValue error
func NewInvalidPropertyValueError(objType, name, property string, value interface{}) *AdminError {
	return &AdminError{
		Kind:     ErrKindInvalidPropertyValue,
		Object:   objType,
		Name:     name,
		Property: property,
		Value:    FormatValue(value),
	}
}

// NewRequiredPropertyMissingError define a RequiredPropertyMissing error
func NewRequiredPropertyMissingError(objType, name, property string) *AdminError {
	return &AdminError{
		Kind: ErrKindRequiredPropertyMissing, Object: objType, Name: name, Property: property,
	}
}

// NewPropertyNotSettableError define a PropertyNotSettable error
func NewPropertyNotSettableError(objType, name, property string) *AdminError {
	return &AdminError{Kind: ErrKindPropertyNotSettable, Object: objType, Name: name, Property: property}
}

// NewNameTooLongError define a NameTooLong error
func NewNameTooLongError(objType, name string) *AdminError {
	return &AdminError{Kind: ErrKindNameTooLong, Object: objType, Property: "Name", Value: name}
}

// NewValueTooLongError define a ValueTooLong error
func NewValueTooLongError(objType, name, property, value string) *AdminError {
	return &AdminError{
		Kind: ErrKindValueTooLong, Object: objType, Name: name, Property: property, Value: value,
	}
}

// NewDuplicateNameError define a DuplicateName error
func NewDuplicateNameError(objType, name string) *AdminError {
	return &AdminError{Kind: ErrKindDuplicateName, Object: objType, Name: name}
}

// NewResourceInUseError define a ResourceInUse error
func NewResourceInUseError(objType, name string) *AdminError {
	return &AdminError{Kind: ErrKindResourceInUse, Object: objType, Name: name}
}

// NewNotFoundError define a NotFound error
func NewNotFoundError(objType, name string) *AdminError {
	return &AdminError{Kind: ErrKindNotFound, Object: objType, Name: name}
}

// NewConnectionNotFoundError define a ConnectionNotFound error
func NewConnectionNotFoundError() *AdminError {
	return &AdminError{Kind: ErrKindConnectionNotFound}
}

// NewMissingFilterCriteriaError define a MissingFilterCriteria error. The detail lists
// the accepted criteria; empty uses the connection filter criteria.
func NewMissingFilterCriteriaError(detail string) *AdminError {
	return &AdminError{Kind: ErrKindMissingFilterCriteria, Detail: detail}
}

// NewCertificateError define one of the certificate related errors
func NewCertificateError(kind ErrorKind, objType, name, detail string) *AdminError {
	return &AdminError{Kind: kind, Object: objType, Name: name, Detail: detail}
}

// NewServerBusyError define a ServerBusy error
func NewServerBusyError() *AdminError {
	return &AdminError{Kind: ErrKindServerBusy}
}

// NewInternalError define a Internal error
func NewInternalError(err error) *AdminError {
	return &AdminError{Kind: ErrKindInternal, Detail: err.Error()}
}
