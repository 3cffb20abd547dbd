package control

import (
	"sort"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/monitor"
	"github.com/alwitt/mqadmin/schema"
)

// Connection filter fields
const (
	FilterClientID      = "ClientID"
	FilterUserID        = "UserID"
	FilterClientAddress = "ClientAddress"
)

// criterion one filter field with its alternative patterns
type criterion struct {
	field    string
	patterns []string
}

// connectionFilter parsed close connection filter. Criteria are AND'ed, patterns of
// one criterion are OR'ed.
type connectionFilter struct {
	criteria []criterion
	// oversize a criterion carried more patterns than allowed
	oversize bool
}

// parseConnectionFilter parse a close connection request body
func parseConnectionFilter(raw map[string]interface{}, maxListMembers int) (connectionFilter, error) {
	fields := make([]string, 0, len(raw))
	for field := range raw {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	result := connectionFilter{criteria: []criterion{}}
	for _, field := range fields {
		switch field {
		case FilterClientID, FilterUserID, FilterClientAddress:
		default:
			return connectionFilter{}, common.NewInvalidArgumentNameError("", field)
		}

		patterns := []string{}
		switch value := raw[field].(type) {
		case string:
			patterns = append(patterns, value)
		case []string:
			patterns = append(patterns, value...)
		case []interface{}:
			for _, member := range value {
				asString, ok := member.(string)
				if !ok {
					return connectionFilter{}, common.NewInvalidPropertyTypeError(
						"", "", field, schema.JSONTypeTag(member),
					)
				}
				patterns = append(patterns, asString)
			}
		default:
			return connectionFilter{}, common.NewInvalidPropertyTypeError(
				"", "", field, schema.JSONTypeTag(value),
			)
		}

		// An empty ClientAddress is the same as not supplying it. An empty ClientID or
		// UserID is a literal value.
		if field == FilterClientAddress {
			nonEmpty := []string{}
			for _, pattern := range patterns {
				if pattern != "" {
					nonEmpty = append(nonEmpty, pattern)
				}
			}
			patterns = nonEmpty
		}
		if len(patterns) == 0 {
			continue
		}
		if len(patterns) > maxListMembers {
			result.oversize = true
		}
		result.criteria = append(result.criteria, criterion{field: field, patterns: patterns})
	}

	if len(result.criteria) == 0 {
		return connectionFilter{}, common.NewMissingFilterCriteriaError("")
	}
	return result, nil
}

// matches whether a connection satisfies every criterion
func (f connectionFilter) matches(conn monitor.Connection) bool {
	if f.oversize {
		return false
	}
	for _, oneCriterion := range f.criteria {
		var value string
		switch oneCriterion.field {
		case FilterClientID:
			value = conn.Name
		case FilterUserID:
			value = conn.UserID
		case FilterClientAddress:
			value = conn.ClientAddr
		}
		matched := false
		for _, pattern := range oneCriterion.patterns {
			if common.WildcardMatch(pattern, value) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
