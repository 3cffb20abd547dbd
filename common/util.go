package common

import (
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/jinzhu/copier"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// DeepCopy helper function for performing deep-copy
//
// USE ONLY WHEN ABSOLUTELY NEEDED
func DeepCopy(src, dst interface{}) error {
	return copier.CopyWithOption(dst, src, copier.Option{DeepCopy: true})
}

// WildcardMatch whether value matches pattern. A pattern is either an exact string, or
// a prefix followed by a single trailing '*'. Every other character, '*' included, is
// compared literally.
func WildcardMatch(pattern, value string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

// GetUnitTestNatsURI helper function to get the NATS URI for unit tests. Empty when the
// tests should not reach NATS.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}
