package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced as "<prefix>_<hex>".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// NewKey returns a canonical UUID string, used where the value crosses the
// wire and must parse as a UUID on the other side.
func NewKey() string {
	return uuid.NewString()
}

// IsKey reports whether value is a canonical UUID.
func IsKey(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
