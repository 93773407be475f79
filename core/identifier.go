package core

import "github.com/google/uuid"

// NewID returns a new opaque identifier with the given kind prefix, e.g.
// "exec-4f9d…". Prefixes keep mixed-entity logs greppable; consumers must
// treat the whole string as opaque.
func NewID(kind string) string {
	if kind == "" {
		return uuid.NewString()
	}
	return kind + "-" + uuid.NewString()
}
