package store

import "github.com/google/uuid"

// newID mints an opaque request id; it doubles as the correlation id.
func newID() string {
	return uuid.NewString()
}
