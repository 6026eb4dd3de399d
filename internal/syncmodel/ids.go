package syncmodel

import "github.com/google/uuid"

// NewOperationID mints a globally unique opaque operation id.
func NewOperationID() string {
	return uuid.NewString()
}

// NewClientID mints a globally unique replica identifier.
func NewClientID() string {
	return uuid.NewString()
}
