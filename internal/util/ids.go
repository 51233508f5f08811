// Package util provides utility functions shared across components.
package util

import (
	"github.com/google/uuid"
)

// GenerateMessageID generates a unique queued-message ID with "msg_" prefix.
func GenerateMessageID() string {
	return "msg_" + uuid.NewString()
}

// GenerateTransitionID generates a unique transition-log row ID with "tr_" prefix.
func GenerateTransitionID() string {
	return "tr_" + uuid.NewString()
}
