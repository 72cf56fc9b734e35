package core

import (
	"github.com/google/uuid"
)

// NewID returns a random identifier for rows created by this process.
func NewID() string {
	return uuid.NewString()
}
