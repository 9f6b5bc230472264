package service

import (
	"errors"
	"fmt"

	"basegraph.app/parley/internal/quota"
)

var (
	ErrInvalidMessage       = errors.New("invalid message")
	ErrCharacterNotFound    = errors.New("character not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// QuotaExceededError rejects a message before any state is touched.
type QuotaExceededError struct {
	Usage quota.Usage
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily message quota exceeded (%d/%d on %s plan)", e.Usage.Used, e.Usage.Limit, e.Usage.Plan)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}
