package middleware

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

// MaxPageSize is the largest page the event listing accepts.
const MaxPageSize = 500

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if !model.ValidConversationID(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ParseSequence parses an optional sequence query parameter.
func ParseSequence(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence %q", raw)
	}
	return n, nil
}

// ParseLimit parses an optional page size; zero means the default.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > MaxPageSize {
		return 0, fmt.Errorf("limit must be between 1 and %d", MaxPageSize)
	}
	return n, nil
}
