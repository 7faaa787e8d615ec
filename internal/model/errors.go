package model

import "errors"

var (
	// ErrAuthenticationFailed is terminal for a session.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotAuthorized rejects one operation; the session stays open.
	ErrNotAuthorized = errors.New("not authorized for conversation")
	// ErrSequenceAllocationFailed means the durable counter could not be advanced.
	ErrSequenceAllocationFailed = errors.New("sequence allocation failed")
	// ErrPersistFailed means a sequenced event could not be committed.
	ErrPersistFailed = errors.New("event persist failed")
	// ErrDeliveryQueueFull is returned when a live push finds the session
	// queue full. It is internal and never surfaced to clients.
	ErrDeliveryQueueFull = errors.New("delivery queue full")
	// ErrSubscriberLagging is returned when a live push cannot follow the
	// session's delivered cursor and the session must catch up from storage.
	ErrSubscriberLagging = errors.New("subscriber catching up")
	// ErrAnomalousAck is reported when a client cursor exceeds the high-water mark.
	ErrAnomalousAck = errors.New("acknowledged sequence exceeds high-water mark")
	// ErrInvalidFrame is a protocol violation.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrInvalidPayload rejects one operation with a malformed payload.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrNotSubscribed rejects an operation on a conversation the session has not joined.
	ErrNotSubscribed = errors.New("not subscribed to conversation")
	// ErrSessionClosed is returned when pushing to a session that is shutting down.
	ErrSessionClosed = errors.New("session closed")
)

// Wire error codes.
const (
	CodeAuthenticationFailed     = "authentication_failed"
	CodeNotAuthorized            = "not_authorized"
	CodeSequenceAllocationFailed = "sequence_allocation_failed"
	CodePersistFailed            = "persist_failed"
	CodeAnomalousAck             = "anomalous_ack"
	CodeInvalidFrame             = "invalid_frame"
	CodeInvalidPayload           = "invalid_payload"
	CodeNotSubscribed            = "not_subscribed"
	CodeInternal                 = "internal_error"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		return CodeAuthenticationFailed
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrSequenceAllocationFailed):
		return CodeSequenceAllocationFailed
	case errors.Is(err, ErrPersistFailed):
		return CodePersistFailed
	case errors.Is(err, ErrAnomalousAck):
		return CodeAnomalousAck
	case errors.Is(err, ErrInvalidFrame):
		return CodeInvalidFrame
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrNotSubscribed):
		return CodeNotSubscribed
	default:
		return CodeInternal
	}
}

// Retryable reports whether the client may retry the failed operation as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrSequenceAllocationFailed) || errors.Is(err, ErrPersistFailed)
}
