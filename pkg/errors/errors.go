package errors

import "errors"

// Configuration errors
var (
	// ErrConfigNotFound is returned when the rules file does not exist
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrInvalidConfig is returned when configuration is malformed
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidRule is returned when a single forwarding rule fails validation
	ErrInvalidRule = errors.New("invalid forwarding rule")
)

// Pool errors
var (
	// ErrPoolUnavailable is returned when no upstream connection could be
	// handed out within the waiter timeout
	ErrPoolUnavailable = errors.New("no upstream connection available")

	// ErrPoolClosed is returned when acquiring from a closed pool
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrDialFailed is returned when an upstream TCP connection cannot be established
	ErrDialFailed = errors.New("upstream dial failed")
)

// Forwarder errors
var (
	// ErrBindFailed is returned when a local port cannot be bound
	ErrBindFailed = errors.New("local bind failed")

	// ErrForwarderStopped is returned when operating on a stopped forwarder
	ErrForwarderStopped = errors.New("forwarder stopped")

	// ErrSendFailed is returned when a UDP datagram cannot be sent
	ErrSendFailed = errors.New("datagram send failed")
)

// Storage errors
var (
	// ErrStorageNotInitialized is returned when storage is not initialized
	ErrStorageNotInitialized = errors.New("storage not initialized")
)
