package gateway

import "errors"

// Gateway errors.
var (
	// ErrNotConnected is returned when sending on a gateway that is not connected.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrNotInitialized is returned when an operation needs Initialize first.
	ErrNotInitialized = errors.New("gateway: not initialized")

	// ErrTimeout is returned by SendMessageAndWait when no correlated
	// response arrives within the budget.
	ErrTimeout = errors.New("gateway: response timeout")

	// ErrCapabilityUnsupported is returned when the gateway type does not
	// declare the capability an operation needs.
	ErrCapabilityUnsupported = errors.New("gateway: capability not supported")

	// ErrNotImplemented marks operations with no defined wire format for
	// this gateway, such as key distribution to a lock.
	ErrNotImplemented = errors.New("gateway: not implemented")

	// ErrDeviceNotRegistered is returned when unregistering a device the
	// gateway does not know.
	ErrDeviceNotRegistered = errors.New("gateway: device not registered")

	// ErrDeviceNotFound is returned when the gateway reports no such device.
	ErrDeviceNotFound = errors.New("gateway: device not found")

	// ErrUnexpectedResponse is returned when a response has the wrong type
	// or an unreadable payload.
	ErrUnexpectedResponse = errors.New("gateway: unexpected response")

	// ErrRemote is returned when the gateway answers with an error message.
	ErrRemote = errors.New("gateway: remote error")

	// ErrInvalidConfig is returned for an unusable gateway configuration.
	ErrInvalidConfig = errors.New("gateway: invalid configuration")

	// ErrUnknownType is returned by the factory for an unknown gateway type.
	ErrUnknownType = errors.New("gateway: unknown gateway type")

	// ErrGatewayNotFound is returned by the manager and store for unknown ids.
	ErrGatewayNotFound = errors.New("gateway: not found")

	// ErrNoSynchronizer is returned by Sync when no synchronizer is wired.
	ErrNoSynchronizer = errors.New("gateway: device synchronization not configured")

	// ErrUnknownCommand is returned for a queued command type the manager
	// cannot execute.
	ErrUnknownCommand = errors.New("gateway: unknown command type")

	// ErrCommandFailed wraps a gateway's refusal of a queued command.
	ErrCommandFailed = errors.New("gateway: command failed")
)
