package forcesub

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy envelope invariants.
	ErrInvalidEvent = errors.New("forcesub: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("forcesub: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("forcesub: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("forcesub: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("forcesub: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("forcesub: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("forcesub: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("forcesub: driver already registered")
	// ErrDuplicateTrigger indicates that an exact trigger was registered twice.
	ErrDuplicateTrigger = errors.New("forcesub: duplicate trigger")
	// ErrInvalidTrigger indicates an empty trigger or unknown match kind.
	ErrInvalidTrigger = errors.New("forcesub: invalid trigger")
	// ErrNotFound indicates that a persisted record does not exist.
	ErrNotFound = errors.New("forcesub: not found")
	// ErrConflict indicates that a persisted record with the same key already exists.
	ErrConflict = errors.New("forcesub: conflict")
	// ErrAuthorityUnavailable indicates that the membership authority failed or timed out.
	ErrAuthorityUnavailable = errors.New("forcesub: membership authority unavailable")
	// ErrInvalidOutboundRequest indicates a malformed messenger request.
	ErrInvalidOutboundRequest = errors.New("forcesub: invalid outbound request")
	// ErrPeerUnknown indicates that no transport peer is known for a chat id.
	ErrPeerUnknown = errors.New("forcesub: peer unknown")
)
