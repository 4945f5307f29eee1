package domain

import "errors"

var (
	// ErrNetwork is returned when the REST collaborator cannot be reached or answers with a failure.
	ErrNetwork = errors.New("network error")
	// ErrNotFound is returned when the REST collaborator does not know the order.
	ErrNotFound = errors.New("not found")
	// ErrTransport is returned when the realtime channel is broken.
	ErrTransport = errors.New("transport error")
	// ErrNotConnected is returned by publish while the channel is down.
	ErrNotConnected = errors.New("channel not connected")
	// ErrMediaAccess is returned when no camera/microphone constraint set could be satisfied.
	ErrMediaAccess = errors.New("media access denied")
	// ErrNegotiation is returned when SDP or ICE handling fails.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrPersistence is returned when an outgoing chat message could not be stored.
	ErrPersistence = errors.New("message not persisted")
	// ErrInvalidRoom is returned for an order or room id that cannot be normalized.
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrInvalidMessage is returned when a chat message fails validation.
	ErrInvalidMessage = errors.New("invalid chat message")
)
