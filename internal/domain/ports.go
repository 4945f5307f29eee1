package domain

import (
	"context"
	"encoding/json"
	"io"
)

// ConnStatus is reported by the channel when the shared connection comes up or drops.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusDisconnected ConnStatus = "disconnected"
)

// EventHandler receives one event delivered to a joined room.
type EventHandler func(room RoomID, data json.RawMessage)

// Publisher sends fire-and-forget events to a room.
type Publisher interface {
	Publish(room RoomID, event string, data any) error
}

// Channel is the shared realtime event channel.
type Channel interface {
	Publisher
	Connect(ctx context.Context) error
	JoinRoom(room RoomID) error
	LeaveRoom(room RoomID) error
	// On binds handler to event unless a handler is already bound; it reports whether it bound.
	On(event string, handler EventHandler) bool
	Off(event string)
	OnStatus(fn func(ConnStatus)) (cancel func())
}

// MessageAPI is the chat history REST collaborator.
type MessageAPI interface {
	History(ctx context.Context, orderID string) ([]ChatMessage, error)
	PostMessage(ctx context.Context, msg ChatMessage) error
	UploadFile(ctx context.Context, name string, r io.Reader) (string, error)
}

// LocalMedia is the captured camera/microphone stream.
type LocalMedia interface {
	// Release stops every local track. Safe to call more than once.
	Release()
}

// PeerEvents are the callbacks a peer connection reports through.
type PeerEvents struct {
	OnICECandidate func(ICECandidatePayload)
	OnRemoteTrack  func(kind, codec string)
	OnFailed       func()
}

// MediaManager acquires local media and creates one peer connection per call attempt.
type MediaManager interface {
	AcquireLocalMedia(ctx context.Context) (LocalMedia, error)
	NewPeer(local LocalMedia, events PeerEvents) (Peer, error)
}

// Peer manages the WebRTC peer connection.
type Peer interface {
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	Close() error
}
