package domain

// Event names on the realtime channel.
const (
	EventChatMessage  = "chat_message"
	EventCallRequest  = "video_call_request"
	EventCallAccept   = "video_call_accept"
	EventCallReject   = "video_call_reject"
	EventCallBusy     = "video_call_busy"
	EventOffer        = "video_offer"
	EventAnswer       = "video_answer"
	EventICECandidate = "video_ice_candidate"
	EventCallEnd      = "video_call_end"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// SignalingEvent is one of the call signaling messages exchanged over a room.
// The set of implementations is closed.
type SignalingEvent interface {
	Room() RoomID
	Name() string
	signalingEvent()
}

// CallRequest asks the peer to start a video call.
type CallRequest struct{ RoomID RoomID }

// CallAccept answers a CallRequest positively.
type CallAccept struct{ RoomID RoomID }

// CallReject declines a CallRequest.
type CallReject struct{ RoomID RoomID }

// CallBusy tells the caller the peer is already in a call.
type CallBusy struct{ RoomID RoomID }

// CallEnd terminates the call for both sides.
type CallEnd struct{ RoomID RoomID }

// Offer carries the caller's session description.
type Offer struct {
	RoomID RoomID
	SDP    SDPPayload
}

// Answer carries the callee's session description.
type Answer struct {
	RoomID RoomID
	SDP    SDPPayload
}

// ICECandidate carries one trickled ICE candidate.
type ICECandidate struct {
	RoomID    RoomID
	Candidate ICECandidatePayload
}

func (e CallRequest) Room() RoomID  { return e.RoomID }
func (e CallAccept) Room() RoomID   { return e.RoomID }
func (e CallReject) Room() RoomID   { return e.RoomID }
func (e CallBusy) Room() RoomID     { return e.RoomID }
func (e CallEnd) Room() RoomID      { return e.RoomID }
func (e Offer) Room() RoomID        { return e.RoomID }
func (e Answer) Room() RoomID       { return e.RoomID }
func (e ICECandidate) Room() RoomID { return e.RoomID }

func (CallRequest) Name() string  { return EventCallRequest }
func (CallAccept) Name() string   { return EventCallAccept }
func (CallReject) Name() string   { return EventCallReject }
func (CallBusy) Name() string     { return EventCallBusy }
func (CallEnd) Name() string      { return EventCallEnd }
func (Offer) Name() string        { return EventOffer }
func (Answer) Name() string       { return EventAnswer }
func (ICECandidate) Name() string { return EventICECandidate }

func (CallRequest) signalingEvent()  {}
func (CallAccept) signalingEvent()   {}
func (CallReject) signalingEvent()   {}
func (CallBusy) signalingEvent()     {}
func (CallEnd) signalingEvent()      {}
func (Offer) signalingEvent()        {}
func (Answer) signalingEvent()       {}
func (ICECandidate) signalingEvent() {}
