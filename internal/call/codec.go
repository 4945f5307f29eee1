package call

import (
	"encoding/json"
	"fmt"

	"shiplive/native/internal/domain"
)

// payload is the wire body shared by every video_* event.
type payload struct {
	OrderID   string                      `json:"orderId"`
	Offer     *domain.SDPPayload          `json:"offer,omitempty"`
	Answer    *domain.SDPPayload          `json:"answer,omitempty"`
	Candidate *domain.ICECandidatePayload `json:"candidate,omitempty"`
}

// EventNames lists the signaling events the machine binds on the channel.
var EventNames = []string{
	domain.EventCallRequest,
	domain.EventCallAccept,
	domain.EventCallReject,
	domain.EventCallBusy,
	domain.EventOffer,
	domain.EventAnswer,
	domain.EventICECandidate,
	domain.EventCallEnd,
}

// Encode returns the event name and wire body for ev.
func Encode(ev domain.SignalingEvent) (string, any) {
	p := payload{OrderID: ev.Room().OrderID()}
	switch e := ev.(type) {
	case domain.Offer:
		p.Offer = &e.SDP
	case domain.Answer:
		p.Answer = &e.SDP
	case domain.ICECandidate:
		p.Candidate = &e.Candidate
	}
	return ev.Name(), p
}

// Decode parses a received signaling event. The room comes from the body's
// orderId, falling back to the room the event was delivered on.
func Decode(name string, room domain.RoomID, data json.RawMessage) (domain.SignalingEvent, error) {
	var p payload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}

	raw := p.OrderID
	if raw == "" {
		raw = string(room)
	}
	r, err := domain.NormalizeRoomID(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	switch name {
	case domain.EventCallRequest:
		return domain.CallRequest{RoomID: r}, nil
	case domain.EventCallAccept:
		return domain.CallAccept{RoomID: r}, nil
	case domain.EventCallReject:
		return domain.CallReject{RoomID: r}, nil
	case domain.EventCallBusy:
		return domain.CallBusy{RoomID: r}, nil
	case domain.EventCallEnd:
		return domain.CallEnd{RoomID: r}, nil
	case domain.EventOffer:
		if p.Offer == nil || p.Offer.SDP == "" {
			return nil, fmt.Errorf("decode %s: missing offer", name)
		}
		return domain.Offer{RoomID: r, SDP: *p.Offer}, nil
	case domain.EventAnswer:
		if p.Answer == nil || p.Answer.SDP == "" {
			return nil, fmt.Errorf("decode %s: missing answer", name)
		}
		return domain.Answer{RoomID: r, SDP: *p.Answer}, nil
	case domain.EventICECandidate:
		if p.Candidate == nil {
			return nil, fmt.Errorf("decode %s: missing candidate", name)
		}
		return domain.ICECandidate{RoomID: r, Candidate: *p.Candidate}, nil
	}
	return nil, fmt.Errorf("unknown signaling event %q", name)
}
