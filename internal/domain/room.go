package domain

import "strings"

const roomPrefix = "order_"

// RoomID is the canonical channel room shared by chat and call signaling for one order.
type RoomID string

// NormalizeRoomID maps a raw order id to its room. Ids that already carry the
// order_ prefix are returned unchanged, so the mapping is idempotent.
func NormalizeRoomID(orderID string) (RoomID, error) {
	id := strings.TrimSpace(orderID)
	if id == "" || id == roomPrefix {
		return "", ErrInvalidRoom
	}
	if strings.HasPrefix(id, roomPrefix) {
		return RoomID(id), nil
	}
	return RoomID(roomPrefix + id), nil
}

// OrderID returns the raw order id the room was derived from.
func (r RoomID) OrderID() string {
	return strings.TrimPrefix(string(r), roomPrefix)
}

func (r RoomID) String() string {
	return string(r)
}
