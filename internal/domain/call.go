package domain

import (
	"fmt"
	"strings"
	"time"
)

// CallState is the lifecycle position of a call session.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallCalling    CallState = "calling"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallActive     CallState = "active"
	CallEnded      CallState = "ended"
)

// Role is the side a client plays in a call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// FormatCallDuration renders a call length the way it appears in the chat log,
// e.g. 125s -> "2 phút 5 giây". Leading zero units are omitted.
func FormatCallDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%d giờ", h))
	}
	if h > 0 || m > 0 {
		parts = append(parts, fmt.Sprintf("%d phút", m))
	}
	parts = append(parts, fmt.Sprintf("%d giây", s))
	return strings.Join(parts, " ")
}
