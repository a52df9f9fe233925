package domain

import "time"

// ConnectionState is owned by the transport channel and read by views that
// display a live-status indicator.
type ConnectionState struct {
	Connected bool
	Polling   bool // connected through the long-poll fallback
	Since     time.Time
}

// Label is the indicator text shown to the operator.
func (s ConnectionState) Label() string {
	if s.Connected {
		return "Live"
	}
	return "Offline"
}
