package core

import "time"

// Tunnel is the controller surface the hosting shell drives.
type Tunnel interface {
	// Start parses configText and brings the tunnel up.
	Start(configText string) error

	// Stop tears the tunnel down.
	Stop() error

	// Status returns the current session state.
	Status() Status
}

// Status is a snapshot of the tunnel session.
type Status struct {
	// Connected reports whether a session is up.
	Connected bool `json:"connected"`

	// SessionID identifies the current or most recent session.
	SessionID string `json:"sessionId,omitempty"`

	// BytesIn is the number of decrypted bytes written to the interface.
	BytesIn uint64 `json:"bytesIn"`

	// BytesOut is the number of bytes handed to the secure transport.
	BytesOut uint64 `json:"bytesOut"`

	// BytesDirect is the number of bytes sent outside the tunnel.
	BytesDirect uint64 `json:"bytesDirect"`

	// StartTime is the session start, zero when not connected.
	StartTime time.Time `json:"-"`

	// SessionDurationSeconds is derived from StartTime; 0 when not connected.
	SessionDurationSeconds int64 `json:"sessionDuration"`

	// DroppedMalformed counts packets shorter than an IPv4 header.
	DroppedMalformed uint64 `json:"droppedMalformed"`

	// DroppedUnsupported counts packets with an IP version other than 4.
	DroppedUnsupported uint64 `json:"droppedUnsupported"`

	// TransportErrors counts packets the secure transport refused.
	TransportErrors uint64 `json:"transportErrors"`

	// DirectErrors counts packets the direct path failed to send.
	DirectErrors uint64 `json:"directErrors"`

	// QueueDrops counts packets the transport dropped on a full queue.
	QueueDrops uint64 `json:"queueDrops"`

	// TransportHealthy mirrors the transport health report.
	TransportHealthy bool `json:"transportHealthy"`

	// LastHandshake is the latest completed handshake, zero if none.
	LastHandshake time.Time `json:"-"`

	// LastError is the most recent persistent failure.
	LastError string `json:"lastError,omitempty"`
}

// StartTimeMillis returns StartTime as epoch milliseconds, or 0.
func (s Status) StartTimeMillis() int64 {
	if s.StartTime.IsZero() {
		return 0
	}
	return s.StartTime.UnixMilli()
}

// AsMap renders the status as the flat mapping the hosting shell consumes.
func (s Status) AsMap() map[string]any {
	return map[string]any{
		"connected":       s.Connected,
		"bytesIn":         s.BytesIn,
		"bytesOut":        s.BytesOut,
		"sessionDuration": s.SessionDurationSeconds,
		"startTime":       s.StartTimeMillis(),
	}
}
