// Package stats holds the per-controller session counters.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// Session tracks one tunnel session. The controller is the only writer of the
// connected flag and start time; the packet loop is the only writer of the
// traffic counters. Readers may call Snapshot at any time.
type Session struct {
	connected atomic.Bool
	startNano atomic.Int64
	id        atomic.Pointer[string]
	lastError atomic.Pointer[string]

	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	bytesDirect atomic.Uint64

	droppedMalformed   atomic.Uint64
	droppedUnsupported atomic.Uint64
	transportErrors    atomic.Uint64
	directErrors       atomic.Uint64

	now func() time.Time
}

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{now: time.Now}
}

// SetClock replaces the time source; used by tests.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

// Begin starts a new session: counters restart from zero, a new id is
// assigned and the session is marked connected.
func (s *Session) Begin() {
	s.bytesIn.Store(0)
	s.bytesOut.Store(0)
	s.bytesDirect.Store(0)
	s.droppedMalformed.Store(0)
	s.droppedUnsupported.Store(0)
	s.transportErrors.Store(0)
	s.directErrors.Store(0)
	s.lastError.Store(nil)

	id := uuid.NewString()
	s.id.Store(&id)
	s.startNano.Store(s.now().UnixNano())
	s.connected.Store(true)
}

// End marks the session disconnected and clears its start time. Counters
// keep their final values until the next Begin.
func (s *Session) End() {
	s.connected.Store(false)
	s.startNano.Store(0)
}

// Connected reports whether a session is up.
func (s *Session) Connected() bool { return s.connected.Load() }

// AddBytesIn records bytes written back to the interface.
func (s *Session) AddBytesIn(n int) { s.bytesIn.Add(uint64(n)) }

// AddBytesOut records bytes accepted by the secure transport.
func (s *Session) AddBytesOut(n int) { s.bytesOut.Add(uint64(n)) }

// AddBytesDirect records bytes sent outside the tunnel.
func (s *Session) AddBytesDirect(n int) { s.bytesDirect.Add(uint64(n)) }

// DropMalformed counts a packet too short to parse.
func (s *Session) DropMalformed() { s.droppedMalformed.Add(1) }

// DropUnsupported counts a non-IPv4 packet.
func (s *Session) DropUnsupported() { s.droppedUnsupported.Add(1) }

// TransportError counts a packet the secure transport refused.
func (s *Session) TransportError() { s.transportErrors.Add(1) }

// DirectError counts a packet the direct path failed to send.
func (s *Session) DirectError() { s.directErrors.Add(1) }

// SetLastError records a persistent failure for status reporting.
func (s *Session) SetLastError(err error) {
	if err == nil {
		s.lastError.Store(nil)
		return
	}
	msg := err.Error()
	s.lastError.Store(&msg)
}

// Snapshot returns the current status. Transport health fields are left for
// the controller to fill in.
func (s *Session) Snapshot() core.Status {
	st := core.Status{
		Connected:          s.connected.Load(),
		BytesIn:            s.bytesIn.Load(),
		BytesOut:           s.bytesOut.Load(),
		BytesDirect:        s.bytesDirect.Load(),
		DroppedMalformed:   s.droppedMalformed.Load(),
		DroppedUnsupported: s.droppedUnsupported.Load(),
		TransportErrors:    s.transportErrors.Load(),
		DirectErrors:       s.directErrors.Load(),
	}
	if id := s.id.Load(); id != nil {
		st.SessionID = *id
	}
	if e := s.lastError.Load(); e != nil {
		st.LastError = *e
	}
	if start := s.startNano.Load(); start != 0 && st.Connected {
		st.StartTime = time.Unix(0, start)
		if d := s.now().Sub(st.StartTime); d > 0 {
			st.SessionDurationSeconds = int64(d / time.Second)
		}
	}
	return st
}
