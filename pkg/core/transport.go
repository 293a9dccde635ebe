package core

import (
	"context"
	"errors"
	"time"
)

// ErrTransportClosed is returned by a SecureTransport after Close.
var ErrTransportClosed = errors.New("transport closed")

// SecureTransport encrypts packets towards the peer and yields decrypted
// packets coming back. Retries and keepalives are its own concern.
type SecureTransport interface {
	// EncryptAndSend queues pkt for encryption and transmission to endpoint.
	EncryptAndSend(pkt []byte, endpoint string) error

	// ReceiveDecrypted blocks until a decrypted packet is available, ctx is
	// done, or the transport is closed.
	ReceiveDecrypted(ctx context.Context) ([]byte, error)

	// Health reports the transport's view of the peer.
	Health() TransportHealth

	// Close stops the transport.
	Close() error
}

// TransportHealth is a point-in-time view of the secure channel.
type TransportHealth struct {
	// Healthy is false when the transport has a persistent failure.
	Healthy bool

	// LastHandshake is the time of the latest completed handshake, zero if none.
	LastHandshake time.Time

	// Err describes the persistent failure, if any.
	Err error
}

// DirectSender delivers packets to the host network outside the tunnel.
type DirectSender interface {
	// Send writes one IPv4 packet, header included.
	Send(pkt []byte) error

	// Close releases the sender.
	Close() error
}
