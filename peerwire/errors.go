package peerwire

import (
	"errors"
	"fmt"
)

var (
	ErrClosedPrematurely  = errors.New("connection closed prematurely")
	ErrChannelClosed      = errors.New("socket channel closed")
	ErrNotConnected       = errors.New("socket not connected")
	ErrQueueFull          = errors.New("socket command queue full")
	ErrInvalidPrefixWidth = errors.New("invalid length prefix width")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum message size")
	ErrShortHandshake     = errors.New("handshake too short")
	ErrInvalidLength      = errors.New("info hash and peer id must be 20 bytes")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrMalformedBitfield  = errors.New("malformed bitfield")
	ErrInvalidState       = errors.New("invalid peer state")
)

// HandshakeError is returned when a peer refuses the handshake, sends one that
// does not decode, or answers for a different torrent.
type HandshakeError struct {
	Addr   string
	Reason error
}

func (e *HandshakeError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("%s refused the handshake", e.Addr)
	}
	return fmt.Sprintf("%s refused the handshake: %v", e.Addr, e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return e.Reason
}
