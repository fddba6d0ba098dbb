package peerwire

import (
	"bytes"
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
)

const (
	// Pstr is the protocol identifier of BitTorrent 1.0.
	Pstr = "BitTorrent protocol"
	// HandshakeLen is 49+len(Pstr): pstrlen, pstr, reserved, info hash, peer id.
	HandshakeLen = 49 + len(Pstr)

	reservedLen = 8
	hashLen     = 20
)

// Handshake is the first message on every peer connection.
type Handshake struct {
	Pstr     string
	Reserved [reservedLen]byte
	InfoHash metainfo.Hash
	PeerID   PeerID
}

// NewHandshake builds the local handshake for infoHash and peerID, both of
// which must be exactly 20 bytes.
func NewHandshake(infoHash, peerID []byte) (Handshake, error) {
	var h Handshake
	if len(infoHash) != hashLen || len(peerID) != hashLen {
		return h, fmt.Errorf("%w: got %d and %d", ErrInvalidLength, len(infoHash), len(peerID))
	}
	h.Pstr = Pstr
	copy(h.InfoHash[:], infoHash)
	copy(h.PeerID[:], peerID)
	return h, nil
}

// Pstrlen is the length byte sent ahead of the protocol string.
func (h Handshake) Pstrlen() int {
	return len(h.Pstr)
}

// Encode returns the wire form, 49+len(Pstr) bytes.
func (h Handshake) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 49+len(h.Pstr)))
	buf.WriteByte(byte(len(h.Pstr)))
	buf.WriteString(h.Pstr)
	buf.Write(h.Reserved[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])
	return buf.Bytes()
}

// EncodeHandshake is NewHandshake followed by Encode.
func EncodeHandshake(infoHash, peerID []byte) ([]byte, error) {
	h, err := NewHandshake(infoHash, peerID)
	if err != nil {
		return nil, err
	}
	return h.Encode(), nil
}

// DecodeHandshake reads pstrlen, pstr, reserved, info hash and peer id from
// buf in that order. pstrlen is taken from the buffer, not assumed to be 19.
// Bytes past the handshake are ignored.
func DecodeHandshake(buf []byte) (Handshake, error) {
	var h Handshake
	if len(buf) == 0 {
		return h, fmt.Errorf("%w: empty buffer", ErrShortHandshake)
	}
	pstrlen := int(buf[0])
	if len(buf) < 49+pstrlen {
		return h, fmt.Errorf("%w: %d bytes, want %d", ErrShortHandshake, len(buf), 49+pstrlen)
	}
	off := 1
	h.Pstr = string(buf[off : off+pstrlen])
	off += pstrlen
	off += copy(h.Reserved[:], buf[off:])
	off += copy(h.InfoHash[:], buf[off:])
	copy(h.PeerID[:], buf[off:])
	return h, nil
}
