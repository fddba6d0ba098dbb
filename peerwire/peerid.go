package peerwire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// PeerID identifies a client instance on the wire.
type PeerID [20]byte

const peerIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GeneratePeerID pads prefix (conventionally "-XX####-") with random
// alphanumerics up to 20 bytes. It is meant to run once per process; the
// result is passed to whatever needs it.
func GeneratePeerID(prefix string) (PeerID, error) {
	var id PeerID
	if len(prefix) > len(id) {
		return id, fmt.Errorf("peer id prefix %q longer than %d bytes", prefix, len(id))
	}
	n := copy(id[:], prefix)
	max := big.NewInt(int64(len(peerIDAlphabet)))
	for i := n; i < len(id); i++ {
		r, err := rand.Int(rand.Reader, max)
		if err != nil {
			return id, err
		}
		id[i] = peerIDAlphabet[r.Int64()]
	}
	return id, nil
}

func (id PeerID) String() string {
	return string(id[:])
}

// HexString is used for ids that may hold binary bytes, e.g. ones learned
// from a peer.
func (id PeerID) HexString() string {
	return hex.EncodeToString(id[:])
}
