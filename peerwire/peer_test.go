package peerwire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// remotePeer plays the other end: it reads our handshake, answers with its
// own for infoHash, writes frames, then holds the connection open.
func remotePeer(t *testing.T, infoHash []byte, frames ...[]byte) (string, int) {
	t.Helper()
	addr := listen(t, func(conn net.Conn) {
		buf := make([]byte, HandshakeLen)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		hs, _ := EncodeHandshake(infoHash, []byte("-RM0001-remotepeer01"))
		conn.Write(hs)
		for _, f := range frames {
			conn.Write(f)
		}
		io.Copy(io.Discard, conn)
	})
	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)
	return host, p
}

func newTestPeer(t *testing.T, ip string, port int, numPieces int) *Peer {
	t.Helper()
	h, err := NewHandshake(testInfoHash, testPeerID)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewPeer(ctx, ip, port, nil, PeerConfig{
		Handshake:        h,
		NumPieces:        numPieces,
		ValidateBitfield: true,
		Socket:           SocketConfig{DialTimeout: time.Second, IOTimeout: 5 * time.Second, MaxFrameSize: 1 << 16},
	})
}

// drive steps p until done reports true, returning every decoded message
// and the first error.
func drive(t *testing.T, p *Peer, done func([]Message) bool) ([]Message, error) {
	t.Helper()
	var msgs []Message
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := p.Step(10 * time.Millisecond)
		if m != nil {
			msgs = append(msgs, m)
		}
		if err != nil {
			return msgs, err
		}
		if done(msgs) {
			return msgs, nil
		}
	}
	t.Fatalf("peer stuck in %s", p.State())
	return nil, nil
}

func TestPeerInitialState(t *testing.T) {
	p := newTestPeer(t, "127.0.0.1", 1, 0)
	if p.State() != StateDisconnected {
		t.Errorf("state = %s", p.State())
	}
	want := Flags{AmChoking: true, AmInterested: false, PeerChoking: true, PeerInterested: false}
	if p.Flags() != want {
		t.Errorf("flags = %+v, want %+v", p.Flags(), want)
	}
	if err := p.ReceiveMessage(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ReceiveMessage() before handshake error = %v", err)
	}
	if err := p.SendHandshake(p.cfg.Handshake); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendHandshake() before connect error = %v", err)
	}
}

func TestPeerMessageLoop(t *testing.T) {
	ip, port := remotePeer(t, testInfoHash,
		MarshalMessage(BitfieldMessage{Bits: []byte{0xff, 0x00}}),
		MarshalMessage(Unchoke{}),
		MarshalMessage(Interested{}),
		MarshalMessage(KeepAlive{}),
		MarshalMessage(Have{Index: 9}),
		MarshalMessage(Unknown{ID: 20, Payload: []byte("x")}),
		MarshalMessage(Request{Index: 1, Begin: 0, Length: 16384}),
		MarshalMessage(NotInterested{}),
	)
	p := newTestPeer(t, ip, port, 0)
	msgs, err := drive(t, p, func(m []Message) bool { return len(m) == 8 })
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != StateHandshakeComplete {
		t.Fatalf("state = %s", p.State())
	}
	if _, ok := msgs[3].(KeepAlive); !ok {
		t.Errorf("msgs[3] = %#v, want keep-alive", msgs[3])
	}
	if u, ok := msgs[5].(Unknown); !ok || u.ID != 20 {
		t.Errorf("msgs[5] = %#v, want unknown", msgs[5])
	}
	if got := p.Bitfield().String(); got != "1111111101000000" {
		t.Errorf("bitfield = %s", got)
	}
	want := Flags{AmChoking: true, PeerChoking: false, PeerInterested: false}
	if p.Flags() != want {
		t.Errorf("flags = %+v, want %+v", p.Flags(), want)
	}
	h, ok := p.RemoteHandshake()
	if !ok || string(h.PeerID[:]) != "-RM0001-remotepeer01" {
		t.Errorf("remote handshake = %+v", h)
	}
	st := p.Status()
	if st.State != "HandshakeComplete" || st.Pieces != 9 || st.Messages != 8 {
		t.Errorf("status = %+v", st)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	drive(t, p, func([]Message) bool { return p.State() == StateClosed && p.Idle() })
}

func TestPeerHaveOnFreshBitfield(t *testing.T) {
	ip, port := remotePeer(t, testInfoHash, MarshalMessage(Have{Index: 7}))
	p := newTestPeer(t, ip, port, 0)
	if _, err := drive(t, p, func(m []Message) bool { return len(m) == 1 }); err != nil {
		t.Fatal(err)
	}
	b := p.Bitfield()
	if b.Len() != 8 || !b.Has(7) || b.Count() != 1 {
		t.Errorf("bitfield = %s", b)
	}
}

func TestPeerInfoHashMismatch(t *testing.T) {
	ip, port := remotePeer(t, bytes.Repeat([]byte{0xcd}, 20), MarshalMessage(Unchoke{}))
	p := newTestPeer(t, ip, port, 0)
	_, err := drive(t, p, func([]Message) bool { return false })
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %v, want HandshakeError", err)
	}
	if herr.Addr != p.Addr() || !errors.Is(err, errInfoHashMismatch) {
		t.Errorf("handshake error = %v", herr)
	}
	if p.State() != StateFailed {
		t.Errorf("state = %s", p.State())
	}
	if err := p.ReceiveMessage(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ReceiveMessage() after mismatch error = %v", err)
	}
	drive(t, p, func([]Message) bool { return p.Idle() })
	if p.State() != StateFailed {
		t.Errorf("close reply moved failed peer to %s", p.State())
	}
}

func TestPeerHandshakeRefused(t *testing.T) {
	addr := listen(t, func(conn net.Conn) {
		io.ReadFull(conn, make([]byte, HandshakeLen))
		conn.Write([]byte{19, 'B', 'i', 't'})
	})
	host, port, _ := net.SplitHostPort(addr)
	n, _ := strconv.Atoi(port)
	p := newTestPeer(t, host, n, 0)
	_, err := drive(t, p, func([]Message) bool { return false })
	var herr *HandshakeError
	if !errors.As(err, &herr) || !errors.Is(err, ErrClosedPrematurely) {
		t.Fatalf("error = %v", err)
	}
}

func TestPeerMalformedBitfield(t *testing.T) {
	// 10 pieces: 2 bytes with the 6 spare bits clear
	ip, port := remotePeer(t, testInfoHash, MarshalMessage(BitfieldMessage{Bits: []byte{0xff, 0xff}}))
	p := newTestPeer(t, ip, port, 10)
	_, err := drive(t, p, func([]Message) bool { return false })
	if !errors.Is(err, ErrMalformedBitfield) {
		t.Fatalf("error = %v, want malformed bitfield", err)
	}
	if p.Bitfield().Len() != 0 {
		t.Error("rejected bitfield was applied")
	}
}

func TestPeerHaveOutOfRange(t *testing.T) {
	ip, port := remotePeer(t, testInfoHash, MarshalMessage(Have{Index: 10}))
	p := newTestPeer(t, ip, port, 10)
	if _, err := drive(t, p, func([]Message) bool { return false }); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v", err)
	}
}

func TestPeerHaveUnboundedIndex(t *testing.T) {
	ip, port := remotePeer(t, testInfoHash, MarshalMessage(Have{Index: 3}), MarshalMessage(Have{Index: 0xfffffffe}))
	p := newTestPeer(t, ip, port, 0)
	p.cfg.ValidateBitfield = false
	_, err := drive(t, p, func([]Message) bool { return false })
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v, want malformed message", err)
	}
	if n := p.Bitfield().Len(); n != 4 {
		t.Errorf("bitfield len = %d, want 4", n)
	}
}

func TestPeerConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	p := newTestPeer(t, "127.0.0.1", addr.Port, 0)
	if _, err := drive(t, p, func([]Message) bool { return false }); err == nil {
		t.Fatal("expected connect error")
	}
	if p.State() != StateFailed || p.Err() == nil {
		t.Errorf("state = %s err = %v", p.State(), p.Err())
	}
}

func TestPeerTrackerIDMismatch(t *testing.T) {
	ip, port := remotePeer(t, testInfoHash)
	p := newTestPeer(t, ip, port, 0)
	p.ID = []byte("-XX0000-someoneelse0")
	_, err := drive(t, p, func([]Message) bool { return false })
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %v", err)
	}
}
