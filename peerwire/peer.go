package peerwire

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/log"
)

// State is the connection state of a Peer.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshakePending
	StateHandshakeComplete
	StateClosed
	StateFailed
)

var stateNames = [...]string{"Disconnected", "Connecting", "Connected",
	"HandshakePending", "HandshakeComplete", "Closed", "Failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var errInfoHashMismatch = errors.New("info hash mismatch")

// PeerConfig is shared by every Peer of a torrent.
type PeerConfig struct {
	// Handshake is the local handshake; its InfoHash is what remote
	// handshakes are checked against.
	Handshake Handshake
	// NumPieces is the torrent's piece count, 0 when unknown.
	NumPieces int
	// ValidateBitfield drops peers whose bitfield or have messages do not
	// fit NumPieces. It has no effect while NumPieces is 0.
	ValidateBitfield bool
	Socket           SocketConfig
	Logger           *log.Logger
}

type pendingOp uint8

const (
	opConnect pendingOp = iota
	opSendHandshake
	opHandshakePstrlen
	opHandshakeBody
	opMessage
	opClose
)

// Peer drives one remote peer through connect, handshake and the message
// loop. Command methods (Connect, SendHandshake, ReceiveHandshake,
// ReceiveMessage, Poll, Step, Close) belong to a single owning goroutine;
// the read accessors are safe from anywhere.
type Peer struct {
	IP   string
	Port int
	// ID is the peer id announced by the tracker, if any.
	ID []byte

	addr   string
	cfg    PeerConfig
	logger log.Logger
	socket *SocketChannel

	// owner goroutine only
	pending []pendingOp
	pstrlen byte
	closing bool

	mu             sync.RWMutex
	state          State
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	bitfield       *Bitfield
	remote         *Handshake
	lastErr        error
	lastSeen       time.Time
	received       int
}

// NewPeer creates a disconnected Peer. Its socket worker lives until the
// peer is closed or ctx is cancelled.
func NewPeer(ctx context.Context, ip string, port int, id []byte, cfg PeerConfig) *Peer {
	logger := log.Default
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Peer{
		IP:          ip,
		Port:        port,
		ID:          id,
		addr:        net.JoinHostPort(ip, strconv.Itoa(port)),
		cfg:         cfg,
		logger:      logger,
		socket:      NewSocketChannel(ctx, cfg.Socket),
		state:       StateDisconnected,
		amChoking:   true,
		peerChoking: true,
		bitfield:    NewBitfield(nil),
	}
}

func (p *Peer) String() string {
	return "Peer: " + p.addr
}

// Addr is the host:port dialled.
func (p *Peer) Addr() string {
	return p.addr
}

// Connect moves Disconnected to Connecting and queues the dial.
func (p *Peer) Connect() error {
	if err := p.expect(StateDisconnected); err != nil {
		return err
	}
	if err := p.socket.Connect(p.addr); err != nil {
		return err
	}
	p.pending = append(p.pending, opConnect)
	p.setState(StateConnecting)
	return nil
}

// SendHandshake queues h on a Connected peer and moves it to
// HandshakePending.
func (p *Peer) SendHandshake(h Handshake) error {
	if err := p.expect(StateConnected); err != nil {
		return err
	}
	if err := p.socket.Send(h.Encode()); err != nil {
		return err
	}
	p.pending = append(p.pending, opSendHandshake)
	p.setState(StateHandshakePending)
	return nil
}

// ReceiveHandshake queues the read of the remote handshake: pstrlen first,
// the remainder once pstrlen is known.
func (p *Peer) ReceiveHandshake() error {
	if err := p.expect(StateHandshakePending); err != nil {
		return err
	}
	for _, op := range p.pending {
		if op == opHandshakePstrlen || op == opHandshakeBody {
			return fmt.Errorf("%w: handshake receive already queued", ErrInvalidState)
		}
	}
	if err := p.socket.Receive(1); err != nil {
		return err
	}
	p.pending = append(p.pending, opHandshakePstrlen)
	return nil
}

// ReceiveMessage queues the read of one length-prefixed frame. The frame is
// decoded and applied by a later Poll; callers loop.
func (p *Peer) ReceiveMessage() error {
	if err := p.expect(StateHandshakeComplete); err != nil {
		return err
	}
	if err := p.socket.ReceiveWithPrefix(LengthPrefixSize); err != nil {
		return err
	}
	p.pending = append(p.pending, opMessage)
	return nil
}

// Close queues release of the socket. The peer reaches Closed when the
// reply arrives, unless it already failed.
func (p *Peer) Close() error {
	if p.closing {
		return nil
	}
	p.closing = true
	if err := p.socket.Close(); err != nil {
		return err
	}
	p.pending = append(p.pending, opClose)
	return nil
}

// Idle reports whether no command is outstanding. A terminal, idle peer
// can be dropped.
func (p *Peer) Idle() bool {
	return len(p.pending) == 0
}

// Poll collects at most one reply, waiting up to timeout (0 does not wait),
// and applies it. It returns the decoded message when the reply carried
// one. Errors are per-peer: the peer is failed and its socket released.
func (p *Peer) Poll(timeout time.Duration) (Message, error) {
	if len(p.pending) == 0 {
		return nil, nil
	}
	r := p.socket.GetReply(timeout > 0, timeout)
	if r.Status == ReplyNone {
		return nil, nil
	}
	op := p.pending[0]
	p.pending = p.pending[1:]
	if r.Status == ReplyError && errors.Is(r.Err, ErrChannelClosed) {
		// the worker is gone; nothing else will be answered
		p.pending = nil
	}
	return p.handle(op, r)
}

// Step queues whatever the current state needs next, if nothing is
// outstanding, then polls once.
func (p *Peer) Step(timeout time.Duration) (Message, error) {
	if len(p.pending) == 0 {
		var err error
		switch p.State() {
		case StateDisconnected:
			err = p.Connect()
		case StateConnected:
			if err = p.SendHandshake(p.cfg.Handshake); err == nil {
				err = p.ReceiveHandshake()
			}
		case StateHandshakePending:
			err = p.ReceiveHandshake()
		case StateHandshakeComplete:
			err = p.ReceiveMessage()
		default:
			return nil, nil
		}
		if err != nil {
			return nil, p.fail(err)
		}
	}
	return p.Poll(timeout)
}

func (p *Peer) handle(op pendingOp, r Reply) (Message, error) {
	if op == opClose {
		if p.State() != StateFailed {
			p.setState(StateClosed)
		}
		return nil, nil
	}
	if p.State().Terminal() {
		// queued before the failure; nothing to apply
		return nil, nil
	}
	switch op {
	case opConnect:
		if r.Status == ReplyError {
			return nil, p.fail(fmt.Errorf("%s: %w", p.addr, r.Err))
		}
		p.setState(StateConnected)
		p.logger.WithLevel(log.Debug).Printf("%v: connected", p)
	case opSendHandshake:
		if r.Status == ReplyError {
			return nil, p.fail(&HandshakeError{Addr: p.addr, Reason: r.Err})
		}
	case opHandshakePstrlen:
		if r.Status == ReplyError || len(r.Payload) != 1 {
			return nil, p.fail(&HandshakeError{Addr: p.addr, Reason: r.Err})
		}
		p.pstrlen = r.Payload[0]
		if err := p.socket.Receive(int(p.pstrlen) + HandshakeLen - len(Pstr) - 1); err != nil {
			return nil, p.fail(&HandshakeError{Addr: p.addr, Reason: err})
		}
		p.pending = append(p.pending, opHandshakeBody)
	case opHandshakeBody:
		if r.Status == ReplyError {
			return nil, p.fail(&HandshakeError{Addr: p.addr, Reason: r.Err})
		}
		return nil, p.completeHandshake(append([]byte{p.pstrlen}, r.Payload...))
	case opMessage:
		if r.Status == ReplyError {
			return nil, p.fail(fmt.Errorf("%s: %w", p.addr, r.Err))
		}
		m, err := DecodeMessage(r.Payload)
		if err == nil {
			err = p.apply(m)
		}
		if err != nil {
			return nil, p.fail(fmt.Errorf("%s: %w", p.addr, err))
		}
		return m, nil
	}
	return nil, nil
}

func (p *Peer) completeHandshake(raw []byte) error {
	h, err := DecodeHandshake(raw)
	if err != nil {
		return p.fail(&HandshakeError{Addr: p.addr, Reason: err})
	}
	if h.Pstr != Pstr {
		return p.fail(&HandshakeError{Addr: p.addr, Reason: fmt.Errorf("unsupported protocol %q", h.Pstr)})
	}
	if h.InfoHash != p.cfg.Handshake.InfoHash {
		return p.fail(&HandshakeError{Addr: p.addr, Reason: fmt.Errorf("%w: got %s", errInfoHashMismatch, h.InfoHash.HexString())})
	}
	if len(p.ID) == len(h.PeerID) && !bytes.Equal(p.ID, h.PeerID[:]) {
		return p.fail(&HandshakeError{Addr: p.addr, Reason: fmt.Errorf("peer id %s differs from tracker's", h.PeerID.HexString())})
	}
	p.mu.Lock()
	p.remote = &h
	p.state = StateHandshakeComplete
	p.lastSeen = time.Now()
	p.mu.Unlock()
	p.logger.WithLevel(log.Debug).Printf("%v: handshake complete, peer id %q", p, h.PeerID.String())
	return nil
}

// apply mutates peer state from a decoded message. The bitfield is only ever
// changed here.
func (p *Peer) apply(m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	validate := p.cfg.ValidateBitfield && p.cfg.NumPieces > 0
	switch m := m.(type) {
	case KeepAlive:
	case Choke:
		p.peerChoking = true
	case Unchoke:
		p.peerChoking = false
	case Interested:
		p.peerInterested = true
	case NotInterested:
		p.peerInterested = false
	case Have:
		if validate && int64(m.Index) >= int64(p.cfg.NumPieces) {
			return fmt.Errorf("%w: have %d of %d pieces", ErrMalformedMessage, m.Index, p.cfg.NumPieces)
		}
		if limit := p.maxHaveIndex(); int64(m.Index) >= limit {
			return fmt.Errorf("%w: have %d past limit %d", ErrMalformedMessage, m.Index, limit)
		}
		p.bitfield.Set(int(m.Index))
	case BitfieldMessage:
		if validate {
			if err := ValidateBitfield(m.Bits, p.cfg.NumPieces); err != nil {
				return err
			}
		}
		p.bitfield = NewBitfield(m.Bits)
	case Request, Piece, Cancel, Port:
		p.logger.WithLevel(log.Debug).Printf("%v: ignoring %T", p, m)
	case Unknown:
		p.logger.WithLevel(log.Debug).Printf("%v: unknown message %s, %d bytes", p, m.ID, len(m.Payload))
	}
	p.lastSeen = time.Now()
	p.received++
	return nil
}

// maxUnboundedPieces caps have indices when neither a piece count nor a
// frame size limit bounds them.
const maxUnboundedPieces = 1 << 22

// maxHaveIndex is the first have index refused even without validation:
// past what the largest allowed bitfield frame could describe.
func (p *Peer) maxHaveIndex() int64 {
	if n := p.cfg.Socket.MaxFrameSize; n > 1 {
		return int64(n-1) * 8
	}
	return maxUnboundedPieces
}

// fail moves the peer to Failed, records err and queues the socket release.
func (p *Peer) fail(err error) error {
	p.mu.Lock()
	p.state = StateFailed
	p.lastErr = err
	p.mu.Unlock()
	p.logger.WithLevel(log.Warning).Printf("%v: %v", p, err)
	if cerr := p.Close(); cerr != nil {
		// worker already gone; nothing left to wait for
		p.pending = nil
	}
	return err
}

func (p *Peer) expect(s State) error {
	if cur := p.State(); cur != s {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, p.addr, cur, s)
	}
	return nil
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Err is the failure that moved the peer to Failed.
func (p *Peer) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Bitfield returns a copy of the remote peer's bitfield.
func (p *Peer) Bitfield() *Bitfield {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bitfield.Clone()
}

// RemoteHandshake is the handshake the peer sent, once validated.
func (p *Peer) RemoteHandshake() (Handshake, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.remote == nil {
		return Handshake{}, false
	}
	return *p.remote, true
}

// Flags are the four choke/interest flags.
type Flags struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

func (p *Peer) Flags() Flags {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Flags{
		AmChoking:      p.amChoking,
		AmInterested:   p.amInterested,
		PeerChoking:    p.peerChoking,
		PeerInterested: p.peerInterested,
	}
}

// PeerStatus is a read-only view for display.
type PeerStatus struct {
	Addr      string
	State     string
	PeerID    string
	Flags     Flags
	Pieces    int
	Bitfield  string
	Messages  int
	LastSeen  time.Time
	LastError string
}

func (p *Peer) Status() PeerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := PeerStatus{
		Addr:     p.addr,
		State:    p.state.String(),
		Flags:    Flags{p.amChoking, p.amInterested, p.peerChoking, p.peerInterested},
		Pieces:   p.bitfield.Count(),
		Bitfield: p.bitfield.String(),
		Messages: p.received,
		LastSeen: p.lastSeen,
	}
	if p.remote != nil {
		st.PeerID = hex.EncodeToString(p.remote.PeerID[:])
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}
