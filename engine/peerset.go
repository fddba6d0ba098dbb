package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/boypt/wire-torrent/peerwire"
	"golang.org/x/time/rate"
)

// PeerEvent is one outcome of a PeerSet poll round.
type PeerEvent struct {
	Addr    string
	Message peerwire.Message
	Err     error
}

// PeerSet owns the peers of one torrent. At most maxPeers are live at a
// time, the rest wait in a FIFO backlog. All methods except Snapshot and
// the counters must be called from the owning goroutine.
type PeerSet struct {
	ctx      context.Context
	cfg      peerwire.PeerConfig
	maxPeers int
	dial     *rate.Limiter

	backlog *syncList
	known   map[string]struct{}

	mu      sync.RWMutex
	active  []*peerwire.Peer
	retired int
	failed  int
}

func NewPeerSet(ctx context.Context, cfg peerwire.PeerConfig, maxPeers int, dial *rate.Limiter) *PeerSet {
	if dial == nil {
		dial = rate.NewLimiter(rate.Inf, 0)
	}
	return &PeerSet{
		ctx:      ctx,
		cfg:      cfg,
		maxPeers: maxPeers,
		dial:     dial,
		backlog:  NewSyncList(),
		known:    map[string]struct{}{},
	}
}

// Add queues peers not seen before and returns how many were new.
func (s *PeerSet) Add(addrs ...PeerAddr) int {
	n := 0
	for _, a := range addrs {
		k := a.String()
		if _, ok := s.known[k]; ok {
			continue
		}
		s.known[k] = struct{}{}
		s.backlog.Push(a)
		n++
	}
	return n
}

// Poll starts backlog peers while there is room, then steps every live
// peer once, waiting at most timeout on each. Peers that are terminal and
// have nothing in flight are retired.
func (s *PeerSet) Poll(timeout time.Duration) []PeerEvent {
	s.fill()

	var events []PeerEvent
	s.mu.RLock()
	live := make([]*peerwire.Peer, len(s.active))
	copy(live, s.active)
	s.mu.RUnlock()

	for _, p := range live {
		m, err := p.Step(timeout)
		if m != nil || err != nil {
			events = append(events, PeerEvent{Addr: p.Addr(), Message: m, Err: err})
		}
		if err != nil {
			log.Println("[PeerSet]", p, err)
		}
	}
	s.retire()
	return events
}

func (s *PeerSet) fill() {
	for {
		s.mu.RLock()
		room := len(s.active) < s.maxPeers
		s.mu.RUnlock()
		if !room || s.backlog.Len() == 0 || !s.dial.Allow() {
			return
		}
		a, ok := s.backlog.Pop().(PeerAddr)
		if !ok {
			return
		}
		p := peerwire.NewPeer(s.ctx, a.IP.String(), a.Port, a.ID, s.cfg)
		s.mu.Lock()
		s.active = append(s.active, p)
		s.mu.Unlock()
	}
}

func (s *PeerSet) retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.active[:0]
	for _, p := range s.active {
		if p.State().Terminal() && p.Idle() {
			s.retired++
			if p.State() == peerwire.StateFailed {
				s.failed++
			}
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.active); i++ {
		s.active[i] = nil
	}
	s.active = kept
}

// Close asks every live peer to close. Their close replies are collected
// by later polls.
func (s *PeerSet) Close() {
	s.mu.RLock()
	live := make([]*peerwire.Peer, len(s.active))
	copy(live, s.active)
	s.mu.RUnlock()
	for _, p := range live {
		if !p.State().Terminal() {
			p.Close()
		}
	}
	for s.backlog.Pop() != nil {
	}
}

// Drop removes addr from the backlog or closes its live peer.
func (s *PeerSet) Drop(addr string) bool {
	s.backlog.Remove(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.active {
		if p.Addr() == addr {
			p.Close()
			return true
		}
	}
	return false
}

func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *PeerSet) Backlog() int {
	return s.backlog.Len()
}

// Snapshot returns the status of every live peer.
func (s *PeerSet) Snapshot() []peerwire.PeerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := make([]peerwire.PeerStatus, 0, len(s.active))
	for _, p := range s.active {
		st = append(st, p.Status())
	}
	return st
}

// Counts returns how many peers are connected (handshake complete),
// retired and failed.
func (s *PeerSet) Counts() (handshaked, retired, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.active {
		if p.State() == peerwire.StateHandshakeComplete {
			handshaked++
		}
	}
	return handshaked, s.retired, s.failed
}

func peerAddrFromString(addr string) (PeerAddr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return PeerAddr{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return PeerAddr{}, err
		}
		ip = ips[0]
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return PeerAddr{}, err
	}
	return PeerAddr{IP: ip, Port: p}, nil
}
