package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/wire-torrent/peerwire"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

const sessionDrainTimeout = 5 * time.Second

type Torrent struct {
	InfoHash    string
	Name        string
	Size        int64
	NumPieces   int
	PieceLength int64
	Trackers    []string
	Files       []*File
	AddedAt     time.Time

	//session
	Started      bool
	Announces    int
	LastAnnounce time.Time
	NextAnnounce time.Time
	Messages     int
	LastError    string

	meta     *metainfo.MetaInfo
	ih       metainfo.Hash
	peers    *PeerSet
	addPeers chan []PeerAddr
	cancel   context.CancelFunc
	done     chan struct{}
	sync.Mutex
}

// TorrentStatus is a copy of a torrent's state safe to hand to readers.
type TorrentStatus struct {
	InfoHash     string
	Name         string
	Size         int64
	HumanSize    string
	NumPieces    int
	PieceLength  int64
	Trackers     []string
	Files        []*File
	AddedAt      time.Time
	Started      bool
	Announces    int
	LastAnnounce time.Time
	NextAnnounce time.Time
	Messages     int
	LastError    string
	Active       int
	Connected    int
	Backlog      int
	Retired      int
	Failed       int
}

// PeerView adds display fields to a peer's status.
type PeerView struct {
	peerwire.PeerStatus
	Seen string
}

func LoadTorrent(path string) (*Torrent, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return newTorrent(mi)
}

func ReadTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.Load(r)
	if err != nil {
		return nil, fmt.Errorf("read torrent: %w", err)
	}
	return newTorrent(mi)
}

func newTorrent(mi *metainfo.MetaInfo) (*Torrent, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("invalid info dict: %w", err)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", info.PieceLength)
	}
	ih := mi.HashInfoBytes()
	return &Torrent{
		InfoHash:    ih.HexString(),
		Name:        info.Name,
		Size:        info.TotalLength(),
		NumPieces:   info.NumPieces(),
		PieceLength: info.PieceLength,
		Trackers:    announceURLs(mi),
		Files:       filesFromInfo(&info),
		AddedAt:     time.Now(),
		meta:        mi,
		ih:          ih,
		addPeers:    make(chan []PeerAddr, 8),
	}, nil
}

// announceURLs flattens the announce tiers, falling back to the single
// announce key, without duplicates.
func announceURLs(mi *metainfo.MetaInfo) []string {
	var urls []string
	seen := map[string]struct{}{}
	add := func(u string) {
		if _, ok := seen[u]; ok || u == "" {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	add(mi.Announce)
	return urls
}

// Handshake returns the handshake this client sends for the torrent.
func (t *Torrent) Handshake(peerID peerwire.PeerID) peerwire.Handshake {
	h, _ := peerwire.NewHandshake(t.ih[:], peerID[:])
	return h
}

func (t *Torrent) Status() TorrentStatus {
	t.Lock()
	defer t.Unlock()
	st := TorrentStatus{
		InfoHash:     t.InfoHash,
		Name:         t.Name,
		Size:         t.Size,
		HumanSize:    humanize.Bytes(uint64(t.Size)),
		NumPieces:    t.NumPieces,
		PieceLength:  t.PieceLength,
		Trackers:     t.Trackers,
		Files:        t.Files,
		AddedAt:      t.AddedAt,
		Started:      t.Started,
		Announces:    t.Announces,
		LastAnnounce: t.LastAnnounce,
		NextAnnounce: t.NextAnnounce,
		Messages:     t.Messages,
		LastError:    t.LastError,
	}
	if t.peers != nil {
		st.Active = t.peers.Len()
		st.Backlog = t.peers.Backlog()
		st.Connected, st.Retired, st.Failed = t.peers.Counts()
	}
	return st
}

// Peers returns the live peers of a started torrent.
func (t *Torrent) Peers() []PeerView {
	t.Lock()
	ps := t.peers
	t.Unlock()
	if ps == nil {
		return []PeerView{}
	}
	snap := ps.Snapshot()
	views := make([]PeerView, 0, len(snap))
	for _, st := range snap {
		v := PeerView{PeerStatus: st, Seen: "never"}
		if !st.LastSeen.IsZero() {
			v.Seen = humanize.Time(st.LastSeen)
		}
		views = append(views, v)
	}
	return views
}

// sessionConfig is what a running torrent takes from the engine.
type sessionConfig struct {
	peerID        peerwire.PeerID
	port          int
	numWant       int
	maxPeers      int
	pollInterval  time.Duration
	reannounce    time.Duration
	validate      bool
	socket        peerwire.SocketConfig
	dial          *rate.Limiter
	extraTrackers []string
}

func (t *Torrent) start(parent context.Context, sc sessionConfig) {
	t.Lock()
	defer t.Unlock()
	if t.Started {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.peers = NewPeerSet(ctx, peerwire.PeerConfig{
		Handshake:        t.Handshake(sc.peerID),
		NumPieces:        t.NumPieces,
		ValidateBitfield: sc.validate,
		Socket:           sc.socket,
	}, sc.maxPeers, sc.dial)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.Started = true
	go func(done chan struct{}) {
		defer close(done)
		t.run(ctx, sc)
	}(t.done)
	log.Println("[Torrent] started", t.InfoHash, t.Name)
}

// stop cancels the session and waits for its peers to be released.
func (t *Torrent) stop() {
	t.Lock()
	if !t.Started {
		t.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.Unlock()

	cancel()
	<-done

	t.Lock()
	t.Started = false
	t.NextAnnounce = time.Time{}
	t.Unlock()
	log.Println("[Torrent] stopped", t.InfoHash)
}

func (t *Torrent) run(ctx context.Context, sc sessionConfig) {
	trackers := append(append([]string{}, t.Trackers...), sc.extraTrackers...)
	announcer := NewAnnouncer(trackers)
	reannounce := time.NewTimer(0)
	defer reannounce.Stop()

	for {
		events := t.peers.Poll(0)
		t.record(events)

		wait := sc.pollInterval
		if len(events) > 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			t.drain()
			return
		case <-reannounce.C:
			reannounce.Reset(t.announce(ctx, announcer, sc))
		case addrs := <-t.addPeers:
			n := t.peers.Add(addrs...)
			log.Printf("[Torrent] %s: %d peers queued", t.InfoHash, n)
		case <-time.After(wait):
		}
	}
}

// announce asks the trackers for peers and returns the delay before the
// next announce.
func (t *Torrent) announce(ctx context.Context, a *Announcer, sc sessionConfig) time.Duration {
	res, err := a.Announce(ctx, AnnounceRequest{
		InfoHash: t.ih,
		PeerID:   sc.peerID,
		Port:     sc.port,
		Left:     t.Size,
		NumWant:  sc.numWant,
	})
	interval := res.Interval
	if interval <= 0 {
		interval = sc.reannounce
	}
	n := t.peers.Add(res.Peers...)

	t.Lock()
	defer t.Unlock()
	t.Announces++
	t.LastAnnounce = time.Now()
	t.NextAnnounce = t.LastAnnounce.Add(interval)
	if err != nil {
		t.LastError = err.Error()
		log.Printf("[Torrent] %s: announce failed: %v", t.InfoHash, err)
	} else {
		log.Printf("[Torrent] %s: %d new peers, next announce in %s", t.InfoHash, n, interval)
	}
	return interval
}

func (t *Torrent) record(events []PeerEvent) {
	if len(events) == 0 {
		return
	}
	t.Lock()
	defer t.Unlock()
	for _, ev := range events {
		if ev.Message != nil {
			t.Messages++
		}
	}
}

// drain closes every peer and keeps collecting replies until all of them
// are retired.
func (t *Torrent) drain() {
	t.peers.Close()
	deadline := time.Now().Add(sessionDrainTimeout)
	for t.peers.Len() > 0 && time.Now().Before(deadline) {
		if len(t.peers.Poll(10*time.Millisecond)) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if n := t.peers.Len(); n > 0 {
		log.Printf("[Torrent] %s: %d peers still busy after drain", t.InfoHash, n)
	}
}

// queuePeers hands manually added peers to the session goroutine.
func (t *Torrent) queuePeers(addrs ...PeerAddr) error {
	t.Lock()
	started := t.Started
	t.Unlock()
	if !started {
		return fmt.Errorf("torrent %s not started", t.InfoHash)
	}
	select {
	case t.addPeers <- addrs:
		return nil
	default:
		return fmt.Errorf("torrent %s busy", t.InfoHash)
	}
}
