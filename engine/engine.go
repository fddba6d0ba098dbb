package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/boypt/wire-torrent/peerwire"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Engine runs one peer session per torrent.
type Engine struct {
	sync.RWMutex
	config    Config
	peerID    peerwire.PeerID
	ts        map[string]*Torrent
	bttracker []string
	watcher   *fsnotify.Watcher
	download  *rate.Limiter
	ctx       context.Context
}

func New(c Config) (*Engine, error) {
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	id, err := peerwire.GeneratePeerID(c.PeerIDPrefix)
	if err != nil {
		return nil, err
	}
	log.Printf("peer id %s", id)
	return &Engine{
		config:   c,
		peerID:   id,
		ts:       map[string]*Torrent{},
		download: c.DownloadLimiter(),
	}, nil
}

func (e *Engine) Config() Config {
	e.RLock()
	defer e.RUnlock()
	return e.config
}

func (e *Engine) PeerID() peerwire.PeerID {
	return e.peerID
}

// Configure applies nc, restarting sessions or the watcher when the change
// requires it.
func (e *Engine) Configure(nc Config) error {
	if err := nc.Normalize(); err != nil {
		return err
	}
	e.RLock()
	status := e.config.Validate(&nc)
	e.RUnlock()
	if status&ForbidRuntimeChange > 0 {
		return fmt.Errorf("PeerIDPrefix cannot be changed at runtime")
	}

	e.Lock()
	e.config = nc
	e.download = nc.DownloadLimiter()
	e.Unlock()

	if status&NeedUpdateTracker > 0 {
		if nc.TrackerListURL == "" {
			e.Lock()
			e.bttracker = nil
			e.Unlock()
		} else if err := e.UpdateTrackers(); err != nil {
			log.Println("[Configure] UpdateTrackers", err)
		}
	}
	if status&NeedRestartWatch > 0 {
		if err := e.StartTorrentWatcher(); err != nil {
			log.Println("[Configure] watcher", err)
		}
	}
	if status&(NeedRestartSessions|NeedUpdateTracker) > 0 {
		e.restartSessions()
	}
	return nil
}

func (e *Engine) sessionConfig() sessionConfig {
	e.RLock()
	defer e.RUnlock()
	c := e.config
	maxFrame, _ := c.MessageSizeLimit()
	return sessionConfig{
		peerID:       e.peerID,
		port:         c.IncomingPort,
		numWant:      c.NumWant,
		maxPeers:     c.MaxPeers,
		pollInterval: c.PollInterval,
		reannounce:   c.ReannounceInterval,
		validate:     c.ValidateBitfield,
		socket: peerwire.SocketConfig{
			DialTimeout:  c.DialTimeout,
			IOTimeout:    c.IOTimeout,
			MaxFrameSize: maxFrame,
			Limiter:      e.download,
		},
		dial:          c.DialLimiter(),
		extraTrackers: append([]string{}, e.bttracker...),
	}
}

// AddTorrentFile loads a .torrent file and returns its info hash.
func (e *Engine) AddTorrentFile(path string) (string, error) {
	t, err := LoadTorrent(path)
	if err != nil {
		return "", err
	}
	return e.addTorrent(t, true)
}

func (e *Engine) AddTorrent(r io.Reader) (string, error) {
	t, err := ReadTorrent(r)
	if err != nil {
		return "", err
	}
	return e.addTorrent(t, true)
}

func (e *Engine) addTorrent(t *Torrent, cache bool) (string, error) {
	e.Lock()
	if _, ok := e.ts[t.InfoHash]; ok {
		e.Unlock()
		return t.InfoHash, fmt.Errorf("torrent %s already added", t.InfoHash)
	}
	e.ts[t.InfoHash] = t
	ctx := e.ctx
	e.Unlock()

	log.Println("[addTorrent]", t.InfoHash, t.Name, len(t.Trackers), "trackers")
	if cache {
		e.newTorrentCacheFile(t)
	}
	if ctx != nil {
		t.start(ctx, e.sessionConfig())
	}
	return t.InfoHash, nil
}

// Remove stops the torrent's session and forgets it.
func (e *Engine) Remove(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	t.stop()
	e.Lock()
	delete(e.ts, t.InfoHash)
	e.Unlock()
	e.removeTorrentCache(t.InfoHash)
	return nil
}

// AddPeer queues a peer given as host:port on a running torrent.
func (e *Engine) AddPeer(infohash, addr string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	pa, err := peerAddrFromString(addr)
	if err != nil {
		return err
	}
	return t.queuePeers(pa)
}

// Run starts every known torrent and any torrent added later, until ctx is
// done. Sessions are stopped before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.Lock()
	if e.ctx != nil {
		e.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.ctx = ctx
	e.Unlock()

	sc := e.sessionConfig()
	for _, t := range e.torrents() {
		t.start(ctx, sc)
	}
	<-ctx.Done()
	e.stopSessions()

	e.Lock()
	e.ctx = nil
	e.Unlock()
	return nil
}

func (e *Engine) restartSessions() {
	e.RLock()
	ctx := e.ctx
	e.RUnlock()
	if ctx == nil {
		return
	}
	e.stopSessions()
	sc := e.sessionConfig()
	for _, t := range e.torrents() {
		t.start(ctx, sc)
	}
}

func (e *Engine) stopSessions() {
	var wg sync.WaitGroup
	for _, t := range e.torrents() {
		wg.Add(1)
		go func(t *Torrent) {
			defer wg.Done()
			t.stop()
		}(t)
	}
	wg.Wait()
}

// GetTorrents returns a snapshot keyed by info hash.
func (e *Engine) GetTorrents() map[string]TorrentStatus {
	ts := e.torrents()
	m := make(map[string]TorrentStatus, len(ts))
	for _, t := range ts {
		m[t.InfoHash] = t.Status()
	}
	return m
}

func (e *Engine) Peers(infohash string) ([]PeerView, error) {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return nil, err
	}
	return t.Peers(), nil
}

// Close stops the watcher and every session.
func (e *Engine) Close() {
	e.Lock()
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
	e.Unlock()
	e.stopSessions()
}
