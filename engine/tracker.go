package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/tracker"
	"github.com/boypt/wire-torrent/peerwire"
)

const trackerUserAgent = "wire-torrent/1.0"

var errNoTrackers = errors.New("no announce urls")

// PeerAddr is a peer descriptor as handed out by a tracker.
type PeerAddr struct {
	IP   net.IP
	Port int
	ID   []byte
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

type AnnounceRequest struct {
	InfoHash metainfo.Hash
	PeerID   peerwire.PeerID
	Port     int
	Left     int64
	NumWant  int
}

type AnnounceResult struct {
	Peers    []PeerAddr
	Interval time.Duration
}

// Announce sends a "started" announce to a single tracker.
func Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (AnnounceResult, error) {
	resp, err := tracker.Announce{
		TrackerUrl: trackerURL,
		UserAgent:  trackerUserAgent,
		Context:    ctx,
		Request: tracker.AnnounceRequest{
			InfoHash: req.InfoHash,
			PeerId:   req.PeerID,
			Left:     req.Left,
			NumWant:  int32(req.NumWant),
			Port:     uint16(req.Port),
			Event:    tracker.Started,
		},
	}.Do()
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("announce %s: %w", trackerURL, err)
	}
	res := AnnounceResult{Interval: time.Duration(resp.Interval) * time.Second}
	for _, p := range resp.Peers {
		if p.IP == nil || p.Port <= 0 || p.Port > 65535 {
			continue
		}
		res.Peers = append(res.Peers, PeerAddr{IP: p.IP, Port: p.Port, ID: p.ID})
	}
	return res, nil
}

// Announcer asks every tracker of a torrent for peers and merges the
// answers. A tracker failure is logged, not fatal, as long as one succeeds.
type Announcer struct {
	URLs     []string
	announce func(context.Context, string, AnnounceRequest) (AnnounceResult, error)
}

func NewAnnouncer(urls []string) *Announcer {
	return &Announcer{URLs: urls, announce: Announce}
}

func (a *Announcer) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	if len(a.URLs) == 0 {
		return AnnounceResult{}, errNoTrackers
	}
	var (
		merged  AnnounceResult
		lastErr error
		ok      bool
		seen    = map[string]struct{}{}
	)
	for _, u := range a.URLs {
		if ctx.Err() != nil {
			return merged, ctx.Err()
		}
		res, err := a.announce(ctx, u, req)
		if err != nil {
			log.Println("[Announcer]", err)
			lastErr = err
			continue
		}
		ok = true
		if res.Interval > 0 && (merged.Interval == 0 || res.Interval < merged.Interval) {
			merged.Interval = res.Interval
		}
		for _, p := range res.Peers {
			k := p.String()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			merged.Peers = append(merged.Peers, p)
		}
		log.Printf("[Announcer] %s returned %d peers", u, len(res.Peers))
	}
	if !ok {
		return merged, lastErr
	}
	return merged, nil
}
