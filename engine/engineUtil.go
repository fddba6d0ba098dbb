package engine

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

func (e *Engine) torrents() []*Torrent {
	e.RLock()
	defer e.RUnlock()
	ts := make([]*Torrent, 0, len(e.ts))
	for _, t := range e.ts {
		ts = append(ts, t)
	}
	return ts
}

func (e *Engine) getTorrent(infohash string) (*Torrent, error) {
	var ih metainfo.Hash
	if err := ih.FromHexString(infohash); err != nil {
		return nil, fmt.Errorf("invalid info hash %q: %w", infohash, err)
	}
	e.RLock()
	defer e.RUnlock()
	t, ok := e.ts[ih.HexString()]
	if !ok {
		return t, fmt.Errorf("Missing torrent %x", ih)
	}
	return t, nil
}

// UpdateTrackers loads the extra tracker list announced to alongside each
// torrent's own trackers.
func (e *Engine) UpdateTrackers() error {
	var txtlines []string
	e.RLock()
	url := e.config.TrackerListURL
	e.RUnlock()

	if !strings.HasPrefix(url, "https://") {
		err := fmt.Errorf("UpdateTrackers: trackers url invalid: %s (only https:// supported), extra trackers list now empty.", url)
		log.Println(err.Error())
		e.Lock()
		e.bttracker = txtlines
		e.Unlock()
		return err
	}

	log.Printf("UpdateTrackers: loading trackers from %s\n", url)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("UpdateTrackers: %s returned %s", url, resp.Status)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		txtlines = append(txtlines, line)
	}

	e.Lock()
	e.bttracker = txtlines
	e.Unlock()
	log.Printf("UpdateTrackers: loaded %d trackers \n", len(txtlines))
	return nil
}
