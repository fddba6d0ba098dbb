package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/boypt/wire-torrent/common"
	"github.com/spf13/viper"
)

const maxTorrentFileSize = 10 << 20

func (s *Server) apiGET(w http.ResponseWriter, r *http.Request) error {
	action := strings.TrimPrefix(r.URL.Path, "/api/")
	var v interface{}
	switch action {
	case "torrents":
		v = s.engine.GetTorrents()
	case "peers":
		peers, err := s.engine.Peers(r.URL.Query().Get("ih"))
		if err != nil {
			return err
		}
		v = peers
	case "config":
		v = s.engine.Config()
	case "stat":
		s.state.Lock()
		v = s.state.Stats
		s.state.Unlock()
	default:
		return errors.New("Invalid path")
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) apiPOST(r *http.Request) error {
	defer r.Body.Close()

	action := strings.TrimPrefix(r.URL.Path, "/api/")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxTorrentFileSize))
	if err != nil {
		return fmt.Errorf("Failed to download request body")
	}

	//update after action completes
	defer s.refreshState()

	switch action {
	case "torrentfile":
		ih, err := s.engine.AddTorrent(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("Torrent error: %w", err)
		}
		log.Println("[api] torrent added", ih)
	case "torrent":
		cmd := strings.SplitN(string(data), ":", 3)
		if len(cmd) < 2 {
			return fmt.Errorf("Invalid request")
		}
		state := cmd[0]
		infohash := cmd[1]
		switch state {
		case "remove":
			if err := s.engine.Remove(infohash); err != nil {
				return err
			}
		case "peer":
			if len(cmd) != 3 {
				return fmt.Errorf("Invalid request")
			}
			if err := s.engine.AddPeer(infohash, cmd[2]); err != nil {
				return err
			}
		default:
			return fmt.Errorf("Invalid state: %s", state)
		}
	case "configure":
		if err := s.apiConfigure(data); err != nil {
			return err
		}
	default:
		return fmt.Errorf("Invalid action: %s", action)
	}
	return nil
}

func (s *Server) apiConfigure(data []byte) error {
	c := s.engine.Config()
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	old := s.engine.Config()
	if reflect.DeepEqual(old, c) {
		log.Printf("[api] configure unchanged")
		return nil
	}
	if err := s.engine.Configure(c); err != nil {
		return err
	}
	c = s.engine.Config()
	old.SyncViper(c)
	if viper.ConfigFileUsed() != "" {
		common.HandleError(c.WriteYaml())
	}
	s.state.Lock()
	s.state.Config = c
	s.state.Unlock()
	log.Printf("[api] config saved")
	return nil
}

// refreshState copies the engine snapshot into the pushed state.
func (s *Server) refreshState() {
	ts := s.engine.GetTorrents()
	s.state.Lock()
	s.state.Torrents = ts
	s.state.Unlock()
	s.state.Push()
}

