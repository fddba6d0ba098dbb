package server

import (
	"sync/atomic"
	"time"
)

func (s *Server) backgroundRoutines() {

	// initial state
	s.refreshState()
	s.state.Stats.System.loadStats(s.engine.Config().WatchDirectory)

	go func() {
		for range s.syncConnected {
			if atomic.CompareAndSwapInt32(&(s.syncSemphor), 0, 1) {
				go s.tickerRoutine()
			}
		}
	}()

	go func() {
		if s.engine.Config().TrackerListURL != "" {
			if err := s.engine.UpdateTrackers(); err != nil {
				log.Println(err)
			}
		}
	}()

	s.engine.RestoreTorrent("*.torrent")
	if err := s.engine.StartTorrentWatcher(); err != nil {
		log.Println(err)
	}
}

// tickerRoutine pushes the engine state while sync clients are connected
func (s *Server) tickerRoutine() {
	dur := 3 * time.Second
	tk := time.NewTicker(dur)
	defer tk.Stop()

	log.Println("[tickerRoutine] sync connected, ticking for", dur)
	var noConnCount uint
	for range tk.C {

		if s.state.NumConnections() == 0 {
			noConnCount++
		} else {
			noConnCount = 0
		}
		if noConnCount > 60 { // about 3 minutes
			atomic.StoreInt32(&(s.syncSemphor), 0)
			log.Println("[tickerRoutine] exit for no web connections")
			return
		}

		s.state.Lock()
		s.state.Stats.System.loadStats(s.engine.Config().WatchDirectory)
		s.state.Unlock()
		s.refreshState()
	}
}
