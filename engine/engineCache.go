package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const (
	cacheSavedPrefix = "_WTAUTOSAVED_"
)

func (e *Engine) cacheFilePath(infohash string) string {
	e.RLock()
	defer e.RUnlock()
	return filepath.Join(e.config.WatchDirectory,
		fmt.Sprintf("%s%s.torrent", cacheSavedPrefix, infohash))
}

func (e *Engine) newTorrentCacheFile(t *Torrent) {
	dir := filepath.Dir(e.cacheFilePath(t.InfoHash))
	if w, err := os.Stat(dir); err != nil || !w.IsDir() {
		return
	}
	cacheFilePath := e.cacheFilePath(t.InfoHash)
	// only create the cache file if not exists
	// avoid recreating cache files during boot import
	if _, err := os.Stat(cacheFilePath); !os.IsNotExist(err) {
		return
	}
	cf, err := os.Create(cacheFilePath)
	if err != nil {
		log.Println("failed to create torrent file ", err)
		return
	}
	defer cf.Close()
	if err := t.meta.Write(cf); err != nil {
		log.Println("failed to write torrent file ", err)
		return
	}
	log.Println("created torrent cache file", t.InfoHash)
}

func (e *Engine) removeTorrentCache(infohash string) {
	if err := os.Remove(e.cacheFilePath(infohash)); err == nil {
		log.Printf("removed torrent file %s", infohash)
	} else if !os.IsNotExist(err) {
		log.Printf("fail to removed torrent file %s, %s", infohash, err)
	}
}

// RestoreTorrent adds every torrent file in the watch directory matching
// fnpattern. Cache files are kept, other files are removed once added.
func (e *Engine) RestoreTorrent(fnpattern string) {
	e.RLock()
	dir := e.config.WatchDirectory
	e.RUnlock()
	log.Println("RestoreTorrent", fnpattern)
	tors, _ := filepath.Glob(filepath.Join(dir, fnpattern))
	for _, fn := range tors {
		t, err := LoadTorrent(fn)
		if err != nil {
			log.Printf("Inital Task: fail to add %s, ERR:%v\n", fn, err)
			continue
		}
		cached := strings.HasPrefix(filepath.Base(fn), cacheSavedPrefix)
		if _, err := e.addTorrent(t, !cached); err != nil {
			log.Printf("Inital Task: fail to add %s, ERR:%v\n", fn, err)
			continue
		}
		if cached {
			log.Printf("[RestoreTorrent] Restored: %s \n", fn)
		} else {
			log.Printf("Task: added %s, file removed\n", fn)
			os.Remove(fn)
		}
	}
}

func (e *Engine) StartTorrentWatcher() error {
	e.Lock()
	defer e.Unlock()

	if e.watcher != nil {
		log.Println("Torrent Watcher: close")
		e.watcher.Close()
		e.watcher = nil
	}

	dir := e.config.WatchDirectory
	if err := mkdir(dir); err != nil {
		return fmt.Errorf("[Watcher] %w", err)
	}

	log.Printf("Torrent Watcher: watching torrent file in %s", dir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	e.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				baseName := path.Base(event.Name)
				if strings.HasPrefix(baseName, cacheSavedPrefix) ||
					!strings.HasSuffix(baseName, ".torrent") {
					continue
				}

				if st, err := os.Stat(event.Name); err != nil {
					continue
				} else if st.IsDir() {
					continue
				}

				if _, err := e.AddTorrentFile(event.Name); err == nil {
					log.Printf("Torrent Watcher: added %s, file removed\n", event.Name)
					os.Remove(event.Name)
				} else {
					log.Printf("Torrent Watcher: fail to add %s, ERR:%v\n", event.Name, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Println("error:", err)
			}
		}
	}()

	return nil
}
