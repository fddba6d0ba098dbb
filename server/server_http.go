package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jpillora/velox"
)

func (s *Server) webHandle(w http.ResponseWriter, r *http.Request) {

	switch r.URL.Path {

	case "/", "/index.html":
		if err := s.renderIndex(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	case "/sync":
		//handle realtime client connections, setting content-encoding to avoid gzip buffer
		w.Header().Set("Content-Encoding", "identity")
		conn, err := velox.Sync(&s.state, w, r)
		if err != nil {
			log.Printf("sync failed: %s", err)
			return
		}
		select {
		case s.syncConnected <- struct{}{}:
		default:
		}
		s.state.Lock()
		s.state.Users[conn.ID()] = r.RemoteAddr
		s.state.Unlock()
		s.state.Push()
		conn.Wait()
		s.state.Lock()
		delete(s.state.Users, conn.ID())
		s.state.Unlock()
		s.state.Push()
		return
	case "/js/velox.js":
		velox.JS.ServeHTTP(w, r)
		return
	}

	pathDir := strings.SplitN(r.URL.Path[1:], "/", 2)
	switch pathDir[0] {
	case "api":
		w.Header().Set("Access-Control-Allow-Headers", "authorization")
		s.restAPIhandle(w, r)
	default:
		//no match, assume static file
		s.statich.ServeHTTP(w, r)
	}

}

// restAPIhandle dispatches /api/ requests by method
func (s *Server) restAPIhandle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case "POST":
		if err := s.apiPOST(r); err != nil {
			http.Error(w, fmt.Sprintf("%s:%s:%v", r.Method, r.URL, err.Error()), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	case "GET":
		if err := s.apiGET(w, r); err != nil {
			http.Error(w, fmt.Sprintf("%s:%s:%v", r.Method, r.URL, err.Error()), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, fmt.Sprintf("%s:%s:Method Not Allowed", r.Method, r.URL), http.StatusBadRequest)
	}
}
