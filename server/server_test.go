package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/wire-torrent/engine"
)

func newTestServer(t *testing.T, auth string) (*Server, http.Handler) {
	t.Helper()
	s := &Server{Title: "wire test", Auth: auth}
	c := engine.DefaultConfig()
	c.WatchDirectory = t.TempDir()
	if err := s.init("1.2.3", c); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.engine.Close)
	return s, s.handler()
}

func torrentBody(t *testing.T, name string) []byte {
	t.Helper()
	ib, err := bencode.Marshal(metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 40),
		Length:      20000,
	})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	mi := metainfo.MetaInfo{InfoBytes: ib}
	if err := mi.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func do(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestServerPages(t *testing.T) {
	_, h := newTestServer(t, "")
	tests := []struct {
		name     string
		path     string
		wantCode int
		contains string
	}{
		{"health", "/healthz", http.StatusOK, "OK"},
		{"index", "/", http.StatusOK, "<title>wire test</title>"},
		{"velox", "/js/velox.js", http.StatusOK, ""},
		{"asset", "/app.js", http.StatusOK, "velox("},
		{"missing asset", "/nope.js", http.StatusNotFound, ""},
		{"bad api", "/api/nope", http.StatusBadRequest, "Invalid path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, "GET", tt.path, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("GET %s = %d", tt.path, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("GET %s body does not contain %q", tt.path, tt.contains)
			}
		})
	}
}

func TestServerTorrentAPI(t *testing.T) {
	s, h := newTestServer(t, "")

	if rec := do(h, "POST", "/api/torrentfile", torrentBody(t, "api.bin")); rec.Code != http.StatusOK {
		t.Fatalf("add = %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, "POST", "/api/torrentfile", []byte("garbage")); rec.Code != http.StatusBadRequest {
		t.Errorf("add garbage = %d", rec.Code)
	}

	rec := do(h, "GET", "/api/torrents", nil)
	var ts map[string]engine.TorrentStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &ts); err != nil {
		t.Fatal(err)
	}
	if len(ts) != 1 {
		t.Fatalf("torrents = %v", ts)
	}
	var ih string
	for k, v := range ts {
		ih = k
		if v.Name != "api.bin" || v.NumPieces != 2 {
			t.Errorf("torrent = %+v", v)
		}
	}
	s.state.Lock()
	pushed := len(s.state.Torrents)
	s.state.Unlock()
	if pushed != 1 {
		t.Errorf("pushed state has %d torrents", pushed)
	}

	if rec := do(h, "GET", "/api/peers?ih="+ih, nil); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("peers = %d %q", rec.Code, rec.Body)
	}
	if rec := do(h, "POST", "/api/torrent", []byte("peer:"+ih+":127.0.0.1:6881")); rec.Code != http.StatusBadRequest {
		t.Errorf("peer on stopped torrent = %d", rec.Code)
	}
	if rec := do(h, "POST", "/api/torrent", []byte("pause:"+ih)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad state = %d", rec.Code)
	}
	if rec := do(h, "POST", "/api/torrent", []byte("remove:"+ih)); rec.Code != http.StatusOK {
		t.Fatalf("remove = %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, "GET", "/api/peers?ih="+ih, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("peers of removed torrent = %d", rec.Code)
	}
	if rec := do(h, "PUT", "/api/torrents", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("PUT = %d", rec.Code)
	}
}

func TestServerConfigure(t *testing.T) {
	s, h := newTestServer(t, "")
	if rec := do(h, "POST", "/api/configure", []byte(`{"MaxPeers": 7}`)); rec.Code != http.StatusOK {
		t.Fatalf("configure = %d %s", rec.Code, rec.Body)
	}
	if s.engine.Config().MaxPeers != 7 {
		t.Errorf("MaxPeers = %d", s.engine.Config().MaxPeers)
	}
	if rec := do(h, "POST", "/api/configure", []byte(`{"PeerIDPrefix": "-ZZ0000-"}`)); rec.Code != http.StatusBadRequest {
		t.Errorf("prefix change = %d", rec.Code)
	}
	var c engine.Config
	rec := do(h, "GET", "/api/config", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil || c.MaxPeers != 7 {
		t.Errorf("config = %+v %v", c, err)
	}
}

func TestServerAuth(t *testing.T) {
	_, h := newTestServer(t, "user:secret")
	if rec := do(h, "GET", "/api/torrents", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials = %d", rec.Code)
	}
	req := httptest.NewRequest("GET", "/api/torrents", nil)
	req.SetBasicAuth("user", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with credentials = %d", rec.Code)
	}
	if rec := do(h, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz behind auth = %d", rec.Code)
	}
}

func TestServerGzip(t *testing.T) {
	_, h := newTestServer(t, "")
	req := httptest.NewRequest("GET", "/api/torrents", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(zr)
	if strings.TrimSpace(string(b)) != "{}" {
		t.Errorf("body = %q", b)
	}
}
