package server

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/boypt/wire-torrent/engine"
	"github.com/boypt/wire-torrent/server/httpmiddleware"
	ctstatic "github.com/boypt/wire-torrent/static"
	"github.com/jpillora/cookieauth"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/velox"
	"github.com/skratchdot/open-golang/open"
)

//Server is the "State" portion of the diagram
type Server struct {
	//config
	Title          string   `opts:"help=Title of this instance,env=TITLE"`
	Port           int      `opts:"help=Listening port,env=PORT"`
	Host           string   `opts:"help=Listening interface (default all)"`
	Auth           string   `opts:"help=Optional basic auth in form 'user:password',env=AUTH"`
	ConfigPath     string   `opts:"help=Configuration file path"`
	KeyPath        string   `opts:"help=TLS Key file path"`
	CertPath       string   `opts:"help=TLS Certicate file path,short=r"`
	Log            bool     `opts:"help=Enable request logging"`
	Open           bool     `opts:"help=Open now with your default browser"`
	DisableLogTime bool     `opts:"help=Don't print timestamp in log"`
	Torrent        []string `opts:"help=Torrent file to add on start (repeatable)"`

	//http handlers
	statich  http.Handler
	baseInfo *BaseInfo

	//sync
	syncConnected chan struct{}
	syncSemphor   int32

	//torrent engine
	engine *engine.Engine
	state  struct {
		velox.State
		sync.Mutex
		Config   engine.Config
		Torrents map[string]engine.TorrentStatus
		Users    map[string]string
		Stats    struct {
			Title   string
			Version string
			Runtime string
			PeerID  string
			Uptime  time.Time
			System  stats
		}
	}
}

// Run the server
func (s *Server) Run(version string) error {
	isTLS := s.CertPath != "" || s.KeyPath != "" //poor man's XOR
	if isTLS && (s.CertPath == "" || s.KeyPath == "") {
		return fmt.Errorf("You must provide both key and cert paths")
	}
	if s.DisableLogTime {
		engine.SetLoggerFlag(0)
		log.SetFlags(0)
	}

	c, err := engine.InitConf(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("initial configure failed: %w", err)
	}
	if err := s.init(version, *c); err != nil {
		return err
	}

	for _, fn := range s.Torrent {
		if ih, err := s.engine.AddTorrentFile(fn); err != nil {
			log.Printf("[Run] fail to add %s: %v", fn, err)
		} else {
			log.Println("[Run] added", fn, ih)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		s.engine.Run(ctx)
	}()
	s.backgroundRoutines()

	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.Port)
	proto := "http"
	if isTLS {
		proto += "s"
	}
	if s.Open {
		openhost := host
		if openhost == "0.0.0.0" {
			openhost = "localhost"
		}
		go func() {
			time.Sleep(1 * time.Second)
			open.Run(fmt.Sprintf("%s://%s:%d", proto, openhost, s.Port))
		}()
	}

	log.Printf("Listening at %s://%s", proto, addr)
	server := &http.Server{
		//disable http2 due to velox bug
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		//address
		Addr: addr,
		//handler stack
		Handler: s.handler(),
	}
	go func() {
		<-ctx.Done()
		log.Println("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(sctx)
	}()

	if isTLS {
		err = server.ListenAndServeTLS(s.CertPath, s.KeyPath)
	} else {
		err = server.ListenAndServe()
	}
	stop()
	<-engineDone
	s.engine.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// init builds the engine and the pushed state.
func (s *Server) init(version string, c engine.Config) error {
	e, err := engine.New(c)
	if err != nil {
		return err
	}
	s.engine = e
	s.syncConnected = make(chan struct{})
	s.statich = ctstatic.FileSystemHandler()
	s.baseInfo = &BaseInfo{
		Uptime:  time.Now().Unix(),
		Title:   s.Title,
		Version: version,
		Runtime: strings.TrimPrefix(runtime.Version(), "go"),
	}

	s.state.Config = e.Config()
	s.state.Users = map[string]string{}
	s.state.Torrents = map[string]engine.TorrentStatus{}
	s.state.Stats.Title = s.Title
	s.state.Stats.Version = version
	s.state.Stats.Runtime = s.baseInfo.Runtime
	s.state.Stats.PeerID = e.PeerID().String()
	s.state.Stats.Uptime = time.Now()
	return nil
}

// handler is the chain, from last to first
func (s *Server) handler() http.Handler {
	h := http.Handler(http.HandlerFunc(s.webHandle))
	//gzip
	gzipWrap, _ := gziphandler.NewGzipLevelAndMinSize(gzip.DefaultCompression, 0)
	h = gzipWrap(h)
	//auth
	if s.Auth != "" {
		user := s.Auth
		pass := ""
		if s := strings.SplitN(s.Auth, ":", 2); len(s) == 2 {
			user = s[0]
			pass = s[1]
		}
		h = cookieauth.New().SetUserPass(user, pass).Wrap(h)
		log.Printf("Enabled HTTP authentication")
	}
	h = httpmiddleware.Liveness(h)
	if s.Log {
		h = requestlog.Wrap(h)
	}
	return h
}

type BaseInfo struct {
	Uptime  int64
	Title   string
	Version string
	Runtime string
}

func (s *Server) renderIndex(w http.ResponseWriter) error {
	c, err := ctstatic.ReadAll("index.html")
	if err != nil {
		return err
	}
	tpl, err := template.New("index.html").Delims("[[", "]]").Parse(string(c))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tpl.Execute(w, s.baseInfo)
}
