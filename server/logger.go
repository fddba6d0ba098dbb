package server

import (
	stdlog "log"
	"os"
)

var log = stdlog.New(os.Stdout, "[server]", stdlog.LstdFlags|stdlog.Lmsgprefix)
