package engine

import (
	"testing"
	"time"

	"github.com/boypt/wire-torrent/peerwire"
)

func TestConfig_MessageSizeLimit(t *testing.T) {
	tests := []struct {
		name    string
		size    string
		want    int
		wantErr bool
	}{
		{"default", "256kb", 256 * 1024, false},
		{"upper", "1MB", 1024 * 1024, false},
		{"bytes", "100b", 100, false},
		{"empty", "", 0, false},
		{"bad", "lots", 0, true},
		{"huge", "4gb", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{MaxMessageSize: tt.size}
			got, err := c.MessageSizeLimit()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageSizeLimit() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("MessageSizeLimit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_Normalize(t *testing.T) {
	c := DefaultConfig()
	c.WatchDirectory = "rel"
	c.PollInterval = 0
	if err := c.Normalize(); err != nil {
		t.Fatal(err)
	}
	if c.WatchDirectory == "rel" || c.PollInterval != 100*time.Millisecond {
		t.Errorf("Normalize() left %q %v", c.WatchDirectory, c.PollInterval)
	}

	bad := []func(*Config){
		func(c *Config) { c.IncomingPort = 0 },
		func(c *Config) { c.MaxPeers = 0 },
		func(c *Config) { c.PeerIDPrefix = "-this-prefix-is-too-long-" },
		func(c *Config) { c.MaxMessageSize = "nope" },
	}
	for i, mut := range bad {
		c := DefaultConfig()
		mut(&c)
		if err := c.Normalize(); err == nil {
			t.Errorf("case %d: Normalize() accepted invalid config", i)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		want uint8
	}{
		{"same", func(*Config) {}, 0},
		{"prefix", func(c *Config) { c.PeerIDPrefix = "-XX0000-" }, ForbidRuntimeChange},
		{"watch", func(c *Config) { c.WatchDirectory = "/tmp/other" }, NeedRestartWatch},
		{"tracker", func(c *Config) { c.TrackerListURL = "https://example.com/t.txt" }, NeedUpdateTracker},
		{"peers", func(c *Config) { c.MaxPeers = 5 }, NeedRestartSessions},
		{"rate", func(c *Config) { c.DownloadRate = "low"; c.WatchDirectory = "/x" }, NeedRestartSessions | NeedRestartWatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			nc := DefaultConfig()
			tt.mut(&nc)
			if got := c.Validate(&nc); got != tt.want {
				t.Errorf("Validate() = %b, want %b", got, tt.want)
			}
		})
	}
}

func TestConfig_DialLimiter(t *testing.T) {
	c := DefaultConfig()
	l := c.DialLimiter()
	if l.Burst() != 10 {
		t.Errorf("burst = %d", l.Burst())
	}
	c.DialRate = 0
	if !c.DialLimiter().Allow() {
		t.Error("unlimited dial limiter refused")
	}
}

func TestDefaultConfigIOTimeout(t *testing.T) {
	if c := DefaultConfig(); c.IOTimeout <= peerwire.KeepAliveInterval {
		t.Errorf("IOTimeout %v does not outlast the %v keep-alive interval", c.IOTimeout, peerwire.KeepAliveInterval)
	}
}
