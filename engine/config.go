package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"
)

const (
	ForbidRuntimeChange uint8 = 1 << iota
	NeedRestartSessions
	NeedRestartWatch
	NeedUpdateTracker
)

const (
	defaultPeerIDPrefix   = "-WT0001-"
	defaultMaxMessageSize = "256kb"
)

type Config struct {
	IncomingPort       int           `yaml:"IncomingPort"`
	WatchDirectory     string        `yaml:"WatchDirectory"`
	MaxPeers           int           `yaml:"MaxPeers"`
	NumWant            int           `yaml:"NumWant"`
	DialTimeout        time.Duration `yaml:"DialTimeout"`
	DialRate           float64       `yaml:"DialRate"`
	IOTimeout          time.Duration `yaml:"IOTimeout"`
	PollInterval       time.Duration `yaml:"PollInterval"`
	ReannounceInterval time.Duration `yaml:"ReannounceInterval"`
	MaxMessageSize     string        `yaml:"MaxMessageSize"`
	DownloadRate       string        `yaml:"DownloadRate"`
	ValidateBitfield   bool          `yaml:"ValidateBitfield"`
	PeerIDPrefix       string        `yaml:"PeerIDPrefix"`
	TrackerListURL     string        `yaml:"TrackerListURL"`
	EngineDebug        bool          `yaml:"EngineDebug"`
}

// DefaultConfig mirrors the viper defaults for callers that skip InitConf.
func DefaultConfig() Config {
	return Config{
		IncomingPort:       50007,
		WatchDirectory:     "./torrents",
		MaxPeers:           30,
		NumWant:            50,
		DialTimeout:        5 * time.Second,
		DialRate:           10,
		IOTimeout:          3 * time.Minute,
		PollInterval:       100 * time.Millisecond,
		ReannounceInterval: 30 * time.Minute,
		MaxMessageSize:     defaultMaxMessageSize,
		ValidateBitfield:   true,
		PeerIDPrefix:       defaultPeerIDPrefix,
	}
}

func InitConf(specPath string) (*Config, error) {

	viper.SetConfigName("wire-torrent")
	viper.AddConfigPath("/etc/wire-torrent/")
	viper.AddConfigPath("$HOME/.wire-torrent")
	viper.AddConfigPath(".")

	d := DefaultConfig()
	viper.SetDefault("IncomingPort", d.IncomingPort)
	viper.SetDefault("WatchDirectory", d.WatchDirectory)
	viper.SetDefault("MaxPeers", d.MaxPeers)
	viper.SetDefault("NumWant", d.NumWant)
	viper.SetDefault("DialTimeout", d.DialTimeout.String())
	viper.SetDefault("DialRate", d.DialRate)
	viper.SetDefault("IOTimeout", d.IOTimeout.String())
	viper.SetDefault("PollInterval", d.PollInterval.String())
	viper.SetDefault("ReannounceInterval", d.ReannounceInterval.String())
	viper.SetDefault("MaxMessageSize", d.MaxMessageSize)
	viper.SetDefault("DownloadRate", "")
	viper.SetDefault("ValidateBitfield", d.ValidateBitfield)
	viper.SetDefault("PeerIDPrefix", d.PeerIDPrefix)

	// user specific config path
	if stat, err := os.Stat(specPath); stat != nil && err == nil {
		viper.SetConfigFile(specPath)
	}

	configExists := true
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || strings.Contains(err.Error(), "Not Found") {
			configExists = false
			if specPath == "" {
				specPath = "./wire-torrent.yaml"
			}
			viper.SetConfigFile(specPath)
		} else {
			return nil, err
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, err
	}
	if err := c.Normalize(); err != nil {
		return nil, err
	}

	cf := viper.ConfigFileUsed()
	log.Println("[config] selected config file: ", cf)
	if !configExists {
		if err := c.WriteYaml(); err != nil {
			log.Println("[config] failed to write config file", cf, err)
		} else {
			log.Println("[config] config file written: ", cf)
		}
	}

	return c, nil
}

// Normalize resolves the watch directory and checks the values peer
// sessions depend on.
func (c *Config) Normalize() error {
	if c.WatchDirectory != "" {
		wdir, err := filepath.Abs(c.WatchDirectory)
		if err != nil {
			return fmt.Errorf("invalid path %s: %w", c.WatchDirectory, err)
		}
		c.WatchDirectory = wdir
	}
	if c.IncomingPort <= 0 || c.IncomingPort >= 65535 {
		return fmt.Errorf("invalid incoming port (%d)", c.IncomingPort)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("invalid max peers (%d)", c.MaxPeers)
	}
	if len(c.PeerIDPrefix) > 20 {
		return fmt.Errorf("peer id prefix %q longer than 20 bytes", c.PeerIDPrefix)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if _, err := c.MessageSizeLimit(); err != nil {
		return err
	}
	return nil
}

// MessageSizeLimit parses MaxMessageSize, e.g. "256kb".
func (c *Config) MessageSizeLimit() (int, error) {
	if c.MaxMessageSize == "" {
		return 0, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.ToLower(c.MaxMessageSize))); err != nil {
		return 0, fmt.Errorf("invalid MaxMessageSize %q: %w", c.MaxMessageSize, err)
	}
	if v > 2147483647 {
		return 0, fmt.Errorf("MaxMessageSize %q exceeds int", c.MaxMessageSize)
	}
	return int(v), nil
}

func (c *Config) DownloadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.DownloadRate)
	if err != nil {
		log.Printf("RateLimit [%s] unreconized, set as unlimited", c.DownloadRate)
		c.DownloadRate = ""
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

// DialLimiter paces connection attempts across a torrent's peers.
func (c *Config) DialLimiter() *rate.Limiter {
	if c.DialRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(c.DialRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.DialRate), burst)
}

// Validate reports what a change from c to nc requires.
func (c *Config) Validate(nc *Config) uint8 {

	var status uint8

	if c.PeerIDPrefix != nc.PeerIDPrefix {
		status |= ForbidRuntimeChange
	}
	if c.WatchDirectory != nc.WatchDirectory {
		status |= NeedRestartWatch
	}
	if c.TrackerListURL != nc.TrackerListURL {
		status |= NeedUpdateTracker
	}

	rfc := reflect.ValueOf(c)
	rfnc := reflect.ValueOf(nc)

	for _, field := range []string{"IncomingPort", "MaxPeers", "NumWant",
		"DialTimeout", "DialRate", "IOTimeout", "MaxMessageSize",
		"DownloadRate", "ValidateBitfield"} {

		cval := reflect.Indirect(rfc).FieldByName(field)
		ncval := reflect.Indirect(rfnc).FieldByName(field)

		if cval.Interface() != ncval.Interface() {
			status |= NeedRestartSessions
			break
		}
	}

	return status
}

func (c *Config) SyncViper(nc Config) {
	cv := reflect.ValueOf(*c)
	nv := reflect.ValueOf(nc)
	typeOfC := cv.Type()
	for i := 0; i < typeOfC.NumField(); i++ {
		if cv.Field(i).Interface() != nv.Field(i).Interface() {
			name := typeOfC.Field(i).Name
			oval := cv.Field(i).Interface()
			val := nv.Field(i).Interface()
			viper.Set(name, val)
			log.Println("config updated ", name, ": ", oval, " -> ", val)
		}
	}
}

func (c *Config) WriteYaml() error {
	cf := viper.ConfigFileUsed()
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cf, d, 0666)
}
