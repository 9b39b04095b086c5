// Package config loads runtime settings from flags, environment (ELM_*)
// and an optional config file through viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "ELM"

	defaultLogLevel       = "info"
	defaultStorage        = "file"
	defaultTransport      = "quic"
	defaultListenAddr     = "0.0.0.0:4242"
	defaultMode           = "secure"
	defaultTemplate       = "standup"
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectGrace = 30 * time.Second
	defaultMaxMessageAge  = 30 * time.Second
	defaultRetryBase      = time.Second
	defaultMaxRetries     = 3
	defaultRendezvousAddr = "0.0.0.0:8080"
	defaultBoardTTL       = 5 * time.Minute
)

// AppConfig is the resolved configuration of one elm process.
type AppConfig struct {
	LogLevel string
	DataDir  string

	// Storage is "file", "sqlite" or "memory".
	Storage    string
	SQLitePath string

	// Transport is "quic" or "webrtc".
	Transport  string
	ListenAddr string
	HostAddr   string
	Insecure   bool

	RendezvousURL string
	ICEServers    []string
	HostID        string

	// Mode is "secure" or "open".
	Mode           string
	// HostKey pins the host public key (hex) when joining.
	HostKey        string
	ConnectTimeout time.Duration
	ReconnectGrace time.Duration
	MaxMessageAge  time.Duration
	RetryBase      time.Duration
	MaxRetries     int

	DisplayName string
	Template    string
	MetricsPath string

	RendezvousAddress string
	AllowOrigins      []string
	BoardTTL          time.Duration

	// PprofAddr enables the profiling endpoint when set.
	PprofAddr        string
	PprofAllowPublic bool
}

// DefaultDataDir is ~/.elm.
func DefaultDataDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".elm"
	}
	return filepath.Join(h, ".elm")
}

func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("data.dir", DefaultDataDir())
	v.SetDefault("storage.kind", defaultStorage)
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("transport.kind", defaultTransport)
	v.SetDefault("transport.listen", defaultListenAddr)
	v.SetDefault("transport.host_addr", "")
	v.SetDefault("transport.insecure", false)
	v.SetDefault("transport.retry_base", defaultRetryBase)
	v.SetDefault("transport.max_retries", defaultMaxRetries)
	v.SetDefault("webrtc.rendezvous_url", "")
	v.SetDefault("webrtc.ice_servers", []string{})
	v.SetDefault("webrtc.host_id", "")
	v.SetDefault("session.mode", defaultMode)
	v.SetDefault("session.host_key", "")
	v.SetDefault("session.connect_timeout", defaultConnectTimeout)
	v.SetDefault("session.reconnect_grace", defaultReconnectGrace)
	v.SetDefault("session.max_message_age", defaultMaxMessageAge)
	v.SetDefault("meeting.name", "")
	v.SetDefault("meeting.template", defaultTemplate)
	v.SetDefault("metrics.path", "")
	v.SetDefault("rendezvous.address", defaultRendezvousAddr)
	v.SetDefault("rendezvous.allow_origins", []string{})
	v.SetDefault("rendezvous.ttl", defaultBoardTTL)
	v.SetDefault("debug.pprof_addr", "")
	v.SetDefault("debug.pprof_allow_public", false)
}

func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:          v.GetString("log.level"),
		DataDir:           v.GetString("data.dir"),
		Storage:           strings.ToLower(v.GetString("storage.kind")),
		SQLitePath:        v.GetString("storage.sqlite_path"),
		Transport:         strings.ToLower(v.GetString("transport.kind")),
		ListenAddr:        v.GetString("transport.listen"),
		HostAddr:          v.GetString("transport.host_addr"),
		Insecure:          v.GetBool("transport.insecure"),
		RetryBase:         v.GetDuration("transport.retry_base"),
		MaxRetries:        v.GetInt("transport.max_retries"),
		RendezvousURL:     v.GetString("webrtc.rendezvous_url"),
		ICEServers:        v.GetStringSlice("webrtc.ice_servers"),
		HostID:            v.GetString("webrtc.host_id"),
		Mode:              strings.ToLower(v.GetString("session.mode")),
		HostKey:           v.GetString("session.host_key"),
		ConnectTimeout:    v.GetDuration("session.connect_timeout"),
		ReconnectGrace:    v.GetDuration("session.reconnect_grace"),
		MaxMessageAge:     v.GetDuration("session.max_message_age"),
		DisplayName:       v.GetString("meeting.name"),
		Template:          v.GetString("meeting.template"),
		MetricsPath:       v.GetString("metrics.path"),
		RendezvousAddress: v.GetString("rendezvous.address"),
		AllowOrigins:      v.GetStringSlice("rendezvous.allow_origins"),
		BoardTTL:          v.GetDuration("rendezvous.ttl"),
		PprofAddr:         v.GetString("debug.pprof_addr"),
		PprofAllowPublic:  v.GetBool("debug.pprof_allow_public"),
	}
	if cfg.SQLitePath == "" && cfg.DataDir != "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "elm.db")
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Storage {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.kind %q: want file, sqlite or memory", c.Storage)
	}
	if c.Storage != "memory" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	switch c.Transport {
	case "quic", "webrtc":
	default:
		return fmt.Errorf("transport.kind %q: want quic or webrtc", c.Transport)
	}
	switch c.Mode {
	case "secure", "open":
	default:
		return fmt.Errorf("session.mode %q: want secure or open", c.Mode)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be positive")
	}
	if c.MaxMessageAge <= 0 {
		return fmt.Errorf("session.max_message_age must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("transport.max_retries must not be negative")
	}
	return nil
}

// ValidateJoin checks the settings a follower needs on top of validate.
func (c AppConfig) ValidateJoin() error {
	switch c.Transport {
	case "quic":
		if strings.TrimSpace(c.HostAddr) == "" {
			return fmt.Errorf("transport.host_addr is required to join over quic")
		}
	case "webrtc":
		if strings.TrimSpace(c.RendezvousURL) == "" {
			return fmt.Errorf("webrtc.rendezvous_url is required to join over webrtc")
		}
		if strings.TrimSpace(c.HostID) == "" {
			return fmt.Errorf("webrtc.host_id is required to join over webrtc")
		}
	}
	return nil
}

// ValidateHost checks the settings a host needs on top of validate.
func (c AppConfig) ValidateHost() error {
	if c.Transport == "webrtc" && strings.TrimSpace(c.RendezvousURL) == "" {
		return fmt.Errorf("webrtc.rendezvous_url is required to host over webrtc")
	}
	if c.Transport == "quic" && strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("transport.listen is required to host over quic")
	}
	return nil
}
