package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"mellium.im/xmpp/jid"

	"github.com/jitsi/jicoco-sub000/internal/xmpp"
)

// Duration is a time.Duration that decodes from a TOML string ("5s", "1m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the daemon configuration.
type Config struct {
	Logging     LoggingConfig `toml:"logging"`
	Features    []string      `toml:"features"`
	Wire        WireConfig    `toml:"wire"`
	Connections []Connection  `toml:"connection"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// WireConfig contains the transport-wide timings, applied once at startup.
type WireConfig struct {
	DialTimeout   Duration `toml:"dial_timeout"`
	RetryInterval Duration `toml:"retry_interval"`
	PingInterval  Duration `toml:"ping_interval"`
	PingTimeout   Duration `toml:"ping_timeout"`
	JoinTimeout   Duration `toml:"join_timeout"`
}

// Connection describes one XMPP connection and the rooms it joins.
type Connection struct {
	ID       string `toml:"id"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Domain   string `toml:"domain"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Nickname string `toml:"nickname"`

	Rooms []string `toml:"rooms"`

	DisableCertVerify bool   `toml:"disable_cert_verify"`
	SecurityMode      string `toml:"security_mode"`
	IQMode            string `toml:"iq_mode"`

	RetryInterval Duration `toml:"retry_interval"`
	PingInterval  Duration `toml:"ping_interval"`
	JoinTimeout   Duration `toml:"join_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	md, err := toml.NewDecoder(f).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// A key in the wrong place (say, a top-level list after a table header)
	// silently lands somewhere else in the TOML tree; better to refuse it
	// than to run with half the config missing.
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.ID == "" {
			return fmt.Errorf("connection #%d has no id", i)
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate connection id %q", conn.ID)
		}
		seen[conn.ID] = true
		for _, room := range conn.Rooms {
			if _, err := jid.Parse(room); err != nil {
				return fmt.Errorf("connection %q: invalid room %q: %w", conn.ID, room, err)
			}
		}
	}
	return nil
}

// WireDefaults converts the transport settings for xmpp.InitWireDefaults.
func (c *Config) WireDefaults() xmpp.WireDefaults {
	return xmpp.WireDefaults{
		DialTimeout:   time.Duration(c.Wire.DialTimeout),
		RetryInterval: time.Duration(c.Wire.RetryInterval),
		PingInterval:  time.Duration(c.Wire.PingInterval),
		PingTimeout:   time.Duration(c.Wire.PingTimeout),
		JoinTimeout:   time.Duration(c.Wire.JoinTimeout),
	}
}

// ToXMPP converts a connection entry into the runtime connection config.
func (c Connection) ToXMPP() (xmpp.ConnectionConfig, error) {
	rooms := make([]jid.JID, 0, len(c.Rooms))
	for _, room := range c.Rooms {
		j, err := jid.Parse(room)
		if err != nil {
			return xmpp.ConnectionConfig{}, fmt.Errorf("invalid room %q: %w", room, err)
		}
		rooms = append(rooms, j)
	}
	return xmpp.ConnectionConfig{
		ID:                c.ID,
		Host:              c.Host,
		Port:              c.Port,
		Domain:            c.Domain,
		Username:          c.Username,
		Password:          c.Password,
		Nickname:          c.Nickname,
		Rooms:             rooms,
		DisableCertVerify: c.DisableCertVerify,
		SecurityMode:      xmpp.SecurityMode(c.SecurityMode),
		IQMode:            xmpp.IQMode(c.IQMode),
		RetryInterval:     time.Duration(c.RetryInterval),
		PingInterval:      time.Duration(c.PingInterval),
		JoinTimeout:       time.Duration(c.JoinTimeout),
	}, nil
}
