// Package config loads and merges configuration from a TOML file and
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Duration wraps time.Duration so that BurntSushi/toml can decode "30s"-style
// strings via the encoding.TextUnmarshaler interface.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DiscoveryConfig controls the broadcast discovery rounds.
type DiscoveryConfig struct {
	BroadcastIP string   `toml:"broadcast_ip"`
	Port        int      `toml:"port"`
	Period      Duration `toml:"period"`
	Timeout     Duration `toml:"timeout"`
	// MissedRounds is how many consecutive rounds a device may be absent
	// before it is evicted. 1 evicts on the first miss.
	MissedRounds int `toml:"missed_rounds"`
	// Aliases renames device-reported aliases. Mapping an alias to ""
	// ignores that device.
	Aliases map[string]string `toml:"aliases"`
}

// PollConfig controls the metrics poll cycle.
type PollConfig struct {
	Period        Duration `toml:"period"`
	DeviceTimeout Duration `toml:"device_timeout"`
}

// PlugConfig holds the per-request transport settings for plugs.
type PlugConfig struct {
	Port        int      `toml:"port"`
	DialTimeout Duration `toml:"dial_timeout"`
	IOTimeout   Duration `toml:"io_timeout"`
}

// RegistryConfig selects the registry backend. "memory" keeps the registry
// in-process; "sqlite" shares it through a database file so discovery and
// polling can run as separate processes.
type RegistryConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Key     string `toml:"key"`
}

// PrometheusConfig controls the scrape endpoint.
type PrometheusConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

// MQTTConfig holds MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	Retained    bool   `toml:"retained"`
	QOS         byte   `toml:"qos"`
	TLSCACert   string `toml:"tls_ca_cert"`
}

// InfluxDBConfig holds InfluxDB v2 write settings.
type InfluxDBConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Token         string `toml:"token"`
	Org           string `toml:"org"`
	Bucket        string `toml:"bucket"`
	BatchSize     int    `toml:"batch_size"`
	FlushInterval int    `toml:"flush_interval"` // seconds
}

// NUTConfig holds Network UPS Tools client settings for the optional UPS
// collector.
type NUTConfig struct {
	Enabled      bool     `toml:"enabled"`
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	UPSName      string   `toml:"ups_name"`
	PollInterval Duration `toml:"poll_interval"`
	// Timeout bounds each read, including the dial when upsd is
	// unreachable.
	Timeout Duration `toml:"timeout"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Config is the top-level configuration struct.
type Config struct {
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Poll       PollConfig       `toml:"poll"`
	Plug       PlugConfig       `toml:"plug"`
	Registry   RegistryConfig   `toml:"registry"`
	Prometheus PrometheusConfig `toml:"prometheus"`
	MQTT       MQTTConfig       `toml:"mqtt"`
	InfluxDB   InfluxDBConfig   `toml:"influxdb"`
	NUT        NUTConfig        `toml:"nut"`
	Log        LogConfig        `toml:"log"`
}

// Load reads config from the first existing path in paths, then applies
// environment variable overrides.  Missing files are skipped silently;
// a malformed file returns an error.  Calling Load() with no arguments
// returns pure defaults plus any env overrides.
func Load(paths ...string) (*Config, error) {
	cfg := defaults()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
			break // first found file wins
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("checking config path %q: %w", path, statErr)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Discovery.Period.Duration <= 0 {
		return fmt.Errorf("discovery.period must be positive, got %s", c.Discovery.Period)
	}
	if c.Poll.Period.Duration <= 0 {
		return fmt.Errorf("poll.period must be positive, got %s", c.Poll.Period)
	}
	if c.Discovery.Timeout.Duration <= 0 {
		return fmt.Errorf("discovery.timeout must be positive, got %s", c.Discovery.Timeout)
	}
	if c.Plug.DialTimeout.Duration <= 0 {
		return fmt.Errorf("plug.dial_timeout must be positive, got %s", c.Plug.DialTimeout)
	}
	if c.Plug.IOTimeout.Duration <= 0 {
		return fmt.Errorf("plug.io_timeout must be positive, got %s", c.Plug.IOTimeout)
	}
	if c.NUT.Enabled {
		if c.NUT.PollInterval.Duration <= 0 {
			return fmt.Errorf("nut.poll_interval must be positive, got %s", c.NUT.PollInterval)
		}
		if c.NUT.Timeout.Duration <= 0 {
			return fmt.Errorf("nut.timeout must be positive, got %s", c.NUT.Timeout)
		}
	}
	if c.Discovery.MissedRounds < 1 {
		return fmt.Errorf("discovery.missed_rounds must be at least 1, got %d", c.Discovery.MissedRounds)
	}
	switch c.Registry.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("registry.backend must be \"memory\" or \"sqlite\", got %q", c.Registry.Backend)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			BroadcastIP:  "192.168.8.255",
			Port:         9999,
			Period:       Duration{10 * time.Second},
			Timeout:      Duration{3 * time.Second},
			MissedRounds: 1,
		},
		Poll: PollConfig{
			Period:        Duration{5 * time.Second},
			DeviceTimeout: Duration{2 * time.Second},
		},
		Plug: PlugConfig{
			Port:        9999,
			DialTimeout: Duration{time.Second},
			IOTimeout:   Duration{2 * time.Second},
		},
		Registry: RegistryConfig{
			Backend: "memory",
			Path:    "/var/lib/plug-metrics/registry.db",
			Key:     "plugs",
		},
		Prometheus: PrometheusConfig{
			Enabled: true,
			Port:    9999,
			Path:    "/metrics",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "plug-metrics",
			TopicPrefix: "plugs",
			Retained:    true,
			QOS:         1,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "plugs",
			BatchSize:     100,
			FlushInterval: 10,
		},
		NUT: NUTConfig{
			Host:         "localhost",
			Port:         3493,
			UPSName:      "ups",
			PollInterval: Duration{30 * time.Second},
			Timeout:      Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// applyEnvOverrides copies recognised environment variables into cfg. The
// unprefixed DISCOVERY_PERIOD, UPDATE_PERIOD, BROADCAST_IP and SERVER_PORT
// names are kept for compatibility with existing deployments; everything
// else uses the PLUG_METRICS_ prefix.
func applyEnvOverrides(cfg *Config) {
	envSeconds("DISCOVERY_PERIOD", &cfg.Discovery.Period)
	envSeconds("UPDATE_PERIOD", &cfg.Poll.Period)
	envString("BROADCAST_IP", &cfg.Discovery.BroadcastIP)
	envInt("SERVER_PORT", &cfg.Prometheus.Port)

	envDuration("PLUG_METRICS_DISCOVERY_TIMEOUT", &cfg.Discovery.Timeout)
	envInt("PLUG_METRICS_DISCOVERY_MISSED_ROUNDS", &cfg.Discovery.MissedRounds)
	envDuration("PLUG_METRICS_POLL_DEVICE_TIMEOUT", &cfg.Poll.DeviceTimeout)
	envInt("PLUG_METRICS_PLUG_PORT", &cfg.Plug.Port)

	envString("PLUG_METRICS_REGISTRY_BACKEND", &cfg.Registry.Backend)
	envString("PLUG_METRICS_REGISTRY_PATH", &cfg.Registry.Path)
	envString("PLUG_METRICS_REGISTRY_KEY", &cfg.Registry.Key)

	envBool("PLUG_METRICS_PROMETHEUS_ENABLED", &cfg.Prometheus.Enabled)

	envBool("PLUG_METRICS_MQTT_ENABLED", &cfg.MQTT.Enabled)
	envString("PLUG_METRICS_MQTT_BROKER", &cfg.MQTT.Broker)
	envString("PLUG_METRICS_MQTT_USERNAME", &cfg.MQTT.Username)
	envString("PLUG_METRICS_MQTT_PASSWORD", &cfg.MQTT.Password)
	envString("PLUG_METRICS_MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	envString("PLUG_METRICS_MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	envBool("PLUG_METRICS_MQTT_RETAINED", &cfg.MQTT.Retained)
	if v := os.Getenv("PLUG_METRICS_MQTT_QOS"); v != "" {
		if q, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.MQTT.QOS = byte(q)
		} else {
			log.Warn().Err(err).Str("value", v).Msg("config: ignoring invalid PLUG_METRICS_MQTT_QOS")
		}
	}
	envString("PLUG_METRICS_MQTT_TLS_CA_CERT", &cfg.MQTT.TLSCACert)

	envBool("PLUG_METRICS_INFLUXDB_ENABLED", &cfg.InfluxDB.Enabled)
	envString("PLUG_METRICS_INFLUXDB_URL", &cfg.InfluxDB.URL)
	envString("PLUG_METRICS_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)
	envString("PLUG_METRICS_INFLUXDB_ORG", &cfg.InfluxDB.Org)
	envString("PLUG_METRICS_INFLUXDB_BUCKET", &cfg.InfluxDB.Bucket)

	envBool("PLUG_METRICS_NUT_ENABLED", &cfg.NUT.Enabled)
	envString("PLUG_METRICS_NUT_HOST", &cfg.NUT.Host)
	envInt("PLUG_METRICS_NUT_PORT", &cfg.NUT.Port)
	envString("PLUG_METRICS_NUT_USERNAME", &cfg.NUT.Username)
	envString("PLUG_METRICS_NUT_PASSWORD", &cfg.NUT.Password)
	envString("PLUG_METRICS_NUT_UPS_NAME", &cfg.NUT.UPSName)
	envDuration("PLUG_METRICS_NUT_POLL_INTERVAL", &cfg.NUT.PollInterval)
	envDuration("PLUG_METRICS_NUT_TIMEOUT", &cfg.NUT.Timeout)

	envString("PLUG_METRICS_LOG_LEVEL", &cfg.Log.Level)
	envString("PLUG_METRICS_LOG_FORMAT", &cfg.Log.Format)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Err(err).Str("value", v).Msgf("config: ignoring invalid %s", name)
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration{d}
		} else {
			log.Warn().Err(err).Str("value", v).Msgf("config: ignoring invalid %s", name)
		}
	}
}

// envSeconds reads an integer number of seconds.
func envSeconds(name string, dst *Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = Duration{time.Duration(n) * time.Second}
		} else {
			log.Warn().Str("value", v).Msgf("config: ignoring invalid %s, want positive integer seconds", name)
		}
	}
}
