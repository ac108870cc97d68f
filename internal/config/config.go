package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trail-svr/internal/cycle"
)

// Uplink modes.
const (
	UplinkGRPC = "grpc"
	UplinkLink = "link"
)

// Duration is a time.Duration written as "10s" or "24h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Redis struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	FeedMax  int      `yaml:"feed_max"`
	FeedTTL  Duration `yaml:"feed_ttl"`
}

type Dispatch struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	SendTimeout     Duration `yaml:"send_timeout"`
	// Uplink is "grpc" or "link".
	Uplink         string `yaml:"uplink"`
	ClearFeedOnEnd bool   `yaml:"clear_feed_on_end"`
}

type Playback struct {
	Window          int      `yaml:"window"`
	SegmentDuration Duration `yaml:"segment_duration"`
	FrameInterval   Duration `yaml:"frame_interval"`
}

type Config struct {
	TCPPort     string `yaml:"tcp_port"`
	HTTPPort    string `yaml:"http_port"`
	MetricsPort string `yaml:"metrics_port"`
	GRPCServer  string `yaml:"grpc_server"`
	ProxyAddr   string `yaml:"proxy_addr"`
	LogLevel    string `yaml:"log_level"`
	FrameLogDir string `yaml:"frame_log_dir"`

	Identity cycle.Identity `yaml:"identity"`
	Redis    Redis          `yaml:"redis"`
	Dispatch Dispatch       `yaml:"dispatch"`
	Playback Playback       `yaml:"playback"`
}

func Default() Config {
	return Config{
		TCPPort:     "8001",
		HTTPPort:    "8080",
		MetricsPort: "9000",
		GRPCServer:  "localhost:50051",
		ProxyAddr:   "localhost:7000",
		LogLevel:    "info",
		Identity: cycle.Identity{
			TerminalID:      "TERM-0001",
			ManufacturerID:  "TRAIL",
			ProtocolVersion: "1.0",
			DeviceSerial:    "SN-0001",
		},
		Redis: Redis{
			Addr:    "localhost:6379",
			FeedMax: 5000,
			FeedTTL: Duration(24 * time.Hour),
		},
		Dispatch: Dispatch{
			IntervalSeconds: 10,
			SendTimeout:     Duration(5 * time.Second),
			Uplink:          UplinkGRPC,
		},
		Playback: Playback{
			Window:          60,
			SegmentDuration: Duration(time.Second),
			FrameInterval:   Duration(50 * time.Millisecond),
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is set and exists), then environment variables. A .env file in the
// working directory is loaded into the environment first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.TCPPort, "TCP_PORT")
	setString(&cfg.HTTPPort, "HTTP_PORT")
	setString(&cfg.MetricsPort, "METRICS_PORT")
	setString(&cfg.GRPCServer, "GRPC_SERVER")
	setString(&cfg.ProxyAddr, "PROXY_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.FrameLogDir, "FRAME_LOG_DIR")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Dispatch.Uplink, "UPLINK")
	setString(&cfg.Identity.TerminalID, "TERMINAL_ID")
	setString(&cfg.Identity.ManufacturerID, "MANUFACTURER_ID")
	setString(&cfg.Identity.ProtocolVersion, "PROTOCOL_VERSION")
	setString(&cfg.Identity.DeviceSerial, "DEVICE_SERIAL")

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.Redis.DB},
		{"FEED_MAX", &cfg.Redis.FeedMax},
		{"DISPATCH_INTERVAL", &cfg.Dispatch.IntervalSeconds},
		{"PLAYBACK_WINDOW", &cfg.Playback.Window},
	} {
		if err := setInt(f.dst, f.key); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		key string
		dst *Duration
	}{
		{"FEED_TTL", &cfg.Redis.FeedTTL},
		{"SEND_TIMEOUT", &cfg.Dispatch.SendTimeout},
		{"SEGMENT_DURATION", &cfg.Playback.SegmentDuration},
		{"FRAME_INTERVAL", &cfg.Playback.FrameInterval},
	} {
		if err := setDuration(f.dst, f.key); err != nil {
			return err
		}
	}
	if v := os.Getenv("CLEAR_FEED_ON_END"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLEAR_FEED_ON_END: %w", err)
		}
		cfg.Dispatch.ClearFeedOnEnd = b
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = Duration(d)
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Dispatch.IntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("dispatch.interval_seconds must be >= 1, got %d", c.Dispatch.IntervalSeconds))
	}
	switch c.Dispatch.Uplink {
	case UplinkGRPC, UplinkLink:
	default:
		errs = append(errs, fmt.Errorf("dispatch.uplink must be %q or %q, got %q", UplinkGRPC, UplinkLink, c.Dispatch.Uplink))
	}
	if c.Playback.Window < 1 {
		errs = append(errs, fmt.Errorf("playback.window must be >= 1, got %d", c.Playback.Window))
	}
	if c.Playback.SegmentDuration <= 0 || c.Playback.FrameInterval <= 0 {
		errs = append(errs, errors.New("playback durations must be positive"))
	}
	if c.Redis.FeedMax < 1 {
		errs = append(errs, fmt.Errorf("redis.feed_max must be >= 1, got %d", c.Redis.FeedMax))
	}
	return errors.Join(errs...)
}
