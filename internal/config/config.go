package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/env"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOIPRECORD_"

// Duration lets TOML files spell durations as "4s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	URL           string   `toml:"url"`
	Username      string   `toml:"username"`
	ClientVersion string   `toml:"client_version"`
	PoolSize      int      `toml:"pool_size"`
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type CaptureConfig struct {
	Backend        string  `toml:"backend"` // ffmpeg or synthetic
	FFmpeg         string  `toml:"ffmpeg"`
	AudioFormat    string  `toml:"audio_format"`
	UplinkDevice   string  `toml:"uplink_device"`
	DownlinkDevice string  `toml:"downlink_device"`
	ScreenFormat   string  `toml:"screen_format"`
	ScreenDevice   string  `toml:"screen_device"`
	ScreenFPS      float64 `toml:"screen_fps"`
}

type StorageConfig struct {
	ChunkDir      string   `toml:"chunk_dir"`
	MaxBytes      int64    `toml:"max_bytes"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type RecorderConfig struct {
	UploadPolicy       string   `toml:"upload_policy"` // drop or requeue
	RequeueLimit       int      `toml:"requeue_limit"`
	ChunkInterval      Duration `toml:"chunk_interval"`
	ScreenshotInterval Duration `toml:"screenshot_interval"`
	JoinTimeout        Duration `toml:"join_timeout"`
	CloseTimeout       Duration `toml:"close_timeout"`
	HealthMaxJitter    Duration `toml:"health_max_jitter"`
	ScreenshotQuality  int      `toml:"screenshot_quality"`
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Capture  CaptureConfig  `toml:"capture"`
	Storage  StorageConfig  `toml:"storage"`
	Recorder RecorderConfig `toml:"recorder"`
	// LedgerDSN is a postgres:// URL or a sqlite file path. Empty disables the ledger.
	LedgerDSN  string `toml:"ledger_dsn"`
	ListenAddr string `toml:"listen_addr"`

	// Path is the file the config was read from, empty when none was found.
	Path string `toml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ClientVersion: "dev",
			PoolSize:      5,
			Timeout:       Duration{30 * time.Second},
			MaxRetries:    3,
			RetryDelay:    Duration{2 * time.Second},
		},
		Capture: CaptureConfig{
			Backend:   "ffmpeg",
			FFmpeg:    "ffmpeg",
			ScreenFPS: 1,
		},
		Storage: StorageConfig{
			ChunkDir:      defaultDataDir("voip"),
			MaxBytes:      2 << 30,
			SweepInterval: Duration{5 * time.Minute},
		},
		Recorder: RecorderConfig{
			UploadPolicy:       "drop",
			RequeueLimit:       32,
			ChunkInterval:      Duration{4 * time.Second},
			ScreenshotInterval: Duration{10 * time.Second},
			JoinTimeout:        Duration{time.Second},
			CloseTimeout:       Duration{30 * time.Second},
			HealthMaxJitter:    Duration{60 * time.Second},
			ScreenshotQuality:  70,
		},
		LedgerDSN:  defaultDataDir("ledger.db"),
		ListenAddr: "127.0.0.1:8090",
	}
}

// Load reads path, or the default config file when path is empty, and applies
// environment overrides. A missing default file is not an error; a missing
// explicit one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		switch {
		case err == nil:
			cfg.Path = path
			for _, key := range md.Undecoded() {
				slog.Warn("unknown config key", "file", path, "key", key.String())
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	applyEnvOverrides(cfg)
	cfg.Storage.ChunkDir = expandTilde(cfg.Storage.ChunkDir)
	if !strings.Contains(cfg.LedgerDSN, "://") {
		cfg.LedgerDSN = expandTilde(cfg.LedgerDSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	s, c, st, r := &cfg.Server, &cfg.Capture, &cfg.Storage, &cfg.Recorder

	s.URL = env.Str(EnvPrefix+"SERVER_URL", s.URL)
	s.Username = env.Str(EnvPrefix+"USERNAME", s.Username)
	s.ClientVersion = env.Str(EnvPrefix+"CLIENT_VERSION", s.ClientVersion)
	s.PoolSize = env.Int(EnvPrefix+"POOL_SIZE", s.PoolSize)
	s.Timeout.Duration = env.Duration(EnvPrefix+"TIMEOUT", s.Timeout.Duration)
	s.MaxRetries = env.Int(EnvPrefix+"MAX_RETRIES", s.MaxRetries)
	s.RetryDelay.Duration = env.Duration(EnvPrefix+"RETRY_DELAY", s.RetryDelay.Duration)

	c.Backend = env.Str(EnvPrefix+"CAPTURE_BACKEND", c.Backend)
	c.FFmpeg = env.Str(EnvPrefix+"FFMPEG", c.FFmpeg)
	c.AudioFormat = env.Str(EnvPrefix+"AUDIO_FORMAT", c.AudioFormat)
	c.UplinkDevice = env.Str(EnvPrefix+"UPLINK_DEVICE", c.UplinkDevice)
	c.DownlinkDevice = env.Str(EnvPrefix+"DOWNLINK_DEVICE", c.DownlinkDevice)
	c.ScreenFormat = env.Str(EnvPrefix+"SCREEN_FORMAT", c.ScreenFormat)
	c.ScreenDevice = env.Str(EnvPrefix+"SCREEN_DEVICE", c.ScreenDevice)
	c.ScreenFPS = env.Float(EnvPrefix+"SCREEN_FPS", c.ScreenFPS)

	st.ChunkDir = env.Str(EnvPrefix+"CHUNK_DIR", st.ChunkDir)
	st.MaxBytes = env.Int64(EnvPrefix+"MAX_BYTES", st.MaxBytes)
	st.SweepInterval.Duration = env.Duration(EnvPrefix+"SWEEP_INTERVAL", st.SweepInterval.Duration)

	r.UploadPolicy = env.Str(EnvPrefix+"UPLOAD_POLICY", r.UploadPolicy)
	r.RequeueLimit = env.Int(EnvPrefix+"REQUEUE_LIMIT", r.RequeueLimit)
	r.JoinTimeout.Duration = env.Duration(EnvPrefix+"JOIN_TIMEOUT", r.JoinTimeout.Duration)
	r.CloseTimeout.Duration = env.Duration(EnvPrefix+"CLOSE_TIMEOUT", r.CloseTimeout.Duration)
	r.HealthMaxJitter.Duration = env.Duration(EnvPrefix+"HEALTH_MAX_JITTER", r.HealthMaxJitter.Duration)
	r.ScreenshotQuality = env.Int(EnvPrefix+"SCREENSHOT_QUALITY", r.ScreenshotQuality)

	cfg.LedgerDSN = env.Str(EnvPrefix+"LEDGER_DSN", cfg.LedgerDSN)
	cfg.ListenAddr = env.Str(EnvPrefix+"LISTEN_ADDR", cfg.ListenAddr)
}

// Validate rejects settings the recorder cannot run with.
func (c *Config) Validate() error {
	switch c.Capture.Backend {
	case "ffmpeg", "synthetic":
	default:
		return errors.Errorf("capture.backend: unknown backend %q", c.Capture.Backend)
	}
	switch c.Recorder.UploadPolicy {
	case "drop", "requeue":
	default:
		return errors.Errorf("recorder.upload_policy: must be drop or requeue, got %q", c.Recorder.UploadPolicy)
	}
	if c.Storage.ChunkDir == "" {
		return errors.New("storage.chunk_dir: must not be empty")
	}
	if c.Server.MaxRetries < 1 {
		return errors.New("server.max_retries: must be at least 1")
	}
	if c.Recorder.ScreenshotQuality < 1 || c.Recorder.ScreenshotQuality > 100 {
		return errors.Errorf("recorder.screenshot_quality: %d out of range 1-100", c.Recorder.ScreenshotQuality)
	}
	return nil
}

// DefaultPath returns $XDG_CONFIG_HOME/voiprecord/config.toml, falling back to
// ~/.config. It returns "" when no home directory can be determined.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "voiprecord", "config.toml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "voiprecord", "config.toml")
	}
	return ""
}

func defaultDataDir(name string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "voiprecord", name)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "voiprecord", name)
	}
	return filepath.Join(".", "voiprecord", name)
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
