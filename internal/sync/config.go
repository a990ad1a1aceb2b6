package sync

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Target repository modes.
const (
	ModeAuto   = "auto"
	ModeHosted = "hosted"
	ModeProxy  = "proxy"
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Connection describes one registry endpoint.  Empty credentials mean
// unauthenticated access.
type Connection struct {
	URL        tomlURL `toml:"url"`
	Repository string  `toml:"repository"`
	Username   string  `toml:"username"`
	Password   string  `toml:"password"`

	// Mode selects the transfer strategy for the target registry:
	// "hosted", "proxy", or "auto" to probe the repository type at run
	// start.  Ignored for the source.
	Mode string `toml:"mode,omitempty"`
}

// Check validates the connection settings.
func (conn *Connection) Check() error {
	if conn.URL.URL == nil {
		return errors.New("url is not set")
	}
	if conn.Repository == "" {
		return errors.New("repository is not set")
	}
	switch conn.Mode {
	case "", ModeAuto, ModeHosted, ModeProxy:
	default:
		return errors.New("invalid mode: " + conn.Mode)
	}
	return nil
}

// Resolve returns *url.URL for a path relative to the registry base.
func (conn *Connection) Resolve(path string) *url.URL {
	return conn.URL.ResolveReference(&url.URL{Path: path})
}

// Settings holds throttling and timeout knobs for a run.
type Settings struct {
	BatchSize       int          `toml:"batch_size"`
	DownloadTimeout tomlDuration `toml:"download_timeout"`
	UploadTimeout   tomlDuration `toml:"upload_timeout"`
	RequestTimeout  tomlDuration `toml:"request_timeout"`
	BatchDelay      tomlDuration `toml:"batch_delay"`
	MaxPages        int          `toml:"max_pages"`
	MaxConns        int          `toml:"max_conns"`
}

// Check validates the settings.
func (s *Settings) Check() error {
	if s.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	if s.MaxPages < 1 {
		return errors.New("max_pages must be at least 1")
	}
	if s.MaxConns < 1 {
		return errors.New("max_conns must be at least 1")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"download_timeout", s.DownloadTimeout.Duration},
		{"upload_timeout", s.UploadTimeout.Duration},
		{"request_timeout", s.RequestTimeout.Duration},
	} {
		if d.value <= 0 {
			return errors.New(d.name + " must be positive")
		}
	}
	if s.BatchDelay.Duration < 0 {
		return errors.New("batch_delay must not be negative")
	}
	return nil
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := sync.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	StateDir string     `toml:"state_dir"`
	TempDir  string     `toml:"temp_dir"`
	Log      LogConfig  `toml:"log"`
	Source   Connection `toml:"source"`
	Target   Connection `toml:"target"`
	Settings Settings   `toml:"settings"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.StateDir == "" {
		return errors.New("state_dir is not set")
	}
	if err := c.Source.Check(); err != nil {
		return errors.New("source: " + err.Error())
	}
	if c.Source.Mode != "" {
		return errors.New("source: mode is only valid for the target")
	}
	if err := c.Target.Check(); err != nil {
		return errors.New("target: " + err.Error())
	}
	return c.Settings.Check()
}

// DownloadDir returns the directory for in-flight downloads.
func (c *Config) DownloadDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return filepath.Join(c.StateDir, "downloads")
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		StateDir: ".",
		Target:   Connection{Mode: ModeAuto},
		Settings: Settings{
			BatchSize:       10,
			DownloadTimeout: tomlDuration{60 * time.Second},
			UploadTimeout:   tomlDuration{120 * time.Second},
			RequestTimeout:  tomlDuration{30 * time.Second},
			BatchDelay:      tomlDuration{time.Second},
			MaxPages:        1000,
			MaxConns:        5,
		},
	}
}

// defaultConfigTemplate is written by WriteDefaultConfig for the user
// to fill in.
const defaultConfigTemplate = `# nexsync configuration

state_dir = "."
# temp_dir = ""            # defaults to <state_dir>/downloads

[log]
level = "info"             # debug | info | warn | error
format = "text"            # text | json

[source]
url = "https://source.nexus.example.com"
repository = "npm-all"
username = ""              # empty = unauthenticated
password = ""

[target]
url = "https://target.nexus.example.com"
repository = "npm-proxy"
username = ""
password = ""
mode = "auto"              # auto | hosted | proxy

[settings]
batch_size = 10
download_timeout = "60s"
upload_timeout = "120s"
request_timeout = "30s"
batch_delay = "1s"
max_pages = 1000
max_conns = 5
`

// WriteDefaultConfig writes a commented configuration template to
// path.  It refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.New("config file already exists: " + path)
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigTemplate), 0600)
}
