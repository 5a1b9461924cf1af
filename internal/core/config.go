package core

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filedrop/internal/auth"
	"filedrop/internal/replica"
	"filedrop/internal/request"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr     = ":80"
	DefaultMaxConnections = 32
	DefaultFileLifetime   = 24 * time.Hour
	DefaultSweepInterval  = time.Second
	DefaultReservedName   = "static"
)

// InboxConfig holds the credentials that unlock the inbox. Users maps a
// user name to a bcrypt hash.
type InboxConfig struct {
	Users map[string]string `yaml:"users"`
	Token string            `yaml:"token"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	RootDir  string `yaml:"root_dir"`
	FilesDir string `yaml:"files_dir"`
	SiteDir  string `yaml:"site_dir"`
	InboxDir string `yaml:"inbox_dir"`

	MaxConnections int           `yaml:"max_connections"`
	FileLifetime   time.Duration `yaml:"file_lifetime"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	ReadTimeout    time.Duration `yaml:"read_timeout"`
	HeaderDeadline time.Duration `yaml:"header_deadline"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	CollectorEnabled bool     `yaml:"collector_enabled"`
	ReservedNames    []string `yaml:"reserved_names"`
	TranscriptLimit  int      `yaml:"transcript_limit"`

	LedgerPath string `yaml:"ledger_path"`
	LogFile    string `yaml:"log_file"`
	LogLevel   string `yaml:"log_level"`

	Inbox   InboxConfig    `yaml:"inbox"`
	Replica replica.Config `yaml:"replica"`

	Authenticator auth.AuthEngine `yaml:"-"`
	Logger        *slog.Logger    `yaml:"-"`
}

type ConfigOption func(*Config)

func WithListenAddr(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.ListenAddr = addr
	}
}

func WithRootDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.RootDir = dir
	}
}

func WithFilesDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.FilesDir = dir
	}
}

func WithSiteDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.SiteDir = dir
	}
}

func WithInboxDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.InboxDir = dir
	}
}

func WithMaxConnections(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxConnections = n
	}
}

func WithFileLifetime(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.FileLifetime = d
	}
}

func WithSweepInterval(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.SweepInterval = d
	}
}

// WithTimeouts sets the per-read timeout, the overall request head
// deadline and the per-write timeout. Zero values keep the current setting.
func WithTimeouts(read, header, write time.Duration) ConfigOption {
	return func(cfg *Config) {
		if read > 0 {
			cfg.ReadTimeout = read
		}
		if header > 0 {
			cfg.HeaderDeadline = header
		}
		if write > 0 {
			cfg.WriteTimeout = write
		}
	}
}

func WithDrainTimeout(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.DrainTimeout = d
	}
}

func WithCollector(enabled bool) ConfigOption {
	return func(cfg *Config) {
		cfg.CollectorEnabled = enabled
	}
}

func WithReservedNames(names ...string) ConfigOption {
	return func(cfg *Config) {
		cfg.ReservedNames = names
	}
}

func WithTranscriptLimit(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.TranscriptLimit = n
	}
}

func WithLedgerPath(p string) ConfigOption {
	return func(cfg *Config) {
		cfg.LedgerPath = p
	}
}

func WithLogFile(p string) ConfigOption {
	return func(cfg *Config) {
		cfg.LogFile = p
	}
}

func WithLogLevel(level string) ConfigOption {
	return func(cfg *Config) {
		cfg.LogLevel = level
	}
}

func WithInbox(inbox InboxConfig) ConfigOption {
	return func(cfg *Config) {
		cfg.Inbox = inbox
	}
}

func WithReplica(r replica.Config) ConfigOption {
	return func(cfg *Config) {
		cfg.Replica = r
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		RootDir:          ".",
		MaxConnections:   DefaultMaxConnections,
		FileLifetime:     DefaultFileLifetime,
		SweepInterval:    DefaultSweepInterval,
		ReadTimeout:      request.DefaultReadTimeout,
		HeaderDeadline:   request.DefaultHeaderDeadline,
		WriteTimeout:     request.DefaultWriteTimeout,
		DrainTimeout:     request.DefaultDrainTimeout,
		CollectorEnabled: true,
		ReservedNames:    []string{DefaultReservedName},
		TranscriptLimit:  request.DefaultTranscriptLimit,
		LogLevel:         "info",
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfigFile reads a YAML file over the defaults and then applies opts.
func LoadConfigFile(path string, opts ...ConfigOption) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// defaultFilesDir is where uploads live when FilesDir is not set.
func (c Config) defaultFilesDir() string {
	return filepath.Join(c.RootDir, "files")
}

// withDefaults fills in the paths derived from RootDir and any zero limits.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RootDir == "" {
		c.RootDir = d.RootDir
	}
	if c.FilesDir == "" {
		c.FilesDir = c.defaultFilesDir()
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.RootDir, "filedrop.log")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.FileLifetime <= 0 {
		c.FileLifetime = d.FileLifetime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// LogPath returns the log file location, defaulting to filedrop.log in the
// root directory.
func (c Config) LogPath() string {
	return c.withDefaults().LogFile
}

// RequestOptions returns the per-connection reader settings.
func (c Config) RequestOptions() request.Options {
	return request.Options{
		ReadTimeout:     c.ReadTimeout,
		HeaderDeadline:  c.HeaderDeadline,
		WriteTimeout:    c.WriteTimeout,
		DrainTimeout:    c.DrainTimeout,
		TranscriptLimit: c.TranscriptLimit,
	}
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func requireDir(kind string, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("%s directory %s: %w", kind, p, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s directory %s is not a directory", kind, p)
	}
	return nil
}

// Validate reports configuration that must stop the server from starting.
// Every configured directory has to exist, except the default files
// directory, which the server creates.
func (c Config) Validate() error {
	c = c.withDefaults()

	var errs []error
	if err := requireDir("root", c.RootDir); err != nil {
		errs = append(errs, err)
	}
	if c.FilesDir != c.defaultFilesDir() {
		if err := requireDir("files", c.FilesDir); err != nil {
			errs = append(errs, err)
		}
	}
	if c.SiteDir != "" {
		if err := requireDir("site", c.SiteDir); err != nil {
			errs = append(errs, err)
		}
	}
	if c.InboxDir != "" {
		if err := requireDir("inbox", c.InboxDir); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseToggle parses the on/off argument accepted on the command line.
func ParseToggle(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid toggle %q: expected on or off", s)
}
