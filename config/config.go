// Package config centralises runtime configuration for the send queue daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment the daemon operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// HomeserverSettings configures the client-server API transport.
type HomeserverSettings struct {
	BaseURL        string
	AccessToken    string
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

// SyncStreamSettings configures the websocket acknowledgement stream.
type SyncStreamSettings struct {
	URL string
}

// QueueSettings sizes the work queue's lanes and retry policy.
type QueueSettings struct {
	LaneDepth      int
	IdleLaneTTL    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PostgresSettings configures the durable echo store and chain journal. An
// empty DSN selects the in-memory implementations.
type PostgresSettings struct {
	DSN string
}

// Settings contains the daemon configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	UserID      string
	ListenAddr  string
	Homeserver  HomeserverSettings
	SyncStream  SyncStreamSettings
	Queue       QueueSettings
	Postgres    PostgresSettings
}

// Default returns the default daemon configuration.
func Default() Settings {
	return Settings{
		Environment: EnvDev,
		UserID:      "",
		ListenAddr:  ":8740",
		Homeserver: HomeserverSettings{
			BaseURL:        "https://matrix.example.org",
			AccessToken:    "",
			RequestTimeout: 30 * time.Second,
			RateLimit:      5,
			RateBurst:      10,
		},
		SyncStream: SyncStreamSettings{URL: ""},
		Queue: QueueSettings{
			LaneDepth:      256,
			IdleLaneTTL:    2 * time.Minute,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Postgres: PostgresSettings{DSN: ""},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("SENDQUEUE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_USER_ID")); v != "" {
		cfg.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_HOMESERVER_URL")); v != "" {
		cfg.Homeserver.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_ACCESS_TOKEN")); v != "" {
		cfg.Homeserver.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_REQUEST_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Homeserver.RequestTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_RATE_LIMIT")); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil && limit > 0 {
			cfg.Homeserver.RateLimit = limit
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_RATE_BURST")); v != "" {
		if burst, err := strconv.Atoi(v); err == nil && burst > 0 {
			cfg.Homeserver.RateBurst = burst
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_SYNC_STREAM_URL")); v != "" {
		cfg.SyncStream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_LANE_DEPTH")); v != "" {
		if depth, err := strconv.Atoi(v); err == nil && depth > 0 {
			cfg.Queue.LaneDepth = depth
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_IDLE_LANE_TTL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Queue.IdleLaneTTL = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_INITIAL_BACKOFF")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Queue.InitialBackoff = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_MAX_BACKOFF")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MaxBackoff = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENDQUEUE_POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	return cfg
}

// fileSettings mirrors Settings for YAML decoding; durations are strings
// parsed with time.ParseDuration.
type fileSettings struct {
	Environment string `yaml:"environment"`
	UserID      string `yaml:"userId"`
	ListenAddr  string `yaml:"listenAddr"`
	Homeserver  struct {
		BaseURL        string  `yaml:"baseUrl"`
		AccessToken    string  `yaml:"accessToken"`
		RequestTimeout string  `yaml:"requestTimeout"`
		RateLimit      float64 `yaml:"rateLimit"`
		RateBurst      int     `yaml:"rateBurst"`
	} `yaml:"homeserver"`
	SyncStream struct {
		URL string `yaml:"url"`
	} `yaml:"syncStream"`
	Queue struct {
		LaneDepth      int    `yaml:"laneDepth"`
		IdleLaneTTL    string `yaml:"idleLaneTtl"`
		InitialBackoff string `yaml:"initialBackoff"`
		MaxBackoff     string `yaml:"maxBackoff"`
	} `yaml:"queue"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
}

// Load reads a YAML configuration file and applies it over the defaults.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	var file fileSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if file.Environment != "" {
		cfg.Environment = Environment(strings.ToLower(strings.TrimSpace(file.Environment)))
	}
	if file.UserID != "" {
		cfg.UserID = strings.TrimSpace(file.UserID)
	}
	if file.ListenAddr != "" {
		cfg.ListenAddr = strings.TrimSpace(file.ListenAddr)
	}
	if file.Homeserver.BaseURL != "" {
		cfg.Homeserver.BaseURL = strings.TrimSpace(file.Homeserver.BaseURL)
	}
	if file.Homeserver.AccessToken != "" {
		cfg.Homeserver.AccessToken = strings.TrimSpace(file.Homeserver.AccessToken)
	}
	if err := setDuration(&cfg.Homeserver.RequestTimeout, file.Homeserver.RequestTimeout, "homeserver.requestTimeout"); err != nil {
		return Settings{}, err
	}
	if file.Homeserver.RateLimit > 0 {
		cfg.Homeserver.RateLimit = file.Homeserver.RateLimit
	}
	if file.Homeserver.RateBurst > 0 {
		cfg.Homeserver.RateBurst = file.Homeserver.RateBurst
	}
	if file.SyncStream.URL != "" {
		cfg.SyncStream.URL = strings.TrimSpace(file.SyncStream.URL)
	}
	if file.Queue.LaneDepth > 0 {
		cfg.Queue.LaneDepth = file.Queue.LaneDepth
	}
	if err := setDuration(&cfg.Queue.IdleLaneTTL, file.Queue.IdleLaneTTL, "queue.idleLaneTtl"); err != nil {
		return Settings{}, err
	}
	if err := setDuration(&cfg.Queue.InitialBackoff, file.Queue.InitialBackoff, "queue.initialBackoff"); err != nil {
		return Settings{}, err
	}
	if err := setDuration(&cfg.Queue.MaxBackoff, file.Queue.MaxBackoff, "queue.maxBackoff"); err != nil {
		return Settings{}, err
	}
	if file.Postgres.DSN != "" {
		cfg.Postgres.DSN = strings.TrimSpace(file.Postgres.DSN)
	}
	return cfg, nil
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithHomeserver configures the homeserver endpoint and access token.
func WithHomeserver(baseURL, accessToken string) Option {
	baseURL = strings.TrimSpace(baseURL)
	accessToken = strings.TrimSpace(accessToken)
	return func(s *Settings) {
		if baseURL != "" {
			s.Homeserver.BaseURL = baseURL
		}
		if accessToken != "" {
			s.Homeserver.AccessToken = accessToken
		}
	}
}

// WithUserID configures the local user the daemon sends as.
func WithUserID(userID string) Option {
	userID = strings.TrimSpace(userID)
	return func(s *Settings) {
		if userID != "" {
			s.UserID = userID
		}
	}
}

// WithSyncStream configures the acknowledgement stream endpoint.
func WithSyncStream(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.SyncStream.URL = url
		}
	}
}

// WithQueueSizing overrides the lane depth and idle TTL.
func WithQueueSizing(laneDepth int, idleTTL time.Duration) Option {
	return func(s *Settings) {
		if laneDepth > 0 {
			s.Queue.LaneDepth = laneDepth
		}
		if idleTTL > 0 {
			s.Queue.IdleLaneTTL = idleTTL
		}
	}
}

// WithRetryBackoff overrides the stage retry backoff window.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(s *Settings) {
		if initial > 0 {
			s.Queue.InitialBackoff = initial
		}
		if max > 0 {
			s.Queue.MaxBackoff = max
		}
	}
}

// WithPostgresDSN selects the PostgreSQL-backed stores.
func WithPostgresDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(s *Settings) {
		if dsn != "" {
			s.Postgres.DSN = dsn
		}
	}
}

// Validate checks the settings a running daemon cannot do without.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Homeserver.BaseURL) == "" {
		return fmt.Errorf("homeserver base url required")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("user id required")
	}
	if s.Queue.InitialBackoff > s.Queue.MaxBackoff {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", s.Queue.InitialBackoff, s.Queue.MaxBackoff)
	}
	return nil
}

func setDuration(target *time.Duration, raw, field string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	dur, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if dur > 0 {
		*target = dur
	}
	return nil
}
