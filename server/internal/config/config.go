package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort        = 50051
	DefaultHTTPPort        = 8080
	DefaultGracefulTimeout = 10 * time.Second

	DefaultWorkers       = 8
	DefaultQueueSize     = 1024
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultResolveAfter  = 5

	DefaultThreshold   = 3.0
	DefaultAlpha       = 0.3
	DefaultWarmUp      = 10
	DefaultZWindow     = 60
	DefaultPctWindow   = 200
	DefaultPercentile  = 99.0
	DefaultPctMargin   = 0.1
	DefaultSuppression = 15 * time.Minute
	DefaultDedup       = 5 * time.Minute
	DefaultGrace       = 5 * time.Minute
	DefaultSupShards   = 16

	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultChannelTimeout = 10 * time.Second

	DefaultDispatchWorkers = 4
	DefaultDispatchQueue   = 256

	DefaultScrapeInterval = 30 * time.Second
	DefaultIncidentTTL    = time.Hour
	DefaultDeadLetterDir  = "data/deadletter"
)

// Algorithm names accepted in detectors[].algorithm.
const (
	AlgorithmEWMA       = "ewma"
	AlgorithmZScore     = "zscore"
	AlgorithmPercentile = "percentile"
)

// Tie-break modes for routes of equal priority.
const (
	TieBreakDeclaration = "declaration"
	TieBreakLexical     = "lexical"
)

// Config is the full vigil configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Series      SeriesConfig      `yaml:"series"`
	Detectors   []Detector        `yaml:"detectors"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Routing     RoutingConfig     `yaml:"routing"`
	Channels    []Channel         `yaml:"channels"`
	Notify      NotifyConfig      `yaml:"notify"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Annotations AnnotationsConfig `yaml:"annotations"`
	Sources     []Source          `yaml:"sources"`
	DeadLetter  DeadLetterConfig  `yaml:"deadletter"`
	Incidents   IncidentsConfig   `yaml:"incidents"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPPort serves /health, /stats, /metrics, the webhooks and /ws/events.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	// GracefulTimeout bounds the shutdown drain.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication for HTTP and gRPC.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header / gRPC metadata key carrying the key.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return strings.ToLower(a.Header)
	}
	return "x-api-key"
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SeriesConfig controls the detection worker pool and per-series state.
type SeriesConfig struct {
	// Workers is the number of detection shards.
	Workers int `yaml:"workers"`

	// QueueSize is the mailbox depth of each shard.
	QueueSize int `yaml:"queue_size"`

	// IdleTTL evicts series state that has not received a sample for this long.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepInterval is how often idle series and suppression records are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ResolveAfter is the number of consecutive normal samples after which an
	// open anomaly is resolved.
	ResolveAfter int `yaml:"resolve_after"`
}

// Detector configures one detection strategy applied to every series whose
// metric_id matches Metric.
type Detector struct {
	Name      string `yaml:"name"`
	Algorithm string `yaml:"algorithm"`

	// Metric is a glob (path.Match syntax) on metric_id. Empty matches all.
	Metric string `yaml:"metric"`

	// Threshold is k for EWMA, the z limit for zscore. Unused by percentile.
	Threshold float64 `yaml:"threshold"`

	// WindowSize is N for zscore and percentile.
	WindowSize int `yaml:"window_size"`

	// WarmUpCount is the number of samples a series must see before any signal.
	WarmUpCount int `yaml:"warm_up_count"`

	// Alpha is the EWMA smoothing factor in (0, 1].
	Alpha float64 `yaml:"alpha"`

	// Percentile and Margin configure the percentile detector.
	Percentile float64 `yaml:"percentile"`
	Margin     float64 `yaml:"margin"`

	// Severity pins the emitted severity. Empty derives it from the score.
	Severity string `yaml:"severity"`
}

// Matches reports whether the detector applies to metricID.
func (d Detector) Matches(metricID string) bool {
	if d.Metric == "" || d.Metric == "*" {
		return true
	}
	ok, err := path.Match(d.Metric, metricID)
	return err == nil && ok
}

// SuppressionConfig controls dedup and suppression windows.
type SuppressionConfig struct {
	Window      time.Duration `yaml:"window"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	Grace       time.Duration `yaml:"grace"`
	Digest      bool          `yaml:"digest"`
	Shards      int           `yaml:"shards"`
}

// RoutingConfig holds the ordered routing rules.
type RoutingConfig struct {
	// TieBreak orders routes of equal priority: declaration | lexical.
	TieBreak string `yaml:"tie_break"`

	// DefaultChannel receives events that match no route.
	DefaultChannel string `yaml:"default_channel"`

	Routes []Route `yaml:"routes"`
}

// Route is one routing rule. Higher Priority is evaluated first.
type Route struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Channels []string `yaml:"channels"`
	Match    Match    `yaml:"match"`
}

// Match clauses are AND'ed; an empty clause matches anything.
type Match struct {
	Severity    []string          `yaml:"severity"`
	MinSeverity string            `yaml:"min_severity"`
	Service     []string          `yaml:"service"`
	Team        []string          `yaml:"team"`
	Labels      map[string]string `yaml:"labels"`
	LabelRegex  map[string]string `yaml:"label_regex"`
}

// Channel defines one notification target.
type Channel struct {
	Name string `yaml:"name"`

	// Type is one of: slack | teams | pagerduty | http | log.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`

	// KeyEnv optionally names the variable holding the PagerDuty routing key.
	KeyEnv string `yaml:"key_env"`

	Timeout time.Duration `yaml:"timeout"`

	// RatePerSec limits deliveries on this channel. 0 means unlimited.
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// URL returns the webhook URL resolved from the environment.
func (c Channel) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// Key returns the routing key resolved from the environment.
func (c Channel) Key() string {
	if c.KeyEnv == "" {
		return ""
	}
	return os.Getenv(c.KeyEnv)
}

// NotifyConfig holds delivery retry settings shared by all channels.
type NotifyConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// DashboardURL is the base of the deep-link included in every message.
	DashboardURL string `yaml:"dashboard_url"`
}

// DispatchConfig sizes the notify/annotate fan-out pool.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// AnnotationsConfig configures the dashboard annotation target.
type AnnotationsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URLEnv   string        `yaml:"url_env"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
	Mappings []Mapping     `yaml:"mappings"`
}

// URL returns the dashboard API base URL resolved from the environment.
func (a AnnotationsConfig) URL() string {
	if a.URLEnv == "" {
		return ""
	}
	return os.Getenv(a.URLEnv)
}

// Token returns the dashboard API token resolved from the environment.
func (a AnnotationsConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Mapping binds metric identities matching MetricPattern to a dashboard panel.
type Mapping struct {
	MetricPattern string `yaml:"metric_pattern"`
	DashboardID   string `yaml:"dashboard_id"`
	PanelID       int64  `yaml:"panel_id"`
}

// Source describes one metric feed.
type Source struct {
	ID string `yaml:"id"`

	// Type is one of: prometheus | nats.
	Type string `yaml:"type"`

	// Endpoint is the scrape URL (prometheus) or server URL (nats).
	Endpoint string `yaml:"endpoint"`

	// Interval is the scrape interval for pull sources.
	Interval time.Duration `yaml:"interval"`

	// Subject is the NATS subject carrying JSON samples.
	Subject string `yaml:"subject"`

	// Labels are added to every sample from this source.
	Labels map[string]string `yaml:"labels"`
}

// DeadLetterConfig locates the dead-letter log.
type DeadLetterConfig struct {
	Dir string `yaml:"dir"`
}

// IncidentsConfig controls the recent-incident store.
type IncidentsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and env overrides, and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	fillDetectorDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        DefaultHTTPPort,
			GRPCPort:        DefaultGRPCPort,
			GracefulTimeout: DefaultGracefulTimeout,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Series: SeriesConfig{
			Workers:       DefaultWorkers,
			QueueSize:     DefaultQueueSize,
			IdleTTL:       DefaultIdleTTL,
			SweepInterval: DefaultSweepInterval,
			ResolveAfter:  DefaultResolveAfter,
		},
		Suppression: SuppressionConfig{
			Window:      DefaultSuppression,
			DedupWindow: DefaultDedup,
			Grace:       DefaultGrace,
			Digest:      true,
			Shards:      DefaultSupShards,
		},
		Routing: RoutingConfig{TieBreak: TieBreakDeclaration},
		Notify: NotifyConfig{
			MaxAttempts:    DefaultMaxAttempts,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
		Dispatch: DispatchConfig{
			Workers:   DefaultDispatchWorkers,
			QueueSize: DefaultDispatchQueue,
		},
		Annotations: AnnotationsConfig{Timeout: 5 * time.Second},
		DeadLetter:  DeadLetterConfig{Dir: DefaultDeadLetterDir},
		Incidents:   IncidentsConfig{TTL: DefaultIncidentTTL},
	}
}

// fillDetectorDefaults applies per-algorithm defaults to zero fields.
func fillDetectorDefaults(cfg *Config) {
	for i := range cfg.Detectors {
		d := &cfg.Detectors[i]
		d.Algorithm = strings.ToLower(d.Algorithm)
		if d.Threshold == 0 {
			d.Threshold = DefaultThreshold
		}
		if d.WarmUpCount == 0 {
			d.WarmUpCount = DefaultWarmUp
		}
		switch d.Algorithm {
		case AlgorithmEWMA:
			if d.Alpha == 0 {
				d.Alpha = DefaultAlpha
			}
		case AlgorithmZScore:
			if d.WindowSize == 0 {
				d.WindowSize = DefaultZWindow
			}
		case AlgorithmPercentile:
			if d.WindowSize == 0 {
				d.WindowSize = DefaultPctWindow
			}
			if d.Percentile == 0 {
				d.Percentile = DefaultPercentile
			}
			if d.Margin == 0 {
				d.Margin = DefaultPctMargin
			}
		}
	}
	for i := range cfg.Channels {
		if cfg.Channels[i].Timeout == 0 {
			cfg.Channels[i].Timeout = DefaultChannelTimeout
		}
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Interval == 0 {
			cfg.Sources[i].Interval = DefaultScrapeInterval
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = p
		}
	}
	if v := os.Getenv("VIGIL_GRPC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = p
		}
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VIGIL_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	if v := os.Getenv("VIGIL_DEADLETTER_DIR"); v != "" {
		cfg.DeadLetter.Dir = v
	}
	if v := os.Getenv("VIGIL_DASHBOARD_URL"); v != "" {
		cfg.Notify.DashboardURL = v
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Series.Workers <= 0 {
		return fmt.Errorf("series.workers must be positive")
	}
	if cfg.Series.QueueSize <= 0 {
		return fmt.Errorf("series.queue_size must be positive")
	}
	if cfg.Series.IdleTTL <= 0 || cfg.Series.SweepInterval <= 0 {
		return fmt.Errorf("series.idle_ttl and series.sweep_interval must be positive")
	}
	if cfg.Series.ResolveAfter < 0 {
		return fmt.Errorf("series.resolve_after must not be negative")
	}

	if err := validateDetectors(cfg.Detectors); err != nil {
		return err
	}

	s := cfg.Suppression
	if s.Window <= 0 || s.DedupWindow <= 0 || s.Grace < 0 {
		return fmt.Errorf("suppression: window and dedup_window must be positive, grace non-negative")
	}
	if s.Shards <= 0 {
		return fmt.Errorf("suppression.shards must be positive")
	}

	channels, err := validateChannels(cfg.Channels)
	if err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing, channels); err != nil {
		return err
	}

	if cfg.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be positive")
	}
	if cfg.Notify.InitialBackoff <= 0 || cfg.Notify.MaxBackoff < cfg.Notify.InitialBackoff {
		return fmt.Errorf("notify: initial_backoff must be positive and not exceed max_backoff")
	}
	if cfg.Dispatch.Workers <= 0 || cfg.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.workers and dispatch.queue_size must be positive")
	}

	for i, m := range cfg.Annotations.Mappings {
		if _, err := path.Match(m.MetricPattern, ""); err != nil || m.MetricPattern == "" {
			return fmt.Errorf("annotations.mappings[%d]: invalid metric_pattern %q", i, m.MetricPattern)
		}
		if m.DashboardID == "" {
			return fmt.Errorf("annotations.mappings[%d]: dashboard_id is required", i)
		}
	}

	for i, src := range cfg.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		switch src.Type {
		case "prometheus":
			if src.Interval <= 0 {
				return fmt.Errorf("sources[%d] %q: interval must be positive", i, src.ID)
			}
		case "nats":
			if src.Subject == "" {
				return fmt.Errorf("sources[%d] %q: subject is required", i, src.ID)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
	}
	if cfg.Incidents.TTL <= 0 {
		return fmt.Errorf("incidents.ttl must be positive")
	}
	return nil
}

// validateWindow checks a windowed detector. The window never holds more
// than window_size samples, so a larger warm-up could never end.
func validateWindow(i int, d Detector) error {
	if d.WindowSize < 2 {
		return fmt.Errorf("detectors[%d] %q: window_size must be at least 2", i, d.Name)
	}
	if d.WarmUpCount > d.WindowSize {
		return fmt.Errorf("detectors[%d] %q: warm_up_count %d exceeds window_size %d",
			i, d.Name, d.WarmUpCount, d.WindowSize)
	}
	return nil
}

func validateDetectors(dets []Detector) error {
	seen := make(map[string]bool, len(dets))
	for i, d := range dets {
		if d.Name == "" {
			return fmt.Errorf("detectors[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("detectors[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if _, err := path.Match(d.Metric, ""); err != nil {
			return fmt.Errorf("detectors[%d] %q: invalid metric pattern: %w", i, d.Name, err)
		}
		if d.Threshold <= 0 {
			return fmt.Errorf("detectors[%d] %q: threshold must be positive", i, d.Name)
		}
		if d.WarmUpCount < 0 {
			return fmt.Errorf("detectors[%d] %q: warm_up_count must not be negative", i, d.Name)
		}
		switch d.Algorithm {
		case AlgorithmEWMA:
			if d.Alpha <= 0 || d.Alpha > 1 {
				return fmt.Errorf("detectors[%d] %q: alpha %v out of range (0, 1]", i, d.Name, d.Alpha)
			}
		case AlgorithmZScore:
			if err := validateWindow(i, d); err != nil {
				return err
			}
		case AlgorithmPercentile:
			if err := validateWindow(i, d); err != nil {
				return err
			}
			if d.Percentile <= 0 || d.Percentile >= 100 {
				return fmt.Errorf("detectors[%d] %q: percentile %v out of range (0, 100)", i, d.Name, d.Percentile)
			}
			if d.Margin < 0 {
				return fmt.Errorf("detectors[%d] %q: margin must not be negative", i, d.Name)
			}
		default:
			return fmt.Errorf("detectors[%d] %q: unknown algorithm %q: want ewma|zscore|percentile", i, d.Name, d.Algorithm)
		}
		switch d.Severity {
		case "", "info", "warning", "critical":
		default:
			return fmt.Errorf("detectors[%d] %q: unknown severity %q", i, d.Name, d.Severity)
		}
	}
	return nil
}

func validateChannels(chs []Channel) (map[string]bool, error) {
	names := make(map[string]bool, len(chs))
	for i, ch := range chs {
		if ch.Name == "" {
			return nil, fmt.Errorf("channels[%d]: name is required", i)
		}
		if names[ch.Name] {
			return nil, fmt.Errorf("channels[%d]: duplicate name %q", i, ch.Name)
		}
		names[ch.Name] = true
		switch ch.Type {
		case "slack", "teams", "pagerduty", "http":
			if ch.URLEnv == "" {
				return nil, fmt.Errorf("channels[%d] %q: url_env is required for type %s", i, ch.Name, ch.Type)
			}
		case "log":
		default:
			return nil, fmt.Errorf("channels[%d] %q: unknown type %q: want slack|teams|pagerduty|http|log", i, ch.Name, ch.Type)
		}
		if ch.RatePerSec < 0 || ch.Burst < 0 {
			return nil, fmt.Errorf("channels[%d] %q: rate_per_sec and burst must not be negative", i, ch.Name)
		}
	}
	return names, nil
}

func validateRouting(r RoutingConfig, channels map[string]bool) error {
	switch r.TieBreak {
	case TieBreakDeclaration, TieBreakLexical:
	default:
		return fmt.Errorf("routing.tie_break %q unknown: want declaration|lexical", r.TieBreak)
	}
	if r.DefaultChannel != "" && !channels[r.DefaultChannel] {
		return fmt.Errorf("routing.default_channel %q is not a declared channel", r.DefaultChannel)
	}
	for i, rt := range r.Routes {
		if rt.Name == "" {
			return fmt.Errorf("routing.routes[%d]: name is required", i)
		}
		if len(rt.Channels) == 0 {
			return fmt.Errorf("routing.routes[%d] %q: at least one channel is required", i, rt.Name)
		}
		for _, ch := range rt.Channels {
			if !channels[ch] {
				return fmt.Errorf("routing.routes[%d] %q: unknown channel %q", i, rt.Name, ch)
			}
		}
		for _, s := range rt.Match.Severity {
			if !knownSeverity(s) {
				return fmt.Errorf("routing.routes[%d] %q: unknown severity %q", i, rt.Name, s)
			}
		}
		if rt.Match.MinSeverity != "" && !knownSeverity(rt.Match.MinSeverity) {
			return fmt.Errorf("routing.routes[%d] %q: unknown min_severity %q", i, rt.Name, rt.Match.MinSeverity)
		}
		for k, expr := range rt.Match.LabelRegex {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("routing.routes[%d] %q: label_regex[%s]: %w", i, rt.Name, k, err)
			}
		}
	}
	return nil
}

func knownSeverity(s string) bool {
	switch s {
	case "info", "warning", "critical":
		return true
	}
	return false
}
