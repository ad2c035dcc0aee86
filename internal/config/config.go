// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/arachne-project/arachne/internal/sites"
	"github.com/arachne-project/arachne/internal/timeutil"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Index     IndexConfig     `mapstructure:"index"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	FTP       FTPConfig       `mapstructure:"ftp"`
	Revisit   RevisitConfig   `mapstructure:"revisit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Defaults  SitePolicy      `mapstructure:"defaults"`
	Sites     []SiteConfig    `mapstructure:"sites"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkersConfig governs the fetch worker pool.
type WorkersConfig struct {
	Count        int    `mapstructure:"count"`
	FetchTimeout string `mapstructure:"fetch_timeout"`
}

// RateLimitConfig caps the global fetch rate.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// SpoolConfig places the durable task spool on disk.
type SpoolConfig struct {
	Dir           string `mapstructure:"dir"`
	FlushInterval string `mapstructure:"flush_interval"`
}

// IndexConfig selects and configures the index store backend.
type IndexConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PublisherConfig selects the change-event publisher backend.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// FTPConfig holds credentials shared by all FTP sites.
type FTPConfig struct {
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// RevisitConfig tunes the adaptive revisit estimator.
type RevisitConfig struct {
	GrowthFactor float64 `mapstructure:"growth_factor"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SitePolicy is the configuration shape of a crawl policy. Interval fields
// accept either plain seconds or strings like "1d2h20m"; unset fields of a
// site fall back to the defaults section. MaxDepth is a pointer so a site
// with an explicit 0 (crawl only the root) is distinct from one that
// inherits the default.
type SitePolicy struct {
	Handler            string `mapstructure:"handler"`
	MaxDepth           *int   `mapstructure:"max_depth"`
	RequestWait        string `mapstructure:"request_wait"`
	ErrorSiteWait      string `mapstructure:"error_site_wait"`
	ErrorDirWait       string `mapstructure:"error_dir_wait"`
	MinRevisitWait     string `mapstructure:"min_revisit_wait"`
	MaxRevisitWait     string `mapstructure:"max_revisit_wait"`
	DefaultRevisitWait string `mapstructure:"default_revisit_wait"`
}

// SiteConfig is one configured crawl root.
type SiteConfig struct {
	URL        string `mapstructure:"url"`
	SitePolicy `mapstructure:",squash"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARACHNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		// Lets YAML express waits as bare numbers (seconds) as well as
		// strings.
		dc.WeaklyTypedInput = true
	}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.fetch_timeout", "2m")
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("spool.dir", "spool")
	v.SetDefault("spool.flush_interval", "30s")
	v.SetDefault("index.provider", "memory")
	v.SetDefault("index.max_conns", 8)
	v.SetDefault("index.min_conns", 0)
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("ftp.user", "anonymous")
	v.SetDefault("ftp.password", "anonymous@")
	v.SetDefault("ftp.connect_timeout", "30s")
	v.SetDefault("revisit.growth_factor", 2.0)
	v.SetDefault("logging.development", false)
	v.SetDefault("defaults.handler", "ftp")
	v.SetDefault("defaults.max_depth", 16)
	v.SetDefault("defaults.request_wait", "2s")
	v.SetDefault("defaults.error_site_wait", "1h")
	v.SetDefault("defaults.error_dir_wait", "15m")
	v.SetDefault("defaults.min_revisit_wait", "1d")
	v.SetDefault("defaults.max_revisit_wait", "60d")
	v.SetDefault("defaults.default_revisit_wait", "7d")
}

// Validate fails fast on configuration the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	switch c.Index.Provider {
	case "memory":
	case "postgres":
		if c.Index.DSN == "" {
			return fmt.Errorf("index.dsn must be set when index.provider is postgres")
		}
	default:
		return fmt.Errorf("index.provider must be memory or postgres, got %q", c.Index.Provider)
	}
	switch c.Publisher.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider must be none, memory or pubsub, got %q", c.Publisher.Provider)
	}
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site must be configured")
	}
	return nil
}

// FetchTimeout parses the worker fetch timeout.
func (c Config) FetchTimeout() (time.Duration, error) {
	d, err := timeutil.ParseInterval(c.Workers.FetchTimeout)
	if err != nil {
		return 0, fmt.Errorf("workers.fetch_timeout: %w", err)
	}
	return d, nil
}

// SpoolFlushInterval parses the periodic spool flush interval.
func (c Config) SpoolFlushInterval() (time.Duration, error) {
	d, err := timeutil.ParseInterval(c.Spool.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("spool.flush_interval: %w", err)
	}
	return d, nil
}

// FTPConnectTimeout parses the FTP dial timeout.
func (c Config) FTPConnectTimeout() (time.Duration, error) {
	d, err := timeutil.ParseInterval(c.FTP.ConnectTimeout)
	if err != nil {
		return 0, fmt.Errorf("ftp.connect_timeout: %w", err)
	}
	return d, nil
}

// BuildSites resolves each configured site against the defaults section and
// returns validated sites.
func (c Config) BuildSites() ([]sites.Site, error) {
	out := make([]sites.Site, 0, len(c.Sites))
	for _, sc := range c.Sites {
		merged := mergePolicy(sc.SitePolicy, c.Defaults)
		policy, err := buildPolicy(merged)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", sc.URL, err)
		}
		site, err := sites.New(sc.URL, policy)
		if err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, nil
}

func mergePolicy(site, def SitePolicy) SitePolicy {
	if site.Handler == "" {
		site.Handler = def.Handler
	}
	if site.MaxDepth == nil {
		site.MaxDepth = def.MaxDepth
	}
	if site.RequestWait == "" {
		site.RequestWait = def.RequestWait
	}
	if site.ErrorSiteWait == "" {
		site.ErrorSiteWait = def.ErrorSiteWait
	}
	if site.ErrorDirWait == "" {
		site.ErrorDirWait = def.ErrorDirWait
	}
	if site.MinRevisitWait == "" {
		site.MinRevisitWait = def.MinRevisitWait
	}
	if site.MaxRevisitWait == "" {
		site.MaxRevisitWait = def.MaxRevisitWait
	}
	if site.DefaultRevisitWait == "" {
		site.DefaultRevisitWait = def.DefaultRevisitWait
	}
	return site
}

func buildPolicy(p SitePolicy) (sites.Policy, error) {
	out := sites.Policy{Handler: p.Handler}
	if p.MaxDepth != nil {
		out.MaxDepth = *p.MaxDepth
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_wait", p.RequestWait, &out.RequestWait},
		{"error_site_wait", p.ErrorSiteWait, &out.ErrorSiteWait},
		{"error_dir_wait", p.ErrorDirWait, &out.ErrorDirWait},
		{"min_revisit_wait", p.MinRevisitWait, &out.MinRevisitWait},
		{"max_revisit_wait", p.MaxRevisitWait, &out.MaxRevisitWait},
		{"default_revisit_wait", p.DefaultRevisitWait, &out.DefaultRevisitWait},
	} {
		d, err := timeutil.ParseInterval(field.raw)
		if err != nil {
			return sites.Policy{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = d
	}
	return out, nil
}
