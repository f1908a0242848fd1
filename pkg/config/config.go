// Package config loads typed settings through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"proxy-lifecycle/pkg/models"
)

const EnvPrefix = "PROXYLC"

type PoolSettings struct {
	MinSize         int           `mapstructure:"min_size"`
	TargetSize      int           `mapstructure:"target_size"`
	MaxSize         int           `mapstructure:"max_size"`
	Strategy        string        `mapstructure:"strategy"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	ProviderRetries int           `mapstructure:"provider_retries"`
}

type QualitySettings struct {
	Interval         time.Duration `mapstructure:"interval"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

type FailoverSettings struct {
	Enabled          bool          `mapstructure:"enabled"`
	Strategy         string        `mapstructure:"strategy"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	LatencyThreshold float64       `mapstructure:"latency_threshold_ms"`
	AutoRecover      bool          `mapstructure:"auto_recover"`
	BlacklistTTL     time.Duration `mapstructure:"blacklist_ttl"`
}

// Default converts the settings into the global failover default.
func (f FailoverSettings) Default() models.FailoverConfig {
	return models.FailoverConfig{
		Enabled:          f.Enabled,
		Strategy:         models.FailoverStrategy(f.Strategy),
		MaxRetries:       f.MaxRetries,
		RetryDelay:       f.RetryDelay,
		FailureThreshold: f.FailureThreshold,
		SuccessThreshold: f.SuccessThreshold,
		CheckInterval:    f.CheckInterval,
		LatencyThreshold: f.LatencyThreshold,
		AutoRecover:      f.AutoRecover,
	}
}

type ShardSettings struct {
	Strategy  string  `mapstructure:"strategy"`
	MinHealth float64 `mapstructure:"min_health"`
}

type KVSettings struct {
	Dir string `mapstructure:"dir"`
}

type DatabaseSettings struct {
	// Driver is "postgres" or "sqlite".
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// PostgresDSN returns DSN if set, otherwise builds one from the discrete fields.
func (d DatabaseSettings) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// ProviderSettings configures one upstream vendor. Order in the config file is
// the priority order used on a pool miss.
type ProviderSettings struct {
	System        string  `mapstructure:"system"`
	Name          string  `mapstructure:"name"`
	APIKey        string  `mapstructure:"api_key"`
	PackageID     string  `mapstructure:"package_id"`
	PackageKey    string  `mapstructure:"package_key"`
	Username      string  `mapstructure:"username"`
	Endpoint      string  `mapstructure:"endpoint"`
	SessionLength int     `mapstructure:"session_length"`
	CostPerGB     float64 `mapstructure:"cost_per_gb"`
	ISPType       string  `mapstructure:"isp_type"`
	File          string  `mapstructure:"file"`
	CheckerURL    string  `mapstructure:"checker_url"`
}

type Settings struct {
	Pool        PoolSettings         `mapstructure:"pool"`
	Quality     QualitySettings      `mapstructure:"quality"`
	Failover    FailoverSettings     `mapstructure:"failover"`
	Shard       ShardSettings        `mapstructure:"shard"`
	Shards      []models.ShardConfig `mapstructure:"shards"`
	KV          KVSettings           `mapstructure:"kv"`
	Database    DatabaseSettings     `mapstructure:"database"`
	Providers   []ProviderSettings   `mapstructure:"providers"`
	IPInfoToken string               `mapstructure:"ipinfo_token"`
	MetricsAddr string               `mapstructure:"metrics_addr"`
}

// SetDefaults registers every known key so env overrides resolve through Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pool.min_size", 100)
	v.SetDefault("pool.target_size", 2000)
	v.SetDefault("pool.max_size", 5000)
	v.SetDefault("pool.strategy", "quality_based")
	v.SetDefault("pool.refresh_interval", 5*time.Minute)
	v.SetDefault("pool.cleanup_interval", time.Minute)
	v.SetDefault("pool.provider_timeout", 10*time.Second)
	v.SetDefault("pool.provider_retries", 2)

	v.SetDefault("quality.interval", 10*time.Minute)
	v.SetDefault("quality.history_retention", 30*24*time.Hour)

	def := models.DefaultFailoverConfig()
	v.SetDefault("failover.enabled", def.Enabled)
	v.SetDefault("failover.strategy", string(def.Strategy))
	v.SetDefault("failover.max_retries", def.MaxRetries)
	v.SetDefault("failover.retry_delay", def.RetryDelay)
	v.SetDefault("failover.failure_threshold", def.FailureThreshold)
	v.SetDefault("failover.success_threshold", def.SuccessThreshold)
	v.SetDefault("failover.check_interval", def.CheckInterval)
	v.SetDefault("failover.latency_threshold_ms", def.LatencyThreshold)
	v.SetDefault("failover.auto_recover", def.AutoRecover)
	v.SetDefault("failover.blacklist_ttl", 5*time.Minute)

	v.SetDefault("shard.strategy", "least_used")
	v.SetDefault("shard.min_health", 60)

	v.SetDefault("kv.dir", "data/kv")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("metrics_addr", ":9090")
}

// Init wires config file lookup and environment overrides onto v.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.proxy-lifecycle")
		v.AddConfigPath("/etc/proxy-lifecycle/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && file == "" {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Load decodes v into Settings and fills the shard layout when none is configured.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if len(s.Shards) == 0 {
		s.Shards = DefaultShards()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks pool sizing and shard identifiers.
func (s *Settings) Validate() error {
	if s.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got %d", s.Pool.MaxSize)
	}
	if s.Pool.TargetSize > s.Pool.MaxSize {
		return fmt.Errorf("pool.target_size (%d) exceeds pool.max_size (%d)", s.Pool.TargetSize, s.Pool.MaxSize)
	}
	seen := make(map[string]bool, len(s.Shards))
	for _, sh := range s.Shards {
		if sh.ShardID == "" {
			return fmt.Errorf("shard without shard_id")
		}
		if seen[sh.ShardID] {
			return fmt.Errorf("duplicate shard %q", sh.ShardID)
		}
		seen[sh.ShardID] = true
	}
	return nil
}

// DefaultShards is the three-rack layout used when no shards are configured.
func DefaultShards() []models.ShardConfig {
	return []models.ShardConfig{
		{ShardID: "shard-01", Name: "Rack A", DeviceGroups: []string{"rack-A"}, Capacity: 500, Region: "cn-north", Weight: 1, Enabled: true},
		{ShardID: "shard-02", Name: "Rack B", DeviceGroups: []string{"rack-B"}, Capacity: 500, Region: "cn-north", Weight: 1, Enabled: true},
		{ShardID: "shard-03", Name: "Rack C", DeviceGroups: []string{"rack-C"}, Capacity: 500, Region: "cn-south", Weight: 1, Enabled: true},
	}
}
