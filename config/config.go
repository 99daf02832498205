package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	LeaseModeNone = "none"
	LeaseModeZK   = "zk"

	DefaultTSOPort = 54758
)

// ServerConfig configures a TSO server.
type ServerConfig struct {
	Host string // advertised host, stored as the lease holder
	Port int

	BatchSizePerWriter   int
	NumConcurrentWriters int
	BatchPoolSize        int
	BatchPersistTimeout  time.Duration

	ConflictMapSize int
	TimestampBatch  int64
	DataDir         string

	LeaseMode   string
	ZKServers   []string
	ZKLeasePath string
	LeasePeriod time.Duration

	MetricsPort int
}

// ClientConfig configures a TSO client.
type ClientConfig struct {
	TSOHost string
	TSOPort int

	RequestTimeout    time.Duration // 0 disables the per-request timer
	RequestMaxRetries int
	RetryDelay        time.Duration
	ConnectTimeout    time.Duration
}

// NewServerConfig returns a server configuration with default values.
func NewServerConfig(port int) *ServerConfig {
	return &ServerConfig{
		Host:                 "localhost",
		Port:                 port,
		BatchSizePerWriter:   25,
		NumConcurrentWriters: 2,
		BatchPoolSize:        4,
		BatchPersistTimeout:  10 * time.Millisecond,
		ConflictMapSize:      100000,
		TimestampBatch:       100000,
		DataDir:              "./tso-data",
		LeaseMode:            LeaseModeNone,
		ZKLeasePath:          "/tso/lease",
		LeasePeriod:          10 * time.Second,
	}
}

// NewClientConfig returns a client configuration with default values.
func NewClientConfig(host string, port int) *ClientConfig {
	return &ClientConfig{
		TSOHost:           host,
		TSOPort:           port,
		RequestTimeout:    5 * time.Second,
		RequestMaxRetries: 5,
		RetryDelay:        time.Second,
		ConnectTimeout:    100 * time.Millisecond,
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.BatchSizePerWriter < 1 {
		return errors.Errorf("batch_size_per_writer must be positive, got %d", c.BatchSizePerWriter)
	}
	if c.NumConcurrentWriters < 1 {
		return errors.Errorf("num_concurrent_writers must be positive, got %d", c.NumConcurrentWriters)
	}
	if c.BatchPoolSize < c.NumConcurrentWriters {
		return errors.Errorf("batch_pool_size (%d) must be at least num_concurrent_writers (%d)",
			c.BatchPoolSize, c.NumConcurrentWriters)
	}
	if c.BatchPersistTimeout <= 0 {
		return errors.New("batch_persist_timeout_ms must be positive")
	}
	if c.ConflictMapSize < 1 {
		return errors.Errorf("conflict_map_size must be positive, got %d", c.ConflictMapSize)
	}
	if c.TimestampBatch < 1 {
		return errors.Errorf("timestamp_batch must be positive, got %d", c.TimestampBatch)
	}
	switch c.LeaseMode {
	case LeaseModeNone:
	case LeaseModeZK:
		if len(c.ZKServers) == 0 {
			return errors.New("lease_mode zk requires zk_servers")
		}
		if !strings.HasPrefix(c.ZKLeasePath, "/") {
			return errors.Errorf("zk_lease_path must be absolute, got %q", c.ZKLeasePath)
		}
		if c.LeasePeriod <= 0 {
			return errors.New("lease_period_ms must be positive")
		}
	default:
		return errors.Errorf("unknown lease_mode %q", c.LeaseMode)
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	if c.TSOHost == "" {
		return errors.New("tso_host is required")
	}
	if c.TSOPort <= 0 || c.TSOPort > 65535 {
		return errors.Errorf("invalid tso_port %d", c.TSOPort)
	}
	if c.RequestMaxRetries < 0 {
		return errors.Errorf("request_max_retries must not be negative, got %d", c.RequestMaxRetries)
	}
	if c.RequestTimeout < 0 || c.RetryDelay < 0 || c.ConnectTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func newViper(configPrefix, configName string, configPaths []string) (*viper.Viper, error) {
	viperConfig := viper.New()
	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)

	viperConfig.SetConfigName(configName)
	if len(configPaths) == 0 {
		configPaths = []string{"./"}
	}
	for _, p := range configPaths {
		viperConfig.AddConfigPath(p)
	}

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", configName)
	}
	return viperConfig, nil
}

// LoadServerConfig reads configName from configPaths ("./" when none is given).
// Keys can be overridden by environment variables prefixed with configPrefix.
func LoadServerConfig(configPrefix, configName string, configPaths ...string) (*ServerConfig, error) {
	viperConfig, err := newViper(configPrefix, configName, configPaths)
	if err != nil {
		return nil, err
	}

	defaults := NewServerConfig(0)
	viperConfig.SetDefault("host", defaults.Host)
	viperConfig.SetDefault("batch_size_per_writer", defaults.BatchSizePerWriter)
	viperConfig.SetDefault("num_concurrent_writers", defaults.NumConcurrentWriters)
	viperConfig.SetDefault("batch_persist_timeout_ms", defaults.BatchPersistTimeout.Milliseconds())
	viperConfig.SetDefault("conflict_map_size", defaults.ConflictMapSize)
	viperConfig.SetDefault("timestamp_batch", defaults.TimestampBatch)
	viperConfig.SetDefault("data_dir", defaults.DataDir)
	viperConfig.SetDefault("lease_mode", defaults.LeaseMode)
	viperConfig.SetDefault("zk_lease_path", defaults.ZKLeasePath)
	viperConfig.SetDefault("lease_period_ms", defaults.LeasePeriod.Milliseconds())

	writers := viperConfig.GetInt("num_concurrent_writers")
	viperConfig.SetDefault("batch_pool_size", 2*writers)

	conf := &ServerConfig{
		Host:                 viperConfig.GetString("host"),
		Port:                 viperConfig.GetInt("port"),
		BatchSizePerWriter:   viperConfig.GetInt("batch_size_per_writer"),
		NumConcurrentWriters: writers,
		BatchPoolSize:        viperConfig.GetInt("batch_pool_size"),
		BatchPersistTimeout:  time.Duration(viperConfig.GetInt64("batch_persist_timeout_ms")) * time.Millisecond,
		ConflictMapSize:      viperConfig.GetInt("conflict_map_size"),
		TimestampBatch:       viperConfig.GetInt64("timestamp_batch"),
		DataDir:              viperConfig.GetString("data_dir"),
		LeaseMode:            viperConfig.GetString("lease_mode"),
		ZKServers:            viperConfig.GetStringSlice("zk_servers"),
		ZKLeasePath:          viperConfig.GetString("zk_lease_path"),
		LeasePeriod:          time.Duration(viperConfig.GetInt64("lease_period_ms")) * time.Millisecond,
		MetricsPort:          viperConfig.GetInt("metrics_port"),
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadClientConfig reads a client configuration the same way as LoadServerConfig.
func LoadClientConfig(configPrefix, configName string, configPaths ...string) (*ClientConfig, error) {
	viperConfig, err := newViper(configPrefix, configName, configPaths)
	if err != nil {
		return nil, err
	}

	defaults := NewClientConfig("", DefaultTSOPort)
	viperConfig.SetDefault("tso_port", defaults.TSOPort)
	viperConfig.SetDefault("request_timeout_ms", defaults.RequestTimeout.Milliseconds())
	viperConfig.SetDefault("request_max_retries", defaults.RequestMaxRetries)
	viperConfig.SetDefault("retry_delay_ms", defaults.RetryDelay.Milliseconds())
	viperConfig.SetDefault("connect_timeout_ms", defaults.ConnectTimeout.Milliseconds())

	conf := &ClientConfig{
		TSOHost:           viperConfig.GetString("tso_host"),
		TSOPort:           viperConfig.GetInt("tso_port"),
		RequestTimeout:    time.Duration(viperConfig.GetInt64("request_timeout_ms")) * time.Millisecond,
		RequestMaxRetries: viperConfig.GetInt("request_max_retries"),
		RetryDelay:        time.Duration(viperConfig.GetInt64("retry_delay_ms")) * time.Millisecond,
		ConnectTimeout:    time.Duration(viperConfig.GetInt64("connect_timeout_ms")) * time.Millisecond,
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
