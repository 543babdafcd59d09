// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the token exchange service configuration.
// Values come from an optional YAML file, OBO_-prefixed environment variables
// and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/obo-exchange/pkg/logger"
)

// StoreType selects the local identity store backend.
type StoreType string

const (
	// StoreTypeMemory keeps users seeded from configuration in memory.
	StoreTypeMemory StoreType = "memory"
	// StoreTypeRedis reads users from Redis.
	StoreTypeRedis StoreType = "redis"
	// StoreTypeSQLite reads users from a SQLite database file.
	StoreTypeSQLite StoreType = "sqlite"
)

// Defaults applied when a value is not configured.
const (
	DefaultClockSkew           = 60 * time.Second
	DefaultRefreshInterval     = 15 * time.Minute
	DefaultCacheTTL            = 24 * time.Hour
	DefaultFetchTimeout        = 10 * time.Second
	DefaultLookupTimeout       = 5 * time.Second
	DefaultTokenLifetime       = time.Hour
	DefaultListenAddress       = ":8080"
	DefaultRequestTimeout      = 30 * time.Second
	DefaultMaxRequestBodyBytes = 64 * 1024
	DefaultRedisKeyPrefix      = "obo:"
	DefaultServiceName         = "obo-exchange"
	DefaultSamplingRate        = 0.05
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "OBO"

// Config is the complete service configuration.
type Config struct {
	Exchange      ExchangeConfig      `mapstructure:"exchange"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	Signing       SigningConfig       `mapstructure:"signing"`
	IdentityStore IdentityStoreConfig `mapstructure:"identityStore"`
	Server        ServerConfig        `mapstructure:"server"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`

	// LogPII allows usernames and raw assertions in debug logs.
	LogPII bool `mapstructure:"logPII"`
}

// ExchangeConfig describes the trusted subject tokens and the tokens issued for them.
type ExchangeConfig struct {
	// Audience is the value the audience request field must carry.
	Audience string `mapstructure:"audience"`

	// AccessTokenAuthority is the trusted issuer of subject tokens.
	AccessTokenAuthority string `mapstructure:"accessTokenAuthority"`
	// AccessTokenAudience is the audience subject tokens must be issued for.
	AccessTokenAudience string `mapstructure:"accessTokenAudience"`

	ScopeForNewAccessToken    string `mapstructure:"scopeForNewAccessToken"`
	AudienceForNewAccessToken string `mapstructure:"audienceForNewAccessToken"`
	IssuerForNewAccessToken   string `mapstructure:"issuerForNewAccessToken"`

	ClockSkew     time.Duration `mapstructure:"clockSkew"`
	TokenLifetime time.Duration `mapstructure:"tokenLifetime"`

	// RequireDelegatedToken rejects subject tokens that lack oid and scp claims.
	RequireDelegatedToken bool `mapstructure:"requireDelegatedToken"`
}

// MetadataConfig configures how the identity provider metadata is fetched and cached.
type MetadataConfig struct {
	// Address is either the discovery document URL or the authority it hangs off.
	Address         string        `mapstructure:"address"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
	CacheTTL        time.Duration `mapstructure:"cacheTTL"`
	FetchTimeout    time.Duration `mapstructure:"fetchTimeout"`
	CABundle        string        `mapstructure:"caBundle"`
	AllowPrivateIP  bool          `mapstructure:"allowPrivateIP"`
}

// SigningConfig configures the credentials used to sign delegated tokens.
type SigningConfig struct {
	// KeyDir is the base directory for relative credential paths.
	KeyDir      string           `mapstructure:"keyDir"`
	Credentials []CredentialFile `mapstructure:"credentials"`
	// Generate creates an ephemeral key when no credentials are configured.
	Generate bool `mapstructure:"generate"`
}

// CredentialFile is a certificate and its private key on disk.
type CredentialFile struct {
	CertificateFile string `mapstructure:"certificateFile"`
	KeyFile         string `mapstructure:"keyFile"`
}

// IdentityStoreConfig selects and configures the local identity store.
type IdentityStoreConfig struct {
	Type          StoreType     `mapstructure:"type"`
	LookupTimeout time.Duration `mapstructure:"lookupTimeout"`
	Users         []UserEntry   `mapstructure:"users"`
	Redis         RedisConfig   `mapstructure:"redis"`
	SQLite        SQLiteConfig  `mapstructure:"sqlite"`
}

// UserEntry seeds the memory store.
type UserEntry struct {
	ID       string `mapstructure:"id"`
	Username string `mapstructure:"username"`
}

// RedisConfig configures the Redis identity store. Either Addr or the
// sentinel settings must be set.
type RedisConfig struct {
	Addr          string   `mapstructure:"addr"`
	MasterName    string   `mapstructure:"masterName"`
	SentinelAddrs []string `mapstructure:"sentinelAddrs"`
	DB            int      `mapstructure:"db"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	KeyPrefix     string   `mapstructure:"keyPrefix"`
}

// SQLiteConfig configures the SQLite identity store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address             string        `mapstructure:"address"`
	RequestTimeout      time.Duration `mapstructure:"requestTimeout"`
	MaxRequestBodyBytes int64         `mapstructure:"maxRequestBodyBytes"`
}

// TelemetryConfig configures OpenTelemetry tracing. Tracing is off when
// Endpoint is empty.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector host and port, e.g. "localhost:4318".
	Endpoint     string            `mapstructure:"endpoint"`
	ServiceName  string            `mapstructure:"serviceName"`
	SamplingRate float64           `mapstructure:"samplingRate"`
	Headers      map[string]string `mapstructure:"headers"`
	Insecure     bool              `mapstructure:"insecure"`
}

// SetDefaults registers default values on v. Every key is registered so that
// environment variables can override values absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("exchange.audience", "")
	v.SetDefault("exchange.accessTokenAuthority", "")
	v.SetDefault("exchange.accessTokenAudience", "")
	v.SetDefault("exchange.scopeForNewAccessToken", "")
	v.SetDefault("exchange.audienceForNewAccessToken", "")
	v.SetDefault("exchange.issuerForNewAccessToken", "")
	v.SetDefault("exchange.clockSkew", DefaultClockSkew)
	v.SetDefault("exchange.tokenLifetime", DefaultTokenLifetime)
	v.SetDefault("exchange.requireDelegatedToken", true)

	v.SetDefault("metadata.address", "")
	v.SetDefault("metadata.refreshInterval", DefaultRefreshInterval)
	v.SetDefault("metadata.cacheTTL", DefaultCacheTTL)
	v.SetDefault("metadata.fetchTimeout", DefaultFetchTimeout)
	v.SetDefault("metadata.caBundle", "")
	v.SetDefault("metadata.allowPrivateIP", false)

	v.SetDefault("signing.keyDir", "")
	v.SetDefault("signing.generate", false)

	v.SetDefault("identityStore.type", string(StoreTypeMemory))
	v.SetDefault("identityStore.lookupTimeout", DefaultLookupTimeout)
	v.SetDefault("identityStore.redis.addr", "")
	v.SetDefault("identityStore.redis.masterName", "")
	v.SetDefault("identityStore.redis.db", 0)
	v.SetDefault("identityStore.redis.username", "")
	v.SetDefault("identityStore.redis.password", "")
	v.SetDefault("identityStore.redis.keyPrefix", DefaultRedisKeyPrefix)
	v.SetDefault("identityStore.sqlite.path", "")

	v.SetDefault("server.address", DefaultListenAddress)
	v.SetDefault("server.requestTimeout", DefaultRequestTimeout)
	v.SetDefault("server.maxRequestBodyBytes", DefaultMaxRequestBodyBytes)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.serviceName", DefaultServiceName)
	v.SetDefault("telemetry.samplingRate", DefaultSamplingRate)
	v.SetDefault("telemetry.insecure", false)

	v.SetDefault("logPII", false)
}

// Load reads the configuration file at path (if not empty), overlays
// environment variables and returns the validated result.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		logger.Debugw("loaded configuration file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the Config is complete and consistent.
func (c *Config) Validate() error {
	logger.Debugw("validating configuration", "authority", c.Exchange.AccessTokenAuthority)

	if err := c.Exchange.Validate(); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if err := c.Metadata.Validate(); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if err := c.Signing.Validate(); err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	if err := c.IdentityStore.Validate(); err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	logger.Debugw("configuration validation passed",
		"storeType", c.IdentityStore.Type,
		"credentialCount", len(c.Signing.Credentials),
		"logPII", c.LogPII,
	)
	return nil
}

// Validate checks the exchange settings.
func (c *ExchangeConfig) Validate() error {
	switch {
	case c.Audience == "":
		return errors.New("audience is required")
	case c.AccessTokenAuthority == "":
		return errors.New("accessTokenAuthority is required")
	case c.AccessTokenAudience == "":
		return errors.New("accessTokenAudience is required")
	case c.ScopeForNewAccessToken == "":
		return errors.New("scopeForNewAccessToken is required")
	case c.AudienceForNewAccessToken == "":
		return errors.New("audienceForNewAccessToken is required")
	case c.IssuerForNewAccessToken == "":
		return errors.New("issuerForNewAccessToken is required")
	case c.ClockSkew < 0:
		return errors.New("clockSkew must not be negative")
	case c.TokenLifetime <= 0:
		return errors.New("tokenLifetime must be positive")
	}
	return nil
}

// Validate checks the metadata settings.
func (c *MetadataConfig) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("address must be an absolute https URL, got %q", c.Address)
	}
	if c.RefreshInterval <= 0 {
		return errors.New("refreshInterval must be positive")
	}
	if c.CacheTTL < c.RefreshInterval {
		return fmt.Errorf("cacheTTL (%s) must not be shorter than refreshInterval (%s)", c.CacheTTL, c.RefreshInterval)
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetchTimeout must be positive")
	}
	return nil
}

// Validate checks the signing settings.
func (c *SigningConfig) Validate() error {
	if len(c.Credentials) == 0 && !c.Generate {
		return errors.New("at least one credential is required unless generate is enabled")
	}
	for i, cred := range c.Credentials {
		if cred.CertificateFile == "" || cred.KeyFile == "" {
			return fmt.Errorf("credential %d: certificateFile and keyFile are required", i)
		}
	}
	return nil
}

// Validate checks the identity store settings.
func (c *IdentityStoreConfig) Validate() error {
	if c.LookupTimeout <= 0 {
		return errors.New("lookupTimeout must be positive")
	}

	switch c.Type {
	case StoreTypeMemory:
		seen := make(map[string]struct{}, len(c.Users))
		for i, u := range c.Users {
			if u.ID == "" {
				return fmt.Errorf("user %d: id is required", i)
			}
			if u.Username == "" {
				return fmt.Errorf("user %d: username is required", i)
			}
			if _, dup := seen[u.Username]; dup {
				return fmt.Errorf("user %d: duplicate username", i)
			}
			seen[u.Username] = struct{}{}
		}
	case StoreTypeRedis:
		if len(c.Users) > 0 {
			return errors.New("users are only supported by the memory store; use 'user add' for redis")
		}
		if c.Redis.Addr == "" && (c.Redis.MasterName == "" || len(c.Redis.SentinelAddrs) == 0) {
			return errors.New("redis requires addr or masterName with sentinelAddrs")
		}
		if c.Redis.KeyPrefix == "" {
			return errors.New("redis keyPrefix is required")
		}
	case StoreTypeSQLite:
		if len(c.Users) > 0 {
			return errors.New("users are only supported by the memory store; use 'user add' for sqlite")
		}
		if c.SQLite.Path == "" {
			return errors.New("sqlite path is required")
		}
	default:
		return fmt.Errorf("unsupported type %q", c.Type)
	}
	return nil
}

// Validate checks the listener settings.
func (c *ServerConfig) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("requestTimeout must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return errors.New("maxRequestBodyBytes must be positive")
	}
	return nil
}

// Validate checks the telemetry settings.
func (c *TelemetryConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("samplingRate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if c.Endpoint != "" && c.ServiceName == "" {
		return errors.New("serviceName is required when endpoint is set")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must be host:port without a scheme, got %q", c.Endpoint)
	}
	return nil
}
