package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Audit      AuditConfig
	Auth       AuthConfig
	Password   PasswordPolicyConfig
	Authz      AuthzConfig
	Scanner    ScannerConfig
	Log        LogConfig
	StorageDir string
}

// AuditConfig governs the tamper-evident audit log.
type AuditConfig struct {
	MinLevel        string
	TamperProofing  bool
	EncryptAtRest   bool
	BatchSize       int
	FlushInterval   time.Duration
	MaxSegmentBytes int64
	MaxSegments     int
	RetentionPeriod time.Duration
	SigningKeyPath  string
	SegmentDir      string
}

// AuthConfig governs credential verification and session issuance.
type AuthConfig struct {
	TokenSecret        string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
	SessionTimeout     time.Duration
	MFAEnabled         bool
	MaxFailedAttempts  int
	LockoutDuration    time.Duration
}

// PasswordPolicyConfig constrains accepted passwords.
type PasswordPolicyConfig struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSymbols   bool
	ReuseDepth       int
}

// AuthzConfig tunes the authorization engine.
type AuthzConfig struct {
	InheritanceEnabled bool
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
}

// ScannerConfig drives the coordinator's periodic security scan.
type ScannerConfig struct {
	ScanInterval       time.Duration
	ComplianceInterval time.Duration
	BruteForceWindow   time.Duration
	BruteForceLimit    int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.StorageDir = v.GetString("STORAGE_DIR")

	cfg.Audit = AuditConfig{
		MinLevel:        v.GetString("AUDIT_MIN_LEVEL"),
		TamperProofing:  v.GetBool("AUDIT_TAMPER_PROOFING"),
		EncryptAtRest:   v.GetBool("AUDIT_ENCRYPT_AT_REST"),
		BatchSize:       v.GetInt("AUDIT_BATCH_SIZE"),
		FlushInterval:   parseDuration(v.GetString("AUDIT_FLUSH_INTERVAL"), 5*time.Second),
		MaxSegmentBytes: v.GetInt64("AUDIT_MAX_SEGMENT_BYTES"),
		MaxSegments:     v.GetInt("AUDIT_MAX_SEGMENTS"),
		RetentionPeriod: parseDuration(v.GetString("AUDIT_RETENTION_PERIOD"), 90*24*time.Hour),
		SigningKeyPath:  v.GetString("AUDIT_SIGNING_KEY_PATH"),
		SegmentDir:      v.GetString("AUDIT_SEGMENT_DIR"),
	}

	cfg.Auth = AuthConfig{
		TokenSecret:        v.GetString("AUTH_TOKEN_SECRET"),
		AccessTokenExpiry:  parseDuration(v.GetString("AUTH_ACCESS_TOKEN_EXPIRY"), 15*time.Minute),
		RefreshTokenExpiry: parseDuration(v.GetString("AUTH_REFRESH_TOKEN_EXPIRY"), 7*24*time.Hour),
		Issuer:             v.GetString("AUTH_ISSUER"),
		SessionTimeout:     parseDuration(v.GetString("AUTH_SESSION_TIMEOUT"), 30*time.Minute),
		MFAEnabled:         v.GetBool("AUTH_MFA_ENABLED"),
		MaxFailedAttempts:  v.GetInt("AUTH_MAX_FAILED_ATTEMPTS"),
		LockoutDuration:    parseDuration(v.GetString("AUTH_LOCKOUT_DURATION"), 15*time.Minute),
	}

	cfg.Password = PasswordPolicyConfig{
		MinLength:        v.GetInt("PASSWORD_MIN_LENGTH"),
		RequireUppercase: v.GetBool("PASSWORD_REQUIRE_UPPERCASE"),
		RequireLowercase: v.GetBool("PASSWORD_REQUIRE_LOWERCASE"),
		RequireNumbers:   v.GetBool("PASSWORD_REQUIRE_NUMBERS"),
		RequireSymbols:   v.GetBool("PASSWORD_REQUIRE_SYMBOLS"),
		ReuseDepth:       v.GetInt("PASSWORD_REUSE_DEPTH"),
	}

	cfg.Authz = AuthzConfig{
		InheritanceEnabled: v.GetBool("AUTHZ_INHERITANCE_ENABLED"),
		CacheTTL:           parseDuration(v.GetString("AUTHZ_CACHE_TTL"), 5*time.Minute),
		CacheSweepInterval: parseDuration(v.GetString("AUTHZ_CACHE_SWEEP_INTERVAL"), time.Minute),
	}

	cfg.Scanner = ScannerConfig{
		ScanInterval:       parseDuration(v.GetString("SCAN_INTERVAL"), 5*time.Minute),
		ComplianceInterval: parseDuration(v.GetString("COMPLIANCE_INTERVAL"), time.Hour),
		BruteForceWindow:   parseDuration(v.GetString("BRUTE_FORCE_WINDOW"), 10*time.Minute),
		BruteForceLimit:    v.GetInt("BRUTE_FORCE_LIMIT"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, cfg.validate()
}

// validate enforces hard requirements that have no safe default.
func (c *Config) validate() error {
	if c.Env == EnvProduction && (c.Auth.TokenSecret == "" || c.Auth.TokenSecret == "dev_secret") {
		return fmt.Errorf("AUTH_TOKEN_SECRET must be provisioned in production")
	}
	if c.Audit.BatchSize <= 0 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be positive")
	}
	if c.Auth.MaxFailedAttempts <= 0 {
		return fmt.Errorf("AUTH_MAX_FAILED_ATTEMPTS must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8687)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("STORAGE_DIR", "./data")

	v.SetDefault("AUDIT_MIN_LEVEL", "info")
	v.SetDefault("AUDIT_TAMPER_PROOFING", true)
	v.SetDefault("AUDIT_ENCRYPT_AT_REST", false)
	v.SetDefault("AUDIT_BATCH_SIZE", 50)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "5s")
	v.SetDefault("AUDIT_MAX_SEGMENT_BYTES", 10*1024*1024)
	v.SetDefault("AUDIT_MAX_SEGMENTS", 30)
	v.SetDefault("AUDIT_RETENTION_PERIOD", "2160h")
	v.SetDefault("AUDIT_SIGNING_KEY_PATH", "keys/audit-signing.key")
	v.SetDefault("AUDIT_SEGMENT_DIR", "audit")

	v.SetDefault("AUTH_TOKEN_SECRET", "dev_secret")
	v.SetDefault("AUTH_ACCESS_TOKEN_EXPIRY", "15m")
	v.SetDefault("AUTH_REFRESH_TOKEN_EXPIRY", "168h")
	v.SetDefault("AUTH_ISSUER", "trustcore")
	v.SetDefault("AUTH_SESSION_TIMEOUT", "30m")
	v.SetDefault("AUTH_MFA_ENABLED", false)
	v.SetDefault("AUTH_MAX_FAILED_ATTEMPTS", 5)
	v.SetDefault("AUTH_LOCKOUT_DURATION", "15m")

	v.SetDefault("PASSWORD_MIN_LENGTH", 12)
	v.SetDefault("PASSWORD_REQUIRE_UPPERCASE", true)
	v.SetDefault("PASSWORD_REQUIRE_LOWERCASE", true)
	v.SetDefault("PASSWORD_REQUIRE_NUMBERS", true)
	v.SetDefault("PASSWORD_REQUIRE_SYMBOLS", false)
	v.SetDefault("PASSWORD_REUSE_DEPTH", 5)

	v.SetDefault("AUTHZ_INHERITANCE_ENABLED", true)
	v.SetDefault("AUTHZ_CACHE_TTL", "5m")
	v.SetDefault("AUTHZ_CACHE_SWEEP_INTERVAL", "1m")

	v.SetDefault("SCAN_INTERVAL", "5m")
	v.SetDefault("COMPLIANCE_INTERVAL", "1h")
	v.SetDefault("BRUTE_FORCE_WINDOW", "10m")
	v.SetDefault("BRUTE_FORCE_LIMIT", 10)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}
