// Package config loads the orchestrator's environment-variable
// configuration surface: connection settings for the blueprint config
// source and object store, scheduler tuning knobs, and the two auth
// secrets the HTTP surface checks against. Every loader is
// prefix-scoped through EnvConfig so the same struct can be loaded
// twice under different prefixes in tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig provides utilities for loading configuration from environment variables
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// MustGetString retrieves a required string value from environment or panics
func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// MustGetInt retrieves a required integer value from environment or panics
func (ec *EnvConfig) MustGetInt(key string) int {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("environment variable %s is not a valid integer: %v", fullKey, err))
	}
	return intValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// ServerConfig contains the dashboard HTTP server's own listen and
// timeout settings.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

// LoadServerConfig loads server configuration from environment
func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
	}
}

// ServiceConfig contains the process identity fields structured
// logging and metrics attach to every entry.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// LoadServiceConfig loads service configuration from environment
func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:        env.GetString("NAME", "eval-orchestrator"),
		Version:     env.GetString("VERSION", "0.0.1"),
		Environment: env.GetString("ENVIRONMENT", "development"),
		LogLevel:    env.GetString("LOG_LEVEL", "info"),
		LogFormat:   env.GetString("LOG_FORMAT", "text"),
	}
}

// CORSConfig contains CORS configuration for the dashboard read plane.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// LoadCORSConfig loads CORS configuration from environment
func LoadCORSConfig(prefix string) CORSConfig {
	env := NewEnvConfig(prefix)
	return CORSConfig{
		AllowedOrigins: env.GetStringSlice("ALLOWED_ORIGINS", []string{"*"}),
		AllowedMethods: env.GetStringSlice("ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		AllowedHeaders: env.GetStringSlice("ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "X-Shared-Secret"}),
		MaxAge:         env.GetDuration("MAX_AGE", 12*time.Hour),
	}
}

// ConfigSourceConfig describes where blueprints and the model-group
// catalogue live: a Gitea or GitLab repository.
type ConfigSourceConfig struct {
	Kind   string // "gitea" or "gitlab"
	URL    string
	Token  string
	Owner  string // gitea owner; gitlab namespace (optional)
	Repo   string // gitea repository; gitlab project
	Branch string
}

// LoadConfigSourceConfig loads blueprint config source configuration from environment
func LoadConfigSourceConfig(prefix string) ConfigSourceConfig {
	env := NewEnvConfig(prefix)
	return ConfigSourceConfig{
		Kind:   env.GetString("KIND", "gitea"),
		URL:    env.GetString("URL", ""),
		Token:  env.GetString("TOKEN", ""),
		Owner:  env.GetString("OWNER", ""),
		Repo:   env.GetString("REPO", ""),
		Branch: env.GetString("BRANCH", "main"),
	}
}

// ObjectStoreConfig describes where incremental summaries and raw run
// artifacts are persisted: an S3-compatible bucket or a CouchDB
// database.
type ObjectStoreConfig struct {
	Kind      string // "s3" or "couchdb"
	URL       string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Username  string
	Password  string
	Database  string
}

// LoadObjectStoreConfig loads object store configuration from environment
func LoadObjectStoreConfig(prefix string) ObjectStoreConfig {
	env := NewEnvConfig(prefix)
	return ObjectStoreConfig{
		Kind:      env.GetString("KIND", "s3"),
		URL:       env.GetString("URL", ""),
		Region:    env.GetString("REGION", "us-east-1"),
		Bucket:    env.GetString("BUCKET", ""),
		AccessKey: env.GetString("ACCESS_KEY", ""),
		SecretKey: env.GetString("SECRET_KEY", ""),
		Username:  env.GetString("USERNAME", ""),
		Password:  env.GetString("PASSWORD", ""),
		Database:  env.GetString("DATABASE", ""),
	}
}

// SchedulerConfig tunes the periodic tick: how often it fires, how
// many blueprints one tick dispatches at most, how many evaluations run
// concurrently, and how stale a run has to be before it is considered
// due again.
type SchedulerConfig struct {
	CronInterval     time.Duration
	BatchLimit       int
	QueueConcurrency int
	FreshnessWindow  time.Duration
	DrainWait        time.Duration
	ShardPrefix      string
}

// LoadSchedulerConfig loads scheduler tuning configuration from environment
func LoadSchedulerConfig(prefix string) SchedulerConfig {
	env := NewEnvConfig(prefix)
	return SchedulerConfig{
		CronInterval:     env.GetDuration("CRON_INTERVAL", time.Hour),
		BatchLimit:       env.GetInt("BATCH_LIMIT", 200),
		QueueConcurrency: env.GetInt("QUEUE_CONCURRENCY", 3),
		FreshnessWindow:  env.GetDuration("FRESHNESS_WINDOW", 168*time.Hour),
		DrainWait:        env.GetDuration("DRAIN_WAIT", 15*time.Second),
		ShardPrefix:      env.GetString("SHARD_PREFIX", ""),
	}
}

// AuthConfig contains the two secrets the HTTP surface checks: the
// shared secret guarding internal control-plane routes, and the
// symmetric key dashboard JWTs are signed and verified with.
type AuthConfig struct {
	SharedSecret string
	JWTSecret    string
	JWTExpiry    time.Duration
}

// LoadAuthConfig loads authentication configuration from environment
func LoadAuthConfig(prefix string) AuthConfig {
	env := NewEnvConfig(prefix)
	return AuthConfig{
		SharedSecret: env.GetString("SHARED_SECRET", ""),
		JWTSecret:    env.GetString("JWT_SECRET", ""),
		JWTExpiry:    env.GetDuration("JWT_EXPIRY", 24*time.Hour),
	}
}

// BackingStoreConfig collects the optional side channels the
// composite repository and run-event notifier wire in only when their
// connection string is set.
type BackingStoreConfig struct {
	RedisURL    string
	PostgresDSN string
	Neo4jURL    string
	CouchDBURL  string
	BoltPath    string
	AMQPURL     string
}

// LoadBackingStoreConfig loads optional backing store configuration from environment
func LoadBackingStoreConfig(prefix string) BackingStoreConfig {
	env := NewEnvConfig(prefix)
	return BackingStoreConfig{
		RedisURL:    env.GetString("REDIS_URL", ""),
		PostgresDSN: env.GetString("POSTGRES_DSN", ""),
		Neo4jURL:    env.GetString("NEO4J_URL", ""),
		CouchDBURL:  env.GetString("COUCHDB_URL", ""),
		BoltPath:    env.GetString("BOLT_PATH", ""),
		AMQPURL:     env.GetString("AMQP_URL", ""),
	}
}

// SecretsConfig carries the connection details for whichever secrets
// backend ORCH_SECRETS_BACKEND selects. Only the fields the selected
// backend actually needs are required; the rest are ignored.
type SecretsConfig struct {
	InfisicalHost         string
	InfisicalClientID     string
	InfisicalClientSecret string
	InfisicalProjectID    string
	InfisicalEnvironment  string
	AzureVaultURL         string
}

// LoadSecretsConfig loads secrets-backend configuration from environment
func LoadSecretsConfig(prefix string) SecretsConfig {
	env := NewEnvConfig(prefix)
	return SecretsConfig{
		InfisicalHost:         env.GetString("INFISICAL_HOST", "app.infisical.com"),
		InfisicalClientID:     env.GetString("INFISICAL_CLIENT_ID", ""),
		InfisicalClientSecret: env.GetString("INFISICAL_CLIENT_SECRET", ""),
		InfisicalProjectID:    env.GetString("INFISICAL_PROJECT_ID", ""),
		InfisicalEnvironment:  env.GetString("INFISICAL_ENVIRONMENT", "prod"),
		AzureVaultURL:         env.GetString("AZURE_VAULT_URL", ""),
	}
}

// PipelineRunnerConfig selects and configures the Pipeline Runner
// invocation backend. Only the fields the selected Kind needs are
// required.
type PipelineRunnerConfig struct {
	Kind string // "command", "docker", "http", or "kubernetes"

	// command
	Binary string
	Args   []string

	// docker / kubernetes
	Image     string
	Namespace string // kubernetes only

	// http
	BaseURL string

	PollInterval time.Duration
}

// LoadPipelineRunnerConfig loads pipeline runner configuration from environment
func LoadPipelineRunnerConfig(prefix string) PipelineRunnerConfig {
	env := NewEnvConfig(prefix)
	return PipelineRunnerConfig{
		Kind:         env.GetString("KIND", "command"),
		Binary:       env.GetString("BINARY", ""),
		Args:         env.GetStringSlice("ARGS", nil),
		Image:        env.GetString("IMAGE", ""),
		Namespace:    env.GetString("NAMESPACE", "default"),
		BaseURL:      env.GetString("BASE_URL", ""),
		PollInterval: env.GetDuration("POLL_INTERVAL", 3*time.Second),
	}
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequireInt validates that an integer field is within range
func (v *Validator) RequireInt(field string, value, min, max int) {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireURL validates that a string is a valid URL
func (v *Validator) RequireURL(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid URL (http:// or https://)", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// Config is the orchestrator's full configuration surface, loaded
// once at startup under the ORCH_ prefix.
type Config struct {
	Server         ServerConfig
	Service        ServiceConfig
	CORS           CORSConfig
	ConfigSource   ConfigSourceConfig
	ObjectStore    ObjectStoreConfig
	Scheduler      SchedulerConfig
	Auth           AuthConfig
	Backing        BackingStoreConfig
	Secrets        SecretsConfig
	SecretsBackend string
	PipelineRunner PipelineRunnerConfig
}

// Load reads the full orchestrator configuration from environment
// variables under the ORCH_ prefix and validates the fields every
// deployment must set. A validation failure returns an aggregated
// error naming every missing or malformed field at once, rather than
// failing on the first one.
func Load() (*Config, error) {
	const prefix = "ORCH"
	env := NewEnvConfig(prefix)

	cfg := &Config{
		Server:         LoadServerConfig(prefix),
		Service:        LoadServiceConfig(prefix),
		CORS:           LoadCORSConfig(prefix + "_CORS"),
		ConfigSource:   LoadConfigSourceConfig(prefix + "_CONFIG_SOURCE"),
		ObjectStore:    LoadObjectStoreConfig(prefix + "_OBJECT_STORE"),
		Scheduler:      LoadSchedulerConfig(prefix),
		Auth:           LoadAuthConfig(prefix),
		Backing:        LoadBackingStoreConfig(prefix),
		Secrets:        LoadSecretsConfig(prefix),
		SecretsBackend: env.GetString("SECRETS_BACKEND", ""),
		PipelineRunner: LoadPipelineRunnerConfig(prefix + "_PIPELINE_RUNNER"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	v := NewValidator()

	v.RequireOneOf("ConfigSource.Kind", cfg.ConfigSource.Kind, []string{"gitea", "gitlab"})
	v.RequireURL("ConfigSource.URL", cfg.ConfigSource.URL)

	v.RequireOneOf("ObjectStore.Kind", cfg.ObjectStore.Kind, []string{"s3", "couchdb"})
	if cfg.ObjectStore.Kind == "s3" {
		v.RequireString("ObjectStore.Bucket", cfg.ObjectStore.Bucket)
	} else {
		v.RequireString("ObjectStore.Database", cfg.ObjectStore.Database)
	}

	v.RequirePositiveInt("Server.Port", cfg.Server.Port)
	v.RequirePositiveInt("Scheduler.QueueConcurrency", cfg.Scheduler.QueueConcurrency)
	v.RequirePositiveInt("Scheduler.BatchLimit", cfg.Scheduler.BatchLimit)

	v.RequireString("Auth.SharedSecret", cfg.Auth.SharedSecret)
	v.RequireString("Auth.JWTSecret", cfg.Auth.JWTSecret)

	v.RequireOneOf("PipelineRunner.Kind", cfg.PipelineRunner.Kind, []string{"command", "docker", "http", "kubernetes"})
	switch cfg.PipelineRunner.Kind {
	case "command":
		v.RequireString("PipelineRunner.Binary", cfg.PipelineRunner.Binary)
	case "docker", "kubernetes":
		v.RequireString("PipelineRunner.Image", cfg.PipelineRunner.Image)
	case "http":
		v.RequireURL("PipelineRunner.BaseURL", cfg.PipelineRunner.BaseURL)
	}

	return v.Validate()
}
