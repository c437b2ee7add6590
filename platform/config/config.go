// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	IsDatabaseEnabled() bool
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// RedisConfig provides settings for the conference state store.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// SchedulerConfig provides settings for the asynq job queue.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// TwilioConfig provides credentials for the telephony and task routing APIs.
type TwilioConfig interface {
	GetTwilioAccountSID() string
	GetTwilioAuthToken() string
	GetTwilioWorkspaceSID() string
	GetTwilioValidateWebhooks() bool
	GetPublicBaseURL() string
}

// RecoveryConfig provides the tunables of the recovery protocol.
type RecoveryConfig interface {
	GetRecoveryPingWorkflowSID() string
	GetRecoveryPingTTL() time.Duration
	GetRecoveryPingPriority() int
	GetReconnectTaskPriority() int
	GetRecoveryAnnouncementURL() string
	GetConferenceStateTTL() time.Duration
	GetReconnectFreshnessWindow() time.Duration
	GetReconnectDialogGrace() time.Duration
	GetReconnectAutoAccept() bool
	GetParticipantWaitMax() time.Duration
	GetParticipantWaitInterval() time.Duration
}

// AlertConfig provides settings for the operator alert channel.
type AlertConfig interface {
	GetAlertSMTPHost() string
	GetAlertSMTPPort() int
	GetAlertSMTPUsername() string
	GetAlertSMTPPassword() string
	GetAlertFromAddress() string
	GetAlertToAddress() string
	IsAlertEmailEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env             string
	HTTPAddr        string
	DatabaseURL     string
	JWTAccessSecret string
	CORSAllowAll    bool
	CORSOrigins     []string
	CORSAllowCreds  bool

	RedisURL         string
	RedisTLSInsecure bool
	AsynqQueueName   string
	AsynqConcurrency int

	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioWorkspaceSID     string
	TwilioValidateWebhooks bool
	PublicBaseURL          string

	RecoveryPingWorkflowSID  string
	RecoveryPingTTL          time.Duration
	RecoveryPingPriority     int
	ReconnectTaskPriority    int
	RecoveryAnnouncementURL  string
	ConferenceStateTTL       time.Duration
	ReconnectFreshnessWindow time.Duration
	ReconnectDialogGrace     time.Duration
	ReconnectAutoAccept      bool
	ParticipantWaitMax       time.Duration
	ParticipantWaitInterval  time.Duration

	AlertSMTPHost     string
	AlertSMTPPort     int
	AlertSMTPUsername string
	AlertSMTPPassword string
	AlertFromAddress  string
	AlertToAddress    string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string  { return c.DatabaseURL }
func (c *Config) IsDatabaseEnabled() bool { return c.DatabaseURL != "" }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// RedisConfig / SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// TwilioConfig implementation
func (c *Config) GetTwilioAccountSID() string     { return c.TwilioAccountSID }
func (c *Config) GetTwilioAuthToken() string      { return c.TwilioAuthToken }
func (c *Config) GetTwilioWorkspaceSID() string   { return c.TwilioWorkspaceSID }
func (c *Config) GetTwilioValidateWebhooks() bool { return c.TwilioValidateWebhooks }
func (c *Config) GetPublicBaseURL() string        { return c.PublicBaseURL }

// RecoveryConfig implementation
func (c *Config) GetRecoveryPingWorkflowSID() string { return c.RecoveryPingWorkflowSID }
func (c *Config) GetRecoveryPingTTL() time.Duration  { return c.RecoveryPingTTL }
func (c *Config) GetRecoveryPingPriority() int       { return c.RecoveryPingPriority }
func (c *Config) GetReconnectTaskPriority() int      { return c.ReconnectTaskPriority }
func (c *Config) GetRecoveryAnnouncementURL() string { return c.RecoveryAnnouncementURL }
func (c *Config) GetConferenceStateTTL() time.Duration {
	return c.ConferenceStateTTL
}
func (c *Config) GetReconnectFreshnessWindow() time.Duration {
	return c.ReconnectFreshnessWindow
}
func (c *Config) GetReconnectDialogGrace() time.Duration { return c.ReconnectDialogGrace }
func (c *Config) GetReconnectAutoAccept() bool           { return c.ReconnectAutoAccept }
func (c *Config) GetParticipantWaitMax() time.Duration   { return c.ParticipantWaitMax }
func (c *Config) GetParticipantWaitInterval() time.Duration {
	return c.ParticipantWaitInterval
}

// AlertConfig implementation
func (c *Config) GetAlertSMTPHost() string     { return c.AlertSMTPHost }
func (c *Config) GetAlertSMTPPort() int        { return c.AlertSMTPPort }
func (c *Config) GetAlertSMTPUsername() string { return c.AlertSMTPUsername }
func (c *Config) GetAlertSMTPPassword() string { return c.AlertSMTPPassword }
func (c *Config) GetAlertFromAddress() string  { return c.AlertFromAddress }
func (c *Config) GetAlertToAddress() string    { return c.AlertToAddress }
func (c *Config) IsAlertEmailEnabled() bool {
	return c.AlertSMTPHost != "" && c.AlertToAddress != "" && c.AlertFromAddress != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:3000"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:             getEnv("APP_ENV", "development"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		JWTAccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:    corsAllowAll,
		CORSOrigins:     corsOrigins,
		CORSAllowCreds:  strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),

		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "recovery"),
		AsynqConcurrency: mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),

		TwilioAccountSID:       getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:        getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWorkspaceSID:     getEnv("TWILIO_WORKSPACE_SID", ""),
		TwilioValidateWebhooks: strings.EqualFold(getEnv("TWILIO_VALIDATE_WEBHOOKS", "true"), "true"),
		PublicBaseURL:          strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		RecoveryPingWorkflowSID:  getEnv("RECOVERY_PING_WORKFLOW_SID", ""),
		RecoveryPingTTL:          mustDuration(getEnv("RECOVERY_PING_TTL", "15s")),
		RecoveryPingPriority:     mustInt(getEnv("RECOVERY_PING_PRIORITY", "1000")),
		ReconnectTaskPriority:    mustInt(getEnv("RECONNECT_TASK_PRIORITY", "1000")),
		RecoveryAnnouncementURL:  getEnv("RECOVERY_ANNOUNCEMENT_URL", ""),
		ConferenceStateTTL:       mustDuration(getEnv("CONFERENCE_STATE_TTL", "168h")),
		ReconnectFreshnessWindow: mustDuration(getEnv("RECONNECT_FRESHNESS_WINDOW", "20s")),
		ReconnectDialogGrace:     mustDuration(getEnv("RECONNECT_DIALOG_GRACE", "3s")),
		ReconnectAutoAccept:      strings.EqualFold(getEnv("RECONNECT_AUTO_ACCEPT", "true"), "true"),
		ParticipantWaitMax:       mustDuration(getEnv("PARTICIPANT_WAIT_MAX", "5s")),
		ParticipantWaitInterval:  mustDuration(getEnv("PARTICIPANT_WAIT_INTERVAL", "100ms")),

		AlertSMTPHost:     getEnv("ALERT_SMTP_HOST", ""),
		AlertSMTPPort:     mustInt(getEnv("ALERT_SMTP_PORT", "587")),
		AlertSMTPUsername: getEnv("ALERT_SMTP_USERNAME", ""),
		AlertSMTPPassword: getEnv("ALERT_SMTP_PASSWORD", ""),
		AlertFromAddress:  getEnv("ALERT_FROM_ADDRESS", ""),
		AlertToAddress:    getEnv("ALERT_TO_ADDRESS", ""),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioWorkspaceSID == "" {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_WORKSPACE_SID are required")
	}
	if cfg.RecoveryPingWorkflowSID == "" {
		return nil, fmt.Errorf("RECOVERY_PING_WORKFLOW_SID is required")
	}
	if cfg.RecoveryPingTTL <= 0 {
		return nil, fmt.Errorf("RECOVERY_PING_TTL must be a positive duration")
	}
	if cfg.ConferenceStateTTL <= 0 {
		return nil, fmt.Errorf("CONFERENCE_STATE_TTL must be a positive duration")
	}
	if cfg.TwilioValidateWebhooks && cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL is required when TWILIO_VALIDATE_WEBHOOKS is true")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
