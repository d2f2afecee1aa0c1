// Package config provides configuration types and loading for nexa.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/retry"
)

// Config is the root configuration struct.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Executor   ExecutorConfig   `json:"executor"`
	Channels   ChannelsConfig   `json:"channels"`
	Notify     NotifyConfig     `json:"notify"`
	Escalation EscalationConfig `json:"escalation"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// ---------------------------------------------------------------------------
// Database – action store
// ---------------------------------------------------------------------------

// DatabaseConfig locates the SQLite action store.
type DatabaseConfig struct {
	Path   string `json:"path" split_words:"true"`
	Driver string `json:"driver" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Executor – worker loop and retry budget
// ---------------------------------------------------------------------------

// ExecutorConfig groups worker settings. Timings are in seconds.
type ExecutorConfig struct {
	WorkerID               string  `json:"workerId" split_words:"true"`
	Workers                int     `json:"workers" split_words:"true"`
	PollIntervalSeconds    float64 `json:"pollIntervalSeconds" split_words:"true"`
	LeaseTimeoutSeconds    float64 `json:"leaseTimeoutSeconds" split_words:"true"`
	DispatchTimeoutSeconds float64 `json:"dispatchTimeoutSeconds" split_words:"true"`
	MaxAttempts            int     `json:"maxAttempts" split_words:"true"`
	BaseDelaySeconds       float64 `json:"baseDelaySeconds" split_words:"true"`
	MaxDelaySeconds        float64 `json:"maxDelaySeconds" split_words:"true"`
	// Recovery is "penalize" or "requeue".
	Recovery string `json:"recovery" split_words:"true"`
}

// PollInterval is the idle sleep between claims.
func (e ExecutorConfig) PollInterval() time.Duration { return seconds(e.PollIntervalSeconds) }

// LeaseTimeout is how long a claim may run before it is considered abandoned.
func (e ExecutorConfig) LeaseTimeout() time.Duration { return seconds(e.LeaseTimeoutSeconds) }

// DispatchTimeout bounds a single adapter call.
func (e ExecutorConfig) DispatchTimeout() time.Duration { return seconds(e.DispatchTimeoutSeconds) }

// RetryPolicy builds the retry budget.
func (e ExecutorConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: e.MaxAttempts,
		BaseDelay:   seconds(e.BaseDelaySeconds),
		MaxDelay:    seconds(e.MaxDelaySeconds),
	}.Normalize()
}

// RecoveryMode parses Recovery.
func (e ExecutorConfig) RecoveryMode() (actions.RecoveryMode, error) {
	return actions.ParseRecoveryMode(e.Recovery)
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// ---------------------------------------------------------------------------
// Channels – NOTIFY destinations
// ---------------------------------------------------------------------------

// ChannelsConfig contains the notification channels.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
}

// WhatsAppConfig configures the whatsmeow-backed route.
type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled" split_words:"true"`
	SessionPath string `json:"sessionPath" split_words:"true"`
	QRPath      string `json:"qrPath" split_words:"true"`
	LogLevel    string `json:"logLevel" split_words:"true"`
}

// SlackConfig configures the Slack route. BotToken may be left empty and
// stored in the OS keyring with `nexa auth slack`.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" split_words:"true"`
	BotToken string `json:"botToken,omitempty" split_words:"true"`
	APIBase  string `json:"apiBase,omitempty" split_words:"true"`
}

// NotifyConfig controls the reply text.
type NotifyConfig struct {
	// Template is a text/template rendered with the action; empty uses the built-in text.
	Template string `json:"template" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Escalation – ESCALATE destination
// ---------------------------------------------------------------------------

// Escalation modes.
const (
	EscalationLog   = "log"
	EscalationKafka = "kafka"
	EscalationSlack = "slack"
)

// EscalationConfig selects where ESCALATE actions go.
type EscalationConfig struct {
	Mode         string      `json:"mode" split_words:"true"`
	SlackChannel string      `json:"slackChannel" split_words:"true"`
	Kafka        KafkaConfig `json:"kafka"`
}

// KafkaConfig configures the escalation topic.
type KafkaConfig struct {
	Brokers             []string `json:"brokers" split_words:"true"`
	Topic               string   `json:"topic" split_words:"true"`
	SASLMechanism       string   `json:"saslMechanism" split_words:"true"`
	Username            string   `json:"username" split_words:"true"`
	Password            string   `json:"password,omitempty" split_words:"true"`
	WriteTimeoutSeconds float64  `json:"writeTimeoutSeconds" split_words:"true"`
}

// WriteTimeout bounds one produce call.
func (k KafkaConfig) WriteTimeout() time.Duration { return seconds(k.WriteTimeoutSeconds) }

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9464". Empty disables the endpoint.
	Addr string `json:"addr" split_words:"true"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:   "~/.nexa/actions.db",
			Driver: actions.DriverModernc,
		},
		Executor: ExecutorConfig{
			Workers:                1,
			PollIntervalSeconds:    1,
			LeaseTimeoutSeconds:    60,
			DispatchTimeoutSeconds: 30,
			MaxAttempts:            retry.DefaultMaxAttempts,
			BaseDelaySeconds:       retry.DefaultBaseDelay.Seconds(),
			MaxDelaySeconds:        retry.DefaultMaxDelay.Seconds(),
			Recovery:               string(actions.RecoverPenalize),
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				SessionPath: "~/.nexa/whatsapp.db",
				QRPath:      "~/.nexa/whatsapp-qr.png",
				LogLevel:    "WARN",
			},
		},
		Escalation: EscalationConfig{
			Mode: EscalationLog,
			Kafka: KafkaConfig{
				Topic:               "nexa.escalations",
				WriteTimeoutSeconds: 10,
			},
		},
	}
}

// Validate reports settings that would keep the worker from starting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case actions.DriverModernc, actions.DriverCgo:
	default:
		return fmt.Errorf("database.driver %q: want %s or %s", c.Database.Driver, actions.DriverModernc, actions.DriverCgo)
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1")
	}
	if c.Executor.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.leaseTimeoutSeconds must be positive")
	}
	// A send must finish, and its outcome be recorded, before a peer's sweep can reclaim the row.
	if c.Executor.DispatchTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.dispatchTimeoutSeconds must be positive")
	}
	if c.Executor.DispatchTimeoutSeconds > c.Executor.LeaseTimeoutSeconds/2 {
		return fmt.Errorf("executor.dispatchTimeoutSeconds (%g) must be at most half of executor.leaseTimeoutSeconds (%g)",
			c.Executor.DispatchTimeoutSeconds, c.Executor.LeaseTimeoutSeconds)
	}
	if _, err := c.Executor.RecoveryMode(); err != nil {
		return err
	}
	switch c.Escalation.Mode {
	case EscalationLog:
	case EscalationKafka:
		if len(c.Escalation.Kafka.Brokers) == 0 || c.Escalation.Kafka.Topic == "" {
			return fmt.Errorf("escalation.kafka needs brokers and a topic")
		}
	case EscalationSlack:
		if c.Escalation.SlackChannel == "" {
			return fmt.Errorf("escalation.slackChannel is required for slack escalation")
		}
	default:
		return fmt.Errorf("escalation.mode %q: want log, kafka or slack", c.Escalation.Mode)
	}
	return nil
}
