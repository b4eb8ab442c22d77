package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the top-level configuration structure for streamcheck.
type Config struct {
	LogLevel     string            `yaml:"logLevel,omitempty"`
	Participants ParticipantCounts `yaml:"participants"`
	Publish      PublishSettings   `yaml:"publish"`
	Verify       bool              `yaml:"verify"`
	Resend       ResendSettings    `yaml:"resend"`
	Crypto       CryptoSettings    `yaml:"crypto"`
	Broker       BrokerSettings    `yaml:"broker"`
	Run          RunSettings       `yaml:"run"`
}

// ParticipantCounts holds the number of participants per role and runtime variant.
type ParticipantCounts struct {
	NativePublishers     int `yaml:"nativePublishers"`
	AlternatePublishers  int `yaml:"alternatePublishers"`
	NativeSubscribers    int `yaml:"nativeSubscribers"`
	AlternateSubscribers int `yaml:"alternateSubscribers"`
}

// Publishers returns the total publisher count.
func (p ParticipantCounts) Publishers() int { return p.NativePublishers + p.AlternatePublishers }

// Subscribers returns the total subscriber count.
func (p ParticipantCounts) Subscribers() int { return p.NativeSubscribers + p.AlternateSubscribers }

// PublishSettings controls the publish driver timing.
type PublishSettings struct {
	MinInterval time.Duration `yaml:"minInterval"`
	MaxInterval time.Duration `yaml:"maxInterval"`
	// MaxMessages is the per-publisher message count. Zero means unbounded.
	MaxMessages int  `yaml:"maxMessages"`
	Unbounded   bool `yaml:"unbounded,omitempty"`
}

// IsUnbounded reports whether publishers run until manually stopped.
func (p PublishSettings) IsUnbounded() bool { return p.Unbounded || p.MaxMessages == 0 }

// ResendSettings parameterizes delayed subscribers.
type ResendSettings struct {
	FromDelay time.Duration `yaml:"fromDelay"`
	LastDelay time.Duration `yaml:"lastDelay"`
	LastCount int           `yaml:"lastCount"`
	// JoinTolerance is the band around a join point in which delivery is optional.
	JoinTolerance time.Duration `yaml:"joinTolerance"`
}

// CryptoSettings selects the identity signature scheme.
type CryptoSettings struct {
	SignatureScheme string `yaml:"signatureScheme"`
	CipherCacheSize int    `yaml:"cipherCacheSize,omitempty"`
}

// BrokerSettings configures the embedded broker and its WebSocket gateway.
type BrokerSettings struct {
	GatewayAddr string        `yaml:"gatewayAddr"`
	Jitter      time.Duration `yaml:"jitter,omitempty"`
	// ExternalURL is a running gateway to test instead of the embedded
	// broker. Only alternate participants can reach it.
	ExternalURL string `yaml:"externalUrl,omitempty"`
}

// IsExternal reports whether runs target an external gateway.
func (b BrokerSettings) IsExternal() bool { return b.ExternalURL != "" }

// RunSettings holds orchestration timings and diagnostic outputs.
type RunSettings struct {
	PollInterval       time.Duration `yaml:"pollInterval"`
	KeyExchangeTimeout time.Duration `yaml:"keyExchangeTimeout"`
	DrainTimeout       time.Duration `yaml:"drainTimeout"`
	ReportDir          string        `yaml:"reportDir,omitempty"`
	LedgerDump         string        `yaml:"ledgerDump,omitempty"`
}

// ConfigurationError reports an invalid setting. It is fatal and surfaces before
// any participant is built.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration for values no scenario can run with.
func (c Config) Validate() error {
	p := c.Participants
	if p.NativePublishers < 0 || p.AlternatePublishers < 0 || p.NativeSubscribers < 0 || p.AlternateSubscribers < 0 {
		return &ConfigurationError{Field: "participants", Reason: "counts must not be negative"}
	}
	if p.Publishers() == 0 {
		return &ConfigurationError{Field: "participants", Reason: "at least one publisher is required"}
	}
	if p.Subscribers() == 0 {
		return &ConfigurationError{Field: "participants", Reason: "at least one subscriber is required"}
	}
	if c.Publish.MinInterval < 0 || c.Publish.MaxInterval < 0 {
		return &ConfigurationError{Field: "publish", Reason: "intervals must not be negative"}
	}
	if c.Publish.MinInterval > c.Publish.MaxInterval {
		return &ConfigurationError{
			Field:  "publish.minInterval",
			Reason: fmt.Sprintf("min interval %v exceeds max interval %v", c.Publish.MinInterval, c.Publish.MaxInterval),
		}
	}
	if c.Publish.MaxMessages < 0 {
		return &ConfigurationError{Field: "publish.maxMessages", Reason: "must not be negative"}
	}
	if c.Resend.FromDelay < 0 || c.Resend.LastDelay < 0 || c.Resend.JoinTolerance < 0 {
		return &ConfigurationError{Field: "resend", Reason: "delays must not be negative"}
	}
	if c.Resend.LastCount <= 0 {
		return &ConfigurationError{Field: "resend.lastCount", Reason: "must be positive"}
	}
	if c.Crypto.SignatureScheme == "" {
		return &ConfigurationError{Field: "crypto.signatureScheme", Reason: "must be set"}
	}
	if c.Broker.IsExternal() {
		u, err := url.Parse(c.Broker.ExternalURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return &ConfigurationError{Field: "broker.externalUrl", Reason: fmt.Sprintf("%q is not a ws:// or wss:// url", c.Broker.ExternalURL)}
		}
		if p.NativePublishers > 0 || p.NativeSubscribers > 0 {
			return &ConfigurationError{Field: "participants", Reason: "native participants need the embedded broker; set native counts to 0 with an external gateway"}
		}
	}
	if c.Run.PollInterval <= 0 {
		return &ConfigurationError{Field: "run.pollInterval", Reason: "must be positive"}
	}
	if c.Run.KeyExchangeTimeout <= 0 {
		return &ConfigurationError{Field: "run.keyExchangeTimeout", Reason: "must be positive"}
	}
	if c.Run.DrainTimeout <= 0 {
		return &ConfigurationError{Field: "run.drainTimeout", Reason: "must be positive"}
	}
	return nil
}
