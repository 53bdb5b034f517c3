package endpoint

import (
	"os"
	"time"

	"github.com/alecthomas/units"
	"gopkg.in/yaml.v2"

	"github.com/ncoap-go/ncoap/log"
	"github.com/ncoap-go/ncoap/reliability"
)

// Config is the explicit configuration record constructed once at endpoint
// creation, replacing the global state (default parameters, logger) the
// original design carries as process-wide (spec §9 "Global state").
type Config struct {
	AckTimeout                time.Duration `yaml:"ack_timeout_ms"`
	AckRandomFactor           float64       `yaml:"ack_random_factor"`
	MaxRetransmit             int           `yaml:"max_retransmit"`
	ExchangeLifetime          time.Duration `yaml:"exchange_lifetime_ms"`
	SeparateResponseThreshold time.Duration `yaml:"separate_response_threshold_ms"`

	MaxMessageSize units.Base2Bytes `yaml:"max_message_size"`
	MaxPayloadSize units.Base2Bytes `yaml:"max_payload_size"`

	MessagePoolSize uint32 `yaml:"message_pool_size"`

	LimitParallelRequests int64 `yaml:"limit_parallel_requests"`

	LogLevel string `yaml:"log_level"`
}

// NewConfig returns the RFC 7252 §4.8 defaults (spec §9's explicit
// configuration record), following the teacher's NewCommon[C]() pattern of
// functional defaults rather than a zero-value struct.
func NewConfig() Config {
	p := reliability.DefaultParams()
	return Config{
		AckTimeout:                p.AckTimeout,
		AckRandomFactor:           p.AckRandomFactor,
		MaxRetransmit:             p.MaxRetransmit,
		ExchangeLifetime:          p.ExchangeLifetime,
		SeparateResponseThreshold: p.SeparateResponseThreshold,

		MaxMessageSize: 64 * units.KiB,
		MaxPayloadSize: 1 * units.MiB,

		MessagePoolSize: 1024,

		LimitParallelRequests: 16,

		LogLevel: "info",
	}
}

// ReliabilityParams projects the transmission-related fields of Config
// into reliability.Params.
func (c Config) ReliabilityParams() reliability.Params {
	return reliability.Params{
		AckTimeout:                c.AckTimeout,
		AckRandomFactor:           c.AckRandomFactor,
		MaxRetransmit:             c.MaxRetransmit,
		ExchangeLifetime:          c.ExchangeLifetime,
		SeparateResponseThreshold: c.SeparateResponseThreshold,
	}
}

// LoggerConfig projects Config's logging field into log.Config.
func (c Config) LoggerConfig() log.Config {
	cfg := log.DefaultConfig()
	if c.LogLevel != "" {
		cfg.Level = c.LogLevel
	}
	return cfg
}

// LoadConfigFile reads a YAML document at path into a Config seeded with
// NewConfig's defaults, so an incomplete file only overrides what it names.
func LoadConfigFile(path string) (Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
