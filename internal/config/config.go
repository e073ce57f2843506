package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	"github.com/spf13/viper"
)

const (
	PROVIDER_FILE string = "file"
	PROVIDER_NATS string = "nats"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is built once at startup and handed by value to every component.
type Config struct {
	TraccarURL            string `validate:"required,url"`
	TraccarMethod         string `validate:"oneof=GET POST"`
	TraccarEnabled        bool
	SecretsPath           string `validate:"required"`
	PollIntervalSeconds   int    `validate:"min=1"`
	RequestTimeoutSeconds int    `validate:"min=1"`
	DeviceMapping         map[string]string
	AutoGenerateDeviceIds bool
	LogLevel              string `validate:"oneof=trace debug info warn error"`
	Provider              string `validate:"oneof=file nats"`
	ProviderFile          string
	NatsURL               string
	NatsSubject           string
	NatsTLSCA             string
	NatsTLSCert           string
	NatsTLSKey            string
	MonitorAddr           string
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) MarshalObject(e *log.Entry) {
	e.Str("traccar_url", c.TraccarURL).
		Str("traccar_method", c.TraccarMethod).
		Bool("traccar_enabled", c.TraccarEnabled).
		Dur("poll_interval", c.PollInterval()).
		Dur("request_timeout", c.RequestTimeout()).
		Int("explicit_mappings", len(c.DeviceMapping)).
		Bool("auto_generate_ids", c.AutoGenerateDeviceIds).
		Str("provider", c.Provider)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("traccar_url", "http://localhost:5055")
	v.SetDefault("traccar_method", "GET")
	v.SetDefault("traccar_enabled", true)
	v.SetDefault("secrets_path", "/app/secrets.json")
	v.SetDefault("poll_interval_seconds", 300)
	v.SetDefault("request_timeout_seconds", 60)
	v.SetDefault("device_mapping", "{}")
	v.SetDefault("auto_generate_device_ids", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("provider", PROVIDER_FILE)
	v.SetDefault("provider_file", "/app/devices.json")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_subject", "trachs.devices.locate")
	v.SetDefault("nats_tls_ca", "")
	v.SetDefault("nats_tls_cert", "")
	v.SetDefault("nats_tls_key", "")
	v.SetDefault("monitor_addr", "")
}

// LoadDotEnv reads a .env file into the process environment. Variables that are
// already set are left alone. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	c := Config{
		TraccarURL:            strings.TrimSpace(v.GetString("traccar_url")),
		TraccarMethod:         strings.ToUpper(strings.TrimSpace(v.GetString("traccar_method"))),
		TraccarEnabled:        flag(v, "traccar_enabled"),
		SecretsPath:           v.GetString("secrets_path"),
		PollIntervalSeconds:   v.GetInt("poll_interval_seconds"),
		RequestTimeoutSeconds: v.GetInt("request_timeout_seconds"),
		AutoGenerateDeviceIds: flag(v, "auto_generate_device_ids"),
		LogLevel:              strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		Provider:              strings.ToLower(strings.TrimSpace(v.GetString("provider"))),
		ProviderFile:          v.GetString("provider_file"),
		NatsURL:               v.GetString("nats_url"),
		NatsSubject:           v.GetString("nats_subject"),
		NatsTLSCA:             v.GetString("nats_tls_ca"),
		NatsTLSCert:           v.GetString("nats_tls_cert"),
		NatsTLSKey:            v.GetString("nats_tls_key"),
		MonitorAddr:           v.GetString("monitor_addr"),
	}

	mapping, err := ParseDeviceMapping(v.GetString("device_mapping"))
	if err != nil {
		return Config{}, err
	}
	c.DeviceMapping = mapping

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// flag is true only for "true" in any case. Anything else, including "1" or
// "yes", is false.
func flag(v *viper.Viper, key string) bool {
	return strings.EqualFold(strings.TrimSpace(v.GetString(key)), "true")
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Provider {
	case PROVIDER_FILE:
		if c.ProviderFile == "" {
			return fmt.Errorf("%w: PROVIDER_FILE is required for the file provider", ErrInvalidConfig)
		}
	case PROVIDER_NATS:
		if c.NatsURL == "" || c.NatsSubject == "" {
			return fmt.Errorf("%w: NATS_URL and NATS_SUBJECT are required for the nats provider", ErrInvalidConfig)
		}
		if (c.NatsTLSCert == "") != (c.NatsTLSKey == "") {
			return fmt.Errorf("%w: NATS_TLS_CERT and NATS_TLS_KEY must be set together", ErrInvalidConfig)
		}
	}
	return nil
}

// ParseDeviceMapping decodes a JSON object of device name to tracking identifier.
// Duplicate names and empty identifiers are rejected.
func ParseDeviceMapping(raw string) (map[string]string, error) {
	mapping := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return mapping, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: DEVICE_MAPPING: %v", ErrInvalidConfig, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: DEVICE_MAPPING must be a JSON object", ErrInvalidConfig)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: DEVICE_MAPPING: %v", ErrInvalidConfig, err)
		}
		name := tok.(string)
		var id string
		if err := dec.Decode(&id); err != nil {
			return nil, fmt.Errorf("%w: DEVICE_MAPPING[%q] must be a string", ErrInvalidConfig, name)
		}
		if _, dup := mapping[name]; dup {
			return nil, fmt.Errorf("%w: DEVICE_MAPPING has duplicate entry %q", ErrInvalidConfig, name)
		}
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: DEVICE_MAPPING[%q] is empty", ErrInvalidConfig, name)
		}
		mapping[name] = id
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: DEVICE_MAPPING: %v", ErrInvalidConfig, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: DEVICE_MAPPING has trailing data", ErrInvalidConfig)
	}
	return mapping, nil
}
