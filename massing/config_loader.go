package massing

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPPort      = 8080
	DefaultMaxBodyBytes  = 64 << 20
	DefaultRequestTopic  = "massing/requests"
	DefaultPublishPrefix = "massing"
	DefaultClientID      = "massing"
)

// DefaultConfig returns a configuration with every default applied and no
// MQTT broker or generator endpoint.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads the service configuration from a YAML file, applies
// defaults and environment overrides, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.applyDefaults()
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfigOrDefault behaves like LoadConfig but falls back to the defaults,
// still with environment overrides, when path does not exist.
func LoadConfigOrDefault(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultConfig()
		config.applyEnv()
		if err := config.Validate(); err != nil {
			return nil, false, err
		}
		return config, false, nil
	}
	config, err := LoadConfig(path)
	if err != nil {
		return nil, false, err
	}
	return config, true, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.MaxBodyBytes == 0 {
		c.HTTP.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MQTT.RequestTopic == "" {
		c.MQTT.RequestTopic = DefaultRequestTopic
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.Generator.TimeoutSeconds == 0 {
		c.Generator.TimeoutSeconds = int(DefaultGenerateTimeout.Seconds())
	}
	if c.Generator.MaxRetries == 0 {
		c.Generator.MaxRetries = DefaultGenerateRetries
	}
	if c.Generator.Backoff == 0 {
		c.Generator.Backoff = defaultGenerateBackoff.Seconds()
	}
	if c.Generator.QCAttempts == 0 {
		c.Generator.QCAttempts = DefaultQCAttempts
	}
	if c.Generator.QCThreshold == 0 {
		c.Generator.QCThreshold = DefaultQCThreshold
	}
	if c.References.Window == 0 {
		c.References.Window = DefaultReferenceWindow
	}
}

// applyEnv lets the environment override connection settings and secrets.
func (c *Config) applyEnv() {
	for _, o := range []struct {
		env string
		dst *string
	}{
		{"MQTT_BROKER", &c.MQTT.Broker},
		{"MQTT_CLIENT_ID", &c.MQTT.ClientID},
		{"MQTT_USERNAME", &c.MQTT.Username},
		{"MQTT_PASSWORD", &c.MQTT.Password},
		{"MQTT_PUBLISH_PREFIX", &c.MQTT.PublishPrefix},
		{"GENERATOR_ENDPOINT", &c.Generator.Endpoint},
		{"GENERATOR_API_KEY", &c.Generator.APIKey},
	} {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.MQTT.Broker != "" && strings.ContainsAny(c.MQTT.RequestTopic, "+#") {
		return fmt.Errorf("mqtt.requestTopic must not contain wildcards")
	}
	if c.Generator.MaxRetries < 1 {
		return fmt.Errorf("generator.maxRetries must be at least 1")
	}
	if c.Generator.QCThreshold <= 0 || c.Generator.QCThreshold > 1 {
		return fmt.Errorf("generator.qcThreshold must be in (0, 1]")
	}
	if c.Pipeline.Connectivity != 0 && c.Pipeline.Connectivity != 4 && c.Pipeline.Connectivity != 8 {
		return fmt.Errorf("pipeline.connectivity must be 4 or 8")
	}
	for i, u := range c.Pipeline.UseMix {
		if u.Ratio < 0 || u.MinStoreys < 0 || u.MaxStoreys < u.MinStoreys {
			return fmt.Errorf("pipeline.useMix[%d] (%s) is invalid", i, u.Name)
		}
	}
	if _, err := NewPreviewRenderer(c.Palette); err != nil {
		return fmt.Errorf("palette: %w", err)
	}
	return nil
}

// GeneratorOptions translates the generator settings into client options.
func (c *Config) GeneratorOptions() []GeneratorOption {
	opts := []GeneratorOption{
		WithGenMaxRetries(c.Generator.MaxRetries),
		WithGenBackoff(time.Duration(c.Generator.Backoff * float64(time.Second))),
		WithGenTimeout(time.Duration(c.Generator.TimeoutSeconds) * time.Second),
	}
	if c.Generator.APIKey != "" {
		opts = append(opts, WithGenAPIKey(c.Generator.APIKey))
	}
	return opts
}

// ParcelOptions translates the QC and reference settings into parcel
// generator options, loading any configured reference directories.
func (c *Config) ParcelOptions() ([]ParcelOption, error) {
	opts := []ParcelOption{
		WithQC(c.Generator.QCAttempts, c.Generator.QCThreshold),
		WithReferenceWindow(c.References.Window),
	}
	for _, zd := range []struct{ zone, dir string }{
		{UseResidential, c.References.ResidentialDir},
		{UseCommercial, c.References.CommercialDir},
	} {
		if zd.dir == "" {
			continue
		}
		ix, err := LoadReferenceIndex(zd.dir, zd.zone)
		if err != nil {
			return nil, fmt.Errorf("loading %s references: %w", zd.zone, err)
		}
		opts = append(opts, WithReferences(ix))
	}
	return opts, nil
}
