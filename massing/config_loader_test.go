package massing

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// clearEnv blanks the overrides so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_PUBLISH_PREFIX", "GENERATOR_ENDPOINT", "GENERATOR_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.HTTP.MaxBodyBytes)
	assert.Equal(t, DefaultRequestTopic, cfg.MQTT.RequestTopic)
	assert.Equal(t, DefaultPublishPrefix, cfg.MQTT.PublishPrefix)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, 120, cfg.Generator.TimeoutSeconds)
	assert.Equal(t, DefaultGenerateRetries, cfg.Generator.MaxRetries)
	assert.Equal(t, 2.0, cfg.Generator.Backoff)
	assert.Equal(t, DefaultQCAttempts, cfg.Generator.QCAttempts)
	assert.Equal(t, DefaultQCThreshold, cfg.Generator.QCThreshold)
	assert.Equal(t, DefaultReferenceWindow, cfg.References.Window)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
http:
  port: 9090
mqtt:
  broker: tcp://broker:1883
  requestTopic: city/requests
generator:
  endpoint: http://gen:8000/generate
  maxRetries: 5
  qcThreshold: 0.8
pipeline:
  simplifyTolerance: 1.5
  connectivity: 4
  useMix:
    - name: Residential
      minStoreys: 2
      maxStoreys: 6
      ratio: 1
palette:
  residential: "#ff0000"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "city/requests", cfg.MQTT.RequestTopic)
	assert.Equal(t, DefaultClientID, cfg.MQTT.ClientID)
	assert.Equal(t, "http://gen:8000/generate", cfg.Generator.Endpoint)
	assert.Equal(t, 5, cfg.Generator.MaxRetries)
	assert.Equal(t, 0.8, cfg.Generator.QCThreshold)
	assert.Equal(t, DefaultQCAttempts, cfg.Generator.QCAttempts)

	p := cfg.Pipeline.Apply(DefaultParams(VariantVectorise))
	assert.Equal(t, 1.5, p.SimplifyTolerance)
	assert.Equal(t, []UseCategory{{Name: UseResidential, MinStoreys: 2, MaxStoreys: 6, Ratio: 1}}, p.UseMix)
	assert.Equal(t, Connectivity4, p.Connectivity)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("GENERATOR_API_KEY", "from-env")
	path := writeConfig(t, "mqtt:\n  broker: tcp://file:1883\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.Broker)
	assert.Equal(t, "from-env", cfg.Generator.APIKey)
}

func TestLoadConfig_Errors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "http: [\n"},
		{"port out of range", "http:\n  port: 70000\n"},
		{"wildcard topic", "mqtt:\n  broker: tcp://b:1883\n  requestTopic: jobs/#\n"},
		{"negative retries", "generator:\n  maxRetries: -1\n"},
		{"qc threshold above one", "generator:\n  qcThreshold: 1.5\n"},
		{"connectivity", "pipeline:\n  connectivity: 6\n"},
		{"inverted storeys", "pipeline:\n  useMix:\n    - name: Office\n      minStoreys: 9\n      maxStoreys: 3\n      ratio: 1\n"},
		{"palette colour", "palette:\n  water: navy\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoadConfigOrDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("GENERATOR_ENDPOINT", "http://env-gen")

	cfg, found, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)
	assert.Equal(t, "http://env-gen", cfg.Generator.Endpoint)

	cfg, found, err = LoadConfigOrDefault(writeConfig(t, "http:\n  port: 8181\n"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 8181, cfg.HTTP.Port)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.MQTT.Broker = "tcp://saved:1883"
	cfg.References.Window = 4

	path := filepath.Join(t.TempDir(), "saved.yml")
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_GeneratorOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generator.Backoff = 0.5
	cfg.Generator.TimeoutSeconds = 30
	cfg.Generator.APIKey = "k"

	g, err := NewHTTPGenerator("http://gen", cfg.GeneratorOptions()...)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, 500*time.Millisecond, g.backoff)
	assert.Equal(t, 30*time.Second, g.timeout)
	assert.Equal(t, DefaultGenerateRetries, g.maxRetries)
	assert.Equal(t, "k", g.apiKey)
}

func TestConfig_ParcelOptions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_combined.png"),
		taggedPNG(t, map[string]string{"dimensions_m": "120", "levels": "[6]"}), 0644))

	cfg := DefaultConfig()
	cfg.Generator.QCAttempts = 2
	cfg.Generator.QCThreshold = 0.7
	cfg.References.CommercialDir = dir
	cfg.References.Window = 1

	opts, err := cfg.ParcelOptions()
	require.NoError(t, err)
	pg := NewParcelGenerator(nil, opts...)
	assert.Equal(t, 2, pg.attempts)
	assert.Equal(t, 0.7, pg.threshold)
	assert.Equal(t, 1, pg.window)
	require.Contains(t, pg.refs, "commercial")
	assert.Equal(t, 1, pg.refs["commercial"].Len())

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "b_combined.png"),
		taggedPNG(t, map[string]string{"dimensions_m": "wide"}), 0644))
	cfg.References.ResidentialDir = bad
	_, err = cfg.ParcelOptions()
	assert.Error(t, err)
}
