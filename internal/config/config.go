// Package config provides configuration loading for the ha-patterns service.
// Configuration is loaded in order: YAML file → .env file → ENV vars → CLI flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zorak1103/ha-patterns/internal/patterns"
)

var loadEnvOnce sync.Once

// loadDotEnv loads .env file if it exists (does not override existing env vars).
// It is called once before loading configuration.
func loadDotEnv() {
	loadEnvOnce.Do(func() {
		dotEnvSearchPaths := []string{".env", "configs/.env"}
		for _, f := range dotEnvSearchPaths {
			if _, err := os.Stat(f); err == nil {
				// Load .env but don't override existing environment variables
				_ = godotenv.Load(f)
				return
			}
		}
	})
}

// mustBindEnv binds an environment variable to a config key, panicking on error.
// This is safe because viper.BindEnv only fails if the key is empty, which is a programming error.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("failed to bind env var for key %s: %v", key, err))
	}
}

// Config holds all configuration for the ha-patterns service.
type Config struct {
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Detection     DetectionConfig     `mapstructure:"detection"`
	Store         StoreConfig         `mapstructure:"store"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// HomeAssistantConfig holds Home Assistant connection settings.
type HomeAssistantConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig holds result persistence settings. An empty path disables
// persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	// RetentionDays removes runs older than this many days on startup.
	// Zero keeps every run.
	RetentionDays int `mapstructure:"retention_days"`
}

// DetectionConfig holds pattern detection settings.
type DetectionConfig struct {
	MinOccurrences int           `mapstructure:"min_occurrences"`
	MinConfidence  float64       `mapstructure:"min_confidence"`
	LookbackDays   int           `mapstructure:"lookback_days"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// Entities restricts history loading to these entity ids. Empty means
	// every entity known to Home Assistant.
	Entities []string `mapstructure:"entities"`
	// Detectors lists enabled pattern types by name. Empty enables all.
	Detectors []string `mapstructure:"detectors"`

	CoOccurrenceWindow time.Duration `mapstructure:"co_occurrence_window"`
	SequenceLength     int           `mapstructure:"sequence_length"`
	SequenceMaxGap     time.Duration `mapstructure:"sequence_max_gap"`
	ContextDomains     []string      `mapstructure:"context_domains"`
	ContextAttributes  []string      `mapstructure:"context_attributes"`
	ContextualMinLift  float64       `mapstructure:"contextual_min_lift"`
	DurationMaxCV      float64       `mapstructure:"duration_max_cv"`
	DayTypeDominance   float64       `mapstructure:"day_type_dominance"`
	RoomWindow         time.Duration `mapstructure:"room_window"`
	SeasonalDominance  float64       `mapstructure:"seasonal_dominance"`
	AnomalySensitivity float64       `mapstructure:"anomaly_sensitivity"`
	FrequencyMaxCV     float64       `mapstructure:"frequency_max_cv"`
}

// setDefaults registers every default value on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("homeassistant.url", "http://homeassistant.local:8123")
	v.SetDefault("homeassistant.token", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("store.path", "")
	v.SetDefault("store.retention_days", 0)

	v.SetDefault("detection.min_occurrences", patterns.DefaultMinOccurrences)
	v.SetDefault("detection.min_confidence", patterns.DefaultMinConfidence)
	v.SetDefault("detection.lookback_days", 30)
	v.SetDefault("detection.timeout", patterns.DefaultDetectorTimeout)
	v.SetDefault("detection.entities", []string{})
	v.SetDefault("detection.detectors", []string{})
	v.SetDefault("detection.co_occurrence_window", patterns.DefaultCoOccurrenceWindow)
	v.SetDefault("detection.sequence_length", patterns.DefaultSequenceLength)
	v.SetDefault("detection.sequence_max_gap", patterns.DefaultSequenceMaxGap)
	v.SetDefault("detection.context_domains", patterns.DefaultContextualConfig().ContextDomains)
	v.SetDefault("detection.context_attributes", []string{})
	v.SetDefault("detection.contextual_min_lift", patterns.DefaultContextualMinLift)
	v.SetDefault("detection.duration_max_cv", patterns.DefaultDurationMaxCV)
	v.SetDefault("detection.day_type_dominance", patterns.DefaultDayTypeDominance)
	v.SetDefault("detection.room_window", patterns.DefaultRoomWindow)
	v.SetDefault("detection.seasonal_dominance", patterns.DefaultSeasonalDominance)
	v.SetDefault("detection.anomaly_sensitivity", patterns.DefaultAnomalySensitivity)
	v.SetDefault("detection.frequency_max_cv", patterns.DefaultFrequencyMaxCV)
}

// prepareViper applies defaults, the optional config file and environment
// bindings to v.
func prepareViper(v *viper.Viper, configFile string) error {
	// Load .env file first (if exists)
	loadDotEnv()

	setDefaults(v)

	// Load from config file if specified
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	// Enable environment variable overrides
	// e.g. DETECTION_MIN_CONFIDENCE
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific env vars to config keys
	mustBindEnv(v, "homeassistant.url", "HA_URL")
	mustBindEnv(v, "homeassistant.token", "HA_TOKEN")
	mustBindEnv(v, "server.port", "HA_PATTERNS_PORT")
	mustBindEnv(v, "logging.level", "HA_PATTERNS_LOG_LEVEL")
	mustBindEnv(v, "store.path", "HA_PATTERNS_STORE")
	return nil
}

// setupViper creates a viper instance with defaults, config file and
// environment bindings applied.
func setupViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	if err := prepareViper(v, configFile); err != nil {
		return nil, err
	}
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Load loads configuration from YAML file, environment variables, and CLI flags.
// Priority: CLI flags > ENV vars > .env file > YAML file > defaults.
// The configFile parameter is the path to the YAML config file (can be empty).
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.New(), configFile)
}

// BindFlags binds cobra flags to viper configuration.
// Call this after parsing flags but before Load().
func BindFlags(v *viper.Viper, haURL, haToken string, port int) {
	if haURL != "" {
		v.Set("homeassistant.url", haURL)
	}
	if haToken != "" {
		v.Set("homeassistant.token", haToken)
	}
	if port != 0 {
		v.Set("server.port", port)
	}
}

// LoadWithViper loads configuration using a pre-configured viper instance.
// This allows CLI flags to be bound before loading.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	if err := prepareViper(v, configFile); err != nil {
		return nil, err
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOffline loads configuration for commands that work on exported event
// files and never connect to Home Assistant. The Home Assistant section is
// not validated.
func LoadOffline(v *viper.Viper, configFile string) (*Config, error) {
	if err := prepareViper(v, configFile); err != nil {
		return nil, err
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateLocal(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForDisplay loads configuration without validation, for display purposes.
// This allows showing the effective configuration even if required fields are missing.
func LoadForDisplay(configFile string) (*Config, error) {
	v, err := setupViper(configFile)
	if err != nil {
		return nil, err
	}
	// Skip validation for display purposes
	return unmarshal(v)
}

// LoadForDisplayWithViper is LoadForDisplay on a pre-configured viper
// instance, so values set from CLI flags show up.
func LoadForDisplayWithViper(v *viper.Viper, configFile string) (*Config, error) {
	if err := prepareViper(v, configFile); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

// MaskedConfig returns a copy of the config with sensitive data masked.
func (c *Config) MaskedConfig() Config {
	masked := *c
	if masked.HomeAssistant.Token != "" {
		masked.HomeAssistant.Token = maskToken(masked.HomeAssistant.Token)
	}
	return masked
}

// maskToken masks a token, showing only the first 4 and last 4 characters.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// RequireHomeAssistant checks the settings needed to read history from
// Home Assistant.
func (c *Config) RequireHomeAssistant() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("homeassistant.url is required")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required (set via HA_TOKEN env var, --ha-token flag, or config file)")
	}
	return nil
}

// validate checks that all required configuration is present.
func (c *Config) validate() error {
	if err := c.RequireHomeAssistant(); err != nil {
		return err
	}
	return c.validateLocal()
}

// validateLocal checks everything that does not concern the Home Assistant
// connection.
func (c *Config) validateLocal() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("store.retention_days must not be negative")
	}
	return c.Detection.Validate()
}

// Validate checks detection settings by building every enabled detector.
func (d DetectionConfig) Validate() error {
	if d.LookbackDays <= 0 {
		return fmt.Errorf("detection.lookback_days must be positive")
	}
	if d.Timeout < 0 {
		return fmt.Errorf("detection.timeout must not be negative")
	}
	s, err := d.Settings()
	if err != nil {
		return err
	}
	if _, err := patterns.NewDetectors(s); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	return nil
}

// Settings converts the detection section into detector settings.
func (d DetectionConfig) Settings() (patterns.Settings, error) {
	enabled := make([]patterns.PatternType, 0, len(d.Detectors))
	for _, name := range d.Detectors {
		t, err := patterns.ParsePatternType(name)
		if err != nil {
			return patterns.Settings{}, fmt.Errorf("detection.detectors: %w", err)
		}
		enabled = append(enabled, t)
	}

	return patterns.Settings{
		Thresholds: patterns.Thresholds{
			MinOccurrences: d.MinOccurrences,
			MinConfidence:  d.MinConfidence,
		},
		Enabled:            enabled,
		CoOccurrenceWindow: d.CoOccurrenceWindow,
		Sequence: patterns.SequenceConfig{
			Length: d.SequenceLength,
			MaxGap: d.SequenceMaxGap,
		},
		Contextual: patterns.ContextualConfig{
			ContextDomains: d.ContextDomains,
			Attributes:     d.ContextAttributes,
			MinLift:        d.ContextualMinLift,
		},
		DurationMaxCV:      d.DurationMaxCV,
		DayTypeDominance:   d.DayTypeDominance,
		RoomWindow:         d.RoomWindow,
		SeasonalDominance:  d.SeasonalDominance,
		AnomalySensitivity: d.AnomalySensitivity,
		FrequencyMaxCV:     d.FrequencyMaxCV,
	}, nil
}
