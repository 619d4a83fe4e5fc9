package config

import (
	"fmt"
	"os"
	"regexp"
	"time"
	_ "time/tzdata" // devices often ship without a zoneinfo database

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig         `yaml:"log"`
	Database        DatabaseConfig    `yaml:"database"`
	Geo             GeoConfig         `yaml:"geo"`
	Solar           SolarConfig       `yaml:"solar"`
	Motor           MotorConfig       `yaml:"motor"`
	Server          ServerConfig      `yaml:"server"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"` // Emit JSON lines instead of console output
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GeoConfig contains the shade's location for sunrise/sunset
type GeoConfig struct {
	Name        string   `yaml:"name"`
	Timezone    string   `yaml:"timezone"`
	Lat         float64  `yaml:"lat"`
	Lon         float64  `yaml:"lon"`
	HTTPTimeout Duration `yaml:"http_timeout"` // Timeout for one solar service request
	Endpoint    string   `yaml:"endpoint"`     // Sunrise/sunset service URL
	Fallback    *bool    `yaml:"fallback"`     // Compute times locally when the service fails (default: true)
}

// FallbackEnabled reports whether local computation is used when every
// fetch attempt fails.
func (c *GeoConfig) FallbackEnabled() bool {
	return c.Fallback == nil || *c.Fallback
}

// Location loads the configured timezone.
func (c *GeoConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SolarConfig contains retry settings for the solar service
type SolarConfig struct {
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between attempts (default: 2s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between attempts (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxAttempts     int      `yaml:"max_attempts"`      // Attempts before falling back (default: 5)
	RetryInterval   Duration `yaml:"retry_interval"`    // Wait after a failed refresh before trying again (default: 30m)
}

// Motor drivers
const (
	DriverGPIO = "gpio"
	DriverSim  = "sim"
)

// MotorConfig contains stepper, limit switch and LED wiring
type MotorConfig struct {
	Driver        string   `yaml:"driver"` // "gpio" or "sim"
	Chip          string   `yaml:"chip"`
	StepPin       int      `yaml:"step_pin"`
	DirPin        int      `yaml:"dir_pin"`
	EnablePin     int      `yaml:"enable_pin"` // -1 disables
	SwitchPin     int      `yaml:"switch_pin"`
	LEDPin        int      `yaml:"led_pin"` // -1 disables
	StepInterval  Duration `yaml:"step_interval"`
	PulseWidth    Duration `yaml:"pulse_width"`
	Debounce      Duration `yaml:"debounce"`       // Kernel debounce on the switch line
	SwitchSamples int      `yaml:"switch_samples"` // Consecutive active samples for a trip

	// Simulator settings
	SimStart       int `yaml:"sim_start"`        // Initial distance from the top in steps
	SimMaxPosition int `yaml:"sim_max_position"` // Physical travel in steps
}

// ServerConfig contains the client-facing HTTP/WebSocket server settings
type ServerConfig struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"` // Per-client inbound command rate
	RateBurst    int     `yaml:"rate_burst"`
	QueueSize    int     `yaml:"queue_size"`  // Controller inbound command queue
	SendBuffer   int     `yaml:"send_buffer"` // Per-client outbound buffer
}

// Addr returns host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"` // default: true
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// IsEnabled reports whether history is recorded.
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps order)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./shaded.sqlite"
	}

	// Geo defaults
	if cfg.Geo.Timezone == "" {
		cfg.Geo.Timezone = "UTC"
	}
	if cfg.Geo.HTTPTimeout == 0 {
		cfg.Geo.HTTPTimeout = Duration(10 * time.Second)
	}
	if cfg.Geo.Endpoint == "" {
		cfg.Geo.Endpoint = "https://api.sunrise-sunset.org/json"
	}

	// Solar retry defaults
	if cfg.Solar.MinRetryBackoff == 0 {
		cfg.Solar.MinRetryBackoff = Duration(2 * time.Second)
	}
	if cfg.Solar.MaxRetryBackoff == 0 {
		cfg.Solar.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Solar.RetryMultiplier == 0 {
		cfg.Solar.RetryMultiplier = 2.0
	}
	if cfg.Solar.MaxAttempts == 0 {
		cfg.Solar.MaxAttempts = 5
	}
	if cfg.Solar.RetryInterval == 0 {
		cfg.Solar.RetryInterval = Duration(30 * time.Minute)
	}

	// Motor defaults (pin numbers match the reference board wiring)
	if cfg.Motor.Driver == "" {
		cfg.Motor.Driver = DriverSim
	}
	if cfg.Motor.StepPin == 0 && cfg.Motor.DirPin == 0 && cfg.Motor.SwitchPin == 0 {
		// No wiring given: use the reference board pinout
		cfg.Motor.StepPin = 25
		cfg.Motor.DirPin = 27
		cfg.Motor.EnablePin = 26
		cfg.Motor.SwitchPin = 16
		cfg.Motor.LEDPin = 22
	}
	if cfg.Motor.Chip == "" {
		cfg.Motor.Chip = "gpiochip0"
	}
	if cfg.Motor.StepInterval == 0 {
		cfg.Motor.StepInterval = Duration(2 * time.Millisecond)
	}
	if cfg.Motor.PulseWidth == 0 {
		cfg.Motor.PulseWidth = Duration(time.Millisecond)
	}
	if cfg.Motor.Debounce == 0 {
		cfg.Motor.Debounce = Duration(5 * time.Millisecond)
	}
	if cfg.Motor.SwitchSamples == 0 {
		cfg.Motor.SwitchSamples = 3
	}
	if cfg.Motor.SimMaxPosition == 0 {
		cfg.Motor.SimMaxPosition = 2000
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitRPS == 0 {
		cfg.Server.RateLimitRPS = 10.0
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 20
	}
	if cfg.Server.QueueSize == 0 {
		cfg.Server.QueueSize = 64
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 64
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Motor.Driver {
	case DriverGPIO, DriverSim:
	default:
		return fmt.Errorf("motor.driver must be %q or %q, got %q", DriverGPIO, DriverSim, c.Motor.Driver)
	}
	if c.Geo.Lat < -90 || c.Geo.Lat > 90 || c.Geo.Lon < -180 || c.Geo.Lon > 180 {
		return fmt.Errorf("geo coordinates out of range: %f,%f", c.Geo.Lat, c.Geo.Lon)
	}
	if _, err := c.Geo.Location(); err != nil {
		return err
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
