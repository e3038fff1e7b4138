package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pluginhost/internal/capability"
	"pluginhost/internal/orchestrator"
	"pluginhost/pkg/plugin"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvConfigPath  = "PLUGINHOST_CONFIG"
	EnvNodeID      = "NODE_ID"
	EnvClusterRole = "CLUSTER_ROLE"
	EnvHubURL      = "HUB_URL"
	EnvAPIPort     = "API_PORT"
	EnvLogLevel    = "LOG_LEVEL"
)

// searchPaths are tried in order when no path is given.
var searchPaths = []string{
	filepath.Join("config", "host.toml"),
	filepath.Join("..", "config", "host.toml"),
	"host.toml",
	filepath.Join("config", "host.yaml"),
	"host.yaml",
}

// HostConfig represents host.toml (or host.yaml).
type HostConfig struct {
	Polling PollingConfig `toml:"polling" yaml:"polling"`
	Sensors SensorsConfig `toml:"sensors" yaml:"sensors"`
	LEDs    LEDConfig     `toml:"leds" yaml:"leds"`
	Buzzer  BuzzerConfig  `toml:"buzzer" yaml:"buzzer"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Cluster ClusterConfig `toml:"cluster" yaml:"cluster"`
	API     APIConfig     `toml:"api" yaml:"api"`
	Plugins PluginsConfig `toml:"plugins" yaml:"plugins"`

	mode    orchestrator.Mode
	busAddr uint16
	path    string
}

type PollingConfig struct {
	IntervalSeconds int `toml:"interval_seconds" yaml:"interval_seconds"`
}

type SensorsConfig struct {
	DHT22  DHT22Config  `toml:"dht22" yaml:"dht22"`
	BME680 BME680Config `toml:"bme680" yaml:"bme680"`
	// HardwareTimeoutMs bounds one blocking hardware call.
	HardwareTimeoutMs int `toml:"hardware_timeout_ms" yaml:"hardware_timeout_ms"`
	// HardwareWorkers is the number of goroutines serving blocking hardware
	// calls for all guests.
	HardwareWorkers int `toml:"hardware_workers" yaml:"hardware_workers"`
}

// DHT22Config names the single-wire sensor a guest reads when it passes
// ref 0.
type DHT22Config struct {
	GPIOPin int `toml:"gpio_pin" yaml:"gpio_pin"`
}

// BME680Config names the bus device a guest reads when it passes address 0.
type BME680Config struct {
	I2CAddress string `toml:"i2c_address" yaml:"i2c_address"`
}

type LEDConfig struct {
	Count      int `toml:"count" yaml:"count"`
	Brightness int `toml:"brightness" yaml:"brightness"`
	// HeartbeatPixel is toggled each tick; negative disables it.
	HeartbeatPixel int `toml:"heartbeat_pixel" yaml:"heartbeat_pixel"`
}

type BuzzerConfig struct {
	GPIOPin   int  `toml:"gpio_pin" yaml:"gpio_pin"`
	ActiveLow bool `toml:"active_low" yaml:"active_low"`
}

type LoggingConfig struct {
	Level          string `toml:"level" yaml:"level"`
	ShowSensorData bool   `toml:"show_sensor_data" yaml:"show_sensor_data"`
}

type ClusterConfig struct {
	Role             string `toml:"role" yaml:"role"`
	NodeID           string `toml:"node_id" yaml:"node_id"`
	HubURL           string `toml:"hub_url" yaml:"hub_url"`
	ForwardTimeoutMs int    `toml:"forward_timeout_ms" yaml:"forward_timeout_ms"`
}

type APIConfig struct {
	Port int `toml:"port" yaml:"port"`
}

// PluginEntry configures one role.
type PluginEntry struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

type PluginsConfig struct {
	// Dir is the default location of <role>.wasm when an entry has no path.
	Dir              string `toml:"dir" yaml:"dir"`
	CallTimeoutMs    int    `toml:"call_timeout_ms" yaml:"call_timeout_ms"`
	MemoryLimitPages uint32 `toml:"memory_limit_pages" yaml:"memory_limit_pages"`
	CacheDir         string `toml:"cache_dir" yaml:"cache_dir"`
	WatchIntervalMs  int    `toml:"watch_interval_ms" yaml:"watch_interval_ms"`
	// Roles is keyed by role name, e.g. "primary-sensor".
	Roles map[string]PluginEntry `toml:"roles" yaml:"roles"`
}

// Default returns the configuration used when no file is found.
func Default() *HostConfig {
	return &HostConfig{
		Polling: PollingConfig{IntervalSeconds: 5},
		Sensors: SensorsConfig{
			DHT22:             DHT22Config{GPIOPin: 4},
			BME680:            BME680Config{I2CAddress: "0x77"},
			HardwareTimeoutMs: 2000,
			HardwareWorkers:   2,
		},
		LEDs:    LEDConfig{Count: 11, Brightness: 50, HeartbeatPixel: 10},
		Buzzer:  BuzzerConfig{GPIOPin: 17, ActiveLow: true},
		Logging: LoggingConfig{Level: "info", ShowSensorData: true},
		Cluster: ClusterConfig{Role: "standalone", ForwardTimeoutMs: 3000},
		API:     APIConfig{Port: 8080},
		Plugins: PluginsConfig{
			Dir:             "plugins",
			CallTimeoutMs:   5000,
			WatchIntervalMs: 1000,
			Roles:           map[string]PluginEntry{},
		},
	}
}

// Loader reads the host configuration and applies environment overrides.
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a loader. An empty path falls back to PLUGINHOST_CONFIG
// and then to the search paths.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
	}
}

// Load reads, overrides and validates the configuration.
func (l *Loader) Load() (*HostConfig, error) {
	cfg := Default()

	path, explicit := l.resolvePath()
	if path != "" {
		l.logger.Debug("Loading host config", zap.String("path", path))
		if err := decodeFile(path, cfg); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			cfg.path = path
		}
	}
	if cfg.path == "" {
		l.logger.Warn("No config file found, using defaults")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Host config loaded",
		zap.String("path", cfg.path),
		zap.String("mode", cfg.mode.String()),
		zap.String("node_id", cfg.Cluster.NodeID),
		zap.Int("interval_seconds", cfg.Polling.IntervalSeconds),
		zap.Int("plugins", len(cfg.PluginPaths())))
	return cfg, nil
}

func (l *Loader) resolvePath() (string, bool) {
	if l.path != "" {
		return l.path, true
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, true
	}
	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	return "", false
}

func decodeFile(path string, cfg *HostConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func (c *HostConfig) applyEnv() error {
	if v := os.Getenv(EnvNodeID); v != "" {
		c.Cluster.NodeID = v
	}
	if v := os.Getenv(EnvClusterRole); v != "" {
		c.Cluster.Role = v
	}
	if v := os.Getenv(EnvHubURL); v != "" {
		c.Cluster.HubURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvAPIPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvAPIPort, v, err)
		}
		c.API.Port = port
	}
	return nil
}

// Validate checks the configuration and fills derived values.
func (c *HostConfig) Validate() error {
	mode, err := orchestrator.ParseMode(c.Cluster.Role)
	if err != nil {
		return err
	}
	c.mode = mode

	if c.Polling.IntervalSeconds <= 0 {
		return fmt.Errorf("polling.interval_seconds must be positive, got %d", c.Polling.IntervalSeconds)
	}
	if mode == orchestrator.ModeSpoke && c.Cluster.HubURL == "" {
		return fmt.Errorf("cluster.hub_url is required for a spoke")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if c.Sensors.HardwareWorkers <= 0 {
		return fmt.Errorf("sensors.hardware_workers must be positive, got %d", c.Sensors.HardwareWorkers)
	}
	if c.Sensors.DHT22.GPIOPin < 0 {
		return fmt.Errorf("sensors.dht22.gpio_pin must not be negative")
	}
	c.busAddr = 0
	if s := c.Sensors.BME680.I2CAddress; s != "" {
		addr, err := strconv.ParseUint(s, 0, 16)
		if err != nil || addr == 0 || addr > capability.MaxBusAddress {
			return fmt.Errorf("invalid sensors.bme680.i2c_address %q", s)
		}
		c.busAddr = uint16(addr)
	}
	if c.LEDs.Count < 0 {
		return fmt.Errorf("leds.count must not be negative")
	}
	if c.LEDs.HeartbeatPixel >= c.LEDs.Count {
		c.LEDs.HeartbeatPixel = -1
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}

	for name, entry := range c.Plugins.Roles {
		if _, err := plugin.ParseRole(name); err != nil {
			return err
		}
		if entry.Enabled && entry.Path == "" {
			if c.Plugins.Dir == "" {
				return fmt.Errorf("plugin %s is enabled but has no path", name)
			}
			entry.Path = filepath.Join(c.Plugins.Dir, name+".wasm")
			c.Plugins.Roles[name] = entry
		}
	}

	if c.Cluster.NodeID == "" {
		c.Cluster.NodeID = defaultNodeID()
	}
	return nil
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-" + uuid.NewString()[:8]
}

// Mode is the parsed cluster role. Valid after Validate.
func (c *HostConfig) Mode() orchestrator.Mode { return c.mode }

// Path is the file the configuration was read from, if any.
func (c *HostConfig) Path() string { return c.path }

// BusAddress is the parsed sensors.bme680.i2c_address, 0 when unset. Valid
// after Validate.
func (c *HostConfig) BusAddress() uint16 { return c.busAddr }

// PluginPaths returns the path of every enabled role.
func (c *HostConfig) PluginPaths() map[plugin.Role]string {
	out := make(map[plugin.Role]string)
	for name, entry := range c.Plugins.Roles {
		if entry.Enabled && entry.Path != "" {
			out[plugin.Role(name)] = entry.Path
		}
	}
	return out
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *HostConfig) Interval() time.Duration        { return time.Duration(c.Polling.IntervalSeconds) * time.Second }
func (c *HostConfig) CallTimeout() time.Duration     { return ms(c.Plugins.CallTimeoutMs) }
func (c *HostConfig) ForwardTimeout() time.Duration  { return ms(c.Cluster.ForwardTimeoutMs) }
func (c *HostConfig) HardwareTimeout() time.Duration { return ms(c.Sensors.HardwareTimeoutMs) }
func (c *HostConfig) WatchInterval() time.Duration   { return ms(c.Plugins.WatchIntervalMs) }
