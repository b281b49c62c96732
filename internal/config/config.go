// Package config loads syncstream configuration from defaults, an optional
// YAML or JSON file and environment variables, validates it against an
// embedded CUE schema, and reloads it when the file changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/logger"
)

// PathEnv names the variable holding the config file location
const PathEnv = "SYNCSTREAM_CONFIG_PATH"

// DefaultPath is used when PathEnv is unset
const DefaultPath = "./syncstream.yaml"

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	RTSP        RTSPConfig        `yaml:"rtsp" json:"rtsp"`
	Clock       ClockConfig       `yaml:"clock" json:"clock"`
	Camera      CameraConfig      `yaml:"camera" json:"camera"`
	Player      PlayerConfig      `yaml:"player" json:"player"`
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
}

// ServerConfig is the HTTP control API
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"SYNCSTREAM_API_ENABLED" default:"true"`
	Host         string        `yaml:"host" json:"host" env:"SYNCSTREAM_API_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"SYNCSTREAM_API_PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"SYNCSTREAM_API_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"SYNCSTREAM_API_WRITE_TIMEOUT" default:"30s"`
}

// RTSPConfig is the on-demand streaming server
type RTSPConfig struct {
	Host           string        `yaml:"host" json:"host" env:"SYNCSTREAM_RTSP_HOST" default:"0.0.0.0"`
	Port           int           `yaml:"port" json:"port" env:"SYNCSTREAM_RTSP_PORT" default:"8554"`
	SessionTimeout time.Duration `yaml:"session_timeout" json:"session_timeout" env:"SYNCSTREAM_RTSP_SESSION_TIMEOUT" default:"60s"`
	PrepareTimeout time.Duration `yaml:"prepare_timeout" json:"prepare_timeout" env:"SYNCSTREAM_RTSP_PREPARE_TIMEOUT" default:"5s"`
	// NTPTimeSource is the sender report time base: ntp, unix,
	// running-time or clock-time
	NTPTimeSource string `yaml:"ntp_time_source" json:"ntp_time_source" env:"SYNCSTREAM_RTSP_NTP_TIME_SOURCE" default:"clock-time"`
	// Mounts are launch-described factories added next to the built-in ones
	Mounts []MountConfig `yaml:"mounts" json:"mounts"`
}

// Address joins host and port
func (r RTSPConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MountConfig is one launch-described factory
type MountConfig struct {
	Path    string        `yaml:"path" json:"path"`
	Launch  string        `yaml:"launch" json:"launch"`
	Shared  bool          `yaml:"shared" json:"shared"`
	Latency time.Duration `yaml:"latency" json:"latency"`
}

// ClockConfig selects and tunes the shared time authority
type ClockConfig struct {
	Kind          string        `yaml:"kind" json:"kind" env:"SYNCSTREAM_CLOCK_KIND" default:"ntp"`
	Address       string        `yaml:"address" json:"address" env:"SYNCSTREAM_CLOCK_ADDRESS" default:"pool.ntp.org"`
	Port          int           `yaml:"port" json:"port" env:"SYNCSTREAM_CLOCK_PORT" default:"123"`
	SyncTimeout   time.Duration `yaml:"sync_timeout" json:"sync_timeout" env:"SYNCSTREAM_CLOCK_SYNC_TIMEOUT" default:"30s"`
	QueryTimeout  time.Duration `yaml:"query_timeout" json:"query_timeout" env:"SYNCSTREAM_CLOCK_QUERY_TIMEOUT" default:"2s"`
	BurstInterval time.Duration `yaml:"burst_interval" json:"burst_interval" env:"SYNCSTREAM_CLOCK_BURST_INTERVAL" default:"250ms"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval" env:"SYNCSTREAM_CLOCK_POLL_INTERVAL" default:"10s"`
	WindowSize    int           `yaml:"window_size" json:"window_size" env:"SYNCSTREAM_CLOCK_WINDOW" default:"16"`
	MinSamples    int           `yaml:"min_samples" json:"min_samples" env:"SYNCSTREAM_CLOCK_MIN_SAMPLES" default:"4"`
	SyncThreshold time.Duration `yaml:"sync_threshold" json:"sync_threshold" env:"SYNCSTREAM_CLOCK_SYNC_THRESHOLD" default:"10ms"`
	MaxRTT        time.Duration `yaml:"max_rtt" json:"max_rtt" env:"SYNCSTREAM_CLOCK_MAX_RTT" default:"500ms"`
	// ProviderAddress, when set, serves the clock to KindNet slaves
	ProviderAddress string `yaml:"provider_address" json:"provider_address" env:"SYNCSTREAM_CLOCK_PROVIDER_ADDRESS"`
}

// Options converts the section into clock creation options
func (c ClockConfig) Options(l hclog.Logger) clock.Options {
	return clock.Options{
		Kind:          clock.Kind(c.Kind),
		Address:       c.Address,
		Port:          c.Port,
		QueryTimeout:  c.QueryTimeout,
		BurstInterval: c.BurstInterval,
		PollInterval:  c.PollInterval,
		WindowSize:    c.WindowSize,
		MinSamples:    c.MinSamples,
		SyncThreshold: c.SyncThreshold,
		MaxRTT:        c.MaxRTT,
		Logger:        l,
	}
}

// CameraConfig drives the capture app and its RTSP relay
type CameraConfig struct {
	Device       string        `yaml:"device" json:"device" env:"SYNCSTREAM_CAMERA_DEVICE" default:"synthetic"`
	Width        int           `yaml:"width" json:"width" env:"SYNCSTREAM_CAMERA_WIDTH" default:"320"`
	Height       int           `yaml:"height" json:"height" env:"SYNCSTREAM_CAMERA_HEIGHT" default:"240"`
	Framerate    int           `yaml:"framerate" json:"framerate" env:"SYNCSTREAM_CAMERA_FRAMERATE" default:"30"`
	RelayChannel string        `yaml:"relay_channel" json:"relay_channel" env:"SYNCSTREAM_CAMERA_RELAY_CHANNEL" default:"liveling"`
	MountPath    string        `yaml:"mount_path" json:"mount_path" env:"SYNCSTREAM_CAMERA_MOUNT" default:"/test"`
	Latency      time.Duration `yaml:"latency" json:"latency" env:"SYNCSTREAM_CAMERA_LATENCY" default:"200ms"`
	Rotate       string        `yaml:"rotate" json:"rotate" env:"SYNCSTREAM_CAMERA_ROTATE" default:"none"`
	WhiteBalance string        `yaml:"white_balance" json:"white_balance" env:"SYNCSTREAM_CAMERA_WHITE_BALANCE" default:"auto"`
	// Preview shows the capture locally next to the relay
	Preview bool `yaml:"preview" json:"preview" env:"SYNCSTREAM_CAMERA_PREVIEW" default:"true"`
}

// PlayerConfig drives the synchronized playback client
type PlayerConfig struct {
	URI           string        `yaml:"uri" json:"uri" env:"SYNCSTREAM_PLAYER_URI"`
	Latency       time.Duration `yaml:"latency" json:"latency" env:"SYNCSTREAM_PLAYER_LATENCY" default:"1500ms"`
	PlaybackDelay time.Duration `yaml:"playback_delay" json:"playback_delay" env:"SYNCSTREAM_PLAYER_DELAY" default:"200ms"`
}

// DatabaseConfig is the session history store
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"SYNCSTREAM_DB_ENABLED" default:"true"`
	Type    string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	Path    string `yaml:"path" json:"path" env:"SYNCSTREAM_DATABASE_PATH" default:"./syncstream.db"`
	URL     string `yaml:"url" json:"url" env:"DATABASE_URL"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"1h"`
	LogQueries      bool          `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// LoggingConfig is the root logger
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"SYNCSTREAM_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" json:"format" env:"SYNCSTREAM_LOG_FORMAT" default:"json"`
	Color  bool   `yaml:"color" json:"color" env:"SYNCSTREAM_LOG_COLORS" default:"false"`
}

// LoggerOptions converts the section for logger.New
func (l LoggingConfig) LoggerOptions(name string) logger.Options {
	return logger.Options{Name: name, Level: l.Level, Format: l.Format, Color: l.Color}
}

// PerformanceConfig bounds host load before new media is admitted
type PerformanceConfig struct {
	AdmissionEnabled bool          `yaml:"admission_enabled" json:"admission_enabled" env:"SYNCSTREAM_ADMISSION" default:"true"`
	CPUThreshold     float64       `yaml:"cpu_threshold" json:"cpu_threshold" env:"SYNCSTREAM_CPU_THRESHOLD" default:"90.0"`
	MemoryThreshold  float64       `yaml:"memory_threshold" json:"memory_threshold" env:"SYNCSTREAM_MEMORY_THRESHOLD" default:"90.0"`
	SampleInterval   time.Duration `yaml:"sample_interval" json:"sample_interval" env:"SYNCSTREAM_SAMPLE_INTERVAL" default:"5s"`
}

// ConfigManager manages application configuration with hot-reload support
type ConfigManager struct {
	config     *Config
	configPath string
	watchers   []ConfigWatcher
	logger     hclog.Logger
	mu         sync.RWMutex
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

// NewConfigManager creates a manager holding the defaults
func NewConfigManager(l hclog.Logger) *ConfigManager {
	return &ConfigManager{
		config: DefaultConfig(),
		logger: logger.OrNull(l).Named("config"),
	}
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	// default tags are the single source of defaults
	if err := applyDefaults(reflect.ValueOf(cfg).Elem()); err != nil {
		panic(fmt.Sprintf("config: bad default tag: %v", err))
	}
	return cfg
}

// ResolvePath returns the file named by PathEnv, or DefaultPath
func ResolvePath() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig loads configuration from file and environment variables. A
// missing file is not an error; the defaults and environment still apply.
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := cm.config
	cm.configPath = configPath

	newConfig := DefaultConfig()

	if configPath != "" && fileExists(configPath) {
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
		cm.logger.Info("configuration loaded from file", "path", configPath)
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := Validate(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = newConfig

	for _, watcher := range cm.watchers {
		go watcher(oldConfig, newConfig)
	}
	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	configCopy.RTSP.Mounts = append([]MountConfig(nil), cm.config.RTSP.Mounts...)
	return &configCopy
}

// Path returns the file last passed to LoadConfig
func (cm *ConfigManager) Path() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

// SaveConfig writes the current configuration to its file
func (cm *ConfigManager) SaveConfig() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	return saveToFile(cm.configPath, cm.config)
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func saveToFile(path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyDefaults sets every field carrying a default tag
func applyDefaults(v reflect.Value) error {
	return walkTagged(v, "default", func(field reflect.Value, value string) error {
		return setFieldValue(field, value)
	})
}

// loadStructFromEnv overrides fields whose env variable is set
func loadStructFromEnv(v reflect.Value) error {
	return walkTagged(v, "env", func(field reflect.Value, name string) error {
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return nil
		}
		return setFieldValue(field, value)
	})
}

func walkTagged(v reflect.Value, tag string, fn func(reflect.Value, string) error) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := walkTagged(field, tag, fn); err != nil {
				return err
			}
			continue
		}

		value := fieldType.Tag.Get(tag)
		if value == "" {
			continue
		}
		if err := fn(field, value); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
