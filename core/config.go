// Configuration for the orchestration services. Follows an env-first
// model: DefaultConfig() reads the environment, a YAML file can layer on
// top of it, and functional options win over both. Struct tags drive
// validation so a bad deployment fails at startup, not mid-plan.
package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the owning configuration struct shared by all services.
// Each service reads the sections it cares about.
type Config struct {
	// Name identifies the service instance ("bridge", "doctor", "igor-x1", ...)
	Name string `yaml:"name"`

	// Port is the HTTP listen port for the service surface.
	// Env: PORT
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	Bridge    BridgeConfig    `yaml:"bridge"`
	Worker    WorkerConfig    `yaml:"worker"`
	Supervise SuperviseConfig `yaml:"supervisor"`
	Planner   PlannerConfig   `yaml:"planner"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BridgeConfig covers the broker and its clients.
type BridgeConfig struct {
	// URL is the websocket endpoint clients connect to.
	// Env: BRIDGE_URL (default ws://localhost:8080/ws)
	URL string `yaml:"url"`

	// Secret enables HMAC signing of every envelope when non-empty.
	// Env: BRIDGE_SECRET
	Secret string `yaml:"secret"`

	// TokensPerSecond is the per-source refill rate; burst is 2x.
	TokensPerSecond int `yaml:"tokens_per_second" validate:"gt=0"`

	// HistorySize bounds the message history ring.
	HistorySize int `yaml:"history_size" validate:"gt=0"`

	// DeadLetterSize bounds the dead-letter ring.
	DeadLetterSize int `yaml:"dead_letter_size" validate:"gt=0"`

	// DeliveryRetries bounds transport retry attempts before dead-lettering.
	DeliveryRetries int `yaml:"delivery_retries" validate:"gte=0,lte=10"`
}

// WorkerConfig covers the Frank process.
type WorkerConfig struct {
	// ToolsDir is the watched directory of dynamic tool modules.
	ToolsDir string `yaml:"tools_dir"`

	// CallTimeout bounds a single tool call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ProtectedTools cannot be deleted. dynamic_tool_create and
	// hello_world are always protected regardless of this list.
	ProtectedTools []string `yaml:"protected_tools"`
}

// SuperviseConfig covers the worker supervisor.
type SuperviseConfig struct {
	SnapshotsDir string `yaml:"snapshots_dir"`

	// SnapshotRetention is the snapshot ring size.
	// Env: SNAPSHOT_RETENTION
	SnapshotRetention int `yaml:"snapshot_retention" validate:"gt=0"`

	// MaxRestarts before rolling back to the last good snapshot.
	MaxRestarts int `yaml:"max_restarts" validate:"gt=0"`

	RestartDelay time.Duration `yaml:"restart_delay"`

	// WorkerPort is the designated IPC port for the child.
	WorkerPort int `yaml:"worker_port" validate:"gte=0,lte=65535"`

	// HealthInterval is the health check cadence.
	// Env: HEALTH_CHECK_INTERVAL_MS
	HealthInterval time.Duration `yaml:"health_interval"`

	// WorkerCommand is the argv used to spawn the child. Defaults to
	// re-executing the current binary with the frank subcommand.
	WorkerCommand []string `yaml:"worker_command"`
}

// PlannerConfig covers the Doctor.
type PlannerConfig struct {
	// FailureThreshold is the pattern count that triggers tool creation.
	// Env: FAILURE_THRESHOLD
	FailureThreshold int `yaml:"failure_threshold" validate:"gt=0"`

	// ToolCreateRetries bounds tool.create attempts per pattern.
	ToolCreateRetries int `yaml:"tool_create_retries" validate:"gte=0"`

	// AllowLocalhost permits internal IPs in navigate URLs.
	// Env: ALLOW_LOCALHOST
	AllowLocalhost bool `yaml:"allow_localhost"`

	// MaxToolBag caps the per-plan tool selection.
	MaxToolBag int `yaml:"max_tool_bag" validate:"gt=0"`
}

// ExecutorConfig covers Igor instances.
type ExecutorConfig struct {
	// MaxFranks bounds the worker pool an executor dispatches to.
	// Env: MAX_FRANKS
	MaxFranks int `yaml:"max_franks" validate:"gt=0"`

	// QueueSize bounds pending step dispatches; overflow rejects plans.
	QueueSize int `yaml:"queue_size" validate:"gt=0"`

	// StepTimeout is the default per-step wait when a step carries none.
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// RedisConfig enables Redis-backed state when URL is set.
type RedisConfig struct {
	// Env: REDIS_URL
	URL string `yaml:"url"`

	Namespace string `yaml:"namespace"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Env: LOG_LEVEL (debug|info|warn|error)
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Env: LOG_FORMAT (json|text)
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`

	Output string `yaml:"output" validate:"omitempty,oneof=stdout stderr"`
}

// Option mutates a Config before validation.
type Option func(*Config)

// WithName sets the service instance name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithBridgeURL points the client at a broker endpoint.
func WithBridgeURL(url string) Option {
	return func(c *Config) { c.Bridge.URL = url }
}

// WithBridgeSecret enables message signing.
func WithBridgeSecret(secret string) Option {
	return func(c *Config) { c.Bridge.Secret = secret }
}

// WithRedisURL enables Redis-backed stores.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// WithToolsDir sets the worker tool directory.
func WithToolsDir(dir string) Option {
	return func(c *Config) { c.Worker.ToolsDir = dir }
}

// DefaultConfig returns the environment-derived configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Port: envInt("PORT", 8080),
		Bridge: BridgeConfig{
			URL:             envStr("BRIDGE_URL", "ws://localhost:8080/ws"),
			Secret:          os.Getenv("BRIDGE_SECRET"),
			TokensPerSecond: 100,
			HistorySize:     1000,
			DeadLetterSize:  1000,
			DeliveryRetries: 3,
		},
		Worker: WorkerConfig{
			ToolsDir:    envStr("TOOLS_DIR", "tools"),
			CallTimeout: 60 * time.Second,
		},
		Supervise: SuperviseConfig{
			SnapshotsDir:      envStr("SNAPSHOTS_DIR", "snapshots"),
			SnapshotRetention: envInt("SNAPSHOT_RETENTION", 10),
			MaxRestarts:       5,
			RestartDelay:      1 * time.Second,
			WorkerPort:        3001,
			HealthInterval:    time.Duration(envInt("HEALTH_CHECK_INTERVAL_MS", 1000)) * time.Millisecond,
		},
		Planner: PlannerConfig{
			FailureThreshold:  envInt("FAILURE_THRESHOLD", 2),
			ToolCreateRetries: 3,
			AllowLocalhost:    envBool("ALLOW_LOCALHOST", false),
			MaxToolBag:        15,
		},
		Executor: ExecutorConfig{
			MaxFranks:   envInt("MAX_FRANKS", 1),
			QueueSize:   256,
			StepTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			Namespace: "labcore",
		},
		Logging: LoggingConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "json"),
			Output: "stdout",
		},
	}
	return cfg
}

// NewConfig builds a validated configuration from defaults plus options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile layers a YAML file over cfg in place.
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewCoreError("config.LoadConfigFile", KindValidation, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return NewCoreError("config.LoadConfigFile", KindValidation, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against its struct tags plus
// cross-field rules validator tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewCoreError("config.Validate", KindValidation, err)
	}
	if c.Worker.CallTimeout <= 0 {
		return NewCoreError("config.Validate", KindValidation,
			fmt.Errorf("worker call_timeout must be positive"))
	}
	if c.Supervise.HealthInterval <= 0 {
		return NewCoreError("config.Validate", KindValidation,
			fmt.Errorf("supervisor health_interval must be positive"))
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}
