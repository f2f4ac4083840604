// Package config defines the control plane configuration surface: per-domain
// structs with yaml tags, built-in defaults, a YAML loader with environment
// expansion, and struct-tag validation.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Message   MessageConfig   `yaml:"message"`
	Resources ResourceLimits  `yaml:"resources"`
	Scaling   AutoScaling     `yaml:"auto_scaling"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
}

// SchedulerConfig controls the conductor.
type SchedulerConfig struct {
	// MaxConcurrentTasks bounds how many tasks the conductor dispatches per tick.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" validate:"min=1"`

	// TaskTimeout is the default execution timeout for tasks that do not set one.
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gt=0"`

	// TickInterval is the scheduling loop period.
	TickInterval time.Duration `yaml:"tick_interval" validate:"gt=0"`

	// AgentHealthCheckInterval is the registry probe period.
	AgentHealthCheckInterval time.Duration `yaml:"agent_health_check_interval" validate:"gt=0"`

	// ResourceAllocationStrategy selects the agent ranking policy.
	ResourceAllocationStrategy AllocationStrategy `yaml:"resource_allocation_strategy"`

	// CapacityPolicy decides whether agent concurrency is bounded by the
	// primary capability alone or per matched capability.
	CapacityPolicy CapacityPolicy `yaml:"capacity_policy"`
}

// QueueConfig controls the priority queue.
type QueueConfig struct {
	// MaxSize caps the ready lane; admission beyond it is rejected.
	MaxSize int `yaml:"max_size" validate:"min=1"`

	// MaxRetries is the default retry budget for tasks that do not set one.
	MaxRetries int `yaml:"max_retries" validate:"min=0"`

	// RetryDelay is the base of the exponential backoff between retries.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gt=0"`

	// VisibilityTimeout bounds how long a task may sit in the processing lane
	// without progress before the reaper returns it to ready.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" validate:"gt=0"`

	// DeadLetterQueue enables the dead-letter lane for exhausted tasks.
	DeadLetterQueue bool `yaml:"dead_letter_queue"`

	// BatchSize is the default dequeue batch size.
	BatchSize int `yaml:"batch_size" validate:"min=1"`

	// Concurrency is the size of the in-process worker pool.
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// PromoteInterval is the delayed-lane scan period.
	PromoteInterval time.Duration `yaml:"promote_interval" validate:"gt=0"`

	// ReapInterval is the processing-lane stale scan period.
	ReapInterval time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

// WebSocketConfig controls the agent transport listener.
type WebSocketConfig struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0"`
	PongTimeout    time.Duration `yaml:"pong_timeout" validate:"gt=0"`
	MaxConnections int           `yaml:"max_connections" validate:"min=1"`
}

// MessageConfig controls router delivery.
type MessageConfig struct {
	// MaxSize is the serialized message size cap in bytes.
	MaxSize int `yaml:"max_size" validate:"min=1"`

	// DefaultTimeout bounds an acknowledged delivery round-trip.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`

	// MaxRetries is the delivery retry budget for acknowledged messages.
	MaxRetries int `yaml:"max_retries" validate:"min=1"`

	// CompressionThreshold is the payload size beyond which payloads are
	// compressed on the wire.
	CompressionThreshold int `yaml:"compression_threshold" validate:"min=0"`
}

// ResourceLimits is the execution engine's resource budget.
type ResourceLimits struct {
	MaxCPUUsage         float64 `yaml:"max_cpu_usage" validate:"gt=0"`
	MaxMemoryUsage      float64 `yaml:"max_memory_usage" validate:"gt=0"`
	MaxNetworkBandwidth float64 `yaml:"max_network_bandwidth" validate:"gt=0"`
	MaxDiskIO           float64 `yaml:"max_disk_io" validate:"gt=0"`
}

// AutoScaling controls the lifecycle manager's scaling loop.
type AutoScaling struct {
	Enabled          bool          `yaml:"enabled"`
	MinAgents        int           `yaml:"min_agents" validate:"min=0"`
	MaxAgents        int           `yaml:"max_agents" validate:"min=1"`
	ScaleUpPercent   float64       `yaml:"scale_up_percent" validate:"gt=0,lte=100"`
	ScaleDownPercent float64       `yaml:"scale_down_percent" validate:"gte=0,lt=100"`
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
}

// StoreConfig selects and configures the shared store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend  string `yaml:"backend" validate:"oneof=redis memory"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// RateLimit is the admission requests-per-second cap (0 disables).
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	// RateBurst is the admission burst size when rate limiting is enabled.
	RateBurst int `yaml:"rate_burst" validate:"min=0"`
}
