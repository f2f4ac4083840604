package config

import "time"

// Default returns the built-in configuration. Loaded files override these
// values field by field.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks:         10,
			TaskTimeout:                5 * time.Minute,
			TickInterval:               time.Second,
			AgentHealthCheckInterval:   30 * time.Second,
			ResourceAllocationStrategy: StrategyBalanced,
			CapacityPolicy:             CapacityPrimary,
		},
		Queue: QueueConfig{
			MaxSize:           10_000,
			MaxRetries:        3,
			RetryDelay:        time.Second,
			VisibilityTimeout: 5 * time.Minute,
			DeadLetterQueue:   true,
			BatchSize:         10,
			Concurrency:       5,
			PromoteInterval:   time.Second,
			ReapInterval:      30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Port:           8081,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			MaxConnections: 1_000,
		},
		Message: MessageConfig{
			MaxSize:              1 << 20, // 1 MiB
			DefaultTimeout:       30 * time.Second,
			MaxRetries:           3,
			CompressionThreshold: 16 << 10,
		},
		Resources: ResourceLimits{
			MaxCPUUsage:         80,
			MaxMemoryUsage:      2048,
			MaxNetworkBandwidth: 1000,
			MaxDiskIO:           500,
		},
		Scaling: AutoScaling{
			Enabled:          false,
			MinAgents:        1,
			MaxAgents:        10,
			ScaleUpPercent:   80,
			ScaleDownPercent: 20,
			Interval:         time.Minute,
		},
		Store: StoreConfig{
			Backend: "memory",
			Addr:    "localhost:6379",
		},
		Server: ServerConfig{
			Port:      8080,
			RateLimit: 100,
			RateBurst: 200,
		},
	}
}
