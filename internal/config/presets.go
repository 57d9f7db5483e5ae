package config

import (
	"fmt"
	"time"
)

// Preset names a named envelope of resource limits.
type Preset string

const (
	PresetStrict     Preset = "strict"
	PresetSecure     Preset = "secure"
	PresetStandard   Preset = "standard"
	PresetPermissive Preset = "permissive"
)

// Config is the worker pool's immutable configuration. Once built by
// New it is never mutated — every component receives it by value.
type Config struct {
	MinWorkers              int
	MaxWorkers              int
	MemoryLimitPerWorker    int64
	MemoryCheckInterval     time.Duration
	MaxExecutionsPerWorker  int
	IdleTimeout             time.Duration
	QueueTimeout            time.Duration
	MaxQueueSize            int
	GracefulShutdownTimeout time.Duration
	MaxMessagesPerSecond    int
	MaxPendingToolCalls     int
	MaxMessageSizeBytes     int
	WarmOnInit              bool
}

// Defaults returns the baseline config before any preset or override is
// layered on top. This is also PresetStandard.
func Defaults() Config {
	return Config{
		MinWorkers:              1,
		MaxWorkers:              4,
		MemoryLimitPerWorker:    256 * 1024 * 1024,
		MemoryCheckInterval:     1 * time.Second,
		MaxExecutionsPerWorker:  1000,
		IdleTimeout:             60 * time.Second,
		QueueTimeout:            10 * time.Second,
		MaxQueueSize:            100,
		GracefulShutdownTimeout: 5 * time.Second,
		MaxMessagesPerSecond:    100,
		MaxPendingToolCalls:     32,
		MaxMessageSizeBytes:     10 * 1024 * 1024,
		WarmOnInit:              false,
	}
}

// presetBase returns the config a preset starts from, before overrides.
// Presets tighten the resource envelope monotonically from Permissive
// down to Strict; they never change state-machine behavior, only the
// numbers fed into it.
func presetBase(p Preset) Config {
	switch p {
	case PresetStrict:
		return Config{
			MinWorkers:              1,
			MaxWorkers:              2,
			MemoryLimitPerWorker:    64 * 1024 * 1024,
			MemoryCheckInterval:     250 * time.Millisecond,
			MaxExecutionsPerWorker:  100,
			IdleTimeout:             15 * time.Second,
			QueueTimeout:            3 * time.Second,
			MaxQueueSize:            10,
			GracefulShutdownTimeout: 2 * time.Second,
			MaxMessagesPerSecond:    20,
			MaxPendingToolCalls:     8,
			MaxMessageSizeBytes:     256 * 1024,
			WarmOnInit:              true,
		}
	case PresetSecure:
		return Config{
			MinWorkers:              2,
			MaxWorkers:              4,
			MemoryLimitPerWorker:    128 * 1024 * 1024,
			MemoryCheckInterval:     500 * time.Millisecond,
			MaxExecutionsPerWorker:  500,
			IdleTimeout:             30 * time.Second,
			QueueTimeout:            5 * time.Second,
			MaxQueueSize:            25,
			GracefulShutdownTimeout: 3 * time.Second,
			MaxMessagesPerSecond:    50,
			MaxPendingToolCalls:     16,
			MaxMessageSizeBytes:     1 * 1024 * 1024,
			WarmOnInit:              true,
		}
	case PresetPermissive:
		return Config{
			MinWorkers:              2,
			MaxWorkers:              16,
			MemoryLimitPerWorker:    1024 * 1024 * 1024,
			MemoryCheckInterval:     2 * time.Second,
			MaxExecutionsPerWorker:  10000,
			IdleTimeout:             300 * time.Second,
			QueueTimeout:            60 * time.Second,
			MaxQueueSize:            1000,
			GracefulShutdownTimeout: 15 * time.Second,
			MaxMessagesPerSecond:    1000,
			MaxPendingToolCalls:     256,
			MaxMessageSizeBytes:     64 * 1024 * 1024,
			WarmOnInit:              false,
		}
	case PresetStandard:
		fallthrough
	default:
		return Defaults()
	}
}

// Override is a functional option applied after a preset, matching the
// DEFAULTS ◁ preset ◁ overrides layering in the spec.
type Override func(*Config)

func WithMinWorkers(n int) Override { return func(c *Config) { c.MinWorkers = n } }
func WithMaxWorkers(n int) Override { return func(c *Config) { c.MaxWorkers = n } }
func WithMemoryLimitPerWorker(n int64) Override {
	return func(c *Config) { c.MemoryLimitPerWorker = n }
}
func WithMemoryCheckInterval(d time.Duration) Override {
	return func(c *Config) { c.MemoryCheckInterval = d }
}
func WithMaxExecutionsPerWorker(n int) Override {
	return func(c *Config) { c.MaxExecutionsPerWorker = n }
}
func WithIdleTimeout(d time.Duration) Override { return func(c *Config) { c.IdleTimeout = d } }
func WithQueueTimeout(d time.Duration) Override { return func(c *Config) { c.QueueTimeout = d } }
func WithMaxQueueSize(n int) Override           { return func(c *Config) { c.MaxQueueSize = n } }
func WithGracefulShutdownTimeout(d time.Duration) Override {
	return func(c *Config) { c.GracefulShutdownTimeout = d }
}
func WithMaxMessagesPerSecond(n int) Override { return func(c *Config) { c.MaxMessagesPerSecond = n } }
func WithMaxPendingToolCalls(n int) Override  { return func(c *Config) { c.MaxPendingToolCalls = n } }
func WithMaxMessageSizeBytes(n int) Override  { return func(c *Config) { c.MaxMessageSizeBytes = n } }
func WithWarmOnInit(b bool) Override           { return func(c *Config) { c.WarmOnInit = b } }

// New layers preset on top of Defaults and then applies overrides, in
// that order, warns when an override on the strict preset loosens its
// memory limit, queue size or message rate (other fields are not
// checked), and validates the result.
func New(preset Preset, overrides ...Override) (Config, error) {
	cfg := presetBase(preset)
	strict := presetBase(PresetStrict)

	for _, o := range overrides {
		before := cfg
		o(&cfg)
		warnIfLoosened(preset, strict, before, cfg)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// warnIfLoosened emits a warning when an override loosens a limit
// beyond what the strict preset allows. Presets are advisory defaults;
// overrides are the caller's call, but a silent loosening of the
// strictest envelope is exactly the kind of mistake worth a warning.
func warnIfLoosened(active Preset, strict, before, after Config) {
	if active != PresetStrict {
		return
	}
	if after.MemoryLimitPerWorker > strict.MemoryLimitPerWorker && before.MemoryLimitPerWorker <= strict.MemoryLimitPerWorker {
		fmt.Printf("config: override loosens memory_limit_per_worker beyond the strict preset (%d > %d)\n",
			after.MemoryLimitPerWorker, strict.MemoryLimitPerWorker)
	}
	if after.MaxQueueSize > strict.MaxQueueSize && before.MaxQueueSize <= strict.MaxQueueSize {
		fmt.Printf("config: override loosens max_queue_size beyond the strict preset (%d > %d)\n",
			after.MaxQueueSize, strict.MaxQueueSize)
	}
	if after.MaxMessagesPerSecond > strict.MaxMessagesPerSecond && before.MaxMessagesPerSecond <= strict.MaxMessagesPerSecond {
		fmt.Printf("config: override loosens max_messages_per_second beyond the strict preset (%d > %d)\n",
			after.MaxMessagesPerSecond, strict.MaxMessagesPerSecond)
	}
}

// Validate checks the invariants spec.md requires of every Config.
func Validate(c Config) error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("config: min_workers must be >= 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("config: max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.MemoryLimitPerWorker <= 0 {
		return fmt.Errorf("config: memory_limit_per_worker must be positive")
	}
	if c.MemoryCheckInterval <= 0 {
		return fmt.Errorf("config: memory_check_interval must be positive")
	}
	if c.MaxExecutionsPerWorker <= 0 {
		return fmt.Errorf("config: max_executions_per_worker must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("config: idle_timeout must be positive")
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("config: queue_timeout must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("config: max_queue_size must be positive")
	}
	if c.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("config: graceful_shutdown_timeout must be positive")
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("config: max_messages_per_second must be positive")
	}
	if c.MaxPendingToolCalls <= 0 {
		return fmt.Errorf("config: max_pending_tool_calls must be positive")
	}
	if c.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("config: max_message_size_bytes must be positive")
	}
	return nil
}
