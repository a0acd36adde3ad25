package heap

// Config tunes a heap and its collector.
type Config struct {
	// InitialSize sets the first collection threshold together with
	// TriggerThreshold.
	InitialSize int `toml:"initial_size"`

	// MaxSize caps the bytes the heap may hold. Allocation past it fails
	// with value.ErrOutOfMemory. Zero means unlimited.
	MaxSize int `toml:"max_size"`

	// GrowthFactor scales the live size after a collection to give the
	// next threshold.
	GrowthFactor float64 `toml:"growth_factor"`

	// TriggerThreshold is the fraction of InitialSize that triggers the
	// first collection.
	TriggerThreshold float64 `toml:"trigger_threshold"`

	// StepBudget is the number of objects one incremental step marks or
	// sweeps.
	StepBudget int `toml:"step_budget"`

	// PromotionThreshold is the number of minor collections a young object
	// survives before it is promoted.
	PromotionThreshold int `toml:"promotion_threshold"`

	// MaxRememberSize bounds the remember set. Overflow forces the next
	// collection to be full.
	MaxRememberSize int `toml:"max_remember_size"`

	// Generational enables young/old collection.
	Generational bool `toml:"generational"`
}

// Default configuration values.
const (
	DefaultInitialSize        = 1 << 20
	DefaultMaxSize            = 256 << 20
	DefaultGrowthFactor       = 2.0
	DefaultTriggerThreshold   = 0.7
	DefaultStepBudget         = 100
	DefaultPromotionThreshold = 2
	DefaultMaxRememberSize    = 1024
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InitialSize:        DefaultInitialSize,
		MaxSize:            DefaultMaxSize,
		GrowthFactor:       DefaultGrowthFactor,
		TriggerThreshold:   DefaultTriggerThreshold,
		StepBudget:         DefaultStepBudget,
		PromotionThreshold: DefaultPromotionThreshold,
		MaxRememberSize:    DefaultMaxRememberSize,
	}
}

// WithDefaults fills zero fields from DefaultConfig. MaxSize is left alone
// since zero is meaningful.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.InitialSize <= 0 {
		c.InitialSize = d.InitialSize
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.TriggerThreshold <= 0 || c.TriggerThreshold > 1 {
		c.TriggerThreshold = d.TriggerThreshold
	}
	if c.StepBudget <= 0 {
		c.StepBudget = d.StepBudget
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = d.PromotionThreshold
	}
	if c.PromotionThreshold > 7 {
		c.PromotionThreshold = 7
	}
	if c.MaxRememberSize <= 0 {
		c.MaxRememberSize = d.MaxRememberSize
	}
	return c
}
