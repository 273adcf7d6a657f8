package billing

import "time"

// Config tunes lifecycle policy. Loaded from the environment by cmd/billingd.
type Config struct {
	// TrialTestersOnly limits trial holds to users flagged as testers.
	TrialTestersOnly bool          `env:"TRIAL_TESTERS_ONLY" envDefault:"true"`
	TrialDuration    time.Duration `env:"TRIAL_DURATION" envDefault:"72h"`
	// TrialHoldAmount is the verification hold in minor units (1 major unit).
	TrialHoldAmount int64         `env:"TRIAL_HOLD_AMOUNT" envDefault:"100"`
	IntentTTL       time.Duration `env:"INTENT_TTL" envDefault:"30m"`
	IntentRetention time.Duration `env:"INTENT_RETENTION" envDefault:"720h"`
	// RenewalWindow is how close to its end a period must be before a
	// recurrent Active notification extends it.
	RenewalWindow  time.Duration `env:"RENEWAL_WINDOW" envDefault:"24h"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE" envDefault:"500"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		TrialTestersOnly: true,
		TrialDuration:    72 * time.Hour,
		TrialHoldAmount:  100,
		IntentTTL:        30 * time.Minute,
		IntentRetention:  30 * 24 * time.Hour,
		RenewalWindow:    24 * time.Hour,
		SweepBatchSize:   500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrialDuration <= 0 {
		c.TrialDuration = d.TrialDuration
	}
	if c.TrialHoldAmount <= 0 {
		c.TrialHoldAmount = d.TrialHoldAmount
	}
	if c.IntentTTL <= 0 {
		c.IntentTTL = d.IntentTTL
	}
	if c.IntentRetention <= 0 {
		c.IntentRetention = d.IntentRetention
	}
	if c.RenewalWindow < 0 {
		c.RenewalWindow = 0
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	return c
}
