package component

type Backoff struct {
	MaxRetry            int     `mapstructure:"max_retry"`
	InitialDelay        string  `mapstructure:"initial_delay"`
	MaxDelay            string  `mapstructure:"max_delay"`
	RandomisationFactor float64 `mapstructure:"randomisation_factor"`
}
