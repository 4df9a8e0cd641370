package backoff

import (
	"fmt"
	"time"
)

// Config describes a back-off policy in configuration files.
type Config struct {
	Kind       string        `yaml:"kind"` // exponential, fixed, none
	Initial    time.Duration `yaml:"initial"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
	Interval   time.Duration `yaml:"interval"`
}

// Build turns the configuration into a Policy. Zero values fall back to the
// package defaults.
func (c Config) Build(opts ...Option) (Policy, error) {
	switch c.Kind {
	case "", "exponential":
		initial, multiplier, maxInterval := c.Initial, c.Multiplier, c.Max
		if initial == 0 {
			initial = DefaultInitial
		}
		if multiplier == 0 {
			multiplier = DefaultMultiplier
		}
		if maxInterval == 0 {
			maxInterval = DefaultMax
		}
		return Exponential(initial, multiplier, maxInterval, opts...), nil
	case "fixed":
		if c.Interval <= 0 {
			return nil, fmt.Errorf("fixed back-off requires a positive interval")
		}
		return Fixed(c.Interval, opts...), nil
	case "none":
		return None(), nil
	default:
		return nil, fmt.Errorf("unknown back-off kind %q", c.Kind)
	}
}
