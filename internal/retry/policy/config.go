package policy

import (
	"fmt"
	"time"

	"github.com/vietddude/retrier/internal/retry/classifier"
)

// Config describes a retry policy in configuration files.
type Config struct {
	Kind                   string        `yaml:"kind"` // count, timeout, always, never
	MaxAttempts            int           `yaml:"max_attempts"`
	Timeout                time.Duration `yaml:"timeout"`
	DefaultRetryable       *bool         `yaml:"default_retryable"`
	NonRetryableCategories []string      `yaml:"non_retryable_categories"`
}

// Build turns the configuration into a classifier-gated Policy. rules are
// applied to the classifier before the configured categories.
func (c Config) Build(rules ...func(*classifier.Classifier)) (Policy, error) {
	var inner Policy
	switch c.Kind {
	case "", "count":
		n := c.MaxAttempts
		if n == 0 {
			n = DefaultMaxAttempts
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid max_attempts %d", c.MaxAttempts)
		}
		inner = MaxAttempts(n)
	case "timeout":
		if c.Timeout <= 0 {
			return nil, fmt.Errorf("timeout policy requires a positive timeout")
		}
		inner = Timeout(c.Timeout)
	case "always":
		inner = Always()
	case "never":
		inner = Never()
	default:
		return nil, fmt.Errorf("unknown retry policy kind %q", c.Kind)
	}

	def := true
	if c.DefaultRetryable != nil {
		def = *c.DefaultRetryable
	}
	cl := classifier.New(def)
	for _, rule := range rules {
		rule(cl)
	}
	for _, cat := range c.NonRetryableCategories {
		cl.SetCategory(classifier.Category(cat), false)
	}

	return Classified(inner, cl), nil
}
