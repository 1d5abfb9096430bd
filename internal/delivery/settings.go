package delivery

import (
	"errors"
	"time"
)

// Defaults applied to zero-valued settings.
const (
	DefaultConcurrency         = 5
	DefaultRateLimitNum        = 1000
	DefaultRateLimitDuration   = time.Second
	DefaultRetryAttempts       = 10
	DefaultRetryInitialBackoff = time.Second
	DefaultRetryMaxBackoff     = 30 * time.Second
	DefaultRetryMaxDuration    = 5 * time.Minute
	DefaultTimeout             = 60 * time.Second
)

// Settings bound how requests reach the transport.
type Settings struct {
	Concurrency         int           `mapstructure:"concurrency"`
	RateLimitNum        int           `mapstructure:"rate_limit_num"`
	RateLimitDuration   time.Duration `mapstructure:"rate_limit_duration"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff"`
	RetryMaxDuration    time.Duration `mapstructure:"retry_max_duration"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// WithDefaults fills zero fields from defaults and returns the result.
func (s Settings) WithDefaults(defaults Settings) Settings {
	if s.Concurrency <= 0 {
		s.Concurrency = defaults.Concurrency
	}
	if s.RateLimitNum <= 0 {
		s.RateLimitNum = defaults.RateLimitNum
	}
	if s.RateLimitDuration <= 0 {
		s.RateLimitDuration = defaults.RateLimitDuration
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = defaults.RetryAttempts
	}
	if s.RetryInitialBackoff <= 0 {
		s.RetryInitialBackoff = defaults.RetryInitialBackoff
	}
	if s.RetryMaxBackoff <= 0 {
		s.RetryMaxBackoff = defaults.RetryMaxBackoff
	}
	if s.RetryMaxDuration <= 0 {
		s.RetryMaxDuration = defaults.RetryMaxDuration
	}
	if s.Timeout <= 0 {
		s.Timeout = defaults.Timeout
	}
	return s
}

// Defaults returns the package defaults.
func Defaults() Settings {
	return Settings{
		Concurrency:         DefaultConcurrency,
		RateLimitNum:        DefaultRateLimitNum,
		RateLimitDuration:   DefaultRateLimitDuration,
		RetryAttempts:       DefaultRetryAttempts,
		RetryInitialBackoff: DefaultRetryInitialBackoff,
		RetryMaxBackoff:     DefaultRetryMaxBackoff,
		RetryMaxDuration:    DefaultRetryMaxDuration,
		Timeout:             DefaultTimeout,
	}
}

func (s Settings) Validate() error {
	if s.Concurrency < 0 {
		return errors.New("request.concurrency must be >= 0")
	}
	if s.RateLimitNum < 0 {
		return errors.New("request.rate_limit_num must be >= 0")
	}
	if s.RetryAttempts < 0 {
		return errors.New("request.retry_attempts must be >= 0")
	}
	if s.RetryInitialBackoff > 0 && s.RetryMaxBackoff > 0 && s.RetryInitialBackoff > s.RetryMaxBackoff {
		return errors.New("request.retry_initial_backoff must not exceed request.retry_max_backoff")
	}
	return nil
}
