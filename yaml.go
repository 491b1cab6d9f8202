package hooktail

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlDuration accepts either a Go duration string ("5s", "2m") or a bare
// number of seconds.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = yamlDuration(v)
		return nil
	}
	var secs float64
	if err := n.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = yamlDuration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (p *RetryPolicy) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		MaxAttempts int          `yaml:"max-attempts"`
		BaseDelay   yamlDuration `yaml:"base-delay"`
		Multiplier  float64      `yaml:"multiplier"`
		MaxDelay    yamlDuration `yaml:"max-delay"`
		JitterMax   yamlDuration `yaml:"jitter-max"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*p = RetryPolicy{
		MaxAttempts: raw.MaxAttempts,
		BaseDelay:   time.Duration(raw.BaseDelay),
		Multiplier:  raw.Multiplier,
		MaxDelay:    time.Duration(raw.MaxDelay),
		JitterMax:   time.Duration(raw.JitterMax),
	}
	return nil
}

func (p *RateLimitPolicy) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Algorithm   RateLimitAlgorithm `yaml:"algorithm"`
		MaxRequests int                `yaml:"max-requests"`
		Window      yamlDuration       `yaml:"window"`
		BurstLimit  int                `yaml:"burst-limit"`
		RefillRate  float64            `yaml:"refill-rate"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*p = RateLimitPolicy{
		Algorithm:   raw.Algorithm,
		MaxRequests: raw.MaxRequests,
		Window:      time.Duration(raw.Window),
		BurstLimit:  raw.BurstLimit,
		RefillRate:  raw.RefillRate,
	}
	return nil
}

func (p *BreakerPolicy) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		FailureThreshold      int          `yaml:"failure-threshold"`
		SuccessThreshold      int          `yaml:"success-threshold"`
		VolumeThreshold       int          `yaml:"volume-threshold"`
		ErrorThreshold        float64      `yaml:"error-threshold"`
		SlowCallRateThreshold float64      `yaml:"slow-call-rate-threshold"`
		SlowCallThreshold     yamlDuration `yaml:"slow-call-threshold"`
		MonitoringPeriod      yamlDuration `yaml:"monitoring-period"`
		ResetTimeout          yamlDuration `yaml:"reset-timeout"`
		Timeout               yamlDuration `yaml:"timeout"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*p = BreakerPolicy{
		FailureThreshold:      raw.FailureThreshold,
		SuccessThreshold:      raw.SuccessThreshold,
		VolumeThreshold:       raw.VolumeThreshold,
		ErrorThreshold:        raw.ErrorThreshold,
		SlowCallRateThreshold: raw.SlowCallRateThreshold,
		SlowCallThreshold:     time.Duration(raw.SlowCallThreshold),
		MonitoringPeriod:      time.Duration(raw.MonitoringPeriod),
		ResetTimeout:          time.Duration(raw.ResetTimeout),
		Timeout:               time.Duration(raw.Timeout),
	}
	return nil
}
