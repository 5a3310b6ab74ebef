package resilience

import (
	"sync"
	"time"
)

// ErrorClass groups recogniser failures by how a [RestartPolicy] treats them.
type ErrorClass int

const (
	// ClassBenign covers a normal stream end and "no speech" timeouts. The
	// stream is restarted after the end delay without touching any counter.
	ClassBenign ErrorClass = iota

	// ClassDevice covers microphone capture and permission errors.
	ClassDevice

	// ClassNetwork covers recogniser service connectivity errors.
	ClassNetwork

	// ClassTerminal covers explicit aborts and policy blocks. Never restarted.
	ClassTerminal

	// ClassIgnored covers errors that are logged but do not warrant a restart
	// (bad grammar, unsupported language, anything unrecognised).
	ClassIgnored
)

// String returns the lower-case name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassBenign:
		return "benign"
	case ClassDevice:
		return "device"
	case ClassNetwork:
		return "network"
	case ClassTerminal:
		return "terminal"
	case ClassIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Backoff is a two-step delay schedule: Base for ordinary retries and
// Cooldown once the consecutive-attempt limit is reached.
type Backoff struct {
	Base     time.Duration
	Cooldown time.Duration
}

// RestartConfig holds the tuning knobs of a [RestartPolicy].
type RestartConfig struct {
	// MaxConsecutive is the number of consecutive counted attempts after which
	// the cooldown delay is used and the consecutive counter resets.
	// Default: 5.
	MaxConsecutive int

	// MaxTotal is the session-wide ceiling of counted attempts. Reaching it
	// disables restarts until [RestartPolicy.ReEnable]. Default: 20.
	MaxTotal int

	// Device is the schedule for [ClassDevice] errors. Default: 2s / 10s.
	Device Backoff

	// Network is the schedule for [ClassNetwork] errors. Default: 5s / 15s.
	Network Backoff

	// EndDelay is the delay before restarting after a benign end.
	// Default: 100ms.
	EndDelay time.Duration
}

// DefaultRestartConfig returns the stock restart schedule.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxConsecutive: 5,
		MaxTotal:       20,
		Device:         Backoff{Base: 2 * time.Second, Cooldown: 10 * time.Second},
		Network:        Backoff{Base: 5 * time.Second, Cooldown: 15 * time.Second},
		EndDelay:       100 * time.Millisecond,
	}
}

func (c RestartConfig) withDefaults() RestartConfig {
	d := DefaultRestartConfig()
	if c.MaxConsecutive <= 0 {
		c.MaxConsecutive = d.MaxConsecutive
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = d.MaxTotal
	}
	if c.Device.Base <= 0 {
		c.Device.Base = d.Device.Base
	}
	if c.Device.Cooldown <= 0 {
		c.Device.Cooldown = d.Device.Cooldown
	}
	if c.Network.Base <= 0 {
		c.Network.Base = d.Network.Base
	}
	if c.Network.Cooldown <= 0 {
		c.Network.Cooldown = d.Network.Cooldown
	}
	if c.EndDelay <= 0 {
		c.EndDelay = d.EndDelay
	}
	return c
}

// NextDelay returns the delay before retry number attempt (1-based count of
// consecutive attempts) under schedule b.
func NextDelay(b Backoff, attempt, maxConsecutive int) time.Duration {
	if attempt >= maxConsecutive {
		return b.Cooldown
	}
	return b.Base
}

// ShouldDisable reports whether total counted attempts have reached the
// ceiling.
func ShouldDisable(total, maxTotal int) bool {
	return maxTotal > 0 && total >= maxTotal
}

// Decision is the outcome of feeding one stream termination into a
// [RestartPolicy].
type Decision struct {
	// Restart is true when the stream should be reopened after Delay.
	Restart bool
	Delay   time.Duration

	// Disabled is true when this termination tripped the total ceiling.
	Disabled bool
}

// RestartStatus is a point-in-time view of a [RestartPolicy].
type RestartStatus struct {
	Attempts       int  `json:"restart_attempts"`
	Total          int  `json:"total_restart_attempts"`
	MaxConsecutive int  `json:"max_restart_attempts"`
	MaxTotal       int  `json:"max_total_restart_attempts"`
	Disabled       bool `json:"restart_disabled"`
}

// RestartPolicy decides whether and when a continuously-running recogniser
// stream is reopened after it terminates. It is safe for concurrent use.
type RestartPolicy struct {
	cfg RestartConfig

	mu       sync.Mutex
	attempts int
	total    int
	disabled bool
}

// NewRestartPolicy creates a policy. Zero-value config fields take the values
// of [DefaultRestartConfig].
func NewRestartPolicy(cfg RestartConfig) *RestartPolicy {
	return &RestartPolicy{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (p *RestartPolicy) Config() RestartConfig { return p.cfg }

// Decide feeds one stream termination of the given class into the policy.
func (p *RestartPolicy) Decide(class ErrorClass) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disabled {
		return Decision{}
	}

	var b Backoff
	switch class {
	case ClassBenign:
		return Decision{Restart: true, Delay: p.cfg.EndDelay}
	case ClassDevice:
		b = p.cfg.Device
	case ClassNetwork:
		b = p.cfg.Network
	default:
		return Decision{}
	}

	p.attempts++
	p.total++
	if ShouldDisable(p.total, p.cfg.MaxTotal) {
		p.disabled = true
		return Decision{Disabled: true}
	}

	delay := NextDelay(b, p.attempts, p.cfg.MaxConsecutive)
	if p.attempts >= p.cfg.MaxConsecutive {
		p.attempts = 0
	}
	return Decision{Restart: true, Delay: delay}
}

// Disabled reports whether the total ceiling has been reached.
func (p *RestartPolicy) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}

// ReEnable clears every counter and the disabled flag.
func (p *RestartPolicy) ReEnable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.total = 0
	p.disabled = false
}

// ResetConsecutive clears the consecutive-attempt counter only.
func (p *RestartPolicy) ResetConsecutive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Status returns a snapshot of the counters.
func (p *RestartPolicy) Status() RestartStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return RestartStatus{
		Attempts:       p.attempts,
		Total:          p.total,
		MaxConsecutive: p.cfg.MaxConsecutive,
		MaxTotal:       p.cfg.MaxTotal,
		Disabled:       p.disabled,
	}
}
