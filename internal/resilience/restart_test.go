package resilience

import (
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: 5 * time.Second, Cooldown: 15 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{4, 5 * time.Second},
		{5, 15 * time.Second},
		{6, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := NextDelay(b, tt.attempt, 5); got != tt.want {
			t.Errorf("NextDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestShouldDisable(t *testing.T) {
	t.Parallel()
	if ShouldDisable(19, 20) {
		t.Error("ShouldDisable(19, 20) = true, want false")
	}
	if !ShouldDisable(20, 20) {
		t.Error("ShouldDisable(20, 20) = false, want true")
	}
	if ShouldDisable(100, 0) {
		t.Error("a zero ceiling must never disable")
	}
}

func TestRestartPolicy_Defaults(t *testing.T) {
	t.Parallel()
	cfg := NewRestartPolicy(RestartConfig{}).Config()
	if cfg.MaxConsecutive != 5 {
		t.Errorf("MaxConsecutive = %d, want 5", cfg.MaxConsecutive)
	}
	if cfg.MaxTotal != 20 {
		t.Errorf("MaxTotal = %d, want 20", cfg.MaxTotal)
	}
	if cfg.Device.Base != 2*time.Second || cfg.Device.Cooldown != 10*time.Second {
		t.Errorf("Device = %+v, want 2s/10s", cfg.Device)
	}
	if cfg.Network.Base != 5*time.Second || cfg.Network.Cooldown != 15*time.Second {
		t.Errorf("Network = %+v, want 5s/15s", cfg.Network)
	}
	if cfg.EndDelay != 100*time.Millisecond {
		t.Errorf("EndDelay = %v, want 100ms", cfg.EndDelay)
	}
}

func TestRestartPolicy_NetworkCooldownAfterFive(t *testing.T) {
	t.Parallel()
	p := NewRestartPolicy(RestartConfig{})

	for i := 1; i <= 4; i++ {
		d := p.Decide(ClassNetwork)
		if !d.Restart || d.Delay != 5*time.Second {
			t.Fatalf("attempt %d: decision = %+v, want restart after 5s", i, d)
		}
	}
	d := p.Decide(ClassNetwork)
	if !d.Restart || d.Delay != 15*time.Second {
		t.Fatalf("attempt 5: decision = %+v, want restart after 15s", d)
	}
	st := p.Status()
	if st.Attempts != 0 {
		t.Errorf("Attempts after cooldown = %d, want 0", st.Attempts)
	}
	if st.Total != 5 {
		t.Errorf("Total = %d, want 5", st.Total)
	}

	// The schedule starts over after the reset.
	if d := p.Decide(ClassNetwork); d.Delay != 5*time.Second {
		t.Errorf("attempt 6 delay = %v, want 5s", d.Delay)
	}
}

func TestRestartPolicy_DeviceSchedule(t *testing.T) {
	t.Parallel()
	p := NewRestartPolicy(RestartConfig{})
	var delays []time.Duration
	for range 5 {
		delays = append(delays, p.Decide(ClassDevice).Delay)
	}
	want := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second, 10 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRestartPolicy_CeilingDisables(t *testing.T) {
	t.Parallel()
	p := NewRestartPolicy(RestartConfig{})

	for i := 1; i < 20; i++ {
		class := ClassNetwork
		if i%2 == 0 {
			class = ClassDevice
		}
		if d := p.Decide(class); !d.Restart {
			t.Fatalf("attempt %d: unexpected stop %+v", i, d)
		}
	}
	d := p.Decide(ClassNetwork)
	if d.Restart || !d.Disabled {
		t.Fatalf("attempt 20: decision = %+v, want disabled without restart", d)
	}
	if !p.Disabled() {
		t.Fatal("Disabled() = false after reaching the ceiling")
	}

	// Once disabled nothing restarts, not even a benign end.
	if d := p.Decide(ClassBenign); d.Restart {
		t.Errorf("benign end restarted while disabled: %+v", d)
	}

	p.ReEnable()
	st := p.Status()
	if st.Disabled || st.Total != 0 || st.Attempts != 0 {
		t.Errorf("status after ReEnable = %+v, want zeroed", st)
	}
	if d := p.Decide(ClassBenign); !d.Restart {
		t.Error("benign end should restart after ReEnable")
	}
}

func TestRestartPolicy_NonCountedClasses(t *testing.T) {
	t.Parallel()
	p := NewRestartPolicy(RestartConfig{})

	tests := []struct {
		class       ErrorClass
		wantRestart bool
		wantDelay   time.Duration
	}{
		{ClassBenign, true, 100 * time.Millisecond},
		{ClassTerminal, false, 0},
		{ClassIgnored, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			d := p.Decide(tt.class)
			if d.Restart != tt.wantRestart || d.Delay != tt.wantDelay {
				t.Errorf("Decide(%v) = %+v, want restart=%v delay=%v", tt.class, d, tt.wantRestart, tt.wantDelay)
			}
		})
	}
	if st := p.Status(); st.Attempts != 0 || st.Total != 0 {
		t.Errorf("counters changed by uncounted classes: %+v", st)
	}
}

func TestRestartPolicy_ResetConsecutive(t *testing.T) {
	t.Parallel()
	p := NewRestartPolicy(RestartConfig{})
	p.Decide(ClassDevice)
	p.Decide(ClassDevice)
	p.ResetConsecutive()
	st := p.Status()
	if st.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", st.Attempts)
	}
	if st.Total != 2 {
		t.Errorf("Total = %d, want 2 (untouched)", st.Total)
	}
}
