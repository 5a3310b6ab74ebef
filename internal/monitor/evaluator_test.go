package monitor

import (
	"strings"
	"testing"

	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func TestEvaluate(t *testing.T) {
	t.Parallel()
	th := DefaultThresholds()

	tests := []struct {
		name        string
		history     []types.SafetySample
		wantMatch   bool
		wantTrigger types.TriggerType
		minConf     float64
		maxConf     float64
		reasonHas   string
	}{
		{
			name:    "fewer than three samples",
			history: []types.SafetySample{{Speed: 8}, {Speed: 0.2, Acceleration: -10}},
		},
		{
			name: "sudden deceleration",
			history: []types.SafetySample{
				{Speed: 8, IsMoving: true},
				{Speed: 8, IsMoving: true},
				{Speed: 0.2, Acceleration: -10},
			},
			wantMatch:   true,
			wantTrigger: types.TriggerSpeed,
			minConf:     0.8,
			maxConf:     0.95,
		},
		{
			name: "deceleration capped at 0.95",
			history: []types.SafetySample{
				{Speed: 10, IsMoving: true},
				{Speed: 10, IsMoving: true},
				{Speed: 0.8, Acceleration: -19, IsMoving: true},
			},
			wantMatch:   true,
			wantTrigger: types.TriggerSpeed,
			minConf:     0.95,
			maxConf:     0.95,
			reasonHas:   "Sudden deceleration from 10.0 m/s to 0.8 m/s",
		},
		{
			name: "complete stop after travel",
			history: []types.SafetySample{
				{Speed: 6, IsMoving: true},
				{Speed: 6, IsMoving: true},
				{Speed: 0, Acceleration: -2},
			},
			wantMatch:   true,
			wantTrigger: types.TriggerSpeed,
			minConf:     0.9,
			maxConf:     0.9,
			reasonHas:   "Complete stop after traveling at 6.0 m/s",
		},
		{
			name: "previous speed above believable maximum is ignored",
			history: []types.SafetySample{
				{Speed: 60},
				{Speed: 60},
				{Speed: 0, Acceleration: -10},
			},
		},
		{
			name: "sudden acceleration",
			history: []types.SafetySample{
				{Speed: 0},
				{Speed: 1},
				{Speed: 7, Acceleration: 9, IsMoving: true},
			},
			wantMatch:   true,
			wantTrigger: types.TriggerSpeed,
			minConf:     0.85,
			maxConf:     0.85,
			reasonHas:   "Sudden acceleration",
		},
		{
			name: "voice level",
			history: []types.SafetySample{
				{}, {}, {VoiceLevel: ptr(95.0)},
			},
			wantMatch:   true,
			wantTrigger: types.TriggerVoice,
			minConf:     0.7,
			maxConf:     0.7,
			reasonHas:   "High voice level detected: 95.0 dB",
		},
		{
			name: "voice at threshold does not match",
			history: []types.SafetySample{
				{}, {}, {VoiceLevel: ptr(90.0)},
			},
		},
		{
			name: "keyword wins over speed and voice",
			history: []types.SafetySample{
				{Speed: 8, IsMoving: true},
				{Speed: 8, IsMoving: true},
				{Speed: 0.2, Acceleration: -10, VoiceLevel: ptr(99.0), KeywordDetected: true},
			},
			wantMatch:   true,
			wantTrigger: types.TriggerKeyword,
			minConf:     0.9,
			maxConf:     0.9,
		},
		{
			name: "steady walking",
			history: []types.SafetySample{
				{Speed: 1.4, IsMoving: true},
				{Speed: 1.5, IsMoving: true},
				{Speed: 1.3, Acceleration: -0.1, IsMoving: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Evaluate(tt.history, th)
			if ok != tt.wantMatch {
				t.Fatalf("matched = %v, want %v (result %+v)", ok, tt.wantMatch, got)
			}
			if !ok {
				return
			}
			if !got.IsPotentialAccident {
				t.Error("IsPotentialAccident = false on a match")
			}
			if got.TriggerType != tt.wantTrigger {
				t.Errorf("TriggerType = %q, want %q", got.TriggerType, tt.wantTrigger)
			}
			if got.Confidence < tt.minConf-1e-9 || got.Confidence > tt.maxConf+1e-9 {
				t.Errorf("Confidence = %v, want in [%v, %v]", got.Confidence, tt.minConf, tt.maxConf)
			}
			if tt.reasonHas != "" && !strings.Contains(got.Reason, tt.reasonHas) {
				t.Errorf("Reason = %q, want it to contain %q", got.Reason, tt.reasonHas)
			}
		})
	}
}
