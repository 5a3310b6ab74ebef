package monitor

import (
	"fmt"
	"math"

	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

const (
	// nearlyStopped is the latest speed below which a hard deceleration
	// counts as an impact.
	nearlyStopped = 1.0

	// atRest is the latest speed below which a stop counts as complete.
	atRest = 0.5

	voiceConfidence   = 0.7
	keywordConfidence = 0.9
)

// Evaluate applies the accident rules to the newest samples of history
// (oldest first) and reports whether any rule matched.
//
// Rules run in a fixed order (sudden deceleration, complete stop, sudden
// acceleration, voice level, keyword) and a later match replaces an earlier
// one, so keyword beats voice beats any speed rule when several hold.
func Evaluate(history []types.SafetySample, th Thresholds) (types.AccidentDetectionResult, bool) {
	if len(history) < 3 {
		return types.AccidentDetectionResult{}, false
	}
	prev := history[len(history)-2]
	latest := history[len(history)-1]

	var (
		res     types.AccidentDetectionResult
		matched bool
	)
	set := func(conf float64, trigger types.TriggerType, reason string) {
		res = types.AccidentDetectionResult{
			IsPotentialAccident: true,
			Confidence:          conf,
			Reason:              reason,
			TriggerType:         trigger,
		}
		matched = true
	}

	prevFast := prev.Speed > th.Speed && prev.Speed <= th.MaxSpeed
	a := latest.Acceleration

	if prevFast && a < th.Deceleration && math.Abs(a) <= th.MaxAcceleration && latest.Speed < nearlyStopped {
		set(math.Min(0.8+math.Abs(a)/10, 0.95), types.TriggerSpeed,
			fmt.Sprintf("Sudden deceleration from %.1f m/s to %.1f m/s", prev.Speed, latest.Speed))
	}

	if prevFast && latest.Speed < atRest && !latest.IsMoving {
		set(math.Min(0.7+prev.Speed/10, 0.9), types.TriggerSpeed,
			fmt.Sprintf("Complete stop after traveling at %.1f m/s", prev.Speed))
	}

	if prev.Speed < th.Speed && a > th.Acceleration && a <= th.MaxAcceleration &&
		latest.Speed > th.Speed && latest.Speed <= th.MaxSpeed {
		set(math.Min(0.6+a/10, 0.85), types.TriggerSpeed,
			fmt.Sprintf("Sudden acceleration from %.1f m/s to %.1f m/s", prev.Speed, latest.Speed))
	}

	if latest.VoiceLevel != nil && *latest.VoiceLevel > th.Voice {
		set(voiceConfidence, types.TriggerVoice,
			fmt.Sprintf("High voice level detected: %.1f dB", *latest.VoiceLevel))
	}

	if latest.KeywordDetected {
		set(keywordConfidence, types.TriggerKeyword, "Emergency keyword detected")
	}

	return res, matched
}
