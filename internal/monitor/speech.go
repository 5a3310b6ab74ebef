package monitor

import (
	"fmt"
	"strings"

	"github.com/SATYAM-KS/ClockTower/internal/resilience"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// classifySpeechError maps a stream's terminal error to its restart class.
func classifySpeechError(err error) resilience.ErrorClass {
	if err == nil {
		return resilience.ClassBenign
	}
	switch stt.CodeOf(err) {
	case stt.CodeNoSpeech:
		return resilience.ClassBenign
	case stt.CodeAudioCapture, stt.CodeNotAllowed:
		return resilience.ClassDevice
	case stt.CodeNetwork:
		return resilience.ClassNetwork
	case stt.CodeAborted, stt.CodeServiceNotAllowed:
		return resilience.ClassTerminal
	default:
		return resilience.ClassIgnored
	}
}

// openSpeech opens a recogniser stream when listening is wanted and none is
// open. Callers hold s.mu.
func (s *Session) openSpeech() effects {
	if s.speech == nil || !s.listening || s.handle != nil || s.closed {
		return nil
	}
	if s.restart.Disabled() {
		return nil
	}
	h, err := s.speech.StartStream(s.ctx, stt.StreamConfig{
		Language:   s.cfg.Speech.Language,
		Interim:    true,
		Continuous: true,
	})
	if err != nil {
		if stt.CodeOf(err) == "" {
			s.log.Error("monitor: start speech recognition", "err", err)
			return nil
		}
		return s.speechTerminated(err)
	}
	s.handle = h
	s.log.Debug("monitor: speech recognition started")
	return nil
}

// stopSpeech cancels a pending restart and closes the open stream.
func (s *Session) stopSpeech() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.Debug("monitor: close speech stream", "err", err)
		}
		s.handle = nil
	}
}

func (s *Session) onSpeechEnded(h stt.SessionHandle) effects {
	if h != s.handle {
		return nil
	}
	s.handle = nil

	var fx effects
	for drained := false; !drained; {
		select {
		case t := <-h.Finals():
			fx = append(fx, s.handleTranscript(t)...)
		default:
			drained = true
		}
	}

	err := h.Err()
	if cerr := h.Close(); cerr != nil {
		s.log.Debug("monitor: close speech stream", "err", cerr)
	}
	return append(fx, s.speechTerminated(err)...)
}

// speechTerminated feeds a stream termination into the restart policy.
func (s *Session) speechTerminated(err error) effects {
	class := classifySpeechError(err)
	d := s.restart.Decide(class)

	var fx effects
	if cb := s.cb.OnSpeechEnded; cb != nil {
		fx.add(func() { cb(class, d) })
	}

	switch {
	case d.Disabled:
		st := s.restart.Status()
		s.log.Error("monitor: speech recognition disabled after repeated failures",
			"err", err, "total_attempts", st.Total)
		fx.add(s.speechUnavailable("speech recognition disabled after repeated failures"))
	case d.Restart:
		if err != nil {
			s.log.Warn("monitor: speech recognition failed, restarting",
				"class", class, "err", err, "delay", d.Delay)
		} else {
			s.log.Debug("monitor: speech recognition ended, restarting", "delay", d.Delay)
		}
		if s.listening {
			s.armRestart(d)
		}
	case class == resilience.ClassTerminal:
		s.log.Warn("monitor: speech recognition stopped by the recogniser", "err", err)
		fx.add(s.speechUnavailable(fmt.Sprintf("speech recognition stopped: %v", err)))
	default:
		s.log.Warn("monitor: speech recognition error, not restarting", "class", class, "err", err)
	}
	return fx
}

func (s *Session) armRestart(d resilience.Decision) {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartTimer = s.clock.NewTimer(d.Delay)
}

func (s *Session) onRestartDue(t timeutil.Timer) effects {
	if t != s.restartTimer {
		return nil
	}
	s.restartTimer = nil
	return s.openSpeech()
}

func (s *Session) speechUnavailable(reason string) func() {
	if s.unavailable {
		return nil
	}
	s.unavailable = true
	cb := s.cb.OnSpeechUnavailable
	if cb == nil {
		return nil
	}
	return func() { cb(reason) }
}

// ─── Transcripts ─────────────────────────────────────────────────────────────

func (s *Session) onTranscript(h stt.SessionHandle, t types.Transcript) effects {
	if h != s.handle {
		return nil
	}
	return s.handleTranscript(t)
}

func (s *Session) handleTranscript(t types.Transcript) effects {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return nil
	}
	var fx effects
	if cb := s.cb.OnUserResponsive; cb != nil {
		fx.add(cb)
	}
	if !t.IsFinal {
		return fx
	}

	s.transcript += t.Text + " "
	if cb := s.cb.OnTranscriptUpdate; cb != nil {
		full := strings.TrimSpace(s.transcript)
		fx.add(func() { cb(full) })
	}

	kw, confirmed := s.keywords.scan(text)
	switch {
	case kw != "":
		fx = append(fx, s.keywordHeard(kw)...)
	case confirmed:
		s.log.Info("monitor: user confirmed safety by voice")
		fx.add(s.cb.OnSafetyConfirmed)
	}
	return fx
}

func (s *Session) keywordHeard(kw string) effects {
	s.log.Warn("monitor: emergency keyword detected", "keyword", kw)

	var fx effects
	if latest := s.buf.Latest(); latest != nil {
		latest.KeywordDetected = true
		s.keywordSample = latest
		if s.keywordTimer != nil {
			s.keywordTimer.Stop()
		}
		s.keywordTimer = s.clock.NewTimer(s.cfg.Speech.KeywordHold)
		fx.add(s.dataUpdate(*latest))

		if cb := s.cb.OnVoiceKeywordDetected; cb != nil && latest.Location != nil {
			loc := *latest.Location
			fx.add(func() { cb(loc, kw) })
		}
	}

	fx.add(s.accident(types.AccidentDetectionResult{
		IsPotentialAccident: true,
		Confidence:          keywordConfidence,
		Reason:              fmt.Sprintf("Emergency keyword %q detected", kw),
		TriggerType:         types.TriggerKeyword,
	}))
	return fx
}

func (s *Session) onKeywordExpired(t timeutil.Timer) {
	if t != s.keywordTimer {
		return
	}
	s.keywordTimer = nil
	if s.keywordSample != nil {
		s.keywordSample.KeywordDetected = false
		s.keywordSample = nil
	}
}

// ─── Listening control ───────────────────────────────────────────────────────

// EnableListening turns keyword listening on and opens a recogniser stream.
func (s *Session) EnableListening() error {
	return s.do(func() effects {
		s.listening = true
		s.log.Info("monitor: keyword listening enabled")
		return s.openSpeech()
	})
}

// DisableListening turns keyword listening off, closing the stream and
// cancelling any pending restart.
func (s *Session) DisableListening() error {
	return s.do(func() effects {
		s.listening = false
		s.stopSpeech()
		s.log.Info("monitor: keyword listening disabled")
		return nil
	})
}

// ToggleListening flips keyword listening and returns the new state.
func (s *Session) ToggleListening() (bool, error) {
	var on bool
	err := s.do(func() effects {
		s.listening = !s.listening
		on = s.listening
		if !on {
			s.stopSpeech()
			return nil
		}
		return s.openSpeech()
	})
	return on, err
}

// ReEnableSpeech clears the restart counters after speech recognition was
// disabled and reopens the stream if listening is on.
func (s *Session) ReEnableSpeech() error {
	return s.do(func() effects {
		s.restart.ReEnable()
		s.unavailable = false
		s.log.Info("monitor: speech recognition re-enabled")
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		return s.openSpeech()
	})
}

// ClearTranscript empties the accumulated transcript.
func (s *Session) ClearTranscript() error {
	return s.do(func() effects {
		s.transcript = ""
		var fx effects
		if cb := s.cb.OnTranscriptUpdate; cb != nil {
			fx.add(func() { cb("") })
		}
		return fx
	})
}

// Transcript returns the accumulated final transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.transcript)
}
