// Package stt defines the Provider interface for continuous speech
// recognisers.
//
// A recogniser stream runs until the platform ends it, which happens
// routinely (silence timeouts, network hiccups, the OS reclaiming the
// microphone). The stream therefore reports how it ended through
// [SessionHandle.Done] and [SessionHandle.Err], and the caller decides whether
// to open a new one. Restart decisions belong to the caller, not the
// provider.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// StreamConfig describes a recognition stream.
type StreamConfig struct {
	// Language is the BCP-47 tag for recognition (e.g. "en-US").
	Language string

	// Interim requests partial results in addition to finals.
	Interim bool

	// Continuous keeps the stream open across pauses in speech.
	Continuous bool
}

// SessionHandle is one open recognition stream.
//
// Callers must call Close when the stream is no longer wanted. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// Partials emits interim results. Never closed before Done.
	Partials() <-chan types.Transcript

	// Finals emits committed results. Results sent before the stream ends
	// remain readable after Done is closed.
	Finals() <-chan types.Transcript

	// Done is closed when the stream has ended for any reason.
	Done() <-chan struct{}

	// Err returns nil while the stream runs or after a normal end, and a
	// *RecognitionError when the stream ended with an error.
	Err() error

	// Close stops recognition and releases the microphone. After Close
	// returns Done is closed. Calling Close more than once is safe.
	Close() error
}

// Provider opens recognition streams.
type Provider interface {
	// StartStream opens a new stream. The returned handle is already
	// listening.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
