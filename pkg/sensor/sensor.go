// Package sensor defines the device-sensor interfaces consumed by the
// monitoring engine.
//
// Three sources exist, one per physical sensor:
//
//   - [LocationSource] is polled for position fixes.
//   - [MotionSource] pushes acceleration readings.
//   - [AudioSource] opens a stream of analyser frequency frames.
//
// Implementations convert platform failures into the sentinel errors of this
// package so that the engine can tell a transient timeout from a permanent
// permission denial. Implementations live in adapter packages (the WebSocket
// device bridge, test mocks); this package lives under pkg/ so that other
// transports can implement it.
package sensor

import (
	"context"
	"errors"

	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// Kind names a sensor in permission reports.
type Kind string

const (
	KindLocation   Kind = "location"
	KindMotion     Kind = "motion"
	KindMicrophone Kind = "microphone"
)

var (
	// ErrPermissionDenied means the user refused access to the sensor. The
	// engine degrades the sampler for the rest of the session.
	ErrPermissionDenied = errors.New("sensor: permission denied")

	// ErrTimeout means a single reading did not arrive in time. The engine
	// retries on the next tick.
	ErrTimeout = errors.New("sensor: timeout")

	// ErrUnavailable means the sensor does not exist or is busy.
	ErrUnavailable = errors.New("sensor: unavailable")
)

// LocationSource delivers position fixes on request.
type LocationSource interface {
	// CurrentPosition returns the latest fix. It must honour ctx cancellation
	// and return an error wrapping [ErrTimeout] when ctx expires.
	CurrentPosition(ctx context.Context) (types.Position, error)
}

// MotionSource pushes acceleration readings.
type MotionSource interface {
	// Subscribe starts delivery. The returned channel is closed when ctx is
	// cancelled or the source goes away.
	Subscribe(ctx context.Context) (<-chan types.MotionReading, error)
}

// AudioSource opens the microphone analyser.
type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream is an open microphone analyser.
type AudioStream interface {
	// Frames delivers one frequency frame per analysis cycle. The channel is
	// closed after Close or when the device goes away.
	Frames() <-chan types.FrequencyFrame

	// Close releases the microphone. Calling Close more than once is safe.
	Close() error
}

// Set bundles the sources available for one device. A nil member means the
// sensor is not supported and the matching sampler stays inert.
type Set struct {
	Location LocationSource
	Motion   MotionSource
	Audio    AudioSource
}
