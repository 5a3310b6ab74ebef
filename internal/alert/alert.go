// Package alert defines SOS alerts and the interfaces that deliver and
// store them.
//
// An [Alert] is created by the engine (accident detection, stationary user,
// voice keyword, safety-check escalation) or by the user (manual SOS) and
// handed to a [Sender]. The production sender is a [Dispatcher] that writes
// to the Postgres store and falls back to the local SQLite outbox when the
// database is unreachable. Admin operations go through a [Store].
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
)

// ErrNotFound is returned when an alert id does not exist.
var ErrNotFound = errors.New("alert: not found")

// Type classifies an alert.
type Type string

const (
	TypeStationaryUser Type = "stationary_user"
	TypeManualSOS      Type = "manual_sos"
	TypeVoiceKeyword   Type = "voice_keyword"
	TypeVoiceLevel     Type = "voice_level"
	TypeSpeedAccident  Type = "speed_accident"
)

// Status is an alert's handling state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Alert is one SOS alert.
type Alert struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	UserEmail         string     `json:"user_email,omitempty"`
	UserPhone         string     `json:"user_phone,omitempty"`
	Location          geo.Point  `json:"location"`
	LocationAddress   string     `json:"location_address"`
	Type              Type       `json:"alert_type"`
	Status            Status     `json:"status"`
	Message           string     `json:"user_message"`
	StationaryMinutes int        `json:"stationary_duration_minutes"`
	LastMovementTime  time.Time  `json:"last_movement_time"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	AdminNotes        string     `json:"admin_notes,omitempty"`
	ZoneID            string     `json:"red_zone_id,omitempty"`
}

// TypeFromMessage derives the alert type from a free-text message the way
// the mobile client always has: keyword, then voice level, then speed, with
// stationary as the fallback.
func TypeFromMessage(msg string) Type {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "keyword"):
		return TypeVoiceKeyword
	case strings.Contains(m, "voice level"):
		return TypeVoiceLevel
	case strings.Contains(m, "acceleration"), strings.Contains(m, "deceleration"):
		return TypeSpeedAccident
	default:
		return TypeStationaryUser
	}
}

// StationaryMessage is the default message for a stationary-user alert.
func StationaryMessage(minutes int) string {
	return fmt.Sprintf("User has been stationary for %d minutes in red zone", minutes)
}

// Address renders a location the way alert records store it.
func Address(p geo.Point) string {
	return fmt.Sprintf("Location: %.6f, %.6f", p.Lat, p.Lng)
}

// Normalize fills in the derived fields of a: a fresh id, the type from the
// message, the pending status, the default message, the address and the
// timestamps. Fields already set are kept.
func Normalize(a Alert, now time.Time) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Message == "" {
		a.Message = StationaryMessage(a.StationaryMinutes)
	}
	if a.Type == "" {
		a.Type = TypeFromMessage(a.Message)
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.LocationAddress == "" {
		a.LocationAddress = Address(a.Location)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	if a.LastMovementTime.IsZero() {
		a.LastMovementTime = now.UTC()
	}
	return a
}

// Sender delivers an alert and returns its id.
type Sender interface {
	Send(ctx context.Context, a Alert) (id string, err error)
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, a Alert) (string, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, a Alert) (string, error) { return f(ctx, a) }

// Filter narrows [Store.List]. The zero value lists every alert.
type Filter struct {
	UserID string
	Status Status
	Limit  int
}

// Store is the durable alert store used by the admin surface.
type Store interface {
	Sender

	// List returns alerts newest first.
	List(ctx context.Context, f Filter) ([]Alert, error)

	// UpdateStatus changes an alert's status. Resolving sets ResolvedAt;
	// non-empty notes replace AdminNotes. Unknown ids return [ErrNotFound].
	UpdateStatus(ctx context.Context, id string, st Status, notes string) error

	// IsActiveAdmin reports whether userID is an active admin.
	IsActiveAdmin(ctx context.Context, userID string) (bool, error)
}
