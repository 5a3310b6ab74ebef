// Package mock provides in-memory test doubles for the alert interfaces.
//
// Each mock records every method call and exposes exported fields that
// control what it returns. All mocks are safe for concurrent use.
//
//	store := &mock.Store{Admins: map[string]bool{"admin-1": true}}
//	// inject store into the system under test …
//	if got := store.CallCount("Send"); got != 1 {
//	    t.Errorf("expected 1 Send call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/SATYAM-KS/ClockTower/internal/alert"
)

// Call records one method invocation.
type Call struct {
	Method string
	Args   []any
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns how many times method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is an in-memory [alert.Store]. Sent alerts are kept in insertion
// order and served by List.
type Store struct {
	recorder

	// SendErr, ListErr, UpdateErr and AdminErr are returned when non-nil.
	SendErr   error
	ListErr   error
	UpdateErr error
	AdminErr  error

	// Admins maps user ids to their active-admin flag.
	Admins map[string]bool

	alerts []alert.Alert
}

var _ alert.Store = (*Store)(nil)

// Send implements [alert.Sender]. A repeated id replaces nothing and
// returns the id again.
func (s *Store) Send(_ context.Context, a alert.Alert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Send", a)
	if s.SendErr != nil {
		return "", s.SendErr
	}
	if !slices.ContainsFunc(s.alerts, func(x alert.Alert) bool { return x.ID == a.ID }) {
		s.alerts = append(s.alerts, a)
	}
	return a.ID, nil
}

// List implements [alert.Store]. Alerts are returned newest first.
func (s *Store) List(_ context.Context, f alert.Filter) ([]alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("List", f)
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := []alert.Alert{}
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus implements [alert.Store].
func (s *Store) UpdateStatus(_ context.Context, id string, st alert.Status, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpdateStatus", id, st, notes)
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		s.alerts[i].Status = st
		if st == alert.StatusResolved {
			now := time.Now().UTC()
			s.alerts[i].ResolvedAt = &now
		}
		if notes != "" {
			s.alerts[i].AdminNotes = notes
		}
		return nil
	}
	return alert.ErrNotFound
}

// IsActiveAdmin implements [alert.Store].
func (s *Store) IsActiveAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("IsActiveAdmin", userID)
	if s.AdminErr != nil {
		return false, s.AdminErr
	}
	return s.Admins[userID], nil
}

// Alerts returns a copy of the stored alerts in insertion order.
func (s *Store) Alerts() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts)
}

// ─── Outbox ──────────────────────────────────────────────────────────────────

// Outbox is an in-memory [alert.Outbox].
type Outbox struct {
	recorder

	// SendErr, PendingErr and MarkErr are returned when non-nil.
	SendErr    error
	PendingErr error
	MarkErr    error

	queued    []alert.Alert
	delivered map[string]bool
}

var _ alert.Outbox = (*Outbox)(nil)

// Send implements [alert.Sender].
func (o *Outbox) Send(_ context.Context, a alert.Alert) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("Send", a)
	if o.SendErr != nil {
		return "", o.SendErr
	}
	o.queued = append(o.queued, a)
	return a.ID, nil
}

// Pending implements [alert.Outbox].
func (o *Outbox) Pending(_ context.Context, limit int) ([]alert.Alert, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("Pending", limit)
	if o.PendingErr != nil {
		return nil, o.PendingErr
	}
	var out []alert.Alert
	for _, a := range o.queued {
		if o.delivered[a.ID] {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered implements [alert.Outbox].
func (o *Outbox) MarkDelivered(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record("MarkDelivered", id)
	if o.MarkErr != nil {
		return o.MarkErr
	}
	if o.delivered == nil {
		o.delivered = make(map[string]bool)
	}
	o.delivered[id] = true
	return nil
}

// Queued returns how many alerts are still undelivered.
func (o *Outbox) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, a := range o.queued {
		if !o.delivered[a.ID] {
			n++
		}
	}
	return n
}

// Len returns Queued; it lets the mock stand in for the SQLite outbox.
func (o *Outbox) Len(context.Context) (int, error) {
	return o.Queued(), nil
}
