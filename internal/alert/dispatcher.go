package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/SATYAM-KS/ClockTower/internal/observe"
	"github.com/SATYAM-KS/ClockTower/internal/resilience"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
)

// Member names reported by [Dispatcher.Send] and used as the "backend"
// metric attribute.
const (
	BackendPrimary = "primary"
	BackendOutbox  = "outbox"
)

// flushBatch bounds the rows replayed per [Dispatcher.Flush] call.
const flushBatch = 100

// Outbox is a local store that accepts alerts while the primary is down and
// hands them back for replay.
type Outbox interface {
	Sender

	// Pending returns up to limit undelivered alerts, oldest first.
	Pending(ctx context.Context, limit int) ([]Alert, error)

	// MarkDelivered records that the alert reached the primary store.
	MarkDelivered(ctx context.Context, id string) error
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithOutbox registers the fallback outbox.
func WithOutbox(o Outbox) Option { return func(d *Dispatcher) { d.outbox = o } }

// WithBreaker tunes the circuit breaker placed in front of every member.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(d *Dispatcher) { d.breaker = cfg }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// Dispatcher is the production [Sender]. Alerts go to the primary store
// behind a circuit breaker and fail over to the outbox; [Dispatcher.Flush]
// replays the outbox once the primary is reachable again. Alert ids are
// assigned before the first attempt so a replay never duplicates a row.
type Dispatcher struct {
	primary Sender
	outbox  Outbox
	breaker resilience.CircuitBreakerConfig
	metrics *observe.Metrics
	clock   timeutil.Clock
	log     *slog.Logger

	group   *resilience.FallbackGroup[Sender]
	flushMu sync.Mutex
}

var _ Sender = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. primary may be nil when no database is
// configured, in which case the outbox is the only member. At least one of
// the two is required.
func NewDispatcher(primary Sender, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		primary: primary,
		clock:   timeutil.Real{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.breaker.Clock == nil {
		d.breaker.Clock = d.clock
	}

	fc := resilience.FallbackConfig{CircuitBreaker: d.breaker}
	switch {
	case primary != nil:
		d.group = resilience.NewFallbackGroup[Sender](primary, BackendPrimary, fc)
		if d.outbox != nil {
			d.group.AddFallback(BackendOutbox, d.outbox)
		}
	case d.outbox != nil:
		d.group = resilience.NewFallbackGroup[Sender](d.outbox, BackendOutbox, fc)
	default:
		return nil, errors.New("alert: dispatcher needs a primary store or an outbox")
	}
	return d, nil
}

// Send normalises a and delivers it. The returned error wraps
// [resilience.ErrAllFailed] when no member accepted the alert.
func (d *Dispatcher) Send(ctx context.Context, a Alert) (string, error) {
	a = Normalize(a, d.clock.Now())

	ctx, span := observe.StartSpan(ctx, "alert.send",
		trace.WithAttributes(
			attribute.String("alert.id", a.ID),
			attribute.String("alert.type", string(a.Type)),
		),
	)
	defer span.End()

	start := time.Now()
	id, backend, err := resilience.ExecuteWithResult(d.group, func(s Sender) (string, error) {
		return s.Send(ctx, a)
	})
	d.metrics.AlertSendDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("backend", backend)))

	log := observe.Logger(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "alert not delivered")
		d.metrics.RecordAlert(ctx, string(a.Type), "", "error")
		log.Error("alert: delivery failed", "alert_id", a.ID, "type", a.Type, "user_id", a.UserID, "err", err)
		return "", fmt.Errorf("alert: send: %w", err)
	}

	span.SetAttributes(attribute.String("alert.backend", backend))
	d.metrics.RecordAlert(ctx, string(a.Type), backend, "ok")
	if backend == BackendOutbox && d.primary != nil {
		log.Warn("alert: primary store unavailable, alert queued in outbox", "alert_id", id, "type", a.Type)
	} else {
		log.Info("alert: delivered", "alert_id", id, "type", a.Type, "backend", backend, "user_id", a.UserID)
	}
	return id, nil
}

// PrimaryState returns the primary store's breaker state, or false when no
// primary is configured.
func (d *Dispatcher) PrimaryState() (resilience.State, bool) {
	if d.primary == nil {
		return 0, false
	}
	return d.group.BreakerState(BackendPrimary)
}

// Flush replays queued outbox alerts into the primary store and returns how
// many were delivered. It stops at the first primary failure and does
// nothing while the primary breaker is open.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	if d.primary == nil || d.outbox == nil {
		return 0, nil
	}
	if st, _ := d.PrimaryState(); st == resilience.StateOpen {
		return 0, nil
	}

	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	pending, err := d.outbox.Pending(ctx, flushBatch)
	if err != nil {
		return 0, fmt.Errorf("alert: flush: %w", err)
	}
	var n int
	for _, a := range pending {
		if _, err := d.primary.Send(ctx, a); err != nil {
			return n, fmt.Errorf("alert: flush %s: %w", a.ID, err)
		}
		if err := d.outbox.MarkDelivered(ctx, a.ID); err != nil {
			return n, fmt.Errorf("alert: flush mark %s: %w", a.ID, err)
		}
		n++
	}
	if n > 0 {
		d.metrics.OutboxFlushed.Add(ctx, int64(n))
		d.log.Info("alert: outbox flushed", "delivered", n)
	}
	return n, nil
}

// RunFlusher calls [Dispatcher.Flush] every interval until ctx is done.
func (d *Dispatcher) RunFlusher(ctx context.Context, interval time.Duration) error {
	t := d.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			if _, err := d.Flush(ctx); err != nil {
				d.log.Warn("alert: outbox flush failed", "err", err)
			}
		}
	}
}
