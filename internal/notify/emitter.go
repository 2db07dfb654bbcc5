package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Events delivered to publishers by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Event delivery failures by event type.",
	}, []string{"event_type"})

	emitDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "notify",
		Name:      "emit_dropped_total",
		Help:      "Events dropped because the emit queue was full.",
	})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors, emitDropped)
}

// publishTimeout bounds one delivery attempt.
const publishTimeout = 5 * time.Second

// Emitter queues events and delivers them on a background goroutine so
// that engines never block on the notification layer. Delivery is
// fire-and-forget: failures are logged and counted.
type Emitter struct {
	pub    Publisher
	clock  clock.Clock
	queue  chan Event
	logger *slog.Logger
	done   chan struct{}
}

// NewEmitter creates an emitter with a queue of size buffer.
func NewEmitter(pub Publisher, buffer int, clk clock.Clock, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		pub:    pub,
		clock:  clk,
		queue:  make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish stamps missing id/time and enqueues ev. It never blocks; when the
// queue is full the event is dropped.
func (e *Emitter) Publish(_ context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	select {
	case e.queue <- ev:
	default:
		emitDropped.Inc()
		e.logger.Warn("emit queue full, dropping event", "type", ev.Type, "key", ev.Key)
	}
	return nil
}

// Run delivers queued events until ctx is done, then drains what is left.
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (e *Emitter) Done() <-chan struct{} { return e.done }

func (e *Emitter) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	emitTotal.WithLabelValues(ev.Type).Inc()
	if err := e.pub.Publish(ctx, ev); err != nil {
		emitErrors.WithLabelValues(ev.Type).Inc()
		e.logger.Warn("event delivery failed", "type", ev.Type, "key", ev.Key, "error", err)
	}
}
