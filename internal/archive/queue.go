package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "archive",
		Name:      "writes_total",
		Help:      "Archive writes by record kind and result.",
	}, []string{"kind", "result"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nirbhaya",
		Subsystem: "archive",
		Name:      "dropped_total",
		Help:      "Archive records dropped because the queue was full.",
	})
)

func init() {
	prometheus.MustRegister(writesTotal, droppedTotal)
}

const writeTimeout = 5 * time.Second

type job struct {
	kind string
	fn   func(ctx context.Context) error
}

// Queue is a Sink that hands records to a background writer so callers on
// the request path never wait on the database.
type Queue struct {
	sink    Sink
	jobs    chan job
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewQueue wraps sink with a bounded buffer.
func NewQueue(sink Sink, buffer int, logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{
		sink:   sink,
		jobs:   make(chan job, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (q *Queue) enqueue(kind string, fn func(ctx context.Context) error) error {
	select {
	case q.jobs <- job{kind: kind, fn: fn}:
	default:
		q.dropped.Add(1)
		droppedTotal.Inc()
		q.logger.Warn("archive queue full, dropping record", "kind", kind)
	}
	return nil
}

func (q *Queue) SaveRouteScore(_ context.Context, rs RouteScore) error {
	return q.enqueue("route_score", func(ctx context.Context) error { return q.sink.SaveRouteScore(ctx, rs) })
}

func (q *Queue) SaveSOSSession(_ context.Context, s SOSSession) error {
	return q.enqueue("sos_session", func(ctx context.Context) error { return q.sink.SaveSOSSession(ctx, s) })
}

func (q *Queue) SaveIncident(_ context.Context, inc Incident) error {
	return q.enqueue("incident", func(ctx context.Context) error { return q.sink.SaveIncident(ctx, inc) })
}

// Dropped reports how many records were discarded.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Run writes queued records until ctx is cancelled, then drains what is left.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case j := <-q.jobs:
			q.write(j)
		case <-ctx.Done():
			for {
				select {
				case j := <-q.jobs:
					q.write(j)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		writesTotal.WithLabelValues(j.kind, "error").Inc()
		q.logger.Error("archive write failed", "kind", j.kind, "error", err)
		return
	}
	writesTotal.WithLabelValues(j.kind, "ok").Inc()
}
