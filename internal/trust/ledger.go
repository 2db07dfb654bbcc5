package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/nirbhaya/internal/apperr"
	"github.com/mbd888/nirbhaya/internal/clock"
	"github.com/mbd888/nirbhaya/internal/idgen"
	"github.com/mbd888/nirbhaya/internal/notify"
	"github.com/mbd888/nirbhaya/internal/retry"
	"github.com/mbd888/nirbhaya/internal/syncutil"
	"github.com/mbd888/nirbhaya/internal/traces"
)

const maxEntityIDLength = 128

// Conflicts only arise between processes sharing a database; in-process
// writers are already serialized by the shard lock.
var conflictPolicy = retry.Policy{Retries: 20, BaseDelay: 5 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// Ledger applies trust events atomically per entity.
type Ledger struct {
	store  Store
	locks  *syncutil.ShardedMutex
	clock  clock.Clock
	pub    notify.Publisher
	logger *slog.Logger
}

// NewLedger creates a ledger. pub may be nil.
func NewLedger(store Store, clk clock.Clock, pub notify.Publisher, logger *slog.Logger) *Ledger {
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Ledger{
		store:  store,
		locks:  syncutil.NewShardedMutex(0),
		clock:  clk,
		pub:    pub,
		logger: logger,
	}
}

func validateEntity(op, entityID string) error {
	if strings.TrimSpace(entityID) == "" {
		return apperr.Validation(op, "", "entity id is required")
	}
	if len(entityID) > maxEntityIDLength {
		return apperr.Validation(op, "", "entity id too long")
	}
	return nil
}

// Get returns an entity's record. Unknown entities read as a fresh record
// at the initial score without being persisted.
func (l *Ledger) Get(ctx context.Context, entityID string) (*Record, error) {
	const op = "trust.get"
	if err := validateEntity(op, entityID); err != nil {
		return nil, err
	}
	rec, err := l.store.Get(ctx, entityID)
	if errors.Is(err, ErrNotFound) {
		return &Record{EntityID: entityID, Score: InitialScore, Classification: Classify(InitialScore)}, nil
	}
	if err != nil {
		return nil, apperr.Internal(op, entityID, err)
	}
	return rec, nil
}

// Register creates the record for a new entity at the initial score.
// Registering an existing entity is a no-op.
func (l *Ledger) Register(ctx context.Context, entityID string) error {
	if err := validateEntity("trust.register", entityID); err != nil {
		return err
	}
	now := l.clock.Now()
	return l.store.Create(ctx, Record{
		EntityID:       entityID,
		Score:          InitialScore,
		Classification: Classify(InitialScore),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// Apply records event against entityID, runs the pattern rules and returns
// the committed state. Unknown entities are registered first. Version
// conflicts are retried and never returned.
func (l *Ledger) Apply(ctx context.Context, entityID string, event EventType, reference string) (out *Outcome, err error) {
	const op = "trust.apply"
	if err := validateEntity(op, entityID); err != nil {
		return nil, err
	}
	if !event.Valid() {
		return nil, apperr.Validation(op, entityID, fmt.Sprintf("unknown event type %q", event))
	}

	ctx, span := traces.StartSpan(ctx, "trust.Apply", traces.EntityID(entityID), traces.EventType(string(event)))
	defer func() { traces.End(span, err) }()

	unlock, err := l.locks.LockContext(ctx, entityID)
	if err != nil {
		return nil, apperr.Internal(op, entityID, err)
	}
	defer func() { unlock() }()

	var before Record
	err = retry.DoWithUnlock(ctx, conflictPolicy,
		func() { unlock() },
		func() { unlock = l.locks.Lock(entityID) },
		func(attempt int) error {
			if attempt > 0 {
				conflictsTotal.Inc()
			}
			res, prev, err := l.applyOnce(ctx, entityID, event, reference)
			if errors.Is(err, ErrConflict) {
				return err
			}
			if err != nil {
				return retry.Permanent(err)
			}
			out, before = res, prev
			return nil
		})
	if err != nil {
		return nil, apperr.Internal(op, entityID, err)
	}

	for _, e := range out.Entries {
		adjustmentsTotal.WithLabelValues(string(e.Event), string(e.Source)).Inc()
	}
	l.publish(ctx, before, out)
	return out, nil
}

// applyOnce is one read-compute-commit attempt.
func (l *Ledger) applyOnce(ctx context.Context, entityID string, event EventType, reference string) (*Outcome, Record, error) {
	now := l.clock.Now()

	rec, err := l.store.Get(ctx, entityID)
	if errors.Is(err, ErrNotFound) {
		if err := l.store.Create(ctx, Record{
			EntityID:       entityID,
			Score:          InitialScore,
			Classification: Classify(InitialScore),
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return nil, Record{}, err
		}
		rec, err = l.store.Get(ctx, entityID)
	}
	if err != nil {
		return nil, Record{}, err
	}
	before := *rec

	events := []step{{event, SourceEvent}}

	if pattern, ok := patternFor(event); ok {
		n, err := l.store.CountSince(ctx, entityID, event, SourceEvent, now.Add(-PatternWindow))
		if err != nil {
			return nil, Record{}, err
		}
		// fires on every event at or past the threshold while the window
		// still holds enough of them
		if n+1 >= pattern.threshold {
			events = append(events, step{pattern.penalty, SourcePattern})
		}
	}

	next := before
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		prev := next.Score
		next.Score = clampScore(prev + Deltas[ev.event])
		entries = append(entries, Entry{
			ID:        idgen.WithPrefix("te_"),
			EntityID:  entityID,
			Event:     ev.event,
			Delta:     Deltas[ev.event],
			Previous:  prev,
			New:       next.Score,
			Source:    ev.source,
			Reference: reference,
			At:        now,
		})
	}
	next.Classification = Classify(next.Score)
	if next.Score == 0 {
		next.Flagged = true
	}
	next.Version = before.Version + 1
	next.UpdatedAt = now

	if err := l.store.Commit(ctx, next, before.Version, entries); err != nil {
		return nil, Record{}, err
	}
	return &Outcome{Record: next, Entries: entries}, before, nil
}

type step struct {
	event  EventType
	source Source
}

type patternRule struct {
	threshold int
	penalty   EventType
}

// patternFor returns the window rule triggered by event, if any.
func patternFor(event EventType) (patternRule, bool) {
	switch event {
	case EventReported:
		return patternRule{threshold: ReportThreshold, penalty: EventMultipleReports}, true
	case EventFalseAlarm:
		return patternRule{threshold: FalseAlarmThreshold, penalty: EventFalseAlarm}, true
	}
	return patternRule{}, false
}

func (l *Ledger) publish(ctx context.Context, before Record, out *Outcome) {
	rec := out.Record
	for _, e := range out.Entries {
		l.emit(ctx, notify.Event{Type: notify.TypeTrustAdjusted, Key: rec.EntityID, Data: e})
	}
	if before.Classification != rec.Classification {
		l.logger.Info("trust classification changed",
			"entity_id", rec.EntityID, "from", before.Classification, "to", rec.Classification, "score", rec.Score)
		l.emit(ctx, notify.Event{
			Type: notify.TypeTrustClassChanged,
			Key:  rec.EntityID,
			Data: map[string]any{
				"from":    before.Classification,
				"to":      rec.Classification,
				"score":   rec.Score,
				"flagged": rec.Flagged,
			},
		})
	}
	if rec.Flagged && !before.Flagged {
		flaggedTotal.Inc()
		l.logger.Warn("entity flagged for review", "entity_id", rec.EntityID)
	}
}

func (l *Ledger) emit(ctx context.Context, ev notify.Event) {
	if err := l.pub.Publish(ctx, ev); err != nil {
		l.logger.Warn("publish trust event failed", "type", ev.Type, "entity_id", ev.Key, "error", err)
	}
}

// History returns one page of an entity's audit trail, newest first.
func (l *Ledger) History(ctx context.Context, entityID string, beforeSeq int64, limit int) ([]Entry, error) {
	const op = "trust.history"
	if err := validateEntity(op, entityID); err != nil {
		return nil, err
	}
	entries, err := l.store.History(ctx, entityID, beforeSeq, limit)
	if err != nil {
		return nil, apperr.Internal(op, entityID, err)
	}
	return entries, nil
}

// MismatchError reports a stored record that disagrees with its trail.
type MismatchError struct {
	EntityID    string
	Stored      int
	Replayed    int
	StoredClass Classification
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("trust record %s: stored score %d (%s) but trail replays to %d",
		e.EntityID, e.Stored, e.StoredClass, e.Replayed)
}

// Verify replays the audit trail and compares it with the stored record.
func (l *Ledger) Verify(ctx context.Context, entityID string) error {
	const op = "trust.verify"
	if err := validateEntity(op, entityID); err != nil {
		return err
	}
	rec, err := l.store.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.New(op, entityID, apperr.ErrNotFound, err)
		}
		return apperr.Internal(op, entityID, err)
	}
	entries, err := l.store.Entries(ctx, entityID)
	if err != nil {
		return apperr.Internal(op, entityID, err)
	}
	score, class, flagged := Replay(entries)
	if score != rec.Score || class != rec.Classification || flagged != rec.Flagged {
		return &MismatchError{EntityID: entityID, Stored: rec.Score, Replayed: score, StoredClass: rec.Classification}
	}
	return nil
}
