// Package prospective implements PRS (§4.12): a durable trigger queue keyed
// by next_eval_ts. A trigger's predicate has a time component (when to
// start evaluating) and an optional context component (a set of key/value
// conditions matched against the caller-supplied context at evaluation
// time). Re-evaluation jitters ±10% to avoid a thundering herd when many
// triggers share a next_eval_ts, grounded on internal/scheduler/cron.go's
// Next for the jitter-rate idea (avoiding synchronized wakeups) though PRS
// triggers are one-shot rather than cron-recurring.
package prospective

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/familycore/famcore/internal/bus"
	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/store"
)

// Predicate is what a trigger waits for: time reached, plus an optional
// context condition evaluated against whatever context map the caller
// passes to EvaluateSpace (device state, location, calendar, etc. are all
// implementation-defined upstream of this package).
type Predicate struct {
	At      int64
	Context map[string]string
}

// Config tunes re-evaluation cadence for triggers whose time component has
// passed but whose context predicate hasn't matched yet.
type Config struct {
	ReEvalInterval time.Duration
	JitterFrac     float64 // fraction of ReEvalInterval to randomize by, e.g. 0.1 for ±10%
}

func DefaultConfig() Config {
	return Config{ReEvalInterval: 5 * time.Minute, JitterFrac: 0.1}
}

// Summary reports what one EvaluateSpace pass did.
type Summary struct {
	Considered  int
	Armed       int
	Fired       int
	Rescheduled int
}

// Runner wires STR and BUS into the scheduler.
type Runner struct {
	stores func(cit.SpaceId) (*store.SpaceStores, error)
	bus    *bus.Bus
	hooks  obs.Hooks
	cfg    Config
}

func New(stores func(cit.SpaceId) (*store.SpaceStores, error), b *bus.Bus, hooks obs.Hooks, cfg Config) *Runner {
	if hooks == nil {
		hooks = obs.Noop{}
	}
	if cfg.ReEvalInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Runner{stores: stores, bus: b, hooks: hooks, cfg: cfg}
}

// Schedule durably registers a new trigger in SCHEDULED state.
func (r *Runner) Schedule(ctx context.Context, space cit.SpaceId, owner cit.UserId, pred Predicate, payloadRef string) (string, error) {
	stores, err := r.stores(space)
	if err != nil {
		return "", fmt.Errorf("prospective: resolve stores: %w", err)
	}
	id := "trg_" + string(cit.NewRecordId())
	t := &store.ProspectiveTrigger{
		Id:               id,
		SpaceId:          string(space),
		Owner:            string(owner),
		ContextPredicate: pred.Context,
		PayloadRef:       payloadRef,
		NextEvalTs:       pred.At,
		CreatedTs:        cit.NowMs(),
	}
	err = stores.WithTx(ctx, func(tx *sql.Tx) error {
		return stores.Prospective.ScheduleTx(tx, t)
	})
	return id, err
}

// Cancel transitions a trigger out of the active DAG early.
func (r *Runner) Cancel(ctx context.Context, space cit.SpaceId, triggerID string) error {
	stores, err := r.stores(space)
	if err != nil {
		return fmt.Errorf("prospective: resolve stores: %w", err)
	}
	return stores.WithTx(ctx, func(tx *sql.Tx) error {
		return stores.Prospective.CancelTx(tx, triggerID)
	})
}

// EvaluateSpace runs one due-queue pass: every SCHEDULED or ARMED trigger
// whose next_eval_ts has passed is armed (if not already) and its context
// predicate checked against evalContext. A match fires the trigger exactly
// once (guarded by ProspectiveStore.FireTx's compare-and-swap) and emits a
// prospective.fired event; a non-match reschedules with jitter.
func (r *Runner) EvaluateSpace(ctx context.Context, space cit.SpaceId, now int64, evalContext map[string]string) (*Summary, error) {
	stores, err := r.stores(space)
	if err != nil {
		return nil, fmt.Errorf("prospective: resolve stores: %w", err)
	}

	var due []*store.ProspectiveTrigger
	err = stores.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		due, err = stores.Prospective.DueTx(tx, string(space), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prospective: load due triggers: %w", err)
	}

	summary := &Summary{Considered: len(due)}
	for _, t := range due {
		fired, armed, err := r.evaluateOne(ctx, stores, t, now, evalContext)
		if err != nil {
			r.hooks.Event("prs.evaluate.failed", map[string]any{"trigger_id": t.Id, "error": err.Error()})
			continue
		}
		if armed {
			summary.Armed++
		}
		if fired {
			summary.Fired++
			r.emitFired(ctx, space, t)
		} else {
			summary.Rescheduled++
		}
	}
	return summary, nil
}

func (r *Runner) evaluateOne(ctx context.Context, stores *store.SpaceStores, t *store.ProspectiveTrigger, now int64, evalContext map[string]string) (fired bool, armed bool, err error) {
	err = stores.WithTx(ctx, func(tx *sql.Tx) error {
		if t.State == store.TriggerScheduled {
			if err := stores.Prospective.ArmTx(tx, t.Id); err != nil {
				return err
			}
			armed = true
		}

		if !contextMatches(t.ContextPredicate, evalContext) {
			next := now + jitter(r.cfg.ReEvalInterval, r.cfg.JitterFrac)
			return stores.Prospective.RescheduleTx(tx, t.Id, next)
		}

		ok, err := stores.Prospective.FireTx(tx, t.Id)
		fired = ok
		return err
	})
	return fired, armed, err
}

// contextMatches reports whether every key/value in pred is present with an
// equal value in ctx (subset match). An empty predicate is a time-only
// trigger and always matches once armed.
func contextMatches(pred, ctx map[string]string) bool {
	for k, v := range pred {
		if ctx[k] != v {
			return false
		}
	}
	return true
}

// jitter returns interval (in milliseconds, matching next_eval_ts's scale)
// randomized by ±fraction, so triggers sharing a re-eval cadence don't all
// wake in the same instant (§4.12).
func jitter(interval time.Duration, fraction float64) int64 {
	ms := interval.Milliseconds()
	if ms <= 0 {
		return 0
	}
	spread := float64(ms) * fraction
	delta := (rand.Float64()*2 - 1) * spread
	return ms + int64(delta)
}

func (r *Runner) emitFired(ctx context.Context, space cit.SpaceId, t *store.ProspectiveTrigger) {
	if r.bus == nil {
		return
	}
	env := &bus.Envelope{
		Id:            "evt_prs_" + t.Id,
		Ts:            cit.NowMs(),
		Topic:         bus.TopicProspective,
		Actor:         cit.UserId(t.Owner),
		Device:        "prs",
		Space:         space,
		PolicyVersion: "prs-v1",
		QoS:           "at_least_once",
		Payload:       []byte(t.PayloadRef),
	}
	if err := r.bus.Publish(ctx, env); err != nil {
		r.hooks.Event("prs.emit_failed", map[string]any{"trigger_id": t.Id, "error": err.Error()})
	}
}
