// Package events defines the observable events emitted by the liquidation
// engine and the price arbiter, and the Sink abstraction they are sent to.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindLiquidation            Kind = "liquidation"
	KindPositionLiquidated     Kind = "position_liquidated"
	KindPositionUpdated        Kind = "position_updated"
	KindOracleStatusChanged    Kind = "oracle_status_changed"
	KindLastGoodPriceUpdated   Kind = "last_good_price_updated"
	KindBoostParametersApplied Kind = "boost_parameters_applied"
)

// Event is a single emitted event. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind
	PositionID string
	Mode       string

	Debt  *uint256.Int
	Coll  *uint256.Int
	Stake *uint256.Int

	// Liquidation aggregate.
	CollGasCompensation *uint256.Int
	DebtGasCompensation *uint256.Int

	Status string
	Price  *uint256.Int

	// Boost parameter activation.
	Epoch              uint64
	MaxBoostMultiplier uint64
	MaxBoostablePct    uint64
	DecayBoostPct      uint64

	Timestamp time.Time
}

// Sink receives events. Emit must not block for long; it is called while the
// emitting component holds its lock.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range live {
			s.Emit(e)
		}
	})
}

// LogSink writes each event as a structured log line.
func LogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(e Event) {
		attrs := []any{"kind", string(e.Kind)}
		if e.PositionID != "" {
			attrs = append(attrs, "position", e.PositionID)
		}
		if e.Mode != "" {
			attrs = append(attrs, "mode", e.Mode)
		}
		if e.Debt != nil {
			attrs = append(attrs, "debt", e.Debt.Dec())
		}
		if e.Coll != nil {
			attrs = append(attrs, "coll", e.Coll.Dec())
		}
		if e.Status != "" {
			attrs = append(attrs, "status", e.Status)
		}
		if e.Price != nil {
			attrs = append(attrs, "price", e.Price.Dec())
		}
		if e.Kind == KindBoostParametersApplied {
			attrs = append(attrs,
				"epoch", e.Epoch,
				"max_boost_multiplier", e.MaxBoostMultiplier,
				"max_boostable_pct", e.MaxBoostablePct,
				"decay_boost_pct", e.DecayBoostPct,
			)
		}
		logger.Info("event", attrs...)
	})
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
