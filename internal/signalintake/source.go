// Package signalintake defines the contract the Trade Engine depends on
// to receive accepted trade signals, plus a reference adapter that
// applies the admission-time filters the spec assigns to this layer.
// Chat-transport ingestion and natural-language parsing of signal text
// remain out of scope; FilteringSource exercises the filtering contract
// against any upstream channel of already-parsed signals.
package signalintake

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"tradeengine/internal/tradestate"
)

// Source is what the Trade Engine depends on to receive signals.
type Source interface {
	Signals() <-chan tradestate.Signal
	Err() <-chan error
}

// StateView is the narrow read surface FilteringSource needs from the
// state store to enforce admission caps and dedup; satisfied by
// *tradestate.Store.
type StateView interface {
	OpenTradeCount() int
	DailyCount(now time.Time) int
	HasFingerprint(fp string) bool
}

// FilteringSource wraps a raw upstream channel of parsed signals and
// applies concurrent_trades/daily_trades caps, fingerprint dedup against
// seen_fingerprints, and max_lag_sec staleness discard — exactly the
// filters the spec assigns to the signal intake adapter — before
// forwarding a signal to the engine.
type FilteringSource struct {
	upstream <-chan tradestate.Signal
	state    StateView

	maxConcurrentTrades int
	maxTradesPerDay     int
	maxLag              time.Duration

	out  chan tradestate.Signal
	errs chan error
	now  func() time.Time
}

// NewFilteringSource builds a FilteringSource over upstream, enforcing
// the given admission caps and staleness window.
func NewFilteringSource(upstream <-chan tradestate.Signal, state StateView, maxConcurrentTrades, maxTradesPerDay int, maxLag time.Duration) *FilteringSource {
	return &FilteringSource{
		upstream:            upstream,
		state:               state,
		maxConcurrentTrades: maxConcurrentTrades,
		maxTradesPerDay:     maxTradesPerDay,
		maxLag:              maxLag,
		out:                 make(chan tradestate.Signal, 64),
		errs:                make(chan error, 8),
		now:                 time.Now,
	}
}

// Signals returns the channel of signals that passed every filter.
func (f *FilteringSource) Signals() <-chan tradestate.Signal { return f.out }

// Err returns the channel filter/upstream errors are reported on.
func (f *FilteringSource) Err() <-chan error { return f.errs }

// Run drains upstream, applying filters, until ctx is cancelled or
// upstream closes. It is meant to run in its own goroutine.
func (f *FilteringSource) Run(ctx context.Context) {
	defer close(f.out)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-f.upstream:
			if !ok {
				return
			}
			if reason, admit := f.shouldAdmit(sig); admit {
				select {
				case f.out <- sig:
				case <-ctx.Done():
					return
				}
			} else {
				log.Debug().Str("symbol", sig.Symbol).Str("fingerprint", sig.Fingerprint).Str("reason", reason).Msg("signal filtered at intake")
			}
		}
	}
}

func (f *FilteringSource) shouldAdmit(sig tradestate.Signal) (reason string, ok bool) {
	if f.state.HasFingerprint(sig.Fingerprint) {
		return "duplicate fingerprint", false
	}
	if f.maxLag > 0 && f.now().Sub(sig.ReceivedAt) > f.maxLag {
		return "stale signal", false
	}
	if f.maxConcurrentTrades > 0 && f.state.OpenTradeCount() >= f.maxConcurrentTrades {
		return "concurrent trade cap reached", false
	}
	if f.maxTradesPerDay > 0 && f.state.DailyCount(f.now()) >= f.maxTradesPerDay {
		return "daily trade cap reached", false
	}
	return "", true
}
