// Package supervisor drives the Trade Engine: a timer producer feeds
// admission and maintenance work, and the exchange client's private
// WebSocket feeds execution events. Both are funneled through one
// bounded FIFO queue so the engine processes every state mutation as a
// single serialized actor, exactly as the concurrency model requires.
package supervisor

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"tradeengine/internal/engine"
	"tradeengine/internal/tradestate"
	"tradeengine/internal/xchg"
)

const defaultQueueCapacity = 256

// Engine is the subset of *engine.Engine the supervisor drives.
type Engine interface {
	AdmitSignal(sig tradestate.Signal, now time.Time) (engine.AdmissionResult, error)
	HandleEvent(ev xchg.Event, now time.Time) error
	RunMaintenance(now time.Time)
}

// SignalSource is the subset of signalintake.Source the supervisor
// drains once per timer tick.
type SignalSource interface {
	Signals() <-chan tradestate.Signal
	Err() <-chan error
}

// EventStream is the subset of *xchg.WS the supervisor drives as the
// execution producer.
type EventStream interface {
	Stream(ctx context.Context, events chan<- xchg.Event, errs chan<- error) error
}

type itemKind int

const (
	itemSignal itemKind = iota
	itemEvent
	itemMaintenance
)

type item struct {
	kind   itemKind
	signal tradestate.Signal
	event  xchg.Event
	at     time.Time
}

// Supervisor owns the bounded FIFO and the two producer goroutines,
// and drives the engine from the single consumer loop in Run.
type Supervisor struct {
	engine  Engine
	signals SignalSource
	stream  EventStream
	store   *tradestate.Store

	pollInterval  time.Duration
	pollJitterMax time.Duration

	queue chan item
	now   func() time.Time
}

// New builds a Supervisor with the default queue capacity.
func New(eng Engine, signals SignalSource, stream EventStream, store *tradestate.Store, pollInterval, pollJitterMax time.Duration) *Supervisor {
	return &Supervisor{
		engine:        eng,
		signals:       signals,
		stream:        stream,
		store:         store,
		pollInterval:  pollInterval,
		pollJitterMax: pollJitterMax,
		queue:         make(chan item, defaultQueueCapacity),
		now:           time.Now,
	}
}

// Run drives the engine until ctx is cancelled. On cancellation it
// stops admitting new work, drains whatever is already queued, and
// persists the final state before returning — the cooperative
// shutdown the concurrency model requires.
func (s *Supervisor) Run(ctx context.Context) error {
	wsEvents := make(chan xchg.Event, 64)
	wsErrs := make(chan error, 8)

	go func() {
		if err := s.stream.Stream(ctx, wsEvents, wsErrs); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("execution stream ended unexpectedly")
		}
	}()

	go s.pumpEvents(ctx, wsEvents)
	go s.pumpStreamErrors(ctx, wsErrs)
	go s.pumpSignalErrors(ctx)
	go s.pumpTimer(ctx)

	for {
		select {
		case it := <-s.queue:
			s.process(it)
		case <-ctx.Done():
			s.drain()
			if err := s.store.Save(); err != nil {
				log.Error().Err(err).Msg("failed to persist state during shutdown")
				return err
			}
			return nil
		}
	}
}

func (s *Supervisor) pumpEvents(ctx context.Context, events <-chan xchg.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			select {
			case s.queue <- item{kind: itemEvent, event: ev, at: s.now()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) pumpStreamErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			log.Warn().Err(err).Msg("execution stream reported an error")
		}
	}
}

func (s *Supervisor) pumpSignalErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.signals.Err():
			log.Warn().Err(err).Msg("signal intake reported an error")
		}
	}
}

// pumpTimer is the timer producer: every poll_seconds (plus uniform
// jitter), it drains whatever signals are waiting, enqueues each for
// admission, then enqueues one maintenance sweep — admission before
// maintenance, matching the order the engine must see them in.
func (s *Supervisor) pumpTimer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval + s.jitter()):
		}

		s.drainSignals(ctx)
		select {
		case s.queue <- item{kind: itemMaintenance, at: s.now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) jitter() time.Duration {
	if s.pollJitterMax <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(s.pollJitterMax) + 1))
}

func (s *Supervisor) drainSignals(ctx context.Context) {
	for {
		select {
		case sig, ok := <-s.signals.Signals():
			if !ok {
				return
			}
			select {
			case s.queue <- item{kind: itemSignal, signal: sig, at: s.now()}:
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}

func (s *Supervisor) process(it item) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered panic while processing queued item")
		}
	}()
	switch it.kind {
	case itemSignal:
		if _, err := s.engine.AdmitSignal(it.signal, it.at); err != nil {
			log.Error().Err(err).Str("symbol", it.signal.Symbol).Msg("admission failed")
		}
	case itemEvent:
		if err := s.engine.HandleEvent(it.event, it.at); err != nil {
			log.Error().Err(err).Str("order_link_id", it.event.OrderLinkID).Msg("event handling failed")
		}
	case itemMaintenance:
		s.engine.RunMaintenance(it.at)
	}
}

// drain processes whatever is already queued without blocking, for
// cooperative shutdown.
func (s *Supervisor) drain() {
	for {
		select {
		case it := <-s.queue:
			s.process(it)
		default:
			return
		}
	}
}
