// Package supervisor keeps the configured upstream pool connections
// alive: it brings them up at startup, gates downstream accepts until
// all are ready, and reconnects any that are lost.
package supervisor

import (
	"context"
	"log"
	"time"

	"github.com/carlosrabelo/agentpool/internal/connection"
	"github.com/carlosrabelo/agentpool/internal/mux"
	"github.com/carlosrabelo/agentpool/internal/upstream"
)

// startupTick is how often readiness is polled before all upstreams are
// available (§4.7).
const startupTick = 1 * time.Second

// watchTick is the steady-state reconnect poll interval.
const watchTick = 10 * time.Second

// backoffMin/backoffMax bound the jittered delay between dial attempts
// for a single slot, reusing the teacher's Backoff helper.
const backoffMin = 1 * time.Second
const backoffMax = 30 * time.Second

// Supervisor owns the N configured upstream slots.
type Supervisor struct {
	log     *log.Logger
	mux     *mux.Mux
	configs []upstream.Config

	ready chan struct{}
}

// New builds a Supervisor for the given ordered pool configs; len(cfgs)
// is N (I-6): one upstream slot per configured pool, and each slot only
// ever dials its own pool. There is no default slot count and no
// failover from one configured pool to the next.
func New(m *mux.Mux, cfgs []upstream.Config, logger *log.Logger) *Supervisor {
	return &Supervisor{
		log:     logger,
		mux:     m,
		configs: cfgs,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once every configured upstream slot has reported
// available for the first time; the Agent's accept loop waits on it.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Run brings up every slot, signals Ready once all are available, then
// alternates between watching for lost slots and a steady 10s
// reconnect sweep until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for idx := range s.configs {
		s.startSlot(ctx, uint8(idx))
	}

	s.waitUntilAllAvailable(ctx)

	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()
	lost := s.mux.LostSlots()

	for {
		select {
		case <-ctx.Done():
			return
		case idx := <-lost:
			s.log.Printf("supervisor: upstream %d lost, will retry", idx)
			go s.reconnectSlot(ctx, idx)
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// waitUntilAllAvailable ticks every 1s until every slot reports
// available, then closes s.ready exactly once.
func (s *Supervisor) waitUntilAllAvailable(ctx context.Context) {
	ticker := time.NewTicker(startupTick)
	defer ticker.Stop()
	for {
		if s.mux.AllAvailable(len(s.configs)) {
			close(s.ready)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep recreates any slot whose client is not currently authenticated.
// Surviving upstreams keep serving accepts while this runs.
func (s *Supervisor) sweep(ctx context.Context) {
	for idx := range s.configs {
		go s.reconnectIfDown(ctx, uint8(idx))
	}
}

func (s *Supervisor) reconnectIfDown(ctx context.Context, idx uint8) {
	if s.mux.HasAuthenticated(idx) {
		return
	}
	s.reconnectSlot(ctx, idx)
}

func (s *Supervisor) startSlot(ctx context.Context, idx uint8) {
	go s.reconnectSlot(ctx, idx)
}

// reconnectSlot dials and negotiates slot idx, retrying with jittered
// backoff until it succeeds or ctx is cancelled.
func (s *Supervisor) reconnectSlot(ctx context.Context, idx uint8) {
	cfg := s.configs[idx]
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c := upstream.New(idx, cfg, s.mux, s.log)
		if err := c.Connect(ctx); err != nil {
			s.log.Printf("supervisor: upstream %d: %v", idx, err)
			delay := connection.Backoff(backoffMin, backoffMax)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		s.mux.SetUpstream(idx, c)
		s.log.Printf("supervisor: upstream %d authenticated", idx)
		return
	}
}
