// Package mux implements the fan-out/fan-in multiplexer that binds
// downstream sessions to upstream clients and routes notify,
// difficulty, and share traffic between them.
package mux

import (
	"fmt"
	"log"
	"sync"

	"github.com/carlosrabelo/agentpool/internal/downstream"
	"github.com/carlosrabelo/agentpool/internal/upstream"
)

// Metrics receives upstream connectivity and traffic events. Satisfied
// by *metrics.Collector without this package importing it.
type Metrics interface {
	SetUpstreamConnected(idx uint8, connected bool)
	RecordNotify()
	RecordDifficulty(diff uint64)
}

type nopMetrics struct{}

func (nopMetrics) SetUpstreamConnected(uint8, bool) {}
func (nopMetrics) RecordNotify()                    {}
func (nopMetrics) RecordDifficulty(uint64)          {}

// Mux owns the N upstream clients and the binding table from downstream
// session id to the upstream it is registered with.
type Mux struct {
	log     *log.Logger
	metrics Metrics

	mu        sync.RWMutex
	upstreams map[uint8]*upstream.Client
	bound     map[uint8]map[uint16]*downstream.Session // upstream idx -> session id -> session

	lostCh chan uint8
}

// New builds an empty Mux. Upstream slots are registered with
// SetUpstream as the Supervisor brings them up. metrics may be nil.
func New(logger *log.Logger, metrics Metrics) *Mux {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Mux{
		log:       logger,
		metrics:   metrics,
		upstreams: make(map[uint8]*upstream.Client),
		bound:     make(map[uint8]map[uint16]*downstream.Session),
		lostCh:    make(chan uint8, 8),
	}
}

// LostSlots is a channel of upstream indices whose clients have torn
// down; the Supervisor consumes it to recreate slots.
func (m *Mux) LostSlots() <-chan uint8 {
	return m.lostCh
}

// SetUpstream installs or replaces the client for slot idx.
func (m *Mux) SetUpstream(idx uint8, c *upstream.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreams[idx] = c
	if _, ok := m.bound[idx]; !ok {
		m.bound[idx] = make(map[uint16]*downstream.Session)
	}
	m.metrics.SetUpstreamConnected(idx, true)
}

// RemoveUpstream drops slot idx from the routing table entirely. Nothing
// in this module calls it; the recreate-on-loss path (UpstreamLost)
// instead keeps the slot key present with an empty binding set.
func (m *Mux) RemoveUpstream(idx uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.upstreams, idx)
	delete(m.bound, idx)
	m.metrics.SetUpstreamConnected(idx, false)
}

// AuthenticatedUpstreams returns the slots currently able to accept new
// bindings.
func (m *Mux) AuthenticatedUpstreams() []*upstream.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*upstream.Client, 0, len(m.upstreams))
	for _, c := range m.upstreams {
		if c.State() == upstream.StateAuthenticated {
			out = append(out, c)
		}
	}
	return out
}

// HasAuthenticated reports whether slot idx currently holds an
// authenticated client.
func (m *Mux) HasAuthenticated(idx uint8) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.upstreams[idx]
	return ok && c.State() == upstream.StateAuthenticated
}

// AllAvailable reports whether every registered upstream slot is ready
// (§4.7 startup gate).
func (m *Mux) AllAvailable(n int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.upstreams) < n {
		return false
	}
	for _, c := range m.upstreams {
		if !c.IsAvailable() {
			return false
		}
	}
	return true
}

// Bind selects the least-loaded authenticated upstream (ties broken by
// lowest index) for s, registers s with it via a REGISTER_WORKER
// ex-frame, and records the binding (§4.6). This runs at authorize
// time, not accept time, per the spec's deliberate correction of the
// legacy hardcoded-upstream-0 behavior.
func (m *Mux) Bind(s *downstream.Session) (downstream.UpstreamHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *upstream.Client
	var bestIdx uint8
	bestLoad := -1
	for idx, c := range m.upstreams {
		if c.State() != upstream.StateAuthenticated {
			continue
		}
		load := len(m.bound[idx])
		if bestLoad == -1 || load < bestLoad || (load == bestLoad && idx < bestIdx) {
			best = c
			bestIdx = idx
			bestLoad = load
		}
	}
	if best == nil {
		return nil, fmt.Errorf("mux: no authenticated upstream available")
	}

	if err := best.RegisterWorker(uint16(s.ID), s.Agent(), s.Worker()); err != nil {
		return nil, fmt.Errorf("mux: register worker: %w", err)
	}

	if m.bound[bestIdx] == nil {
		m.bound[bestIdx] = make(map[uint16]*downstream.Session)
	}
	m.bound[bestIdx][uint16(s.ID)] = s
	return best, nil
}

// Unbind removes s from its upstream's binding table and emits
// UNREGISTER_WORKER. Safe to call even if the upstream already tore
// down (best-effort, matching the teacher's "never block teardown on a
// dead peer" posture).
func (m *Mux) Unbind(s *downstream.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, sessions := range m.bound {
		if _, ok := sessions[uint16(s.ID)]; ok {
			delete(sessions, uint16(s.ID))
			if c, ok := m.upstreams[idx]; ok {
				c.UnregisterWorker(uint16(s.ID))
			}
			return
		}
	}
}

// BroadcastDiff fans a difficulty update out to every session bound to
// upstream idx, coalescing identical values per session.
func (m *Mux) BroadcastDiff(idx uint8, diff uint64) {
	m.metrics.RecordDifficulty(diff)
	for _, s := range m.snapshotBound(idx) {
		if err := s.SendDiff(diff); err != nil {
			m.log.Printf("mux: send diff to session %d: %v", s.ID, err)
		}
	}
}

// BroadcastNotify fans a raw mining.notify line out, unaltered, to
// every Authenticated session bound to upstream idx.
func (m *Mux) BroadcastNotify(idx uint8, line string) {
	m.metrics.RecordNotify()
	for _, s := range m.snapshotBound(idx) {
		if s.State() != downstream.StateAuthenticated {
			continue
		}
		if err := s.SendNotify(line); err != nil {
			m.log.Printf("mux: send notify to session %d: %v", s.ID, err)
		}
	}
}

func (m *Mux) snapshotBound(idx uint8) []*downstream.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.bound[idx]
	out := make([]*downstream.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// UpstreamLost destroys every session bound to idx (I-5) before
// reporting the slot as free for the Supervisor to recreate.
func (m *Mux) UpstreamLost(idx uint8) {
	m.metrics.SetUpstreamConnected(idx, false)

	m.mu.Lock()
	sessions := m.bound[idx]
	m.bound[idx] = make(map[uint16]*downstream.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}

	select {
	case m.lostCh <- idx:
	default:
		m.log.Printf("mux: lost-slot channel full, dropping notice for upstream %d", idx)
	}
}
