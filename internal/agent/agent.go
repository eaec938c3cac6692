// Package agent wires the session allocator, multiplexer, and
// supervisor into a running proxy: it owns the downstream listener and
// the ops HTTP surface (/healthz, /status, /metrics).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrabelo/agentpool/internal/config"
	"github.com/carlosrabelo/agentpool/internal/downstream"
	"github.com/carlosrabelo/agentpool/internal/metrics"
	"github.com/carlosrabelo/agentpool/internal/mux"
	"github.com/carlosrabelo/agentpool/internal/ratelimit"
	"github.com/carlosrabelo/agentpool/internal/session"
	"github.com/carlosrabelo/agentpool/internal/supervisor"
	"github.com/carlosrabelo/agentpool/internal/upstream"
	pkgmetrics "github.com/carlosrabelo/agentpool/pkg/metrics"
)

// reportInterval is how often the session and share-count summary is
// logged.
const reportInterval = 60 * time.Second

// Agent ties every component together into a runnable proxy.
type Agent struct {
	cfg *config.Config
	log *log.Logger

	alloc      *session.Allocator
	mux        *mux.Mux
	supervisor *supervisor.Supervisor
	limiter    *ratelimit.Limiter
	collector  *metrics.Collector
	httpReqs   *pkgmetrics.Metrics
}

// New builds an Agent from a loaded Config. It does not dial upstreams
// or open the downstream listener; call Run for that.
func New(cfg *config.Config, logger *log.Logger) *Agent {
	collector := metrics.NewCollector()
	m := mux.New(logger, collector)

	pools := make([]upstream.Config, len(cfg.Pools))
	for i, p := range cfg.Pools {
		pools[i] = upstream.Config{
			Host:  p.Host,
			Port:  p.Port,
			User:  cfg.PoolUser,
			Pass:  cfg.PoolPass,
			Socks: p.Socks,
		}
	}

	sup := supervisor.New(m, pools, logger)

	return &Agent{
		cfg:        cfg,
		log:        logger,
		alloc:      session.New(),
		mux:        m,
		supervisor: sup,
		limiter:    ratelimit.NewLimiter(&cfg.RateLimit),
		collector:  collector,
		httpReqs:   pkgmetrics.New(),
	}
}

// Run brings upstreams up, gates the downstream listener on the
// Supervisor's readiness signal (§4.7), and serves until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	metrics.NewExporter("agentpool", len(a.cfg.Pools), a.collector)

	go a.supervisor.Run(ctx)
	go a.reportLoop(ctx)

	select {
	case <-a.supervisor.Ready():
		a.log.Printf("agent: all %d upstream(s) available, accepting downstream connections", len(a.cfg.Pools))
	case <-ctx.Done():
		return ctx.Err()
	}

	if a.cfg.HTTPListen != "" {
		go a.serveHTTP(ctx)
	}

	return a.acceptLoop(ctx)
}

func (a *Agent) acceptLoop(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.AgentListenIP, strconv.Itoa(a.cfg.AgentListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", addr, err)
	}
	a.log.Printf("agent: listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Printf("agent: accept: %v", err)
			continue
		}
		go a.handleConn(conn)
	}
}

func (a *Agent) handleConn(conn net.Conn) {
	if a.limiter.IsBanned(conn.RemoteAddr()) || !a.limiter.AllowConnection(conn.RemoteAddr()) {
		_ = conn.Close()
		return
	}
	defer a.limiter.ReleaseConnection(conn.RemoteAddr())

	if a.alloc.Count() >= a.cfg.MaxSessions {
		_ = conn.Close()
		return
	}

	id, err := a.alloc.Alloc()
	if err != nil {
		a.log.Printf("agent: session allocator: %v", err)
		_ = conn.Close()
		return
	}
	a.collector.SetFreeSessionIDs(session.MaxID + 1 - a.alloc.Count())

	sess := downstream.New(conn, id, a.alloc, a.mux, a.collector, a.log)
	sess.Run()
	a.collector.SetFreeSessionIDs(session.MaxID + 1 - a.alloc.Count())
}

func (a *Agent) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.collector.Snapshot()
			a.log.Printf("agent: sessions=%d free_ids=%d upstreams=%v shares=%v",
				snap.SessionsActive, snap.SessionIDsFree, snap.UpstreamConnected, snap.UpstreamShares)
		}
	}
}

func (a *Agent) serveHTTP(ctx context.Context) {
	router := http.NewServeMux()
	router.HandleFunc("/healthz", a.handleHealthz)
	router.HandleFunc("/status", a.handleStatus)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: a.cfg.HTTPListen, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Printf("agent: http listening on %s", a.cfg.HTTPListen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Printf("agent: http server: %v", err)
	}
}

func (a *Agent) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.httpReqs.IncrementRequests()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.httpReqs.IncrementRequests()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.collector.Snapshot()); err != nil {
		a.httpReqs.IncrementErrors()
	}
}
