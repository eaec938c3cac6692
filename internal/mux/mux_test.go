package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/carlosrabelo/agentpool/internal/downstream"
	"github.com/carlosrabelo/agentpool/internal/session"
	"github.com/carlosrabelo/agentpool/internal/upstream"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// fakePool accepts exactly one connection and answers subscribe then
// authorize, then blocks forever on reads so the resulting
// upstream.Client stays Authenticated.
func fakePool(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		var req map[string]interface{}
		_ = json.Unmarshal([]byte(line), &req)
		fmt.Fprintf(conn, `{"id":%v,"result":[[["mining.set_difficulty","1"],["mining.notify","1"]],"aabbccdd",8],"error":null}`+"\n", req["id"])

		line, err = r.ReadString('\n')
		if err != nil {
			return
		}
		_ = json.Unmarshal([]byte(line), &req)
		fmt.Fprintf(conn, `{"id":%v,"result":true,"error":null}`+"\n", req["id"])

		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func connectedUpstream(t *testing.T, idx uint8, sink upstream.Sink) *upstream.Client {
	t.Helper()
	addr, stop := fakePool(t)
	t.Cleanup(stop)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	c := upstream.New(idx, upstream.Config{Host: host, Port: port, User: "worker.1"}, sink, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func newTestSession(t *testing.T, id session.ID, alloc *session.Allocator, binder downstream.Binder) *downstream.Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	s := downstream.New(server, id, alloc, binder, nil, testLogger())
	_ = client
	return s
}

func TestBindPicksLeastLoaded(t *testing.T) {
	m := New(testLogger(), nil)
	a := connectedUpstream(t, 0, m)
	b := connectedUpstream(t, 1, m)
	m.SetUpstream(0, a)
	m.SetUpstream(1, b)

	alloc := session.New()

	for i := 0; i < 2; i++ {
		id, err := alloc.Alloc()
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		s := newTestSession(t, id, alloc, m)
		handle, err := m.Bind(s)
		if err != nil {
			t.Fatalf("bind: %v", err)
		}
		_ = handle
	}

	if len(m.bound[0]) != 1 || len(m.bound[1]) != 1 {
		t.Errorf("expected bindings split evenly, got %d/%d", len(m.bound[0]), len(m.bound[1]))
	}
}

func TestUpstreamLostDestroysBoundSessions(t *testing.T) {
	m := New(testLogger(), nil)
	a := connectedUpstream(t, 0, m)
	m.SetUpstream(0, a)

	alloc := session.New()
	id, err := alloc.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	s := newTestSession(t, id, alloc, m)
	if _, err := m.Bind(s); err != nil {
		t.Fatalf("bind: %v", err)
	}

	m.UpstreamLost(0)

	if len(m.bound[0]) != 0 {
		t.Errorf("expected no bindings left after UpstreamLost, got %d", len(m.bound[0]))
	}
	if alloc.Count() != 0 {
		t.Errorf("expected session id freed after destroy, count=%d", alloc.Count())
	}
}
