package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/carlosrabelo/agentpool/internal/config"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakePool accepts one connection, negotiates subscribe/authorize,
// pushes one mining.notify (an upstream is only available once it has a
// cached notify), and then holds the line open.
func fakePool(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakePool listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		// mining.subscribe
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		var req map[string]interface{}
		_ = json.Unmarshal([]byte(line), &req)
		resp := fmt.Sprintf(`{"id":%v,"result":[[["mining.set_difficulty","1"],["mining.notify","1"]],"aabbccdd",8],"error":null}`+"\n", req["id"]) // extranonce2_size=8
		_, _ = conn.Write([]byte(resp))

		// mining.authorize
		line, err = r.ReadString('\n')
		if err != nil {
			return
		}
		_ = json.Unmarshal([]byte(line), &req)
		resp = fmt.Sprintf(`{"id":%v,"result":true,"error":null}`+"\n", req["id"])
		_, _ = conn.Write([]byte(resp))

		// mining.notify, so the upstream becomes available
		_, _ = conn.Write([]byte(`{"id":null,"method":"mining.notify","params":["01","prevhash","cb1","cb2",[],"20000000","1d00ffff","5e000000",true]}` + "\n"))

		// keep the connection open; ignore anything further (ex-frames etc.)
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestAgentAcceptsDownstreamOnceUpstreamsReady(t *testing.T) {
	addr := fakePool(t)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	cfg := &config.Config{
		AgentListenIP:   "127.0.0.1",
		AgentListenPort: 0,
		Pools: []config.Pool{
			{Host: host, Port: port},
		},
		PoolUser:     "worker.rig1",
		MaxSessions:  10,
		BackoffMinMs: 50,
		BackoffMaxMs: 200,
	}
	cfg.RateLimit.MaxConnectionsPerIP = 100
	cfg.RateLimit.MaxConnectionsPerMinute = 100
	cfg.RateLimit.BanDurationSeconds = 1
	cfg.RateLimit.CleanupIntervalSeconds = 60

	a := New(cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, listenPort, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	fmt.Sscanf(listenPort, "%d", &cfg.AgentListenPort)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var conn net.Conn
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.AgentListenPort))
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("could not connect to agent listener: %v", err)
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["testminer/1.0"]}` + "\n"))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading subscribe response: %v", err)
	}
	if !strings.Contains(line, "mining.set_difficulty") {
		t.Errorf("subscribe response missing set_difficulty: %s", line)
	}

	_, _ = conn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["worker.rig1","x"]}` + "\n"))
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading authorize response: %v", err)
	}
	if !strings.Contains(line, `"result":true`) {
		t.Errorf("authorize should succeed: %s", line)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not shut down in time")
	}
}
