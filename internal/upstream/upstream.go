// Package upstream implements the per-pool stratum client: a scripted
// subscribe/authorize negotiation, job and difficulty caching, and the
// binary ex-frame multiplex channel shared by every downstream session
// bound to this pool.
package upstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/carlosrabelo/agentpool/internal/exframe"
	"github.com/carlosrabelo/agentpool/internal/proxysocks"
	"github.com/carlosrabelo/agentpool/internal/stratum"
	"github.com/carlosrabelo/agentpool/internal/wire"
)

// State is an UpstreamClient's position in its scripted negotiation.
type State int32

const (
	StateInit State = iota
	StateConnected
	StateSubscribed
	StateAuthenticated
)

// upExtranonce2Size is the extranonce2 width the Agent demands of every
// upstream pool; a mismatched subscribe response is fatal (§4.5).
const upExtranonce2Size = 8

// jobWindowSize is the number of recent {jobID, gbtTime} pairs retained
// for stale-job submit decisions.
const jobWindowSize = 3

// Config is the per-pool dial and auth configuration.
type Config struct {
	Host  string
	Port  int
	User  string
	Pass  string
	Socks proxysocks.Config // Enabled=false dials direct
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// jobEntry is one slot of the 3-entry job window.
type jobEntry struct {
	jobID   uint8
	gbtTime uint32
	valid   bool
}

// Sink receives events a Client can't act on by itself: broadcasting to
// bound downstream sessions and reporting this upstream's loss so the
// Supervisor can recreate the slot. Implemented by the Multiplexer.
type Sink interface {
	BroadcastDiff(idx uint8, diff uint64)
	BroadcastNotify(idx uint8, line string)
	UpstreamLost(idx uint8)
}

// Client is a single upstream pool connection.
type Client struct {
	idx uint8
	cfg Config
	log *log.Logger
	sink Sink

	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer

	state atomic.Int32

	extraNonce1 uint32

	cacheMu       sync.RWMutex
	latestNotify  string
	haveNotify    bool
	latestDiff    uint64
	haveDiff      bool
	jobWindow     [jobWindowSize]jobEntry
	jobWindowNext int

	writeMu sync.Mutex
}

// New constructs a Client for upstream slot idx. It does not dial.
func New(idx uint8, cfg Config, sink Sink, logger *log.Logger) *Client {
	return &Client{
		idx:  idx,
		cfg:  cfg,
		sink: sink,
		log:  logger,
	}
}

// Idx returns this client's upstream slot index.
func (c *Client) Idx() uint8 { return c.idx }

// State returns the current negotiation state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsAvailable reports whether this upstream is ready to serve
// downstream traffic: authenticated and holding at least one cached
// mining.notify.
func (c *Client) IsAvailable() bool {
	if c.State() != StateAuthenticated {
		return false
	}
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.haveNotify
}

// Connect dials the pool (optionally through a SOCKS5 proxy), then runs
// the scripted subscribe/authorize negotiation. On success it spawns
// the background read loop and returns; on failure the client is left
// in StateInit so the Supervisor can retry.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("upstream[%d]: dial: %w", c.idx, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))

	br := bufio.NewReader(conn)
	lr := wire.NewLineReader(br)

	if err := c.negotiate(br, lr); err != nil {
		c.closeConn()
		c.state.Store(int32(StateInit))
		return fmt.Errorf("upstream[%d]: negotiate: %w", c.idx, err)
	}

	c.state.Store(int32(StateAuthenticated))
	go c.readLoop(br, lr)
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr := c.cfg.addr()
	dialer, err := proxysocks.NewProxyDialer(&c.cfg.Socks)
	if err != nil {
		return nil, err
	}
	// IPv4 only: the pool host resolves to IPv4 records.
	return dialer.DialContext(ctx, "tcp4", addr)
}

// negotiate runs the fixed subscribe-then-authorize script against a
// freshly dialed connection, synchronously, before any background
// reader exists.
func (c *Client) negotiate(br *bufio.Reader, lr *wire.LineReader) error {
	if err := c.sendRaw(stratum.Message{ID: int64p(1), Method: stratum.MethodSubscribe, Params: []interface{}{"agentpool/1.0"}}); err != nil {
		return err
	}
	resp, err := readOneResponse(lr)
	if err != nil {
		return err
	}
	info := stratum.ParseExtranonceResult(resp.Result)
	if !info.Valid {
		return fmt.Errorf("malformed subscribe result")
	}
	ex1, err := parseHexUint32(info.Extranonce1)
	if err != nil {
		return fmt.Errorf("bad extranonce1: %w", err)
	}
	if info.Extranonce2Size != upExtranonce2Size {
		return fmt.Errorf("extranonce2_size %d != %d", info.Extranonce2Size, upExtranonce2Size)
	}
	c.extraNonce1 = ex1
	c.state.Store(int32(StateSubscribed))

	if err := c.sendRaw(stratum.Message{ID: int64p(1), Method: stratum.MethodAuthorize, Params: []interface{}{c.cfg.User, c.cfg.Pass}}); err != nil {
		return err
	}
	resp, err = readOneResponse(lr)
	if err != nil {
		return err
	}
	ok, _ := resp.Result.(bool)
	if !ok || resp.Error != nil {
		return fmt.Errorf("authorize rejected: %v", resp.Error)
	}
	return nil
}

func readOneResponse(lr *wire.LineReader) (*stratum.Message, error) {
	line, err := lr.ReadFrame()
	if line == "" && err != nil {
		return nil, err
	}
	var msg stratum.Message
	if jerr := json.Unmarshal([]byte(strings.TrimRight(line, "\r\n")), &msg); jerr != nil {
		return nil, jerr
	}
	return &msg, nil
}

// readLoop demultiplexes the shared connection: lines starting with the
// ex-frame magic byte are binary MINING_SET_DIFF frames from the pool;
// everything else is a stratum JSON line (set_difficulty/notify
// notifications, or a response to a pending request).
func (c *Client) readLoop(br *bufio.Reader, lr *wire.LineReader) {
	defer c.tearDown()
	for {
		b, err := br.Peek(1)
		if err != nil {
			c.log.Printf("upstream[%d]: read: %v", c.idx, err)
			return
		}
		if b[0] == exframe.Magic {
			frame, err := readExFrame(br)
			if err != nil {
				c.log.Printf("upstream[%d]: bad ex-frame: %v", c.idx, err)
				return
			}
			if err := c.handleExFrame(frame); err != nil {
				c.log.Printf("upstream[%d]: %v", c.idx, err)
				return
			}
			continue
		}

		line, err := lr.ReadFrame()
		if line != "" {
			if herr := c.handleLine(strings.TrimRight(line, "\r\n")); herr != nil {
				c.log.Printf("upstream[%d]: %v", c.idx, herr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.Printf("upstream[%d]: read: %v", c.idx, err)
			}
			return
		}
	}
}

// readExFrame reads one complete ex-frame from br, which must currently
// be positioned at the magic byte.
func readExFrame(br *bufio.Reader) (*exframe.Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, err
	}
	if header[0] != exframe.Magic {
		return nil, exframe.ErrBadFrame
	}
	length := int(binary.LittleEndian.Uint16(header[2:4]))
	if length < 4 {
		return nil, exframe.ErrBadFrame
	}
	buf := make([]byte, length)
	copy(buf, header)
	if _, err := io.ReadFull(br, buf[4:]); err != nil {
		return nil, err
	}
	frame, _, err := exframe.Decode(buf)
	return frame, err
}

func (c *Client) handleExFrame(f *exframe.Frame) error {
	if f.Kind != exframe.KindSetDifficulty {
		return fmt.Errorf("unexpected ex-frame kind %s from pool", f.Kind)
	}
	sd, err := exframe.DecodeSetDifficulty(f.Payload)
	if err != nil {
		return err
	}
	// A targeted MINING_SET_DIFF (explicit session list) only updates
	// those sessions; the Multiplexer resolves session ids to sessions.
	// An empty session list means "all sessions on this upstream" and
	// doubles as the cached difficulty update.
	if len(sd.SessionIDs) == 0 {
		c.cacheMu.Lock()
		c.latestDiff = uint64(sd.Diff)
		c.haveDiff = true
		c.cacheMu.Unlock()
	}
	c.sink.BroadcastDiff(c.idx, uint64(sd.Diff))
	return nil
}

func (c *Client) handleLine(line string) error {
	var msg stratum.Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return fmt.Errorf("bad json from pool: %w", err)
	}

	if msg.ID != nil && msg.Method == "" {
		c.log.Printf("upstream[%d]: unexpected late response id=%d", c.idx, *msg.ID)
		return nil
	}

	switch msg.Method {
	case stratum.MethodSetDifficulty:
		diff := parseDiffParam(msg.Params)
		c.cacheMu.Lock()
		c.latestDiff = diff
		c.haveDiff = true
		c.cacheMu.Unlock()
		c.sink.BroadcastDiff(c.idx, diff)
	case stratum.MethodNotify:
		c.recordNotify(line, msg.Params)
		c.sink.BroadcastNotify(c.idx, line)
	default:
		c.log.Printf("upstream[%d]: unhandled method %q", c.idx, msg.Method)
	}
	return nil
}

func (c *Client) recordNotify(line string, params interface{}) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.latestNotify = line
	c.haveNotify = true

	p, ok := params.([]interface{})
	if !ok || len(p) < 1 {
		return
	}
	jobIDStr, _ := p[0].(string)
	jobID := parseHexByteStr(jobIDStr)
	var gbtTime uint32
	if len(p) >= 8 {
		if nt, ok := p[7].(string); ok {
			if v, err := strconv.ParseUint(nt, 16, 32); err == nil {
				gbtTime = uint32(v)
			}
		}
	}
	c.jobWindow[c.jobWindowNext] = jobEntry{jobID: jobID, gbtTime: gbtTime, valid: true}
	c.jobWindowNext = (c.jobWindowNext + 1) % jobWindowSize
}

// JobTime looks up the cached gbtTime for jobID in the 3-entry window.
func (c *Client) JobTime(jobID uint8) (uint32, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	for _, e := range c.jobWindow {
		if e.valid && e.jobID == jobID {
			return e.gbtTime, true
		}
	}
	return 0, false
}

// CachedDiff returns the last difficulty broadcast, if any.
func (c *Client) CachedDiff() (uint64, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.latestDiff, c.haveDiff
}

// CachedNotify returns the last raw mining.notify line, if any.
func (c *Client) CachedNotify() (string, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.latestNotify, c.haveNotify
}

// RegisterWorker emits a REGISTER_WORKER ex-frame for a newly
// authenticated downstream session.
func (c *Client) RegisterWorker(sessionID uint16, agent, worker string) error {
	return c.writeExFrame(exframe.EncodeRegisterWorker(exframe.RegisterWorker{
		SessionID:  sessionID,
		Agent:      agent,
		WorkerName: worker,
	}))
}

// UnregisterWorker emits an UNREGISTER_WORKER ex-frame on session
// teardown. Best-effort: errors are swallowed since the upstream may
// already be gone by the time this runs.
func (c *Client) UnregisterWorker(sessionID uint16) {
	_ = c.writeExFrame(exframe.EncodeUnregisterWorker(sessionID))
}

// SubmitShare emits a SUBMIT_SHARE or SUBMIT_SHARE_WITH_TIME ex-frame,
// per I-3 only meaningful while this client is Authenticated.
func (c *Client) SubmitShare(m exframe.SubmitShare) {
	if c.State() != StateAuthenticated {
		return
	}
	_ = c.writeExFrame(exframe.EncodeSubmitShare(m))
}

func (c *Client) writeExFrame(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	bw := c.bw
	c.mu.Unlock()
	if bw == nil {
		return fmt.Errorf("upstream[%d]: not connected", c.idx)
	}
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	return bw.Flush()
}

func (c *Client) sendRaw(msg stratum.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	bw := c.bw
	c.mu.Unlock()
	if bw == nil {
		return fmt.Errorf("upstream[%d]: not connected", c.idx)
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.Flush()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.bw = nil
	}
}

// tearDown marks the client dead and reports its loss, triggering the
// Multiplexer's cascading destruction of every session bound to it
// (I-5) and letting the Supervisor recreate the slot.
func (c *Client) tearDown() {
	c.state.Store(int32(StateInit))
	c.closeConn()
	c.sink.UpstreamLost(c.idx)
}

func int64p(v int64) *int64 { return &v }

func parseHexUint32(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

func parseHexByteStr(s string) uint8 {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func parseDiffParam(params interface{}) uint64 {
	p, ok := params.([]interface{})
	if !ok || len(p) == 0 {
		return 0
	}
	switch v := p[0].(type) {
	case float64:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	default:
		return 0
	}
}
