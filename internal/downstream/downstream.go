// Package downstream implements the per-miner stratum session state
// machine: subscribe, authorize, submit, with the exact reply shapes
// and error codes the miner side of the protocol expects.
package downstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosrabelo/agentpool/internal/exframe"
	"github.com/carlosrabelo/agentpool/internal/session"
	"github.com/carlosrabelo/agentpool/internal/stratum"
	"github.com/carlosrabelo/agentpool/internal/vardiff"
	"github.com/carlosrabelo/agentpool/internal/wire"
)

// State is a DownstreamSession's position in its state machine.
// Transitions are monotonic (I-2): no regressions.
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// ReadTimeout is the idle read deadline; exceeding it destroys the
// session (§5).
const ReadTimeout = 15 * time.Minute

// WriteTimeout bounds a single write to the miner.
const WriteTimeout = 120 * time.Second

// maxAgentLen truncates the advertised miner agent string.
const maxAgentLen = 30

// UpstreamHandle is the subset of an upstream client a bound session
// needs: share forwarding and cached state replay. Implemented by
// *upstream.Client without either package importing the other.
type UpstreamHandle interface {
	Idx() uint8
	SubmitShare(m exframe.SubmitShare)
	CachedDiff() (uint64, bool)
	CachedNotify() (string, bool)
}

// Binder selects and releases the upstream a session is multiplexed
// over. Implemented by the Multiplexer (C6).
type Binder interface {
	Bind(s *Session) (UpstreamHandle, error)
	Unbind(s *Session)
}

// Metrics receives session lifecycle and share events. Implementations
// that don't care about a given event embed *NopMetrics.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	ShareSubmitted(upstreamIdx uint8)
}

// NopMetrics is a zero-value Metrics implementation.
type NopMetrics struct{}

func (NopMetrics) SessionOpened()       {}
func (NopMetrics) SessionClosed()       {}
func (NopMetrics) ShareSubmitted(uint8) {}

// Session is a single miner's stratum connection.
type Session struct {
	ID      session.ID
	Addr    string
	conn    net.Conn
	lr      *wire.LineReader
	bw      *bufio.Writer
	writeMu sync.Mutex

	state atomic.Int32

	mu     sync.Mutex
	agent  string
	worker string

	lastDiff string // hex-formatted, avoids resending identical diff

	alloc    *session.Allocator
	binder   Binder
	upstream UpstreamHandle
	metrics  Metrics
	log      *log.Logger
	rate     *vardiff.Tracker

	destroyOnce sync.Once
}

// New wraps an accepted connection as a fresh Session in state
// Connected, with id already allocated by the caller.
func New(conn net.Conn, id session.ID, alloc *session.Allocator, binder Binder, metrics Metrics, logger *log.Logger) *Session {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	s := &Session{
		ID:      id,
		Addr:    conn.RemoteAddr().String(),
		conn:    conn,
		lr:      wire.NewLineReader(bufio.NewReader(conn)),
		bw:      bufio.NewWriter(conn),
		alloc:   alloc,
		binder:  binder,
		metrics: metrics,
		log:     logger,
		rate:    vardiff.NewTracker(),
	}
	metrics.SessionOpened()
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Worker returns the authorized worker name, if any.
func (s *Session) Worker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

// Agent returns the miner agent string reported at subscribe time.
func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Run drives the session's read loop until the connection closes, a
// timeout fires, or a protocol error poisons it. It always leaves the
// session fully torn down before returning.
func (s *Session) Run() {
	defer s.Destroy()
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			return
		}
		line, err := s.lr.ReadFrame()
		if line != "" {
			if herr := s.handleLine(strings.TrimRight(line, "\r\n")); herr != nil {
				s.log.Printf("downstream %s: %v", s.Addr, herr)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleLine(line string) error {
	if line == "" {
		return nil
	}
	var msg stratum.Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		s.log.Printf("downstream %s: bad json: %v", s.Addr, err)
		return nil // JSON parse failure is logged and dropped; session survives (§7)
	}

	switch msg.Method {
	case stratum.MethodSubscribe:
		return s.handleSubscribe(&msg)
	case stratum.MethodAuthorize:
		return s.handleAuthorize(&msg)
	case stratum.MethodSubmit:
		return s.handleSubmit(&msg)
	case "":
		return nil
	default:
		// Unknown method: logged, no reply (legacy behavior, documented not a bug).
		s.log.Printf("downstream %s: unknown method %q", s.Addr, msg.Method)
		return nil
	}
}

func (s *Session) handleSubscribe(msg *stratum.Message) error {
	if s.State() != StateConnected {
		return s.writeError(msg.ID, stratum.ErrUnknown)
	}

	if params, ok := msg.Params.([]interface{}); ok && len(params) > 0 {
		if agent, ok := params[0].(string); ok {
			if len(agent) > maxAgentLen {
				agent = agent[:maxAgentLen]
			}
			s.mu.Lock()
			s.agent = agent
			s.mu.Unlock()
		}
	}

	s.state.Store(int32(StateSubscribed))

	hex := s.ID.Hex()
	result := []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", hex},
			[]interface{}{"mining.notify", hex},
		},
		hex,
		4,
	}
	return s.writeMessage(stratum.NewSuccessResponse(msg.ID, result))
}

func (s *Session) handleAuthorize(msg *stratum.Message) error {
	if s.State() != StateSubscribed {
		return s.writeError(msg.ID, stratum.ErrNotSubscribed)
	}

	params, _ := msg.Params.([]interface{})
	if len(params) == 0 {
		return s.writeError(msg.ID, stratum.ErrInvalidUsername)
	}
	user, ok := params[0].(string)
	if !ok || user == "" {
		return s.writeError(msg.ID, stratum.ErrInvalidUsername)
	}

	worker := user
	if i := strings.IndexByte(user, '.'); i >= 0 {
		worker = user[i+1:]
	}

	s.mu.Lock()
	s.worker = worker
	s.mu.Unlock()

	handle, err := s.binder.Bind(s)
	if err != nil {
		return s.writeError(msg.ID, stratum.ErrInternalError)
	}

	s.upstream = handle
	s.state.Store(int32(StateAuthenticated))

	if err := s.writeMessage(stratum.NewSuccessResponse(msg.ID, true)); err != nil {
		return err
	}

	if diff, ok := handle.CachedDiff(); ok {
		if err := s.sendDiff(diff); err != nil {
			return err
		}
	}
	if notify, ok := handle.CachedNotify(); ok {
		if err := s.writeRaw(notify); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleSubmit(msg *stratum.Message) error {
	if s.State() != StateAuthenticated {
		if err := s.writeError(msg.ID, stratum.ErrUnauthorized); err != nil {
			return err
		}
		return s.writeMessage(stratum.NewReconnectMessage())
	}

	params, _ := msg.Params.([]interface{})
	if len(params) < 5 {
		return s.writeError(msg.ID, stratum.ErrIllegalParams)
	}

	jobIDStr, _ := params[1].(string)
	exNonce2Str, _ := params[2].(string)
	nTimeStr, _ := params[3].(string)
	nonceStr, _ := params[4].(string)

	jobID := parseHexByte(jobIDStr)
	exNonce2 := parseHexUint32(exNonce2Str)
	nTime := parseHexUint32(nTimeStr)
	nonce := parseHexUint32(nonceStr)

	withTime := true
	if nTime != 0 {
		withTime = !s.upstreamHasExactTime(jobID, nTime)
	}

	s.upstream.SubmitShare(exframe.SubmitShare{
		SessionID: uint16(s.ID),
		JobID:     jobID,
		ExNonce2:  exNonce2,
		Nonce:     nonce,
		NTime:     nTime,
		WithTime:  withTime,
	})
	s.metrics.ShareSubmitted(s.upstream.Idx())
	s.rate.RecordShare(true)

	return s.writeMessage(stratum.NewSuccessResponse(msg.ID, true))
}

// ShareRate returns the session's recent accepted-share rate, in
// shares per second.
func (s *Session) ShareRate() float64 {
	return s.rate.SharesPerSecond()
}

// upstreamHasExactTime asks whether jobID's cached gbtTime equals nTime;
// a positive answer means the plain SUBMIT_SHARE (no time) frame
// suffices. Jobs outside the cached window, or a mismatch, fall back to
// SUBMIT_SHARE_WITH_TIME and let the upstream decide staleness.
func (s *Session) upstreamHasExactTime(jobID uint8, nTime uint32) bool {
	type windowed interface {
		JobTime(jobID uint8) (uint32, bool)
	}
	w, ok := s.upstream.(windowed)
	if !ok {
		return false
	}
	t, found := w.JobTime(jobID)
	return found && t == nTime
}

// SendDiff pushes a mining.set_difficulty to the miner, skipping
// duplicate sends of the same value.
func (s *Session) SendDiff(diff uint64) error {
	return s.sendDiff(diff)
}

func (s *Session) sendDiff(diff uint64) error {
	hex := fmt.Sprintf("%x", diff)
	s.mu.Lock()
	if s.lastDiff == hex {
		s.mu.Unlock()
		return nil
	}
	s.lastDiff = hex
	s.mu.Unlock()
	return s.writeMessage(stratum.NewSetDifficultyMessage(float64(diff)))
}

// SendNotify relays a raw mining.notify line, unaltered, to the miner.
func (s *Session) SendNotify(line string) error {
	return s.writeRaw(line)
}

func (s *Session) writeError(id *int64, code int) error {
	return s.writeMessage(stratum.NewStratumError(id, code))
}

func (s *Session) writeMessage(msg stratum.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	return s.writeRaw(string(b))
}

func (s *Session) writeRaw(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := s.bw.WriteString(line); err != nil {
		return err
	}
	return s.bw.Flush()
}

// Destroy tears the session down exactly once: releases its session id,
// unregisters from its bound upstream (emitting UNREGISTER_WORKER if it
// had authenticated), and closes the socket.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		if s.State() == StateAuthenticated && s.binder != nil {
			s.binder.Unbind(s)
		}
		if err := s.alloc.Free(s.ID); err != nil {
			s.log.Printf("downstream %s: %v", s.Addr, err)
		}
		_ = s.conn.Close()
		s.metrics.SessionClosed()
	})
}

func parseHexByte(s string) uint8 {
	s = strings.TrimPrefix(s, "0x")
	var v uint64
	for _, c := range s {
		d, ok := hexDigit(c)
		if !ok {
			break
		}
		v = v<<4 | uint64(d)
	}
	return uint8(v)
}

func parseHexUint32(s string) uint32 {
	s = strings.TrimPrefix(s, "0x")
	var v uint64
	for _, c := range s {
		d, ok := hexDigit(c)
		if !ok {
			break
		}
		v = v<<4 | uint64(d)
	}
	return uint32(v)
}

func hexDigit(c rune) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint8(c - '0'), true
	case c >= 'a' && c <= 'f':
		return uint8(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return uint8(c-'A') + 10, true
	default:
		return 0, false
	}
}
