// Package exframe implements the binary ex-frame protocol used on the
// upstream multiplexing channel: a fixed 4-byte header (magic, kind,
// little-endian length) followed by a kind-specific payload.
package exframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the first byte of every ex-frame.
const Magic = 0x7F

// headerLen is the size of the magic+kind+length prefix.
const headerLen = 4

// Kind identifies the payload shape of an ex-frame.
type Kind byte

const (
	KindRegisterWorker     Kind = 0x01
	KindSubmitShare        Kind = 0x02
	KindSubmitShareWithTime Kind = 0x03
	KindUnregisterWorker   Kind = 0x04
	KindSetDifficulty      Kind = 0x05
)

func (k Kind) String() string {
	switch k {
	case KindRegisterWorker:
		return "REGISTER_WORKER"
	case KindSubmitShare:
		return "SUBMIT_SHARE"
	case KindSubmitShareWithTime:
		return "SUBMIT_SHARE_WITH_TIME"
	case KindUnregisterWorker:
		return "UNREGISTER_WORKER"
	case KindSetDifficulty:
		return "MINING_SET_DIFF"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// ErrNeedMore indicates buf does not yet hold a complete frame.
var ErrNeedMore = errors.New("exframe: need more bytes")

// ErrBadFrame indicates a magic or length mismatch. The caller must not
// attempt to resynchronize; the link is poisoned and must be torn down.
var ErrBadFrame = errors.New("exframe: bad magic or length")

// Frame is a decoded ex-frame.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode produces a complete wire frame for kind with the given payload.
func Encode(kind Kind, payload []byte) []byte {
	total := headerLen + len(payload)
	buf := make([]byte, total)
	buf[0] = Magic
	buf[1] = byte(kind)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[headerLen:], payload)
	return buf
}

// Decode attempts to parse one frame from the front of buf. It returns
// the frame, the number of bytes consumed, and an error. ErrNeedMore
// means buf is a valid-so-far prefix and the caller should read more
// bytes and retry; any other error means the stream is poisoned.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < headerLen {
		return nil, 0, ErrNeedMore
	}
	if buf[0] != Magic {
		return nil, 0, ErrBadFrame
	}
	length := int(binary.LittleEndian.Uint16(buf[2:4]))
	if length < headerLen {
		return nil, 0, ErrBadFrame
	}
	if len(buf) < length {
		return nil, 0, ErrNeedMore
	}
	kind := Kind(buf[1])
	payload := make([]byte, length-headerLen)
	copy(payload, buf[headerLen:length])
	return &Frame{Kind: kind, Payload: payload}, length, nil
}

// RegisterWorker is the Agent→Pool payload for KindRegisterWorker.
type RegisterWorker struct {
	SessionID  uint16
	Agent      string
	WorkerName string
}

// EncodeRegisterWorker builds the REGISTER_WORKER ex-frame.
func EncodeRegisterWorker(m RegisterWorker) []byte {
	payload := make([]byte, 0, 2+len(m.Agent)+1+len(m.WorkerName)+1)
	payload = binary.LittleEndian.AppendUint16(payload, m.SessionID)
	payload = append(payload, m.Agent...)
	payload = append(payload, 0)
	payload = append(payload, m.WorkerName...)
	payload = append(payload, 0)
	return Encode(KindRegisterWorker, payload)
}

// DecodeRegisterWorker parses a REGISTER_WORKER payload.
func DecodeRegisterWorker(payload []byte) (RegisterWorker, error) {
	if len(payload) < 2 {
		return RegisterWorker{}, ErrBadFrame
	}
	sid := binary.LittleEndian.Uint16(payload[0:2])
	rest := payload[2:]
	agent, rest, err := cstr(rest)
	if err != nil {
		return RegisterWorker{}, err
	}
	worker, _, err := cstr(rest)
	if err != nil {
		return RegisterWorker{}, err
	}
	return RegisterWorker{SessionID: sid, Agent: agent, WorkerName: worker}, nil
}

func cstr(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, ErrBadFrame
}

// SubmitShare is the Agent→Pool payload for KindSubmitShare and
// KindSubmitShareWithTime (NTime is only meaningful/present for the
// latter).
type SubmitShare struct {
	SessionID uint16
	JobID     uint8
	ExNonce2  uint32
	Nonce     uint32
	NTime     uint32
	WithTime  bool
}

// EncodeSubmitShare builds either SUBMIT_SHARE or SUBMIT_SHARE_WITH_TIME
// depending on m.WithTime.
func EncodeSubmitShare(m SubmitShare) []byte {
	size := 2 + 1 + 4 + 4
	if m.WithTime {
		size += 4
	}
	payload := make([]byte, 0, size)
	payload = binary.LittleEndian.AppendUint16(payload, m.SessionID)
	payload = append(payload, m.JobID)
	payload = binary.LittleEndian.AppendUint32(payload, m.ExNonce2)
	payload = binary.LittleEndian.AppendUint32(payload, m.Nonce)
	kind := KindSubmitShare
	if m.WithTime {
		payload = binary.LittleEndian.AppendUint32(payload, m.NTime)
		kind = KindSubmitShareWithTime
	}
	return Encode(kind, payload)
}

// DecodeSubmitShare parses a SUBMIT_SHARE / SUBMIT_SHARE_WITH_TIME
// payload. withTime must match the frame's Kind.
func DecodeSubmitShare(payload []byte, withTime bool) (SubmitShare, error) {
	want := 2 + 1 + 4 + 4
	if withTime {
		want += 4
	}
	if len(payload) != want {
		return SubmitShare{}, ErrBadFrame
	}
	m := SubmitShare{WithTime: withTime}
	m.SessionID = binary.LittleEndian.Uint16(payload[0:2])
	m.JobID = payload[2]
	m.ExNonce2 = binary.LittleEndian.Uint32(payload[3:7])
	m.Nonce = binary.LittleEndian.Uint32(payload[7:11])
	if withTime {
		m.NTime = binary.LittleEndian.Uint32(payload[11:15])
	}
	return m, nil
}

// EncodeUnregisterWorker builds the UNREGISTER_WORKER ex-frame.
func EncodeUnregisterWorker(sessionID uint16) []byte {
	payload := binary.LittleEndian.AppendUint16(nil, sessionID)
	return Encode(KindUnregisterWorker, payload)
}

// DecodeUnregisterWorker parses an UNREGISTER_WORKER payload.
func DecodeUnregisterWorker(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, ErrBadFrame
	}
	return binary.LittleEndian.Uint16(payload), nil
}

// SetDifficulty is the Pool→Agent payload for KindSetDifficulty.
type SetDifficulty struct {
	Diff       uint32
	SessionIDs []uint16
}

// EncodeSetDifficulty builds the MINING_SET_DIFF ex-frame.
func EncodeSetDifficulty(m SetDifficulty) []byte {
	payload := make([]byte, 0, 4+2+2*len(m.SessionIDs))
	payload = binary.LittleEndian.AppendUint32(payload, m.Diff)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(m.SessionIDs)))
	for _, id := range m.SessionIDs {
		payload = binary.LittleEndian.AppendUint16(payload, id)
	}
	return Encode(KindSetDifficulty, payload)
}

// DecodeSetDifficulty parses a MINING_SET_DIFF payload.
func DecodeSetDifficulty(payload []byte) (SetDifficulty, error) {
	if len(payload) < 6 {
		return SetDifficulty{}, ErrBadFrame
	}
	diff := binary.LittleEndian.Uint32(payload[0:4])
	count := int(binary.LittleEndian.Uint16(payload[4:6]))
	if len(payload) != 6+2*count {
		return SetDifficulty{}, ErrBadFrame
	}
	ids := make([]uint16, count)
	for i := 0; i < count; i++ {
		off := 6 + 2*i
		ids[i] = binary.LittleEndian.Uint16(payload[off : off+2])
	}
	return SetDifficulty{Diff: diff, SessionIDs: ids}, nil
}
