package exframe

import "testing"

func byteEq(t *testing.T, got, want []byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: got %d want %d (% x vs % x)", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x (% x vs % x)", i, got[i], want[i], got, want)
		}
	}
}

func TestEncodeSubmitShareNoTime(t *testing.T) {
	frame := EncodeSubmitShare(SubmitShare{
		SessionID: 0x1234,
		JobID:     0x05,
		ExNonce2:  0xdeadbeef,
		Nonce:     0xcafebabe,
		WithTime:  false,
	})
	want := []byte{0x7F, 0x02, 0x0F, 0x00, 0x34, 0x12, 0x05, 0xEF, 0xBE, 0xAD, 0xDE, 0xBE, 0xBA, 0xFE, 0xCA}
	byteEq(t, frame, want)
}

func TestEncodeSubmitShareWithTime(t *testing.T) {
	frame := EncodeSubmitShare(SubmitShare{
		SessionID: 0x1234,
		JobID:     0x05,
		ExNonce2:  0xdeadbeef,
		Nonce:     0xcafebabe,
		NTime:     0x61000010,
		WithTime:  true,
	})
	if frame[1] != byte(KindSubmitShareWithTime) {
		t.Fatalf("expected kind 0x03, got %#x", frame[1])
	}
	if len(frame) != 19 {
		t.Fatalf("expected 19 byte frame, got %d", len(frame))
	}
	tail := frame[15:19]
	byteEq(t, tail, []byte{0x10, 0x00, 0x00, 0x61})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		EncodeRegisterWorker(RegisterWorker{SessionID: 7, Agent: "cgminer/1.0", WorkerName: "rig1"}),
		EncodeSubmitShare(SubmitShare{SessionID: 7, JobID: 2, ExNonce2: 1, Nonce: 2}),
		EncodeUnregisterWorker(7),
		EncodeSetDifficulty(SetDifficulty{Diff: 1024, SessionIDs: []uint16{1, 2, 3}}),
	}
	for _, buf := range cases {
		frame, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(buf) {
			t.Fatalf("consumed %d, want %d", n, len(buf))
		}
		if Encode(frame.Kind, frame.Payload) == nil {
			t.Fatalf("re-encode produced nil")
		}
		reencoded := Encode(frame.Kind, frame.Payload)
		byteEq(t, reencoded, buf)
	}
}

func TestDecodeNeedMore(t *testing.T) {
	full := EncodeUnregisterWorker(9)
	_, _, err := Decode(full[:2])
	if err != ErrNeedMore {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
	_, _, err = Decode(full[:len(full)-1])
	if err != ErrNeedMore {
		t.Fatalf("expected ErrNeedMore on truncated payload, got %v", err)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x04, 0x00}
	_, _, err := Decode(buf)
	if err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestDecodeSetDifficulty(t *testing.T) {
	frame := EncodeSetDifficulty(SetDifficulty{Diff: 512, SessionIDs: []uint16{0xaaaa, 0xbbbb}})
	f, _, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sd, err := DecodeSetDifficulty(f.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sd.Diff != 512 || len(sd.SessionIDs) != 2 || sd.SessionIDs[0] != 0xaaaa || sd.SessionIDs[1] != 0xbbbb {
		t.Fatalf("unexpected result: %+v", sd)
	}
}
