package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPackParsePlainRoundTrip(t *testing.T) {
	body := []byte("hello mesh")
	framed, err := PackPlain(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, consumed, ok, err := ParsePlain(framed)
	if err != nil || !ok {
		t.Fatalf("expected successful parse, ok=%v err=%v", ok, err)
	}
	if consumed != len(framed) {
		t.Fatalf("expected to consume the whole frame, got %d of %d", consumed, len(framed))
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch: want %q got %q", body, got)
	}
}

func TestPackPlainRejectsEmptyBody(t *testing.T) {
	if _, err := PackPlain(nil); err == nil {
		t.Fatal("expected empty frame body to be rejected")
	}
}

func TestParsePlainWaitsForMoreDataOnTruncatedFrame(t *testing.T) {
	framed, _ := PackPlain([]byte("payload"))
	_, consumed, ok, err := ParsePlain(framed[:len(framed)-2])
	if err != nil {
		t.Fatalf("unexpected error for a merely truncated frame: %v", err)
	}
	if ok || consumed != 0 {
		t.Fatalf("expected ok=false, consumed=0 for a truncated frame, got ok=%v consumed=%d", ok, consumed)
	}
}

func TestParsePlainRejectsBadBeginFlag(t *testing.T) {
	framed, _ := PackPlain([]byte("payload"))
	framed[0] = 0xFF
	if _, _, _, err := ParsePlain(framed); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for a bad begin flag, got %v", err)
	}
}

func TestParsePlainRejectsBadEndFlag(t *testing.T) {
	framed, _ := PackPlain([]byte("payload"))
	framed[len(framed)-1] = 0xFF
	if _, _, _, err := ParsePlain(framed); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for a bad end flag, got %v", err)
	}
}

func TestParsePlainHandlesTwoFramesBackToBack(t *testing.T) {
	a, _ := PackPlain([]byte("first"))
	b, _ := PackPlain([]byte("second"))
	buf := append(append([]byte(nil), a...), b...)

	got1, n1, ok, err := ParsePlain(buf)
	if err != nil || !ok {
		t.Fatalf("unexpected first parse: ok=%v err=%v", ok, err)
	}
	got2, n2, ok, err := ParsePlain(buf[n1:])
	if err != nil || !ok {
		t.Fatalf("unexpected second parse: ok=%v err=%v", ok, err)
	}
	if string(got1) != "first" || string(got2) != "second" {
		t.Fatalf("unexpected frame bodies: %q, %q", got1, got2)
	}
	if n1+n2 != len(buf) {
		t.Fatalf("expected consumed counts to cover the whole buffer, got %d+%d != %d", n1, n2, len(buf))
	}
}

func TestPackParsePriorityRoundTrip(t *testing.T) {
	body := []byte("priority payload")
	framed, err := PackPriority(2, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prio, got, consumed, ok, err := ParsePriority(framed)
	if err != nil || !ok {
		t.Fatalf("expected successful parse, ok=%v err=%v", ok, err)
	}
	if prio != 2 {
		t.Fatalf("expected priority 2, got %d", prio)
	}
	if consumed != len(framed) {
		t.Fatalf("expected to consume the whole frame, got %d of %d", consumed, len(framed))
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch: want %q got %q", body, got)
	}
}

func TestParsePriorityRejectsEmptyBody(t *testing.T) {
	if _, err := PackPriority(0, nil); err == nil {
		t.Fatal("expected empty priority frame body to be rejected")
	}
}

func TestFrameSizeMatchesPackedLength(t *testing.T) {
	body := []byte("exact size check")
	framed, err := PackPriority(1, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := FrameSize(len(body)); got != len(framed) {
		t.Fatalf("FrameSize(%d) = %d, want %d", len(body), got, len(framed))
	}
}

// TestFrameRoundTripForAnyValidLength exercises spec.md §8's universal
// property parse(pack(x)) == x on the priority-frame variant, for sample
// payload lengths 0 < len(x) <= MaxPriorityPayloadLen (65530).
func TestFrameRoundTripForAnyValidLength(t *testing.T) {
	for _, n := range []int{1, 2, 63, 1460, 4096, MaxPriorityPayloadLen} {
		body := bytes.Repeat([]byte{0xAB}, n)
		framed, err := PackPriority(0, body)
		if err != nil {
			t.Fatalf("len=%d: unexpected pack error: %v", n, err)
		}
		_, got, _, ok, err := ParsePriority(framed)
		if err != nil || !ok {
			t.Fatalf("len=%d: unexpected parse result ok=%v err=%v", n, ok, err)
		}
		if !bytes.Equal(got, body) {
			t.Fatalf("len=%d: round trip mismatch", n)
		}
	}
}

func TestPackPriorityRejectsOversizedBody(t *testing.T) {
	if _, err := PackPriority(0, make([]byte, MaxPriorityPayloadLen+1)); err == nil {
		t.Fatal("expected an oversized body to be rejected")
	}
}
