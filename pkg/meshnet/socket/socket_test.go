package socket

import (
	"bytes"
	"testing"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"golang.org/x/sys/unix"
)

// listenerPort resolves the port the kernel assigned a listener bound to
// port 0, mirroring the Getsockname pattern used throughout the pack's
// other raw-socket examples (e.g. malbeclabs-doublezero's twamp reflector).
func listenerPort(t *testing.T, l *Listener) uint16 {
	t.Helper()
	sa, err := unix.Getsockname(l.FD())
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("expected an IPv4 socket address, got %T", sa)
	}
	return uint16(v4.Port)
}

func newLoopbackListener(t *testing.T) *Listener {
	t.Helper()
	l, err := NewListener(id.NewSocketAddress4(127, 0, 0, 1, 0))
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	if err := l.Listen(8); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return l
}

func TestConnectAcceptSendRecvRoundTrip(t *testing.T) {
	l := newLoopbackListener(t)
	port := listenerPort(t, l)

	client, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	result := client.Connect(id.NewSocketAddress4(127, 0, 0, 1, port))
	if result != ConnectGood && result != ConnectInProgress {
		t.Fatalf("expected Connect to succeed or be in progress, got %v", result)
	}

	var server *Socket
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok, err := l.AcceptNonBlocking(); err != nil {
			t.Fatalf("AcceptNonBlocking: %v", err)
		} else if ok {
			server = s
			break
		}
		time.Sleep(time.Millisecond)
	}
	if server == nil {
		t.Fatal("timed out waiting for the listener to accept the connection")
	}
	t.Cleanup(func() { _ = server.Close() })

	if result == ConnectInProgress {
		deadline = time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if err := client.ConnectError(); err == nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if err := client.ConnectError(); err != nil {
			t.Fatalf("expected the connect to eventually complete, got %v", err)
		}
	}

	payload := []byte("hello over loopback")
	n, sr := client.Send(payload)
	if sr != SendGood {
		t.Fatalf("expected SendGood, got %v", sr)
	}
	if n != len(payload) {
		t.Fatalf("expected to send all %d bytes, sent %d", len(payload), n)
	}

	buf := make([]byte, 256)
	var got []byte
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(got) < len(payload) {
		rn, ok, err := server.Recv(buf)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if !ok {
			t.Fatal("expected Recv to report ok")
		}
		got = append(got, buf[:rn]...)
		if rn == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: want %q got %q", payload, got)
	}
}

func TestRecvReturnsZeroOnGracefulClose(t *testing.T) {
	l := newLoopbackListener(t)
	port := listenerPort(t, l)

	client, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.Connect(id.NewSocketAddress4(127, 0, 0, 1, port))

	var server *Socket
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok, _ := l.AcceptNonBlocking(); ok {
			server = s
			break
		}
		time.Sleep(time.Millisecond)
	}
	if server == nil {
		t.Fatal("timed out waiting to accept")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]byte, 16)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, ok, err := server.Recv(buf)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if ok && n == 0 {
			server.Close()
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected Recv to eventually report EOF (n=0) after the peer closed")
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("expected Closed state, got %v", s.State())
	}
}

func TestAcceptNonBlockingBeforeListenFails(t *testing.T) {
	l, err := NewListener(id.NewSocketAddress4(127, 0, 0, 1, 0))
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer l.Close()
	if _, _, err := l.AcceptNonBlocking(); err == nil {
		t.Fatal("expected AcceptNonBlocking before Listen to fail")
	}
}

func TestAcceptNonBlockingReportsWouldBlockWhenNoPendingConnection(t *testing.T) {
	l := newLoopbackListener(t)
	_, ok, err := l.AcceptNonBlocking()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no pending connection to accept")
	}
}
