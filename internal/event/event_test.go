package event

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNotifierRoundTrip(t *testing.T) {
	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	n.Notify(CodeAlarm)
	n.Notify(CodeTerminate)

	codes := n.Drain()
	if len(codes) != 2 || codes[0] != CodeAlarm || codes[1] != CodeTerminate {
		t.Errorf("drained %v, want [a t]", codes)
	}

	// Empty pipe drains to nothing without blocking
	if codes := n.Drain(); len(codes) != 0 {
		t.Errorf("expected empty drain, got %v", codes)
	}
}

func TestPollerSeesNotifier(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	n, err := NewNotifier()
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	if err := p.AddLevel(n.ReadFD()); err != nil {
		t.Fatalf("AddLevel: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		events := make([]unix.EpollEvent, 8)
		cnt, err := p.Wait(events)
		if err != nil {
			t.Errorf("Wait: %v", err)
			return
		}
		if cnt < 1 || int(events[0].Fd) != n.ReadFD() {
			t.Errorf("expected readiness on the pipe, got %d events", cnt)
		}
	}()

	n.Notify(CodeAlarm)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller never woke for the self-pipe")
	}
}

func TestOneShotDeliversOnce(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("nonblock: %v", err)
	}

	if err := p.AddOneShot(fds[0]); err != nil {
		t.Fatalf("AddOneShot: %v", err)
	}
	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := make([]unix.EpollEvent, 8)
	cnt, err := p.Wait(events)
	if err != nil || cnt != 1 {
		t.Fatalf("first wait: cnt=%d err=%v", cnt, err)
	}

	// Without a re-arm, more data must NOT produce another event.
	if _, err := unix.Write(fds[1], []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make(chan int, 1)
	go func() {
		cnt, _ := p.Wait(events)
		got <- cnt
	}()
	select {
	case cnt := <-got:
		t.Fatalf("one-shot fired twice without re-arm (%d events)", cnt)
	case <-time.After(200 * time.Millisecond):
	}

	// Re-arming delivers the pending readiness to the blocked waiter.
	if err := p.RearmRead(fds[0]); err != nil {
		t.Fatalf("RearmRead: %v", err)
	}
	select {
	case cnt := <-got:
		if cnt != 1 {
			t.Errorf("expected 1 event after re-arm, got %d", cnt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("re-arm did not deliver readiness")
	}
}
