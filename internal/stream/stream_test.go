package stream

import (
	"sort"
	"sync"
	"testing"
)

func TestSendToChannelFansOut(t *testing.T) {
	h := New(4, nil)
	a := h.Open("alice")
	b := h.Open("bob")
	h.JoinChannel(a.ID(), GroupChannel("g1"))
	h.JoinChannel(b.ID(), GroupChannel("g1"))

	d := h.SendToChannel(GroupChannel("g1"), []byte("hello"))
	if d.Delivered != 2 || d.Dropped != 0 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if got := string(<-a.Frames()); got != "hello" {
		t.Fatalf("alice got %q", got)
	}
	if got := string(<-b.Frames()); got != "hello" {
		t.Fatalf("bob got %q", got)
	}
}

func TestSendToChannelExcept(t *testing.T) {
	h := New(4, nil)
	a := h.Open("alice")
	b := h.Open("bob")
	h.JoinChannel(a.ID(), "c")
	h.JoinChannel(b.ID(), "c")

	if d := h.SendToChannel("c", []byte("x"), a.ID()); d.Delivered != 1 {
		t.Fatalf("expected one delivery, got %+v", d)
	}
	select {
	case <-a.Frames():
		t.Fatal("excluded connection received a frame")
	default:
	}
}

func TestSendToAccountReachesEveryConnection(t *testing.T) {
	h := New(4, nil)
	phone := h.Open("alice")
	laptop := h.Open("alice")
	other := h.Open("bob")

	if d := h.SendToAccount("alice", []byte("p")); d.Delivered != 2 {
		t.Fatalf("expected two deliveries, got %+v", d)
	}
	<-phone.Frames()
	<-laptop.Frames()
	select {
	case <-other.Frames():
		t.Fatal("bob received alice's private frame")
	default:
	}
}

func TestSlowConnectionDropsInsteadOfBlocking(t *testing.T) {
	h := New(1, nil)
	c := h.Open("alice")
	h.SendToAccount("alice", []byte("1"))
	d := h.SendToAccount("alice", []byte("2"))
	if d.Dropped != 1 || d.Delivered != 0 {
		t.Fatalf("expected drop, got %+v", d)
	}
	if got := string(<-c.Frames()); got != "1" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestJoinLeaveAndClose(t *testing.T) {
	h := New(4, nil)
	c := h.Open("alice")
	h.JoinChannel(c.ID(), GroupChannel("g1"))
	h.JoinChannel(c.ID(), GroupChannel("g1"))
	h.JoinChannel("unknown", GroupChannel("g1"))

	chans := h.Channels(c.ID())
	sort.Strings(chans)
	if len(chans) != 2 || chans[0] != AccountChannel("alice") || chans[1] != GroupChannel("g1") {
		t.Fatalf("unexpected channels %v", chans)
	}

	h.LeaveChannel(c.ID(), GroupChannel("g1"))
	if subs := h.Subscribers(GroupChannel("g1")); len(subs) != 0 {
		t.Fatalf("expected no subscribers, got %v", subs)
	}

	h.Close(c.ID())
	h.Close(c.ID())
	if _, open := <-c.Frames(); open {
		t.Fatal("frames must be closed")
	}
	if d := h.SendToAccount("alice", []byte("x")); d.Delivered != 0 {
		t.Fatalf("closed connection received frame: %+v", d)
	}
}

func TestConcurrentSendAndClose(t *testing.T) {
	h := New(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := h.Open("alice")
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.SendToAccount("alice", []byte("x"))
		}()
		go func(id string) {
			defer wg.Done()
			h.Close(id)
		}(c.ID())
	}
	wg.Wait()
}
