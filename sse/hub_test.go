package sse

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestHubPublishFIFO(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("t1")
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		hub.Publish("t1", strconv.Itoa(i))
	}
	for i := 0; i < 5; i++ {
		select {
		case got := <-sub.C:
			if got != strconv.Itoa(i) {
				t.Fatalf("frame %d: got %q", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestHubLateSubscriberMissesEarlierFrames(t *testing.T) {
	hub := NewHub()
	hub.Publish("t1", "early")

	sub := hub.Subscribe("t1")
	defer sub.Cancel()
	hub.Publish("t1", "late")

	select {
	case got := <-sub.C:
		if got != "late" {
			t.Fatalf("late subscriber saw %q, want only frames after attach", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestHubNoCrossTaskInterference(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("a")
	defer a.Cancel()
	b := hub.Subscribe("b")
	defer b.Cancel()

	hub.Publish("a", "for-a")

	select {
	case got := <-a.C:
		if got != "for-a" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
	select {
	case got := <-b.C:
		t.Fatalf("task b received %q", got)
	default:
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("t1")
	hub.Close("t1")

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Idempotent: closing again and cancelling after close must not panic.
	hub.Close("t1")
	sub.Cancel()
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	s1 := hub.Subscribe("t1")
	defer s1.Cancel()
	s2 := hub.Subscribe("t1")
	defer s2.Cancel()

	hub.Publish("t1", "x")
	for _, sub := range []*Subscription{s1, s2} {
		select {
		case got := <-sub.C:
			if got != "x" {
				t.Fatalf("got %q", got)
			}
		case <-time.After(time.Second):
			t.Fatal("frame never arrived")
		}
	}
}

func TestStreamHeartbeat(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan Frame, 8)
	go func() {
		_ = hub.Stream(ctx, "t1", 20*time.Millisecond, func(f Frame) error {
			frames <- f
			return nil
		})
	}()

	select {
	case f := <-frames:
		if f.Event != "heartbeat" {
			t.Fatalf("expected heartbeat, got %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat within silence window")
	}

	hub.Publish("t1", "payload")
	deadline := time.After(time.Second)
	for {
		select {
		case f := <-frames:
			if f.Event == "heartbeat" {
				continue
			}
			if f.Data != "payload" {
				t.Fatalf("got %+v", f)
			}
			return
		case <-deadline:
			t.Fatal("data frame never arrived")
		}
	}
}

func TestStreamEndsOnClose(t *testing.T) {
	hub := NewHub()
	done := make(chan error, 1)
	go func() {
		done <- hub.Stream(context.Background(), "t1", time.Minute, func(Frame) error { return nil })
	}()

	// Give the stream a moment to attach, then close the task.
	time.Sleep(10 * time.Millisecond)
	hub.Close("t1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean close returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not end on hub close")
	}
}

func TestFrameEncode(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{Frame{Data: `{"status":"done"}`}, "data: {\"status\":\"done\"}\n\n"},
		{Frame{Event: "heartbeat", Data: "ping"}, "event: heartbeat\ndata: ping\n\n"},
	}
	for _, tt := range tests {
		if got := tt.frame.Encode(); got != tt.want {
			t.Errorf("Encode() = %q, want %q", got, tt.want)
		}
	}
}
