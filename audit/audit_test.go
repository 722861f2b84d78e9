package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDispatcherDeliversToSink(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	defer d.Close()

	d.Emit(context.Background(), Event{EventType: EventSignInSuccess, UserID: "42", Success: true})

	select {
	case event := <-sink.Events():
		if event.EventType != EventSignInSuccess || event.UserID != "42" {
			t.Fatalf("event %+v", event)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	var buf bytes.Buffer
	channel := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, channel, nil, NewJSONWriterSink(&buf))

	d.Emit(context.Background(), Event{EventType: EventAccountLocked, UserID: "42"})

	select {
	case event := <-channel.Events():
		if event.EventType != EventAccountLocked {
			t.Fatalf("event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
	d.Close()

	// The same event also reached the writer sink; the nil sink was skipped.
	var event Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatal(err)
	}
	if event.EventType != EventAccountLocked || event.UserID != "42" {
		t.Fatalf("event %+v", event)
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}

	// The nil dispatcher accepts emits and close without panicking.
	d.Emit(context.Background(), Event{EventType: EventSessionIssued})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDropIfFull(t *testing.T) {
	// An unread channel sink wedges the dispatch goroutine, filling the
	// buffer.
	sink := NewChannelSink(1)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	for i := 0; i < 64; i++ {
		d.Emit(context.Background(), Event{EventType: EventSignInFailure})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops under a wedged sink")
	}

	// Unwedge so Close can drain.
	go func() {
		for range sink.Events() {
		}
	}()
	d.Close()
}

func TestCloseDrains(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, NewJSONWriterSink(&buf))

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: EventSessionRefreshed, UserID: "42"})
	}
	d.Close()

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	if lines != 10 {
		t.Fatalf("%d events written, want 10", lines)
	}

	var event Event
	if err := json.Unmarshal(bytes.Split(buf.Bytes(), []byte("\n"))[0], &event); err != nil {
		t.Fatal(err)
	}
	if event.EventType != EventSessionRefreshed {
		t.Fatalf("event %+v", event)
	}
}

func TestEmitAfterClose(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, NoOpSink{})
	d.Close()
	d.Emit(context.Background(), Event{EventType: EventSessionRevoked})
	d.Close()
}
