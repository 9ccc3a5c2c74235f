package progressbus

import (
	"testing"
	"time"
)

func TestSubscribeDeliversInPublishOrder(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("workflow.1")
	defer sub.Close()

	bus.Publish("workflow.1", "stage-started", map[string]any{"stage": "ocr"})
	bus.Publish("workflow.1", "stage-completed", map[string]any{"stage": "ocr"})
	bus.Publish("workflow.1", "stage-started", map[string]any{"stage": "clean"})

	want := []string{"stage-started", "stage-completed", "stage-started"}
	for i, w := range want {
		select {
		case evt := <-sub.Events():
			if evt.Event != w {
				t.Fatalf("event %d: want %q, got %q", i, w, evt.Event)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishDoesNotFanOutToOtherTopics(t *testing.T) {
	bus := New()
	subA := bus.Subscribe("workflow.1")
	defer subA.Close()
	subB := bus.Subscribe("workflow.2")
	defer subB.Close()

	bus.Publish("workflow.1", "status-changed", nil)

	select {
	case <-subA.Events():
	case <-time.After(time.Second):
		t.Fatal("subscriber on workflow.1 never received its event")
	}
	select {
	case evt := <-subB.Events():
		t.Fatalf("subscriber on workflow.2 should not receive workflow.1 events, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	bus := New(WithBufferSize(2))
	sub := bus.Subscribe("workflow.1")
	defer sub.Close()

	bus.Publish("workflow.1", "a", nil)
	bus.Publish("workflow.1", "b", nil)
	bus.Publish("workflow.1", "c", nil) // buffer full at a,b; a is dropped, b,c remain

	first := <-sub.Events()
	second := <-sub.Events()
	if first.Event != "b" || second.Event != "c" {
		t.Fatalf("expected drop-oldest to keep the two newest events (b, c), got (%s, %s)", first.Event, second.Event)
	}
	select {
	case evt := <-sub.Events():
		t.Fatalf("expected no third event, got %+v", evt)
	default:
	}
}

func TestLateSubscriberGetsLastEventSnapshot(t *testing.T) {
	bus := New()
	bus.Publish("workflow.1", "stage-completed", map[string]any{"stage": "upload"})

	sub := bus.Subscribe("workflow.1")
	defer sub.Close()

	select {
	case evt := <-sub.Events():
		if evt.Event != "stage-completed" {
			t.Fatalf("expected snapshot of last event, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber never received the lastEvent snapshot")
	}
}

func TestCloseUnsubscribesFromAllTopics(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("workflow.1", "project.9")
	sub.Close()

	bus.Publish("workflow.1", "stage-started", nil)
	select {
	case evt, ok := <-sub.Events():
		if ok {
			t.Fatalf("closed subscription should not receive further events, got %+v", evt)
		}
	default:
	}
}

func TestIngestDropsSelfOriginatedEcho(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("workflow.1")
	defer sub.Close()

	echoed := Event{Topic: "workflow.1", Event: "stage-started", Sequence: 1, Origin: bus.instanceID}
	bus.Ingest(echoed)

	select {
	case evt := <-sub.Events():
		t.Fatalf("expected self-originated echo to be dropped, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIngestDeliversRemoteEvent(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("workflow.1")
	defer sub.Close()

	remote := Event{Topic: "workflow.1", Event: "stage-completed", Sequence: 1, Origin: "some-other-process"}
	bus.Ingest(remote)

	select {
	case evt := <-sub.Events():
		if evt.Event != "stage-completed" {
			t.Fatalf("expected the remote event, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("remote event was never delivered")
	}
}
