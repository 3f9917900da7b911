package web

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"olarm-bridge/internal/bridge"
	"olarm-bridge/internal/olarm"
	"olarm-bridge/internal/state"
)

func TestFeedDeliversToSubscriber(t *testing.T) {
	var f eventFeed
	sub, unsubscribe := f.subscribe()
	defer unsubscribe()

	f.publish(state.Event{Type: state.EventConnectivity, Data: "polling"})

	select {
	case ev := <-sub.events:
		if ev.Type != state.EventConnectivity {
			t.Errorf("event type = %q", ev.Type)
		}
		if ev.Data != "polling" {
			t.Errorf("event data = %v", ev.Data)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
}

func TestFeedUnsubscribeStopsDelivery(t *testing.T) {
	var f eventFeed
	sub, unsubscribe := f.subscribe()
	unsubscribe()

	f.publish(state.Event{Type: state.EventSnapshot})

	select {
	case ev := <-sub.events:
		t.Errorf("unsubscribed client received %v", ev)
	default:
	}
}

func TestFeedMarksSlowSubscriberLost(t *testing.T) {
	var f eventFeed
	slow, unsubSlow := f.subscribe()
	defer unsubSlow()
	fast, unsubFast := f.subscribe()
	defer unsubFast()

	// Fill the slow subscriber's buffer without draining it; keep the
	// fast one drained so only the slow one overflows.
	for i := 0; i <= feedBuffer; i++ {
		f.publish(state.Event{Type: state.EventStateChange})
		select {
		case <-fast.events:
		default:
		}
	}

	select {
	case <-slow.lost:
	default:
		t.Error("overflowing subscriber not marked lost")
	}
	select {
	case <-fast.lost:
		t.Error("draining subscriber marked lost")
	default:
	}
}

func newFeedTestServer(t *testing.T) (*Server, *state.EventBus, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := state.NewEventBus(logger)
	sy := state.NewSynchronizer(bus, logger)
	conn := &fakeConn{ledger: &bridge.ReconnectLedger{}}

	s := NewServer(sy, bus, conn, &fakeRouter{}, olarm.Device{ID: "dev-1"}, logger)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, bus, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + ts.URL[len("http"):] + "/ws"
}

func TestWebSocketReceivesBusEvents(t *testing.T) {
	_, bus, ts := newFeedTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	got := make(chan state.Event, 1)
	go func() {
		var ev state.Event
		if err := wsjson.Read(ctx, conn, &ev); err == nil {
			got <- ev
		}
	}()

	// The subscription races the dial; emit until the event lands.
	deadline := time.After(3 * time.Second)
	for {
		bus.Emit(state.Event{Type: state.EventConnectivity, Data: "streaming"})
		select {
		case ev := <-got:
			if ev.Type != state.EventConnectivity {
				t.Errorf("event type = %q", ev.Type)
			}
			return
		case <-deadline:
			t.Fatal("no event received over the feed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStopClosesWebSocketConnections(t *testing.T) {
	s, _, ts := newFeedTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.Stop()

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read succeeded after server stop, want close")
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	s, _, _ := newFeedTestServer(t)
	s.Stop()
	s.Stop()
}
