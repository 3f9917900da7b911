package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"olarm-bridge/internal/state"
)

const (
	feedBuffer       = 64
	feedWriteTimeout = 10 * time.Second
)

// eventFeed fans bus events out to the WebSocket connections. Each
// connection drains its own buffered channel; a subscriber that falls
// behind is marked lost and drops itself.
type eventFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*feedSub
}

type feedSub struct {
	events chan state.Event
	lost   chan struct{}
	once   sync.Once
}

func (sub *feedSub) markLost() {
	sub.once.Do(func() { close(sub.lost) })
}

func (f *eventFeed) subscribe() (*feedSub, func()) {
	sub := &feedSub{
		events: make(chan state.Event, feedBuffer),
		lost:   make(chan struct{}),
	}
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]*feedSub)
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	return sub, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// publish never blocks the bus: a full subscriber buffer means the
// client cannot keep up with the panel, so it is marked lost instead
// of stalling delivery to everyone else.
func (f *eventFeed) publish(ev state.Event) {
	f.mu.Lock()
	subs := make([]*feedSub, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		default:
			sub.markLost()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub, unsubscribe := s.feed.subscribe()
	defer unsubscribe()
	s.logger.Debug("ws client connected", "remote", r.RemoteAddr)

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// The feed is one-way. Reads only surface disconnects; any inbound
	// frame is discarded.
	conn.SetReadLimit(512)
	go func() {
		defer stop()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.closing:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-sub.lost:
			s.logger.Warn("ws client too slow, dropping", "remote", r.RemoteAddr)
			conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case ev := <-sub.events:
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
