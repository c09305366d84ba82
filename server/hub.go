package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/wire"
)

// hub fans the backend's changes out to websocket subscribers.
// A subscriber that falls too far behind is disconnected;
// it catches up by resubscribing from the time of the last record it saw.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	wg     sync.WaitGroup // one per subscriber, until unsubscribe
}

type subscriber struct {
	ch   chan kfr.Kfr
	done chan struct{} // closed when the hub drops the subscriber
	once sync.Once
}

const subscriberBuffer = 1024

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// subscribe reports false if the hub is shut down.
func (h *hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	sub := &subscriber{
		ch:   make(chan kfr.Kfr, subscriberBuffer),
		done: make(chan struct{}),
	}
	h.subs[sub] = struct{}{}
	h.wg.Add(1)
	return sub, true
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.drop()
	h.wg.Done()
}

func (sub *subscriber) drop() {
	sub.once.Do(func() { close(sub.done) })
}

func (h *hub) broadcast(rec kfr.Kfr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.ch <- rec:
		default:
			delete(h.subs, sub)
			sub.drop()
		}
	}
}

// closeAll drops every subscriber and waits for their handlers to exit.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.drop()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	after, before, err := wire.Bounds(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Subscribe before reading the backlog,
	// so nothing falls between them.
	sub, ok := s.hub.subscribe()
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Debugw("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	log := s.log.With("remote", r.RemoteAddr)
	log.Infow("subscriber connected", "after", after, "before", before)
	defer log.Infow("subscriber disconnected")

	// The read side only processes control frames
	// and notices when the peer goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(rec kfr.Kfr) error {
		if !wire.InBounds(rec.Time, after, before) {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(s.ping))
		return conn.WriteJSON(rec)
	}

	// The backlog goes out in time order,
	// so a subscriber that reconnects after the time of the last record it saw
	// misses nothing.
	var backlog []kfr.Kfr
	err = s.b.All(r.Context(), func(rec kfr.Kfr) error {
		if wire.InBounds(rec.Time, after, before) {
			backlog = append(backlog, rec)
		}
		return nil
	})
	if err != nil {
		log.Warnw("reading backlog", "err", err)
		return
	}
	sort.SliceStable(backlog, func(i, j int) bool { return backlog[i].Time < backlog[j].Time })
	for _, rec := range backlog {
		if err := send(rec); err != nil {
			log.Debugw("sending backlog", "err", err)
			return
		}
	}

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-sub.done:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case rec := <-sub.ch:
			if err := send(rec); err != nil {
				log.Debugw("sending record", "rec", rec, "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ping)); err != nil {
				log.Debugw("ping", "err", err)
				return
			}
		}
	}
}
