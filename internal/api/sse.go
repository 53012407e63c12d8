package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/bus"
)

// sseSubscriber adapts one server-sent-events response to the bus's
// subscriber contract. Send marshals the event onto the wire and flushes; a
// closed client surfaces as a write error and the bus drops the subscriber.
type sseSubscriber struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

func newSSESubscriber(w http.ResponseWriter, flusher http.Flusher) *sseSubscriber {
	return &sseSubscriber{w: w, flusher: flusher, done: make(chan struct{})}
}

func (s *sseSubscriber) Send(ev bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscriber closed")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSubscriber) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	fmt.Fprintf(s.w, "event: close\ndata: %q\n\n", reason)
	s.flusher.Flush()
	close(s.done)
	return nil
}

// handleEvents upgrades the request to a server-sent-events stream and
// subscribes it to the live bus. The token was already verified by the
// middleware; Subscribe re-verifies as the bus owns admission.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := newSSESubscriber(w, flusher)
	if err := s.bus.Subscribe(sub, token); err != nil {
		return
	}
	defer s.bus.Unsubscribe(sub)

	select {
	case <-r.Context().Done():
	case <-sub.done:
	}
}
