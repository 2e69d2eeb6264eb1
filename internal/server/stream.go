package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type streamMessage struct {
	Event string
	Data  []byte
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan streamMessage, 64)
	s.addWatcher(ch)
	defer s.removeWatcher(ch)

	ctx := r.Context()
	fmt.Fprintf(w, "retry: 5000\n\n")
	bytes, _ := json.Marshal(s.status.Status())
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", bytes)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if len(msg.Data) == 0 {
				continue
			}
			if msg.Event != "" {
				fmt.Fprintf(w, "event: %s\n", msg.Event)
			}
			fmt.Fprintf(w, "data: %s\n\n", msg.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) addWatcher(ch chan streamMessage) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	s.watchers[ch] = struct{}{}
}

func (s *Server) removeWatcher(ch chan streamMessage) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	if _, ok := s.watchers[ch]; ok {
		delete(s.watchers, ch)
		close(ch)
	}
}

func (s *Server) closeWatchers() {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
}

// Watchers returns the number of connected stream listeners.
func (s *Server) Watchers() int {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	return len(s.watchers)
}

// Publish sends an event to every stream listener. Slow listeners miss
// events rather than block the daemon.
func (s *Server) Publish(event string, payload any) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	if len(s.watchers) == 0 {
		return
	}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := streamMessage{Event: event, Data: bytes}
	for ch := range s.watchers {
		select {
		case ch <- msg:
		default:
		}
	}
}
