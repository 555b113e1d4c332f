package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/landoncolburn/devpod/internal/events"
)

const keepAliveInterval = 15 * time.Second

// eventFilter narrows the stream to the event types a view cares about.
// An empty filter passes everything.
type eventFilter map[string]struct{}

func parseEventFilter(raw string) eventFilter {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	f := make(eventFilter)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) allows(ev events.Event) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[ev.Type]
	return ok
}

// handleEvents streams hub events as SSE. Clients may resume with
// Last-Event-ID and narrow the stream with ?types=a,b.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseEventFilter(r.URL.Query().Get("types"))

	// Subscribe before replaying the buffer so no event falls in the gap.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	replayed := lastID
	for _, ev := range s.hub.SnapshotSince(lastID) {
		if !filter.allows(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
		replayed = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			// The subscription may overlap the replayed snapshot.
			if ev.ID <= replayed || !filter.allows(ev) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event as id/event/data lines.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Payloads are single-line JSON, safe on one data line.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
