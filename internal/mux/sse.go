package mux

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// KeepAliveInterval is how often the event stream emits a keep-alive
// comment while no session events are flowing.
const KeepAliveInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func (s *sseWriter) writeEvent(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeKeepAlive() {
	fmt.Fprintf(s.w, ": keep-alive\n\n")
	s.flusher.Flush()
}

// sessionEvents is the one-way event stream: it subscribes
// the connection to exactly one session, sends an initial connected
// sentinel, then relays runtime events as data: frames until the peer
// or the session goes away.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	rt, sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	logger := logging.WithConnection(sess.ID, r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	connected := types.SessionEvent{
		Type:      types.EventConnected,
		SessionID: sess.ID,
		Payload:   rt.Status(),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := sse.writeEvent(connected); err != nil {
		return
	}

	events, unsub := rt.Subscribe()
	defer unsub()

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				// Runtime ended (or dropped us as a slow subscriber);
				// either way the stream is over.
				return
			}
			if err := sse.writeEvent(ev); err != nil {
				logger.Debug().Err(err).Msg("mux: event stream write failed")
				return
			}
		case <-ticker.C:
			sse.writeKeepAlive()
		}
	}
}
