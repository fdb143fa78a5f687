// Package server exposes a board.Client over HTTP: JSON endpoints for every
// client operation and a per-board SSE stream of cache changes.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"trellosync/internal/board"
	"trellosync/internal/model"
	"trellosync/internal/store"
)

// recentAdvisories bounds the advisory history kept for GET /api/advisories.
const recentAdvisories = 100

type Server struct {
	client *board.Client
	log    *slog.Logger
	bus    *EventBus

	mu     sync.Mutex
	recent []advisoryView
}

type advisoryView struct {
	board.Advisory
	Error string `json:"error,omitempty"`
}

func New(c *board.Client, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{client: c, log: log, bus: NewEventBus()}
}

// Handler returns the routed API wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return withLogging(s.log, mux)
}

// Run forwards cache changes and advisories to event streams until ctx is
// done. It waits for the client to finish loading first.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-s.client.Ready():
	case <-s.client.Done():
		return board.ErrClosed
	case <-ctx.Done():
		return nil
	}
	unsubscribe, err := s.client.SubscribeAll(ctx, s.publishNotice)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return nil
		case a := <-s.client.Advisories():
			s.record(a)
		}
	}
}

func (s *Server) publishNotice(n board.Notice) {
	ev := Event{
		Type:    entityName(n.Change.Table) + ".updated",
		Entity:  entityName(n.Change.Table),
		ID:      n.Change.ID,
		BoardID: n.Change.BoardID,
	}
	if n.Change.Op == store.OpRemove {
		ev.Type = ev.Entity + ".deleted"
	}
	if n.Found {
		ev.Payload = n.Board
	}
	s.bus.Publish(ev)
}

func (s *Server) record(a board.Advisory) {
	v := advisoryView{Advisory: a}
	if a.Err != nil {
		v.Error = a.Err.Error()
	}
	s.mu.Lock()
	s.recent = append(s.recent, v)
	if len(s.recent) > recentAdvisories {
		s.recent = s.recent[len(s.recent)-recentAdvisories:]
	}
	s.mu.Unlock()
	if a.BoardID != "" {
		s.bus.Publish(Event{Type: "advisory", Entity: entityName(a.Table), ID: a.ID, BoardID: a.BoardID, Payload: v})
	}
}

func (s *Server) advisories() []advisoryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]advisoryView, len(s.recent))
	copy(out, s.recent)
	return out
}

func entityName(t model.Table) string {
	return strings.TrimSuffix(string(t), "s")
}

// fail maps client errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, board.ErrInvalidInput):
		writeError(w, 400, err.Error())
	case errors.Is(err, board.ErrInvalidParent):
		writeError(w, 422, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, 404, "not found")
	case errors.Is(err, board.ErrClosed):
		writeError(w, 503, "unavailable")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.log.Error(op, "err", err)
		writeError(w, 500, "internal error")
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := sonic.ConfigStd.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func withLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		log.Info("http", "method", r.Method, "path", r.URL.Path, "status", sw.status, "dur_ms", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }

// Flush lets SSE handlers stream through the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
