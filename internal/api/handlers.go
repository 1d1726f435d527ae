package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/glitchtip/backend/internal/auth"
	"github.com/glitchtip/backend/internal/event"
	"github.com/glitchtip/backend/internal/ingest"
	"github.com/glitchtip/backend/internal/wire"
)

// autoIPToken in user.ip_address asks the server to fill the client address.
const autoIPToken = "{{auto}}"

// checkRequest runs the shared front half of every ingest handler: project
// id, public key, gate verdict. A nil return means the response was already
// written.
func (s *Server) checkRequest(w http.ResponseWriter, r *http.Request) *auth.ProjectInfo {
	projectID, err := strconv.ParseInt(mux.Vars(r)["project_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return nil
	}

	key, err := auth.PublicKeyFromRequest(r)
	if err != nil {
		s.metrics.EventsRejected.WithLabelValues("missing_key").Inc()
		writeError(w, http.StatusForbidden, "missing public key")
		return nil
	}

	info, err := s.gate.Check(r.Context(), projectID, key)
	if err != nil {
		var throttle *auth.ThrottleError
		switch {
		case errors.As(err, &throttle):
			s.metrics.EventsRejected.WithLabelValues("throttled").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(throttle.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "throttled")
		case errors.Is(err, auth.ErrInvalidDSN):
			s.metrics.EventsRejected.WithLabelValues("invalid_dsn").Inc()
			writeError(w, http.StatusForbidden, "invalid DSN")
		default:
			s.logger.Error("gate check failed", "project_id", projectID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return nil
	}
	return info
}

// bodyReader opens the capped, decompressed request body. A nil return
// means the response was already written.
func (s *Server) bodyReader(w http.ResponseWriter, r *http.Request) io.Reader {
	reader, err := wire.BodyReader(r.Body, r.Header.Get("Content-Encoding"), s.cfg.Server.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported content encoding")
		return nil
	}
	return reader
}

// handleStore is the legacy single-event endpoint. Replayed event ids get a
// 422 so old SDK retry loops stop.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	info := s.checkRequest(w, r)
	if info == nil {
		return
	}
	body := s.bodyReader(w, r)
	if body == nil {
		return
	}

	payload, err := io.ReadAll(body)
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	ev := &event.Event{}
	if err := json.Unmarshal(payload, ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	event.Normalize(ev, time.Now())
	s.applyClientIP(ev, r, info)

	seen, err := s.proc.Seen(r.Context(), info.ProjectID, ev.EventID)
	if err != nil {
		s.logger.Warn("dedup check failed", "error", err)
	} else if seen {
		writeError(w, http.StatusUnprocessableEntity, "event already received: "+ev.EventID)
		return
	}

	if !s.enqueue(w, r, ev, info) {
		return
	}
	s.metrics.EventsReceived.WithLabelValues("event").Inc()
	s.metrics.EventsAccepted.WithLabelValues("event").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"id": ev.EventID})
}

// handleEnvelope ingests the modern envelope format. Duplicate events are
// dropped silently; the envelope as a whole still answers 200.
func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	info := s.checkRequest(w, r)
	if info == nil {
		return
	}
	body := s.bodyReader(w, r)
	if body == nil {
		return
	}

	env, err := wire.ParseEnvelope(body)
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	responseID := env.Header.EventID
	for _, item := range env.Items {
		itemType := string(item.Header.Type)
		s.metrics.EventsReceived.WithLabelValues(itemType).Inc()

		ev := &event.Event{}
		if err := json.Unmarshal(item.Payload, ev); err != nil {
			s.metrics.EventsRejected.WithLabelValues("invalid_json").Inc()
			continue
		}
		if item.Header.Type == wire.ItemTransaction {
			ev.Type = event.TypeTransaction
		}
		if ev.EventID == "" {
			ev.EventID = env.Header.EventID
		}
		event.Normalize(ev, time.Now())
		s.applyClientIP(ev, r, info)
		if responseID == "" {
			responseID = ev.EventID
		}

		seen, err := s.proc.Seen(r.Context(), info.ProjectID, ev.EventID)
		if err != nil {
			s.logger.Warn("dedup check failed", "error", err)
		} else if seen {
			s.metrics.EventsRejected.WithLabelValues("duplicate").Inc()
			continue
		}

		if !s.enqueue(w, r, ev, info) {
			return
		}
		s.metrics.EventsAccepted.WithLabelValues(itemType).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": responseID})
}

// handleSecurity ingests browser CSP violation reports.
func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	info := s.checkRequest(w, r)
	if info == nil {
		return
	}
	body := s.bodyReader(w, r)
	if body == nil {
		return
	}

	payload, err := io.ReadAll(body)
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	ev, err := event.ParseCSPReport(payload, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid security report")
		return
	}

	seen, err := s.proc.Seen(r.Context(), info.ProjectID, ev.EventID)
	if err != nil {
		s.logger.Warn("dedup check failed", "error", err)
	} else if seen {
		w.WriteHeader(http.StatusCreated)
		return
	}

	if !s.enqueue(w, r, ev, info) {
		return
	}
	s.metrics.EventsReceived.WithLabelValues("security").Inc()
	s.metrics.EventsAccepted.WithLabelValues("security").Inc()
	w.WriteHeader(http.StatusCreated)
}

// enqueue hands the event to the batch tier, answering 429 when the queue
// is full. A rejected event id is released from the dedup window so the
// client's retry is accepted rather than answered as a replay. Returns false
// when the response was written.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, ev *event.Event, info *auth.ProjectInfo) bool {
	if err := s.batcher.Enqueue(&ingest.Job{Event: ev, Project: info}); err != nil {
		s.proc.Forget(r.Context(), info.ProjectID, ev.EventID)
		writeError(w, http.StatusTooManyRequests, "server overloaded")
		return false
	}
	return true
}

// applyClientIP fills the auto token from the connection and honors the
// project's IP scrubbing flag.
func (s *Server) applyClientIP(ev *event.Event, r *http.Request, info *auth.ProjectInfo) {
	if ev.User == nil {
		return
	}
	if ev.User.IPAddress == autoIPToken {
		ev.User.IPAddress = auth.ClientIP(r)
	}
	if info.ScrubIP && ev.User.IPAddress != "" {
		ev.User.IPAddress = auth.AnonymizeIP(ev.User.IPAddress)
	}
}

// writeReadError maps body read failures: decompression overflow is the
// client's fault, anything else is a plain bad request.
func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, wire.ErrTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if errors.Is(err, wire.ErrMalformed) {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	writeError(w, http.StatusBadRequest, "unreadable request body")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
