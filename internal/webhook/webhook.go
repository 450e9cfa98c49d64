// Package webhook is the Webhook/Replay Surface (§4.8): two thin
// operations at the boundary — message ingest and per-element history
// replay — plus the AG-UI outbound event stream and the inbound
// cancel, clear-history and user-task completion commands of §6.
// Process-graph submission has no route on this HTTP surface: graphs
// are started in-process through scheduler.Engine.StartInstance, and
// cmd/workflowd itself submits none.
//
// Grounded on the teacher's internal/api.Server: a *http.ServeMux built
// in Start, one handler method per route, writeJSON/errorResponse
// helpers, and a withLogging middleware wrapper.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/workflowd/internal/broadcaster"
	"github.com/nugget/workflowd/internal/eventstore"
	"github.com/nugget/workflowd/internal/mqueue"
)

// Engine is the subset of scheduler.Engine the webhook surface depends
// on, kept narrow to avoid an import cycle (scheduler already imports
// broadcaster/eventstore/mqueue directly).
type Engine interface {
	Store() *eventstore.Store
	Broadcaster() *broadcaster.Broadcaster
	Queue() *mqueue.Queue
	CancelInstance(instanceID, reason string) bool
	CompleteUserTask(taskID, decision, comments string) bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server hosts the webhook ingress routes, the replay/clear-history
// routes, and the AG-UI websocket stream.
type Server struct {
	engine Engine
	logger *slog.Logger
	server *http.Server
}

// NewServer builds a Server bound to engine.
func NewServer(engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger}
}

// Mux builds the route table. Exposed separately from Start so tests
// can drive it directly with httptest, matching
// internal/web/server_test.go's approach of registering onto a fresh
// mux rather than binding a real listener.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhooks/{messageRef}/{correlationKey}", s.handleIngestPath)
	mux.HandleFunc("POST /webhooks/message", s.handleIngestBody)
	mux.HandleFunc("GET /webhooks/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /webhooks/queue/{correlationKey}", s.handleQueueGet)
	mux.HandleFunc("DELETE /webhooks/queue/{correlationKey}", s.handleQueueDelete)

	mux.HandleFunc("POST /instances/{id}/cancel", s.handleCancelInstance)
	mux.HandleFunc("POST /tasks/{taskId}/complete", s.handleCompleteUserTask)
	mux.HandleFunc("POST /replay/{elementId}", s.handleReplay)
	mux.HandleFunc("GET /history/{elementId}", s.handleGetHistory)
	mux.HandleFunc("DELETE /history/{elementId}", s.handleClearHistory)

	mux.HandleFunc("GET /stream", s.handleStream)

	return mux
}

// Start begins serving HTTP requests on addr.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.Mux()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the AG-UI stream is long-lived
	}
	s.logger.Info("starting webhook/replay server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

// ingestResponse is the response shape required by §6:
// {status, delivered, messageRef, correlationKey}.
type ingestResponse struct {
	Status         string `json:"status"`
	Delivered      bool   `json:"delivered"`
	MessageRef     string `json:"messageRef"`
	CorrelationKey string `json:"correlationKey"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, messageRef, correlationKey string, payload map[string]any) {
	if messageRef == "" || correlationKey == "" {
		s.errorResponse(w, http.StatusBadRequest, "messageRef and correlationKey are required")
		return
	}
	delivered := s.engine.Queue().Deliver(messageRef, correlationKey, payload)
	writeJSON(w, ingestResponse{
		Status:         "received",
		Delivered:      delivered,
		MessageRef:     messageRef,
		CorrelationKey: correlationKey,
	}, s.logger)
}

// handleIngestPath implements POST /webhooks/{messageRef}/{correlationKey}.
func (s *Server) handleIngestPath(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	s.ingest(w, r, r.PathValue("messageRef"), r.PathValue("correlationKey"), payload)
}

type ingestMessageRequest struct {
	MessageRef     string         `json:"messageRef"`
	CorrelationKey string         `json:"correlationKey"`
	Payload        map[string]any `json:"payload"`
}

// handleIngestBody implements POST /webhooks/message.
func (s *Server) handleIngestBody(w http.ResponseWriter, r *http.Request) {
	var req ingestMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.ingest(w, r, req.MessageRef, req.CorrelationKey, req.Payload)
}

// handleQueueStats implements GET /webhooks/queue/stats.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Queue().Stats(), s.logger)
}

// handleQueueGet implements GET /webhooks/queue/{correlationKey}: the
// occupancy for a single key, sliced out of the overall Stats.
func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("correlationKey")
	stats := s.engine.Queue().Stats()
	writeJSON(w, map[string]any{
		"correlationKey": key,
		"queued":         stats.QueuedCounts[key],
		"waiting":        stats.WaitingCounts[key],
	}, s.logger)
}

// handleQueueDelete implements DELETE /webhooks/queue/{correlationKey}.
func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("correlationKey")
	s.engine.Queue().Clear(key)
	writeJSON(w, map[string]any{"status": "cleared", "correlationKey": key}, s.logger)
}

// handleCancelInstance implements the inbound cancel-request command
// (§6): POST /instances/{id}/cancel {reason}.
func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	id := r.PathValue("id")
	if !s.engine.CancelInstance(id, req.Reason) {
		s.errorResponse(w, http.StatusNotFound, "instance not found or already complete")
		return
	}
	writeJSON(w, map[string]any{"status": "cancelling", "instanceId": id}, s.logger)
}

// handleCompleteUserTask implements the inbound userTask.complete
// command (§6): POST /tasks/{taskId}/complete {decision, comments}.
func (s *Server) handleCompleteUserTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
		Comments string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	taskID := r.PathValue("taskId")
	if !s.engine.CompleteUserTask(taskID, req.Decision, req.Comments) {
		s.errorResponse(w, http.StatusNotFound, "no user task waiting with that id")
		return
	}
	writeJSON(w, map[string]any{"status": "completed", "taskId": taskID}, s.logger)
}

func snapshotEnvelope(elementID string, events []*eventstore.RawEvent) broadcaster.Envelope {
	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		var data map[string]any
		_ = json.Unmarshal([]byte(ev.EventData), &data)
		items = append(items, map[string]any{
			"type":      ev.EventType,
			"timestamp": ev.Timestamp,
			"data":      data,
		})
	}
	return broadcaster.Envelope{
		Type:      "messages.snapshot",
		ElementID: elementID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"elementId": elementID, "events": items},
	}
}

// handleReplay implements replay(element_id) (§4.8): POST
// /replay/{elementId} fetches the element's raw event history in
// exact seq order and returns a single messages.snapshot envelope to
// the requester. The snapshot goes only to this caller — never through
// the broadcaster, which would persist it back into the very history
// it reconstructs. Connected AG-UI clients request their own replays
// with a replay.request message on the stream.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	elementID := r.PathValue("elementId")
	if elementID == "" {
		s.errorResponse(w, http.StatusBadRequest, "elementId is required")
		return
	}

	events, err := s.engine.Store().GetRawEvents(elementID)
	if err != nil {
		s.logger.Error("replay failed", "elementId", elementID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "replay failed")
		return
	}

	writeJSON(w, snapshotEnvelope(elementID, events), s.logger)
}

// handleGetHistory returns an element's structured thread history —
// messages, thinking traces, and tool executions ordered by timestamp —
// for clients that want the reconstructed conversation rather than the
// raw event feed a replay snapshot carries.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	elementID := r.PathValue("elementId")
	h, err := s.engine.Store().GetThreadHistory(elementID)
	if err != nil {
		s.logger.Error("get history failed", "elementId", elementID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get history failed")
		return
	}
	writeJSON(w, map[string]any{
		"elementId": elementID,
		"messages":  h.Messages,
		"thinking":  h.Thinking,
		"tools":     h.Tools,
	}, s.logger)
}

// handleClearHistory implements the inbound clear-history command
// (§6, §4.8's "clear.history" special event): DELETE /history/{elementId}.
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	elementID := r.PathValue("elementId")
	if err := s.engine.Store().ClearElementHistory(elementID); err != nil {
		s.logger.Error("clear history failed", "elementId", elementID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "clear history failed")
		return
	}
	writeJSON(w, map[string]any{"status": "cleared", "elementId": elementID}, s.logger)
}
