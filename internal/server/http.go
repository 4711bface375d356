package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/formz/internal/metrics"
	"github.com/matt-riley/formz/internal/middleware"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
	defaultReadinessTimeout   = 2 * time.Second
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// ReadinessProbe reports whether the server's dependencies are reachable.
type ReadinessProbe func(ctx context.Context) error

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metrics            *metrics.Metrics
	ready              ReadinessProbe
	logger             *slog.Logger
}

type HTTPOption func(*HTTPServer)

func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize limits the size of JSON request bodies. Values <= 0
// keep the 1MB default.
func WithMaxJSONBodySize(size int64) HTTPOption {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodyBytes = size
		}
	}
}

// WithMetrics records request metrics and serves them on GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// WithReadinessProbe makes GET /healthz report 503 while probe fails.
func WithReadinessProbe(probe ReadinessProbe) HTTPOption {
	return func(s *HTTPServer) {
		s.ready = probe
	}
}

func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/forms", server.handleCreateForm)
	mux.HandleFunc("GET /v1/forms", server.handleListForms)
	mux.HandleFunc("GET /v1/forms/{id}", server.handleGetForm)
	mux.HandleFunc("PUT /v1/forms/{id}", server.handleUpdateForm)
	mux.HandleFunc("DELETE /v1/forms/{id}", server.handleDeleteForm)

	mux.HandleFunc("GET /v1/forms/{id}/questions", server.handleListQuestions)
	mux.HandleFunc("POST /v1/forms/{id}/questions", server.handleCreateQuestion)
	mux.HandleFunc("PUT /v1/forms/{id}/questions/order", server.handleReorderQuestions)
	mux.HandleFunc("PUT /v1/questions/{id}", server.handleUpdateQuestion)
	mux.HandleFunc("DELETE /v1/questions/{id}", server.handleDeleteQuestion)
	mux.HandleFunc("POST /v1/questions/{id}/move", server.handleMoveQuestion)

	mux.HandleFunc("GET /v1/questions/{id}/rules", server.handleListRules)
	mux.HandleFunc("POST /v1/questions/{id}/rules", server.handleCreateRule)
	mux.HandleFunc("PUT /v1/rules/{id}", server.handleUpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", server.handleDeleteRule)

	mux.HandleFunc("POST /v1/forms/{id}/visibility", server.handlePreviewVisibility)
	mux.HandleFunc("POST /v1/forms/{id}/submissions", server.handleSubmit)
	mux.HandleFunc("GET /v1/forms/{id}/submissions", server.handleListSubmissions)

	mux.HandleFunc("POST /v1/courses", server.handleCreateCourse)
	mux.HandleFunc("GET /v1/courses", server.handleListCourses)
	mux.HandleFunc("GET /v1/courses/{id}", server.handleGetCourse)
	mux.HandleFunc("PUT /v1/courses/{id}", server.handleUpdateCourse)
	mux.HandleFunc("DELETE /v1/courses/{id}", server.handleDeleteCourse)

	mux.HandleFunc("GET /v1/courses/{id}/items", server.handleListItems)
	mux.HandleFunc("POST /v1/courses/{id}/items", server.handleCreateItem)
	mux.HandleFunc("PUT /v1/items/{id}", server.handleUpdateItem)
	mux.HandleFunc("DELETE /v1/items/{id}", server.handleDeleteItem)

	mux.HandleFunc("GET /v1/courses/{id}/rules", server.handleListInvoiceRules)
	mux.HandleFunc("POST /v1/courses/{id}/rules", server.handleCreateInvoiceRule)
	mux.HandleFunc("PUT /v1/invoice-rules/{id}", server.handleUpdateInvoiceRule)
	mux.HandleFunc("DELETE /v1/invoice-rules/{id}", server.handleDeleteInvoiceRule)
	mux.HandleFunc("POST /v1/courses/{id}/invoice", server.handleSelectInvoice)

	mux.HandleFunc("GET /v1/audit", server.handleListAuditLog)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.withMetrics(mux)
}

// withMetrics wraps the mux directly so r.Pattern holds the matched route
// once the mux has served the request.
func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		s.metrics.ObserveHTTP(r.Method, r.Pattern, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type streamEvent struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// handleStream serves change events as SSE. The optional entityType and
// entityId query parameters narrow the stream to one form or course.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	entityType := strings.TrimSpace(r.URL.Query().Get("entityType"))
	entityID := strings.TrimSpace(r.URL.Query().Get("entityId"))
	if entityID != "" && entityType == "" {
		writeJSONError(w, http.StatusBadRequest, "entityId requires entityType")
		return
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), lastEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	controller := http.NewResponseController(w)
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		s.logger.WarnContext(r.Context(), "sse flush unsupported", "error", err)
		return
	}

	if s.metrics != nil {
		defer s.metrics.StreamOpened("sse")()
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.Event) error {
		for _, event := range events {
			currentEventID = event.EventID
			if !matchesStreamFilter(event, entityType, entityID) {
				continue
			}
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload, err := encodeStreamEvent(event)
			if err != nil {
				return err
			}
			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			if err := controller.Flush(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, controller, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func matchesStreamFilter(event repository.Event, entityType, entityID string) bool {
	if entityType != "" && event.EntityType != entityType {
		return false
	}
	if entityID != "" && event.EntityID != entityID {
		return false
	}
	return true
}

func encodeStreamEvent(event repository.Event) ([]byte, error) {
	payload := event.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal(streamEvent{
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Payload:    payload,
		CreatedAt:  event.CreatedAt,
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), defaultReadinessTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(ctx, "readiness probe failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := r.URL.Query()
	entries, err := s.service.ListAuditLog(r.Context(), strings.TrimSpace(query.Get("entityType")), strings.TrimSpace(query.Get("entityId")), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

// parsePage reads the limit and offset query parameters. Zero values are left
// for the service to default.
func parsePage(r *http.Request) (limit, offset int, err error) {
	query := r.URL.Query()
	if limit, err = parseNonNegative(query.Get("limit")); err != nil {
		return 0, 0, errors.New("invalid limit")
	}
	if offset, err = parseNonNegative(query.Get("offset")); err != nil {
		return 0, 0, errors.New("invalid offset")
	}
	return limit, offset, nil
}

func parseNonNegative(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

// toSSEEventName returns the SSE event name for an event type, or "" when the
// type cannot be written on a single SSE line.
func toSSEEventName(eventType string) string {
	name := strings.ToLower(strings.TrimSpace(eventType))
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return ""
	}
	return name
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
}

type errorResponse struct {
	Error       string            `json:"error"`
	Fields      map[string]string `json:"fields,omitempty"`
	QuestionIDs []string          `json:"questionIds,omitempty"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input", Fields: validationErr.Fields})
		return
	}

	var missingErr *service.MissingAnswersError
	if errors.As(err, &missingErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:       serviceErrorMessage(err),
			QuestionIDs: missingErr.QuestionIDs,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidItem):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidOrder):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrFormNotFound),
		errors.Is(err, service.ErrQuestionNotFound),
		errors.Is(err, service.ErrRuleNotFound),
		errors.Is(err, service.ErrCourseNotFound),
		errors.Is(err, service.ErrItemNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrMissingRequiredAnswers):
		writeJSONError(w, http.StatusUnprocessableEntity, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrFormNotFound):
		return "form not found"
	case errors.Is(err, service.ErrQuestionNotFound):
		return "question not found"
	case errors.Is(err, service.ErrRuleNotFound):
		return "rule not found"
	case errors.Is(err, service.ErrCourseNotFound):
		return "course not found"
	case errors.Is(err, service.ErrItemNotFound):
		return "item not found"
	case errors.Is(err, service.ErrMissingRequiredAnswers):
		return "missing required answers"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, controller *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = controller.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

func requestLogger(r *http.Request) *slog.Logger {
	return middleware.LoggerFromContext(r.Context())
}
