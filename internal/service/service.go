// Package service implements the formz use cases on top of a [Repository]:
// form, course and rule management, visibility previews, invoice selection
// and submissions. Form and course snapshots are cached in bounded LRU
// caches kept fresh by PostgreSQL change notifications.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/session"
)

const (
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	defaultCacheSize           = 512
	cacheReloadTimeout         = 5 * time.Second
	cacheReloadConcurrency     = 4

	kindForm   = "form"
	kindCourse = "course"
)

var (
	ErrFormNotFound           = errors.New("form not found")
	ErrQuestionNotFound       = errors.New("question not found")
	ErrRuleNotFound           = errors.New("rule not found")
	ErrCourseNotFound         = errors.New("course not found")
	ErrItemNotFound           = errors.New("item not found")
	ErrInvalidRule            = errors.New("invalid rule")
	ErrInvalidOrder           = errors.New("invalid question order")
	ErrInvalidItem            = errors.New("invalid item")
	ErrMissingRequiredAnswers = errors.New("missing required answers")
)

type Repository interface {
	CreateForm(ctx context.Context, form repository.Form) (repository.Form, error)
	UpdateForm(ctx context.Context, form repository.Form) (repository.Form, error)
	GetForm(ctx context.Context, id string) (repository.Form, error)
	ListForms(ctx context.Context) ([]repository.Form, error)
	DeleteForm(ctx context.Context, id string) error

	CreateQuestion(ctx context.Context, question repository.Question) (repository.Question, error)
	UpdateQuestion(ctx context.Context, question repository.Question) (repository.Question, error)
	GetQuestion(ctx context.Context, id string) (repository.Question, error)
	ListQuestions(ctx context.Context, formID string) ([]repository.Question, error)
	DeleteQuestion(ctx context.Context, id string) error
	ReorderQuestions(ctx context.Context, formID string, ids []string) error

	CreateQuestionRule(ctx context.Context, rule repository.QuestionRule) (repository.QuestionRule, error)
	UpdateQuestionRule(ctx context.Context, rule repository.QuestionRule) (repository.QuestionRule, error)
	GetQuestionRule(ctx context.Context, id string) (repository.QuestionRule, error)
	ListQuestionRules(ctx context.Context, formID string) ([]repository.QuestionRule, error)
	DeleteQuestionRule(ctx context.Context, id string) error

	CreateCourse(ctx context.Context, course repository.Course) (repository.Course, error)
	UpdateCourse(ctx context.Context, course repository.Course) (repository.Course, error)
	GetCourse(ctx context.Context, id string) (repository.Course, error)
	ListCourses(ctx context.Context) ([]repository.Course, error)
	DeleteCourse(ctx context.Context, id string) error

	CreateItem(ctx context.Context, item repository.Item) (repository.Item, error)
	UpdateItem(ctx context.Context, item repository.Item) (repository.Item, error)
	GetItem(ctx context.Context, id string) (repository.Item, error)
	ListItems(ctx context.Context, courseID string) ([]repository.Item, error)
	DeleteItem(ctx context.Context, id string) error

	CreateCourseRule(ctx context.Context, rule repository.CourseRule) (repository.CourseRule, error)
	UpdateCourseRule(ctx context.Context, rule repository.CourseRule) (repository.CourseRule, error)
	GetCourseRule(ctx context.Context, id string) (repository.CourseRule, error)
	ListCourseRules(ctx context.Context, courseID string) ([]repository.CourseRule, error)
	DeleteCourseRule(ctx context.Context, id string) error

	CreateSubmission(ctx context.Context, submission repository.Submission) (repository.Submission, error)
	ListSubmissions(ctx context.Context, formID string, limit, offset int) ([]repository.Submission, error)

	PublishEvent(ctx context.Context, event repository.Event) (repository.Event, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error)
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, entityType, entityID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan repository.Invalidation, error)
}

// Recorder receives cache and evaluation measurements.
type Recorder interface {
	IncCacheHits(kind string)
	IncCacheMisses(kind string)
	IncCacheLoads(kind string)
	IncCacheInvalidations()
	SetCacheEntries(kind string, entries int)
	RecordEvaluation(kind string, matched bool)
	IncSubmissions()
}

type nopRecorder struct{}

func (nopRecorder) IncCacheHits(string) {}
func (nopRecorder) IncCacheMisses(string) {}
func (nopRecorder) IncCacheLoads(string) {}
func (nopRecorder) IncCacheInvalidations() {}
func (nopRecorder) SetCacheEntries(string, int) {}
func (nopRecorder) RecordEvaluation(string, bool) {}
func (nopRecorder) IncSubmissions() {}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithCacheResyncInterval sets how often cached snapshots are reloaded even
// without change notifications.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithCacheSize bounds the number of form and course snapshots cached each.
func WithCacheSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.cacheSize = size
		}
	}
}

// WithIDGenerator replaces the UUID generator used for new rows.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

type Service struct {
	repo           Repository
	logger         *slog.Logger
	recorder       Recorder
	tracer         trace.Tracer
	validator      *inputValidator
	newID          func() string
	resyncInterval time.Duration
	cacheSize      int

	forms      *lru.Cache[string, *FormSnapshot]
	courses    *lru.Cache[string, *CourseSnapshot]
	loads      singleflight.Group
	generation atomic.Uint64
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		recorder:       nopRecorder{},
		tracer:         otel.Tracer("github.com/matt-riley/formz/internal/service"),
		validator:      newInputValidator(),
		newID:          newUUID,
		resyncInterval: defaultCacheResyncInterval,
		cacheSize:      defaultCacheSize,
	}
	for _, opt := range opts {
		opt(svc)
	}

	var err error
	if svc.forms, err = lru.New[string, *FormSnapshot](svc.cacheSize); err != nil {
		return nil, fmt.Errorf("create form cache: %w", err)
	}
	if svc.courses, err = lru.New[string, *CourseSnapshot](svc.cacheSize); err != nil {
		return nil, fmt.Errorf("create course cache: %w", err)
	}

	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// ListEventsSince returns change events with IDs greater than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// ListAuditLog returns audit entries for a form or course, newest first.
func (s *Service) ListAuditLog(ctx context.Context, entityType, entityID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	entries, err := s.repo.ListAuditLog(ctx, entityType, entityID, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}

	return entries, nil
}

// invalidate drops the cached snapshot of an entity. A zero entity type drops
// everything.
func (s *Service) invalidate(entityType, entityID string) {
	s.generation.Add(1)

	switch entityType {
	case kindForm:
		s.forms.Remove(entityID)
	case kindCourse:
		s.courses.Remove(entityID)
	default:
		s.forms.Purge()
		s.courses.Purge()
	}

	s.recorder.SetCacheEntries(kindForm, s.forms.Len())
	s.recorder.SetCacheEntries(kindCourse, s.courses.Len())
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case invalidation, ok := <-invalidations:
				if !ok {
					// Drop everything: notifications may have been missed.
					s.invalidate("", "")
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						s.logger.Warn("resubscribe cache invalidation failed", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.recorder.IncCacheInvalidations()
				s.invalidate(invalidation.EntityType, invalidation.EntityID)
			}
		}
	}()

	return nil
}

// recordChange runs after a committed mutation: it drops the stale snapshot,
// then publishes a change event and writes an audit entry, both best effort.
func (s *Service) recordChange(ctx context.Context, entityType, entityID, eventType string, payload any) {
	s.invalidate(entityType, entityID)

	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal change payload failed", "event_type", eventType, "error", err)
		encoded = nil
	}

	// Mutations have already committed before events are published.
	bestEffortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if _, err := s.repo.PublishEvent(bestEffortCtx, repository.Event{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		Payload:    encoded,
	}); err != nil {
		s.logger.Warn("publish change event failed", "event_type", eventType, "entity_id", entityID, "error", err)
	}

	if err := s.repo.InsertAuditLog(bestEffortCtx, repository.AuditLogEntry{
		APIKeyID:   session.APIKeyID(ctx),
		Action:     eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    encoded,
	}); err != nil {
		s.logger.Warn("write audit log failed", "event_type", eventType, "entity_id", entityID, "error", err)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
