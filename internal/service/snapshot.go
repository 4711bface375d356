package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
)

// FormSnapshot is a form with its questions in display order and all of its
// visibility rules.
type FormSnapshot struct {
	Form      repository.Form `json:"form"`
	Questions []core.Question `json:"questions"`
	Rules     []core.Rule     `json:"rules"`
}

// QuestionIDs returns the question ids in display order.
func (f *FormSnapshot) QuestionIDs() []string {
	ids := make([]string, 0, len(f.Questions))
	for _, question := range f.Questions {
		ids = append(ids, question.ID)
	}
	return ids
}

func (f *FormSnapshot) question(id string) (core.Question, bool) {
	for _, question := range f.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return core.Question{}, false
}

// CourseSnapshot is a course with its items and its invoice rules in stored
// order.
type CourseSnapshot struct {
	Course repository.Course  `json:"course"`
	Items  []core.Item        `json:"items"`
	Rules  []core.InvoiceRule `json:"rules"`
}

func (c *CourseSnapshot) hasItem(id string) bool {
	for _, item := range c.Items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// FormSnapshot returns the cached snapshot of a form, loading it on a miss.
func (s *Service) FormSnapshot(ctx context.Context, formID string) (*FormSnapshot, error) {
	if snapshot, ok := s.forms.Get(formID); ok {
		s.recorder.IncCacheHits(kindForm)
		return snapshot, nil
	}
	s.recorder.IncCacheMisses(kindForm)

	loaded, err, _ := s.loads.Do(kindForm+":"+formID, func() (any, error) {
		generation := s.generation.Load()
		snapshot, err := s.loadFormSnapshot(ctx, formID)
		if err != nil {
			return nil, err
		}
		if s.generation.Load() == generation {
			s.forms.Add(formID, snapshot)
			s.recorder.SetCacheEntries(kindForm, s.forms.Len())
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	return loaded.(*FormSnapshot), nil
}

// CourseSnapshot returns the cached snapshot of a course, loading it on a miss.
func (s *Service) CourseSnapshot(ctx context.Context, courseID string) (*CourseSnapshot, error) {
	if snapshot, ok := s.courses.Get(courseID); ok {
		s.recorder.IncCacheHits(kindCourse)
		return snapshot, nil
	}
	s.recorder.IncCacheMisses(kindCourse)

	loaded, err, _ := s.loads.Do(kindCourse+":"+courseID, func() (any, error) {
		generation := s.generation.Load()
		snapshot, err := s.loadCourseSnapshot(ctx, courseID)
		if err != nil {
			return nil, err
		}
		if s.generation.Load() == generation {
			s.courses.Add(courseID, snapshot)
			s.recorder.SetCacheEntries(kindCourse, s.courses.Len())
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}

	return loaded.(*CourseSnapshot), nil
}

func (s *Service) loadFormSnapshot(ctx context.Context, formID string) (*FormSnapshot, error) {
	s.recorder.IncCacheLoads(kindForm)

	var (
		form      repository.Form
		questions []repository.Question
		rules     []repository.QuestionRule
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		form, err = s.repo.GetForm(groupCtx, formID)
		return err
	})
	group.Go(func() error {
		var err error
		questions, err = s.repo.ListQuestions(groupCtx, formID)
		return err
	})
	group.Go(func() error {
		var err error
		rules, err = s.repo.ListQuestionRules(groupCtx, formID)
		return err
	})
	if err := group.Wait(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFormNotFound
		}
		return nil, fmt.Errorf("load form %q: %w", formID, err)
	}

	snapshot := &FormSnapshot{
		Form:      form,
		Questions: make([]core.Question, 0, len(questions)),
		Rules:     make([]core.Rule, 0, len(rules)),
	}
	for _, row := range questions {
		question, err := questionFromRow(row)
		if err != nil {
			return nil, err
		}
		snapshot.Questions = append(snapshot.Questions, question)
	}
	for _, row := range rules {
		rule, err := ruleFromRow(row)
		if err != nil {
			return nil, err
		}
		snapshot.Rules = append(snapshot.Rules, rule)
	}

	return snapshot, nil
}

func (s *Service) loadCourseSnapshot(ctx context.Context, courseID string) (*CourseSnapshot, error) {
	s.recorder.IncCacheLoads(kindCourse)

	var (
		course repository.Course
		items  []repository.Item
		rules  []repository.CourseRule
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		course, err = s.repo.GetCourse(groupCtx, courseID)
		return err
	})
	group.Go(func() error {
		var err error
		items, err = s.repo.ListItems(groupCtx, courseID)
		return err
	})
	group.Go(func() error {
		var err error
		rules, err = s.repo.ListCourseRules(groupCtx, courseID)
		return err
	})
	if err := group.Wait(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("load course %q: %w", courseID, err)
	}

	snapshot := &CourseSnapshot{
		Course: course,
		Items:  make([]core.Item, 0, len(items)),
		Rules:  make([]core.InvoiceRule, 0, len(rules)),
	}
	for _, row := range items {
		snapshot.Items = append(snapshot.Items, itemFromRow(row))
	}
	for _, row := range rules {
		rule, err := invoiceRuleFromRow(row)
		if err != nil {
			return nil, err
		}
		snapshot.Rules = append(snapshot.Rules, rule)
	}

	return snapshot, nil
}

// reloadCache refreshes every cached snapshot from the database. Snapshots
// whose entity disappeared are dropped. A snapshot is not stored when an
// invalidation ran while it was loading.
func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(reloadCtx)
	group.SetLimit(cacheReloadConcurrency)

	for _, formID := range s.forms.Keys() {
		group.Go(func() error {
			generation := s.generation.Load()
			snapshot, err := s.loadFormSnapshot(groupCtx, formID)
			switch {
			case errors.Is(err, ErrFormNotFound):
				s.forms.Remove(formID)
			case err != nil:
				return err
			case s.generation.Load() == generation:
				s.forms.Add(formID, snapshot)
			}
			return nil
		})
	}
	for _, courseID := range s.courses.Keys() {
		group.Go(func() error {
			generation := s.generation.Load()
			snapshot, err := s.loadCourseSnapshot(groupCtx, courseID)
			switch {
			case errors.Is(err, ErrCourseNotFound):
				s.courses.Remove(courseID)
			case err != nil:
				return err
			case s.generation.Load() == generation:
				s.courses.Add(courseID, snapshot)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		s.logger.Warn("cache resync failed", "error", err)
	}
	s.recorder.SetCacheEntries(kindForm, s.forms.Len())
	s.recorder.SetCacheEntries(kindCourse, s.courses.Len())
}

func questionFromRow(row repository.Question) (core.Question, error) {
	options := make([]string, 0)
	if len(row.Options) > 0 {
		if err := json.Unmarshal(row.Options, &options); err != nil {
			return core.Question{}, fmt.Errorf("decode question %q options: %w", row.ID, err)
		}
		if options == nil {
			options = make([]string, 0)
		}
	}

	return core.Question{
		ID:               row.ID,
		Label:            row.Label,
		Type:             core.QuestionType(row.Type),
		Options:          options,
		IsConditional:    row.IsConditional,
		IsRequired:       row.IsRequired,
		IsUsedForInvoice: row.IsUsedForInvoice,
	}, nil
}

func ruleFromRow(row repository.QuestionRule) (core.Rule, error) {
	rule := core.Rule{
		ID:                row.ID,
		QuestionID:        row.QuestionID,
		Action:            core.Action(row.Action),
		TargetQuestionIDs: make([]string, 0),
		Conditions:        make([]core.Condition, 0),
	}
	if err := decodeJSON(row.TargetQuestionIDs, &rule.TargetQuestionIDs); err != nil {
		return core.Rule{}, fmt.Errorf("decode rule %q targets: %w", row.ID, err)
	}
	if err := decodeJSON(row.Conditions, &rule.Conditions); err != nil {
		return core.Rule{}, fmt.Errorf("decode rule %q conditions: %w", row.ID, err)
	}
	return rule, nil
}

func invoiceRuleFromRow(row repository.CourseRule) (core.InvoiceRule, error) {
	rule := core.InvoiceRule{
		ID:          row.ID,
		CourseID:    row.CourseID,
		LinkedItems: make([]string, 0),
		Conditions:  make([]core.Condition, 0),
	}
	if err := decodeJSON(row.LinkedItems, &rule.LinkedItems); err != nil {
		return core.InvoiceRule{}, fmt.Errorf("decode invoice rule %q items: %w", row.ID, err)
	}
	if err := decodeJSON(row.Conditions, &rule.Conditions); err != nil {
		return core.InvoiceRule{}, fmt.Errorf("decode invoice rule %q conditions: %w", row.ID, err)
	}
	return rule, nil
}

func itemFromRow(row repository.Item) core.Item {
	return core.Item{
		ID:       row.ID,
		Name:     row.Name,
		Amount:   row.Amount,
		Currency: row.Currency,
		Quantity: row.Quantity,
	}
}

func decodeJSON(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, target)
}

func newUUID() string {
	return uuid.NewString()
}
