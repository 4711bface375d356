package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
)

const (
	EventFormCreated     = "form_created"
	EventFormUpdated     = "form_updated"
	EventFormDeleted     = "form_deleted"
	EventQuestionCreated = "question_created"
	EventQuestionUpdated = "question_updated"
	EventQuestionDeleted = "question_deleted"
	EventQuestionsOrder  = "questions_reordered"
	EventRuleCreated     = "rule_created"
	EventRuleUpdated     = "rule_updated"
	EventRuleDeleted     = "rule_deleted"
)

type FormInput struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	CourseID    string `json:"courseId" validate:"omitempty,max=64"`
}

type QuestionInput struct {
	Label            string            `json:"label" validate:"required,max=2000"`
	Type             core.QuestionType `json:"type" validate:"required,questiontype"`
	Options          []string          `json:"options" validate:"omitempty,dive,required"`
	IsConditional    bool              `json:"isConditional"`
	IsRequired       bool              `json:"isRequired"`
	IsUsedForInvoice bool              `json:"isUsedForInvoice"`
}

type RuleInput struct {
	Action            core.Action      `json:"action" validate:"required,oneof=show hide"`
	TargetQuestionIDs []string         `json:"targetQuestionIds" validate:"required,min=1,dive,required"`
	Conditions        []core.Condition `json:"conditions" validate:"required,min=1"`
}

func (in RuleInput) rule() core.Rule {
	return core.Rule{
		Action:            in.Action,
		TargetQuestionIDs: in.TargetQuestionIDs,
		Conditions:        in.Conditions,
	}
}

func (s *Service) CreateForm(ctx context.Context, input FormInput) (repository.Form, error) {
	if err := s.validateFormInput(ctx, input); err != nil {
		return repository.Form{}, err
	}

	created, err := s.repo.CreateForm(ctx, repository.Form{
		ID:          s.newID(),
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		CourseID:    optionalString(input.CourseID),
	})
	if err != nil {
		return repository.Form{}, fmt.Errorf("create form: %w", err)
	}

	s.recordChange(ctx, kindForm, created.ID, EventFormCreated, created)
	return created, nil
}

func (s *Service) UpdateForm(ctx context.Context, formID string, input FormInput) (repository.Form, error) {
	if err := s.validateFormInput(ctx, input); err != nil {
		return repository.Form{}, err
	}

	updated, err := s.repo.UpdateForm(ctx, repository.Form{
		ID:          formID,
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		CourseID:    optionalString(input.CourseID),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindForm, formID)
			return repository.Form{}, ErrFormNotFound
		}
		return repository.Form{}, fmt.Errorf("update form: %w", err)
	}

	s.recordChange(ctx, kindForm, formID, EventFormUpdated, updated)
	return updated, nil
}

func (s *Service) validateFormInput(ctx context.Context, input FormInput) error {
	if err := s.validator.Struct(input); err != nil {
		return err
	}
	if input.CourseID == "" {
		return nil
	}
	if _, err := s.CourseSnapshot(ctx, input.CourseID); err != nil {
		if errors.Is(err, ErrCourseNotFound) {
			return fieldError("courseId", "courseId must reference an existing course")
		}
		return err
	}
	return nil
}

// GetForm returns the form with its questions and rules.
func (s *Service) GetForm(ctx context.Context, formID string) (*FormSnapshot, error) {
	if strings.TrimSpace(formID) == "" {
		return nil, ErrFormNotFound
	}
	return s.FormSnapshot(ctx, formID)
}

func (s *Service) ListForms(ctx context.Context) ([]repository.Form, error) {
	forms, err := s.repo.ListForms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	return forms, nil
}

func (s *Service) DeleteForm(ctx context.Context, formID string) error {
	if err := s.repo.DeleteForm(ctx, formID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindForm, formID)
			return ErrFormNotFound
		}
		return fmt.Errorf("delete form: %w", err)
	}

	s.recordChange(ctx, kindForm, formID, EventFormDeleted, map[string]string{"id": formID})
	return nil
}

// CreateQuestion appends a question to a form.
func (s *Service) CreateQuestion(ctx context.Context, formID string, input QuestionInput) (core.Question, error) {
	if err := s.validateQuestionInput(input); err != nil {
		return core.Question{}, err
	}
	if _, err := s.FormSnapshot(ctx, formID); err != nil {
		return core.Question{}, err
	}

	row, err := questionRow(input)
	if err != nil {
		return core.Question{}, err
	}
	row.ID = s.newID()
	row.FormID = formID

	created, err := s.repo.CreateQuestion(ctx, row)
	if err != nil {
		return core.Question{}, fmt.Errorf("create question: %w", err)
	}

	question, err := questionFromRow(created)
	if err != nil {
		return core.Question{}, err
	}
	s.recordChange(ctx, kindForm, formID, EventQuestionCreated, question)
	return question, nil
}

func (s *Service) UpdateQuestion(ctx context.Context, questionID string, input QuestionInput) (core.Question, error) {
	if err := s.validateQuestionInput(input); err != nil {
		return core.Question{}, err
	}

	row, err := questionRow(input)
	if err != nil {
		return core.Question{}, err
	}
	row.ID = questionID

	updated, err := s.repo.UpdateQuestion(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Question{}, ErrQuestionNotFound
		}
		return core.Question{}, fmt.Errorf("update question: %w", err)
	}

	question, err := questionFromRow(updated)
	if err != nil {
		return core.Question{}, err
	}
	s.recordChange(ctx, kindForm, updated.FormID, EventQuestionUpdated, question)
	return question, nil
}

func (s *Service) validateQuestionInput(input QuestionInput) error {
	if err := s.validator.Struct(input); err != nil {
		return err
	}
	if input.Type.HasOptions() && len(input.Options) == 0 {
		return fieldError("options", "options must contain at least one option for choice questions")
	}
	if input.Type == core.QuestionContent && input.IsRequired {
		return fieldError("isRequired", "content blocks cannot be required")
	}
	return nil
}

func (s *Service) DeleteQuestion(ctx context.Context, questionID string) error {
	existing, err := s.getQuestionRow(ctx, questionID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteQuestion(ctx, questionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindForm, existing.FormID)
			return ErrQuestionNotFound
		}
		return fmt.Errorf("delete question: %w", err)
	}

	s.recordChange(ctx, kindForm, existing.FormID, EventQuestionDeleted, map[string]string{"id": questionID})
	return nil
}

// ListQuestions returns the questions of a form in display order.
func (s *Service) ListQuestions(ctx context.Context, formID string) ([]core.Question, error) {
	snapshot, err := s.FormSnapshot(ctx, formID)
	if err != nil {
		return nil, err
	}
	return snapshot.Questions, nil
}

// ReorderQuestions persists a new display order. ids must be a permutation of
// the form's question ids.
func (s *Service) ReorderQuestions(ctx context.Context, formID string, ids []string) ([]string, error) {
	snapshot, err := s.FormSnapshot(ctx, formID)
	if err != nil {
		return nil, err
	}
	if !core.IsPermutation(snapshot.QuestionIDs(), ids) {
		return nil, ErrInvalidOrder
	}

	return s.persistOrder(ctx, formID, ids)
}

// MoveQuestion swaps a question with its neighbour and returns the new order.
func (s *Service) MoveQuestion(ctx context.Context, questionID string, direction core.Direction) ([]string, error) {
	existing, err := s.getQuestionRow(ctx, questionID)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.FormSnapshot(ctx, existing.FormID)
	if err != nil {
		return nil, err
	}

	ids := snapshot.QuestionIDs()
	index := -1
	for i, id := range ids {
		if id == questionID {
			index = i
			break
		}
	}
	if index < 0 {
		s.invalidate(kindForm, existing.FormID)
		return nil, ErrQuestionNotFound
	}

	moved, _, err := core.MoveQuestion(ids, index, direction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	return s.persistOrder(ctx, existing.FormID, moved)
}

func (s *Service) persistOrder(ctx context.Context, formID string, ids []string) ([]string, error) {
	if err := s.repo.ReorderQuestions(ctx, formID, ids); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindForm, formID)
			return nil, ErrInvalidOrder
		}
		return nil, fmt.Errorf("reorder questions: %w", err)
	}

	s.recordChange(ctx, kindForm, formID, EventQuestionsOrder, map[string]any{"order": ids})
	return ids, nil
}

// CreateRule adds a visibility rule owned by questionID. Targets and trigger
// questions must belong to the owner's form.
func (s *Service) CreateRule(ctx context.Context, questionID string, input RuleInput) (core.Rule, error) {
	owner, err := s.getQuestionRow(ctx, questionID)
	if err != nil {
		return core.Rule{}, err
	}

	rule := input.rule()
	if err := s.validateRule(ctx, owner.FormID, input, rule); err != nil {
		return core.Rule{}, err
	}

	row, err := questionRuleRow(rule)
	if err != nil {
		return core.Rule{}, err
	}
	row.ID = s.newID()
	row.QuestionID = questionID

	created, err := s.repo.CreateQuestionRule(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Rule{}, ErrQuestionNotFound
		}
		return core.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	result, err := ruleFromRow(created)
	if err != nil {
		return core.Rule{}, err
	}
	s.recordChange(ctx, kindForm, created.FormID, EventRuleCreated, result)
	return result, nil
}

func (s *Service) UpdateRule(ctx context.Context, ruleID string, input RuleInput) (core.Rule, error) {
	existing, err := s.repo.GetQuestionRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Rule{}, ErrRuleNotFound
		}
		return core.Rule{}, fmt.Errorf("get rule: %w", err)
	}

	rule := input.rule()
	if err := s.validateRule(ctx, existing.FormID, input, rule); err != nil {
		return core.Rule{}, err
	}

	row, err := questionRuleRow(rule)
	if err != nil {
		return core.Rule{}, err
	}
	row.ID = ruleID

	updated, err := s.repo.UpdateQuestionRule(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindForm, existing.FormID)
			return core.Rule{}, ErrRuleNotFound
		}
		return core.Rule{}, fmt.Errorf("update rule: %w", err)
	}

	result, err := ruleFromRow(updated)
	if err != nil {
		return core.Rule{}, err
	}
	s.recordChange(ctx, kindForm, updated.FormID, EventRuleUpdated, result)
	return result, nil
}

func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	existing, err := s.repo.GetQuestionRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("get rule: %w", err)
	}

	if err := s.repo.DeleteQuestionRule(ctx, ruleID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindForm, existing.FormID)
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	s.recordChange(ctx, kindForm, existing.FormID, EventRuleDeleted, map[string]string{"id": ruleID})
	return nil
}

// ListRules returns the visibility rules owned by a question.
func (s *Service) ListRules(ctx context.Context, questionID string) ([]core.Rule, error) {
	owner, err := s.getQuestionRow(ctx, questionID)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.FormSnapshot(ctx, owner.FormID)
	if err != nil {
		return nil, err
	}

	rules := make([]core.Rule, 0)
	for _, rule := range snapshot.Rules {
		if rule.QuestionID == questionID {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func (s *Service) validateRule(ctx context.Context, formID string, input RuleInput, rule core.Rule) error {
	if err := s.validator.Struct(input); err != nil {
		return err
	}
	if err := core.ValidateRule(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	snapshot, err := s.FormSnapshot(ctx, formID)
	if err != nil {
		return err
	}
	for _, id := range rule.TargetQuestionIDs {
		if _, ok := snapshot.question(id); !ok {
			return fmt.Errorf("%w: target question %q is not part of the form", ErrInvalidRule, id)
		}
	}
	for _, condition := range rule.Conditions {
		if _, ok := snapshot.question(condition.TriggerQuestionID); !ok {
			return fmt.Errorf("%w: trigger question %q is not part of the form", ErrInvalidRule, condition.TriggerQuestionID)
		}
	}
	return nil
}

func (s *Service) getQuestionRow(ctx context.Context, questionID string) (repository.Question, error) {
	question, err := s.repo.GetQuestion(ctx, questionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Question{}, ErrQuestionNotFound
		}
		return repository.Question{}, fmt.Errorf("get question: %w", err)
	}
	return question, nil
}

func questionRow(input QuestionInput) (repository.Question, error) {
	options := input.Options
	if options == nil {
		options = []string{}
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return repository.Question{}, fmt.Errorf("encode options: %w", err)
	}

	return repository.Question{
		Label:            input.Label,
		Type:             string(input.Type),
		Options:          encoded,
		IsConditional:    input.IsConditional,
		IsRequired:       input.IsRequired,
		IsUsedForInvoice: input.IsUsedForInvoice,
	}, nil
}

func questionRuleRow(rule core.Rule) (repository.QuestionRule, error) {
	targets, err := json.Marshal(rule.TargetQuestionIDs)
	if err != nil {
		return repository.QuestionRule{}, fmt.Errorf("encode targets: %w", err)
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return repository.QuestionRule{}, fmt.Errorf("encode conditions: %w", err)
	}

	return repository.QuestionRule{
		Action:            string(rule.Action),
		TargetQuestionIDs: targets,
		Conditions:        conditions,
	}, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
