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
	EventCourseCreated      = "course_created"
	EventCourseUpdated      = "course_updated"
	EventCourseDeleted      = "course_deleted"
	EventItemCreated        = "item_created"
	EventItemUpdated        = "item_updated"
	EventItemDeleted        = "item_deleted"
	EventInvoiceRuleCreated = "invoice_rule_created"
	EventInvoiceRuleUpdated = "invoice_rule_updated"
	EventInvoiceRuleDeleted = "invoice_rule_deleted"
)

type CourseInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type ItemInput struct {
	Name     string  `json:"name" validate:"required,max=200"`
	Amount   float64 `json:"amount" validate:"gte=0,lt=1000000000000"`
	Currency string  `json:"currency" validate:"omitempty,iso4217"`
	Quantity int     `json:"quantity" validate:"gte=0,lte=2147483647"`
}

type InvoiceRuleInput struct {
	LinkedItems []string         `json:"linkedItems" validate:"required,min=1,dive,required"`
	Conditions  []core.Condition `json:"conditions" validate:"required,min=2"`
}

func (s *Service) CreateCourse(ctx context.Context, input CourseInput) (repository.Course, error) {
	if err := s.validator.Struct(input); err != nil {
		return repository.Course{}, err
	}

	created, err := s.repo.CreateCourse(ctx, repository.Course{
		ID:          s.newID(),
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
	})
	if err != nil {
		return repository.Course{}, fmt.Errorf("create course: %w", err)
	}

	s.recordChange(ctx, kindCourse, created.ID, EventCourseCreated, created)
	return created, nil
}

func (s *Service) UpdateCourse(ctx context.Context, courseID string, input CourseInput) (repository.Course, error) {
	if err := s.validator.Struct(input); err != nil {
		return repository.Course{}, err
	}

	updated, err := s.repo.UpdateCourse(ctx, repository.Course{
		ID:          courseID,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindCourse, courseID)
			return repository.Course{}, ErrCourseNotFound
		}
		return repository.Course{}, fmt.Errorf("update course: %w", err)
	}

	s.recordChange(ctx, kindCourse, courseID, EventCourseUpdated, updated)
	return updated, nil
}

// GetCourse returns the course with its items and invoice rules.
func (s *Service) GetCourse(ctx context.Context, courseID string) (*CourseSnapshot, error) {
	if strings.TrimSpace(courseID) == "" {
		return nil, ErrCourseNotFound
	}
	return s.CourseSnapshot(ctx, courseID)
}

func (s *Service) ListCourses(ctx context.Context) ([]repository.Course, error) {
	courses, err := s.repo.ListCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return courses, nil
}

// DeleteCourse removes a course with its items and rules. Forms linked to it
// are unlinked by the database.
func (s *Service) DeleteCourse(ctx context.Context, courseID string) error {
	if err := s.repo.DeleteCourse(ctx, courseID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindCourse, courseID)
			return ErrCourseNotFound
		}
		return fmt.Errorf("delete course: %w", err)
	}

	// Linked forms changed too.
	s.invalidate("", "")
	s.recordChange(ctx, kindCourse, courseID, EventCourseDeleted, map[string]string{"id": courseID})
	return nil
}

func (s *Service) CreateItem(ctx context.Context, courseID string, input ItemInput) (core.Item, error) {
	row, err := s.itemRow(input)
	if err != nil {
		return core.Item{}, err
	}
	if _, err := s.CourseSnapshot(ctx, courseID); err != nil {
		return core.Item{}, err
	}

	row.ID = s.newID()
	row.CourseID = courseID
	created, err := s.repo.CreateItem(ctx, row)
	if err != nil {
		return core.Item{}, fmt.Errorf("create item: %w", err)
	}

	item := itemFromRow(created)
	s.recordChange(ctx, kindCourse, courseID, EventItemCreated, item)
	return item, nil
}

func (s *Service) UpdateItem(ctx context.Context, itemID string, input ItemInput) (core.Item, error) {
	row, err := s.itemRow(input)
	if err != nil {
		return core.Item{}, err
	}

	row.ID = itemID
	updated, err := s.repo.UpdateItem(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Item{}, ErrItemNotFound
		}
		return core.Item{}, fmt.Errorf("update item: %w", err)
	}

	item := itemFromRow(updated)
	s.recordChange(ctx, kindCourse, updated.CourseID, EventItemUpdated, item)
	return item, nil
}

func (s *Service) DeleteItem(ctx context.Context, itemID string) error {
	existing, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrItemNotFound
		}
		return fmt.Errorf("get item: %w", err)
	}

	if err := s.repo.DeleteItem(ctx, itemID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindCourse, existing.CourseID)
			return ErrItemNotFound
		}
		return fmt.Errorf("delete item: %w", err)
	}

	s.recordChange(ctx, kindCourse, existing.CourseID, EventItemDeleted, map[string]string{"id": itemID})
	return nil
}

func (s *Service) ListItems(ctx context.Context, courseID string) ([]core.Item, error) {
	snapshot, err := s.CourseSnapshot(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return snapshot.Items, nil
}

func (s *Service) itemRow(input ItemInput) (repository.Item, error) {
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if err := s.validator.Struct(input); err != nil {
		return repository.Item{}, err
	}

	item := core.Item{
		Name:     strings.TrimSpace(input.Name),
		Amount:   input.Amount,
		Currency: input.Currency,
		Quantity: input.Quantity,
	}
	if item.Currency == "" {
		item.Currency = core.FallbackCurrency
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	if _, err := item.Total(); err != nil {
		return repository.Item{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}

	return repository.Item{
		Name:     item.Name,
		Amount:   item.Amount,
		Currency: item.Currency,
		Quantity: item.Quantity,
	}, nil
}

// CreateInvoiceRule appends an invoice rule to the course. Rules are matched
// in the order they were created.
func (s *Service) CreateInvoiceRule(ctx context.Context, courseID string, input InvoiceRuleInput) (core.InvoiceRule, error) {
	rule := core.InvoiceRule{CourseID: courseID, LinkedItems: input.LinkedItems, Conditions: input.Conditions}
	if err := s.validateInvoiceRule(ctx, courseID, input, rule); err != nil {
		return core.InvoiceRule{}, err
	}

	row, err := courseRuleRow(rule)
	if err != nil {
		return core.InvoiceRule{}, err
	}
	row.ID = s.newID()
	row.CourseID = courseID

	created, err := s.repo.CreateCourseRule(ctx, row)
	if err != nil {
		return core.InvoiceRule{}, fmt.Errorf("create invoice rule: %w", err)
	}

	result, err := invoiceRuleFromRow(created)
	if err != nil {
		return core.InvoiceRule{}, err
	}
	s.recordChange(ctx, kindCourse, courseID, EventInvoiceRuleCreated, result)
	return result, nil
}

func (s *Service) UpdateInvoiceRule(ctx context.Context, ruleID string, input InvoiceRuleInput) (core.InvoiceRule, error) {
	existing, err := s.repo.GetCourseRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.InvoiceRule{}, ErrRuleNotFound
		}
		return core.InvoiceRule{}, fmt.Errorf("get invoice rule: %w", err)
	}

	rule := core.InvoiceRule{ID: ruleID, CourseID: existing.CourseID, LinkedItems: input.LinkedItems, Conditions: input.Conditions}
	if err := s.validateInvoiceRule(ctx, existing.CourseID, input, rule); err != nil {
		return core.InvoiceRule{}, err
	}

	row, err := courseRuleRow(rule)
	if err != nil {
		return core.InvoiceRule{}, err
	}
	row.ID = ruleID
	row.CourseID = existing.CourseID

	updated, err := s.repo.UpdateCourseRule(ctx, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindCourse, existing.CourseID)
			return core.InvoiceRule{}, ErrRuleNotFound
		}
		return core.InvoiceRule{}, fmt.Errorf("update invoice rule: %w", err)
	}

	result, err := invoiceRuleFromRow(updated)
	if err != nil {
		return core.InvoiceRule{}, err
	}
	s.recordChange(ctx, kindCourse, existing.CourseID, EventInvoiceRuleUpdated, result)
	return result, nil
}

func (s *Service) DeleteInvoiceRule(ctx context.Context, ruleID string) error {
	existing, err := s.repo.GetCourseRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("get invoice rule: %w", err)
	}

	if err := s.repo.DeleteCourseRule(ctx, ruleID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.invalidate(kindCourse, existing.CourseID)
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete invoice rule: %w", err)
	}

	s.recordChange(ctx, kindCourse, existing.CourseID, EventInvoiceRuleDeleted, map[string]string{"id": ruleID})
	return nil
}

// ListInvoiceRules returns the course's invoice rules in match order.
func (s *Service) ListInvoiceRules(ctx context.Context, courseID string) ([]core.InvoiceRule, error) {
	snapshot, err := s.CourseSnapshot(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return snapshot.Rules, nil
}

func (s *Service) validateInvoiceRule(ctx context.Context, courseID string, input InvoiceRuleInput, rule core.InvoiceRule) error {
	if err := s.validator.Struct(input); err != nil {
		return err
	}
	if err := core.ValidateInvoiceRule(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	snapshot, err := s.CourseSnapshot(ctx, courseID)
	if err != nil {
		return err
	}
	for _, id := range rule.LinkedItems {
		if !snapshot.hasItem(id) {
			return fmt.Errorf("%w: item %q is not part of the course", ErrInvalidRule, id)
		}
	}
	return nil
}

func courseRuleRow(rule core.InvoiceRule) (repository.CourseRule, error) {
	linked, err := json.Marshal(rule.LinkedItems)
	if err != nil {
		return repository.CourseRule{}, fmt.Errorf("encode linked items: %w", err)
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return repository.CourseRule{}, fmt.Errorf("encode conditions: %w", err)
	}

	return repository.CourseRule{LinkedItems: linked, Conditions: conditions}, nil
}
