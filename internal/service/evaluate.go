package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/invoice"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/session"
)

const (
	evaluationVisibility = "visibility"
	evaluationInvoice    = "invoice"
)

// VisibilityPreview is the visible question set for a set of answers. Shown
// and Hidden are relative to the previous set passed by the caller.
type VisibilityPreview struct {
	Visible []string `json:"visible"`
	Shown   []string `json:"shown"`
	Hidden  []string `json:"hidden"`
}

// InvoiceSelection is the selected invoice item and the invoice built from it.
type InvoiceSelection struct {
	Selection core.Selection  `json:"selection"`
	Invoice   invoice.Invoice `json:"invoice"`
	FromDraft bool            `json:"fromDraft,omitempty"`
}

// MissingAnswersError lists required visible questions left unanswered.
type MissingAnswersError struct {
	QuestionIDs []string
}

func (e *MissingAnswersError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingRequiredAnswers, strings.Join(e.QuestionIDs, ", "))
}

func (e *MissingAnswersError) Unwrap() error {
	return ErrMissingRequiredAnswers
}

// PreviewVisibility resolves which questions of a form are visible for
// answers. previous is the visible set the caller currently renders.
func (s *Service) PreviewVisibility(ctx context.Context, formID string, answers core.Answers, previous []string) (VisibilityPreview, error) {
	ctx, span := s.tracer.Start(ctx, "service.PreviewVisibility", trace.WithAttributes(attribute.String("form.id", formID)))
	defer span.End()

	snapshot, err := s.FormSnapshot(ctx, formID)
	if err != nil {
		recordSpanError(span, err)
		return VisibilityPreview{}, err
	}

	visible := core.ResolveVisibility(snapshot.Questions, snapshot.Rules, answers)
	shown, hidden := visible.Diff(core.NewVisibleSet(previous...))
	ids := visible.IDs(snapshot.Questions)

	s.recorder.RecordEvaluation(evaluationVisibility, len(ids) > 0)
	span.SetAttributes(attribute.Int("questions.visible", len(ids)))

	return VisibilityPreview{Visible: ids, Shown: shown, Hidden: hidden}, nil
}

// SelectInvoice picks the invoice item of a course for answers. The draft is
// consulted only when the course has no stored rules. A positive quantity
// overrides the item quantity.
func (s *Service) SelectInvoice(ctx context.Context, courseID string, answers core.Answers, draft *core.InvoiceRule, quantity int) (InvoiceSelection, error) {
	ctx, span := s.tracer.Start(ctx, "service.SelectInvoice", trace.WithAttributes(attribute.String("course.id", courseID)))
	defer span.End()

	snapshot, err := s.CourseSnapshot(ctx, courseID)
	if err != nil {
		recordSpanError(span, err)
		return InvoiceSelection{}, err
	}

	result, err := s.selectInvoice(snapshot, answers, draft, quantity)
	if err != nil {
		recordSpanError(span, err)
		return InvoiceSelection{}, err
	}

	span.SetAttributes(
		attribute.Bool("invoice.matched", result.Selection.Matched),
		attribute.Bool("invoice.draft", result.FromDraft),
	)
	return result, nil
}

func (s *Service) selectInvoice(snapshot *CourseSnapshot, answers core.Answers, draft *core.InvoiceRule, quantity int) (InvoiceSelection, error) {
	var result InvoiceSelection
	if len(snapshot.Rules) == 0 && draft != nil {
		// Draft previews are never Matched and stay out of evaluation metrics.
		result.Selection = core.SelectItemsFromDraft(*draft, snapshot.Items)
		result.FromDraft = true
	} else {
		result.Selection = core.SelectItems(snapshot.Rules, answers, snapshot.Items)
		s.recorder.RecordEvaluation(evaluationInvoice, result.Selection.Matched)
	}

	built, err := invoice.Build(result.Selection, quantity)
	if err != nil {
		return InvoiceSelection{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	result.Invoice = built

	return result, nil
}

// Submit stores a completed form. Answers to hidden questions are dropped.
// Required visible questions must be answered. Forms linked to a course get
// the selected invoice attached.
func (s *Service) Submit(ctx context.Context, formID string, answers core.Answers) (repository.Submission, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit", trace.WithAttributes(attribute.String("form.id", formID)))
	defer span.End()

	snapshot, err := s.FormSnapshot(ctx, formID)
	if err != nil {
		recordSpanError(span, err)
		return repository.Submission{}, err
	}

	visible := core.ResolveVisibility(snapshot.Questions, snapshot.Rules, answers)
	kept := make(core.Answers, len(answers))
	missing := make([]string, 0)
	for _, question := range snapshot.Questions {
		if !visible.Has(question.ID) {
			continue
		}
		answer, ok := answers[question.ID]
		if ok && !answer.Empty() {
			kept[question.ID] = answer
			continue
		}
		if question.IsRequired && question.Type != core.QuestionContent {
			missing = append(missing, question.ID)
		}
	}
	s.recorder.RecordEvaluation(evaluationVisibility, len(visible) > 0)
	if len(missing) > 0 {
		err := &MissingAnswersError{QuestionIDs: missing}
		recordSpanError(span, err)
		return repository.Submission{}, err
	}

	encodedAnswers, err := json.Marshal(kept)
	if err != nil {
		return repository.Submission{}, fmt.Errorf("encode answers: %w", err)
	}
	encodedVisible, err := json.Marshal(visible.IDs(snapshot.Questions))
	if err != nil {
		return repository.Submission{}, fmt.Errorf("encode visible questions: %w", err)
	}

	submission := repository.Submission{
		ID:                 s.newID(),
		FormID:             formID,
		Answers:            encodedAnswers,
		VisibleQuestionIDs: encodedVisible,
		APIKeyID:           session.APIKeyID(ctx),
	}

	if snapshot.Form.CourseID != nil {
		course, err := s.CourseSnapshot(ctx, *snapshot.Form.CourseID)
		switch {
		case errors.Is(err, ErrCourseNotFound):
			s.logger.Warn("submission form links a missing course", "form_id", formID, "course_id", *snapshot.Form.CourseID)
		case err != nil:
			recordSpanError(span, err)
			return repository.Submission{}, err
		default:
			selected, err := s.selectInvoice(course, kept, nil, 0)
			if err != nil {
				recordSpanError(span, err)
				return repository.Submission{}, err
			}
			if submission.Invoice, err = json.Marshal(selected); err != nil {
				return repository.Submission{}, fmt.Errorf("encode invoice: %w", err)
			}
		}
	}

	created, err := s.repo.CreateSubmission(ctx, submission)
	if err != nil {
		recordSpanError(span, err)
		return repository.Submission{}, fmt.Errorf("create submission: %w", err)
	}

	s.recorder.IncSubmissions()
	s.logger.Info("form submitted", "form_id", formID, "submission_id", created.ID, "answers", len(kept))
	return created, nil
}

// ListSubmissions returns a page of a form's submissions, newest first.
func (s *Service) ListSubmissions(ctx context.Context, formID string, limit, offset int) ([]repository.Submission, error) {
	if _, err := s.FormSnapshot(ctx, formID); err != nil {
		return nil, err
	}

	submissions, err := s.repo.ListSubmissions(ctx, formID, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return submissions, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
