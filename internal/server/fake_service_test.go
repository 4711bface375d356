package server

import (
	"context"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

// fakeService overrides the methods a test sets; any other call panics on the
// nil embedded Service.
type fakeService struct {
	Service

	createFormFunc        func(ctx context.Context, input service.FormInput) (repository.Form, error)
	getFormFunc           func(ctx context.Context, formID string) (*service.FormSnapshot, error)
	listFormsFunc         func(ctx context.Context) ([]repository.Form, error)
	deleteFormFunc        func(ctx context.Context, formID string) error
	createQuestionFunc    func(ctx context.Context, formID string, input service.QuestionInput) (core.Question, error)
	reorderQuestionsFunc  func(ctx context.Context, formID string, ids []string) ([]string, error)
	moveQuestionFunc      func(ctx context.Context, questionID string, direction core.Direction) ([]string, error)
	createRuleFunc        func(ctx context.Context, questionID string, input service.RuleInput) (core.Rule, error)
	createItemFunc        func(ctx context.Context, courseID string, input service.ItemInput) (core.Item, error)
	createInvoiceRuleFunc func(ctx context.Context, courseID string, input service.InvoiceRuleInput) (core.InvoiceRule, error)
	previewFunc           func(ctx context.Context, formID string, answers core.Answers, previous []string) (service.VisibilityPreview, error)
	selectInvoiceFunc     func(ctx context.Context, courseID string, answers core.Answers, draft *core.InvoiceRule, quantity int) (service.InvoiceSelection, error)
	submitFunc            func(ctx context.Context, formID string, answers core.Answers) (repository.Submission, error)
	listSubmissionsFunc   func(ctx context.Context, formID string, limit, offset int) ([]repository.Submission, error)
	listEventsSinceFunc   func(ctx context.Context, eventID int64) ([]repository.Event, error)
	listAuditLogFunc      func(ctx context.Context, entityType, entityID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

func (f *fakeService) CreateForm(ctx context.Context, input service.FormInput) (repository.Form, error) {
	if f.createFormFunc != nil {
		return f.createFormFunc(ctx, input)
	}
	return repository.Form{}, nil
}

func (f *fakeService) GetForm(ctx context.Context, formID string) (*service.FormSnapshot, error) {
	if f.getFormFunc != nil {
		return f.getFormFunc(ctx, formID)
	}
	return nil, service.ErrFormNotFound
}

func (f *fakeService) ListForms(ctx context.Context) ([]repository.Form, error) {
	if f.listFormsFunc != nil {
		return f.listFormsFunc(ctx)
	}
	return []repository.Form{}, nil
}

func (f *fakeService) DeleteForm(ctx context.Context, formID string) error {
	if f.deleteFormFunc != nil {
		return f.deleteFormFunc(ctx, formID)
	}
	return nil
}

func (f *fakeService) CreateQuestion(ctx context.Context, formID string, input service.QuestionInput) (core.Question, error) {
	if f.createQuestionFunc != nil {
		return f.createQuestionFunc(ctx, formID, input)
	}
	return core.Question{}, nil
}

func (f *fakeService) ReorderQuestions(ctx context.Context, formID string, ids []string) ([]string, error) {
	if f.reorderQuestionsFunc != nil {
		return f.reorderQuestionsFunc(ctx, formID, ids)
	}
	return ids, nil
}

func (f *fakeService) MoveQuestion(ctx context.Context, questionID string, direction core.Direction) ([]string, error) {
	if f.moveQuestionFunc != nil {
		return f.moveQuestionFunc(ctx, questionID, direction)
	}
	return nil, nil
}

func (f *fakeService) CreateRule(ctx context.Context, questionID string, input service.RuleInput) (core.Rule, error) {
	if f.createRuleFunc != nil {
		return f.createRuleFunc(ctx, questionID, input)
	}
	return core.Rule{}, nil
}

func (f *fakeService) CreateItem(ctx context.Context, courseID string, input service.ItemInput) (core.Item, error) {
	if f.createItemFunc != nil {
		return f.createItemFunc(ctx, courseID, input)
	}
	return core.Item{}, nil
}

func (f *fakeService) CreateInvoiceRule(ctx context.Context, courseID string, input service.InvoiceRuleInput) (core.InvoiceRule, error) {
	if f.createInvoiceRuleFunc != nil {
		return f.createInvoiceRuleFunc(ctx, courseID, input)
	}
	return core.InvoiceRule{}, nil
}

func (f *fakeService) PreviewVisibility(ctx context.Context, formID string, answers core.Answers, previous []string) (service.VisibilityPreview, error) {
	if f.previewFunc != nil {
		return f.previewFunc(ctx, formID, answers, previous)
	}
	return service.VisibilityPreview{}, nil
}

func (f *fakeService) SelectInvoice(ctx context.Context, courseID string, answers core.Answers, draft *core.InvoiceRule, quantity int) (service.InvoiceSelection, error) {
	if f.selectInvoiceFunc != nil {
		return f.selectInvoiceFunc(ctx, courseID, answers, draft, quantity)
	}
	return service.InvoiceSelection{Selection: core.NoMatch()}, nil
}

func (f *fakeService) Submit(ctx context.Context, formID string, answers core.Answers) (repository.Submission, error) {
	if f.submitFunc != nil {
		return f.submitFunc(ctx, formID, answers)
	}
	return repository.Submission{}, nil
}

func (f *fakeService) ListSubmissions(ctx context.Context, formID string, limit, offset int) ([]repository.Submission, error) {
	if f.listSubmissionsFunc != nil {
		return f.listSubmissionsFunc(ctx, formID, limit, offset)
	}
	return []repository.Submission{}, nil
}

func (f *fakeService) ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, eventID)
	}
	return nil, nil
}

func (f *fakeService) ListAuditLog(ctx context.Context, entityType, entityID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	if f.listAuditLogFunc != nil {
		return f.listAuditLogFunc(ctx, entityType, entityID, limit, offset)
	}
	return []repository.AuditLogEntry{}, nil
}
