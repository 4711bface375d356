package server

import (
	"context"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

type Service interface {
	CreateForm(ctx context.Context, input service.FormInput) (repository.Form, error)
	UpdateForm(ctx context.Context, formID string, input service.FormInput) (repository.Form, error)
	GetForm(ctx context.Context, formID string) (*service.FormSnapshot, error)
	ListForms(ctx context.Context) ([]repository.Form, error)
	DeleteForm(ctx context.Context, formID string) error

	CreateQuestion(ctx context.Context, formID string, input service.QuestionInput) (core.Question, error)
	UpdateQuestion(ctx context.Context, questionID string, input service.QuestionInput) (core.Question, error)
	DeleteQuestion(ctx context.Context, questionID string) error
	ListQuestions(ctx context.Context, formID string) ([]core.Question, error)
	ReorderQuestions(ctx context.Context, formID string, ids []string) ([]string, error)
	MoveQuestion(ctx context.Context, questionID string, direction core.Direction) ([]string, error)

	CreateRule(ctx context.Context, questionID string, input service.RuleInput) (core.Rule, error)
	UpdateRule(ctx context.Context, ruleID string, input service.RuleInput) (core.Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error
	ListRules(ctx context.Context, questionID string) ([]core.Rule, error)

	CreateCourse(ctx context.Context, input service.CourseInput) (repository.Course, error)
	UpdateCourse(ctx context.Context, courseID string, input service.CourseInput) (repository.Course, error)
	GetCourse(ctx context.Context, courseID string) (*service.CourseSnapshot, error)
	ListCourses(ctx context.Context) ([]repository.Course, error)
	DeleteCourse(ctx context.Context, courseID string) error

	CreateItem(ctx context.Context, courseID string, input service.ItemInput) (core.Item, error)
	UpdateItem(ctx context.Context, itemID string, input service.ItemInput) (core.Item, error)
	DeleteItem(ctx context.Context, itemID string) error
	ListItems(ctx context.Context, courseID string) ([]core.Item, error)

	CreateInvoiceRule(ctx context.Context, courseID string, input service.InvoiceRuleInput) (core.InvoiceRule, error)
	UpdateInvoiceRule(ctx context.Context, ruleID string, input service.InvoiceRuleInput) (core.InvoiceRule, error)
	DeleteInvoiceRule(ctx context.Context, ruleID string) error
	ListInvoiceRules(ctx context.Context, courseID string) ([]core.InvoiceRule, error)

	PreviewVisibility(ctx context.Context, formID string, answers core.Answers, previous []string) (service.VisibilityPreview, error)
	SelectInvoice(ctx context.Context, courseID string, answers core.Answers, draft *core.InvoiceRule, quantity int) (service.InvoiceSelection, error)
	Submit(ctx context.Context, formID string, answers core.Answers) (repository.Submission, error)
	ListSubmissions(ctx context.Context, formID string, limit, offset int) ([]repository.Submission, error)

	ListEventsSince(ctx context.Context, eventID int64) ([]repository.Event, error)
	ListAuditLog(ctx context.Context, entityType, entityID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

var _ Service = (*service.Service)(nil)
