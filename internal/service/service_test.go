package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/session"
)

func newTestService(t *testing.T, repo Repository, opts ...Option) *Service {
	t.Helper()

	var next atomic.Int64
	opts = append([]Option{WithIDGenerator(func() string {
		return fmt.Sprintf("id-%d", next.Add(1))
	})}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc, err := New(ctx, repo, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func mustCreateForm(t testing.TB, svc *Service, input FormInput) repository.Form {
	t.Helper()
	form, err := svc.CreateForm(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateForm() error = %v", err)
	}
	return form
}

func mustCreateQuestion(t testing.TB, svc *Service, formID string, input QuestionInput) core.Question {
	t.Helper()
	question, err := svc.CreateQuestion(context.Background(), formID, input)
	if err != nil {
		t.Fatalf("CreateQuestion(%q) error = %v", input.Label, err)
	}
	return question
}

func TestNewRejectsNilRepository(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("New(nil) error = nil, want error")
	}
}

func TestServiceFormLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc := newTestService(t, repo)

	form := mustCreateForm(t, svc, FormInput{Title: "  Spring conference  ", Description: "registration"})
	if form.Title != "Spring conference" {
		t.Fatalf("CreateForm().Title = %q, want trimmed title", form.Title)
	}

	name := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Name", Type: core.QuestionName, IsRequired: true})
	track := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Track", Type: core.QuestionRadio, Options: []string{"web", "data"}})

	snapshot, err := svc.GetForm(ctx, form.ID)
	if err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}
	if diff := cmp.Diff([]string{name.ID, track.ID}, snapshot.QuestionIDs()); diff != "" {
		t.Fatalf("GetForm() question order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"web", "data"}, snapshot.Questions[1].Options); diff != "" {
		t.Fatalf("GetForm() options mismatch (-want +got):\n%s", diff)
	}

	updated, err := svc.UpdateForm(ctx, form.ID, FormInput{Title: "Autumn conference"})
	if err != nil {
		t.Fatalf("UpdateForm() error = %v", err)
	}
	if updated.Title != "Autumn conference" {
		t.Fatalf("UpdateForm().Title = %q, want %q", updated.Title, "Autumn conference")
	}

	snapshot, err = svc.GetForm(ctx, form.ID)
	if err != nil {
		t.Fatalf("GetForm() after update error = %v", err)
	}
	if snapshot.Form.Title != "Autumn conference" {
		t.Fatalf("GetForm().Form.Title = %q, want updated title from a fresh snapshot", snapshot.Form.Title)
	}

	forms, err := svc.ListForms(ctx)
	if err != nil {
		t.Fatalf("ListForms() error = %v", err)
	}
	if len(forms) != 1 {
		t.Fatalf("ListForms() len = %d, want 1", len(forms))
	}

	if err := svc.DeleteForm(ctx, form.ID); err != nil {
		t.Fatalf("DeleteForm() error = %v", err)
	}
	if _, err := svc.GetForm(ctx, form.ID); !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("GetForm() after delete error = %v, want ErrFormNotFound", err)
	}
	if err := svc.DeleteForm(ctx, form.ID); !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("DeleteForm() twice error = %v, want ErrFormNotFound", err)
	}

	wantEvents := []string{
		EventFormCreated,
		EventQuestionCreated,
		EventQuestionCreated,
		EventFormUpdated,
		EventFormDeleted,
	}
	if diff := cmp.Diff(wantEvents, repo.eventTypes()); diff != "" {
		t.Fatalf("published events mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceGetFormNotFound(t *testing.T) {
	svc := newTestService(t, newFakeServiceRepository())

	for _, id := range []string{"", "   ", "missing"} {
		if _, err := svc.GetForm(context.Background(), id); !errors.Is(err, ErrFormNotFound) {
			t.Fatalf("GetForm(%q) error = %v, want ErrFormNotFound", id, err)
		}
	}
	if _, err := svc.UpdateForm(context.Background(), "missing", FormInput{Title: "x"}); !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("UpdateForm(missing) error = %v, want ErrFormNotFound", err)
	}
}

func TestServiceFormCourseLink(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())

	_, err := svc.CreateForm(ctx, FormInput{Title: "Linked", CourseID: "missing"})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("CreateForm(missing course) error = %v, want *ValidationError", err)
	}
	if _, ok := validationErr.Fields["courseId"]; !ok {
		t.Fatalf("ValidationError.Fields = %v, want courseId entry", validationErr.Fields)
	}

	course, err := svc.CreateCourse(ctx, CourseInput{Name: "Go in practice"})
	if err != nil {
		t.Fatalf("CreateCourse() error = %v", err)
	}
	form := mustCreateForm(t, svc, FormInput{Title: "Linked", CourseID: course.ID})
	if form.CourseID == nil || *form.CourseID != course.ID {
		t.Fatalf("CreateForm().CourseID = %v, want %q", form.CourseID, course.ID)
	}
}

func TestServiceRejectsInvalidQuestions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})

	tests := []struct {
		name  string
		input QuestionInput
		field string
	}{
		{
			name:  "missing label",
			input: QuestionInput{Type: core.QuestionText},
			field: "label",
		},
		{
			name:  "unknown type",
			input: QuestionInput{Label: "Mystery", Type: "slider"},
			field: "type",
		},
		{
			name:  "choice without options",
			input: QuestionInput{Label: "Pick", Type: core.QuestionSelect},
			field: "options",
		},
		{
			name:  "blank option",
			input: QuestionInput{Label: "Pick", Type: core.QuestionSelect, Options: []string{"a", ""}},
			field: "options[1]",
		},
		{
			name:  "required content block",
			input: QuestionInput{Label: "Welcome", Type: core.QuestionContent, IsRequired: true},
			field: "isRequired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateQuestion(ctx, form.ID, tt.input)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("CreateQuestion() error = %v, want ErrInvalidInput", err)
			}
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("CreateQuestion() error = %T, want *ValidationError", err)
			}
			if _, ok := validationErr.Fields[tt.field]; !ok {
				t.Fatalf("ValidationError.Fields = %v, want %q entry", validationErr.Fields, tt.field)
			}
		})
	}

	if _, err := svc.CreateQuestion(ctx, "missing", QuestionInput{Label: "Name", Type: core.QuestionText}); !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("CreateQuestion(missing form) error = %v, want ErrFormNotFound", err)
	}
}

func TestValidationErrorMessages(t *testing.T) {
	svc := newTestService(t, newFakeServiceRepository())

	_, err := svc.CreateQuestion(context.Background(), "form", QuestionInput{Label: "Mystery", Type: "slider"})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("CreateQuestion() error = %v, want *ValidationError", err)
	}
	if got, want := validationErr.Fields["type"], "type must be a known question type"; got != want {
		t.Fatalf("Fields[type] = %q, want %q", got, want)
	}
	if got, want := validationErr.Error(), "validation failed: type: type must be a known question type"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestServiceQuestionUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	question := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Email", Type: core.QuestionEmail})

	updated, err := svc.UpdateQuestion(ctx, question.ID, QuestionInput{Label: "Work email", Type: core.QuestionEmail, IsRequired: true})
	if err != nil {
		t.Fatalf("UpdateQuestion() error = %v", err)
	}
	if updated.Label != "Work email" || !updated.IsRequired {
		t.Fatalf("UpdateQuestion() = %+v, want relabelled required question", updated)
	}

	questions, err := svc.ListQuestions(ctx, form.ID)
	if err != nil {
		t.Fatalf("ListQuestions() error = %v", err)
	}
	if len(questions) != 1 || questions[0].Label != "Work email" {
		t.Fatalf("ListQuestions() = %+v, want the updated question", questions)
	}

	if err := svc.DeleteQuestion(ctx, question.ID); err != nil {
		t.Fatalf("DeleteQuestion() error = %v", err)
	}
	if err := svc.DeleteQuestion(ctx, question.ID); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("DeleteQuestion() twice error = %v, want ErrQuestionNotFound", err)
	}
	if _, err := svc.UpdateQuestion(ctx, question.ID, QuestionInput{Label: "x", Type: core.QuestionText}); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("UpdateQuestion(deleted) error = %v, want ErrQuestionNotFound", err)
	}

	questions, err = svc.ListQuestions(ctx, form.ID)
	if err != nil {
		t.Fatalf("ListQuestions() error = %v", err)
	}
	if len(questions) != 0 {
		t.Fatalf("ListQuestions() len = %d, want 0", len(questions))
	}
}

func TestServiceReorderQuestions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	a := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "A", Type: core.QuestionText})
	b := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "B", Type: core.QuestionText})
	c := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "C", Type: core.QuestionText})

	for _, order := range [][]string{
		{a.ID, b.ID},
		{a.ID, b.ID, b.ID},
		{a.ID, b.ID, "other"},
	} {
		if _, err := svc.ReorderQuestions(ctx, form.ID, order); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("ReorderQuestions(%v) error = %v, want ErrInvalidOrder", order, err)
		}
	}

	want := []string{c.ID, a.ID, b.ID}
	if _, err := svc.ReorderQuestions(ctx, form.ID, want); err != nil {
		t.Fatalf("ReorderQuestions() error = %v", err)
	}

	snapshot, err := svc.GetForm(ctx, form.ID)
	if err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}
	if diff := cmp.Diff(want, snapshot.QuestionIDs()); diff != "" {
		t.Fatalf("question order mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceMoveQuestion(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	a := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "A", Type: core.QuestionText})
	b := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "B", Type: core.QuestionText})
	c := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "C", Type: core.QuestionText})

	order, err := svc.MoveQuestion(ctx, a.ID, core.DirectionDown)
	if err != nil {
		t.Fatalf("MoveQuestion(down) error = %v", err)
	}
	if diff := cmp.Diff([]string{b.ID, a.ID, c.ID}, order); diff != "" {
		t.Fatalf("MoveQuestion(down) mismatch (-want +got):\n%s", diff)
	}

	order, err = svc.MoveQuestion(ctx, a.ID, core.DirectionUp)
	if err != nil {
		t.Fatalf("MoveQuestion(up) error = %v", err)
	}
	if diff := cmp.Diff([]string{a.ID, b.ID, c.ID}, order); diff != "" {
		t.Fatalf("MoveQuestion(up) did not restore order (-want +got):\n%s", diff)
	}

	if _, err := svc.MoveQuestion(ctx, a.ID, core.DirectionUp); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("MoveQuestion(first, up) error = %v, want ErrInvalidOrder", err)
	}
	if _, err := svc.MoveQuestion(ctx, c.ID, core.DirectionDown); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("MoveQuestion(last, down) error = %v, want ErrInvalidOrder", err)
	}
	if _, err := svc.MoveQuestion(ctx, "missing", core.DirectionUp); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("MoveQuestion(missing) error = %v, want ErrQuestionNotFound", err)
	}
}

func TestServiceRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	student := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Student?", Type: core.QuestionRadio, Options: []string{"yes", "no"}})
	card := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Student card", Type: core.QuestionText, IsConditional: true})

	rule, err := svc.CreateRule(ctx, student.ID, RuleInput{
		Action:            core.ActionShow,
		TargetQuestionIDs: []string{card.ID},
		Conditions:        []core.Condition{{TriggerQuestionID: student.ID, Condition: "yes"}},
	})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if rule.QuestionID != student.ID {
		t.Fatalf("CreateRule().QuestionID = %q, want %q", rule.QuestionID, student.ID)
	}

	rules, err := svc.ListRules(ctx, student.ID)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if diff := cmp.Diff([]core.Rule{rule}, rules); diff != "" {
		t.Fatalf("ListRules() mismatch (-want +got):\n%s", diff)
	}

	updated, err := svc.UpdateRule(ctx, rule.ID, RuleInput{
		Action:            core.ActionShow,
		TargetQuestionIDs: []string{card.ID},
		Conditions: []core.Condition{
			{TriggerQuestionID: student.ID, Condition: "yes"},
			{TriggerQuestionID: student.ID, Condition: "maybe", Logic: core.LogicOr},
		},
	})
	if err != nil {
		t.Fatalf("UpdateRule() error = %v", err)
	}
	if len(updated.Conditions) != 2 {
		t.Fatalf("UpdateRule().Conditions len = %d, want 2", len(updated.Conditions))
	}

	others, err := svc.ListRules(ctx, card.ID)
	if err != nil {
		t.Fatalf("ListRules(card) error = %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("ListRules(card) len = %d, want 0", len(others))
	}

	if err := svc.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	if err := svc.DeleteRule(ctx, rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("DeleteRule() twice error = %v, want ErrRuleNotFound", err)
	}
	if _, err := svc.UpdateRule(ctx, rule.ID, RuleInput{}); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("UpdateRule(deleted) error = %v, want ErrRuleNotFound", err)
	}
}

func TestServiceRejectsInvalidRules(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeServiceRepository())
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	other := mustCreateForm(t, svc, FormInput{Title: "Other"})
	owner := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Owner", Type: core.QuestionText})
	target := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Target", Type: core.QuestionText, IsConditional: true})
	foreign := mustCreateQuestion(t, svc, other.ID, QuestionInput{Label: "Foreign", Type: core.QuestionText})

	tests := []struct {
		name    string
		input   RuleInput
		wantErr error
	}{
		{
			name: "unknown action",
			input: RuleInput{
				Action:            "toggle",
				TargetQuestionIDs: []string{target.ID},
				Conditions:        []core.Condition{{TriggerQuestionID: owner.ID, Condition: "x"}},
			},
			wantErr: ErrInvalidInput,
		},
		{
			name: "no targets",
			input: RuleInput{
				Action:     core.ActionShow,
				Conditions: []core.Condition{{TriggerQuestionID: owner.ID, Condition: "x"}},
			},
			wantErr: ErrInvalidInput,
		},
		{
			name: "no conditions",
			input: RuleInput{
				Action:            core.ActionShow,
				TargetQuestionIDs: []string{target.ID},
			},
			wantErr: ErrInvalidInput,
		},
		{
			name: "condition without expected value",
			input: RuleInput{
				Action:            core.ActionShow,
				TargetQuestionIDs: []string{target.ID},
				Conditions:        []core.Condition{{TriggerQuestionID: owner.ID}},
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "unknown logic",
			input: RuleInput{
				Action:            core.ActionShow,
				TargetQuestionIDs: []string{target.ID},
				Conditions: []core.Condition{
					{TriggerQuestionID: owner.ID, Condition: "x"},
					{TriggerQuestionID: owner.ID, Condition: "y", Logic: "XOR"},
				},
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "target from another form",
			input: RuleInput{
				Action:            core.ActionShow,
				TargetQuestionIDs: []string{foreign.ID},
				Conditions:        []core.Condition{{TriggerQuestionID: owner.ID, Condition: "x"}},
			},
			wantErr: ErrInvalidRule,
		},
		{
			name: "trigger from another form",
			input: RuleInput{
				Action:            core.ActionShow,
				TargetQuestionIDs: []string{target.ID},
				Conditions:        []core.Condition{{TriggerQuestionID: foreign.ID, Condition: "x"}},
			},
			wantErr: ErrInvalidRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateRule(ctx, owner.ID, tt.input); !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := svc.CreateRule(ctx, "missing", RuleInput{}); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("CreateRule(missing owner) error = %v, want ErrQuestionNotFound", err)
	}
}

func TestServiceMutationSucceedsWhenPublishFails(t *testing.T) {
	repo := newFakeServiceRepository()
	repo.publishErr = errors.New("publish failed")
	repo.auditErr = errors.New("audit failed")
	svc := newTestService(t, repo)

	form, err := svc.CreateForm(context.Background(), FormInput{Title: "Form"})
	if err != nil {
		t.Fatalf("CreateForm() error = %v, want nil when publish fails", err)
	}
	if _, err := svc.GetForm(context.Background(), form.ID); err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}
}

func TestServiceMutationPublishesWithDetachedContext(t *testing.T) {
	repo := newFakeServiceRepository()
	svc := newTestService(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.CreateCourse(ctx, CourseInput{Name: "Course"}); err != nil {
		t.Fatalf("CreateCourse() error = %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.publishCtxErr != nil {
		t.Fatalf("PublishEvent context error = %v, want nil", repo.publishCtxErr)
	}
	if len(repo.events) != 1 {
		t.Fatalf("events = %d, want 1", len(repo.events))
	}
}

func TestServiceAuditLogCarriesSession(t *testing.T) {
	repo := newFakeServiceRepository()
	svc := newTestService(t, repo)

	ctx := session.NewContext(context.Background(), session.Session{APIKeyID: "key-1"})
	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	if _, err := svc.UpdateForm(ctx, form.ID, FormInput{Title: "Renamed"}); err != nil {
		t.Fatalf("UpdateForm() error = %v", err)
	}

	entries, err := svc.ListAuditLog(context.Background(), kindForm, form.ID, 0, -5)
	if err != nil {
		t.Fatalf("ListAuditLog() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListAuditLog() len = %d, want 2", len(entries))
	}
	if entries[0].Action != EventFormUpdated || entries[0].APIKeyID != "key-1" {
		t.Fatalf("ListAuditLog()[0] = %+v, want form_updated by key-1", entries[0])
	}
	if entries[1].APIKeyID != "" {
		t.Fatalf("ListAuditLog()[1].APIKeyID = %q, want empty for unauthenticated call", entries[1].APIKeyID)
	}

	events, err := svc.ListEventsSince(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListEventsSince() error = %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventFormUpdated {
		t.Fatalf("ListEventsSince(1) = %+v, want the update event", events)
	}
}

func TestServiceCachesSnapshots(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	recorder := &countingRecorder{}
	svc := newTestService(t, repo, WithRecorder(recorder))

	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	for range 3 {
		if _, err := svc.GetForm(ctx, form.ID); err != nil {
			t.Fatalf("GetForm() error = %v", err)
		}
	}
	if got := repo.getFormCalls.Load(); got != 1 {
		t.Fatalf("repository GetForm calls = %d, want 1", got)
	}
	if recorder.hits.Load() != 2 || recorder.misses.Load() != 1 {
		t.Fatalf("cache hits/misses = %d/%d, want 2/1", recorder.hits.Load(), recorder.misses.Load())
	}

	if _, err := svc.UpdateForm(ctx, form.ID, FormInput{Title: "Renamed"}); err != nil {
		t.Fatalf("UpdateForm() error = %v", err)
	}
	if _, err := svc.GetForm(ctx, form.ID); err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}
	if got := repo.getFormCalls.Load(); got != 2 {
		t.Fatalf("repository GetForm calls after update = %d, want 2", got)
	}
}

func TestServiceCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc := newTestService(t, repo, WithCacheSize(2))

	ids := make([]string, 0, 3)
	for i := range 3 {
		ids = append(ids, mustCreateForm(t, svc, FormInput{Title: fmt.Sprintf("Form %d", i)}).ID)
	}
	for _, id := range ids {
		if _, err := svc.GetForm(ctx, id); err != nil {
			t.Fatalf("GetForm(%q) error = %v", id, err)
		}
	}
	if got := svc.forms.Len(); got != 2 {
		t.Fatalf("cached forms = %d, want 2", got)
	}
	if svc.forms.Contains(ids[0]) {
		t.Fatalf("least recently used form %q still cached", ids[0])
	}
}

func TestServiceRefreshesCacheFromInvalidations(t *testing.T) {
	ctx := context.Background()
	repo := newNotifyingFakeServiceRepository()
	svc := newTestService(t, repo)

	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	question := mustCreateQuestion(t, svc, form.ID, QuestionInput{Label: "Before", Type: core.QuestionText})
	if _, err := svc.GetForm(ctx, form.ID); err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}

	// Another instance changed the question.
	row, err := repo.GetQuestion(ctx, question.ID)
	if err != nil {
		t.Fatalf("GetQuestion() error = %v", err)
	}
	row.Label = "After"
	repo.setQuestion(row)
	repo.notify(repository.Invalidation{EntityType: repository.EntityForm, EntityID: form.ID})

	waitForCondition(t, time.Second, func() bool {
		snapshot, err := svc.GetForm(ctx, form.ID)
		return err == nil && snapshot.Questions[0].Label == "After"
	})
}

func TestServiceResubscribesAfterInvalidationChannelClose(t *testing.T) {
	ctx := context.Background()
	repo := newNotifyingFakeServiceRepository()
	svc := newTestService(t, repo)

	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	if _, err := svc.GetForm(ctx, form.ID); err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}

	repo.closeInvalidationChannel()
	waitForCondition(t, time.Second, func() bool {
		return repo.subscriptionCalls() >= 2
	})
	waitForCondition(t, time.Second, func() bool {
		return svc.forms.Len() == 0
	})

	repo.notify(repository.Invalidation{EntityType: repository.EntityForm, EntityID: form.ID})
}

func TestServiceReloadCacheDropsDeletedEntities(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc := newTestService(t, repo)

	keep := mustCreateForm(t, svc, FormInput{Title: "Keep"})
	gone := mustCreateForm(t, svc, FormInput{Title: "Gone"})
	for _, id := range []string{keep.ID, gone.ID} {
		if _, err := svc.GetForm(ctx, id); err != nil {
			t.Fatalf("GetForm(%q) error = %v", id, err)
		}
	}

	if err := repo.DeleteForm(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteForm() error = %v", err)
	}
	svc.reloadCache(ctx)

	if !svc.forms.Contains(keep.ID) {
		t.Fatalf("form %q dropped from cache, want kept", keep.ID)
	}
	if svc.forms.Contains(gone.ID) {
		t.Fatalf("deleted form %q still cached", gone.ID)
	}
}

func TestServiceReloadCacheSkipsSnapshotsInvalidatedMidLoad(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc := newTestService(t, repo)

	form := mustCreateForm(t, svc, FormInput{Title: "Form"})
	if _, err := svc.GetForm(ctx, form.ID); err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}

	// A write commits while the resync is reading the form.
	repo.onGetForm = func(id string) {
		svc.invalidate(kindForm, id)
	}
	svc.reloadCache(ctx)
	repo.onGetForm = nil

	if svc.forms.Contains(form.ID) {
		t.Fatalf("form %q cached from a load that raced an invalidation", form.ID)
	}

	if _, err := svc.GetForm(ctx, form.ID); err != nil {
		t.Fatalf("GetForm() error = %v", err)
	}
	if !svc.forms.Contains(form.ID) {
		t.Fatalf("form %q not cached after a clean load", form.ID)
	}
}

type countingRecorder struct {
	hits          atomic.Int64
	misses        atomic.Int64
	loads         atomic.Int64
	invalidations atomic.Int64
	submissions   atomic.Int64
	matched       atomic.Int64
	unmatched     atomic.Int64
}

func (r *countingRecorder) IncCacheHits(string) { r.hits.Add(1) }
func (r *countingRecorder) IncCacheMisses(string) { r.misses.Add(1) }
func (r *countingRecorder) IncCacheLoads(string) { r.loads.Add(1) }
func (r *countingRecorder) IncCacheInvalidations() { r.invalidations.Add(1) }
func (r *countingRecorder) SetCacheEntries(string, int) {}
func (r *countingRecorder) IncSubmissions() { r.submissions.Add(1) }

func (r *countingRecorder) RecordEvaluation(_ string, matched bool) {
	if matched {
		r.matched.Add(1)
		return
	}
	r.unmatched.Add(1)
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
