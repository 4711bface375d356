package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/formz/internal/repository"
)

type fakeServiceRepository struct {
	mu sync.Mutex

	forms         map[string]repository.Form
	questions     map[string]repository.Question
	questionRules map[string]repository.QuestionRule
	courses       map[string]repository.Course
	items         map[string]repository.Item
	courseRules   map[string]repository.CourseRule
	submissions   []repository.Submission
	events        []repository.Event
	auditEntries  []repository.AuditLogEntry

	publishErr    error
	auditErr      error
	createSubErr  error
	publishCtxErr error
	getFormCalls  atomic.Int64
	onGetForm     func(id string)
	sequence      int
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		forms:         make(map[string]repository.Form),
		questions:     make(map[string]repository.Question),
		questionRules: make(map[string]repository.QuestionRule),
		courses:       make(map[string]repository.Course),
		items:         make(map[string]repository.Item),
		courseRules:   make(map[string]repository.CourseRule),
	}
}

func notFound(operation string) error {
	return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
}

func (f *fakeServiceRepository) tick() time.Time {
	f.sequence++
	return time.Unix(int64(f.sequence), 0).UTC()
}

func (f *fakeServiceRepository) CreateForm(_ context.Context, form repository.Form) (repository.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	form.CreatedAt = f.tick()
	form.UpdatedAt = form.CreatedAt
	f.forms[form.ID] = form
	return form, nil
}

func (f *fakeServiceRepository) UpdateForm(_ context.Context, form repository.Form) (repository.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.forms[form.ID]
	if !ok {
		return repository.Form{}, notFound("update form")
	}
	form.CreatedAt = existing.CreatedAt
	form.UpdatedAt = f.tick()
	f.forms[form.ID] = form
	return form, nil
}

func (f *fakeServiceRepository) GetForm(_ context.Context, id string) (repository.Form, error) {
	f.getFormCalls.Add(1)
	if f.onGetForm != nil {
		f.onGetForm(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	form, ok := f.forms[id]
	if !ok {
		return repository.Form{}, notFound("get form")
	}
	return form, nil
}

func (f *fakeServiceRepository) ListForms(_ context.Context) ([]repository.Form, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	forms := make([]repository.Form, 0, len(f.forms))
	for _, form := range f.forms {
		forms = append(forms, form)
	}
	sort.Slice(forms, func(i, j int) bool { return forms[i].ID < forms[j].ID })
	return forms, nil
}

func (f *fakeServiceRepository) DeleteForm(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.forms[id]; !ok {
		return notFound("delete form")
	}
	delete(f.forms, id)
	for qid, question := range f.questions {
		if question.FormID == id {
			delete(f.questions, qid)
		}
	}
	for rid, rule := range f.questionRules {
		if rule.FormID == id {
			delete(f.questionRules, rid)
		}
	}
	return nil
}

func (f *fakeServiceRepository) CreateQuestion(_ context.Context, question repository.Question) (repository.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.forms[question.FormID]; !ok {
		return repository.Question{}, notFound("create question")
	}
	position := 0
	for _, existing := range f.questions {
		if existing.FormID == question.FormID && existing.Position >= position {
			position = existing.Position + 1
		}
	}
	question.Position = position
	question.CreatedAt = f.tick()
	question.UpdatedAt = question.CreatedAt
	f.questions[question.ID] = question
	return question, nil
}

func (f *fakeServiceRepository) UpdateQuestion(_ context.Context, question repository.Question) (repository.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.questions[question.ID]
	if !ok {
		return repository.Question{}, notFound("update question")
	}
	question.FormID = existing.FormID
	question.Position = existing.Position
	question.CreatedAt = existing.CreatedAt
	question.UpdatedAt = f.tick()
	f.questions[question.ID] = question
	return question, nil
}

func (f *fakeServiceRepository) GetQuestion(_ context.Context, id string) (repository.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	question, ok := f.questions[id]
	if !ok {
		return repository.Question{}, notFound("get question")
	}
	return question, nil
}

func (f *fakeServiceRepository) ListQuestions(_ context.Context, formID string) ([]repository.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	questions := make([]repository.Question, 0)
	for _, question := range f.questions {
		if question.FormID == formID {
			questions = append(questions, question)
		}
	}
	sort.Slice(questions, func(i, j int) bool { return questions[i].Position < questions[j].Position })
	return questions, nil
}

func (f *fakeServiceRepository) DeleteQuestion(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.questions[id]; !ok {
		return notFound("delete question")
	}
	delete(f.questions, id)
	for rid, rule := range f.questionRules {
		if rule.QuestionID == id {
			delete(f.questionRules, rid)
		}
	}
	return nil
}

func (f *fakeServiceRepository) ReorderQuestions(_ context.Context, formID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		question, ok := f.questions[id]
		if !ok || question.FormID != formID {
			return notFound("reorder questions")
		}
	}
	for position, id := range ids {
		question := f.questions[id]
		question.Position = position
		f.questions[id] = question
	}
	return nil
}

func (f *fakeServiceRepository) CreateQuestionRule(_ context.Context, rule repository.QuestionRule) (repository.QuestionRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	owner, ok := f.questions[rule.QuestionID]
	if !ok {
		return repository.QuestionRule{}, notFound("create question rule")
	}
	rule.FormID = owner.FormID
	rule.CreatedAt = f.tick()
	rule.UpdatedAt = rule.CreatedAt
	f.questionRules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) UpdateQuestionRule(_ context.Context, rule repository.QuestionRule) (repository.QuestionRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.questionRules[rule.ID]
	if !ok {
		return repository.QuestionRule{}, notFound("update question rule")
	}
	rule.FormID = existing.FormID
	rule.QuestionID = existing.QuestionID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = f.tick()
	f.questionRules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) GetQuestionRule(_ context.Context, id string) (repository.QuestionRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, ok := f.questionRules[id]
	if !ok {
		return repository.QuestionRule{}, notFound("get question rule")
	}
	return rule, nil
}

func (f *fakeServiceRepository) ListQuestionRules(_ context.Context, formID string) ([]repository.QuestionRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rules := make([]repository.QuestionRule, 0)
	for _, rule := range f.questionRules {
		if rule.FormID == formID {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules, nil
}

func (f *fakeServiceRepository) DeleteQuestionRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.questionRules[id]; !ok {
		return notFound("delete question rule")
	}
	delete(f.questionRules, id)
	return nil
}

func (f *fakeServiceRepository) CreateCourse(_ context.Context, course repository.Course) (repository.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	course.CreatedAt = f.tick()
	course.UpdatedAt = course.CreatedAt
	f.courses[course.ID] = course
	return course, nil
}

func (f *fakeServiceRepository) UpdateCourse(_ context.Context, course repository.Course) (repository.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.courses[course.ID]
	if !ok {
		return repository.Course{}, notFound("update course")
	}
	course.CreatedAt = existing.CreatedAt
	course.UpdatedAt = f.tick()
	f.courses[course.ID] = course
	return course, nil
}

func (f *fakeServiceRepository) GetCourse(_ context.Context, id string) (repository.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	course, ok := f.courses[id]
	if !ok {
		return repository.Course{}, notFound("get course")
	}
	return course, nil
}

func (f *fakeServiceRepository) ListCourses(_ context.Context) ([]repository.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	courses := make([]repository.Course, 0, len(f.courses))
	for _, course := range f.courses {
		courses = append(courses, course)
	}
	sort.Slice(courses, func(i, j int) bool { return courses[i].ID < courses[j].ID })
	return courses, nil
}

func (f *fakeServiceRepository) DeleteCourse(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.courses[id]; !ok {
		return notFound("delete course")
	}
	delete(f.courses, id)
	for iid, item := range f.items {
		if item.CourseID == id {
			delete(f.items, iid)
		}
	}
	for rid, rule := range f.courseRules {
		if rule.CourseID == id {
			delete(f.courseRules, rid)
		}
	}
	for fid, form := range f.forms {
		if form.CourseID != nil && *form.CourseID == id {
			form.CourseID = nil
			f.forms[fid] = form
		}
	}
	return nil
}

func (f *fakeServiceRepository) CreateItem(_ context.Context, item repository.Item) (repository.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.courses[item.CourseID]; !ok {
		return repository.Item{}, notFound("create item")
	}
	item.CreatedAt = f.tick()
	item.UpdatedAt = item.CreatedAt
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeServiceRepository) UpdateItem(_ context.Context, item repository.Item) (repository.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.items[item.ID]
	if !ok {
		return repository.Item{}, notFound("update item")
	}
	item.CourseID = existing.CourseID
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = f.tick()
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeServiceRepository) GetItem(_ context.Context, id string) (repository.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[id]
	if !ok {
		return repository.Item{}, notFound("get item")
	}
	return item, nil
}

func (f *fakeServiceRepository) ListItems(_ context.Context, courseID string) ([]repository.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	items := make([]repository.Item, 0)
	for _, item := range f.items {
		if item.CourseID == courseID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (f *fakeServiceRepository) DeleteItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.items[id]; !ok {
		return notFound("delete item")
	}
	delete(f.items, id)
	return nil
}

func (f *fakeServiceRepository) CreateCourseRule(_ context.Context, rule repository.CourseRule) (repository.CourseRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.courses[rule.CourseID]; !ok {
		return repository.CourseRule{}, notFound("create course rule")
	}
	position := 0
	for _, existing := range f.courseRules {
		if existing.CourseID == rule.CourseID && existing.Position >= position {
			position = existing.Position + 1
		}
	}
	rule.Position = position
	rule.CreatedAt = f.tick()
	rule.UpdatedAt = rule.CreatedAt
	f.courseRules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) UpdateCourseRule(_ context.Context, rule repository.CourseRule) (repository.CourseRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.courseRules[rule.ID]
	if !ok {
		return repository.CourseRule{}, notFound("update course rule")
	}
	rule.CourseID = existing.CourseID
	rule.Position = existing.Position
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = f.tick()
	f.courseRules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) GetCourseRule(_ context.Context, id string) (repository.CourseRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, ok := f.courseRules[id]
	if !ok {
		return repository.CourseRule{}, notFound("get course rule")
	}
	return rule, nil
}

func (f *fakeServiceRepository) ListCourseRules(_ context.Context, courseID string) ([]repository.CourseRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rules := make([]repository.CourseRule, 0)
	for _, rule := range f.courseRules {
		if rule.CourseID == courseID {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Position < rules[j].Position })
	return rules, nil
}

func (f *fakeServiceRepository) DeleteCourseRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.courseRules[id]; !ok {
		return notFound("delete course rule")
	}
	delete(f.courseRules, id)
	return nil
}

func (f *fakeServiceRepository) CreateSubmission(_ context.Context, submission repository.Submission) (repository.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createSubErr != nil {
		return repository.Submission{}, f.createSubErr
	}
	submission.CreatedAt = f.tick()
	f.submissions = append(f.submissions, submission)
	return submission, nil
}

func (f *fakeServiceRepository) ListSubmissions(_ context.Context, formID string, limit, offset int) ([]repository.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	submissions := make([]repository.Submission, 0)
	for _, submission := range slices.Backward(f.submissions) {
		if submission.FormID == formID {
			submissions = append(submissions, submission)
		}
	}
	if offset >= len(submissions) {
		return []repository.Submission{}, nil
	}
	submissions = submissions[offset:]
	if limit < len(submissions) {
		submissions = submissions[:limit]
	}
	return submissions, nil
}

func (f *fakeServiceRepository) PublishEvent(ctx context.Context, event repository.Event) (repository.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	if f.publishErr != nil {
		return repository.Event{}, f.publishErr
	}
	event.EventID = int64(len(f.events) + 1)
	event.CreatedAt = f.tick()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, eventID int64) ([]repository.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	events := make([]repository.Event, 0)
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.auditErr != nil {
		return f.auditErr
	}
	entry.ID = int64(len(f.auditEntries) + 1)
	entry.CreatedAt = f.tick()
	f.auditEntries = append(f.auditEntries, entry)
	return nil
}

func (f *fakeServiceRepository) ListAuditLog(_ context.Context, entityType, entityID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]repository.AuditLogEntry, 0)
	for _, entry := range slices.Backward(f.auditEntries) {
		if entry.EntityType == entityType && entry.EntityID == entityID {
			entries = append(entries, entry)
		}
	}
	if offset >= len(entries) {
		return []repository.AuditLogEntry{}, nil
	}
	entries = entries[offset:]
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeServiceRepository) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	types := make([]string, 0, len(f.events))
	for _, event := range f.events {
		types = append(types, event.EventType)
	}
	return types
}

// setQuestion writes a question behind the service's back.
func (f *fakeServiceRepository) setQuestion(question repository.Question) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions[question.ID] = question
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidationMu sync.Mutex
	invalidations  chan repository.Invalidation
	subscriptions  int
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan repository.Invalidation, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeInvalidation(_ context.Context) (<-chan repository.Invalidation, error) {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()

	if f.invalidations == nil {
		f.invalidations = make(chan repository.Invalidation, 1)
	}
	f.subscriptions++
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notify(invalidation repository.Invalidation) {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidationMu.Unlock()
	if ch == nil {
		return
	}
	ch <- invalidation
}

func (f *notifyingFakeServiceRepository) closeInvalidationChannel() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidations = nil
	f.invalidationMu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (f *notifyingFakeServiceRepository) subscriptionCalls() int {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()
	return f.subscriptions
}
