package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Form is a registration form row. CourseID links the form to the course
// whose invoice rules price its submissions.
type Form struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CourseID    *string   `json:"courseId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Question is a form question row. Options holds a JSON array of strings.
type Question struct {
	ID               string          `json:"id"`
	FormID           string          `json:"formId"`
	Position         int             `json:"position"`
	Label            string          `json:"label"`
	Type             string          `json:"type"`
	Options          json.RawMessage `json:"options"`
	IsConditional    bool            `json:"isConditional"`
	IsRequired       bool            `json:"isRequired"`
	IsUsedForInvoice bool            `json:"isUsedForInvoice"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// QuestionRule is a visibility rule row owned by QuestionID. TargetQuestionIDs
// and Conditions hold JSON arrays.
type QuestionRule struct {
	ID                string          `json:"id"`
	FormID            string          `json:"formId"`
	QuestionID        string          `json:"questionId"`
	Action            string          `json:"action"`
	TargetQuestionIDs json.RawMessage `json:"targetQuestionIds"`
	Conditions        json.RawMessage `json:"conditions"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

const formColumns = `id, title, description, course_id, created_at, updated_at`

func scanForm(row pgx.Row) (Form, error) {
	var form Form
	err := row.Scan(
		&form.ID,
		&form.Title,
		&form.Description,
		&form.CourseID,
		&form.CreatedAt,
		&form.UpdatedAt,
	)
	return form, err
}

// CreateForm inserts a new form row.
func (r *PostgresRepository) CreateForm(ctx context.Context, form Form) (Form, error) {
	created, err := scanForm(r.pool.QueryRow(ctx, `
		INSERT INTO forms (id, title, description, course_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+formColumns,
		form.ID, form.Title, form.Description, form.CourseID,
	))
	if err != nil {
		return Form{}, fmt.Errorf("create form: %w", err)
	}

	return created, nil
}

// UpdateForm updates a form's title, description and course link. Returns
// pgx.ErrNoRows (wrapped) if the form does not exist.
func (r *PostgresRepository) UpdateForm(ctx context.Context, form Form) (Form, error) {
	updated, err := scanForm(r.pool.QueryRow(ctx, `
		UPDATE forms
		SET title = $2,
		    description = $3,
		    course_id = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+formColumns,
		form.ID, form.Title, form.Description, form.CourseID,
	))
	if err != nil {
		return Form{}, fmt.Errorf("update form: %w", err)
	}

	return updated, nil
}

// GetForm retrieves a form by ID. Returns pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetForm(ctx context.Context, id string) (Form, error) {
	form, err := scanForm(r.pool.QueryRow(ctx, `SELECT `+formColumns+` FROM forms WHERE id = $1`, id))
	if err != nil {
		return Form{}, fmt.Errorf("get form: %w", err)
	}

	return form, nil
}

// ListForms returns all forms ordered by creation time.
func (r *PostgresRepository) ListForms(ctx context.Context) ([]Form, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+formColumns+` FROM forms ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()

	forms := make([]Form, 0)
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, form)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list forms rows: %w", err)
	}

	return forms, nil
}

// DeleteForm removes a form together with its questions, rules and
// submissions. Returns pgx.ErrNoRows (wrapped) if the form does not exist.
func (r *PostgresRepository) DeleteForm(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM forms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete form: %w", err)
	}

	return requireRows(commandTag, "delete form")
}

const questionColumns = `id, form_id, position, label, type, options, is_conditional, is_required, is_used_for_invoice, created_at, updated_at`

func scanQuestion(row pgx.Row) (Question, error) {
	var question Question
	err := row.Scan(
		&question.ID,
		&question.FormID,
		&question.Position,
		&question.Label,
		&question.Type,
		&question.Options,
		&question.IsConditional,
		&question.IsRequired,
		&question.IsUsedForInvoice,
		&question.CreatedAt,
		&question.UpdatedAt,
	)
	return question, err
}

// CreateQuestion appends a question to the end of its form.
func (r *PostgresRepository) CreateQuestion(ctx context.Context, question Question) (Question, error) {
	created, err := scanQuestion(r.pool.QueryRow(ctx, `
		INSERT INTO questions (id, form_id, position, label, type, options, is_conditional, is_required, is_used_for_invoice)
		VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM questions WHERE form_id = $2),
			$3, $4, $5, $6, $7, $8
		)
		RETURNING `+questionColumns,
		question.ID,
		question.FormID,
		question.Label,
		question.Type,
		ensureJSON(question.Options, "[]"),
		question.IsConditional,
		question.IsRequired,
		question.IsUsedForInvoice,
	))
	if err != nil {
		return Question{}, fmt.Errorf("create question: %w", err)
	}

	return created, nil
}

// UpdateQuestion updates a question in place; its position is unchanged.
// Returns pgx.ErrNoRows (wrapped) if the question does not exist.
func (r *PostgresRepository) UpdateQuestion(ctx context.Context, question Question) (Question, error) {
	updated, err := scanQuestion(r.pool.QueryRow(ctx, `
		UPDATE questions
		SET label = $2,
		    type = $3,
		    options = $4,
		    is_conditional = $5,
		    is_required = $6,
		    is_used_for_invoice = $7,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+questionColumns,
		question.ID,
		question.Label,
		question.Type,
		ensureJSON(question.Options, "[]"),
		question.IsConditional,
		question.IsRequired,
		question.IsUsedForInvoice,
	))
	if err != nil {
		return Question{}, fmt.Errorf("update question: %w", err)
	}

	return updated, nil
}

// GetQuestion retrieves a question by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetQuestion(ctx context.Context, id string) (Question, error) {
	question, err := scanQuestion(r.pool.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if err != nil {
		return Question{}, fmt.Errorf("get question: %w", err)
	}

	return question, nil
}

// ListQuestions returns the questions of a form in display order.
func (r *PostgresRepository) ListQuestions(ctx context.Context, formID string) ([]Question, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+questionColumns+`
		FROM questions
		WHERE form_id = $1
		ORDER BY position, created_at
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	questions := make([]Question, 0)
	for rows.Next() {
		question, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, question)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list questions rows: %w", err)
	}

	return questions, nil
}

// DeleteQuestion removes a question and the rules it owns. Returns
// pgx.ErrNoRows (wrapped) if the question does not exist.
func (r *PostgresRepository) DeleteQuestion(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM questions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete question: %w", err)
	}

	return requireRows(commandTag, "delete question")
}

// ReorderQuestions persists the full question order of a form: ids[i] gets
// position i. Every id must belong to the form; otherwise nothing changes and
// pgx.ErrNoRows (wrapped) is returned.
func (r *PostgresRepository) ReorderQuestions(ctx context.Context, formID string, ids []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reorder questions tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `
		UPDATE questions AS q
		SET position = o.ord - 1,
		    updated_at = NOW()
		FROM unnest($2::text[]) WITH ORDINALITY AS o(id, ord)
		WHERE q.form_id = $1 AND q.id = o.id
	`, formID, ids)
	if err != nil {
		return fmt.Errorf("reorder questions: %w", err)
	}
	if commandTag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("reorder questions: %d of %d ids matched: %w", commandTag.RowsAffected(), len(ids), pgx.ErrNoRows)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reorder questions tx: %w", err)
	}

	return nil
}

const questionRuleColumns = `id, form_id, question_id, action, target_question_ids, conditions, created_at, updated_at`

func scanQuestionRule(row pgx.Row) (QuestionRule, error) {
	var rule QuestionRule
	err := row.Scan(
		&rule.ID,
		&rule.FormID,
		&rule.QuestionID,
		&rule.Action,
		&rule.TargetQuestionIDs,
		&rule.Conditions,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

// CreateQuestionRule inserts a visibility rule. The form is taken from the
// owning question.
func (r *PostgresRepository) CreateQuestionRule(ctx context.Context, rule QuestionRule) (QuestionRule, error) {
	created, err := scanQuestionRule(r.pool.QueryRow(ctx, `
		INSERT INTO question_rules (id, form_id, question_id, action, target_question_ids, conditions)
		SELECT $1, q.form_id, q.id, $3, $4, $5
		FROM questions AS q
		WHERE q.id = $2
		RETURNING `+questionRuleColumns,
		rule.ID,
		rule.QuestionID,
		rule.Action,
		ensureJSON(rule.TargetQuestionIDs, "[]"),
		ensureJSON(rule.Conditions, "[]"),
	))
	if err != nil {
		return QuestionRule{}, fmt.Errorf("create question rule: %w", err)
	}

	return created, nil
}

// UpdateQuestionRule replaces a rule's action, targets and conditions.
// Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateQuestionRule(ctx context.Context, rule QuestionRule) (QuestionRule, error) {
	updated, err := scanQuestionRule(r.pool.QueryRow(ctx, `
		UPDATE question_rules
		SET action = $2,
		    target_question_ids = $3,
		    conditions = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+questionRuleColumns,
		rule.ID,
		rule.Action,
		ensureJSON(rule.TargetQuestionIDs, "[]"),
		ensureJSON(rule.Conditions, "[]"),
	))
	if err != nil {
		return QuestionRule{}, fmt.Errorf("update question rule: %w", err)
	}

	return updated, nil
}

// GetQuestionRule retrieves a visibility rule by ID. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetQuestionRule(ctx context.Context, id string) (QuestionRule, error) {
	rule, err := scanQuestionRule(r.pool.QueryRow(ctx, `SELECT `+questionRuleColumns+` FROM question_rules WHERE id = $1`, id))
	if err != nil {
		return QuestionRule{}, fmt.Errorf("get question rule: %w", err)
	}

	return rule, nil
}

// ListQuestionRules returns every visibility rule of a form in creation order.
func (r *PostgresRepository) ListQuestionRules(ctx context.Context, formID string) ([]QuestionRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+questionRuleColumns+`
		FROM question_rules
		WHERE form_id = $1
		ORDER BY created_at, id
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("list question rules: %w", err)
	}
	defer rows.Close()

	rules := make([]QuestionRule, 0)
	for rows.Next() {
		rule, err := scanQuestionRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list question rules rows: %w", err)
	}

	return rules, nil
}

// DeleteQuestionRule removes a visibility rule. Returns pgx.ErrNoRows
// (wrapped) if the rule does not exist.
func (r *PostgresRepository) DeleteQuestionRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM question_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete question rule: %w", err)
	}

	return requireRows(commandTag, "delete question rule")
}
