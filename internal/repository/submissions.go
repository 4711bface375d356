package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Submission is an append-only record of one completed form. Invoice is null
// when the form is not linked to a course.
type Submission struct {
	ID                 string          `json:"id"`
	FormID             string          `json:"formId"`
	Answers            json.RawMessage `json:"answers"`
	VisibleQuestionIDs json.RawMessage `json:"visibleQuestionIds"`
	Invoice            json.RawMessage `json:"invoice,omitempty"`
	APIKeyID           string          `json:"apiKeyId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// CreateSubmission stores a submission.
func (r *PostgresRepository) CreateSubmission(ctx context.Context, submission Submission) (Submission, error) {
	var invoice any
	if len(submission.Invoice) > 0 {
		invoice = submission.Invoice
	}

	var created Submission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO submissions (id, form_id, answers, visible_question_ids, invoice, api_key_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, form_id, answers, visible_question_ids, invoice, api_key_id, created_at
	`,
		submission.ID,
		submission.FormID,
		ensureJSON(submission.Answers, "{}"),
		ensureJSON(submission.VisibleQuestionIDs, "[]"),
		invoice,
		submission.APIKeyID,
	).Scan(
		&created.ID,
		&created.FormID,
		&created.Answers,
		&created.VisibleQuestionIDs,
		&created.Invoice,
		&created.APIKeyID,
		&created.CreatedAt,
	)
	if err != nil {
		return Submission{}, fmt.Errorf("create submission: %w", err)
	}

	return created, nil
}

// ListSubmissions returns submissions of a form, newest first.
func (r *PostgresRepository) ListSubmissions(ctx context.Context, formID string, limit, offset int) ([]Submission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, form_id, answers, visible_question_ids, invoice, api_key_id, created_at
		FROM submissions
		WHERE form_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, formID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	submissions := make([]Submission, 0)
	for rows.Next() {
		var s Submission
		if err := rows.Scan(&s.ID, &s.FormID, &s.Answers, &s.VisibleQuestionIDs, &s.Invoice, &s.APIKeyID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submissions = append(submissions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions rows: %w", err)
	}

	return submissions, nil
}
