package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type Course struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Item is a priced package of a course. Amount is stored as NUMERIC(14,2).
type Item struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	Name      string    `json:"name"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CourseRule is an invoice rule row. Rules are evaluated in Position order.
type CourseRule struct {
	ID          string          `json:"id"`
	CourseID    string          `json:"courseId"`
	Position    int             `json:"position"`
	LinkedItems json.RawMessage `json:"linkedItems"`
	Conditions  json.RawMessage `json:"conditions"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

const courseColumns = `id, name, description, created_at, updated_at`

func scanCourse(row pgx.Row) (Course, error) {
	var course Course
	err := row.Scan(&course.ID, &course.Name, &course.Description, &course.CreatedAt, &course.UpdatedAt)
	return course, err
}

// CreateCourse inserts a new course.
func (r *PostgresRepository) CreateCourse(ctx context.Context, course Course) (Course, error) {
	created, err := scanCourse(r.pool.QueryRow(ctx, `
		INSERT INTO courses (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING `+courseColumns,
		course.ID, course.Name, course.Description,
	))
	if err != nil {
		return Course{}, fmt.Errorf("create course: %w", err)
	}
	return created, nil
}

// UpdateCourse updates a course. Returns pgx.ErrNoRows (wrapped) if the course
// does not exist.
func (r *PostgresRepository) UpdateCourse(ctx context.Context, course Course) (Course, error) {
	updated, err := scanCourse(r.pool.QueryRow(ctx, `
		UPDATE courses
		SET name = $2,
		    description = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+courseColumns,
		course.ID, course.Name, course.Description,
	))
	if err != nil {
		return Course{}, fmt.Errorf("update course: %w", err)
	}
	return updated, nil
}

// GetCourse retrieves a course by ID.
func (r *PostgresRepository) GetCourse(ctx context.Context, id string) (Course, error) {
	course, err := scanCourse(r.pool.QueryRow(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, id))
	if err != nil {
		return Course{}, fmt.Errorf("get course: %w", err)
	}
	return course, nil
}

// ListCourses returns all courses ordered by name.
func (r *PostgresRepository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+courseColumns+` FROM courses ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	courses := make([]Course, 0)
	for rows.Next() {
		course, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, course)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list courses rows: %w", err)
	}
	return courses, nil
}

// DeleteCourse removes a course with its items and rules. Forms linked to the
// course are unlinked.
func (r *PostgresRepository) DeleteCourse(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return requireRows(commandTag, "delete course")
}

const itemColumns = `id, course_id, name, amount, currency, quantity, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	err := row.Scan(
		&item.ID,
		&item.CourseID,
		&item.Name,
		&item.Amount,
		&item.Currency,
		&item.Quantity,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

// CreateItem inserts a priced item for a course.
func (r *PostgresRepository) CreateItem(ctx context.Context, item Item) (Item, error) {
	created, err := scanItem(r.pool.QueryRow(ctx, `
		INSERT INTO items (id, course_id, name, amount, currency, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+itemColumns,
		item.ID, item.CourseID, item.Name, item.Amount, item.Currency, item.Quantity,
	))
	if err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	return created, nil
}

// UpdateItem updates an item. Returns pgx.ErrNoRows (wrapped) if the item does
// not exist.
func (r *PostgresRepository) UpdateItem(ctx context.Context, item Item) (Item, error) {
	updated, err := scanItem(r.pool.QueryRow(ctx, `
		UPDATE items
		SET name = $2,
		    amount = $3,
		    currency = $4,
		    quantity = $5,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+itemColumns,
		item.ID, item.Name, item.Amount, item.Currency, item.Quantity,
	))
	if err != nil {
		return Item{}, fmt.Errorf("update item: %w", err)
	}
	return updated, nil
}

// GetItem retrieves an item by ID.
func (r *PostgresRepository) GetItem(ctx context.Context, id string) (Item, error) {
	item, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns the items of a course in creation order.
func (r *PostgresRepository) ListItems(ctx context.Context, courseID string) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE course_id = $1
		ORDER BY created_at, id
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items rows: %w", err)
	}
	return items, nil
}

// DeleteItem removes an item. Rules linking to it fall back to placeholder
// labels at evaluation time.
func (r *PostgresRepository) DeleteItem(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return requireRows(commandTag, "delete item")
}

const courseRuleColumns = `id, course_id, position, linked_items, conditions, created_at, updated_at`

func scanCourseRule(row pgx.Row) (CourseRule, error) {
	var rule CourseRule
	err := row.Scan(
		&rule.ID,
		&rule.CourseID,
		&rule.Position,
		&rule.LinkedItems,
		&rule.Conditions,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

// CreateCourseRule appends an invoice rule to the end of the course's rules.
func (r *PostgresRepository) CreateCourseRule(ctx context.Context, rule CourseRule) (CourseRule, error) {
	created, err := scanCourseRule(r.pool.QueryRow(ctx, `
		INSERT INTO course_rules (id, course_id, position, linked_items, conditions)
		VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM course_rules WHERE course_id = $2),
			$3, $4
		)
		RETURNING `+courseRuleColumns,
		rule.ID,
		rule.CourseID,
		ensureJSON(rule.LinkedItems, "[]"),
		ensureJSON(rule.Conditions, "[]"),
	))
	if err != nil {
		return CourseRule{}, fmt.Errorf("create course rule: %w", err)
	}
	return created, nil
}

// UpdateCourseRule replaces a rule's linked items and conditions, keeping its
// position.
func (r *PostgresRepository) UpdateCourseRule(ctx context.Context, rule CourseRule) (CourseRule, error) {
	updated, err := scanCourseRule(r.pool.QueryRow(ctx, `
		UPDATE course_rules
		SET linked_items = $2,
		    conditions = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+courseRuleColumns,
		rule.ID,
		ensureJSON(rule.LinkedItems, "[]"),
		ensureJSON(rule.Conditions, "[]"),
	))
	if err != nil {
		return CourseRule{}, fmt.Errorf("update course rule: %w", err)
	}
	return updated, nil
}

// GetCourseRule retrieves an invoice rule by ID.
func (r *PostgresRepository) GetCourseRule(ctx context.Context, id string) (CourseRule, error) {
	rule, err := scanCourseRule(r.pool.QueryRow(ctx, `SELECT `+courseRuleColumns+` FROM course_rules WHERE id = $1`, id))
	if err != nil {
		return CourseRule{}, fmt.Errorf("get course rule: %w", err)
	}
	return rule, nil
}

// ListCourseRules returns the invoice rules of a course in stored order.
func (r *PostgresRepository) ListCourseRules(ctx context.Context, courseID string) ([]CourseRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+courseRuleColumns+`
		FROM course_rules
		WHERE course_id = $1
		ORDER BY position, created_at
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list course rules: %w", err)
	}
	defer rows.Close()

	rules := make([]CourseRule, 0)
	for rows.Next() {
		rule, err := scanCourseRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list course rules rows: %w", err)
	}
	return rules, nil
}

// DeleteCourseRule removes an invoice rule.
func (r *PostgresRepository) DeleteCourseRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM course_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete course rule: %w", err)
	}
	return requireRows(commandTag, "delete course rule")
}
