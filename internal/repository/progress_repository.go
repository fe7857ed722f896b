package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusops/progress-api/internal/models"
)

// ProgressRepository persists the derived per-student per-category progress
// snapshots. Rows are always replaced wholesale per student, never patched.
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository creates a new progress repository.
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// ReplaceAll swaps out the snapshot rows for the given students in one
// transaction: delete everything they own, insert the supplied rows.
func (r *ProgressRepository) ReplaceAll(ctx context.Context, studentIDs []string, rows []models.ProgressSnapshot) error {
	if len(studentIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot replace: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const del = `DELETE FROM progress_snapshots WHERE student_id = ANY($1)`
	if _, err := tx.ExecContext(ctx, del, pq.Array(studentIDs)); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	if len(rows) > 0 {
		const insert = `INSERT INTO progress_snapshots
            (id, student_id, category, min_courses, min_credits, completed_courses, completed_credits, computed_at)
            VALUES (:id, :student_id, :category, :min_courses, :min_credits, :completed_courses, :completed_credits, :computed_at)`
		if _, err := tx.NamedExecContext(ctx, insert, rows); err != nil {
			return fmt.Errorf("insert snapshots: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot replace: %w", err)
	}
	return nil
}

// BulkRecompute rebuilds snapshots for the given students in one set-based
// pass: every category of each student's program gets exactly one row, zero
// progress included, with minimums read from the requirement rows.
func (r *ProgressRepository) BulkRecompute(ctx context.Context, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk recompute: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const del = `DELETE FROM progress_snapshots WHERE student_id = ANY($1)`
	if _, err := tx.ExecContext(ctx, del, pq.Array(studentIDs)); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}

	const insert = `INSERT INTO progress_snapshots
        (id, student_id, category, min_courses, min_credits, completed_courses, completed_credits, computed_at)
        SELECT gen_random_uuid(), s.id, cat.name,
            COALESCE(req.min_courses, 0),
            COALESCE(req.min_credits, 0),
            COALESCE(agg.completed_courses, 0),
            COALESCE(agg.completed_credits, 0),
            now()
        FROM students s
        JOIN categories cat ON cat.program_code = s.program_code
        LEFT JOIN category_requirements req ON req.category_id = cat.id
        LEFT JOIN (
            SELECT g.student_id, g.category,
                COUNT(*) AS completed_courses,
                COALESCE(SUM(c.credits), 0) AS completed_credits
            FROM grade_records g
            JOIN courses c ON c.id = g.course_id
            WHERE g.promotion = 'P' AND g.student_id = ANY($1)
            GROUP BY g.student_id, g.category
        ) agg ON agg.student_id = s.id AND agg.category = cat.name
        WHERE s.id = ANY($1)`
	if _, err := tx.ExecContext(ctx, insert, pq.Array(studentIDs)); err != nil {
		return fmt.Errorf("insert snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk recompute: %w", err)
	}
	return nil
}

// ListByStudent returns a student's snapshot rows ordered by category.
func (r *ProgressRepository) ListByStudent(ctx context.Context, studentID string) ([]models.ProgressSnapshot, error) {
	const query = `SELECT id, student_id, category, min_courses, min_credits,
        completed_courses, completed_credits, computed_at
        FROM progress_snapshots WHERE student_id = $1 ORDER BY category`
	var snapshots []models.ProgressSnapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, studentID); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snapshots, nil
}
