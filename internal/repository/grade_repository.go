package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusops/progress-api/internal/models"
)

const (
	defaultMergeBatchSize = 1000
	maxMergeBatchSize     = 5000
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// GradeRepository owns the grade ledger and its uniqueness invariant: at most
// one row per (student, course), ever.
type GradeRepository struct {
	db        *sqlx.DB
	batchSize int
}

// NewGradeRepository creates a grade repository with a bounded merge batch size.
func NewGradeRepository(db *sqlx.DB, batchSize int) *GradeRepository {
	if batchSize <= 0 {
		batchSize = defaultMergeBatchSize
	}
	if batchSize > maxMergeBatchSize {
		batchSize = maxMergeBatchSize
	}
	return &GradeRepository{db: db, batchSize: batchSize}
}

// EnsureUniqueIndex creates the (student_id, course_id) unique index the merge
// paths rely on. If pre-existing duplicate rows block creation it runs a
// one-time dedup that keeps the most recently created row per key, then
// retries. The dedup is idempotent and can never remove the only row for a key.
func (r *GradeRepository) EnsureUniqueIndex(ctx context.Context) error {
	const create = `CREATE UNIQUE INDEX IF NOT EXISTS grade_records_student_course_key
        ON grade_records (student_id, course_id)`
	_, err := r.db.ExecContext(ctx, create)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("create ledger unique index: %w", err)
	}
	if err := r.dedupeLedger(ctx); err != nil {
		return fmt.Errorf("dedupe ledger: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create ledger unique index after dedupe: %w", err)
	}
	return nil
}

// dedupeLedger deletes every ledger row shadowed by a newer row for the same
// (student, course) key.
func (r *GradeRepository) dedupeLedger(ctx context.Context) error {
	const query = `DELETE FROM grade_records g USING grade_records keep
        WHERE g.student_id = keep.student_id
          AND g.course_id = keep.course_id
          AND g.id < keep.id`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// BulkUpsertResults merges results facts into the ledger in bounded batches.
// New (student, course) keys are inserted; existing keys are overwritten in
// full: grade, grade point, promotion, category, year and semester. Facts must
// already be deduplicated per key.
func (r *GradeRepository) BulkUpsertResults(ctx context.Context, facts []models.GradeUpsert) (models.MergeOutcome, error) {
	var outcome models.MergeOutcome
	for start := 0; start < len(facts); start += r.batchSize {
		end := start + r.batchSize
		if end > len(facts) {
			end = len(facts)
		}
		created, updated, err := r.upsertResultsBatch(ctx, facts[start:end])
		if err != nil {
			return outcome, err
		}
		outcome.Created += created
		outcome.Updated += updated
	}
	return outcome, nil
}

func (r *GradeRepository) upsertResultsBatch(ctx context.Context, batch []models.GradeUpsert) (int, int, error) {
	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*8)
	for i, fact := range batch {
		base := i * 8
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, now(), now())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, fact.StudentID, fact.CourseID, fact.Grade, fact.GradePoint,
			fact.Promotion, fact.Category, fact.AcademicYear, fact.Semester)
	}
	query := fmt.Sprintf(`INSERT INTO grade_records
        (student_id, course_id, grade, grade_point, promotion, category, academic_year, semester, created_at, updated_at)
        VALUES %s
        ON CONFLICT (student_id, course_id) DO UPDATE SET
            grade = EXCLUDED.grade,
            grade_point = EXCLUDED.grade_point,
            promotion = EXCLUDED.promotion,
            category = EXCLUDED.category,
            academic_year = EXCLUDED.academic_year,
            semester = EXCLUDED.semester,
            updated_at = EXCLUDED.updated_at
        RETURNING (xmax = 0) AS inserted`, strings.Join(values, ", "))

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("merge results batch: %w", err)
	}
	defer rows.Close()
	created, updated := 0, 0
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return created, updated, fmt.Errorf("scan merge outcome: %w", err)
		}
		if inserted {
			created++
		} else {
			updated++
		}
	}
	if err := rows.Err(); err != nil {
		return created, updated, fmt.Errorf("merge results batch: %w", err)
	}
	return created, updated, nil
}

// MergeRegistrations stages registration facts into a transaction-scoped temp
// table via COPY and merges them in one set operation. Missing keys are
// inserted as pending (promotion R) with the category resolved through the
// program mapping at merge time; keys that already carry a grade only refresh
// year, semester and category. Registration data never erases a recorded result.
func (r *GradeRepository) MergeRegistrations(ctx context.Context, programCode string, regs []models.RegistrationStage) (models.MergeOutcome, error) {
	var outcome models.MergeOutcome
	if len(regs) == 0 {
		return outcome, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return outcome, fmt.Errorf("begin registrations merge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const createStage = `CREATE TEMP TABLE staged_registrations
        (student_id text, course_id bigint, academic_year text, semester text)
        ON COMMIT DROP`
	if _, err := tx.ExecContext(ctx, createStage); err != nil {
		return outcome, fmt.Errorf("create staging table: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, pq.CopyIn("staged_registrations", "student_id", "course_id", "academic_year", "semester"))
	if err != nil {
		return outcome, fmt.Errorf("prepare staging copy: %w", err)
	}
	for _, reg := range regs {
		if _, err := stmt.ExecContext(ctx, reg.StudentID, reg.CourseID, reg.AcademicYear, reg.Semester); err != nil {
			stmt.Close() //nolint:errcheck
			return outcome, fmt.Errorf("stage registration: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close() //nolint:errcheck
		return outcome, fmt.Errorf("flush staging copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return outcome, fmt.Errorf("close staging copy: %w", err)
	}

	var program interface{}
	if programCode != "" {
		program = programCode
	}
	const merge = `INSERT INTO grade_records
        (student_id, course_id, grade, grade_point, promotion, category, academic_year, semester, created_at, updated_at)
        SELECT s.student_id, s.course_id, '', 0, 'R', COALESCE(cat.name, ''), s.academic_year, s.semester, now(), now()
        FROM staged_registrations s
        LEFT JOIN program_course_categories pcc ON pcc.course_id = s.course_id AND pcc.program_code = $1
        LEFT JOIN categories cat ON cat.id = pcc.category_id
        ON CONFLICT (student_id, course_id) DO UPDATE SET
            academic_year = EXCLUDED.academic_year,
            semester = EXCLUDED.semester,
            category = CASE WHEN EXCLUDED.category <> '' THEN EXCLUDED.category ELSE grade_records.category END,
            updated_at = EXCLUDED.updated_at
        RETURNING (xmax = 0) AS inserted`
	rows, err := tx.QueryxContext(ctx, merge, program)
	if err != nil {
		return outcome, fmt.Errorf("merge registrations: %w", err)
	}
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			rows.Close()
			return outcome, fmt.Errorf("scan merge outcome: %w", err)
		}
		if inserted {
			outcome.Created++
		} else {
			outcome.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return outcome, fmt.Errorf("merge registrations: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return models.MergeOutcome{}, fmt.Errorf("commit registrations merge: %w", err)
	}
	return outcome, nil
}

// RefreshBacklogFlags recomputes the per-student "has any non-pass grade" flag
// for the given students.
func (r *GradeRepository) RefreshBacklogFlags(ctx context.Context, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	const query = `UPDATE students SET has_backlog = EXISTS (
            SELECT 1 FROM grade_records g
            WHERE g.student_id = students.id AND g.promotion NOT IN ('P', 'R')
        ), updated_at = now()
        WHERE students.id = ANY($1)`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(studentIDs)); err != nil {
		return fmt.Errorf("refresh backlog flags: %w", err)
	}
	return nil
}

// ListPassedByStudents returns every passed ledger row with course credits for
// the given students; input to the per-student fold aggregation.
func (r *GradeRepository) ListPassedByStudents(ctx context.Context, studentIDs []string) ([]models.PassedCourse, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT g.student_id, g.category, c.credits
        FROM grade_records g
        JOIN courses c ON c.id = g.course_id
        WHERE g.promotion = 'P' AND g.student_id = ANY($1)
        ORDER BY g.student_id, g.category`
	var passed []models.PassedCourse
	if err := r.db.SelectContext(ctx, &passed, query, pq.Array(studentIDs)); err != nil {
		return nil, fmt.Errorf("list passed courses: %w", err)
	}
	return passed, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
