package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusops/progress-api/internal/models"
)

// StudentRepository manages student records keyed by the external university
// identifier.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository creates a new student repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByIDs returns known students keyed by id.
func (r *StudentRepository) FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error) {
	if len(ids) == 0 {
		return map[string]models.Student{}, nil
	}
	const query = `SELECT id, name, password_hash, program_code, has_backlog, created_at, updated_at
        FROM students WHERE id = ANY($1)`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	result := make(map[string]models.Student, len(students))
	for _, student := range students {
		result[student.ID] = student
	}
	return result, nil
}

// BulkCreate inserts new students, ignoring ids created concurrently by
// another import.
func (r *StudentRepository) BulkCreate(ctx context.Context, students []models.Student) error {
	if len(students) == 0 {
		return nil
	}
	const query = `INSERT INTO students (id, name, password_hash, program_code, has_backlog, created_at, updated_at)
        VALUES (:id, :name, :password_hash, :program_code, :has_backlog, now(), now())
        ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, students); err != nil {
		return fmt.Errorf("create students: %w", err)
	}
	return nil
}

// BindProgram attaches unbound students to a program. Students already bound
// to another program are left alone; the resolver excludes them upstream.
func (r *StudentRepository) BindProgram(ctx context.Context, ids []string, programCode string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE students SET program_code = $2, updated_at = now()
        WHERE id = ANY($1) AND program_code IS NULL`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids), programCode); err != nil {
		return fmt.Errorf("bind students to program: %w", err)
	}
	return nil
}

// UpdateNames refreshes display names from the latest sheet. The last parsed
// value for an id wins, mirroring the parser's duplicate handling.
func (r *StudentRepository) UpdateNames(ctx context.Context, names map[string]string) error {
	if len(names) == 0 {
		return nil
	}
	ids := make([]string, 0, len(names))
	values := make([]string, 0, len(names))
	for id, name := range names {
		if name == "" {
			continue
		}
		ids = append(ids, id)
		values = append(values, name)
	}
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE students SET name = v.name, updated_at = now()
        FROM (SELECT unnest($1::text[]) AS id, unnest($2::text[]) AS name) v
        WHERE students.id = v.id AND v.name <> students.name`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids), pq.Array(values)); err != nil {
		return fmt.Errorf("update student names: %w", err)
	}
	return nil
}

// ListIDsWithProgram returns every student bound to a program; used by the
// explicit full-recompute maintenance operation, never the import hot path.
func (r *StudentRepository) ListIDsWithProgram(ctx context.Context) ([]string, error) {
	var ids []string
	const query = `SELECT id FROM students WHERE program_code IS NOT NULL ORDER BY id`
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list student ids: %w", err)
	}
	return ids, nil
}
