package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusops/progress-api/internal/models"
)

// CourseRepository handles global course reference data.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository creates a new course repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// ListByCodes returns known courses keyed by code. Codes with no row are
// simply absent from the map; callers decide whether that is an error.
func (r *CourseRepository) ListByCodes(ctx context.Context, codes []string) (map[string]models.Course, error) {
	if len(codes) == 0 {
		return map[string]models.Course{}, nil
	}
	const query = `SELECT id, code, title, credits, created_at, updated_at
        FROM courses WHERE code = ANY($1)`
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, pq.Array(codes)); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	result := make(map[string]models.Course, len(courses))
	for _, course := range courses {
		result[course.Code] = course
	}
	return result, nil
}

// EnsureByCodes creates any missing courses with the code as title and the
// supplied default credit weight, then returns the full set keyed by code.
func (r *CourseRepository) EnsureByCodes(ctx context.Context, codes []string, defaultCredits float64) (map[string]models.Course, error) {
	existing, err := r.ListByCodes(ctx, codes)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, code := range codes {
		if _, ok := existing[code]; !ok {
			missing = append(missing, code)
		}
	}
	if len(missing) == 0 {
		return existing, nil
	}
	const insert = `INSERT INTO courses (code, title, credits, created_at, updated_at)
        SELECT unnest($1::text[]), unnest($1::text[]), $2, now(), now()
        ON CONFLICT (code) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert, pq.Array(missing), defaultCredits); err != nil {
		return nil, fmt.Errorf("create courses: %w", err)
	}
	return r.ListByCodes(ctx, codes)
}
