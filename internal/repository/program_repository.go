package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/campusops/progress-api/internal/models"
)

// ProgramRepository reads program reference data: programs, categories,
// requirements, and the program course-category mapping.
type ProgramRepository struct {
	db *sqlx.DB
}

// NewProgramRepository creates a new program repository.
func NewProgramRepository(db *sqlx.DB) *ProgramRepository {
	return &ProgramRepository{db: db}
}

// FindByCode returns the program with the given code.
func (r *ProgramRepository) FindByCode(ctx context.Context, code string) (*models.Program, error) {
	var program models.Program
	const query = `SELECT code, name, created_at, updated_at FROM programs WHERE code = $1`
	if err := r.db.GetContext(ctx, &program, query, code); err != nil {
		return nil, err
	}
	return &program, nil
}

// CourseCategoryMap returns course code to category name for one program. A
// course absent from the result has no category membership in that program.
func (r *ProgramRepository) CourseCategoryMap(ctx context.Context, programCode string) (map[string]string, error) {
	const query = `SELECT c.code AS course_code, cat.name AS category_name
        FROM program_course_categories pcc
        JOIN courses c ON c.id = pcc.course_id
        JOIN categories cat ON cat.id = pcc.category_id
        WHERE pcc.program_code = $1`
	var rows []models.CourseCategoryRow
	if err := r.db.SelectContext(ctx, &rows, query, programCode); err != nil {
		return nil, fmt.Errorf("load course category map: %w", err)
	}
	mapping := make(map[string]string, len(rows))
	for _, row := range rows {
		mapping[row.CourseCode] = row.CategoryName
	}
	return mapping, nil
}

// CategoriesWithRequirements lists a program's categories joined with their
// declared minimums, defaulting to 0/0.0 when no requirement row exists.
func (r *ProgramRepository) CategoriesWithRequirements(ctx context.Context, programCode string) ([]models.CategoryWithRequirement, error) {
	const query = `SELECT cat.id, cat.program_code, cat.name,
        COALESCE(req.min_courses, 0) AS min_courses,
        COALESCE(req.min_credits, 0) AS min_credits
        FROM categories cat
        LEFT JOIN category_requirements req ON req.category_id = cat.id
        WHERE cat.program_code = $1
        ORDER BY cat.name`
	var categories []models.CategoryWithRequirement
	if err := r.db.SelectContext(ctx, &categories, query, programCode); err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}
