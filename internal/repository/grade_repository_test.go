package repository

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusops/progress-api/internal/models"
)

func newGradeMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestGradeRepositoryBulkUpsertResultsCounts(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	rows := sqlmock.NewRows([]string{"inserted"}).AddRow(true).AddRow(false)
	mock.ExpectQuery("INSERT INTO grade_records").
		WithArgs("U1", int64(1), "A", 8.0, "P", "Core", "", "", "U1", int64(2), "DT", 0.0, "DT", "Core", "", "").
		WillReturnRows(rows)

	outcome, err := repo.BulkUpsertResults(context.Background(), []models.GradeUpsert{
		{StudentID: "U1", CourseID: 1, Grade: "A", GradePoint: 8, Promotion: "P", Category: "Core"},
		{StudentID: "U1", CourseID: 2, Grade: "DT", GradePoint: 0, Promotion: "DT", Category: "Core"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Equal(t, 1, outcome.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryBulkUpsertResultsBatches(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1)

	mock.ExpectQuery("INSERT INTO grade_records").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO grade_records").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))

	outcome, err := repo.BulkUpsertResults(context.Background(), []models.GradeUpsert{
		{StudentID: "U1", CourseID: 1},
		{StudentID: "U2", CourseID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Equal(t, 1, outcome.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryBulkUpsertResultsEmpty(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	outcome, err := repo.BulkUpsertResults(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.MergeOutcome{}, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryEnsureUniqueIndex(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS grade_records_student_course_key").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureUniqueIndex(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryEnsureUniqueIndexSelfHeals(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	dup := &pq.Error{Code: "23505"}
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS grade_records_student_course_key").
		WillReturnError(dup)
	mock.ExpectExec("DELETE FROM grade_records g USING grade_records keep").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS grade_records_student_course_key").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureUniqueIndex(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryMergeRegistrations(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE staged_registrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staged_registrations", "student_id", "course_id", "academic_year", "semester")))
	prep.ExpectExec().WithArgs("U1", int64(3), "2024-2025", "EVEN").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO grade_records").
		WithArgs("CSE").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()

	outcome, err := repo.MergeRegistrations(context.Background(), "CSE", []models.RegistrationStage{
		{StudentID: "U1", CourseID: 3, AcademicYear: "2024-2025", Semester: "EVEN"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Equal(t, 0, outcome.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryMergeRegistrationsPreservesCategory(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE staged_registrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn("staged_registrations", "student_id", "course_id", "academic_year", "semester")))
	prep.ExpectExec().WithArgs("U1", int64(3), "2024-2025", "EVEN").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	// a registration whose join resolves no category must not blank one
	// already set by a graded row
	mock.ExpectQuery(regexp.QuoteMeta("category = CASE WHEN EXCLUDED.category <> '' THEN EXCLUDED.category ELSE grade_records.category END")).
		WithArgs(nil).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectCommit()

	outcome, err := repo.MergeRegistrations(context.Background(), "", []models.RegistrationStage{
		{StudentID: "U1", CourseID: 3, AcademicYear: "2024-2025", Semester: "EVEN"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryMergeRegistrationsEmpty(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	outcome, err := repo.MergeRegistrations(context.Background(), "CSE", nil)
	require.NoError(t, err)
	assert.Equal(t, models.MergeOutcome{}, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryRefreshBacklogFlags(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	mock.ExpectExec("UPDATE students SET has_backlog = EXISTS").
		WithArgs(pq.Array([]string{"U1", "U2"})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.RefreshBacklogFlags(context.Background(), []string{"U1", "U2"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryListPassedByStudents(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db, 1000)

	rows := sqlmock.NewRows([]string{"student_id", "category", "credits"}).
		AddRow("U1", "Core", 4.0).
		AddRow("U1", "Elective", 3.0)
	mock.ExpectQuery("SELECT g.student_id, g.category, c.credits").
		WithArgs(pq.Array([]string{"U1"})).
		WillReturnRows(rows)

	passed, err := repo.ListPassedByStudents(context.Background(), []string{"U1"})
	require.NoError(t, err)
	require.Len(t, passed, 2)
	assert.Equal(t, "Core", passed[0].Category)
	assert.Equal(t, 4.0, passed[0].Credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}
