package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusops/progress-api/internal/models"
	"github.com/campusops/progress-api/pkg/config"
	appErrors "github.com/campusops/progress-api/pkg/errors"
)

type mockProgramRepo struct {
	programs map[string]models.Program
	mapping  map[string]map[string]string
}

func (m *mockProgramRepo) FindByCode(ctx context.Context, code string) (*models.Program, error) {
	program, ok := m.programs[code]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &program, nil
}

func (m *mockProgramRepo) CourseCategoryMap(ctx context.Context, programCode string) (map[string]string, error) {
	return m.mapping[programCode], nil
}

func (m *mockProgramRepo) CategoriesWithRequirements(ctx context.Context, programCode string) ([]models.CategoryWithRequirement, error) {
	return nil, nil
}

type mockStudentRepo struct {
	students map[string]models.Student
	bound    []string
	names    map[string]string
}

func (m *mockStudentRepo) FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error) {
	result := make(map[string]models.Student)
	for _, id := range ids {
		if student, ok := m.students[id]; ok {
			result[id] = student
		}
	}
	return result, nil
}

func (m *mockStudentRepo) BulkCreate(ctx context.Context, students []models.Student) error {
	if m.students == nil {
		m.students = make(map[string]models.Student)
	}
	for _, student := range students {
		if _, ok := m.students[student.ID]; !ok {
			m.students[student.ID] = student
		}
	}
	return nil
}

func (m *mockStudentRepo) BindProgram(ctx context.Context, ids []string, programCode string) error {
	for _, id := range ids {
		student := m.students[id]
		if student.ProgramCode == nil {
			code := programCode
			student.ProgramCode = &code
			m.students[id] = student
		}
	}
	m.bound = append(m.bound, ids...)
	return nil
}

func (m *mockStudentRepo) UpdateNames(ctx context.Context, names map[string]string) error {
	m.names = names
	return nil
}

func (m *mockStudentRepo) ListIDsWithProgram(ctx context.Context) ([]string, error) {
	var ids []string
	for id, student := range m.students {
		if student.ProgramCode != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type mockCourseRepo struct {
	courses map[string]models.Course
	nextID  int64
	ensured []string
}

func (m *mockCourseRepo) ListByCodes(ctx context.Context, codes []string) (map[string]models.Course, error) {
	result := make(map[string]models.Course)
	for _, code := range codes {
		if course, ok := m.courses[code]; ok {
			result[code] = course
		}
	}
	return result, nil
}

func (m *mockCourseRepo) EnsureByCodes(ctx context.Context, codes []string, defaultCredits float64) (map[string]models.Course, error) {
	if m.courses == nil {
		m.courses = make(map[string]models.Course)
	}
	for _, code := range codes {
		if _, ok := m.courses[code]; !ok {
			m.nextID++
			m.courses[code] = models.Course{ID: m.nextID, Code: code, Title: code, Credits: defaultCredits}
			m.ensured = append(m.ensured, code)
		}
	}
	return m.ListByCodes(ctx, codes)
}

type mockGradeRepo struct {
	upserts       []models.GradeUpsert
	stages        []models.RegistrationStage
	stagedProgram string
	ensureCalls   int
	ensureErr     error
	backlogIDs    []string
}

func (m *mockGradeRepo) EnsureUniqueIndex(ctx context.Context) error {
	m.ensureCalls++
	return m.ensureErr
}

func (m *mockGradeRepo) BulkUpsertResults(ctx context.Context, facts []models.GradeUpsert) (models.MergeOutcome, error) {
	m.upserts = append(m.upserts, facts...)
	return models.MergeOutcome{Created: len(facts)}, nil
}

func (m *mockGradeRepo) MergeRegistrations(ctx context.Context, programCode string, regs []models.RegistrationStage) (models.MergeOutcome, error) {
	m.stagedProgram = programCode
	m.stages = append(m.stages, regs...)
	return models.MergeOutcome{Created: len(regs)}, nil
}

func (m *mockGradeRepo) RefreshBacklogFlags(ctx context.Context, studentIDs []string) error {
	m.backlogIDs = studentIDs
	return nil
}

type mockLocker struct {
	locked   []string
	unlocked []string
	busy     bool
	err      error
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.locked = append(m.locked, key)
	if m.err != nil {
		return false, m.err
	}
	return !m.busy, nil
}

func (m *mockLocker) Unlock(ctx context.Context, key string) error {
	m.unlocked = append(m.unlocked, key)
	return nil
}

type mockDispatcher struct {
	dispatched [][]string
	err        error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, studentIDs []string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.dispatched = append(m.dispatched, studentIDs)
	return []string{"job-1"}, nil
}

func newImportFixture() (*ImportService, *mockProgramRepo, *mockStudentRepo, *mockCourseRepo, *mockGradeRepo, *mockDispatcher) {
	programs := &mockProgramRepo{
		programs: map[string]models.Program{"CSE": {Code: "CSE", Name: "Computer Science"}},
		mapping: map[string]map[string]string{
			"CSE": {"CS101": "Core", "MA101": "Mathematics"},
		},
	}
	students := &mockStudentRepo{students: map[string]models.Student{}}
	courses := &mockCourseRepo{}
	grades := &mockGradeRepo{}
	dispatcher := &mockDispatcher{}
	svc := NewImportService(programs, students, courses, grades, &mockLocker{}, dispatcher, nil,
		config.ImportConfig{BatchSize: 1000, DefaultCredits: 3, MergeTimeout: time.Minute}, zap.NewNop())
	return svc, programs, students, courses, grades, dispatcher
}

func TestImportResults(t *testing.T) {
	svc, _, students, courses, grades, dispatcher := newImportFixture()

	body := strings.Join([]string{
		"University ID,Name,OBTAINED CREDITS,CS101,MA101,HIST201",
		"U1,Alice,24,A|2024,DT,B",
		"U2,Bob,12,B+,,C",
	}, "\n")

	summary, err := svc.ImportResults(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Students)
	assert.Equal(t, 3, summary.Facts)
	assert.Equal(t, 3, summary.Merge.Created)
	assert.Equal(t, []string{"job-1"}, summary.JobIDs)
	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, []string{"U1", "U2"}, dispatcher.dispatched[0])

	// HIST201 has no category mapping and must be dropped, not merged
	assert.Len(t, courses.ensured, 2)
	for _, fact := range grades.upserts {
		assert.NotEqual(t, "", fact.Category)
		assert.Empty(t, fact.AcademicYear)
	}
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "HIST201") {
			found = true
		}
	}
	assert.True(t, found, "expected skipped-code message")

	// unseen students created and bound to the program
	require.Contains(t, students.students, "U1")
	require.NotNil(t, students.students["U1"].ProgramCode)
	assert.Equal(t, "CSE", *students.students["U1"].ProgramCode)
	assert.Equal(t, []string{"U1", "U2"}, grades.backlogIDs)
	assert.Equal(t, 1, grades.ensureCalls)
}

func TestImportResultsExcludesOtherProgramStudents(t *testing.T) {
	svc, _, students, _, grades, _ := newImportFixture()
	other := "EEE"
	students.students["U1"] = models.Student{ID: "U1", ProgramCode: &other}

	body := strings.Join([]string{
		"University ID,Name,OBTAINED CREDITS,CS101",
		"U1,Alice,4,A",
		"U2,Bob,4,B",
	}, "\n")

	summary, err := svc.ImportResults(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	require.Len(t, grades.upserts, 1)
	assert.Equal(t, "U2", grades.upserts[0].StudentID)
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "another program") {
			found = true
		}
	}
	assert.True(t, found)

	// the excluded student's display name is never rewritten
	assert.NotContains(t, students.names, "U1")
	assert.Contains(t, students.names, "U2")
}

func TestImportResultsLastFactWins(t *testing.T) {
	svc, _, _, _, grades, _ := newImportFixture()

	// duplicate student row: the later row's cell must win
	body := strings.Join([]string{
		"University ID,Name,OBTAINED CREDITS,CS101",
		"U1,Alice,4,DT",
		"U1,Alice,4,A",
	}, "\n")

	summary, err := svc.ImportResults(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	require.Len(t, grades.upserts, 1)
	assert.Equal(t, "A", grades.upserts[0].Grade)
	assert.Equal(t, models.PromotionPassed, grades.upserts[0].Promotion)
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "duplicate") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestImportResultsUnknownProgram(t *testing.T) {
	svc, _, _, _, _, _ := newImportFixture()

	_, err := svc.ImportResults(context.Background(), "NOPE", strings.NewReader("x"))
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestImportResultsMalformedSheet(t *testing.T) {
	svc, _, _, _, _, _ := newImportFixture()

	_, err := svc.ImportResults(context.Background(), "CSE", strings.NewReader("University ID,Name\nU1,Alice"))
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrMalformedSheet.Code, appErr.Code)
}

func TestImportResultsUnverifiedUniquenessIsAdvisory(t *testing.T) {
	svc, _, _, _, grades, _ := newImportFixture()
	grades.ensureErr = assert.AnError

	body := "University ID,Name,OBTAINED CREDITS,CS101\nU1,Alice,4,A"
	summary, err := svc.ImportResults(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Merge.Created)
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "uniqueness") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestImportResultsSkipsUniquenessWhenLockHeld(t *testing.T) {
	programs := &mockProgramRepo{
		programs: map[string]models.Program{"CSE": {Code: "CSE", Name: "Computer Science"}},
		mapping: map[string]map[string]string{
			"CSE": {"CS101": "Core"},
		},
	}
	students := &mockStudentRepo{students: map[string]models.Student{}}
	grades := &mockGradeRepo{}
	locker := &mockLocker{busy: true}
	svc := NewImportService(programs, students, &mockCourseRepo{}, grades, locker, &mockDispatcher{}, nil,
		config.ImportConfig{BatchSize: 1000, DefaultCredits: 3, MergeTimeout: time.Minute}, zap.NewNop())

	body := "University ID,Name,OBTAINED CREDITS,CS101\nU1,Alice,4,A"
	summary, err := svc.ImportResults(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	// another instance holds the lock: no second in-flight check, merge unaffected
	assert.Zero(t, grades.ensureCalls)
	assert.Empty(t, locker.unlocked)
	assert.Equal(t, 1, summary.Merge.Created)
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "in flight") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestImportRegistrations(t *testing.T) {
	svc, _, _, courses, grades, dispatcher := newImportFixture()
	courses.courses = map[string]models.Course{
		"CS101": {ID: 1, Code: "CS101", Credits: 4},
	}

	body := strings.Join([]string{
		"University ID,Name,CourseCode,AcademicYear,Semester",
		"U1,Alice,CS101,2023-2024,ODD Sem",
		"U1,Alice,CS101,2024-2025,Even Semester",
		"U1,Alice,GHOST9,2024-2025,ODD",
	}, "\n")

	summary, err := svc.ImportRegistrations(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	// the latest term wins and the unknown code is skipped
	require.Len(t, grades.stages, 1)
	assert.Equal(t, "2024-2025", grades.stages[0].AcademicYear)
	assert.Equal(t, "EVEN", grades.stages[0].Semester)
	assert.Equal(t, "CSE", grades.stagedProgram)
	assert.Equal(t, 1, summary.Facts)
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "GHOST9") {
			found = true
		}
	}
	assert.True(t, found)
	require.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, []string{"U1"}, dispatcher.dispatched[0])
}

func TestImportRegistrationsQueueFailureIsAdvisory(t *testing.T) {
	svc, _, _, courses, _, dispatcher := newImportFixture()
	courses.courses = map[string]models.Course{"CS101": {ID: 1, Code: "CS101"}}
	dispatcher.err = assert.AnError

	body := "University ID,Name,CourseCode,AcademicYear,Semester\nU1,Alice,CS101,2024-2025,ODD"
	summary, err := svc.ImportRegistrations(context.Background(), "CSE", strings.NewReader(body))
	require.NoError(t, err)

	assert.Empty(t, summary.JobIDs)
	found := false
	for _, msg := range summary.Messages {
		if strings.Contains(msg, "recompute") {
			found = true
		}
	}
	assert.True(t, found)
}
