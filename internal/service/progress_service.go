package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusops/progress-api/internal/models"
	appErrors "github.com/campusops/progress-api/pkg/errors"
)

// Aggregator recomputes progress snapshots for a set of students. Both
// implementations replace each student's rows wholesale and emit one row per
// program category, zero progress included.
type Aggregator interface {
	Recompute(ctx context.Context, studentIDs []string) error
}

type bulkProgressStore interface {
	BulkRecompute(ctx context.Context, studentIDs []string) error
}

// BulkAggregator pushes the whole recompute into one set-based statement per
// chunk. This is the import hot path.
type BulkAggregator struct {
	progress  bulkProgressStore
	chunkSize int
}

// NewBulkAggregator builds the set-based aggregator.
func NewBulkAggregator(progress bulkProgressStore, chunkSize int) *BulkAggregator {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &BulkAggregator{progress: progress, chunkSize: chunkSize}
}

// Recompute rebuilds snapshots chunk by chunk. One chunk's failure does not
// stop the remaining chunks; failures are collected and returned together.
func (a *BulkAggregator) Recompute(ctx context.Context, studentIDs []string) error {
	var errs []error
	for start := 0; start < len(studentIDs); start += a.chunkSize {
		end := start + a.chunkSize
		if end > len(studentIDs) {
			end = len(studentIDs)
		}
		if err := a.progress.BulkRecompute(ctx, studentIDs[start:end]); err != nil {
			errs = append(errs, fmt.Errorf("recompute chunk [%d:%d]: %w", start, end, err))
		}
	}
	return errors.Join(errs...)
}

type foldStudentReader interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error)
}

type foldProgramReader interface {
	CategoriesWithRequirements(ctx context.Context, programCode string) ([]models.CategoryWithRequirement, error)
}

type foldGradeReader interface {
	ListPassedByStudents(ctx context.Context, studentIDs []string) ([]models.PassedCourse, error)
}

type foldProgressStore interface {
	ReplaceAll(ctx context.Context, studentIDs []string, rows []models.ProgressSnapshot) error
}

// FoldAggregator recomputes in application code: load passed courses, fold
// them per student per category, replace the snapshot rows. Slower than the
// set-based path but yields identical rows; kept for targeted recomputes and
// as the reference the bulk path is checked against.
type FoldAggregator struct {
	students foldStudentReader
	programs foldProgramReader
	grades   foldGradeReader
	progress foldProgressStore
	now      func() time.Time
	newID    func() string
}

// NewFoldAggregator builds the per-student fold aggregator.
func NewFoldAggregator(students foldStudentReader, programs foldProgramReader, grades foldGradeReader, progress foldProgressStore) *FoldAggregator {
	return &FoldAggregator{
		students: students,
		programs: programs,
		grades:   grades,
		progress: progress,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

type categoryTally struct {
	courses int
	credits float64
}

// Recompute folds passed ledger rows into fresh snapshot rows. Students with
// no program binding get their rows cleared and nothing else. One student's
// failure does not stop the rest of the set; failures are collected and
// returned together.
func (a *FoldAggregator) Recompute(ctx context.Context, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	students, err := a.students.FindByIDs(ctx, studentIDs)
	if err != nil {
		return fmt.Errorf("load students: %w", err)
	}
	passed, err := a.grades.ListPassedByStudents(ctx, studentIDs)
	if err != nil {
		return fmt.Errorf("load passed courses: %w", err)
	}

	tallies := make(map[string]map[string]categoryTally)
	for _, row := range passed {
		byCategory, ok := tallies[row.StudentID]
		if !ok {
			byCategory = make(map[string]categoryTally)
			tallies[row.StudentID] = byCategory
		}
		tally := byCategory[row.Category]
		tally.courses++
		tally.credits += row.Credits
		byCategory[row.Category] = tally
	}

	categoriesByProgram := make(map[string][]models.CategoryWithRequirement)
	computedAt := a.now().UTC()

	var errs []error
	for _, id := range studentIDs {
		student, ok := students[id]
		if !ok || student.ProgramCode == nil {
			if err := a.progress.ReplaceAll(ctx, []string{id}, nil); err != nil {
				errs = append(errs, fmt.Errorf("clear snapshots for %s: %w", id, err))
			}
			continue
		}
		program := *student.ProgramCode
		categories, ok := categoriesByProgram[program]
		if !ok {
			categories, err = a.programs.CategoriesWithRequirements(ctx, program)
			if err != nil {
				errs = append(errs, fmt.Errorf("load categories for %s: %w", program, err))
				continue
			}
			categoriesByProgram[program] = categories
		}

		rows := make([]models.ProgressSnapshot, 0, len(categories))
		for _, category := range categories {
			tally := tallies[id][category.Name]
			rows = append(rows, models.ProgressSnapshot{
				ID:               a.newID(),
				StudentID:        id,
				Category:         category.Name,
				MinCourses:       category.MinCourses,
				MinCredits:       category.MinCredits,
				CompletedCourses: tally.courses,
				CompletedCredits: tally.credits,
				ComputedAt:       computedAt,
			})
		}
		if err := a.progress.ReplaceAll(ctx, []string{id}, rows); err != nil {
			errs = append(errs, fmt.Errorf("replace snapshots for %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type progressReader interface {
	ListByStudent(ctx context.Context, studentID string) ([]models.ProgressSnapshot, error)
}

type progressStudentReader interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error)
	ListIDsWithProgram(ctx context.Context) ([]string, error)
}

type progressCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ProgressService serves progress reads through a short-lived cache and owns
// the maintenance full recompute.
type ProgressService struct {
	progress   progressReader
	students   progressStudentReader
	cache      progressCache
	dispatcher recomputeDispatcher
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// NewProgressService constructs the progress read service.
func NewProgressService(progress progressReader, students progressStudentReader, cache progressCache, dispatcher recomputeDispatcher, cacheTTL time.Duration, logger *zap.Logger) *ProgressService {
	return &ProgressService{
		progress:   progress,
		students:   students,
		cache:      cache,
		dispatcher: dispatcher,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

func progressCacheKey(studentID string) string {
	return "progress:student:" + studentID
}

// GetProgress returns a student's per-category progress with the derived
// completeness verdict. A student with no snapshot rows is never complete.
func (s *ProgressService) GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error) {
	var cached models.StudentProgress
	if err := s.cache.Get(ctx, progressCacheKey(studentID), &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Warn("progress cache read failed", zap.Error(err), zap.String("student_id", studentID))
	}

	known, err := s.students.FindByIDs(ctx, []string{studentID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if _, ok := known[studentID]; !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("student %s not found", studentID))
	}

	snapshots, err := s.progress.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load progress")
	}

	result := &models.StudentProgress{
		StudentID:  studentID,
		Categories: snapshots,
		Complete:   isComplete(snapshots),
	}
	if err := s.cache.Set(ctx, progressCacheKey(studentID), result, s.cacheTTL); err != nil {
		s.logger.Warn("progress cache write failed", zap.Error(err), zap.String("student_id", studentID))
	}
	return result, nil
}

// IsComplete reports whether every category of the student's program is
// satisfied.
func (s *ProgressService) IsComplete(ctx context.Context, studentID string) (bool, error) {
	progress, err := s.GetProgress(ctx, studentID)
	if err != nil {
		return false, err
	}
	return progress.Complete, nil
}

// Recompute queues recomputation for the given students, or for every student
// bound to a program when the list is empty. Returns the student count and
// queued job ids.
func (s *ProgressService) Recompute(ctx context.Context, studentIDs []string) (int, []string, error) {
	ids := studentIDs
	if len(ids) == 0 {
		all, err := s.students.ListIDsWithProgram(ctx)
		if err != nil {
			return 0, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
		}
		ids = all
	} else {
		ids = append([]string(nil), ids...)
		sort.Strings(ids)
	}
	if len(ids) == 0 {
		return 0, nil, nil
	}
	jobIDs, err := s.dispatcher.Dispatch(ctx, ids)
	if err != nil {
		return 0, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue recompute")
	}
	return len(ids), jobIDs, nil
}

// Invalidate drops cached progress for the given students.
func (s *ProgressService) Invalidate(ctx context.Context, studentIDs []string) {
	for _, id := range studentIDs {
		if err := s.cache.DeleteByPattern(ctx, progressCacheKey(id)); err != nil {
			s.logger.Warn("progress cache invalidation failed", zap.Error(err), zap.String("student_id", id))
		}
	}
}

func isComplete(snapshots []models.ProgressSnapshot) bool {
	if len(snapshots) == 0 {
		return false
	}
	for _, snapshot := range snapshots {
		if !snapshot.Satisfied() {
			return false
		}
	}
	return true
}
