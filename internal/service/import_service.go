package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusops/progress-api/internal/dto"
	"github.com/campusops/progress-api/internal/models"
	"github.com/campusops/progress-api/internal/sheet"
	"github.com/campusops/progress-api/pkg/config"
	appErrors "github.com/campusops/progress-api/pkg/errors"
)

const dedupLockKey = "ledger:dedup:lock"

type importProgramReader interface {
	FindByCode(ctx context.Context, code string) (*models.Program, error)
	CourseCategoryMap(ctx context.Context, programCode string) (map[string]string, error)
}

type importStudentStore interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]models.Student, error)
	BulkCreate(ctx context.Context, students []models.Student) error
	BindProgram(ctx context.Context, ids []string, programCode string) error
	UpdateNames(ctx context.Context, names map[string]string) error
}

type importCourseStore interface {
	ListByCodes(ctx context.Context, codes []string) (map[string]models.Course, error)
	EnsureByCodes(ctx context.Context, codes []string, defaultCredits float64) (map[string]models.Course, error)
}

type importGradeMerger interface {
	EnsureUniqueIndex(ctx context.Context) error
	BulkUpsertResults(ctx context.Context, facts []models.GradeUpsert) (models.MergeOutcome, error)
	MergeRegistrations(ctx context.Context, programCode string, regs []models.RegistrationStage) (models.MergeOutcome, error)
	RefreshBacklogFlags(ctx context.Context, studentIDs []string) error
}

type importLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type recomputeDispatcher interface {
	Dispatch(ctx context.Context, studentIDs []string) ([]string, error)
}

// ImportService turns uploaded grade sheets into durable ledger facts. The
// merge phase is synchronous; progress recomputation is queued and the
// response returns before it runs.
type ImportService struct {
	programs   importProgramReader
	students   importStudentStore
	courses    importCourseStore
	grades     importGradeMerger
	locker     importLocker
	dispatcher recomputeDispatcher
	metrics    *MetricsService
	validator  *validator.Validate
	cfg        config.ImportConfig
	logger     *zap.Logger

	dedupMu sync.Mutex
}

// NewImportService constructs the import orchestrator.
func NewImportService(
	programs importProgramReader,
	students importStudentStore,
	courses importCourseStore,
	grades importGradeMerger,
	locker importLocker,
	dispatcher recomputeDispatcher,
	metrics *MetricsService,
	cfg config.ImportConfig,
	logger *zap.Logger,
) *ImportService {
	return &ImportService{
		programs:   programs,
		students:   students,
		courses:    courses,
		grades:     grades,
		locker:     locker,
		dispatcher: dispatcher,
		metrics:    metrics,
		validator:  validator.New(),
		cfg:        cfg,
		logger:     logger,
	}
}

// ImportResults ingests a wide-format results sheet. When programCode is set,
// course columns outside the program's category mapping are dropped and
// students bound to a different program are excluded.
func (s *ImportService) ImportResults(ctx context.Context, programCode string, r io.Reader) (*dto.ImportSummary, error) {
	if err := s.validator.Struct(dto.ImportRequest{ProgramCode: programCode}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid import request")
	}
	mapping, mappedSet, err := s.loadMapping(ctx, programCode)
	if err != nil {
		return nil, err
	}

	parsed, err := sheet.ParseResults(r, mappedSet)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedSheet.Code, appErrors.ErrMalformedSheet.Status, err.Error())
	}

	summary := &dto.ImportSummary{}
	s.reportDuplicates(summary, parsed.DuplicateIDs)
	s.reportSkippedRows(summary, parsed.SkippedRows)
	if len(parsed.SkippedCodes) > 0 {
		summary.Messages = append(summary.Messages,
			fmt.Sprintf("skipped %d course column(s) with no category mapping: %v", len(parsed.SkippedCodes), parsed.SkippedCodes))
	}

	excluded, err := s.resolveStudents(ctx, parsed.Names, programCode, summary)
	if err != nil {
		return nil, err
	}

	facts := dedupeResultFacts(parsed.Facts, excluded)
	codes := distinctResultCodes(facts)
	courses, err := s.courses.EnsureByCodes(ctx, codes, s.cfg.DefaultCredits)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve courses")
	}

	upserts := make([]models.GradeUpsert, 0, len(facts))
	affected := make(map[string]struct{})
	for _, fact := range facts {
		course, ok := courses[fact.CourseCode]
		if !ok {
			continue
		}
		upserts = append(upserts, models.GradeUpsert{
			StudentID:  fact.StudentID,
			CourseID:   course.ID,
			Grade:      fact.Token.Grade,
			GradePoint: fact.Token.GradePoint,
			Promotion:  fact.Token.Promotion,
			Category:   mapping[fact.CourseCode],
		})
		affected[fact.StudentID] = struct{}{}
	}

	s.ensureLedgerUnique(ctx, summary)

	mergeCtx, cancel := context.WithTimeout(ctx, s.cfg.MergeTimeout)
	defer cancel()
	mergeStart := time.Now()
	outcome, err := s.grades.BulkUpsertResults(mergeCtx, upserts)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "ledger merge failed")
	}
	s.metrics.ObserveImport("results", len(upserts), time.Since(mergeStart))

	if err := s.students.UpdateNames(ctx, filterNames(parsed.Names, excluded)); err != nil {
		s.logger.Warn("failed to refresh student names", zap.Error(err))
	}

	ids := sortedIDs(affected)
	if err := s.grades.RefreshBacklogFlags(ctx, ids); err != nil {
		s.logger.Warn("failed to refresh backlog flags", zap.Error(err))
	}

	summary.Students = len(parsed.Names)
	summary.Facts = len(upserts)
	summary.Merge = outcome
	s.dispatch(ctx, ids, summary)
	return summary, nil
}

// ImportRegistrations ingests a long-format registrations sheet. Unknown
// course codes are reported and skipped rather than auto-created; a results
// sheet is the authority for course existence.
func (s *ImportService) ImportRegistrations(ctx context.Context, programCode string, r io.Reader) (*dto.ImportSummary, error) {
	if err := s.validator.Struct(dto.ImportRequest{ProgramCode: programCode}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid import request")
	}
	if programCode != "" {
		if _, err := s.findProgram(ctx, programCode); err != nil {
			return nil, err
		}
	}

	parsed, err := sheet.ParseRegistrations(r)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrMalformedSheet.Code, appErrors.ErrMalformedSheet.Status, err.Error())
	}

	summary := &dto.ImportSummary{}
	s.reportSkippedRows(summary, parsed.SkippedRows)

	names := make(map[string]string, len(parsed.Facts))
	for _, fact := range parsed.Facts {
		names[fact.StudentID] = parsed.Names[fact.StudentID]
	}
	excluded, err := s.resolveStudents(ctx, names, programCode, summary)
	if err != nil {
		return nil, err
	}

	codes := distinctRegistrationCodes(parsed.Facts)
	courses, err := s.courses.ListByCodes(ctx, codes)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve courses")
	}
	var unknown []string
	for _, code := range codes {
		if _, ok := courses[code]; !ok {
			unknown = append(unknown, code)
		}
	}
	if len(unknown) > 0 {
		summary.Messages = append(summary.Messages,
			fmt.Sprintf("skipped %d unknown course code(s): %v", len(unknown), unknown))
	}

	stages := make([]models.RegistrationStage, 0, len(parsed.Facts))
	affected := make(map[string]struct{})
	for _, fact := range parsed.Facts {
		if _, skip := excluded[fact.StudentID]; skip {
			continue
		}
		course, ok := courses[fact.CourseCode]
		if !ok {
			continue
		}
		stages = append(stages, models.RegistrationStage{
			StudentID:    fact.StudentID,
			CourseID:     course.ID,
			AcademicYear: fact.AcademicYear,
			Semester:     fact.Semester,
		})
		affected[fact.StudentID] = struct{}{}
	}

	s.ensureLedgerUnique(ctx, summary)

	mergeCtx, cancel := context.WithTimeout(ctx, s.cfg.MergeTimeout)
	defer cancel()
	mergeStart := time.Now()
	outcome, err := s.grades.MergeRegistrations(mergeCtx, programCode, stages)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "registrations merge failed")
	}
	s.metrics.ObserveImport("registrations", len(stages), time.Since(mergeStart))

	if err := s.students.UpdateNames(ctx, filterNames(parsed.Names, excluded)); err != nil {
		s.logger.Warn("failed to refresh student names", zap.Error(err))
	}

	summary.Students = len(names)
	summary.Facts = len(stages)
	summary.Merge = outcome
	s.dispatch(ctx, sortedIDs(affected), summary)
	return summary, nil
}

func (s *ImportService) loadMapping(ctx context.Context, programCode string) (map[string]string, map[string]struct{}, error) {
	if programCode == "" {
		return map[string]string{}, nil, nil
	}
	if _, err := s.findProgram(ctx, programCode); err != nil {
		return nil, nil, err
	}
	mapping, err := s.programs.CourseCategoryMap(ctx, programCode)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course category map")
	}
	mappedSet := make(map[string]struct{}, len(mapping))
	for code := range mapping {
		mappedSet[code] = struct{}{}
	}
	return mapping, mappedSet, nil
}

func (s *ImportService) findProgram(ctx context.Context, code string) (*models.Program, error) {
	program, err := s.programs.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("program %s not found", code))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load program")
	}
	return program, nil
}

// resolveStudents creates unseen students, binds unbound ones to the import's
// program, and returns the set of ids excluded for belonging to another
// program. Default credentials are the university id itself.
func (s *ImportService) resolveStudents(ctx context.Context, names map[string]string, programCode string, summary *dto.ImportSummary) (map[string]struct{}, error) {
	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	known, err := s.students.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve students")
	}

	excluded := make(map[string]struct{})
	var create []models.Student
	var bind []string
	for _, id := range ids {
		student, ok := known[id]
		if !ok {
			hash, err := bcrypt.GenerateFromPassword([]byte(id), bcrypt.MinCost)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash default credentials")
			}
			var program *string
			if programCode != "" {
				program = &programCode
			}
			create = append(create, models.Student{
				ID:           id,
				Name:         names[id],
				PasswordHash: string(hash),
				ProgramCode:  program,
			})
			continue
		}
		if programCode == "" {
			continue
		}
		switch {
		case student.ProgramCode == nil:
			bind = append(bind, id)
		case *student.ProgramCode != programCode:
			excluded[id] = struct{}{}
		}
	}

	if err := s.students.BulkCreate(ctx, create); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create students")
	}
	if programCode != "" {
		if err := s.students.BindProgram(ctx, bind, programCode); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to bind students to program")
		}
	}
	if len(excluded) > 0 {
		summary.Messages = append(summary.Messages,
			fmt.Sprintf("excluded %d student(s) already bound to another program: %v", len(excluded), sortedIDs(excluded)))
	}
	return excluded, nil
}

// ensureLedgerUnique serializes the uniqueness check across instances via a
// short Redis lock and within the process via a mutex. Failure to verify is
// reported, not fatal: the merge still runs and a later import retries.
func (s *ImportService) ensureLedgerUnique(ctx context.Context, summary *dto.ImportSummary) {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	acquired, err := s.locker.TryLock(ctx, dedupLockKey, time.Minute)
	switch {
	case err != nil:
		// lock backend unavailable: fall through to the check under the
		// local mutex only
		s.logger.Warn("dedup lock unavailable", zap.Error(err))
	case !acquired:
		summary.Messages = append(summary.Messages, "ledger uniqueness check already in flight; merge proceeded without it")
		return
	default:
		defer func() {
			if err := s.locker.Unlock(ctx, dedupLockKey); err != nil {
				s.logger.Warn("failed to release dedup lock", zap.Error(err))
			}
		}()
	}

	if err := s.grades.EnsureUniqueIndex(ctx); err != nil {
		s.logger.Warn("ledger uniqueness could not be ensured", zap.Error(err))
		summary.Messages = append(summary.Messages, "ledger uniqueness could not be verified; merge proceeded without it")
	}
}

func (s *ImportService) dispatch(ctx context.Context, studentIDs []string, summary *dto.ImportSummary) {
	if len(studentIDs) == 0 {
		return
	}
	jobIDs, err := s.dispatcher.Dispatch(ctx, studentIDs)
	if err != nil {
		s.logger.Error("failed to queue progress recompute", zap.Error(err), zap.Int("students", len(studentIDs)))
		summary.Messages = append(summary.Messages, "progress recompute could not be queued; run a manual recompute")
		return
	}
	summary.JobIDs = jobIDs
}

func (s *ImportService) reportDuplicates(summary *dto.ImportSummary, ids []string) {
	if len(ids) == 0 {
		return
	}
	summary.Messages = append(summary.Messages,
		fmt.Sprintf("sheet contains %d duplicate student id(s): %v", len(ids), ids))
}

func (s *ImportService) reportSkippedRows(summary *dto.ImportSummary, rows []int) {
	if len(rows) == 0 {
		return
	}
	summary.Messages = append(summary.Messages,
		fmt.Sprintf("skipped %d malformed row(s)", len(rows)))
}

// filterNames drops excluded students from a name refresh; their records
// belong to another program and are never touched.
func filterNames(names map[string]string, excluded map[string]struct{}) map[string]string {
	if len(excluded) == 0 {
		return names
	}
	kept := make(map[string]string, len(names))
	for id, name := range names {
		if _, skip := excluded[id]; skip {
			continue
		}
		kept[id] = name
	}
	return kept
}

// dedupeResultFacts keeps the last fact per (student, course) and drops facts
// of excluded students. Input is ordered so the last parsed cell wins.
func dedupeResultFacts(facts []sheet.ResultFact, excluded map[string]struct{}) []sheet.ResultFact {
	index := make(map[string]int)
	out := make([]sheet.ResultFact, 0, len(facts))
	for _, fact := range facts {
		if _, skip := excluded[fact.StudentID]; skip {
			continue
		}
		key := fact.StudentID + "\x00" + fact.CourseCode
		if i, ok := index[key]; ok {
			out[i] = fact
			continue
		}
		index[key] = len(out)
		out = append(out, fact)
	}
	return out
}

func distinctResultCodes(facts []sheet.ResultFact) []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, fact := range facts {
		if _, ok := seen[fact.CourseCode]; ok {
			continue
		}
		seen[fact.CourseCode] = struct{}{}
		codes = append(codes, fact.CourseCode)
	}
	sort.Strings(codes)
	return codes
}

func distinctRegistrationCodes(facts []sheet.RegistrationFact) []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, fact := range facts {
		if _, ok := seen[fact.CourseCode]; ok {
			continue
		}
		seen[fact.CourseCode] = struct{}{}
		codes = append(codes, fact.CourseCode)
	}
	sort.Strings(codes)
	return codes
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
