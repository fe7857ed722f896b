package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusops/progress-api/pkg/jobs"
)

// JobTypeRecompute identifies queued progress-recompute work.
const JobTypeRecompute = "progress_recompute"

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// RecomputeService chunks affected students into queued jobs. Imports return
// as soon as the jobs are accepted; the workers do the aggregation.
type RecomputeService struct {
	queue     jobEnqueuer
	chunkSize int
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewRecomputeService constructs the dispatcher.
func NewRecomputeService(queue jobEnqueuer, chunkSize int, metrics *MetricsService, logger *zap.Logger) *RecomputeService {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	return &RecomputeService{queue: queue, chunkSize: chunkSize, metrics: metrics, logger: logger}
}

// Dispatch enqueues one job per chunk of student ids and returns the job ids.
func (s *RecomputeService) Dispatch(ctx context.Context, studentIDs []string) ([]string, error) {
	var jobIDs []string
	for start := 0; start < len(studentIDs); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(studentIDs) {
			end = len(studentIDs)
		}
		chunk := append([]string(nil), studentIDs[start:end]...)
		job := jobs.Job{
			ID:      uuid.NewString(),
			Type:    JobTypeRecompute,
			Payload: chunk,
		}
		if err := s.queue.Enqueue(job); err != nil {
			return jobIDs, fmt.Errorf("enqueue recompute job: %w", err)
		}
		s.metrics.RecordQueuedJob()
		s.logger.Info("recompute queued",
			zap.String("job_id", job.ID),
			zap.Int("students", len(chunk)))
		jobIDs = append(jobIDs, job.ID)
	}
	return jobIDs, nil
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, studentIDs []string)
}

// RecomputeWorker handles queued recompute jobs: run the aggregator, then
// drop the affected students' cached progress.
type RecomputeWorker struct {
	aggregator Aggregator
	cache      cacheInvalidator
	metrics    *MetricsService
	logger     *zap.Logger
}

// NewRecomputeWorker constructs the job handler.
func NewRecomputeWorker(aggregator Aggregator, cache cacheInvalidator, metrics *MetricsService, logger *zap.Logger) *RecomputeWorker {
	return &RecomputeWorker{aggregator: aggregator, cache: cache, metrics: metrics, logger: logger}
}

// Handle processes one recompute job.
func (w *RecomputeWorker) Handle(ctx context.Context, job jobs.Job) error {
	ids, ok := job.Payload.([]string)
	if !ok {
		w.logger.Error("recompute job carries unexpected payload", zap.String("job_id", job.ID))
		return fmt.Errorf("job %s: payload is not a student id list", job.ID)
	}
	start := time.Now()
	if err := w.aggregator.Recompute(ctx, ids); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	w.metrics.ObserveRecompute(time.Since(start))
	if w.cache != nil {
		w.cache.Invalidate(ctx, ids)
	}
	w.logger.Info("recompute finished", zap.String("job_id", job.ID), zap.Int("students", len(ids)))
	return nil
}
