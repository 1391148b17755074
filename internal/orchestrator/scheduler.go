package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paperflow/internal/config"
	"paperflow/internal/executor"
	"paperflow/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned by Enqueue when the task buffer is saturated
var ErrQueueFull = errors.New("scheduler queue full")

// ErrSchedulerStopped is returned by Enqueue after Stop
var ErrSchedulerStopped = errors.New("scheduler stopped")

// ResultHandler receives exactly one terminal outcome per executed task
type ResultHandler interface {
	HandleResult(ctx context.Context, outcome *executor.Outcome)
}

// Scheduler runs processing requests on a bounded pool of workers. Tasks wait
// in a buffered channel; each worker claims its own identity so heartbeats
// attribute work to a concrete worker.
type Scheduler struct {
	executor    *executor.Executor
	tracker     *ProgressTracker
	handler     ResultHandler
	taskTimeout time.Duration

	tasks chan *model.ProcessingRequest

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with cfg.Workers workers over a
// cfg.QueueSize task buffer.
func NewScheduler(cfg config.SchedulerConfig, exec *executor.Executor, tracker *ProgressTracker, handler ResultHandler) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	s := &Scheduler{
		executor:    exec,
		tracker:     tracker,
		handler:     handler,
		taskTimeout: cfg.TaskTimeout(),
		tasks:       make(chan *model.ProcessingRequest, queueSize),
	}

	log.Info().
		Int("workers", workers).
		Int("queueSize", queueSize).
		Dur("taskTimeout", s.taskTimeout).
		Msg("Starting scheduler worker pool")

	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker_%s", uuid.NewString())
		s.wg.Add(1)
		go s.runWorker(workerID)
	}

	return s
}

// Enqueue queues a request for execution without blocking. A full queue is
// reported to the caller rather than waited out. The lock spans the send so
// an Enqueue racing Stop can never hit a closed channel.
func (s *Scheduler) Enqueue(req *model.ProcessingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}

	select {
	case s.tasks <- req:
		log.Debug().
			Str("requestID", req.ID.Hex()).
			Str("fileURL", req.FileURL).
			Int("queued", len(s.tasks)).
			Msg("Enqueued processing request")
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the intake and waits for in-flight tasks to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.tasks)
	s.wg.Wait()
	log.Info().Msg("Scheduler worker pool stopped")
}

func (s *Scheduler) runWorker(workerID string) {
	defer s.wg.Done()

	log.Debug().Str("workerID", workerID).Msg("Worker started")

	for req := range s.tasks {
		s.runTask(workerID, req)
	}

	log.Debug().Str("workerID", workerID).Msg("Worker stopped")
}

// runTask executes one request under the task timeout, with panic isolation
// and an exactly-once terminal report to the handler.
func (s *Scheduler) runTask(workerID string, req *model.ProcessingRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()

	start := time.Now()

	if err := s.tracker.Start(ctx, req.ID, workerID); err != nil {
		log.Error().Err(err).
			Str("requestID", req.ID.Hex()).
			Str("workerID", workerID).
			Msg("Could not claim request")

		// The request never wrote a heartbeat, so the stale sweeper will not
		// find it either; the terminal report has to happen here.
		outcome := s.claimFailureOutcome(ctx, req, err)
		if s.handler != nil {
			s.handler.HandleResult(context.WithoutCancel(ctx), outcome)
		}
		return
	}

	outcome := s.execute(ctx, req, workerID)
	s.tracker.Finish(context.WithoutCancel(ctx), req.ID)

	log.Info().
		Str("requestID", req.ID.Hex()).
		Str("workerID", workerID).
		Str("status", string(outcome.Status)).
		Dur("duration", time.Since(start)).
		Msg("Task finished")

	if s.handler != nil {
		s.handler.HandleResult(context.WithoutCancel(ctx), outcome)
	}
}

// execute wraps the executor call so a panicking task is converted into a
// failed outcome instead of taking the worker down.
func (s *Scheduler) execute(ctx context.Context, req *model.ProcessingRequest, workerID string) (outcome *executor.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("requestID", req.ID.Hex()).
				Str("workerID", workerID).
				Interface("panic", r).
				Msg("Task panicked")

			outcome = s.panicOutcome(ctx, req, r)
		}
	}()

	return s.executor.Execute(ctx, req, s.tracker)
}

func (s *Scheduler) claimFailureOutcome(ctx context.Context, req *model.ProcessingRequest, cause error) *executor.Outcome {
	message := fmt.Sprintf("could not claim request: %v", cause)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.executor.FailUnstarted(writeCtx, req.ID, message); err != nil {
		log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Failed to record claim failure")
	}

	return &executor.Outcome{
		RequestOID:       req.ID,
		BatchOID:         req.BatchOID,
		BatchDocumentOID: req.BatchDocumentOID,
		FileURL:          req.FileURL,
		Status:           model.RequestFailed,
		ErrorType:        model.ErrTypeScheduling,
		ErrorMessage:     message,
	}
}

func (s *Scheduler) panicOutcome(ctx context.Context, req *model.ProcessingRequest, cause any) *executor.Outcome {
	message := fmt.Sprintf("task panic: %v", cause)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.executor.FailForPanic(writeCtx, req.ID, message); err != nil {
		log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Failed to record panic failure")
	}

	return &executor.Outcome{
		RequestOID:       req.ID,
		BatchOID:         req.BatchOID,
		BatchDocumentOID: req.BatchDocumentOID,
		FileURL:          req.FileURL,
		Status:           model.RequestFailed,
		ErrorType:        model.ErrTypeAIService,
		ErrorMessage:     message,
	}
}
