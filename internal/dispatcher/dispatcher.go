// Package dispatcher implements the Task Runtime: a durable job queue
// drained by N independent worker goroutines, each running its own
// claim-loop against the shared store. Submit returns a handle immediately;
// Await optionally blocks for the result up to a timeout.
package dispatcher

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/events"
	"github.com/sandboxrun/execd/internal/jobs"
	"github.com/sandboxrun/execd/internal/model"
	"github.com/sandboxrun/execd/internal/store"
)

// Result is the explicit success/failure value every Executor returns,
// instead of raising — the worker loop completes or fails the job from its
// Status, and the Coordinator checks the awaited Status before reading back
// any result.
type Result struct {
	Status string // "completed" or "failed"
	Data   map[string]any
	Err    string
}

// Executor runs one job type's work. Run must tolerate replay: because
// delivery is at-least-once, a worker that dies mid-task causes the same
// job to be claimed and run again.
type Executor interface {
	Type() jobs.Type
	Run(ctx context.Context, payload json.RawMessage) (Result, error)
}

// Service owns the worker pool and the claim-loop that drives it.
type Service struct {
	store   *store.Store
	cfg     *config.Config
	broker  *events.Broker
	queue   *jobs.Queue

	executors map[jobs.Type]Executor

	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a dispatcher bound to the given store, config, event
// broker, and job queue (the queue's notify hook is wired to this service).
func NewService(s *store.Store, cfg *config.Config, broker *events.Broker, queue *jobs.Queue) *Service {
	svc := &Service{
		store:     s,
		cfg:       cfg,
		broker:    broker,
		queue:     queue,
		executors: make(map[jobs.Type]Executor),
		notifyCh:  make(chan struct{}, 100),
	}
	queue.SetNotifyFunc(svc.Notify)
	return svc
}

// RegisterExecutor registers an Executor for its job type. Call before Start.
func (d *Service) RegisterExecutor(e Executor) {
	d.executors[e.Type()] = e
}

// Submit enqueues payload and returns its job ID immediately without waiting
// for it to run.
func (d *Service) Submit(ctx context.Context, payload jobs.Payload) (string, error) {
	id, err := d.queue.Enqueue(ctx, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Await blocks up to timeout for the job identified by handle to reach a
// terminal state.
func (d *Service) Await(ctx context.Context, handle string, timeout time.Duration) (Result, error) {
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, errMsg, err := events.Await(awaitCtx, d.broker, d.store, handle)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: status, Err: errMsg}, nil
}

// Notify wakes one idle worker so a freshly-enqueued job is picked up
// without waiting for the next poll tick.
func (d *Service) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// registeredTypes returns the job types this service has an executor for, as
// strings for the store's claim query.
func (d *Service) registeredTypes() []string {
	types := make([]string, 0, len(d.executors))
	for t := range d.executors {
		types = append(types, string(t))
	}
	return types
}

// Start launches cfg.DispatcherConcurrency worker goroutines plus the
// periodic reap scheduler and stale-job sweeper.
func (d *Service) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)

	n := d.cfg.DispatcherConcurrency
	if n < 1 {
		n = 1
	}

	for i := 0; i < n; i++ {
		workerID := uuid.New().String()
		d.wg.Add(1)
		go d.workerLoop(workerID)
	}

	d.wg.Add(1)
	go d.reapLoop()

	d.wg.Add(1)
	go d.staleJobCleanupLoop()

	log.Printf("dispatcher started with %d workers", n)
}

// Stop signals all goroutines to exit and waits (bounded) for in-flight jobs.
func (d *Service) Stop() {
	log.Println("dispatcher stopping")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("dispatcher stopped")
	case <-time.After(30 * time.Second):
		log.Println("timed out waiting for dispatcher workers to stop")
	}
}

// workerLoop is one independent claimer: it blocks on its own claimed job
// until done before claiming another, so prefetch is structurally 1 and a
// slow task never blocks a peer's claim.
func (d *Service) workerLoop(workerID string) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second) // modest poll cadence independent of reap
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.notifyCh:
		case <-ticker.C:
		}
		d.drainAvailable(workerID)
	}
}

// drainAvailable claims and runs jobs until none remain for this worker.
func (d *Service) drainAvailable(workerID string) {
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		job, err := d.store.ClaimJobOfTypes(d.ctx, d.registeredTypes(), workerID)
		if err != nil {
			log.Printf("claim error: %v", err)
			return
		}
		if job == nil {
			return
		}

		d.executeJob(job)
	}
}

// executeJob runs a claimed job under a soft/hard timeout pair: the soft
// deadline gives the executor room to notice and wind down; the outer hard
// deadline is what the worker actually enforces — past it the job is
// abandoned and requeued via FailJob, matching at-least-once/replay
// semantics.
func (d *Service) executeJob(job *model.Job) {
	log.Printf("processing job %s (type %s)", job.ID, job.Type)

	executor, ok := d.executors[jobs.Type(job.Type)]
	if !ok {
		d.fail(job, "no executor registered for job type")
		return
	}

	softTimeout := d.cfg.ExecutionTimeout + 10*time.Second
	hardTimeout := d.cfg.ExecutionTimeout + 30*time.Second

	softCtx, softCancel := context.WithTimeout(d.ctx, softTimeout)
	defer softCancel()
	hardCtx, hardCancel := context.WithTimeout(d.ctx, hardTimeout)
	defer hardCancel()
	_ = softCtx // observed by well-behaved executors via ctx.Done(); the worker itself enforces the hard deadline

	resultCh := make(chan struct {
		res Result
		err error
	}, 1)

	go func() {
		res, err := executor.Run(softCtx, job.Payload)
		resultCh <- struct {
			res Result
			err error
		}{res, err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			d.fail(job, out.err.Error())
			return
		}
		if out.res.Status == "failed" {
			d.fail(job, out.res.Err)
			return
		}
		d.complete(job)

	case <-hardCtx.Done():
		d.fail(job, "job exceeded hard time limit")
	}
}

func (d *Service) complete(job *model.Job) {
	if err := d.store.CompleteJob(d.ctx, job.ID); err != nil {
		log.Printf("failed to mark job %s completed: %v", job.ID, err)
	}
	d.publish(job, "completed", "")
}

func (d *Service) fail(job *model.Job, errMsg string) {
	log.Printf("job %s failed: %s", job.ID, errMsg)
	if err := d.store.FailJob(context.WithoutCancel(d.ctx), job.ID, errMsg, d.cfg.JobRetryBackoff); err != nil {
		log.Printf("failed to mark job %s failed: %v", job.ID, err)
		return
	}

	// Re-read to report the status Await callers actually observe: FailJob
	// may have requeued it as pending rather than terminally failing it.
	updated, err := d.store.GetJob(context.WithoutCancel(d.ctx), job.ID)
	if err != nil {
		return
	}
	if updated.Status == string(model.JobFailed) {
		d.publish(job, "failed", errMsg)
	}
}

func (d *Service) publish(job *model.Job, status, errMsg string) {
	if d.broker == nil {
		return
	}
	d.broker.PublishJobCompleted(events.JobCompleted{
		JobID:  job.ID,
		Status: status,
		Error:  errMsg,
	})
}

// reapLoop self-enqueues a reap job on a fixed cadence.
func (d *Service) reapLoop() {
	defer d.wg.Done()

	interval := d.cfg.ReapInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Submit(d.ctx, jobs.ReapPayload{}); err != nil {
				log.Printf("failed to self-enqueue reap: %v", err)
			}
		}
	}
}

// staleJobCleanupLoop resets jobs whose worker apparently died mid-run.
func (d *Service) staleJobCleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			staleAfter := d.cfg.ExecutionTimeout + 2*time.Minute
			count, err := d.store.CleanupStaleJobs(d.ctx, staleAfter)
			if err != nil {
				log.Printf("stale job cleanup error: %v", err)
			} else if count > 0 {
				log.Printf("reset %d stale jobs", count)
			}
		}
	}
}
