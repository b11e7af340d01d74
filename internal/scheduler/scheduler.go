package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/google/googleapps-message-recall/internal/metrics"
	"github.com/google/googleapps-message-recall/internal/model"
)

// Handler runs one task payload for its target.
type Handler interface {
	Handle(ctx context.Context, target string, payload []byte) error
}

// Queue is the task store the dispatcher drains.
type Queue interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]model.QueuedTask, error)
	Complete(ctx context.Context, id uint) error
	Release(ctx context.Context, id uint) error
	Fail(ctx context.Context, task model.QueuedTask, cause error) (bool, error)
	Extend(ctx context.Context, task model.QueuedTask, lease time.Duration) (bool, error)
}

type Config struct {
	PollInterval time.Duration
	Workers      int
	Lease        time.Duration
	StopTimeout  time.Duration
}

// Dispatcher polls the task queue and runs due tasks on a bounded pool of
// workers.
type Dispatcher struct {
	cron    *cron.Cron
	entryID cron.EntryID
	config  Config
	queue   Queue
	handler Handler
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	slots   *semaphore.Weighted
	busy    atomic.Int64
	polling atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

func NewDispatcher(cfg Config, queue Queue, handler Handler, m *metrics.Metrics, log logrus.FieldLogger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cron:    cron.New(),
		config:  cfg,
		queue:   queue,
		handler: handler,
		metrics: m,
		log:     log,
		slots:   semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins polling the queue.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}

	// A stopped dispatcher has a cancelled context.
	if d.ctx.Err() != nil {
		d.ctx, d.cancel = context.WithCancel(context.Background())
	}

	entryID, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.config.PollInterval), d.poll)
	if err != nil {
		return fmt.Errorf("failed to add poll job: %w", err)
	}

	d.entryID = entryID
	d.cron.Start()
	d.isRunning = true

	d.log.Infof("Dispatcher started with %d workers, polling every %s", d.config.Workers, d.config.PollInterval)
	return nil
}

// Stop cancels running tasks and waits for them to hand their leases back.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	d.cancel()
	cronCtx := d.cron.Stop()
	d.cron.Remove(d.entryID)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("Dispatcher stopped gracefully")
	case <-time.After(d.config.StopTimeout):
		d.log.Warn("Dispatcher stop timeout, forcing shutdown")
	}
	return nil
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

func (d *Dispatcher) poll() {
	if !d.polling.CompareAndSwap(false, true) {
		return
	}
	defer d.polling.Store(false)

	d.mu.RLock()
	if !d.isRunning {
		d.mu.RUnlock()
		return
	}
	ctx := d.ctx
	d.mu.RUnlock()

	if _, err := d.RunOnce(ctx); err != nil && !model.IsShutdown(err) {
		d.log.Errorf("Failed to dispatch tasks: %v", err)
	}
}

// RunOnce claims as many due tasks as there are idle workers and starts
// them under the dispatcher's context; ctx only bounds the claim. It
// returns the number of tasks started. Wait blocks until they finish.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	idle := d.config.Workers - int(d.busy.Load())
	if idle <= 0 {
		return 0, nil
	}

	d.mu.RLock()
	runCtx := d.ctx
	d.mu.RUnlock()

	tasks, err := d.queue.Claim(ctx, idle, d.config.Lease)
	started := 0
	for _, task := range tasks {
		if aErr := d.slots.Acquire(ctx, 1); aErr != nil {
			d.release(task)
			continue
		}
		d.busy.Add(1)
		d.wg.Add(1)
		go d.run(runCtx, task)
		started++
	}
	return started, err
}

func (d *Dispatcher) run(ctx context.Context, task model.QueuedTask) {
	defer d.wg.Done()
	defer d.slots.Release(1)
	defer d.busy.Add(-1)

	log := d.log.WithFields(logrus.Fields{"task": task.Name, "target": task.Target, "attempt": task.Attempts})
	if d.metrics != nil {
		d.metrics.BusyWorkers.Inc()
		defer d.metrics.BusyWorkers.Dec()
		d.metrics.TasksDispatched.WithLabelValues(task.Target).Inc()
	}

	stopHeartbeat := d.heartbeat(ctx, task, log)
	startTime := time.Now()
	err := d.handler.Handle(ctx, task.Target, task.Payload)
	stopHeartbeat()
	if d.metrics != nil {
		d.metrics.TaskDuration.WithLabelValues(task.Target).Observe(time.Since(startTime).Seconds())
	}

	// Bookkeeping outlives a cancelled dispatcher.
	bg := context.WithoutCancel(ctx)
	switch {
	case err == nil, errors.Is(err, model.ErrAbortedByOperator):
		if cErr := d.queue.Complete(bg, task.ID); cErr != nil {
			log.Errorf("Failed to complete task: %v", cErr)
		}
	case model.IsShutdown(err):
		log.Info("Task interrupted by shutdown, releasing")
		d.release(task)
	default:
		if d.metrics != nil {
			d.metrics.TaskFailures.WithLabelValues(task.Target).Inc()
		}
		retry, fErr := d.queue.Fail(bg, task, err)
		if fErr != nil {
			log.Errorf("Failed to record task failure: %v", fErr)
			return
		}
		if retry {
			log.Warnf("Task failed, will retry: %v", err)
		} else {
			log.Errorf("Task failed permanently: %v", err)
		}
	}
}

// heartbeat keeps the lease of task alive while it runs, renewing it every
// third of the lease. The returned func stops renewal and waits for it.
func (d *Dispatcher) heartbeat(ctx context.Context, task model.QueuedTask, log logrus.FieldLogger) func() {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.config.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				held, err := d.queue.Extend(hbCtx, task, d.config.Lease)
				if err != nil {
					if hbCtx.Err() == nil {
						log.Warnf("Failed to extend task lease: %v", err)
					}
					continue
				}
				if !held {
					log.Warn("Task lease lost, another worker may run it")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (d *Dispatcher) release(task model.QueuedTask) {
	if err := d.queue.Release(context.Background(), task.ID); err != nil {
		d.log.WithField("task", task.Name).Errorf("Failed to release task: %v", err)
	}
}

// GetNextRun returns the time of the next scheduled poll.
func (d *Dispatcher) GetNextRun() time.Time {
	if !d.IsRunning() {
		return time.Time{}
	}
	return d.cron.Entry(d.entryID).Next
}

// GetLastRun returns the time of the last poll.
func (d *Dispatcher) GetLastRun() time.Time {
	if !d.IsRunning() {
		return time.Time{}
	}
	return d.cron.Entry(d.entryID).Prev
}

// Wait blocks until every started task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
