package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"task-sync/domain"
)

// DispatcherConfig sizes the notification worker pool.
type DispatcherConfig struct {
	Workers        int
	Buffer         int
	SendTimeout    time.Duration
	HandoffTimeout time.Duration
}

// DefaultDispatcherConfig mirrors the values used in production.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        4,
		Buffer:         256,
		SendTimeout:    30 * time.Second,
		HandoffTimeout: 15 * time.Millisecond,
	}
}

// Dispatcher runs completion notifications on a worker pool so that the
// mutation path never waits for the mailer. It implements Notifier; its
// NotifyCompletion only hands the task off and always returns nil.
type Dispatcher struct {
	target Notifier
	logger *log.Logger
	cfg    DispatcherConfig

	mu     sync.RWMutex
	closed bool
	jobs   chan domain.Task
	wg     sync.WaitGroup
}

// NewDispatcher starts the workers. Close stops them.
func NewDispatcher(target Notifier, logger *log.Logger, cfg DispatcherConfig) *Dispatcher {
	if target == nil {
		panic("notify.NewDispatcher: notifier is nil")
	}
	if logger == nil {
		panic("notify.NewDispatcher: logger is nil")
	}
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	d := &Dispatcher{
		target: target,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan domain.Task, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("notification dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.SendTimeout, cfg.HandoffTimeout)
	return d
}

// NotifyCompletion queues the notification. When the pool is saturated the
// notification is sent from its own goroutine so it is still triggered once.
// Close waits for those sends too. After Close the notification is dropped.
func (d *Dispatcher) NotifyCompletion(_ context.Context, task domain.Task) error {
	if d.tryEnqueue(task) {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.WithField("task", task.ID).Warn("dispatcher closed; dropping notification")
		return nil
	}
	d.logger.WithField("task", task.ID).Warn("notification buffer saturated; sending out of pool")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(-1, task)
	}()
	return nil
}

// Close stops accepting work and waits for queued notifications to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) tryEnqueue(task domain.Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- task:
		return true
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- task:
		return true
	case <-timer.C:
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for task := range d.jobs {
		d.send(id, task)
	}
}

func (d *Dispatcher) send(worker int, task domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := d.target.NotifyCompletion(ctx, task); err != nil {
		d.logger.WithError(err).WithFields(log.Fields{"task": task.ID, "worker": worker}).Error("completion notification failed")
	}
}
