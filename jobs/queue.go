package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var tasksRun = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forumpub",
	Subsystem: "jobs",
	Name:      "tasks_total",
	Help:      "Background tasks run, by kind and outcome",
}, []string{"kind", "outcome"})

// Handler runs one task. Errors are logged; the task is not run again.
type Handler func(ctx context.Context, args []byte) error

// TaskStore persists scheduled tasks; *db.DB implements it.
type TaskStore interface {
	EnqueueTask(ctx context.Context, t *domain.Task) error
	ReadDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	DeleteTask(ctx context.Context, id uuid.UUID) (bool, error)
}

// Queue is a persistent task schedule polled by a bounded pool of workers.
type Queue struct {
	store    TaskStore
	workers  int
	batch    int
	poll     time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewQueue(store TaskStore, conf util.DeliveryConf) *Queue {
	workers := conf.Workers
	if workers <= 0 {
		workers = 1
	}
	batch := conf.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Queue{
		store:    store,
		workers:  workers,
		batch:    batch,
		poll:     conf.PollInterval(),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler of a task kind, replacing any previous one.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Schedule persists a task to run once delay has passed. args is stored as JSON.
func (q *Queue) Schedule(ctx context.Context, kind string, args any, delay time.Duration) error {
	var raw []byte
	switch a := args.(type) {
	case []byte:
		raw = a
	case json.RawMessage:
		raw = a
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to encode %s args: %w", kind, err)
		}
		raw = b
	}
	t := &domain.Task{
		Kind:  kind,
		Args:  string(raw),
		RunAt: q.now().Add(delay),
	}
	if err := q.store.EnqueueTask(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}
	log.Debug("Jobs: Scheduled task", "kind", kind, "id", t.Id, "delay", delay)
	return nil
}

// RunDue runs every task that is due, up to one batch. A task is claimed by deleting it,
// so each scheduled task runs at most once.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	tasks, err := q.store.ReadDueTasks(ctx, q.now(), q.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to read due tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	log.Debug("Jobs: Processing due tasks", "count", len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.workers)
	var mu sync.Mutex
	ran := 0
	for _, t := range tasks {
		g.Go(func() error {
			claimed, err := q.store.DeleteTask(gctx, t.Id)
			if err != nil {
				log.Error("Jobs: Failed to claim task", "id", t.Id, "err", err)
				return nil
			}
			if !claimed {
				return nil
			}
			q.run(gctx, t)
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return ran, err
}

func (q *Queue) run(ctx context.Context, t domain.Task) {
	h, ok := q.handler(t.Kind)
	if !ok {
		log.Error("Jobs: No handler for task", "kind", t.Kind, "id", t.Id)
		tasksRun.WithLabelValues(t.Kind, "unhandled").Inc()
		return
	}
	if err := h(ctx, []byte(t.Args)); err != nil {
		log.Error("Jobs: Task failed", "kind", t.Kind, "id", t.Id, "err", err)
		tasksRun.WithLabelValues(t.Kind, "failed").Inc()
		return
	}
	tasksRun.WithLabelValues(t.Kind, "done").Inc()
}

// Start polls for due tasks until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	log.Info("Starting task worker", "workers", q.workers, "poll", q.poll)

	ticker := time.NewTicker(q.poll)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("Task worker stopped")
				return
			case <-ticker.C:
				if _, err := q.RunDue(ctx); err != nil {
					log.Error("Jobs: Failed to run due tasks", "err", err)
				}
			}
		}
	}()
}

// Drain runs due tasks until none are left, including those the run itself schedules without delay.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := q.RunDue(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}
