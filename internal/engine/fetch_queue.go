package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netstats-agent/internal/recovery"
)

const defaultFetchQueueSize = 1024

var ErrQueueFull = errors.New("fetch queue full")

// FetchTask 在 worker goroutine 上执行的一次查询
type FetchTask func(ctx context.Context)

type fetchJob struct {
	name     string
	task     FetchTask
	queuedAt time.Time
}

// FetchQueue 严格 FIFO、并发度为 1 的执行器：任意时刻最多一个区块查询在进行中
type FetchQueue struct {
	jobs     chan fetchJob
	busy     atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	metrics  *Metrics

	drainMu sync.RWMutex
	onDrain FetchTask
}

func NewFetchQueue(size int) *FetchQueue {
	if size <= 0 {
		size = defaultFetchQueueSize
	}
	return &FetchQueue{
		jobs:    make(chan fetchJob, size),
		stopCh:  make(chan struct{}),
		metrics: GetMetrics(),
	}
}

// OnDrain 设置队列清空后在 worker 上执行的回调
func (q *FetchQueue) OnDrain(fn FetchTask) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	q.onDrain = fn
}

// Push appends a task. It never blocks.
func (q *FetchQueue) Push(name string, task FetchTask) error {
	select {
	case <-q.stopCh:
		return ErrQueueStopped
	default:
	}

	select {
	case q.jobs <- fetchJob{name: name, task: task, queuedAt: time.Now()}:
		q.metrics.RecordFetchJobQueued(len(q.jobs))
		return nil
	default:
		Logger.Warn("fetch_queue_full", slog.String("job", name), slog.Int("depth", len(q.jobs)))
		return ErrQueueFull
	}
}

// Start 启动唯一的 worker
func (q *FetchQueue) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.worker(ctx)
	}()
}

func (q *FetchQueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case job := <-q.jobs:
			q.busy.Store(true)
			start := time.Now()
			recovery.WithRecoveryNamed("fetch_"+job.name, func() {
				job.task(ctx)
			})
			q.metrics.RecordFetchJobCompleted(time.Since(start), len(q.jobs))
			Logger.Debug("fetch_job_done",
				slog.String("job", job.name),
				slog.Duration("waited", start.Sub(job.queuedAt)),
				slog.Duration("took", time.Since(start)),
			)

			if len(q.jobs) == 0 {
				q.drain(ctx)
			}
			q.busy.Store(false)
		}
	}
}

func (q *FetchQueue) drain(ctx context.Context) {
	q.drainMu.RLock()
	fn := q.onDrain
	q.drainMu.RUnlock()
	if fn == nil {
		return
	}
	recovery.WithRecoveryNamed("fetch_drain", func() {
		fn(ctx)
	})
}

// Backlog 等待执行的任务数（不含正在执行的）
func (q *FetchQueue) Backlog() int {
	return len(q.jobs)
}

// Idle reports whether nothing is running and nothing is waiting.
func (q *FetchQueue) Idle() bool {
	return !q.busy.Load() && len(q.jobs) == 0
}

// Stop 停止 worker；已排队的任务被丢弃
func (q *FetchQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
}
