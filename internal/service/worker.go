package service

import (
	"context"
	"log/slog"
	"sync"
)

// Task 是一个可在后台执行的具名工作单元。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Enqueuer 把任务交给后台执行，调用方不等待完成。
type Enqueuer interface {
	Enqueue(task Task)
}

// WorkerPool 用固定数量的 worker 消费任务队列。
// 队列满时 Enqueue 阻塞，背压传导回调用方。
type WorkerPool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{workers: workers, tasks: make(chan Task, queueSize)}
}

// Start 启动 worker，ctx 取消后各 worker 跑完手头任务即退出。
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

func (p *WorkerPool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			if err := task.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("background task failed", "task", task.Name, "worker", id, "error", err)
			}
		}
	}
}

func (p *WorkerPool) Enqueue(task Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Warn("task dropped, pool already shut down", "task", task.Name)
		return
	}
	p.mu.Unlock()
	p.tasks <- task
}

// Shutdown 关闭队列并等待在跑任务结束。
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
