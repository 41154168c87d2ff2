package worker

import (
	"context"
	"order_payment/pkg/logger"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task 异步任务，失败后按 Retry 次数延迟重试
type Task struct {
	Name  string
	Run   func(ctx context.Context) error
	Retry int // 重试次数
}

type WorkerPool struct {
	TaskQueue  chan Task
	RetryQueue chan Task // 重试队列
	WorkerNum  int
	MaxRetry   int           // 最大重试次数
	RetryDelay time.Duration // 第 n 次重试前等待 n*RetryDelay
	Timeout    time.Duration // 单个任务超时

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerPool(workerNum int, bufferSize int) *WorkerPool {
	if workerNum < 1 {
		workerNum = 1
	}
	if bufferSize < 2 {
		bufferSize = 2
	}
	return &WorkerPool{
		TaskQueue:  make(chan Task, bufferSize),
		RetryQueue: make(chan Task, bufferSize/2),
		WorkerNum:  workerNum,
		MaxRetry:   3, // 最多重试3次
		RetryDelay: time.Second,
		Timeout:    10 * time.Second,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	// 启动重试处理协程
	p.wg.Add(1)
	go p.retryWorker(ctx)
	logger.Log.Info("Worker pool started", zap.Int("workers", p.WorkerNum))
}

// Stop 停止接收并等待正在执行的任务结束，队列中剩余任务丢弃
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.TaskQueue:
			if err := p.processTask(ctx, task); err != nil {
				p.handleFailure(id, task, err)
			}
		}
	}
}

func (p *WorkerPool) handleFailure(id int, task Task, err error) {
	log := logger.Log.With(zap.Int("worker", id), zap.String("task", task.Name), zap.Error(err))

	// 如果未达到最大重试次数，加入重试队列
	if task.Retry >= p.MaxRetry {
		log.Error("Task exceeded max retries, dropped", zap.Int("retry", task.Retry))
		return
	}

	task.Retry++
	select {
	case p.RetryQueue <- task:
		log.Warn("Task added to retry queue", zap.Int("attempt", task.Retry), zap.Int("max", p.MaxRetry))
	default:
		log.Error("Retry queue full, task dropped")
	}
}

func (p *WorkerPool) retryWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.RetryQueue:
			// 延迟重试，避免立即重试
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(task.Retry) * p.RetryDelay):
			}

			select {
			case p.TaskQueue <- task:
			default:
				logger.Log.Error("Main queue full, retry dropped", zap.String("task", task.Name))
			}
		}
	}
}

func (p *WorkerPool) processTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Task panicked", zap.String("task", task.Name), zap.Any("panic", r))
			err = nil
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return task.Run(runCtx)
}

// AddTask 非阻塞入队，队列满时返回 false
func (p *WorkerPool) AddTask(task Task) bool {
	select {
	case p.TaskQueue <- task:
		return true
	default:
		logger.Log.Warn("Worker pool queue full, dropping task", zap.String("task", task.Name))
		return false
	}
}
