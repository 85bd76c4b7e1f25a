// Package pool 基于 ants 提供带准入控制和统计的 goroutine 池。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"
)

// Config defines the configuration for the worker pool.
type Config struct {
	// Capacity 池容量（最大并发 goroutine 数）。
	Capacity int
	// ExpiryDuration goroutine 空闲过期时间。
	ExpiryDuration time.Duration
	// Nonblocking 提交任务是否非阻塞（若池满则返回错误）。
	Nonblocking bool
	// MaxBlockingTasks 当 Nonblocking=false 时，最大等待任务数（0 表示无限制）。
	MaxBlockingTasks int
	// PanicHandler 恐慌处理函数。
	PanicHandler func(interface{})
}

// DefaultConfig 返回默认池配置。
func DefaultConfig() *Config {
	return &Config{
		Capacity:       256,
		ExpiryDuration: 10 * time.Second,
	}
}

// DeferredConfig 返回延迟应答流水线专用池配置。
// 非阻塞：饱和时立即拒绝，由调用方向客户端反馈，而不是无界排队。
func DeferredConfig(capacity int) *Config {
	if capacity <= 0 {
		capacity = 256
	}
	return &Config{
		Capacity:       capacity,
		ExpiryDuration: 30 * time.Second,
		Nonblocking:    true,
	}
}

// Pool represents a bounded worker pool.
type Pool struct {
	name   string
	pool   *ants.Pool
	config *Config
	stats  *statsCounter
	closed atomic.Bool
	mu     sync.Mutex
}

// statsCounter 内部统计计数器。
type statsCounter struct {
	Submitted      atomic.Int64
	Completed      atomic.Int64
	Rejected       atomic.Int64
	PanicRecovered atomic.Int64
}

// Stats contains a snapshot of pool statistics.
type Stats struct {
	Submitted      int64 `json:"submitted"`
	Completed      int64 `json:"completed"`
	Rejected       int64 `json:"rejected"`
	PanicRecovered int64 `json:"panic_recovered"`
	Running        int   `json:"running"`
	Capacity       int   `json:"capacity"`
}

// New creates a new worker pool with the given configuration.
func New(name string, config *Config) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("池容量必须为正数, got %d", config.Capacity)
	}

	p := &Pool{
		name:   name,
		config: config,
		stats:  &statsCounter{},
	}

	opts := []ants.Option{
		ants.WithExpiryDuration(config.ExpiryDuration),
		ants.WithNonblocking(config.Nonblocking),
		ants.WithMaxBlockingTasks(config.MaxBlockingTasks),
	}
	if config.PanicHandler != nil {
		opts = append(opts, ants.WithPanicHandler(config.PanicHandler))
	} else {
		opts = append(opts, ants.WithPanicHandler(func(r interface{}) {
			logger.Errorw("worker panic recovered", "pool", name, "panic", r)
		}))
	}

	inner, err := ants.NewPool(config.Capacity, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建 ants 池失败: %w", err)
	}
	p.pool = inner

	logger.Infow("worker pool created", "name", name, "capacity", config.Capacity)
	return p, nil
}

// Name 返回池名称。
func (p *Pool) Name() string {
	return p.name
}

// Running 返回正在运行的 goroutine 数量。
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Free 返回可用 goroutine 数量。
func (p *Pool) Free() int {
	return p.pool.Free()
}

// Submit 提交任务到池中执行。池饱和时返回 ErrPoolOverload。
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	err := p.pool.Submit(func() {
		p.stats.Submitted.Add(1)
		defer func() {
			if r := recover(); r != nil {
				p.stats.PanicRecovered.Add(1)
				// 交给 ants 的 PanicHandler 处理
				panic(r)
			}
			p.stats.Completed.Add(1)
		}()
		task()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			p.stats.Rejected.Add(1)
			return ErrPoolOverload
		}
		return err
	}
	return nil
}

// SubmitWithContext 提交带上下文的任务。
// 上下文在任务开始前取消时，任务不会执行。
func (p *Pool) SubmitWithContext(ctx context.Context, task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return p.Submit(func() {
		select {
		case <-ctx.Done():
			return
		default:
			task()
		}
	})
}

// Release 关闭池并释放资源。
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return
	}
	p.closed.Store(true)
	p.pool.Release()
	logger.Infow("worker pool released", "name", p.name)
}

// ReleaseTimeout 关闭池并等待在途任务完成，直到超时。
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	return p.pool.ReleaseTimeout(timeout)
}

// Stats 返回池统计信息快照。
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:      p.stats.Submitted.Load(),
		Completed:      p.stats.Completed.Load(),
		Rejected:       p.stats.Rejected.Load(),
		PanicRecovered: p.stats.PanicRecovered.Load(),
		Running:        p.pool.Running(),
		Capacity:       p.pool.Cap(),
	}
}
