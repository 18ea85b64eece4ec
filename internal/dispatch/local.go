package dispatch

import (
	"context"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// LocalHandler serves one stage in-process.
type LocalHandler func(ctx context.Context, payload []byte) error

// LocalConfig configures a Local pool.
type LocalConfig struct {
	PoolSize    int
	MaxAttempts int
	Backoff     time.Duration
}

// Local runs tasks on an ants worker pool inside the current process. A task
// whose handler fails is redelivered with exponential backoff, the way a task
// queue would.
type Local struct {
	pool   *ants.Pool
	config LocalConfig

	mu       sync.RWMutex
	handlers map[string]LocalHandler

	wg     sync.WaitGroup
	seq    atomic.Int64
	failed atomic.Int64
}

// NewLocal creates the worker pool.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: create worker pool")
	}
	return &Local{pool: pool, config: cfg, handlers: map[string]LocalHandler{}}, nil
}

// Handle routes tasks whose target URL ends in stage to h.
func (l *Local) Handle(stage Stage, h LocalHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[string(stage)] = h
}

func (l *Local) CreateTask(_ context.Context, req TaskRequest) (TaskHandle, error) {
	name := path.Base(req.TargetURL)
	l.mu.RLock()
	h, ok := l.handlers[name]
	l.mu.RUnlock()
	if !ok {
		return TaskHandle{}, eris.Errorf("dispatch: no local handler for %s", req.TargetURL)
	}

	handle := TaskHandle{Name: req.Queue + "/" + name + "-" + strconv.FormatInt(l.seq.Add(1), 10)}
	l.wg.Add(1)
	// Submit off the caller's goroutine: a worker enqueuing follow-up tasks
	// must not block on its own pool.
	go l.submit(handle.Name, h, req, 1)
	return handle, nil
}

func (l *Local) submit(name string, h LocalHandler, req TaskRequest, attempt int) {
	if req.ScheduleTime != nil {
		if d := time.Until(*req.ScheduleTime); d > 0 {
			time.Sleep(d)
		}
	}
	err := l.pool.Submit(func() {
		defer l.wg.Done()
		l.run(name, h, req, attempt)
	})
	if err != nil {
		zap.L().Error("dispatch: local pool rejected task", zap.String("task", name), zap.Error(err))
		l.failed.Add(1)
		l.wg.Done()
	}
}

func (l *Local) run(name string, h LocalHandler, req TaskRequest, attempt int) {
	err := h(context.Background(), req.Payload)
	if err == nil {
		return
	}
	log := zap.L().With(zap.String("task", name), zap.Int("attempt", attempt), zap.Error(err))
	if attempt >= l.config.MaxAttempts {
		log.Error("dispatch: local task failed after all attempts")
		l.failed.Add(1)
		return
	}
	backoff := l.config.Backoff << (attempt - 1)
	log.Warn("dispatch: local task failed, will retry", zap.Duration("backoff", backoff))
	retryAt := time.Now().Add(backoff)
	retry := req
	retry.ScheduleTime = &retryAt
	l.wg.Add(1)
	go l.submit(name, h, retry, attempt+1)
}

// Wait blocks until every task, including tasks enqueued by other tasks, has finished.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Failed returns how many tasks exhausted their attempts.
func (l *Local) Failed() int {
	return int(l.failed.Load())
}

// Close releases the pool.
func (l *Local) Close() error {
	l.pool.Release()
	return nil
}
