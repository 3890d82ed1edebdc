// Package lifecycle 扮演宿主平台：派发 install/activate，负责重试与状态流转，
// 并向 worker 提供 SkipWaiting / ClaimClients 能力。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
)

// State 表示 worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var knownStates = []string{
	string(StateParsed),
	string(StateInstalling),
	string(StateInstalled),
	string(StateActivating),
	string(StateActivated),
	string(StateRedundant),
}

// ErrInstallExhausted 表示 install 重试次数耗尽，worker 被丢弃。
var ErrInstallExhausted = errors.New("install retries exhausted")

// Handlers 是宿主派发的两个生命周期事件。
type Handlers struct {
	Install  func(ctx context.Context) error
	Activate func(ctx context.Context) error
}

// Options 控制重试策略与依赖注入。
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
	Metrics        *metrics.Collectors
	// Sleep 为空时使用可被 ctx 取消的 time.Timer，测试可替换。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runtime 实现 shell.Host，并发安全。
type Runtime struct {
	opts   Options
	logger *logrus.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	controlling bool

	releaseOnce sync.Once
	released    chan struct{}
}

// New 创建处于 parsed 状态的运行时。
func New(opts Options) *Runtime {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Runtime{
		opts:     opts,
		logger:   logger,
		state:    StateParsed,
		released: make(chan struct{}),
	}
	opts.Metrics.SetLifecycleState(string(StateParsed), knownStates)
	return r
}

// SkipWaiting 让 install 成功后立即进入激活。
func (r *Runtime) SkipWaiting(context.Context) error {
	r.mu.Lock()
	r.skipWaiting = true
	r.mu.Unlock()
	return nil
}

// ClaimClients 标记运行时开始接管请求。
func (r *Runtime) ClaimClients(context.Context) error {
	r.mu.Lock()
	r.controlling = true
	r.mu.Unlock()
	r.logger.WithField("action", "claim").Info("接管全部客户端")
	return nil
}

// ReleaseClients 通知旧客户端已全部关闭，等待中的 worker 可以激活。
func (r *Runtime) ReleaseClients() {
	r.releaseOnce.Do(func() { close(r.released) })
}

// State 返回当前阶段。
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Controlling 报告 worker 是否已接管请求。
func (r *Runtime) Controlling() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controlling
}

// Start 依次执行 install（带指数退避重试）与 activate，阻塞直到激活完成、
// 安装被放弃或 ctx 结束。
func (r *Runtime) Start(ctx context.Context, h Handlers) error {
	if h.Install == nil || h.Activate == nil {
		return errors.New("install and activate handlers are required")
	}

	r.setState(StateInstalling)
	if err := r.install(ctx, h.Install); err != nil {
		r.setState(StateRedundant)
		return err
	}
	r.setState(StateInstalled)

	if !r.skipRequested() {
		r.logger.WithField("action", "install").Info("等待旧客户端释放")
		select {
		case <-r.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.setState(StateActivating)
	if err := h.Activate(ctx); err != nil {
		r.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}
	r.setState(StateActivated)
	return nil
}

func (r *Runtime) install(ctx context.Context, install func(context.Context) error) error {
	backoff := r.opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := install(ctx)
		if err == nil {
			return nil
		}
		fields := logrus.Fields{
			"action":  "install",
			"attempt": attempt + 1,
		}
		if attempt >= r.opts.MaxRetries {
			r.logger.WithFields(fields).WithError(err).Error("安装失败，放弃")
			return fmt.Errorf("%w after %d attempts: %v", ErrInstallExhausted, attempt+1, err)
		}
		fields["backoff"] = backoff.String()
		r.logger.WithFields(fields).WithError(err).Warn("安装失败，稍后重试")
		if err := r.opts.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

func (r *Runtime) skipRequested() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skipWaiting
}

func (r *Runtime) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.opts.Metrics.SetLifecycleState(string(state), knownStates)
	r.logger.WithFields(logrus.Fields{"action": "lifecycle", "state": state}).Debug("state_changed")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
