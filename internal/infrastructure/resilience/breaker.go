// Package resilience 为向量存储端口提供重试与熔断
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
	"theodore-ai-api/pkg/metrics"
)

// Outcome 单次调用结果分类
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeTransient 超时、不可用、限流，计入熔断
	OutcomeTransient
	// OutcomePermanent 校验类错误，后端本身健康
	OutcomePermanent
	// OutcomeCanceled 调用方放弃，不计入熔断
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify 按错误分类得到调用结果
// caller 为调用方 context，用于区分调用方取消与单次尝试超时
func Classify(caller context.Context, err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if caller != nil && caller.Err() != nil {
		return OutcomeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTransient
	}
	switch apperrors.CategoryOf(err) {
	case apperrors.CategoryPermanent:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// BreakerConfig 熔断参数
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker 单个 (backend, index) 的熔断器
//
// CLOSED 连续瞬时失败达到阈值后进入 OPEN；OPEN 冷却结束后进入 HALF_OPEN
// 并只放行一个探测请求，探测成功回到 CLOSED，失败重新进入 OPEN。
// 每次状态变化递增 generation，旧状态下放行的调用结果被忽略。
type Breaker struct {
	mu         sync.Mutex
	backend    string
	index      string
	cfg        BreakerConfig
	state      State
	generation uint64
	failures   int
	openedAt   time.Time
	probing    bool
	now        func() time.Time
}

func newBreaker(backend, index string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if now == nil {
		now = time.Now
	}
	metrics.CircuitState.WithLabelValues(backend, index).Set(float64(StateClosed))
	return &Breaker{backend: backend, index: index, cfg: cfg, now: now}
}

// State 当前状态；OPEN 且冷却结束时报告 HALF_OPEN
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Allow 判断是否放行本次调用，返回的 generation 需原样交给 Record
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return 0, b.openErr()
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return b.generation, nil
	default:
		if b.probing {
			return 0, b.openErr()
		}
		b.probing = true
		return b.generation, nil
	}
}

// Record 记录放行调用的结果；generation 已过期的结果直接丢弃
func (b *Breaker) Record(generation uint64, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	switch outcome {
	case OutcomeSuccess, OutcomePermanent:
		b.failures = 0
		if b.state != StateClosed {
			b.probing = false
			b.transition(StateClosed)
		}
	case OutcomeTransient:
		switch b.state {
		case StateHalfOpen:
			b.probing = false
			b.open()
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.open()
			}
		}
	case OutcomeCanceled:
		// 探测被调用方放弃时释放名额
		if b.state == StateHalfOpen {
			b.probing = false
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.failures = 0
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	metrics.CircuitState.WithLabelValues(b.backend, b.index).Set(float64(to))
	logger.Info(context.Background(), "circuit breaker state changed",
		"backend", b.backend,
		"index", b.index,
		"from", from.String(),
		"to", to.String(),
	)
}

func (b *Breaker) openErr() error {
	return apperrors.Newf(apperrors.CodeCircuitOpen, "circuit open for %s/%s", b.backend, b.index)
}

// breakerKey 熔断器键
type breakerKey struct {
	backend string
	index   string
}

// BreakerSet 按 (backend, index) 惰性创建熔断器
type BreakerSet struct {
	cfg      BreakerConfig
	breakers sync.Map // breakerKey -> *Breaker
	now      func() time.Time
}

// NewBreakerSet 创建熔断器集合
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, now: time.Now}
}

// Get 获取或创建熔断器
func (s *BreakerSet) Get(backend, index string) *Breaker {
	key := breakerKey{backend: backend, index: index}
	if b, ok := s.breakers.Load(key); ok {
		return b.(*Breaker)
	}
	b, _ := s.breakers.LoadOrStore(key, newBreaker(backend, index, s.cfg, s.now))
	return b.(*Breaker)
}

// Forget 删除索引对应的熔断器
func (s *BreakerSet) Forget(backend, index string) {
	s.breakers.Delete(breakerKey{backend: backend, index: index})
}

// AnyOpen 是否存在未关闭的熔断器
func (s *BreakerSet) AnyOpen(backend string) bool {
	open := false
	s.breakers.Range(func(k, v any) bool {
		if k.(breakerKey).backend == backend && v.(*Breaker).State() != StateClosed {
			open = true
			return false
		}
		return true
	})
	return open
}
