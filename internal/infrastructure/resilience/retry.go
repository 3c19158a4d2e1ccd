package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"theodore-ai-api/internal/config"
	apperrors "theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/metrics"
)

// Config 重试与熔断参数
type Config struct {
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	RandomizationFactor float64
	CallTimeout         time.Duration
	FailureThreshold    int
	Cooldown            time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		RandomizationFactor: 0.2,
		CallTimeout:         5 * time.Second,
		FailureThreshold:    5,
		Cooldown:            30 * time.Second,
	}
}

// ConfigFrom 由应用配置生成参数
func ConfigFrom(cfg *config.ResilienceConfig) Config {
	return Config{
		MaxAttempts:         cfg.MaxAttempts,
		BaseDelay:           cfg.BaseDelay,
		MaxDelay:            cfg.MaxDelay,
		RandomizationFactor: cfg.RandomizationFactor,
		CallTimeout:         cfg.CallTimeout,
		FailureThreshold:    cfg.FailureThreshold,
		Cooldown:            cfg.Cooldown,
	}
}

// Retrier 带熔断的指数退避重试
type Retrier struct {
	backend  string
	cfg      Config
	breakers *BreakerSet
}

// NewRetrier 创建重试器
func NewRetrier(backend string, cfg Config, breakers *BreakerSet) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Retrier{backend: backend, cfg: cfg, breakers: breakers}
}

func (r *Retrier) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseDelay
	b.MaxInterval = r.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = r.cfg.RandomizationFactor
	return b
}

// Do 执行 fn，瞬时错误按退避重试，永久错误与熔断立即返回
// 每次尝试使用独立的 CallTimeout
func Do[T any](ctx context.Context, r *Retrier, index, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	br := r.breakers.Get(r.backend, index)

	attempt := func() (T, error) {
		var zero T
		gen, err := br.Allow()
		if err != nil {
			return zero, backoff.Permanent(err)
		}

		attemptCtx, cancel := r.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		res, err := fn(attemptCtx)
		outcome := Classify(ctx, err)
		br.Record(gen, outcome)

		metrics.VectorCallDuration.WithLabelValues(r.backend, op).Observe(time.Since(start).Seconds())
		metrics.VectorCallTotal.WithLabelValues(r.backend, op, outcome.String()).Inc()

		switch outcome {
		case OutcomeSuccess:
			return res, nil
		case OutcomeTransient:
			return res, err
		default:
			return res, backoff.Permanent(err)
		}
	}

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(error, time.Duration) {
			metrics.VectorRetryTotal.WithLabelValues(r.backend, op).Inc()
		}),
	)
	if err != nil {
		return res, r.surface(ctx, op, err)
	}
	return res, nil
}

func (r *Retrier) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.CallTimeout)
}

// surface 将最终错误映射为稳定的错误类别
func (r *Retrier) surface(ctx context.Context, op string, err error) error {
	var perm *backoff.PermanentError
	if apperrors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.Wrap(ctxErr, apperrors.CodeDeadlineExceeded, r.backend+" "+op+" deadline exceeded")
	}
	if apperrors.IsAppError(err) && !apperrors.Is(err, apperrors.ErrDeadlineExceeded) {
		if apperrors.IsTransient(err) && !apperrors.Is(err, apperrors.ErrCircuitOpen) {
			return apperrors.Wrap(err, apperrors.CodeServiceUnavailable,
				r.backend+" "+op+" unavailable after retries")
		}
		return err
	}
	return apperrors.Wrap(err, apperrors.CodeServiceUnavailable, r.backend+" "+op+" unavailable after retries")
}
