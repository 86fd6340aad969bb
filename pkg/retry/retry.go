package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy 描述一次调用的重试策略：最多尝试几次、退避节奏、哪些错误值得重试。
// Policy 是纯数据，调用方在构造时注入，不在每个调用点各写一套循环。
type Policy struct {
	MaxAttempts     uint          // 总尝试次数（含第一次），0 按 1 处理
	InitialInterval time.Duration // 第一次重试前的等待
	MaxInterval     time.Duration // 单次等待上限
	Multiplier      float64       // 退避倍数，<=1 时使用固定间隔
	Jitter          float64       // 随机抖动比例，0 表示不抖动

	// Retryable 为 nil 时所有错误都重试
	Retryable func(error) bool

	// OnRetry 在每次等待前回调，通常用于打日志
	OnRetry func(err error, next time.Duration)
}

// Never 只尝试一次
var Never = Policy{MaxAttempts: 1}

func (p Policy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.InitialInterval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do 按策略执行 op，返回最后一次的结果。
// 不可重试的错误立即原样返回；ctx 取消时返回 ctx 的错误。
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	operation := func() (T, error) {
		res, err := op(ctx)
		if err != nil && !p.retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	res, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return res, err
}

// Run 是没有返回值时的 Do
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
