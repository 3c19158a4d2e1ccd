package service

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency 批量操作默认并发
const DefaultBatchConcurrency = 8

// RunBatch 以有限并发执行 n 个独立任务，返回逐条错误
// 单条失败不会中断其余任务；ctx 取消后尚未开始的任务记为 ctx.Err()
func RunBatch(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			for j := i; j < n; j++ {
				errs[j] = err
			}
			break
		}
		g.Go(func() error {
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
