// Package retry 对数据存储的瞬时错误做指数退避重试
package retry

import (
	"context"
	"errors"
	"time"

	"river-workorder/internal/repository"
	"river-workorder/internal/workflow"

	"github.com/cenkalti/backoff/v4"
)

// NewBackoff BackOff 有状态，每次调用返回新实例
func NewBackoff(maxElapsed time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// Retryable 业务拒绝与“记录不存在/重复”不重试，其余视为瞬时错误
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *workflow.RejectionError
	if errors.As(err, &rej) {
		return errors.Is(rej.Kind, workflow.ErrTransientFailure)
	}
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrDuplicate) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do 执行 op，瞬时错误按指数退避重试，直到成功、遇到不可重试错误或超过 maxElapsed
func Do(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(NewBackoff(maxElapsed), ctx))
}
