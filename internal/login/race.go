package login

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task 一个可取消的检测策略，返回 nil 表示检测成功
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Race 并发执行所有策略，第一个成功者胜出并取消其余策略。
// 超时返回 ErrTimeout；全部策略提前失败时返回聚合错误。
func Race(parent context.Context, timeout time.Duration, tasks []Task) (string, error) {
	if len(tasks) == 0 {
		return "", errors.New("login: no detection strategy configured")
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(tasks))
	for _, t := range tasks {
		go func(t Task) {
			results <- result{name: t.Name, err: t.Run(ctx)}
		}(t)
	}

	var errs []error
	for range tasks {
		select {
		case r := <-results:
			if r.err == nil {
				return r.name, nil
			}
			if ctx.Err() == nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			}
		case <-ctx.Done():
			return "", doneErr(parent, ctx, timeout)
		}
	}
	if ctx.Err() != nil {
		return "", doneErr(parent, ctx, timeout)
	}
	return "", fmt.Errorf("login: all strategies failed: %w", errors.Join(errs...))
}

func doneErr(parent, ctx context.Context, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

// poll 按间隔轮询直到 check 返回 true 或 ctx 结束；check 的错误视为暂时性失败
func poll(ctx context.Context, interval time.Duration, check func(ctx context.Context) (bool, error), onErr func(error)) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		ok, err := check(ctx)
		if err != nil && onErr != nil && ctx.Err() == nil {
			onErr(err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
