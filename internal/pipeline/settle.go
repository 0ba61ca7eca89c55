package pipeline

import (
	"context"
	"time"

	"subrefresh/pkg/traffic"
)

// Settle 等待流量稳定：连续 quiet 时间没有新记录即返回，最长等待 limit
func Settle(ctx context.Context, store *traffic.Store, quiet, limit time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	start := time.Now()
	var deadline time.Time
	if limit > 0 {
		deadline = start.Add(limit)
	}

	tick := quiet / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		now := time.Now()
		ref := store.LastAppend()
		if ref.Before(start) {
			ref = start
		}
		if now.Sub(ref) >= quiet {
			return nil
		}
		if !deadline.IsZero() && !now.Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
