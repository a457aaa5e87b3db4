package session

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/koopa0/system-design/14-room-sync/pkg/errors"
)

// DefaultMaxAttempts 衝突重試次數
const DefaultMaxAttempts = 3

// RetryLoop 版本衝突重試
//
// 每次重試都重新執行整個 fn（讀取 → 計算 → 寫入 → 推送），
// 業務規則必須基於最新快照重新判斷。只有 CONFLICT 會重試；
// 重試用完返回 SERVICE_UNAVAILABLE。
type RetryLoop struct {
	maxAttempts int
	logger      *slog.Logger
}

// NewRetryLoop 創建重試迴圈
func NewRetryLoop(maxAttempts int, logger *slog.Logger) *RetryLoop {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryLoop{maxAttempts: maxAttempts, logger: logger}
}

// Do 執行 fn，版本衝突時重試
func (l *RetryLoop) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsConflict(err) {
			return err
		}

		lastErr = err
		l.logger.DebugContext(ctx, "版本衝突，重新執行",
			"action", name,
			"attempt", attempt)
	}

	l.logger.WarnContext(ctx, "衝突重試次數用完",
		"action", name,
		"attempts", l.maxAttempts,
		"error", lastErr)
	return apperrors.ErrServiceUnavailable.WithDetails(
		fmt.Sprintf("%s: max trials reached", name))
}
