package location

import (
	"context"
	"time"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/models"
)

// Acquirer 位置获取器
// 在有界等待内尽力获取定位快照。拿不到定位返回 nil（不是错误）：
// 调用方必须把 nil 位置当作合法结果继续派发报警。
type Acquirer struct {
	provider capability.LocationProvider
	maxWait  time.Duration
	logger   *zap.Logger
}

// NewAcquirer 创建位置获取器
func NewAcquirer(provider capability.LocationProvider, maxWait time.Duration, logger *zap.Logger) *Acquirer {
	return &Acquirer{
		provider: provider,
		maxWait:  maxWait,
		logger:   logger,
	}
}

// Acquire 获取当前定位快照
// 能力不可用、被拒绝、失败或超时都返回 nil
func (a *Acquirer) Acquire(ctx context.Context) *models.LocationSnapshot {
	if a.provider == nil || !a.provider.Available() {
		a.logger.Debug("Location capability unavailable")
		return nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, a.maxWait)
	defer cancel()

	type fixResult struct {
		snapshot *models.LocationSnapshot
		err      error
	}

	// 底层能力可能不严格遵守 ctx，超时由本层兜底
	resultCh := make(chan fixResult, 1)
	go func() {
		snapshot, err := a.provider.CurrentFix(fixCtx)
		resultCh <- fixResult{snapshot: snapshot, err: err}
	}()

	select {
	case <-fixCtx.Done():
		a.logger.Warn("Location fix timed out",
			zap.Duration("max_wait", a.maxWait),
		)
		return nil
	case result := <-resultCh:
		if result.err != nil {
			a.logger.Warn("Location fix failed",
				zap.Error(result.err),
			)
			return nil
		}
		return result.snapshot
	}
}
