package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/loginguard/internal/config"
)

// AttemptPurger deletes attempt log rows older than a cutoff
type AttemptPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodePurger deletes verification codes that expired before a cutoff
type CodePurger interface {
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockPurger deletes resolved locks older than a cutoff. Active locks are never touched.
type LockPurger interface {
	DeleteResolvedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RevocationPurger deletes revocation entries whose token has already expired
type RevocationPurger interface {
	CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Stores groups the repositories the cleanup manager prunes
type Stores struct {
	Attempts    AttemptPurger
	Codes       CodePurger
	Locks       LockPurger
	Revocations RevocationPurger
}

// CleanupManager periodically prunes security records past their retention period.
// Retention must be at least as long as the failure window or tier counts would drop early.
type CleanupManager struct {
	stores    Stores
	retention config.RetentionConfig
	logger    *slog.Logger
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(stores Stores, retention config.RetentionConfig, logger *slog.Logger) *CleanupManager {
	return &CleanupManager{
		stores:    stores,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.retention.CleanupInterval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

type purgeTask struct {
	name string
	run  func(ctx context.Context, now time.Time) (int64, error)
}

func (cm *CleanupManager) tasks() []purgeTask {
	var tasks []purgeTask
	if cm.stores.Attempts != nil && cm.retention.Attempts > 0 {
		tasks = append(tasks, purgeTask{"login_attempts", func(ctx context.Context, now time.Time) (int64, error) {
			return cm.stores.Attempts.DeleteOlderThan(ctx, now.Add(-cm.retention.Attempts))
		}})
	}
	if cm.stores.Codes != nil && cm.retention.Codes > 0 {
		tasks = append(tasks, purgeTask{"verification_codes", func(ctx context.Context, now time.Time) (int64, error) {
			return cm.stores.Codes.DeleteExpiredBefore(ctx, now.Add(-cm.retention.Codes))
		}})
	}
	if cm.stores.Locks != nil && cm.retention.Locks > 0 {
		tasks = append(tasks, purgeTask{"account_locks", func(ctx context.Context, now time.Time) (int64, error) {
			return cm.stores.Locks.DeleteResolvedOlderThan(ctx, now.Add(-cm.retention.Locks))
		}})
	}
	if cm.stores.Revocations != nil {
		tasks = append(tasks, purgeTask{"token_revocations", cm.stores.Revocations.CleanupExpiredTokens})
	}
	return tasks
}

// RunOnce prunes every store once and returns the rows deleted per table.
// A failing store is logged and skipped; the others still run.
func (cm *CleanupManager) RunOnce(ctx context.Context) map[string]int64 {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now()
	deleted := make(map[string]int64)

	for _, task := range cm.tasks() {
		rows, err := task.run(cleanupCtx, now)
		if err != nil {
			cm.logger.Error("retention cleanup failed",
				slog.String("table", task.name),
				slog.Any("error", err),
			)
			continue
		}
		deleted[task.name] = rows
		if rows > 0 {
			cm.logger.Info("retention cleanup completed",
				slog.String("table", task.name),
				slog.Int64("rows_deleted", rows),
			)
		}
	}

	return deleted
}

// Stop signals the cleanup manager to stop. Safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
