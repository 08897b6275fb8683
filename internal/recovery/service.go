// Package recovery validates persisted session snapshots after a
// restart and repairs or removes the damaged ones before the engine
// accepts traffic. A failure on one session never blocks the sweep of
// the others.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/lockmgr"
	"github.com/tavernhall/tablecore/internal/table"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Service runs the startup sweep.
type Service struct {
	tables *table.Manager
	locks  *lockmgr.Manager
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(tables *table.Manager, locks *lockmgr.Manager, logger *zap.Logger) (*Service, error) {
	if tables == nil {
		return nil, fmt.Errorf("%w: table manager dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if locks == nil {
		return nil, fmt.Errorf("%w: lock manager dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tables: tables, locks: locks, logger: logger.Named("recovery")}, nil
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned      int
	Healthy      int
	Repaired     int
	Deleted      int
	Failed       int
	LocksCleared int
}

// RunStartupRecovery clears every lock left over from the previous
// process, then examines each persisted session: healthy ones are kept,
// repairable damage resets the session to waiting, and untrustworthy
// snapshots are deleted. Committed bets of a repaired session are
// already settled or refunded by the reservation watchdog, so the reset
// only touches table state.
func (service *Service) RunStartupRecovery(ctx context.Context) (Stats, error) {
	var stats Stats

	cleared, err := service.locks.ClearAllLocks(ctx)
	if err != nil {
		return stats, err
	}
	stats.LocksCleared = cleared

	chatIDs, err := service.tables.ScanChatIDs(ctx)
	if err != nil {
		return stats, err
	}

	for _, chatID := range chatIDs {
		stats.Scanned++
		outcome, err := service.recoverSession(ctx, chatID)
		if err != nil {
			stats.Failed++
			sweepCounter.WithLabelValues(outcomeFailed).Inc()
			service.logger.Error("session recovery failed",
				zap.Int64("chat_id", chatID),
				zap.Error(err),
			)
			continue
		}
		sweepCounter.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeHealthy:
			stats.Healthy++
		case outcomeRepaired:
			stats.Repaired++
		case outcomeDeleted:
			stats.Deleted++
		}
	}

	service.logger.Info("startup recovery complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("healthy", stats.Healthy),
		zap.Int("repaired", stats.Repaired),
		zap.Int("deleted", stats.Deleted),
		zap.Int("failed", stats.Failed),
		zap.Int("locks_cleared", stats.LocksCleared),
	)
	return stats, nil
}

func (service *Service) recoverSession(ctx context.Context, chatID int64) (string, error) {
	session, version, err := service.tables.Load(ctx, chatID)
	if err != nil {
		if !table.IsCorrupt(err) {
			return "", err
		}
		service.logger.Warn("deleting undecodable session",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
		if err := service.tables.Delete(ctx, chatID); err != nil {
			return "", err
		}
		return outcomeDeleted, nil
	}

	result := Validate(session)
	if result.Healthy() {
		// A session that died mid-hand carries a stale turn deadline;
		// refresh nothing, just drop the clock so the engine reissues
		// it on the next action.
		if session.TurnDeadlineUnix != 0 {
			session.TurnDeadlineUnix = 0
			if _, err := service.tables.Save(ctx, session, version); err != nil {
				return "", err
			}
		}
		return outcomeHealthy, nil
	}

	if !result.Recoverable() {
		service.logger.Warn("deleting unrecoverable session",
			zap.Int64("chat_id", chatID),
			zap.String("issues", fmt.Sprintf("%v", result.Issues)),
		)
		if err := service.tables.Delete(ctx, chatID); err != nil {
			return "", err
		}
		return outcomeDeleted, nil
	}

	service.logger.Warn("resetting damaged session",
		zap.Int64("chat_id", chatID),
		zap.String("issues", fmt.Sprintf("%v", result.Issues)),
	)
	session.ResetToWaiting()
	if _, err := service.tables.Save(ctx, session, version); err != nil {
		return "", err
	}
	return outcomeRepaired, nil
}
