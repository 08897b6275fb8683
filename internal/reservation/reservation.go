// Package reservation coordinates the two-phase commit protocol for
// chip debits. Phase one (Reserve) runs outside any session lock and
// debits the wallet up front; phase two (Commit) runs inside the stage
// lock and is therefore cheap. Every reservation reaches exactly one
// terminal status: committed or rolled back. Refunds that cannot be
// applied go to the dead letter queue rather than being dropped.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/dlq"
	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/internal/wallet"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

// Status is the reservation lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether the status can no longer change.
func (status Status) Terminal() bool {
	return status == StatusCommitted || status == StatusRolledBack
}

// Record is the durable reservation state.
type Record struct {
	ReservationID string `json:"reservation_id"`
	ChatID        int64  `json:"chat_id"`
	UserID        int64  `json:"user_id"`
	Amount        int64  `json:"amount"`
	Status        Status `json:"status"`
	Reason        string `json:"reason,omitempty"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

// Policy tunes reservation expiry.
type Policy struct {
	TTL         time.Duration
	GraceBuffer time.Duration
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{TTL: 5 * time.Minute, GraceBuffer: 30 * time.Second}
}

const (
	reservationKeyPrefix = "reservation:"

	operationReserve  = "reserve"
	operationCommit   = "commit"
	operationRollback = "rollback"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonExpired = "expired"

	persistAttempts = 3
)

// Coordinator manages the reserve/commit/rollback lifecycle.
type Coordinator struct {
	store           kvstore.Store
	wallets         wallet.Repository
	deadLetters     dlq.Queue
	logger          *zap.Logger
	operationLogger OperationLogger
	policy          Policy
	nowFn           func() time.Time

	mutex     sync.Mutex
	watchdogs map[string]*time.Timer
}

// New wires a Coordinator.
func New(store kvstore.Store, wallets wallet.Repository, deadLetters dlq.Queue, logger *zap.Logger, now func() time.Time, options ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if wallets == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if deadLetters == nil {
		return nil, fmt.Errorf("%w: dead letter queue dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := &Coordinator{
		store:       store,
		wallets:     wallets,
		deadLetters: deadLetters,
		logger:      logger.Named("reservation"),
		policy:      DefaultPolicy(),
		nowFn:       now,
		watchdogs:   make(map[string]*time.Timer),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

func reservationKey(reservationID string) string {
	return reservationKeyPrefix + reservationID
}

// Reserve runs phase one: debit the wallet, persist a pending record,
// and schedule the expiry watchdog. It must be called outside any
// session lock.
func (coordinator *Coordinator) Reserve(ctx context.Context, chatID int64, userID int64, amount int64) (Record, error) {
	if amount <= 0 {
		return Record{}, fmt.Errorf("%w: reservation amount must be positive", gamecore.ErrInvalidAmount)
	}

	if err := coordinator.wallets.Debit(ctx, chatID, userID, amount); err != nil {
		if errors.Is(err, gamecore.ErrInsufficientFunds) {
			reserveCounter.WithLabelValues("insufficient_funds").Inc()
		} else {
			reserveCounter.WithLabelValues("error").Inc()
		}
		coordinator.logOperation(ctx, OperationLog{
			Operation: operationReserve,
			ChatID:    chatID,
			UserID:    userID,
			Amount:    amount,
			Error:     err,
		})
		return Record{}, err
	}

	now := coordinator.nowFn()
	record := Record{
		ReservationID: uuid.NewString(),
		ChatID:        chatID,
		UserID:        userID,
		Amount:        amount,
		Status:        StatusPending,
		CreatedAtUnix: now.Unix(),
		ExpiresAtUnix: now.Add(coordinator.policy.TTL + coordinator.policy.GraceBuffer).Unix(),
	}

	if err := coordinator.persist(ctx, record, kvstore.NoVersion); err != nil {
		// The debit already happened; compensate before reporting.
		if creditErr := coordinator.wallets.Credit(ctx, chatID, userID, amount); creditErr != nil {
			coordinator.pushDeadLetter(ctx, record, "reserve_persist_failed: "+creditErr.Error())
		}
		reserveCounter.WithLabelValues("error").Inc()
		coordinator.logOperation(ctx, OperationLog{
			Operation:     operationReserve,
			ReservationID: record.ReservationID,
			ChatID:        chatID,
			UserID:        userID,
			Amount:        amount,
			Error:         err,
		})
		return Record{}, err
	}

	coordinator.scheduleWatchdog(record.ReservationID)
	reserveCounter.WithLabelValues("success").Inc()
	coordinator.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		ReservationID: record.ReservationID,
		ChatID:        chatID,
		UserID:        userID,
		Amount:        amount,
	})
	return record, nil
}

// Commit runs phase two while the caller holds the session lock. It is
// idempotent: committing an already-committed reservation is a no-op.
func (coordinator *Coordinator) Commit(ctx context.Context, reservationID string) error {
	err := coordinator.transition(ctx, reservationID, func(record *Record) error {
		switch record.Status {
		case StatusCommitted:
			return nil
		case StatusRolledBack:
			return fmt.Errorf("%w: %s already rolled back", gamecore.ErrReservationClosed, reservationID)
		}
		if coordinator.nowFn().Unix() > record.ExpiresAtUnix {
			return fmt.Errorf("%w: %s", gamecore.ErrReservationExpired, reservationID)
		}
		record.Status = StatusCommitted
		return nil
	})
	if err != nil {
		commitCounter.WithLabelValues("error").Inc()
		// An expired reservation still needs its refund.
		if errors.Is(err, gamecore.ErrReservationExpired) {
			if rollbackErr := coordinator.Rollback(ctx, reservationID, reasonExpired); rollbackErr != nil {
				coordinator.logger.Error("rollback after expired commit failed",
					zap.String("reservation_id", reservationID),
					zap.Error(rollbackErr),
				)
			}
		}
	} else {
		commitCounter.WithLabelValues("success").Inc()
		coordinator.cancelWatchdog(reservationID)
	}
	coordinator.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		ReservationID: reservationID,
		Error:         err,
	})
	return err
}

// Rollback refunds a pending reservation. Rolling back an
// already-rolled-back reservation is a no-op; a committed reservation
// is refused (use Compensate for that).
func (coordinator *Coordinator) Rollback(ctx context.Context, reservationID string, reason string) error {
	return coordinator.rollback(ctx, reservationID, reason, false)
}

// Compensate refunds a committed reservation whose session-state write
// was rejected (version conflict after commit). This is the
// compensating transaction of the protocol.
func (coordinator *Coordinator) Compensate(ctx context.Context, reservationID string, reason string) error {
	return coordinator.rollback(ctx, reservationID, reason, true)
}

func (coordinator *Coordinator) rollback(ctx context.Context, reservationID string, reason string, allowCommitted bool) error {
	var refund Record
	err := coordinator.transition(ctx, reservationID, func(record *Record) error {
		refund = Record{}
		switch record.Status {
		case StatusRolledBack:
			return nil
		case StatusCommitted:
			if !allowCommitted {
				return fmt.Errorf("%w: %s already committed", gamecore.ErrReservationClosed, reservationID)
			}
		}
		previous := record.Status
		record.Status = StatusRolledBack
		record.Reason = reason
		if previous != StatusRolledBack {
			refund = *record
		}
		return nil
	})
	if err != nil {
		coordinator.logOperation(ctx, OperationLog{
			Operation:     operationRollback,
			ReservationID: reservationID,
			Error:         err,
		})
		return err
	}
	coordinator.cancelWatchdog(reservationID)
	rollbackCounter.WithLabelValues(reason).Inc()

	// Only the caller whose status transition persisted performs the
	// refund, so a racing watchdog cannot double-credit.
	if refund.ReservationID != "" {
		if creditErr := coordinator.wallets.Credit(ctx, refund.ChatID, refund.UserID, refund.Amount); creditErr != nil {
			coordinator.pushDeadLetter(ctx, refund, reason+": "+creditErr.Error())
		}
	}
	coordinator.logOperation(ctx, OperationLog{
		Operation:     operationRollback,
		ReservationID: reservationID,
		ChatID:        refund.ChatID,
		UserID:        refund.UserID,
		Amount:        refund.Amount,
	})
	return nil
}

// Get returns the stored reservation record.
func (coordinator *Coordinator) Get(ctx context.Context, reservationID string) (Record, error) {
	record, _, err := coordinator.load(ctx, reservationID)
	return record, err
}

// Shutdown cancels all outstanding watchdogs. Pending reservations are
// rolled back on the next startup sweep or by their redis TTL peers.
func (coordinator *Coordinator) Shutdown() {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	for reservationID, timer := range coordinator.watchdogs {
		timer.Stop()
		delete(coordinator.watchdogs, reservationID)
	}
}

func (coordinator *Coordinator) load(ctx context.Context, reservationID string) (Record, kvstore.Version, error) {
	raw, version, err := coordinator.store.Get(ctx, reservationKey(reservationID))
	if err != nil {
		if errors.Is(err, gamecore.ErrKeyNotFound) {
			return Record{}, kvstore.NoVersion, fmt.Errorf("%w: %s", gamecore.ErrReservationNotFound, reservationID)
		}
		return Record{}, kvstore.NoVersion, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, kvstore.NoVersion, gamecore.WrapError("reservation", "record", "decode", err)
	}
	return record, version, nil
}

func (coordinator *Coordinator) persist(ctx context.Context, record Record, expected kvstore.Version) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return gamecore.WrapError("reservation", "record", "encode", err)
	}
	_, err = coordinator.store.CompareAndSwap(ctx, reservationKey(record.ReservationID), expected, raw)
	return err
}

// transition applies mutate under optimistic concurrency, retrying on
// version conflicts with a fresh read.
func (coordinator *Coordinator) transition(ctx context.Context, reservationID string, mutate func(*Record) error) error {
	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		record, version, err := coordinator.load(ctx, reservationID)
		if err != nil {
			return err
		}
		before := record.Status
		if err := mutate(&record); err != nil {
			return err
		}
		if record.Status == before {
			return nil
		}
		if err := coordinator.persist(ctx, record, version); err != nil {
			if errors.Is(err, gamecore.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (coordinator *Coordinator) scheduleWatchdog(reservationID string) {
	delay := coordinator.policy.TTL + coordinator.policy.GraceBuffer
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	coordinator.watchdogs[reservationID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := coordinator.Rollback(ctx, reservationID, reasonExpired); err != nil && !errors.Is(err, gamecore.ErrReservationClosed) {
			coordinator.logger.Error("watchdog rollback failed",
				zap.String("reservation_id", reservationID),
				zap.Error(err),
			)
		}
	})
}

func (coordinator *Coordinator) cancelWatchdog(reservationID string) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if timer, exists := coordinator.watchdogs[reservationID]; exists {
		timer.Stop()
		delete(coordinator.watchdogs, reservationID)
	}
}

func (coordinator *Coordinator) pushDeadLetter(ctx context.Context, record Record, reason string) {
	deadLetterCounter.Inc()
	entry := dlq.Entry{
		ReservationID: record.ReservationID,
		ChatID:        record.ChatID,
		UserID:        record.UserID,
		Amount:        record.Amount,
		Reason:        reason,
		CreatedAt:     coordinator.nowFn().UTC(),
	}
	if err := coordinator.deadLetters.Push(ctx, entry); err != nil {
		// Last resort: the log line is the only remaining record.
		coordinator.logger.Error("dead letter push failed, refund requires manual reconciliation",
			zap.String("reservation_id", record.ReservationID),
			zap.Int64("chat_id", record.ChatID),
			zap.Int64("user_id", record.UserID),
			zap.Int64("amount", record.Amount),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	coordinator.logger.Error("refund failed, pushed to dead letter queue",
		zap.String("reservation_id", record.ReservationID),
		zap.Int64("user_id", record.UserID),
		zap.Int64("amount", record.Amount),
		zap.String("reason", reason),
	)
}

func (coordinator *Coordinator) logOperation(ctx context.Context, entry OperationLog) {
	if coordinator.operationLogger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	coordinator.operationLogger.LogOperation(ctx, entry)
}
