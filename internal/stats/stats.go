// Package stats records hand history to a relational store. The engine
// emits records after its locks are released, so a slow or failing
// database never delays gameplay.
package stats

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tavernhall/tablecore/pkg/gamecore"
)

const (
	errorOperationStats = "stats"
	errorSubjectHand    = "hand"
	errorCodeList       = "list"
	errorCodeMigrate    = "migrate"
)

// HandRecord mirrors the hands table, one row per dealt hand.
type HandRecord struct {
	HandRecordID string    `gorm:"type:uuid;primaryKey"`
	HandID       string    `gorm:"not null;uniqueIndex"`
	ChatID       int64     `gorm:"not null;index"`
	Participants int       `gorm:"not null"`
	PotChips     int64     `gorm:"not null;default:0"`
	Finished     bool      `gorm:"not null;default:false"`
	StartedAt    time.Time `gorm:"not null;index"`
	FinishedAt   *time.Time
}

// TableName fixes the table name.
func (HandRecord) TableName() string { return "hands" }

// BeforeCreate assigns the primary key.
func (record *HandRecord) BeforeCreate(tx *gorm.DB) error {
	if record.HandRecordID == "" {
		record.HandRecordID = uuid.NewString()
	}
	return nil
}

// PayoutRecord mirrors the hand_payouts table, one row per winner per
// hand.
type PayoutRecord struct {
	PayoutRecordID string    `gorm:"type:uuid;primaryKey"`
	HandID         string    `gorm:"not null;index"`
	ChatID         int64     `gorm:"not null;index"`
	UserID         int64     `gorm:"not null;index"`
	AmountChips    int64     `gorm:"not null"`
	HandLabel      string    `gorm:""`
	CreatedAt      time.Time `gorm:"not null"`
}

// TableName fixes the table name.
func (PayoutRecord) TableName() string { return "hand_payouts" }

// BeforeCreate assigns the primary key.
func (record *PayoutRecord) BeforeCreate(tx *gorm.DB) error {
	if record.PayoutRecordID == "" {
		record.PayoutRecordID = uuid.NewString()
	}
	return nil
}

// Recorder persists hand history through GORM.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewRecorder migrates the schema and returns a recorder backed by db.
func NewRecorder(db *gorm.DB, logger *zap.Logger) (*Recorder, error) {
	if db == nil {
		return nil, gamecore.ErrInvalidServiceConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&HandRecord{}, &PayoutRecord{}); err != nil {
		return nil, gamecore.WrapError(errorOperationStats, errorSubjectHand, errorCodeMigrate, err)
	}
	return &Recorder{db: db, logger: logger.Named("stats"), nowFn: time.Now}, nil
}

// HandStarted records the deal. Failures are logged, never propagated;
// history is best effort.
func (recorder *Recorder) HandStarted(ctx context.Context, chatID int64, handID string, participants []int64) {
	record := HandRecord{
		HandID:       handID,
		ChatID:       chatID,
		Participants: len(participants),
		StartedAt:    recorder.nowFn().UTC(),
	}
	if err := recorder.db.WithContext(ctx).Create(&record).Error; err != nil {
		recorder.logger.Error("hand start record failed",
			zap.Int64("chat_id", chatID),
			zap.String("hand_id", handID),
			zap.Error(err),
		)
	}
}

// HandFinished closes the hand row and records each winner's payout.
func (recorder *Recorder) HandFinished(ctx context.Context, chatID int64, handID string, pot int64, payouts map[int64]int64, handLabels map[int64]string) {
	finishedAt := recorder.nowFn().UTC()
	err := recorder.db.WithContext(ctx).
		Model(&HandRecord{}).
		Where("hand_id = ?", handID).
		Updates(map[string]any{
			"pot_chips":   pot,
			"finished":    true,
			"finished_at": finishedAt,
		}).Error
	if err != nil {
		recorder.logger.Error("hand finish record failed",
			zap.Int64("chat_id", chatID),
			zap.String("hand_id", handID),
			zap.Error(err),
		)
	}

	for userID, amount := range payouts {
		record := PayoutRecord{
			HandID:      handID,
			ChatID:      chatID,
			UserID:      userID,
			AmountChips: amount,
			HandLabel:   handLabels[userID],
			CreatedAt:   finishedAt,
		}
		if err := recorder.db.WithContext(ctx).Create(&record).Error; err != nil {
			recorder.logger.Error("payout record failed",
				zap.Int64("chat_id", chatID),
				zap.String("hand_id", handID),
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
	}
}

// PlayerSummary aggregates one player's lifetime results in a chat.
type PlayerSummary struct {
	UserID      int64
	HandsWon    int64
	ChipsWon    int64
	LastVictory time.Time
}

// TopWinners returns the chat's leaderboard by chips won.
func (recorder *Recorder) TopWinners(ctx context.Context, chatID int64, limit int) ([]PlayerSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	var summaries []PlayerSummary
	err := recorder.db.WithContext(ctx).
		Model(&PayoutRecord{}).
		Select("user_id, count(*) as hands_won, sum(amount_chips) as chips_won, max(created_at) as last_victory").
		Where("chat_id = ?", chatID).
		Group("user_id").
		Order("chips_won desc").
		Limit(limit).
		Scan(&summaries).Error
	if err != nil {
		return nil, gamecore.WrapError(errorOperationStats, errorSubjectHand, errorCodeList, err)
	}
	return summaries, nil
}
